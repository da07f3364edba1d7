package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/storage"
	"github.com/giantswarm/mcp-oauth-core/storage/sqlite/migrations"
)

// Store persists grants, sessions, clients and cached client metadata in
// SQLite. Apply runs in one IMMEDIATE transaction; the redeemed flag and
// session status use compare-and-swap updates, and a partial unique index
// keeps at most one created session per grant.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.Store = (*Store)(nil)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens the database at path and applies the embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, logger: slog.Default()}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables spans and operation metrics for Apply.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// GrantStore Implementation
// ============================================================

const grantColumns = `id, public_id, user_id, client_id, client_url, expires_at, redeemed,
	resources, scopes, code_challenge, code_challenge_method, redirect_uri, created_at`

// SaveGrant inserts a new pending grant.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if err := grant.Validate(); err != nil {
		return err
	}
	resources, err := marshalList(grant.Resources)
	if err != nil {
		return err
	}
	scopes, err := marshalList(grant.Scopes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID,
		grant.PublicID,
		grant.UserID,
		nullString(grant.ClientID),
		nullString(grant.ClientURL),
		toMillis(grant.ExpiresAt),
		grant.Redeemed,
		resources,
		scopes,
		grant.CodeChallenge,
		grant.CodeChallengeMethod,
		grant.RedirectURI,
		toMillis(grant.CreatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE) {
			return storage.ErrGrantExists
		}
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

// GetGrant retrieves a grant by its public identifier.
func (s *Store) GetGrant(ctx context.Context, publicID string) (*storage.Grant, error) {
	return s.getGrant(ctx, "public_id", publicID)
}

// GetGrantByID retrieves a grant by its internal identifier.
func (s *Store) GetGrantByID(ctx context.Context, id string) (*storage.Grant, error) {
	return s.getGrant(ctx, "id", id)
}

func (s *Store) getGrant(ctx context.Context, column, value string) (*storage.Grant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE `+column+` = ?`, value)

	var (
		g                    storage.Grant
		clientID, clientURL  sql.NullString
		expiresAt, createdAt int64
		resources, scopes    string
	)
	err := row.Scan(&g.ID, &g.PublicID, &g.UserID, &clientID, &clientURL, &expiresAt, &g.Redeemed,
		&resources, &scopes, &g.CodeChallenge, &g.CodeChallengeMethod, &g.RedirectURI, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("get grant: %w", err)
	}
	g.ClientID = clientID.String
	g.ClientURL = clientURL.String
	g.ExpiresAt = fromMillis(expiresAt)
	g.CreatedAt = fromMillis(createdAt)
	if g.Resources, err = unmarshalList(resources); err != nil {
		return nil, err
	}
	if g.Scopes, err = unmarshalList(scopes); err != nil {
		return nil, err
	}
	return &g, nil
}

// DeleteGrant removes a grant; its sessions go with it through ON DELETE CASCADE.
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrGrantNotFound
	}
	return nil
}

// DeleteExpiredGrants removes pending grants that expired before now.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE redeemed = 0 AND expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

const sessionColumns = `id, grant_id, access_token_jti, refresh_token_jti, status, expires_at, created_at, updated_at`

// GetSession retrieves a session by its identifier.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	return s.getSession(ctx, `WHERE id = ?`, id)
}

// GetSessionByAccessJTI retrieves the session that issued an access token.
func (s *Store) GetSessionByAccessJTI(ctx context.Context, jti string) (*storage.Session, error) {
	return s.getSession(ctx, `WHERE access_token_jti = ?`, jti)
}

// GetSessionByRefreshJTI retrieves the session that issued a refresh token.
func (s *Store) GetSessionByRefreshJTI(ctx context.Context, jti string) (*storage.Session, error) {
	return s.getSession(ctx, `WHERE refresh_token_jti = ?`, jti)
}

// GetActiveSession returns the grant's session in created status.
func (s *Store) GetActiveSession(ctx context.Context, grantID string) (*storage.Session, error) {
	return s.getSession(ctx, `WHERE grant_id = ? AND status = 'created'`, grantID)
}

// ListSessions returns every session of a grant, oldest first.
func (s *Store) ListSessions(ctx context.Context, grantID string) ([]*storage.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE grant_id = ? ORDER BY created_at, rowid`, grantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) getSession(ctx context.Context, where string, arg string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where, arg)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*storage.Session, error) {
	var (
		sess                           storage.Session
		status                         string
		expiresAt, createdAt, updateAt int64
	)
	if err := row.Scan(&sess.ID, &sess.GrantID, &sess.AccessTokenJTI, &sess.RefreshTokenJTI,
		&status, &expiresAt, &createdAt, &updateAt); err != nil {
		return nil, err
	}
	sess.Status = storage.SessionStatus(status)
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updateAt)
	return &sess, nil
}

// ============================================================
// MutationStore Implementation
// ============================================================

// Apply commits m in one transaction. Any failed step rolls back all of them.
func (s *Store) Apply(ctx context.Context, m *storage.Mutation) (err error) {
	ctx, span := s.startStorageSpan(ctx, "apply")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "apply", err, startTime)
	}()

	if err = m.Validate(); err != nil {
		return err
	}
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if m.RedeemGrantID != "" {
		if err = redeemGrant(ctx, tx, m.RedeemGrantID); err != nil {
			return err
		}
	}
	for _, t := range m.Transitions {
		if err = transition(ctx, tx, t, at); err != nil {
			return err
		}
	}
	for _, c := range m.Creates {
		if err = createSession(ctx, tx, c, at); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// redeemGrant flips redeemed from 0 to 1. Losing the race affects no rows.
func redeemGrant(ctx context.Context, tx *sql.Tx, grantID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE grants SET redeemed = 1 WHERE id = ? AND redeemed = 0`, grantID)
	if err != nil {
		return fmt.Errorf("redeem grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if exists, err := rowExists(ctx, tx, `SELECT 1 FROM grants WHERE id = ?`, grantID); err != nil {
		return err
	} else if !exists {
		return storage.ErrGrantNotFound
	}
	return storage.ErrGrantRedeemed
}

// transition updates a session's status when it is still in one of t.From.
func transition(ctx context.Context, tx *sql.Tx, t storage.Transition, at time.Time) error {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(t.To), toMillis(at), t.SessionID}
	if len(t.From) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(t.From)-1) + `)`
		for _, f := range t.From {
			args = append(args, string(f))
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE) {
			return fmt.Errorf("%w: session %s", storage.ErrActiveSessionExists, t.SessionID)
		}
		return fmt.Errorf("transition session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if exists, err := rowExists(ctx, tx, `SELECT 1 FROM sessions WHERE id = ?`, t.SessionID); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, t.SessionID)
	}
	return fmt.Errorf("%w: session %s", storage.ErrSessionConflict, t.SessionID)
}

func createSession(ctx context.Context, tx *sql.Tx, sess *storage.Session, at time.Time) error {
	createdAt, updatedAt := sess.CreatedAt, sess.UpdatedAt
	if createdAt.IsZero() {
		createdAt = at
	}
	if updatedAt.IsZero() {
		updatedAt = at
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.GrantID,
		sess.AccessTokenJTI,
		sess.RefreshTokenJTI,
		string(sess.Status),
		toMillis(sess.ExpiresAt),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY):
		return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, sess.GrantID)
	case isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY):
		if strings.Contains(strings.ToLower(err.Error()), "sessions.grant_id") {
			return fmt.Errorf("%w: grant %s", storage.ErrActiveSessionExists, sess.GrantID)
		}
		return storage.ErrDuplicateJTI
	}
	return fmt.Errorf("create session: %w", err)
}

func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check row: %w", err)
	}
	return true, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

const clientColumns = `public_id, name, type, redirect_uris, token_endpoint_auth_method, scope,
	access_token_duration, refresh_token_duration, secret_id, created_at`

// SaveClient inserts or replaces a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.PublicID == "" {
		return fmt.Errorf("client with a public id is required")
	}
	redirectURIs, err := marshalList(client.RedirectURIs)
	if err != nil {
		return err
	}
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.PublicID,
		client.Name,
		client.Type,
		redirectURIs,
		client.TokenEndpointAuthMethod,
		client.Scope,
		int64(client.AccessTokenDuration),
		int64(client.RefreshTokenDuration),
		client.SecretID,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by its public identifier.
func (s *Store) GetClient(ctx context.Context, publicID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE public_id = ?`, publicID)
	c, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// ListClients lists all registered clients ordered by public id.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY public_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteClient removes a registered client.
func (s *Store) DeleteClient(ctx context.Context, publicID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE public_id = ?`, publicID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

func scanClient(row scanner) (*storage.Client, error) {
	var (
		c               storage.Client
		redirectURIs    string
		access, refresh int64
		createdAtMillis int64
	)
	if err := row.Scan(&c.PublicID, &c.Name, &c.Type, &redirectURIs, &c.TokenEndpointAuthMethod, &c.Scope,
		&access, &refresh, &c.SecretID, &createdAtMillis); err != nil {
		return nil, err
	}
	uris, err := unmarshalList(redirectURIs)
	if err != nil {
		return nil, err
	}
	c.RedirectURIs = uris
	c.AccessTokenDuration = time.Duration(access)
	c.RefreshTokenDuration = time.Duration(refresh)
	c.CreatedAt = fromMillis(createdAtMillis)
	return &c, nil
}

// ============================================================
// MetadataStore Implementation
// ============================================================

// GetMetadata returns the cached entry for key, expired or not.
func (s *Store) GetMetadata(ctx context.Context, key string) (*storage.MetadataEntry, error) {
	var (
		e                    storage.MetadataEntry
		expiresAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, url, document, expires_at, updated_at FROM client_metadata WHERE key = ?`, key,
	).Scan(&e.Key, &e.URL, &e.Document, &expiresAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrMetadataNotFound
		}
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	e.ExpiresAt = fromMillis(expiresAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// PutMetadata inserts or replaces the entry for entry.Key.
func (s *Store) PutMetadata(ctx context.Context, entry *storage.MetadataEntry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("metadata entry with a key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_metadata (key, url, document, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   url = excluded.url,
		   document = excluded.document,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		entry.Key, entry.URL, entry.Document, toMillis(entry.ExpiresAt), toMillis(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put metadata: %w", err)
	}
	return nil
}

// DeleteExpiredMetadata removes entries that are expired at now.
func (s *Store) DeleteExpiredMetadata(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM client_metadata WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================
// Helpers
// ============================================================

func marshalList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func unmarshalList(raw string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isConstraint reports whether err is a SQLite constraint failure with one
// of the given extended codes. Drivers that report only the primary code
// are matched on the message instead.
func isConstraint(err error, codes ...int) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	msg := strings.ToLower(sqliteErr.Error())
	for _, c := range codes {
		if sqliteErr.Code() == c {
			return true
		}
		if sqliteErr.Code() != sqlite3lib.SQLITE_CONSTRAINT {
			continue
		}
		switch c {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			if strings.Contains(msg, "unique constraint failed") {
				return true
			}
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			if strings.Contains(msg, "foreign key constraint failed") {
				return true
			}
		}
	}
	return false
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "sqlite"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}
