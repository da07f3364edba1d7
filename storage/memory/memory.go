package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-oauth-core/instrumentation"
	"github.com/giantswarm/mcp-oauth-core/internal/util"
	"github.com/giantswarm/mcp-oauth-core/storage"
)

const (
	// idLogLength is the number of characters to include when logging identifiers
	idLogLength = 8

	// defaultCleanupInterval is used when no interval is given
	defaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of storage.Store. Every mutation is
// validated and applied under one write lock, which makes Apply atomic.
type Store struct {
	mu sync.RWMutex

	// Grants by internal id, with an index by public id (the code).
	grants         map[string]*storage.Grant
	grantsByPublic map[string]string

	// Sessions by id, with indexes by token JTI and by grant.
	sessions       map[string]*storage.Session
	sessionsByAJTI map[string]string
	sessionsByRJTI map[string]string
	sessionsByGrnt map[string][]string

	clients  map[string]*storage.Client
	metadata map[string]*storage.MetadataEntry

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	grantsCount   atomic.Int64
	sessionsCount atomic.Int64
	activeCount   atomic.Int64
	clientsCount  atomic.Int64
	metadataCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		grants:          make(map[string]*storage.Grant),
		grantsByPublic:  make(map[string]string),
		sessions:        make(map[string]*storage.Session),
		sessionsByAJTI:  make(map[string]string),
		sessionsByRJTI:  make(map[string]string),
		sessionsByGrnt:  make(map[string][]string),
		clients:         make(map[string]*storage.Client),
		metadata:        make(map[string]*storage.MetadataEntry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source used by cleanup. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountersLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
			Grants:         s.grantsCount.Load,
			Sessions:       s.sessionsCount.Load,
			ActiveSessions: s.activeCount.Load,
			Clients:        s.clientsCount.Load,
			MetadataCache:  s.metadataCount.Load,
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant inserts a new pending grant.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil {
		err = fmt.Errorf("grant cannot be nil")
		return err
	}
	if err = grant.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grantsByPublic[grant.PublicID]; exists {
		err = storage.ErrGrantExists
		return err
	}
	if _, exists := s.grants[grant.ID]; exists {
		err = storage.ErrGrantExists
		return err
	}

	s.grants[grant.ID] = grant.Clone()
	s.grantsByPublic[grant.PublicID] = grant.ID
	s.grantsCount.Add(1)

	s.logger.Debug("Saved grant", "grant_id", util.SafeTruncate(grant.ID, idLogLength))
	return nil
}

// GetGrant retrieves a grant by its public identifier.
func (s *Store) GetGrant(ctx context.Context, publicID string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.grantsByPublic[publicID]
	if !ok {
		err = storage.ErrGrantNotFound
		return nil, err
	}
	return s.grants[id].Clone(), nil
}

// GetGrantByID retrieves a grant by its internal identifier.
func (s *Store) GetGrantByID(_ context.Context, id string) (*storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	return g.Clone(), nil
}

// DeleteGrant removes a grant and every session issued under it.
func (s *Store) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[id]; !ok {
		return storage.ErrGrantNotFound
	}
	s.deleteGrantLocked(id)
	return nil
}

func (s *Store) deleteGrantLocked(id string) {
	g := s.grants[id]
	for _, sid := range s.sessionsByGrnt[id] {
		sess := s.sessions[sid]
		if sess.Status == storage.SessionStatusCreated {
			s.activeCount.Add(-1)
		}
		delete(s.sessionsByAJTI, sess.AccessTokenJTI)
		delete(s.sessionsByRJTI, sess.RefreshTokenJTI)
		delete(s.sessions, sid)
		s.sessionsCount.Add(-1)
	}
	delete(s.sessionsByGrnt, id)
	delete(s.grantsByPublic, g.PublicID)
	delete(s.grants, id)
	s.grantsCount.Add(-1)
}

// ============================================================
// SessionStore Implementation
// ============================================================

// GetSession retrieves a session by its identifier.
func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionLocked(id)
}

// GetSessionByAccessJTI retrieves the session that issued an access token.
func (s *Store) GetSessionByAccessJTI(_ context.Context, jti string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionLocked(s.sessionsByAJTI[jti])
}

// GetSessionByRefreshJTI retrieves the session that issued a refresh token.
func (s *Store) GetSessionByRefreshJTI(ctx context.Context, jti string) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session_by_refresh_jti")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session_by_refresh_jti", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess *storage.Session
	sess, err = s.sessionLocked(s.sessionsByRJTI[jti])
	return sess, err
}

// GetActiveSession returns the grant's session in created status.
func (s *Store) GetActiveSession(_ context.Context, grantID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.sessionsByGrnt[grantID] {
		if sess := s.sessions[id]; sess.Status == storage.SessionStatusCreated {
			return sess.Clone(), nil
		}
	}
	return nil, storage.ErrSessionNotFound
}

// ListSessions returns every session of a grant, oldest first.
func (s *Store) ListSessions(_ context.Context, grantID string) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sessionsByGrnt[grantID]
	out := make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.sessions[id].Clone())
	}
	return out, nil
}

func (s *Store) sessionLocked(id string) (*storage.Session, error) {
	sess, ok := s.sessions[id]
	if !ok || id == "" {
		return nil, storage.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ============================================================
// MutationStore Implementation
// ============================================================

// Apply validates every step of m against the current state and then
// commits all of them. Nothing is written when any step fails.
func (s *Store) Apply(ctx context.Context, m *storage.Mutation) error {
	ctx, span := s.startStorageSpan(ctx, "apply")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "apply", err, startTime)
	}()

	if err = m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.checkMutationLocked(m); err != nil {
		return err
	}

	at := m.At
	if at.IsZero() {
		at = s.now()
	}

	if m.RedeemGrantID != "" {
		s.grants[m.RedeemGrantID].Redeemed = true
	}
	for _, t := range m.Transitions {
		sess := s.sessions[t.SessionID]
		if sess.Status == storage.SessionStatusCreated && t.To != storage.SessionStatusCreated {
			s.activeCount.Add(-1)
		}
		sess.Status = t.To
		sess.UpdatedAt = at
	}
	for _, c := range m.Creates {
		sess := c.Clone()
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = at
		}
		if sess.UpdatedAt.IsZero() {
			sess.UpdatedAt = at
		}
		s.sessions[sess.ID] = sess
		s.sessionsByAJTI[sess.AccessTokenJTI] = sess.ID
		s.sessionsByRJTI[sess.RefreshTokenJTI] = sess.ID
		s.sessionsByGrnt[sess.GrantID] = append(s.sessionsByGrnt[sess.GrantID], sess.ID)
		s.sessionsCount.Add(1)
		if sess.Status == storage.SessionStatusCreated {
			s.activeCount.Add(1)
		}
	}
	return nil
}

// checkMutationLocked simulates m and reports the first precondition that
// fails, in the order the steps would run.
func (s *Store) checkMutationLocked(m *storage.Mutation) error {
	if m.RedeemGrantID != "" {
		g, ok := s.grants[m.RedeemGrantID]
		if !ok {
			return storage.ErrGrantNotFound
		}
		if g.Redeemed {
			return storage.ErrGrantRedeemed
		}
	}

	status := make(map[string]storage.SessionStatus)
	touched := make(map[string]struct{})
	for _, t := range m.Transitions {
		sess, ok := s.sessions[t.SessionID]
		if !ok {
			return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, t.SessionID)
		}
		current, seen := status[t.SessionID]
		if !seen {
			current = sess.Status
		}
		if !t.Allows(current) {
			return fmt.Errorf("%w: session %s is %s", storage.ErrSessionConflict, t.SessionID, current)
		}
		status[t.SessionID] = t.To
		touched[sess.GrantID] = struct{}{}
	}

	newIDs := make(map[string]struct{})
	created := make(map[string]int)
	for _, c := range m.Creates {
		if _, ok := s.grants[c.GrantID]; !ok {
			return fmt.Errorf("%w: %s", storage.ErrGrantNotFound, c.GrantID)
		}
		for _, key := range []string{"s:" + c.ID, "a:" + c.AccessTokenJTI, "r:" + c.RefreshTokenJTI} {
			if _, dup := newIDs[key]; dup {
				return storage.ErrDuplicateJTI
			}
			newIDs[key] = struct{}{}
		}
		if _, exists := s.sessions[c.ID]; exists {
			return storage.ErrDuplicateJTI
		}
		if _, exists := s.sessionsByAJTI[c.AccessTokenJTI]; exists {
			return storage.ErrDuplicateJTI
		}
		if _, exists := s.sessionsByRJTI[c.RefreshTokenJTI]; exists {
			return storage.ErrDuplicateJTI
		}
		if c.Status == storage.SessionStatusCreated {
			created[c.GrantID]++
		}
		touched[c.GrantID] = struct{}{}
	}

	for grantID := range touched {
		active := created[grantID]
		for _, id := range s.sessionsByGrnt[grantID] {
			st, ok := status[id]
			if !ok {
				st = s.sessions[id].Status
			}
			if st == storage.SessionStatusCreated {
				active++
			}
		}
		if active > 1 {
			return fmt.Errorf("%w: grant %s", storage.ErrActiveSessionExists, grantID)
		}
	}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts or replaces a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.PublicID == "" {
		return fmt.Errorf("client with a public id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.PublicID]; !existed {
		s.clientsCount.Add(1)
	}
	s.clients[client.PublicID] = client.Clone()

	s.logger.Debug("Saved client", "client_id", client.PublicID)
	return nil
}

// GetClient retrieves a client by its public identifier.
func (s *Store) GetClient(_ context.Context, publicID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[publicID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return c.Clone(), nil
}

// ListClients lists all registered clients ordered by public id.
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *storage.Client) int {
		switch {
		case a.PublicID < b.PublicID:
			return -1
		case a.PublicID > b.PublicID:
			return 1
		}
		return 0
	})
	return out, nil
}

// DeleteClient removes a registered client.
func (s *Store) DeleteClient(_ context.Context, publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[publicID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, publicID)
	s.clientsCount.Add(-1)
	return nil
}

// ============================================================
// MetadataStore Implementation
// ============================================================

// GetMetadata returns the cached entry for key, expired or not.
func (s *Store) GetMetadata(_ context.Context, key string) (*storage.MetadataEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.metadata[key]
	if !ok {
		return nil, storage.ErrMetadataNotFound
	}
	cp := *e
	cp.Document = slices.Clone(e.Document)
	return &cp, nil
}

// PutMetadata inserts or replaces the entry for entry.Key.
func (s *Store) PutMetadata(_ context.Context, entry *storage.MetadataEntry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("metadata entry with a key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.Document = slices.Clone(entry.Document)
	if _, existed := s.metadata[entry.Key]; !existed {
		s.metadataCount.Add(1)
	}
	s.metadata[entry.Key] = &cp
	return nil
}

// DeleteExpiredMetadata removes entries that are expired at now.
func (s *Store) DeleteExpiredMetadata(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteExpiredMetadataLocked(now), nil
}

func (s *Store) deleteExpiredMetadataLocked(now time.Time) int {
	n := 0
	for key, e := range s.metadata {
		if e.Expired(now) {
			delete(s.metadata, key)
			n++
		}
	}
	s.metadataCount.Add(int64(-n))
	return n
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes pending grants past their expiry (they can never be
// redeemed and own no sessions) and expired metadata entries.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, g := range s.grants {
		if !g.Redeemed && now.After(g.ExpiresAt) {
			s.deleteGrantLocked(id)
			cleaned++
		}
	}
	cleaned += s.deleteExpiredMetadataLocked(now)

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

func (s *Store) syncCountersLocked() {
	active := 0
	for _, sess := range s.sessions {
		if sess.Status == storage.SessionStatusCreated {
			active++
		}
	}
	s.grantsCount.Store(int64(len(s.grants)))
	s.sessionsCount.Store(int64(len(s.sessions)))
	s.activeCount.Store(int64(active))
	s.clientsCount.Store(int64(len(s.clients)))
	s.metadataCount.Store(int64(len(s.metadata)))
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
