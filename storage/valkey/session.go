package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// luaApplyMutation commits a storage.Mutation atomically. Every step is
// checked against the current state first; nothing is written unless all of
// them succeed.
//
// ARGV[1] = key prefix
// ARGV[2] = JSON {redeem, transitions: [{id, to, from}], creates: [{...}]}
// ARGV[3] = mutation time in Unix ms
//
// Returns "OK" or one of GRANT_NOT_FOUND, GRANT_REDEEMED,
// SESSION_NOT_FOUND:<id>, SESSION_CONFLICT:<id>, ACTIVE_EXISTS:<grant id>,
// DUPLICATE_JTI.
const luaApplyMutation = `
local prefix = ARGV[1]
local m = cjson.decode(ARGV[2])
local at = ARGV[3]

local function list(v)
    if type(v) == 'table' then return v end
    return {}
end

local function key(kind, id)
    return prefix .. kind .. ':' .. id
end

local active = {}
local function activeFor(gid)
    if active[gid] == nil then
        active[gid] = redis.call('GET', key('active', gid))
    end
    return active[gid]
end

local redeem = m.redeem
if type(redeem) ~= 'string' then redeem = '' end
if redeem ~= '' then
    local flag = redis.call('HGET', key('grant', redeem), 'redeemed')
    if not flag then return 'GRANT_NOT_FOUND' end
    if flag == '1' then return 'GRANT_REDEEMED' end
end

local status, grantOf = {}, {}
for _, t in ipairs(list(m.transitions)) do
    local cur = status[t.id]
    if cur == nil then
        local f = redis.call('HMGET', key('session', t.id), 'status', 'grant_id')
        if not f[1] then return 'SESSION_NOT_FOUND:' .. t.id end
        cur = f[1]
        grantOf[t.id] = f[2]
    end
    local from = list(t.from)
    if #from > 0 then
        local ok = false
        for _, s in ipairs(from) do
            if s == cur then ok = true end
        end
        if not ok then return 'SESSION_CONFLICT:' .. t.id end
    end
    local gid = grantOf[t.id]
    if cur == 'created' and activeFor(gid) == t.id then
        active[gid] = false
    end
    if t.to == 'created' then
        local a = activeFor(gid)
        if a and a ~= t.id then return 'ACTIVE_EXISTS:' .. gid end
        active[gid] = t.id
    end
    status[t.id] = t.to
end

local seen = {}
for _, c in ipairs(list(m.creates)) do
    if redis.call('EXISTS', key('grant', c.grant_id)) == 0 then return 'GRANT_NOT_FOUND' end
    for _, k in ipairs({key('session', c.id), key('ajti', c.access_jti), key('rjti', c.refresh_jti)}) do
        if seen[k] or redis.call('EXISTS', k) == 1 then return 'DUPLICATE_JTI' end
        seen[k] = true
    end
    if c.status == 'created' then
        if activeFor(c.grant_id) then return 'ACTIVE_EXISTS:' .. c.grant_id end
        active[c.grant_id] = c.id
    end
end

if redeem ~= '' then
    local gk = key('grant', redeem)
    redis.call('HSET', gk, 'redeemed', '1')
    redis.call('PERSIST', gk)
    local public = redis.call('HGET', gk, 'public_id')
    if public then redis.call('PERSIST', key('code', public)) end
end
for id, to in pairs(status) do
    redis.call('HSET', key('session', id), 'status', to, 'updated_at', at)
end
for _, c in ipairs(list(m.creates)) do
    redis.call('HSET', key('session', c.id),
        'id', c.id, 'grant_id', c.grant_id,
        'access_jti', c.access_jti, 'refresh_jti', c.refresh_jti,
        'status', c.status, 'expires_at', c.expires_at,
        'created_at', c.created_at, 'updated_at', c.updated_at)
    redis.call('SET', key('ajti', c.access_jti), c.id)
    redis.call('SET', key('rjti', c.refresh_jti), c.id)
    redis.call('RPUSH', key('sessions', c.grant_id), c.id)
end
for gid, sid in pairs(active) do
    if sid then
        redis.call('SET', key('active', gid), sid)
    else
        redis.call('DEL', key('active', gid))
    end
end
return 'OK'
`

type transitionJSON struct {
	ID   string   `json:"id"`
	To   string   `json:"to"`
	From []string `json:"from,omitempty"`
}

// createJSON carries times as strings so cjson never rounds them.
type createJSON struct {
	ID         string `json:"id"`
	GrantID    string `json:"grant_id"`
	AccessJTI  string `json:"access_jti"`
	RefreshJTI string `json:"refresh_jti"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type mutationJSON struct {
	Redeem      string           `json:"redeem,omitempty"`
	Transitions []transitionJSON `json:"transitions,omitempty"`
	Creates     []createJSON     `json:"creates,omitempty"`
}

func toMutationJSON(m *storage.Mutation, at time.Time) *mutationJSON {
	j := &mutationJSON{Redeem: m.RedeemGrantID}
	for _, t := range m.Transitions {
		tj := transitionJSON{ID: t.SessionID, To: string(t.To)}
		for _, f := range t.From {
			tj.From = append(tj.From, string(f))
		}
		j.Transitions = append(j.Transitions, tj)
	}
	for _, c := range m.Creates {
		created, updated := c.CreatedAt, c.UpdatedAt
		if created.IsZero() {
			created = at
		}
		if updated.IsZero() {
			updated = at
		}
		j.Creates = append(j.Creates, createJSON{
			ID:         c.ID,
			GrantID:    c.GrantID,
			AccessJTI:  c.AccessTokenJTI,
			RefreshJTI: c.RefreshTokenJTI,
			Status:     string(c.Status),
			ExpiresAt:  millis(c.ExpiresAt),
			CreatedAt:  millis(created),
			UpdatedAt:  millis(updated),
		})
	}
	return j
}

// ============================================================
// MutationStore Implementation
// ============================================================

// Apply commits m atomically through a single Lua script.
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

	payload, err := json.Marshal(toMutationJSON(m, at))
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaApplyMutation).
			Numkeys(0).
			Arg(s.prefix, string(payload), millis(at)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to apply mutation: %w", err)
	}
	return mutationResultError(result)
}

func mutationResultError(result string) error {
	code, detail, _ := strings.Cut(result, ":")
	switch code {
	case "OK":
		return nil
	case "GRANT_NOT_FOUND":
		return storage.ErrGrantNotFound
	case "GRANT_REDEEMED":
		return storage.ErrGrantRedeemed
	case "SESSION_NOT_FOUND":
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, detail)
	case "SESSION_CONFLICT":
		return fmt.Errorf("%w: session %s", storage.ErrSessionConflict, detail)
	case "ACTIVE_EXISTS":
		return fmt.Errorf("%w: grant %s", storage.ErrActiveSessionExists, detail)
	case "DUPLICATE_JTI":
		return storage.ErrDuplicateJTI
	}
	return fmt.Errorf("unexpected mutation result %q", result)
}

// ============================================================
// SessionStore Implementation
// ============================================================

// GetSession retrieves a session by its identifier.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.sessionKey(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrSessionNotFound
	}
	return sessionFromFields(fields), nil
}

// GetSessionByAccessJTI retrieves the session that issued an access token.
func (s *Store) GetSessionByAccessJTI(ctx context.Context, jti string) (*storage.Session, error) {
	return s.getSessionByIndex(ctx, s.accessJTIKey(jti))
}

// GetSessionByRefreshJTI retrieves the session that issued a refresh token.
func (s *Store) GetSessionByRefreshJTI(ctx context.Context, jti string) (*storage.Session, error) {
	return s.getSessionByIndex(ctx, s.refreshJTIKey(jti))
}

// GetActiveSession returns the grant's session in created status.
func (s *Store) GetActiveSession(ctx context.Context, grantID string) (*storage.Session, error) {
	return s.getSessionByIndex(ctx, s.activeKey(grantID))
}

func (s *Store) getSessionByIndex(ctx context.Context, indexKey string) (*storage.Session, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(indexKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session index: %w", err)
	}
	return s.GetSession(ctx, id)
}

// ListSessions returns every session of a grant, oldest first.
func (s *Store) ListSessions(ctx context.Context, grantID string) ([]*storage.Session, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.sessionsKey(grantID)).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				continue // removed between LRANGE and HGETALL
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func sessionFromFields(f map[string]string) *storage.Session {
	return &storage.Session{
		ID:              f["id"],
		GrantID:         f["grant_id"],
		AccessTokenJTI:  f["access_jti"],
		RefreshTokenJTI: f["refresh_jti"],
		Status:          storage.SessionStatus(f["status"]),
		ExpiresAt:       parseMillis(f["expires_at"]),
		CreatedAt:       parseMillis(f["created_at"]),
		UpdatedAt:       parseMillis(f["updated_at"]),
	}
}
