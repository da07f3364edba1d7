package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// luaSaveGrant inserts a grant hash and its code index unless either exists.
//
// KEYS[1] = grant key, KEYS[2] = code key
// ARGV[1] = grant id, ARGV[2] = public id, ARGV[3] = JSON data,
// ARGV[4] = redeemed flag ("0"/"1"), ARGV[5] = PEXPIREAT in ms or "0"
//
// Returns "OK" or "EXISTS".
const luaSaveGrant = `
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'public_id', ARGV[2], 'data', ARGV[3], 'redeemed', ARGV[4])
redis.call('SET', KEYS[2], ARGV[1])
if ARGV[5] ~= '0' then
    redis.call('PEXPIREAT', KEYS[1], ARGV[5])
    redis.call('PEXPIREAT', KEYS[2], ARGV[5])
end
return 'OK'
`

// luaDeleteGrant removes a grant, its code index and every session issued
// under it together with their JTI indexes.
//
// KEYS[1] = grant key
// ARGV[1] = key prefix, ARGV[2] = grant id
//
// Returns 1 when the grant existed, 0 otherwise.
const luaDeleteGrant = `
local public = redis.call('HGET', KEYS[1], 'public_id')
if not public then
    return 0
end
local prefix, gid = ARGV[1], ARGV[2]
local ids = redis.call('LRANGE', prefix .. 'sessions:' .. gid, 0, -1)
for _, sid in ipairs(ids) do
    local sk = prefix .. 'session:' .. sid
    local jtis = redis.call('HMGET', sk, 'access_jti', 'refresh_jti')
    if jtis[1] then redis.call('DEL', prefix .. 'ajti:' .. jtis[1]) end
    if jtis[2] then redis.call('DEL', prefix .. 'rjti:' .. jtis[2]) end
    redis.call('DEL', sk)
end
redis.call('DEL', KEYS[1], prefix .. 'code:' .. public, prefix .. 'sessions:' .. gid, prefix .. 'active:' .. gid)
return 1
`

// grantJSON holds the immutable part of a grant. The redeemed flag lives in
// its own hash field so the Lua scripts can flip it without re-encoding.
type grantJSON struct {
	ID                  string   `json:"id"`
	PublicID            string   `json:"public_id"`
	UserID              string   `json:"user_id"`
	ClientID            string   `json:"client_id,omitempty"`
	ClientURL           string   `json:"client_url,omitempty"`
	ExpiresAt           int64    `json:"expires_at"`
	Resources           []string `json:"resources,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	RedirectURI         string   `json:"redirect_uri,omitempty"`
	CreatedAt           int64    `json:"created_at"`
}

func toGrantJSON(g *storage.Grant) *grantJSON {
	return &grantJSON{
		ID:                  g.ID,
		PublicID:            g.PublicID,
		UserID:              g.UserID,
		ClientID:            g.ClientID,
		ClientURL:           g.ClientURL,
		ExpiresAt:           toUnixMilli(g.ExpiresAt),
		Resources:           g.Resources,
		Scopes:              g.Scopes,
		CodeChallenge:       g.CodeChallenge,
		CodeChallengeMethod: g.CodeChallengeMethod,
		RedirectURI:         g.RedirectURI,
		CreatedAt:           toUnixMilli(g.CreatedAt),
	}
}

func fromGrantJSON(j *grantJSON, redeemed bool) *storage.Grant {
	return &storage.Grant{
		ID:                  j.ID,
		PublicID:            j.PublicID,
		UserID:              j.UserID,
		ClientID:            j.ClientID,
		ClientURL:           j.ClientURL,
		ExpiresAt:           fromUnixMilli(j.ExpiresAt),
		Redeemed:            redeemed,
		Resources:           j.Resources,
		Scopes:              j.Scopes,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		RedirectURI:         j.RedirectURI,
		CreatedAt:           fromUnixMilli(j.CreatedAt),
	}
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant stores a new grant. Pending grants expire from Valkey once
// their retention past ExpiresAt has elapsed.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if err = grant.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	redeemed, expireAt := "0", millis(grant.ExpiresAt.Add(s.grantRetention))
	if grant.Redeemed {
		redeemed, expireAt = "1", "0"
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveGrant).
			Numkeys(2).
			Key(s.grantKey(grant.ID), s.codeKey(grant.PublicID)).
			Arg(grant.ID, grant.PublicID, string(data), redeemed, expireAt).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	if result == "EXISTS" {
		return storage.ErrGrantExists
	}

	s.logger.Debug("Saved grant",
		"grant_id", safeTruncate(grant.ID, idLogLength),
		"expires_at", grant.ExpiresAt)
	return nil
}

// GetGrant retrieves a grant by its public identifier.
func (s *Store) GetGrant(ctx context.Context, publicID string) (*storage.Grant, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(publicID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return s.GetGrantByID(ctx, id)
}

// GetGrantByID retrieves a grant by its internal identifier.
func (s *Store) GetGrantByID(ctx context.Context, id string) (*storage.Grant, error) {
	fields, err := s.client.Do(ctx,
		s.client.B().Hmget().Key(s.grantKey(id)).Field("data", "redeemed").Build(),
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	if len(fields) != 2 {
		return nil, storage.ErrGrantNotFound
	}
	data, err := fields[0].ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to read grant: %w", err)
	}
	flag, _ := fields[1].ToString()
	redeemed, _ := strconv.ParseBool(flag)

	var j grantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return fromGrantJSON(&j, redeemed), nil
}

// DeleteGrant removes a grant and every session issued under it.
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteGrant).
			Numkeys(1).
			Key(s.grantKey(id)).
			Arg(s.prefix, id).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if n == 0 {
		return storage.ErrGrantNotFound
	}

	s.logger.Debug("Deleted grant", "grant_id", safeTruncate(id, idLogLength))
	return nil
}
