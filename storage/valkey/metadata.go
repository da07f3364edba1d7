package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// luaDeleteExpiredMetadata removes metadata entries whose expiry score is
// at or before now.
//
// KEYS[1] = expiry ZSET key
// ARGV[1] = now in Unix ms, ARGV[2] = key prefix
//
// Returns the number of removed entries.
const luaDeleteExpiredMetadata = `
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, k in ipairs(keys) do
    redis.call('DEL', ARGV[2] .. 'metadata:' .. k)
    redis.call('ZREM', KEYS[1], k)
end
return #keys
`

type metadataJSON struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	Document  []byte `json:"document"`
	ExpiresAt int64  `json:"expires_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ============================================================
// MetadataStore Implementation
// ============================================================

// GetMetadata returns the cached entry for key, expired or not.
func (s *Store) GetMetadata(ctx context.Context, key string) (*storage.MetadataEntry, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.metadataKey(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrMetadataNotFound
		}
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}

	var j metadataJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &storage.MetadataEntry{
		Key:       j.Key,
		URL:       j.URL,
		Document:  j.Document,
		ExpiresAt: fromUnixMilli(j.ExpiresAt),
		UpdatedAt: fromUnixMilli(j.UpdatedAt),
	}, nil
}

// PutMetadata inserts or replaces the entry for entry.Key.
func (s *Store) PutMetadata(ctx context.Context, entry *storage.MetadataEntry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("metadata entry with a key is required")
	}

	data, err := json.Marshal(&metadataJSON{
		Key:       entry.Key,
		URL:       entry.URL,
		Document:  entry.Document,
		ExpiresAt: toUnixMilli(entry.ExpiresAt),
		UpdatedAt: toUnixMilli(entry.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	set := s.client.B().Set().Key(s.metadataKey(entry.Key)).Value(string(data)).Build()
	index := s.client.B().Zadd().Key(s.metadataExpiryKey()).ScoreMember().
		ScoreMember(float64(toUnixMilli(entry.ExpiresAt)), entry.Key).Build()
	for _, resp := range s.client.DoMulti(ctx, set, index) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to put metadata: %w", err)
		}
	}
	return nil
}

// DeleteExpiredMetadata removes entries that are expired at now.
func (s *Store) DeleteExpiredMetadata(ctx context.Context, now time.Time) (int, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteExpiredMetadata).
			Numkeys(1).
			Key(s.metadataExpiryKey()).
			Arg(strconv.FormatInt(now.UTC().UnixMilli(), 10), s.prefix).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired metadata: %w", err)
	}
	return int(n), nil
}
