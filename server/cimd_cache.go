package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// Cache lookup results, also used as the metric attribute.
const (
	cacheResultHit     = "hit"
	cacheResultMiss    = "miss"
	cacheResultExpired = "expired"
)

// metadataCacheKey is the hex SHA-256 of the full client_id URL.
func metadataCacheKey(clientID string) string {
	sum := sha256.Sum256([]byte(clientID))
	return hex.EncodeToString(sum[:])
}

// fetchFunc fetches and validates a metadata document, returning the raw
// bytes to cache and the parsed document.
type fetchFunc func(ctx context.Context, clientID string) ([]byte, *ClientMetadata, error)

// metadataCache serves client metadata documents from a MetadataStore and
// refreshes them through fetch once they expire. Concurrent misses for the
// same URL share one fetch, which is detached from any single caller's
// cancellation and bounded by timeout instead.
type metadataCache struct {
	store   storage.MetadataStore
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	fetch   fetchFunc
	group   singleflight.Group

	// onLookup observes each lookup result.
	onLookup func(ctx context.Context, result string)
}

// Get returns the document for clientID, fetching it when there is no fresh
// cache entry.
func (c *metadataCache) Get(ctx context.Context, clientID string) (*ClientMetadata, error) {
	key := metadataCacheKey(clientID)

	entry, err := c.store.GetMetadata(ctx, key)
	switch {
	case err == nil && entry.URL == clientID && !entry.Expired(c.now()):
		if md, perr := parseClientMetadata(clientID, entry.Document); perr == nil {
			c.observe(ctx, cacheResultHit)
			return md, nil
		}
		// A cached document that no longer passes policy is refetched.
		c.observe(ctx, cacheResultExpired)
	case err == nil:
		c.observe(ctx, cacheResultExpired)
	case errors.Is(err, storage.ErrMetadataNotFound):
		c.observe(ctx, cacheResultMiss)
	default:
		return nil, fmt.Errorf("failed to read metadata cache: %w", err)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, c.timeout)
			defer cancel()
		}
		return c.fill(fctx, key, clientID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		md := *res.Val.(*ClientMetadata)
		return &md, nil
	}
}

// fill fetches clientID and stores the document under key.
func (c *metadataCache) fill(ctx context.Context, key, clientID string) (*ClientMetadata, error) {
	doc, md, err := c.fetch(ctx, clientID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if err := c.store.PutMetadata(ctx, &storage.MetadataEntry{
		Key:       key,
		URL:       clientID,
		Document:  doc,
		ExpiresAt: now.Add(c.ttl),
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to write metadata cache: %w", err)
	}
	return md, nil
}

// Cleanup removes expired entries and returns how many were removed.
func (c *metadataCache) Cleanup(ctx context.Context) (int, error) {
	return c.store.DeleteExpiredMetadata(ctx, c.now())
}

func (c *metadataCache) observe(ctx context.Context, result string) {
	if c.onLookup != nil {
		c.onLookup(ctx, result)
	}
}
