// Package mock provides a failure-injecting storage.Store for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// Store delegates to an inner storage.Store unless the matching Func field
// is set. CallCounts records every call by method name.
type Store struct {
	inner storage.Store

	mu         sync.Mutex
	CallCounts map[string]int

	SaveGrantFunc              func(ctx context.Context, grant *storage.Grant) error
	GetGrantFunc               func(ctx context.Context, publicID string) (*storage.Grant, error)
	GetGrantByIDFunc           func(ctx context.Context, id string) (*storage.Grant, error)
	GetSessionByRefreshJTIFunc func(ctx context.Context, jti string) (*storage.Session, error)
	GetActiveSessionFunc       func(ctx context.Context, grantID string) (*storage.Session, error)
	ApplyFunc                  func(ctx context.Context, m *storage.Mutation) error
	GetClientFunc              func(ctx context.Context, publicID string) (*storage.Client, error)
	GetMetadataFunc            func(ctx context.Context, key string) (*storage.MetadataEntry, error)
	PutMetadataFunc            func(ctx context.Context, entry *storage.MetadataEntry) error
}

var _ storage.Store = (*Store)(nil)

// New wraps inner.
func New(inner storage.Store) *Store {
	return &Store{inner: inner, CallCounts: make(map[string]int)}
}

// Calls returns how often method was called.
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *Store) count(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// SaveGrant implements storage.GrantStore.
func (m *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	m.count("SaveGrant")
	if m.SaveGrantFunc != nil {
		return m.SaveGrantFunc(ctx, grant)
	}
	return m.inner.SaveGrant(ctx, grant)
}

// GetGrant implements storage.GrantStore.
func (m *Store) GetGrant(ctx context.Context, publicID string) (*storage.Grant, error) {
	m.count("GetGrant")
	if m.GetGrantFunc != nil {
		return m.GetGrantFunc(ctx, publicID)
	}
	return m.inner.GetGrant(ctx, publicID)
}

// GetGrantByID implements storage.GrantStore.
func (m *Store) GetGrantByID(ctx context.Context, id string) (*storage.Grant, error) {
	m.count("GetGrantByID")
	if m.GetGrantByIDFunc != nil {
		return m.GetGrantByIDFunc(ctx, id)
	}
	return m.inner.GetGrantByID(ctx, id)
}

// DeleteGrant implements storage.GrantStore.
func (m *Store) DeleteGrant(ctx context.Context, id string) error {
	m.count("DeleteGrant")
	return m.inner.DeleteGrant(ctx, id)
}

// GetSession implements storage.SessionStore.
func (m *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	m.count("GetSession")
	return m.inner.GetSession(ctx, id)
}

// GetSessionByAccessJTI implements storage.SessionStore.
func (m *Store) GetSessionByAccessJTI(ctx context.Context, jti string) (*storage.Session, error) {
	m.count("GetSessionByAccessJTI")
	return m.inner.GetSessionByAccessJTI(ctx, jti)
}

// GetSessionByRefreshJTI implements storage.SessionStore.
func (m *Store) GetSessionByRefreshJTI(ctx context.Context, jti string) (*storage.Session, error) {
	m.count("GetSessionByRefreshJTI")
	if m.GetSessionByRefreshJTIFunc != nil {
		return m.GetSessionByRefreshJTIFunc(ctx, jti)
	}
	return m.inner.GetSessionByRefreshJTI(ctx, jti)
}

// GetActiveSession implements storage.SessionStore.
func (m *Store) GetActiveSession(ctx context.Context, grantID string) (*storage.Session, error) {
	m.count("GetActiveSession")
	if m.GetActiveSessionFunc != nil {
		return m.GetActiveSessionFunc(ctx, grantID)
	}
	return m.inner.GetActiveSession(ctx, grantID)
}

// ListSessions implements storage.SessionStore.
func (m *Store) ListSessions(ctx context.Context, grantID string) ([]*storage.Session, error) {
	m.count("ListSessions")
	return m.inner.ListSessions(ctx, grantID)
}

// Apply implements storage.MutationStore.
func (m *Store) Apply(ctx context.Context, mutation *storage.Mutation) error {
	m.count("Apply")
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, mutation)
	}
	return m.inner.Apply(ctx, mutation)
}

// SaveClient implements storage.ClientStore.
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	return m.inner.SaveClient(ctx, client)
}

// GetClient implements storage.ClientStore.
func (m *Store) GetClient(ctx context.Context, publicID string) (*storage.Client, error) {
	m.count("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, publicID)
	}
	return m.inner.GetClient(ctx, publicID)
}

// ListClients implements storage.ClientStore.
func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.count("ListClients")
	return m.inner.ListClients(ctx)
}

// DeleteClient implements storage.ClientStore.
func (m *Store) DeleteClient(ctx context.Context, publicID string) error {
	m.count("DeleteClient")
	return m.inner.DeleteClient(ctx, publicID)
}

// GetMetadata implements storage.MetadataStore.
func (m *Store) GetMetadata(ctx context.Context, key string) (*storage.MetadataEntry, error) {
	m.count("GetMetadata")
	if m.GetMetadataFunc != nil {
		return m.GetMetadataFunc(ctx, key)
	}
	return m.inner.GetMetadata(ctx, key)
}

// PutMetadata implements storage.MetadataStore.
func (m *Store) PutMetadata(ctx context.Context, entry *storage.MetadataEntry) error {
	m.count("PutMetadata")
	if m.PutMetadataFunc != nil {
		return m.PutMetadataFunc(ctx, entry)
	}
	return m.inner.PutMetadata(ctx, entry)
}

// DeleteExpiredMetadata implements storage.MetadataStore.
func (m *Store) DeleteExpiredMetadata(ctx context.Context, now time.Time) (int, error) {
	m.count("DeleteExpiredMetadata")
	return m.inner.DeleteExpiredMetadata(ctx, now)
}
