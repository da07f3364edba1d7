package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/giantswarm/mcp-oauth-core/storage"
)

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	PublicID                string   `json:"public_id"`
	Name                    string   `json:"name,omitempty"`
	Type                    string   `json:"type"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	AccessTokenDuration     int64    `json:"access_token_duration,omitempty"`
	RefreshTokenDuration    int64    `json:"refresh_token_duration,omitempty"`
	SecretID                string   `json:"secret_id,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		PublicID:                c.PublicID,
		Name:                    c.Name,
		Type:                    c.Type,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Scope:                   c.Scope,
		AccessTokenDuration:     int64(c.AccessTokenDuration),
		RefreshTokenDuration:    int64(c.RefreshTokenDuration),
		SecretID:                c.SecretID,
		CreatedAt:               toUnixMilli(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		PublicID:                j.PublicID,
		Name:                    j.Name,
		Type:                    j.Type,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		Scope:                   j.Scope,
		AccessTokenDuration:     time.Duration(j.AccessTokenDuration),
		RefreshTokenDuration:    time.Duration(j.RefreshTokenDuration),
		SecretID:                j.SecretID,
		CreatedAt:               fromUnixMilli(j.CreatedAt),
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.PublicID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.PublicID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.PublicID)
	return nil
}

// GetClient retrieves a client by its public identifier
func (s *Store) GetClient(ctx context.Context, publicID string) (*storage.Client, error) {
	return s.getClientByKey(ctx, s.clientKey(publicID))
}

func (s *Store) getClientByKey(ctx context.Context, key string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// ListClients lists all registered clients ordered by public id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return a key more than once across iterations.
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}
			c, err := s.getClientByKey(ctx, key)
			if err != nil {
				if errors.Is(err, storage.ErrClientNotFound) {
					continue // deleted between SCAN and GET
				}
				s.logger.Warn("Failed to load client, skipping",
					"key", key,
					"error", err)
				continue
			}
			clientMap[key] = c
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].PublicID < clients[j].PublicID })
	return clients, nil
}

// DeleteClient removes a registered client
func (s *Store) DeleteClient(ctx context.Context, publicID string) error {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(publicID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return storage.ErrClientNotFound
	}
	s.logger.Debug("Deleted client", "client_id", publicID)
	return nil
}
