package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client",
		"client_id", client.ClientID,
		"endpoint_id", client.EndpointID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ValidateClientSecret validates a client's secret. A bcrypt comparison runs
// even for unknown clients so response timing does not reveal which IDs
// exist.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	var storedHash string
	if err == nil {
		storedHash = client.ClientSecretHash
	}

	if !security.VerifyClientSecret(storedHash, clientSecret) || err != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ListClients lists clients via SCAN, optionally filtered to one endpoint.
func (s *Store) ListClients(ctx context.Context, endpointID string) ([]*storage.Client, error) {
	clients := make([]*storage.Client, 0)
	err := s.forEachClient(ctx, func(client *storage.Client) error {
		if endpointID == "" || client.EndpointID == endpointID {
			clients = append(clients, client)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// DeleteClientsForEndpoint removes every client owned by an endpoint.
func (s *Store) DeleteClientsForEndpoint(ctx context.Context, endpointID string) (int, error) {
	removed := 0
	err := s.forEachClient(ctx, func(client *storage.Client) error {
		if client.EndpointID != endpointID {
			return nil
		}
		key := s.clientKey(client.ClientID)
		if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete client %s: %w", client.ClientID, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}

	s.logger.Info("Deleted clients for endpoint", "endpoint_id", endpointID, "removed", removed)
	return removed, nil
}

// forEachClient iterates all client records. SCAN can return a key more than
// once across iterations, so seen keys are tracked.
func (s *Store) forEachClient(ctx context.Context, fn func(*storage.Client) error) error {
	pattern := s.clientKey("*")
	seen := make(map[string]bool)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if seen[key] {
				continue
			}
			seen[key] = true

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}
			if err := fn(fromClientJSON(&j)); err != nil {
				return err
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// CheckIPLimit rejects registration when an IP has hit its quota.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	key := s.clientIPKey(ip)
	countStr, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to check IP limit: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil
	}

	if count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"current_count", count,
			"max_allowed", maxClientsPerIP)
		return storage.ErrRegistrationLimitReached
	}
	return nil
}

// TrackClientIP counts a registration against an IP. The counter resets
// daily via TTL.
func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	key := s.clientIPKey(ip)

	if _, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64(); err != nil {
		return fmt.Errorf("failed to track client IP: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(clientIPTrackingTTL.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on client IP tracking key",
			"ip", ip,
			"error", err)
	}
	return nil
}
