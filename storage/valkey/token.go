package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelgate/oauth-proxy/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenRecord persists an issued token record with TTL, indexed by
// access token and, when present, refresh token. The record also joins the
// subject's revocation set.
func (s *Store) SaveTokenRecord(ctx context.Context, record *storage.TokenRecord) error {
	if record == nil || record.AccessToken == "" {
		return fmt.Errorf("invalid token record")
	}
	if err := validateStringLength(record.AccessToken, MaxTokenLength, "accessToken"); err != nil {
		return err
	}
	if err := validateStringLength(record.RefreshToken, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}
	if err := validateStringLength(record.Subject, MaxIDLength, "subject"); err != nil {
		return err
	}

	j := toTokenRecordJSON(record)
	if err := s.encryptSerializableToken(j.ProviderToken); err != nil {
		return err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	ttl := storage.TTLFor(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token record already expired")
	}

	// A refresh token outlives its access token; the record must stay
	// reachable for the whole refresh window so rotation can find it.
	recordTTL := ttl
	if record.RefreshToken != "" {
		recordTTL = refreshTokenRetention
	}

	tokenKey := s.tokenKey(record.AccessToken)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(tokenKey).Value(string(data)).Ex(recordTTL).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}

	if record.RefreshToken != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.refreshKey(record.RefreshToken)).Value(record.AccessToken).Ex(refreshTokenRetention).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save refresh token index: %w", err)
		}
	}

	if record.Subject != "" {
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(s.subjectKey(record.Subject)).Member(record.AccessToken).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to index token by subject",
				"token_prefix", safeTruncate(record.AccessToken, tokenIDLogLength),
				"error", err)
		}
	}

	s.logger.Debug("Saved token record",
		"token_prefix", safeTruncate(record.AccessToken, tokenIDLogLength),
		"endpoint_id", record.EndpointID,
		"has_refresh", record.RefreshToken != "")
	return nil
}

// GetByAccessToken retrieves and decrypts a record by access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.TokenRecord, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	record, err := s.parseRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return record, nil
}

// AtomicRotateRefreshToken atomically resolves a refresh token to its record
// and deletes both. Only one concurrent caller wins; the rest see
// ErrTokenNotFound, which is how refresh token replay surfaces.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenRecord, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(1).
			Key(s.refreshKey(refreshToken)).
			Arg(s.prefix+"token:").
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh rotation: %w", err)
	}

	switch result {
	case "NOT_FOUND", "RECORD_NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	}

	record, err := s.parseRecord(result)
	if err != nil {
		return nil, err
	}

	s.removeFromSubjectSet(ctx, record.Subject, record.AccessToken)

	s.logger.Debug("Rotated refresh token",
		"token_prefix", safeTruncate(refreshToken, tokenIDLogLength))
	return record, nil
}

// DeleteByAccessToken removes a record by access token, cleaning up the
// refresh index and subject set.
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrTokenNotFound
		}
		return fmt.Errorf("failed to get token record: %w", err)
	}

	var j tokenRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	return s.deleteRecord(ctx, &j)
}

// DeleteByRefreshToken removes a record by refresh token.
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) error {
	accessToken, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(refreshToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrTokenNotFound
		}
		return fmt.Errorf("failed to get refresh token index: %w", err)
	}
	return s.DeleteByAccessToken(ctx, accessToken)
}

// RevokeAllForSubject removes every record in the subject's set, optionally
// narrowed by endpoint and client. Returns the number revoked.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject, endpointID, clientID string) (int, error) {
	members, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.subjectKey(subject)).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read subject token set: %w", err)
	}

	revoked := 0
	for _, accessToken := range members {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(accessToken)).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				// Expired out from under the set; drop the stale member.
				s.removeFromSubjectSet(ctx, subject, accessToken)
				continue
			}
			return revoked, fmt.Errorf("failed to get token record: %w", err)
		}

		var j tokenRecordJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to unmarshal token record, skipping",
				"token_prefix", safeTruncate(accessToken, tokenIDLogLength),
				"error", err)
			continue
		}
		if endpointID != "" && j.EndpointID != endpointID {
			continue
		}
		if clientID != "" && j.ClientID != clientID {
			continue
		}

		if err := s.deleteRecord(ctx, &j); err != nil {
			return revoked, err
		}
		revoked++
	}

	if revoked > 0 {
		s.logger.Info("Revoked all tokens for subject",
			"endpoint_id", endpointID,
			"client_id", clientID,
			"revoked", revoked)
	}
	return revoked, nil
}

// deleteRecord removes a record and all its indexes.
func (s *Store) deleteRecord(ctx context.Context, j *tokenRecordJSON) error {
	if j.RefreshToken != "" {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshKey(j.RefreshToken)).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete refresh token index: %w", err)
		}
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(j.AccessToken)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	s.removeFromSubjectSet(ctx, j.Subject, j.AccessToken)
	return nil
}

func (s *Store) removeFromSubjectSet(ctx context.Context, subject, accessToken string) {
	if subject == "" {
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Srem().Key(s.subjectKey(subject)).Member(accessToken).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to remove token from subject set",
			"token_prefix", safeTruncate(accessToken, tokenIDLogLength),
			"error", err)
	}
}

func (s *Store) parseRecord(data string) (*storage.TokenRecord, error) {
	var j tokenRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	if err := s.decryptSerializableToken(j.ProviderToken); err != nil {
		return nil, err
	}
	return fromTokenRecordJSON(&j), nil
}

// ============================================================
// APIKeyStore Implementation
// ============================================================

// SaveAPIKey persists an API key record (hash only, never plaintext).
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	if key == nil || key.KeyHash == "" {
		return fmt.Errorf("invalid api key")
	}

	data, err := json.Marshal(toAPIKeyJSON(key))
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}

	k := s.apiKeyKey(key.KeyHash)
	var setErr error
	if !key.ExpiresAt.IsZero() {
		ttl := storage.TTLFor(key.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("api key already expired")
		}
		setErr = s.client.Do(ctx, s.client.B().Set().Key(k).Value(string(data)).Ex(ttl).Build()).Error()
	} else {
		setErr = s.client.Do(ctx, s.client.B().Set().Key(k).Value(string(data)).Build()).Error()
	}
	if setErr != nil {
		return fmt.Errorf("failed to save api key: %w", setErr)
	}

	s.logger.Debug("Saved API key",
		"key_hash_prefix", safeTruncate(key.KeyHash, tokenIDLogLength),
		"endpoint_id", key.EndpointID)
	return nil
}

// GetAPIKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*storage.APIKey, error) {
	return getAndUnmarshal(ctx, s, s.apiKeyKey(keyHash), storage.ErrAPIKeyNotFound, fromAPIKeyJSON)
}

// RevokeAPIKey marks an API key revoked. The record stays for auditability.
func (s *Store) RevokeAPIKey(ctx context.Context, keyHash string) error {
	key, err := s.GetAPIKeyByHash(ctx, keyHash)
	if err != nil {
		return err
	}
	key.Revoked = true
	return s.SaveAPIKey(ctx, key)
}
