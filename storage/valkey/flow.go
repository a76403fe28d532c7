package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelgate/oauth-proxy/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession persists a pending session with TTL, plus reverse lookups for
// both the client state and the provider state.
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("invalid authorization session")
	}
	if session.ProviderState == "" {
		return fmt.Errorf("provider state is required")
	}

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := storage.TTLFor(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization session already expired")
	}

	// A new session for the same (client_id, state) displaces the previous
	// one entirely; leaving it behind would keep it reachable through its
	// provider state.
	stateKey := s.sessionStateKey(session.ClientID, session.State)
	if prevID, err := s.client.Do(ctx,
		s.client.B().Get().Key(stateKey).Build(),
	).ToString(); err == nil && prevID != session.SessionID {
		if derr := s.DeleteSession(ctx, prevID); derr != nil {
			s.logger.Warn("Failed to delete displaced session",
				"session_id", safeTruncate(prevID, tokenIDLogLength), "error", derr)
		}
	}

	sessionKey := s.sessionKey(session.SessionID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(sessionKey).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(stateKey).Value(session.SessionID).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save state lookup: %w", err)
	}

	providerKey := s.sessionProviderKey(session.ProviderState)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(providerKey).Value(session.SessionID).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save provider state lookup: %w", err)
	}

	s.logger.Debug("Saved authorization session",
		"session_id", safeTruncate(session.SessionID, tokenIDLogLength),
		"client_id", session.ClientID,
		"endpoint_id", session.EndpointID,
		"mode", string(session.Mode))
	return nil
}

// GetSessionByState retrieves a session by the client's state value.
func (s *Store) GetSessionByState(ctx context.Context, clientID, state string) (*storage.AuthorizationSession, error) {
	sessionID, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.sessionStateKey(clientID, state)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get state lookup: %w", err)
	}
	return s.getSession(ctx, sessionID)
}

// GetSessionByProviderState retrieves a session by the proxy-generated
// provider state.
func (s *Store) GetSessionByProviderState(ctx context.Context, providerState string) (*storage.AuthorizationSession, error) {
	sessionID, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.sessionProviderKey(providerState)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get provider state lookup: %w", err)
	}
	return s.getSession(ctx, sessionID)
}

func (s *Store) getSession(ctx context.Context, sessionID string) (*storage.AuthorizationSession, error) {
	session, err := getAndUnmarshal(ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound, fromSessionJSON)
	if err != nil {
		return nil, err
	}
	// TTL should handle this; double-check against clock drift.
	if time.Now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionExpired
	}
	return session, nil
}

// MarkAuthorized transitions a session from pending to authorized and
// persists its one-time code. The transition runs as a Lua script so the
// forward-only check holds across instances.
func (s *Store) MarkAuthorized(ctx context.Context, sessionID, subject string, code *storage.AuthorizationCode) error {
	if err := s.transitionSession(ctx, sessionID,
		storage.SessionPending, storage.SessionAuthorized, subject); err != nil {
		return err
	}
	return s.saveCode(ctx, code)
}

// MarkExchanged transitions a session from authorized to exchanged.
func (s *Store) MarkExchanged(ctx context.Context, sessionID string) error {
	return s.transitionSession(ctx, sessionID,
		storage.SessionAuthorized, storage.SessionExchanged, "")
}

func (s *Store) transitionSession(ctx context.Context, sessionID string, from, to storage.SessionStatus, subject string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTransitionSession).
			Numkeys(1).
			Key(s.sessionKey(sessionID)).
			Arg(string(from)).
			Arg(string(to)).
			Arg(subject).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute session transition: %w", err)
	}

	switch {
	case result == "OK":
		return nil
	case result == "NOT_FOUND":
		return storage.ErrSessionNotFound
	case strings.HasPrefix(result, "INVALID_STATUS:"):
		current := strings.TrimPrefix(result, "INVALID_STATUS:")
		return fmt.Errorf("%w: cannot move session from %q to %q",
			storage.ErrInvalidTransition, current, to)
	default:
		return fmt.Errorf("unexpected session transition result: %s", result)
	}
}

// DeleteSession removes a session and its state lookups.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	key := s.sessionKey(sessionID)

	// Fetch first so the reverse lookups can be cleaned up.
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err == nil {
		var j sessionJSON
		if err := json.Unmarshal([]byte(data), &j); err == nil {
			stateKey := s.sessionStateKey(j.ClientID, j.State)
			if err := s.client.Do(ctx, s.client.B().Del().Key(stateKey).Build()).Error(); err != nil {
				s.logger.Warn("Failed to delete state lookup", "session_id", sessionID, "error", err)
			}
			providerKey := s.sessionProviderKey(j.ProviderState)
			if err := s.client.Do(ctx, s.client.B().Del().Key(providerKey).Build()).Error(); err != nil {
				s.logger.Warn("Failed to delete provider state lookup", "session_id", sessionID, "error", err)
			}
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Debug("Deleted authorization session",
		"session_id", safeTruncate(sessionID, tokenIDLogLength))
	return nil
}

// saveCode persists an authorization code with TTL. Provider token material
// is encrypted when an encryptor is configured.
func (s *Store) saveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	j := toCodeJSON(code)
	if err := s.encryptSerializableToken(j.ProviderToken); err != nil {
		return err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	ttl := storage.TTLFor(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// AtomicRedeemCode atomically checks that a code is unused and marks it
// used. Only one concurrent caller wins. On reuse the code is still returned
// so the caller can revoke the tokens issued from its session.
func (s *Store) AtomicRedeemCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRedeemCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code redemption: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		reused, err := s.parseCode(strings.TrimPrefix(result, "ALREADY_USED:"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrCodeAlreadyUsed)
		}
		s.logger.Warn("Authorization code reuse detected",
			"code_prefix", safeTruncate(code, tokenIDLogLength),
			"client_id", reused.ClientID)
		return reused, storage.ErrCodeAlreadyUsed
	}

	authCode, err := s.parseCode(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// UnredeemCode rolls back a redemption after a failed PKCE check so a
// correct retry can still succeed before the code's TTL runs out.
func (s *Store) UnredeemCode(ctx context.Context, code string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaUnredeemCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute code redemption rollback: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrCodeNotFound
	}

	s.logger.Debug("Rolled back authorization code redemption",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return nil
}

// DeleteCode removes an authorization code.
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}

func (s *Store) parseCode(data string) (*storage.AuthorizationCode, error) {
	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	if err := s.decryptSerializableToken(j.ProviderToken); err != nil {
		return nil, err
	}
	return fromCodeJSON(&j), nil
}

// safeTruncate truncates a string to n characters for logging.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
