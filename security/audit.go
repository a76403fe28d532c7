package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security-relevant events with PII protection. End-user
// identifiers are hashed before logging; client IDs and endpoint IDs are not
// PII and pass through.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one security audit record.
type Event struct {
	Type       string
	Subject    string
	ClientID   string
	EndpointID string
	IPAddress  string
	Details    map[string]any
	Timestamp  time.Time
}

// LogEvent emits an audit event. The subject is hashed before it reaches the
// log stream.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"endpoint_id", event.EndpointID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful token issuance.
func (a *Auditor) LogTokenIssued(subject, clientID, endpointID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:       EventTokenIssued,
		Subject:    subject,
		ClientID:   clientID,
		EndpointID: endpointID,
		IPAddress:  ipAddress,
		Details:    map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed records a refresh grant, noting whether the refresh token
// was rotated.
func (a *Auditor) LogTokenRefreshed(subject, clientID, endpointID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:       EventTokenRefreshed,
		Subject:    subject,
		ClientID:   clientID,
		EndpointID: endpointID,
		IPAddress:  ipAddress,
		Details:    map[string]any{"rotated": rotated},
	})
}

// LogTokenRevoked records an explicit revocation.
func (a *Auditor) LogTokenRevoked(subject, clientID, endpointID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:       EventTokenRevoked,
		Subject:    subject,
		ClientID:   clientID,
		EndpointID: endpointID,
		IPAddress:  ipAddress,
		Details:    map[string]any{"token_type": tokenType},
	})
}

// LogCodeReuse records a replayed authorization code together with how many
// token records were revoked in response.
func (a *Auditor) LogCodeReuse(subject, clientID, endpointID, ipAddress string, revoked int) {
	a.LogEvent(Event{
		Type:       EventCodeReuseDetected,
		Subject:    subject,
		ClientID:   clientID,
		EndpointID: endpointID,
		IPAddress:  ipAddress,
		Details:    map[string]any{"tokens_revoked": revoked},
	})
}

// LogAuthFailure records a failed authentication attempt.
func (a *Auditor) LogAuthFailure(subject, clientID, endpointID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:       EventAuthFailure,
		Subject:    subject,
		ClientID:   clientID,
		EndpointID: endpointID,
		IPAddress:  ipAddress,
		Details:    map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded records a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, subject string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		Subject:   subject,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered records a new dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, endpointID, ipAddress string) {
	a.LogEvent(Event{
		Type:       EventClientRegistered,
		ClientID:   clientID,
		EndpointID: endpointID,
		IPAddress:  ipAddress,
		Details:    map[string]any{"client_type": clientType},
	})
}

// hashForLogging returns a truncated SHA-256 of a sensitive value, enough to
// correlate events without storing the value itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
