// Package security bundles the cross-cutting security primitives the proxy
// relies on: AES-256-GCM encryption for tokens at rest, bcrypt client secret
// hashing with enumeration-resistant verification, per-identifier rate
// limiting, audit logging with PII hashing, client IP extraction behind
// proxies, clock-skew tolerant expiry checks, and response security headers.
//
// Everything here is storage- and transport-agnostic; the server and storage
// packages compose these primitives rather than reimplementing them.
package security
