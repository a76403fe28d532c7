package oidc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

// JWKSCache caches an issuer's JSON Web Key Set. Keys are refreshed on TTL
// expiry, and also eagerly when a token references an unknown kid (provider
// key rotation). Concurrent refreshes collapse into one fetch via
// singleflight, and fetches retry with exponential backoff.
type JWKSCache struct {
	jwksURL    string
	httpClient *http.Client
	ttl        time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	keySet    jwk.Set
	fetchedAt time.Time

	group singleflight.Group
}

// NewJWKSCache creates a cache for the given jwks_uri. Zero ttl defaults to
// 15 minutes.
func NewJWKSCache(jwksURL string, httpClient *http.Client, ttl time.Duration, logger *slog.Logger) *JWKSCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWKSCache{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		ttl:        ttl,
		logger:     logger,
	}
}

// Keyfunc returns a golang-jwt keyfunc that resolves keys from this cache.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return c.LookupKey(ctx, kid)
	}
}

// LookupKey resolves a key by kid, refreshing the set once if the kid is not
// in the cached copy.
func (c *JWKSCache) LookupKey(ctx context.Context, kid string) (interface{}, error) {
	if key, err := c.lookupCached(kid); err == nil {
		return key, nil
	}

	// Unknown kid or stale set: refresh and retry once.
	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	return c.lookupCached(kid)
}

func (c *JWKSCache) lookupCached(kid string) (interface{}, error) {
	c.mu.RLock()
	set, fetchedAt := c.keySet, c.fetchedAt
	c.mu.RUnlock()

	if set == nil || time.Since(fetchedAt) > c.ttl {
		return nil, fmt.Errorf("key set missing or stale")
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}

	var raw interface{}
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %q: %w", kid, err)
	}
	return raw, nil
}

// refresh fetches the key set. Concurrent callers share a single fetch.
func (c *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		set, err := backoff.Retry(ctx, func() (jwk.Set, error) {
			return c.fetchOnce(ctx)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(3),
		)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.keySet = set
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		c.logger.Debug("JWKS refreshed", "url", c.jwksURL, "keys", set.Len())
		return nil, nil
	})
	return err
}

func (c *JWKSCache) fetchOnce(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return set, nil
}

// VerifyIDToken parses and verifies an ID token's signature and standard
// claims against the cached JWKS. Only asymmetric algorithms are accepted.
func (c *JWKSCache) VerifyIDToken(ctx context.Context, rawToken, issuer, audience string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(rawToken, claims, c.Keyfunc(ctx))
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("ID token is not valid")
	}
	return claims, nil
}
