// Package oauth exposes the OAuth 2.1 proxy core over HTTP. The Handler is a
// thin adapter: it parses requests, delegates every decision to the server
// package, and renders the results as OAuth wire responses.
package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/modelgate/oauth-proxy/instrumentation"
	"github.com/modelgate/oauth-proxy/pkce"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/server"
)

const (
	corsMaxAge      = 3600 // preflight cache, seconds
	tokenTypeBearer = "Bearer"

	// MetadataPath is the RFC 8414 well-known path. Per-endpoint documents
	// live under MetadataPath + "/{endpoint}".
	MetadataPath = "/.well-known/oauth-authorization-server"
)

// Handler serves the per-endpoint OAuth routes.
type Handler struct {
	server *server.Server
	logger *slog.Logger

	// rateLimiter throttles requests per client IP. Nil disables limiting.
	rateLimiter *security.RateLimiter

	inst *instrumentation.Instrumentation
}

// NewHandler creates an HTTP adapter over a configured server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: srv, logger: logger}
}

// SetRateLimiter enables per-IP rate limiting on every route.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// SetInstrumentation wires HTTP metrics.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
}

// Routes returns a mux with every OAuth route registered:
//
//	POST /{endpoint}/register
//	GET  /{endpoint}/authorize
//	GET  /{endpoint}/callback
//	POST /{endpoint}/token
//	POST /{endpoint}/revoke
//	GET  /.well-known/oauth-authorization-server[/{endpoint}]
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{endpoint}/register", h.handleRegister)
	mux.HandleFunc("GET /{endpoint}/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /{endpoint}/callback", h.handleCallback)
	mux.HandleFunc("POST /{endpoint}/token", h.handleToken)
	mux.HandleFunc("POST /{endpoint}/revoke", h.handleRevoke)
	mux.HandleFunc("OPTIONS /{endpoint}/register", h.handlePreflight)
	mux.HandleFunc("OPTIONS /{endpoint}/token", h.handlePreflight)
	mux.HandleFunc("OPTIONS /{endpoint}/revoke", h.handlePreflight)
	mux.HandleFunc("GET "+MetadataPath, h.handleMetadata)
	mux.HandleFunc("GET "+MetadataPath+"/{endpoint}", h.handleMetadata)
	return mux
}

// begin runs the shared request preamble: endpoint resolution, security
// headers, and rate limiting. ok=false means a response was already written.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request) (endpointID, clientIP string, ok bool) {
	cfg := h.server.Config()
	security.SetSecurityHeaders(w, cfg.Issuer)

	endpointID = r.PathValue("endpoint")
	if endpointID != "" {
		if _, found := cfg.Endpoint(endpointID); !found {
			h.writeError(w, "invalid_request", "unknown endpoint", http.StatusNotFound)
			return "", "", false
		}
	}

	clientIP = security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
	if h.rateLimiter != nil && !h.rateLimiter.Allow(clientIP) {
		if m := h.metrics(); m != nil {
			m.RecordRateLimitExceeded(r.Context(), "ip")
		}
		h.writeError(w, "invalid_request", "rate limit exceeded, try again later",
			http.StatusTooManyRequests)
		return "", "", false
	}
	return endpointID, clientIP, true
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpointID, clientIP, ok := h.begin(w, r)
	if !ok {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, "invalid_request", "malformed registration request", http.StatusBadRequest)
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), endpointID, &server.RegistrationRequest{
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
		IPAddress:               clientIP,
	})
	if err != nil {
		h.writeServerError(w, err)
		h.record(r, "register", http.StatusBadRequest, start)
		return
	}

	h.writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                resp.ClientID,
		ClientSecret:            resp.ClientSecret,
		ClientIDIssuedAt:        resp.ClientIDIssuedAt,
		RedirectURIs:            resp.RedirectURIs,
		TokenEndpointAuthMethod: resp.TokenEndpointAuthMethod,
		GrantTypes:              resp.GrantTypes,
		ResponseTypes:           resp.ResponseTypes,
		ClientName:              resp.ClientName,
		Scope:                   resp.Scope,
		AuthorizationURL:        resp.AuthorizationURL,
		TokenURL:                resp.TokenURL,
		RevocationURL:           resp.RevocationURL,
	})
	h.record(r, "register", http.StatusCreated, start)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpointID, clientIP, ok := h.begin(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	res, err := h.server.StartAuthorization(r.Context(), endpointID, &server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		LoginHint:           q.Get("login_hint"),
		IPAddress:           clientIP,
	})
	if err != nil {
		// Once the redirect URI is validated, errors go back to the client
		// app; before that, they are answered directly.
		if redirect := server.AsError(err).RedirectURL(); redirect != "" {
			http.Redirect(w, r, redirect, http.StatusFound)
			h.record(r, "authorize", http.StatusFound, start)
			return
		}
		h.writeServerError(w, err)
		h.record(r, "authorize", http.StatusBadRequest, start)
		return
	}

	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	h.record(r, "authorize", http.StatusFound, start)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpointID, _, ok := h.begin(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	providerErr := q.Get("error")
	if desc := q.Get("error_description"); providerErr != "" && desc != "" {
		h.logger.Debug("Provider returned error", "error", providerErr, "description", desc)
	}

	res, err := h.server.HandleProviderCallback(r.Context(), endpointID,
		q.Get("state"), q.Get("code"), providerErr)
	if err != nil {
		h.writeServerError(w, err)
		h.record(r, "callback", http.StatusBadRequest, start)
		return
	}

	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	h.record(r, "callback", http.StatusFound, start)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpointID, clientIP, ok := h.begin(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "invalid_request", "malformed form body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, authErr := clientCredentials(r)
	if authErr != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		h.writeError(w, "invalid_client", authErr.Error(), http.StatusUnauthorized)
		return
	}

	resp, err := h.server.Token(r.Context(), endpointID, &server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		IPAddress:    clientIP,
	})
	if err != nil {
		oe := server.AsError(err)
		if oe.Status() == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		h.writeServerError(w, err)
		h.record(r, "token", oe.Status(), start)
		return
	}

	// Token responses must never be cached (RFC 6749 §5.1).
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, tokenResponseBody(resp))
	h.record(r, "token", http.StatusOK, start)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpointID, clientIP, ok := h.begin(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, "invalid_request", "malformed form body", http.StatusBadRequest)
		return
	}
	clientID, clientSecret, authErr := clientCredentials(r)
	if authErr != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		h.writeError(w, "invalid_client", authErr.Error(), http.StatusUnauthorized)
		return
	}

	err := h.server.Revoke(r.Context(), endpointID, &server.RevokeRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		IPAddress:     clientIP,
	})
	if err != nil {
		oe := server.AsError(err)
		if oe.Status() == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		h.writeServerError(w, err)
		h.record(r, "revoke", oe.Status(), start)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.record(r, "revoke", http.StatusOK, start)
}

// handleMetadata serves RFC 8414 documents. The bare well-known path works
// when exactly one endpoint is configured; multi-endpoint deployments use
// the per-endpoint suffix.
func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	cfg := h.server.Config()
	security.SetSecurityHeaders(w, cfg.Issuer)
	w.Header().Set("Access-Control-Allow-Origin", "*")

	endpointID := r.PathValue("endpoint")
	if endpointID == "" {
		if len(cfg.Endpoints) != 1 {
			h.writeError(w, "invalid_request",
				"this server hosts multiple endpoints; use "+MetadataPath+"/{endpoint}",
				http.StatusNotFound)
			return
		}
		endpointID = cfg.Endpoints[0].EndpointID
	}
	ep, found := cfg.Endpoint(endpointID)
	if !found {
		h.writeError(w, "invalid_request", "unknown endpoint", http.StatusNotFound)
		return
	}

	base := cfg.Issuer + "/" + ep.EndpointID
	h.writeJSON(w, http.StatusOK, &AuthorizationServerMetadata{
		Issuer:                 base,
		AuthorizationEndpoint:  base + "/authorize",
		TokenEndpoint:          base + "/token",
		RegistrationEndpoint:   base + "/register",
		RevocationEndpoint:     base + "/revoke",
		ScopesSupported:        ep.Scopes,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{server.GrantAuthorizationCode, server.GrantRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			server.AuthMethodNone,
			server.AuthMethodClientSecretBasic,
			server.AuthMethodClientSecretPost,
		},
		CodeChallengeMethodsSupported: []string{pkce.MethodS256},
	})
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
	w.WriteHeader(http.StatusNoContent)
}

// clientCredentials extracts client authentication from Basic auth or the
// form body, rejecting requests that present both with different values.
func clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	basicID, basicSecret, hasBasic := r.BasicAuth()
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	if hasBasic {
		if formID != "" && formID != basicID {
			return "", "", errors.New("conflicting client_id in header and body")
		}
		if formSecret != "" {
			return "", "", errors.New("client secret in both header and body")
		}
		return basicID, basicSecret, nil
	}
	return formID, formSecret, nil
}

// tokenResponseBody flattens a token response, merging provider pass-through
// extras without letting them shadow the standard fields.
func tokenResponseBody(t *server.TokenResponse) map[string]any {
	body := map[string]any{
		"access_token": t.AccessToken,
		"token_type":   tokenTypeBearer,
	}
	if t.ExpiresIn > 0 {
		body["expires_in"] = t.ExpiresIn
	}
	if t.RefreshToken != "" {
		body["refresh_token"] = t.RefreshToken
	}
	if t.Scope != "" {
		body["scope"] = t.Scope
	}
	for k, v := range t.Extra {
		if _, exists := body[k]; !exists {
			body[k] = v
		}
	}
	return body
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, &ErrorResponse{Error: code, ErrorDescription: description})
}

// writeServerError renders a server package error as an OAuth error body.
func (h *Handler) writeServerError(w http.ResponseWriter, err error) {
	oe := server.AsError(err)
	if oe.Code == server.ErrCodeServerError {
		// Internal detail stays out of the response.
		h.logger.Error("Request failed", "error", err)
	}
	h.writeError(w, oe.Code, oe.Description, oe.Status())
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.inst == nil {
		return nil
	}
	return h.inst.Metrics()
}

// record emits the HTTP request metric for one handled request.
func (h *Handler) record(r *http.Request, operation string, status int, start time.Time) {
	m := h.metrics()
	if m == nil {
		return
	}
	endpoint := operation
	if ep := r.PathValue("endpoint"); ep != "" {
		endpoint = ep + "/" + operation
	}
	m.RecordHTTPRequest(r.Context(), r.Method, endpoint, status,
		float64(time.Since(start).Milliseconds()))
}
