package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Redirect URI validation. Registration is the only place redirect URIs
// enter the system: authorize and token requests must then match a
// registered URI exactly, so all pattern logic lives here.
//
// Three pattern forms are allowed per endpoint:
//
//	https://app.example.com/callback   exact match
//	http://localhost:*/callback        loopback with any port (RFC 8252 §7.3)
//	myapp://*                          native-app custom scheme, any suffix
//
// Everything else fails closed.

// RedirectURIError explains a rejected redirect URI. ClientMessage is safe to
// return to the registrant; Reason carries the detail for the audit log.
type RedirectURIError struct {
	URI           string
	Reason        string
	ClientMessage string
}

func (e *RedirectURIError) Error() string {
	return fmt.Sprintf("redirect URI rejected: %s", e.Reason)
}

// validateRedirectPattern checks a configured pattern at startup.
func validateRedirectPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("redirect pattern must not be empty")
	}
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok || scheme == "" {
		return fmt.Errorf("redirect pattern %q has no scheme", pattern)
	}
	switch scheme {
	case "https":
		if strings.Contains(pattern, "*") {
			return fmt.Errorf("redirect pattern %q: wildcards are not allowed in https patterns", pattern)
		}
	case "http":
		host, _, _ := strings.Cut(rest, "/")
		if !isLoopbackPattern(host) {
			return fmt.Errorf("redirect pattern %q: http is only allowed for loopback hosts", pattern)
		}
	default:
		// Custom scheme for native apps. Only the trailing-* form is
		// supported; a bare exact URI is also fine.
		if i := strings.Index(pattern, "*"); i >= 0 && i != len(pattern)-1 {
			return fmt.Errorf("redirect pattern %q: wildcard must be the final character", pattern)
		}
	}
	return nil
}

// isLoopbackPattern reports whether a host[:port] pattern refers to the
// loopback interface. The port may be the literal "*".
func isLoopbackPattern(hostport string) bool {
	host := hostport
	if h, _, ok := strings.Cut(hostport, ":"); ok {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateRedirectURI checks one registered redirect URI against an
// endpoint's allowed patterns.
func validateRedirectURI(uri string, patterns []string) *RedirectURIError {
	if uri == "" {
		return &RedirectURIError{
			URI:           uri,
			Reason:        "empty redirect URI",
			ClientMessage: "redirect_uris entries must not be empty",
		}
	}
	if len(uri) > 2048 {
		return &RedirectURIError{
			URI:           sanitizeURIForLogging(uri),
			Reason:        "redirect URI exceeds 2048 characters",
			ClientMessage: "redirect URI is too long",
		}
	}

	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return &RedirectURIError{
			URI:           sanitizeURIForLogging(uri),
			Reason:        "unparseable redirect URI",
			ClientMessage: "redirect URI must be an absolute URI",
		}
	}
	if parsed.Fragment != "" {
		return &RedirectURIError{
			URI:           sanitizeURIForLogging(uri),
			Reason:        "redirect URI contains a fragment",
			ClientMessage: "redirect URIs must not contain fragments",
		}
	}
	if parsed.User != nil {
		return &RedirectURIError{
			URI:           sanitizeURIForLogging(uri),
			Reason:        "redirect URI contains userinfo",
			ClientMessage: "redirect URIs must not contain credentials",
		}
	}

	for _, pattern := range patterns {
		if matchRedirectPattern(uri, parsed, pattern) {
			return nil
		}
	}
	return &RedirectURIError{
		URI:           sanitizeURIForLogging(uri),
		Reason:        "redirect URI matches no allowed pattern",
		ClientMessage: "redirect URI is not allowed for this endpoint",
	}
}

// matchRedirectPattern matches one URI against one pattern.
func matchRedirectPattern(raw string, parsed *url.URL, pattern string) bool {
	// Custom-scheme trailing wildcard: "myapp://*" matches anything the
	// scheme prefix covers.
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern, "://*/") {
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.HasPrefix(prefix, "http://") && !strings.HasPrefix(prefix, "https://") {
			return strings.HasPrefix(raw, prefix) && len(raw) > len(prefix)
		}
	}

	// Loopback port wildcard: "http://localhost:*/callback".
	if strings.HasPrefix(pattern, "http://") && strings.Contains(pattern, ":*") {
		pp, err := url.Parse(strings.Replace(pattern, ":*", ":0", 1))
		if err != nil {
			return false
		}
		return parsed.Scheme == "http" &&
			parsed.Hostname() == pp.Hostname() &&
			isLoopbackPattern(parsed.Host) &&
			parsed.EscapedPath() == pp.EscapedPath() &&
			parsed.RawQuery == pp.RawQuery
	}

	// Exact match, byte for byte. No normalization: the client must present
	// the same string at authorize time anyway.
	return raw == pattern
}

// sanitizeURIForLogging strips query and fragment before a URI reaches the
// logs, since state and code values travel there.
func sanitizeURIForLogging(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i] + "..."
	}
	return uri
}
