package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP from a request, honoring
// X-Forwarded-For and X-Real-IP only when trustProxy is set.
//
// Only enable trustProxy behind a reverse proxy you control:
// X-Forwarded-For is client-supplied otherwise and trivially spoofed.
// trustedProxyCount says how many rightmost entries belong to your own
// proxies, which pins down which entry is the true client.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF picks the client entry out of an X-Forwarded-For list.
// The header reads "client, proxy1, proxy2, ..."; the rightmost entries are
// the trusted proxies, so the client sits at len - trustedProxyCount - 1.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	clientIP := strings.TrimSpace(ips[clientIPIndex(len(ips), trustedProxyCount)])

	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// clientIPIndex computes the index of the client entry. A trustedProxyCount
// of 0 assumes a single trusted proxy; too few entries falls back to the
// leftmost.
func clientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	idx := numIPs - proxyCount - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func extractIPFromXRealIP(xri string) string {
	if xri == "" {
		return ""
	}
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// extractIPFromRemoteAddr strips the port from a direct connection address.
func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
