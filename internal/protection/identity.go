package protection

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Identity is the resolved client identity for one request.
type Identity struct {
	ClientID  string // session id or derived hash
	Source    string // header, query, cookie, derived
	IP        string
	UserAgent string
}

// ResolveIdentity extracts the client identity: the X-Session-ID
// header, then the session_id query parameter, then the session_id
// cookie, falling back to a hash of client IP and user agent.
func ResolveIdentity(r *http.Request) Identity {
	ip := clientIP(r)
	ua := r.UserAgent()

	if id := strings.TrimSpace(r.Header.Get("X-Session-ID")); id != "" {
		return Identity{ClientID: id, Source: "header", IP: ip, UserAgent: ua}
	}
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		return Identity{ClientID: id, Source: "query", IP: ip, UserAgent: ua}
	}
	if c, err := r.Cookie("session_id"); err == nil && strings.TrimSpace(c.Value) != "" {
		return Identity{ClientID: strings.TrimSpace(c.Value), Source: "cookie", IP: ip, UserAgent: ua}
	}

	return Identity{ClientID: deriveClientID(ip, ua), Source: "derived", IP: ip, UserAgent: ua}
}

// deriveClientID hashes ip:user_agent to a 16-hex-digit identifier.
func deriveClientID(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + ":" + userAgent))
	return hex.EncodeToString(sum[:8])
}

// clientIP prefers proxy-forwarded addresses over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
