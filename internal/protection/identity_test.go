package protection

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveIdentityHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/agent/query", nil)
	r.Header.Set("X-Session-ID", "sess-abc")

	id := ResolveIdentity(r)
	assert.Equal(t, "sess-abc", id.ClientID)
	assert.Equal(t, "header", id.Source)
}

func TestResolveIdentityQuery(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/agent/query?session_id=sess-q", nil)

	id := ResolveIdentity(r)
	assert.Equal(t, "sess-q", id.ClientID)
	assert.Equal(t, "query", id.Source)
}

func TestResolveIdentityCookie(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/agent/query", nil)
	r.Header.Set("Cookie", "session_id=sess-c")

	id := ResolveIdentity(r)
	assert.Equal(t, "sess-c", id.ClientID)
	assert.Equal(t, "cookie", id.Source)
}

func TestResolveIdentityDerived(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/agent/query", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	r.Header.Set("User-Agent", "curl/8.0")

	id := ResolveIdentity(r)
	assert.Equal(t, "derived", id.Source)
	assert.Len(t, id.ClientID, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", id.ClientID)

	// Stable for the same (ip, agent) pair.
	again := ResolveIdentity(r)
	assert.Equal(t, id.ClientID, again.ClientID)

	r.Header.Set("User-Agent", "curl/9.0")
	assert.NotEqual(t, id.ClientID, ResolveIdentity(r).ClientID)
}

func TestResolveIdentityPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/agent/query?session_id=from-query", nil)
	r.Header.Set("X-Session-ID", "from-header")
	r.Header.Set("Cookie", "session_id=from-cookie")

	assert.Equal(t, "from-header", ResolveIdentity(r).ClientID)
}

func TestClientIPForwarded(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	assert.Equal(t, "198.51.100.7", clientIP(r))
}

func TestClientIPRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "192.0.2.4:9999"

	assert.Equal(t, "192.0.2.4", clientIP(r))
}
