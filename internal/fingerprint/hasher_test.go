package fingerprint

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher() *Hasher {
	return NewHasherWithSalt([]byte("fixed-test-salt!"))
}

func TestHash_Deterministic(t *testing.T) {
	h := testHasher()

	req := Request{
		SessionID: "S1",
		Method:    "post",
		Endpoint:  "/api/v1/agent/query",
		Body:      []byte(`{"query":"disk full"}`),
	}

	first, err := h.Hash(req)
	require.NoError(t, err)
	second, err := h.Hash(req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64) // 256-bit hex
}

func TestHash_ExcludedFieldsIgnored(t *testing.T) {
	h := testHasher()

	a, err := h.Hash(Request{
		SessionID: "S1",
		Method:    "POST",
		Endpoint:  "/api/v1/agent/query",
		Body:      []byte(`{"query":"X","request_id":"a"}`),
	})
	require.NoError(t, err)

	b, err := h.Hash(Request{
		SessionID: "S1",
		Method:    "POST",
		Endpoint:  "/api/v1/agent/query",
		Body:      []byte(`{"query":"X","request_id":"b"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHash_VolatileValuesRewritten(t *testing.T) {
	h := testHasher()

	a, err := h.Hash(Request{
		SessionID: "S1",
		Method:    "POST",
		Endpoint:  "/api/v1/agent/query",
		Body:      []byte(`{"query":"error at 2024-01-15T10:30:00Z id 550e8400-e29b-41d4-a716-446655440000"}`),
	})
	require.NoError(t, err)

	b, err := h.Hash(Request{
		SessionID: "S1",
		Method:    "POST",
		Endpoint:  "/api/v1/agent/query",
		Body:      []byte(`{"query":"error at 2024-06-20T22:01:59Z id 123e4567-e89b-12d3-a456-426614174000"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHash_DifferentSessionsDiffer(t *testing.T) {
	h := testHasher()
	body := []byte(`{"query":"X"}`)

	a, err := h.Hash(Request{SessionID: "S1", Method: "POST", Endpoint: "/api/v1/agent/query", Body: body})
	require.NoError(t, err)
	b, err := h.Hash(Request{SessionID: "S2", Method: "POST", Endpoint: "/api/v1/agent/query", Body: body})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHash_EndpointNormalization(t *testing.T) {
	h := testHasher()
	body := []byte(`{"query":"X"}`)

	a, err := h.Hash(Request{SessionID: "S1", Method: "POST", Endpoint: "/API/v1/Agent/Query/", Body: body})
	require.NoError(t, err)
	b, err := h.Hash(Request{SessionID: "S1", Method: "POST", Endpoint: "/api/v1/agent/query?x=1", Body: body})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHash_QueryFilteringAndOrdering(t *testing.T) {
	h := testHasher()

	a, err := h.Hash(Request{
		SessionID: "S1", Method: "GET", Endpoint: "/api/v1/search",
		Query: url.Values{"q": {"disk"}, "page": {"2"}, "timestamp": {"1700000000"}},
	})
	require.NoError(t, err)

	b, err := h.Hash(Request{
		SessionID: "S1", Method: "GET", Endpoint: "/api/v1/search",
		Query: url.Values{"page": {"2"}, "q": {"disk"}, "timestamp": {"1800000000"}},
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHash_HeaderFiltering(t *testing.T) {
	h := testHasher()
	body := []byte(`{"query":"X"}`)

	a, err := h.Hash(Request{
		SessionID: "S1", Method: "POST", Endpoint: "/api/v1/agent/query", Body: body,
		Headers: map[string]string{"Content-Type": "application/json", "User-Agent": "curl/8.0"},
	})
	require.NoError(t, err)

	b, err := h.Hash(Request{
		SessionID: "S1", Method: "POST", Endpoint: "/api/v1/agent/query", Body: body,
		Headers: map[string]string{"content-type": "APPLICATION/JSON", "User-Agent": "other/1.0", "X-Custom": "abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHash_TitleGenerationIgnoresBody(t *testing.T) {
	h := testHasher()

	a, err := h.Hash(Request{SessionID: "S1", Method: "POST", Endpoint: "/api/v1/sessions/abc/title", Body: []byte(`{"context":"one"}`)})
	require.NoError(t, err)
	b, err := h.Hash(Request{SessionID: "S1", Method: "POST", Endpoint: "/api/v1/sessions/xyz/title", Body: []byte(`{"context":"two"}`)})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Presence vs. absence of context is still distinguished.
	c, err := h.Hash(Request{SessionID: "S1", Method: "POST", Endpoint: "/api/v1/sessions/abc/title"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHash_InvalidUTF8(t *testing.T) {
	h := testHasher()

	_, err := h.Hash(Request{
		SessionID: "S1", Method: "POST", Endpoint: "/api/v1/agent/query",
		Body: []byte{0xff, 0xfe, 0xfd},
	})
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	// Fallback digest still works.
	fallback := h.SimpleHash("S1", "/api/v1/agent/query", "POST")
	assert.Len(t, fallback, 64)
}

func TestIsTitleGeneration(t *testing.T) {
	assert.True(t, IsTitleGeneration("/api/v1/sessions/abc/title"))
	assert.True(t, IsTitleGeneration("/api/v1/generate-title"))
	assert.True(t, IsTitleGeneration("/API/v1/sessions/abc/TITLE/"))
	assert.False(t, IsTitleGeneration("/api/v1/agent/query"))
	assert.False(t, IsTitleGeneration("/api/v1/entitlements"))
}

func TestNormalizeValue_Idempotent(t *testing.T) {
	inputs := []string{
		"error at 2024-01-15T10:30:00Z",
		"uuid 550e8400-e29b-41d4-a716-446655440000",
		"epoch 1700000000000 and 1700000000",
		"req_ab12cd34 again",
		"lots   of \t whitespace\n here",
	}

	for _, in := range inputs {
		once := NormalizeValue(in)
		twice := NormalizeValue(once)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", in)
	}
}

func TestNormalizeValue_UnicodeForms(t *testing.T) {
	composed := "café error"    // é as a single code point
	decomposed := "café error" // e + combining acute
	assert.Equal(t, NormalizeValue(composed), NormalizeValue(decomposed))
}

func TestNormalizeBody_SortsJSONKeys(t *testing.T) {
	a := NormalizeBody([]byte(`{"b":1,"a":2}`))
	b := NormalizeBody([]byte(`{"a":2,"b":1}`))
	assert.Equal(t, a, b)
}

func TestNormalizeBody_NestedExclusions(t *testing.T) {
	out := NormalizeBody([]byte(`{"query":"X","meta":{"trace_id":"t1","depth":2}}`))
	assert.NotContains(t, out, "trace_id")
	assert.Contains(t, out, "depth")
}
