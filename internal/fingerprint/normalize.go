package fingerprint

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"
)

// excludedKeys are removed recursively from request bodies and query
// parameters before hashing. Two requests differing only in these
// fields must produce identical fingerprints.
var excludedKeys = map[string]struct{}{
	"timestamp":      {},
	"ts":             {},
	"time":           {},
	"created_at":     {},
	"updated_at":     {},
	"request_id":     {},
	"requestid":      {},
	"correlation_id": {},
	"trace_id":       {},
	"span_id":        {},
	"message_id":     {},
	"nonce":          {},
	"cache_buster":   {},
	"_":              {},
	"token":          {},
	"access_token":   {},
	"csrf_token":     {},
	"api_key":        {},
	"user_agent":     {},
	"client_time":    {},
}

// allowedHeaders are the only headers that contribute to a fingerprint.
var allowedHeaders = map[string]struct{}{
	"content-type":    {},
	"accept":          {},
	"accept-language": {},
	"accept-encoding": {},
}

// Volatile value patterns, rewritten to stable placeholders. Order
// matters: the epoch patterns must run after ISO timestamps so a
// timestamp embedded in a longer string is not half-rewritten.
var (
	isoTimestampRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	uuidRE         = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	epochMillisRE  = regexp.MustCompile(`\b1[0-9]{12}\b`)
	epochSecondsRE = regexp.MustCompile(`\b1[0-9]{9}\b`)
	requestIDRE    = regexp.MustCompile(`(?i)\breq[_-][0-9a-z]{6,}\b`)
	whitespaceRE   = regexp.MustCompile(`\s+`)
)

// NormalizeEndpoint lowercases the path and strips the query string
// and any trailing slash.
func NormalizeEndpoint(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	endpoint = strings.ToLower(strings.TrimSpace(endpoint))
	if len(endpoint) > 1 {
		endpoint = strings.TrimRight(endpoint, "/")
	}
	return endpoint
}

// NormalizeValue rewrites volatile substrings to placeholders and
// collapses whitespace runs. Text is NFC-normalized first so composed
// and decomposed forms of the same characters hash identically.
// Idempotent: placeholders match none of the volatile patterns.
func NormalizeValue(s string) string {
	s = norm.NFC.String(s)
	s = isoTimestampRE.ReplaceAllString(s, "[TIMESTAMP]")
	s = uuidRE.ReplaceAllString(s, "[UUID]")
	s = epochMillisRE.ReplaceAllString(s, "[EPOCH_MS]")
	s = epochSecondsRE.ReplaceAllString(s, "[EPOCH]")
	s = requestIDRE.ReplaceAllString(s, "[REQUEST_ID]")
	s = whitespaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeBody canonicalizes a request body. JSON bodies (first
// non-space byte '{' or '[') are parsed, pruned of excluded keys,
// value-normalized, and re-serialized with sorted keys. Anything else
// is treated as plain text.
func NormalizeBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			normalized := normalizeTree(v)
			if out, err := json.Marshal(normalized); err == nil {
				return string(out)
			}
		}
	}

	return NormalizeValue(trimmed)
}

// normalizeTree walks a decoded JSON value, dropping excluded keys and
// rewriting string leaves. Maps re-serialize with sorted keys, which
// makes the output canonical.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, excluded := excludedKeys[strings.ToLower(k)]; excluded {
				continue
			}
			out[k] = normalizeTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeTree(val)
		}
		return out
	case string:
		return NormalizeValue(t)
	default:
		return v
	}
}

// NormalizeQuery filters query parameters through the exclusion list
// and renders them sorted as k=v joined by '&'.
func NormalizeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		if _, excluded := excludedKeys[strings.ToLower(k)]; excluded {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for j, val := range values {
			if j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(strings.ToLower(k))
			sb.WriteByte('=')
			sb.WriteString(NormalizeValue(val))
		}
	}
	return sb.String()
}

// NormalizeHeaders keeps only content-negotiation headers, lowercased,
// rendered sorted as k=v joined by '&'.
func NormalizeHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}

	kept := make(map[string]string, len(allowedHeaders))
	for k, v := range headers {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, ok := allowedHeaders[lk]; ok {
			kept[lk] = strings.ToLower(strings.TrimSpace(v))
		}
	}

	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(kept[k])
	}
	return sb.String()
}

// IsTitleGeneration reports whether the endpoint is a conversation
// title generation request. Title requests ignore the body entirely:
// one fingerprint per (session, has-context) pair within TTL.
func IsTitleGeneration(endpoint string) bool {
	endpoint = NormalizeEndpoint(endpoint)
	return strings.HasSuffix(endpoint, "/title") ||
		strings.Contains(endpoint, "generate-title") ||
		strings.Contains(endpoint, "/title/")
}
