package protection

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	json "github.com/goccy/go-json"

	"github.com/opsmux/guardrail/internal/anomaly"
	"github.com/opsmux/guardrail/internal/behavior"
	"github.com/opsmux/guardrail/internal/breaker"
	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/dedup"
	"github.com/opsmux/guardrail/internal/fingerprint"
	"github.com/opsmux/guardrail/internal/ratelimit"
	"github.com/opsmux/guardrail/internal/reputation"
	"github.com/opsmux/guardrail/internal/store"
	"github.com/opsmux/guardrail/internal/timeout"
	pkgerrors "github.com/opsmux/guardrail/pkg/errors"
)

type testStack struct {
	co       *Coordinator
	mr       *miniredis.Miniredis
	settings *config.Settings
	repute   *reputation.Engine
}

func newTestStack(t *testing.T, mutate func(*config.Settings)) *testStack {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	settings := config.DefaultSettings()
	settings.Redis.KeyPrefix = "test"
	settings.Anomaly.ModelPath = ""
	if mutate != nil {
		mutate(settings)
	}

	redisStore := store.NewRedisStoreFromClient(client, settings.Redis.KeyPrefix)
	t.Cleanup(func() { _ = redisStore.Close() })

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Client:   client,
		Prefix:   settings.Redis.KeyPrefix,
		Settings: settings.RateLimits,
		FailOpen: settings.FailOpen,
	})

	dd := dedup.New(dedup.Config{
		Store:    redisStore,
		Hasher:   fingerprint.NewHasherWithSalt([]byte("test-salt")),
		Settings: settings.Dedup,
		FailOpen: settings.FailOpen,
	})
	t.Cleanup(func() { _ = dd.Close() })

	tm := timeout.NewManager(settings.Timeouts, nil)
	t.Cleanup(func() { _ = tm.Close() })

	repute := reputation.NewEngine(redisStore, nil)

	co := NewCoordinator(Components{
		Settings: settings,
		Store:    redisStore,
		Limiter:  limiter,
		Dedup:    dd,
		Timeouts: tm,
		Analyzer: behavior.NewAnalyzer(nil),
		Detector: anomaly.NewDetector("", nil),
		Repute:   repute,
		Breakers: breaker.NewManager(settings.Breakers, nil),
	})

	return &testStack{co: co, mr: mr, settings: settings, repute: repute}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"answer":"ok"}`))
	})
}

func postJSON(handler http.Handler, session, path, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("POST", path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Session-ID", session)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestMiddlewareAllowsNormalRequest(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())

	w := postJSON(h, "sess-1", "/api/v1/agent/query", `{"query":"why is nginx 502ing"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "allow", w.Header().Get(HeaderDecision))
	assert.NotEmpty(t, w.Header().Get(HeaderRiskLevel))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestMiddlewareRateLimits(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())

	// Per-session bucket is 10 per minute; distinct bodies avoid the
	// deduplicator.
	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		last = postJSON(h, "sess-rl", "/api/v1/agent/query", fmt.Sprintf(`{"query":"q%d"}`, i))
	}

	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	var body denialBody
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, pkgerrors.TypeRateLimit, body.ErrorType)
	assert.NotEmpty(t, body.CorrelationID)
	assert.NotEmpty(t, body.Suggestions)
	require.NotNil(t, body.RetryAfter)
	assert.Greater(t, *body.RetryAfter, int64(0))
}

func TestMiddlewareDeduplicates(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())

	first := postJSON(h, "sess-dup", "/api/v1/feedback", `{"rating":5}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(h, "sess-dup", "/api/v1/feedback", `{"rating":5}`)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "duplicate_served", second.Header().Get(HeaderDecision))

	assert.JSONEq(t, dedup.DuplicateNotice, second.Body.String())
}

func TestMiddlewareReplaysCachedResponse(t *testing.T) {
	stack := newTestStack(t, func(s *config.Settings) {
		s.Dedup.CacheResponses = []string{"/api/v1/agent/query"}
	})
	h := stack.co.Middleware(okHandler())

	first := postJSON(h, "sess-cache", "/api/v1/agent/query", `{"query":"oom"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(h, "sess-cache", "/api/v1/agent/query", `{"query":"oom"}`)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "duplicate_served", second.Header().Get(HeaderDecision))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestMiddlewareBypassHeader(t *testing.T) {
	stack := newTestStack(t, func(s *config.Settings) {
		s.BypassHeaders = []string{"X-Internal-Job"}
	})
	h := stack.co.Middleware(okHandler())

	// Same body repeatedly would normally hit dedup; the bypass header
	// skips the whole pipeline.
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("POST", "/api/v1/feedback", strings.NewReader(`{"rating":1}`))
		r.Header.Set("X-Session-ID", "sess-bypass")
		r.Header.Set("X-Internal-Job", "reindex")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "protection_bypassed", w.Header().Get(HeaderDecision))
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	stack := newTestStack(t, func(s *config.Settings) {
		s.Enabled = false
	})
	h := stack.co.Middleware(okHandler())

	for i := 0; i < 20; i++ {
		w := postJSON(h, "sess-off", "/api/v1/agent/query", `{"query":"same"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestMiddlewareBlockedReputation(t *testing.T) {
	stack := newTestStack(t, nil)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	// Grind the client's reputation into the BLOCKED tier.
	for i := 0; i < 25; i++ {
		_, err := stack.repute.RecordViolation(ctx, "sess-bad", reputation.SeverityCritical, reputation.ComponentCompliance, "abuse")
		require.NoError(t, err)
	}
	score, err := stack.repute.Get(ctx, "sess-bad")
	require.NoError(t, err)
	require.Equal(t, reputation.TierBlocked, reputation.Level(score.Overall).Tier)

	h := stack.co.Middleware(okHandler())
	w := postJSON(h, "sess-bad", "/api/v1/agent/query", `{"query":"hello"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)

	var body denialBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, pkgerrors.TypeReputationBlocked, body.ErrorType)
}

func TestFailOpenAdmitsWhenRedisDown(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())

	stack.mr.Close()

	for i := 0; i < 5; i++ {
		w := postJSON(h, "sess-fo", "/api/v1/agent/query", fmt.Sprintf(`{"query":"q%d"}`, i))
		assert.Equal(t, http.StatusOK, w.Code, "fail-open must admit request %d", i)
	}
}

func TestFailClosedDeniesWhenRedisDown(t *testing.T) {
	stack := newTestStack(t, func(s *config.Settings) {
		s.FailOpen = false
	})
	h := stack.co.Middleware(okHandler())

	stack.mr.Close()

	w := postJSON(h, "sess-fc", "/api/v1/agent/query", `{"query":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body denialBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, pkgerrors.TypeDependencyFailure, body.ErrorType)
}

func TestCircuitOpenDenies(t *testing.T) {
	stack := newTestStack(t, nil)
	ep := "/api/v1/agent/query"

	for i := 0; i < stack.settings.Breakers.FailureThreshold; i++ {
		stack.co.breakers.RecordResult(ep, false, time.Second)
	}

	h := stack.co.Middleware(okHandler())
	w := postJSON(h, "sess-cb", ep, `{"query":"q"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body denialBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, pkgerrors.TypeCircuitOpen, body.ErrorType)
}

func TestOnResponseFeedsLearning(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())

	w := postJSON(h, "sess-learn", "/api/v1/agent/query", `{"query":"q"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// The behavior profile records on completion.
	vec, ok := stack.co.analyzer.LatestVector("sess-learn")
	require.True(t, ok)
	assert.Equal(t, float64(0), vec.ErrorRate)

	// Fast 200s earn an efficiency reward.
	score, err := stack.repute.Get(httptest.NewRequest("GET", "/", nil).Context(), "sess-learn")
	require.NoError(t, err)
	assert.Greater(t, score.Overall, 70.0)
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)
	w := httptest.NewRecorder()
	stack.co.HealthHandler().ServeHTTP(w, httptest.NewRequest("GET", "/health/protection", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]any)
	for _, name := range []string{"store", "behavior_analyzer", "anomaly_detector", "reputation_engine", "circuit_breakers", "timeout_manager"} {
		assert.Contains(t, components, name)
	}
}

func TestHealthEndpointDegradedStore(t *testing.T) {
	stack := newTestStack(t, nil)
	stack.mr.Close()

	w := httptest.NewRecorder()
	stack.co.HealthHandler().ServeHTTP(w, httptest.NewRequest("GET", "/health/protection", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())
	postJSON(h, "sess-m", "/api/v1/agent/query", `{"query":"q"}`)

	w := httptest.NewRecorder()
	stack.co.MetricsHandler().ServeHTTP(w, httptest.NewRequest("GET", "/health/protection/metrics", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["requests_total"])
	assert.Contains(t, body, "health_score")
}

func TestMiddlewareUpstreamTimeout(t *testing.T) {
	stack := newTestStack(t, func(s *config.Settings) {
		s.Timeouts.AgentTotal = 50 * time.Millisecond
	})

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulates an agent call that honors context cancellation but
		// never produces a response in time.
		<-r.Context().Done()
	})
	h := stack.co.Middleware(slow)

	w := postJSON(h, "sess-slow", "/api/v1/agent/query", `{"query":"q"}`)

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, pkgerrors.TypeTimeout, w.Header().Get(HeaderDecision))

	var body denialBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, pkgerrors.TypeTimeout, body.ErrorType)
	assert.NotEmpty(t, body.CorrelationID)

	stats := stack.co.timeouts.StatsSnapshot()[timeout.OpAgentTotal]
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Timeouts)
}

func TestReplayedDuplicatesEarnNoReward(t *testing.T) {
	stack := newTestStack(t, nil)
	h := stack.co.Middleware(okHandler())
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	first := postJSON(h, "sess-farm", "/api/v1/feedback", `{"rating":5}`)
	require.Equal(t, http.StatusOK, first.Code)

	after, err := stack.repute.Get(ctx, "sess-farm")
	require.NoError(t, err)

	// Resubmitting the same request is answered by the dedup layer;
	// those instant 200s must not accrue efficiency rewards.
	for i := 0; i < 5; i++ {
		w := postJSON(h, "sess-farm", "/api/v1/feedback", `{"rating":5}`)
		require.Equal(t, "duplicate_served", w.Header().Get(HeaderDecision))
	}

	final, err := stack.repute.Get(ctx, "sess-farm")
	require.NoError(t, err)
	assert.Equal(t, after.Overall, final.Overall)
}
