// Package protection orchestrates the protection components into a
// single per-request admission decision.
package protection

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opsmux/guardrail/internal/anomaly"
	"github.com/opsmux/guardrail/internal/behavior"
	"github.com/opsmux/guardrail/internal/breaker"
	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/dedup"
	"github.com/opsmux/guardrail/internal/fingerprint"
	"github.com/opsmux/guardrail/internal/metrics"
	"github.com/opsmux/guardrail/internal/observability"
	"github.com/opsmux/guardrail/internal/ratelimit"
	"github.com/opsmux/guardrail/internal/reputation"
	"github.com/opsmux/guardrail/internal/store"
	"github.com/opsmux/guardrail/internal/timeout"
	pkgerrors "github.com/opsmux/guardrail/pkg/errors"
)

const (
	profileMaxAge = 7 * 24 * time.Hour

	// denyFloor is the combined-score cutoff below which requests are
	// denied outright.
	denyFloor = 0.3
	// highRiskFloor is the cutoff applied to HIGH-risk sessions.
	highRiskFloor = 0.6

	// maxConcurrent anchors the load factor; beyond this many
	// in-flight requests the process is considered fully loaded.
	maxConcurrent = 512

	fastResponse = time.Second
)

// Request is the per-request record the coordinator evaluates.
type Request struct {
	Identity    Identity
	Method      string
	Endpoint    string
	Body        []byte
	Query       map[string][]string
	Headers     map[string][]string
	ContentType string
	PayloadSize int
	ReceivedAt  time.Time
}

// Decision is the coordinator's verdict for one request.
type Decision struct {
	ID            string
	CorrelationID string
	Allowed       bool
	Reason        string
	RiskLevel     behavior.RiskLevel
	Confidence    float64
	Combined      float64
	Restrictions  []string
	RetryAfter    time.Duration

	RateLimit    *ratelimit.Result
	Dedup        *dedup.CheckResult
	Prediction   string // anomaly prediction id, for completion feedback
	WasAnomalous bool

	Err *pkgerrors.ProtectionError
}

// Coordinator wires the protection components together.
type Coordinator struct {
	settings *config.Settings
	logger   *slog.Logger

	store    store.Store
	limiter  *ratelimit.Limiter
	dedup    *dedup.Deduplicator
	timeouts *timeout.Manager
	analyzer *behavior.Analyzer
	detector *anomaly.Detector
	repute   *reputation.Engine
	breakers *breaker.Manager

	inflight atomic.Int64
	requests atomic.Int64
	errors5m requestWindow

	health atomic.Value // float64

	loopWG   sync.WaitGroup
	loopStop chan struct{}
	stopOnce sync.Once
}

// Components bundles the coordinator's dependencies.
type Components struct {
	Settings *config.Settings
	Logger   *slog.Logger

	Store    store.Store
	Limiter  *ratelimit.Limiter
	Dedup    *dedup.Deduplicator
	Timeouts *timeout.Manager
	Analyzer *behavior.Analyzer
	Detector *anomaly.Detector
	Repute   *reputation.Engine
	Breakers *breaker.Manager
}

// NewCoordinator creates a Coordinator. Background loops start with
// Start.
func NewCoordinator(c Components) *Coordinator {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	co := &Coordinator{
		settings: c.Settings,
		logger:   c.Logger,
		store:    c.Store,
		limiter:  c.Limiter,
		dedup:    c.Dedup,
		timeouts: c.Timeouts,
		analyzer: c.Analyzer,
		detector: c.Detector,
		repute:   c.Repute,
		breakers: c.Breakers,
		loopStop: make(chan struct{}),
	}
	co.health.Store(1.0)
	return co
}

// CheckRequest runs the admission pipeline and returns the decision.
// A nil Decision.Err means the request may proceed.
func (co *Coordinator) CheckRequest(ctx context.Context, req Request) Decision {
	start := time.Now()
	co.inflight.Add(1)
	co.requests.Add(1)

	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "protection.check")
	decision := co.check(ctx, req)
	span.SetAttributes(
		attribute.String("protection.client_id", req.Identity.ClientID),
		attribute.String("protection.endpoint", req.Endpoint),
		attribute.Bool("protection.allowed", decision.Allowed),
		attribute.String("protection.reason", decision.Reason),
	)
	span.End()

	metrics.DecisionLatency.Observe(time.Since(start).Seconds())
	if decision.Allowed {
		metrics.DecisionsTotal.WithLabelValues("allow").Inc()
	} else {
		metrics.DecisionsTotal.WithLabelValues("deny").Inc()
		if decision.Err != nil {
			metrics.DenialsTotal.WithLabelValues(decision.Err.Type).Inc()
		}
	}
	return decision
}

func (co *Coordinator) check(ctx context.Context, req Request) (decision Decision) {
	decision = Decision{
		ID:            uuid.NewString(),
		Allowed:       true,
		Reason:        "allowed",
		RiskLevel:     behavior.RiskLow,
		Confidence:    1,
		Combined:      1,
		CorrelationID: correlationID(ctx),
	}

	// Component panics admit the request and raise the alarm; the
	// process must outlive any single bad request.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			co.logger.Error("panic in protection pipeline, admitting request",
				"panic", r, "stack", string(buf[:n]),
				"correlation_id", decision.CorrelationID)
			metrics.ComponentErrors.WithLabelValues("coordinator").Inc()
			decision.Allowed = true
			decision.Err = nil
			decision.Reason = "internal_error_fail_open"
		}
	}()

	if !co.settings.Enabled || co.bypassed(req) {
		decision.Reason = "protection_bypassed"
		return decision
	}

	clientID := req.Identity.ClientID

	// Rate limits, cheapest and hardest first.
	for _, check := range co.limitChecks(req) {
		result, err := co.limiter.Check(ctx, check.key, check.limitType)
		if err != nil {
			perr := asProtectionError(err, decision.CorrelationID)
			r := result
			decision.Allowed = false
			decision.Reason = string(check.limitType)
			decision.RateLimit = &r
			decision.RetryAfter = result.RetryAfter
			decision.Err = perr
			return decision
		}
		if check.limitType == ratelimit.LimitPerSession || check.limitType == ratelimit.LimitTitleGeneration {
			r := result
			decision.RateLimit = &r
		}
	}

	// Deduplication.
	headers := make(map[string]string, len(req.Headers))
	for name, values := range req.Headers {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	dup := co.dedup.Check(ctx, fingerprint.Request{
		SessionID: clientID,
		Method:    req.Method,
		Endpoint:  req.Endpoint,
		Body:      req.Body,
		Query:     req.Query,
		Headers:   headers,
	}, req.ContentType)
	decision.Dedup = &dup
	if dup.IsDuplicate && dup.CachedResponse == nil {
		decision.Allowed = false
		decision.Reason = "duplicate_request"
		decision.Err = asProtectionError(
			pkgerrors.NewDuplicateError("this request is already being processed", dup.TTLRemaining),
			decision.CorrelationID)
		return decision
	}

	// Behavioral score from the session's existing profile.
	var behaviorScore behavior.Score
	behaviorScore.Score = 1
	behaviorScore.RiskLevel = behavior.RiskLow
	anomalous := false
	if co.settings.Behavior.Enabled {
		score, anomalies := co.analyzer.ScoreSession(clientID)
		behaviorScore = score
		decision.RiskLevel = score.RiskLevel
		for _, an := range anomalies {
			decision.Restrictions = append(decision.Restrictions, "watch:"+an.Type)
		}
		if len(anomalies) > 0 {
			anomalous = true
			decision.Restrictions = append(decision.Restrictions, "anomaly_detected")
		}
	}

	// ML anomaly result, when a behavior vector exists.
	anomalyInverted := 1.0
	if co.settings.Anomaly.Enabled {
		if vec, ok := co.analyzer.LatestVector(clientID); ok {
			res := co.detector.Detect(vec)
			decision.Prediction = res.PredictionID
			decision.WasAnomalous = res.IsAnomalous
			anomalyInverted = 1 - res.Overall
			if res.IsAnomalous {
				anomalous = true
				decision.Restrictions = append(decision.Restrictions, res.RecommendedActions...)
			}
		}
	}

	// Reputation; blocked clients stop here.
	reputationFactor := 1.0
	tier := reputation.TierNormal
	if co.settings.Reputation.Enabled {
		score, err := co.repute.Get(ctx, clientID)
		if err != nil {
			co.logger.Warn("reputation lookup failed, treating client as normal",
				"client_id", clientID, "error", err)
			metrics.ComponentErrors.WithLabelValues("reputation").Inc()
		} else {
			reputationFactor = score.Overall / 100
			level := reputation.Level(score.Overall)
			tier = level.Tier
			decision.Restrictions = append(decision.Restrictions, level.Restrictions...)
			if tier == reputation.TierBlocked {
				decision.Allowed = false
				decision.Reason = "reputation_blocked"
				decision.Err = asProtectionError(
					pkgerrors.NewReputationBlockedError("access suspended due to sustained policy violations"),
					decision.CorrelationID)
				return decision
			}
		}
	}

	// Circuit breaker verdict for the endpoint.
	loadFactor := co.loadFactor()
	if co.settings.Breakers.Enabled {
		verdict := co.breakers.Decide(req.Endpoint, tier, loadFactor)
		switch verdict.Verdict {
		case breaker.VerdictDeny:
			decision.Allowed = false
			decision.Reason = verdict.Reason
			decision.Confidence = verdict.Confidence
			if retry, ok := verdict.Metadata["retry_after"].(time.Duration); ok {
				decision.RetryAfter = retry
			}
			decision.Err = asProtectionError(
				pkgerrors.NewCircuitOpenError(req.Endpoint, verdict.Reason),
				decision.CorrelationID)
			return decision
		case breaker.VerdictThrottle:
			decision.Allowed = false
			decision.Reason = verdict.Reason
			decision.Confidence = verdict.Confidence
			decision.Err = asProtectionError(
				pkgerrors.NewCircuitThrottledError(req.Endpoint, verdict.Reason),
				decision.CorrelationID)
			return decision
		}
	}

	// Combine the soft signals.
	combined := behaviorScore.Score * anomalyInverted * reputationFactor * (1 - loadFactor)
	decision.Combined = combined
	decision.Confidence = combineConfidence(behaviorScore.Confidence, decision.Prediction != "", co.settings.Reputation.Enabled)

	deny := combined <= denyFloor ||
		behaviorScore.RiskLevel == behavior.RiskCritical ||
		(behaviorScore.RiskLevel == behavior.RiskHigh && combined < highRiskFloor)
	if deny {
		decision.Allowed = false
		if anomalous {
			// Anomaly-driven denials are throttles, not bans.
			decision.Reason = "anomaly_detected"
			decision.Err = asProtectionError(
				pkgerrors.NewAnomalyThrottledError("request throttled due to anomalous session behavior", time.Minute),
				decision.CorrelationID)
			return decision
		}
		decision.Reason = "combined_risk"
		decision.Err = asProtectionError(
			pkgerrors.NewRiskDeniedError("request denied by risk assessment"),
			decision.CorrelationID)
		return decision
	}

	return decision
}

type limitCheck struct {
	key       string
	limitType ratelimit.LimitType
}

func (co *Coordinator) limitChecks(req Request) []limitCheck {
	clientID := req.Identity.ClientID
	checks := []limitCheck{
		{key: "all", limitType: ratelimit.LimitGlobal},
		{key: clientID, limitType: ratelimit.LimitPerSession},
		{key: clientID, limitType: ratelimit.LimitPerSessionHourly},
		{key: clientID + ":" + req.Endpoint, limitType: ratelimit.LimitPerEndpoint},
	}
	if fingerprint.IsTitleGeneration(req.Endpoint) {
		checks = append(checks, limitCheck{key: clientID, limitType: ratelimit.LimitTitleGeneration})
	}
	return checks
}

// Completion carries the response-side observations.
type Completion struct {
	StatusCode int
	Latency    time.Duration
	Body       []byte // response body, for opt-in dedup caching
	Replayed   bool   // served from the dedup layer, not the upstream
}

// OnResponse feeds the completed request back into the learning
// components.
func (co *Coordinator) OnResponse(ctx context.Context, req Request, decision Decision, done Completion) {
	co.inflight.Add(-1)
	if done.StatusCode >= 500 {
		co.errors5m.add(time.Now())
	}

	clientID := req.Identity.ClientID

	if co.settings.Behavior.Enabled {
		co.analyzer.Analyze(clientID, behavior.RequestInfo{
			Endpoint:     req.Endpoint,
			Method:       req.Method,
			StatusCode:   done.StatusCode,
			ResponseTime: done.Latency,
			PayloadSize:  req.PayloadSize,
		})
	}

	// Replayed duplicates are instant 200s the upstream never served;
	// rewarding them would let duplicate spam farm reputation.
	if co.settings.Reputation.Enabled && !done.Replayed {
		switch {
		case done.StatusCode >= 500:
			_, err := co.repute.RecordImpact(ctx, clientID, -5, reputation.ComponentReliability, "server_error")
			co.noteReputationErr(err)
		case done.StatusCode >= 400:
			_, err := co.repute.RecordImpact(ctx, clientID, -2, reputation.ComponentCompliance, "client_error")
			co.noteReputationErr(err)
		case done.StatusCode == 200 && done.Latency < fastResponse:
			_, err := co.repute.RecordPositive(ctx, clientID, reputation.PositiveEfficiency)
			co.noteReputationErr(err)
		}
	}

	if co.settings.Anomaly.Enabled && decision.Prediction != "" && decision.WasAnomalous && !done.Replayed {
		switch {
		case done.StatusCode >= 500:
			co.detector.RecordFeedback(decision.Prediction, anomaly.TruePositive)
		case done.StatusCode == 200:
			co.detector.RecordFeedback(decision.Prediction, anomaly.FalsePositive)
		}
	}

	if co.settings.Breakers.Enabled {
		co.breakers.RecordResult(req.Endpoint, done.StatusCode < 500, done.Latency)
	}

	if done.StatusCode == 200 && !done.Replayed && decision.Dedup != nil && decision.Dedup.Fingerprint != "" {
		co.dedup.StoreResponse(ctx, decision.Dedup.Fingerprint, req.Endpoint, done.Body)
	}
}

func (co *Coordinator) noteReputationErr(err error) {
	if err != nil {
		metrics.ComponentErrors.WithLabelValues("reputation").Inc()
	}
}

func (co *Coordinator) bypassed(req Request) bool {
	for _, h := range co.settings.BypassHeaders {
		if vals, ok := req.Headers[h]; ok && len(vals) > 0 {
			return true
		}
	}
	return false
}

// loadFactor is the in-flight request share of capacity, in [0,1).
func (co *Coordinator) loadFactor() float64 {
	lf := float64(co.inflight.Load()) / maxConcurrent
	if lf > 0.95 {
		lf = 0.95
	}
	if lf < 0 {
		lf = 0
	}
	return lf
}

func combineConfidence(behaviorConfidence float64, anomalyRan, reputationRan bool) float64 {
	conf := 0.4 * behaviorConfidence
	if anomalyRan {
		conf += 0.3
	}
	if reputationRan {
		conf += 0.3
	}
	return conf
}

func correlationID(ctx context.Context) string {
	if id := observability.CorrelationIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func asProtectionError(err error, correlationID string) *pkgerrors.ProtectionError {
	if perr, ok := err.(*pkgerrors.ProtectionError); ok {
		perr.CorrelationID = correlationID
		return perr
	}
	perr := pkgerrors.NewInternalError("coordinator", "unexpected protection failure")
	perr.CorrelationID = correlationID
	return perr
}

// requestWindow is a coarse 5-minute error counter for health scoring.
type requestWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func (w *requestWindow) add(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, t)
	w.pruneLocked(t)
}

func (w *requestWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.times)
}

func (w *requestWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	w.times = w.times[i:]
}
