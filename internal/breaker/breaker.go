// Package breaker implements per-endpoint circuit breakers with
// adaptive thresholds, predictive throttling, and reputation-aware
// admission.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/metrics"
	"github.com/opsmux/guardrail/internal/reputation"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Verdict is an admission outcome.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictThrottle Verdict = "THROTTLE"
)

// Decision is one admission decision with its context.
type Decision struct {
	Verdict    Verdict            `json:"verdict"`
	Reason     string             `json:"reason"`
	Confidence float64            `json:"confidence"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// SystemMetrics is the coordinator's view of process health, consumed
// by the adaptive threshold adjustment.
type SystemMetrics struct {
	CPUPercent         float64
	MemoryPercent      float64
	ErrorRate          float64
	OverallHealthScore float64 // [0,1]
}

const (
	historyLimit     = 1_000
	predictiveWindow = 5 * time.Minute
	halfOpenWindow   = 30 * time.Second

	highLoadFactor = 0.7

	baseResponseThreshold = 5 * time.Second
	baseErrorThreshold    = 0.5
)

type sample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// Breaker guards one endpoint.
type Breaker struct {
	endpoint string
	cfg      config.BreakerSettings
	logger   *slog.Logger

	mu                  sync.Mutex
	state               State
	failures            int // consecutive, CLOSED state
	halfOpenSuccesses   int
	halfOpenAdmitted    int
	halfOpenWindowStart time.Time
	openedAt            time.Time
	history             []sample

	// Adaptive thresholds, adjusted from system health.
	failureThreshold  int
	responseThreshold time.Duration
	errorThreshold    float64

	onStateChange func(endpoint string, from, to State)

	now func() time.Time
}

func newBreaker(endpoint string, cfg config.BreakerSettings, logger *slog.Logger, onChange func(string, State, State), now func() time.Time) *Breaker {
	return &Breaker{
		endpoint:          endpoint,
		cfg:               cfg,
		logger:            logger,
		state:             StateClosed,
		failureThreshold:  cfg.FailureThreshold,
		responseThreshold: baseResponseThreshold,
		errorThreshold:    baseErrorThreshold,
		onStateChange:     onChange,
		now:               now,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionLocked changes state and returns the callback to fire
// after the lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	now := b.now()

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.halfOpenAdmitted = 0
		b.halfOpenWindowStart = now
	case StateClosed:
		b.failures = 0
	}

	metrics.CircuitBreakerState.WithLabelValues(b.endpoint).Set(stateGauge(to))
	metrics.CircuitTransitions.WithLabelValues(b.endpoint, string(from), string(to)).Inc()
	b.logger.Info("circuit state transition",
		"endpoint", b.endpoint, "from", from, "to", to)

	cb := b.onStateChange
	if cb == nil {
		return nil
	}
	endpoint := b.endpoint
	return func() { cb(endpoint, from, to) }
}

func stateGauge(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Admit decides whether a request may pass based on circuit state
// alone.
func (b *Breaker) Admit() Decision {
	var fire func()
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			fire = b.transitionLocked(StateHalfOpen)
		} else {
			retry := b.cfg.OpenTimeout - b.now().Sub(b.openedAt)
			b.mu.Unlock()
			return Decision{
				Verdict:    VerdictDeny,
				Reason:     "circuit_open",
				Confidence: 1,
				Metadata:   map[string]any{"retry_after": retry},
			}
		}
	}

	if b.state == StateHalfOpen {
		now := b.now()
		if now.Sub(b.halfOpenWindowStart) > halfOpenWindow {
			b.halfOpenWindowStart = now
			b.halfOpenAdmitted = 0
		}
		if b.halfOpenAdmitted >= b.cfg.MinTestRequests {
			b.mu.Unlock()
			if fire != nil {
				fire()
			}
			return Decision{
				Verdict:    VerdictThrottle,
				Reason:     "circuit_half_open_probe_budget_exhausted",
				Confidence: 0.9,
			}
		}
		b.halfOpenAdmitted++
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
	return Decision{Verdict: VerdictAllow, Reason: "circuit_closed", Confidence: 1}
}

// RecordResult feeds one request outcome into the circuit.
func (b *Breaker) RecordResult(success bool, duration time.Duration) {
	var fire func()
	b.mu.Lock()

	now := b.now()
	b.history = append(b.history, sample{at: now, duration: duration, success: success})
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.failureThreshold {
				fire = b.transitionLocked(StateOpen)
			}
		}
	case StateHalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				fire = b.transitionLocked(StateClosed)
			}
		} else {
			fire = b.transitionLocked(StateOpen)
		}
	}

	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// predictiveRisk estimates failure risk from the recent response
// history. Returns risk and confidence, both in [0,1].
func (b *Breaker) predictiveRisk() (float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-predictiveWindow)
	var recent []sample
	for _, s := range b.history {
		if s.at.After(cutoff) {
			recent = append(recent, s)
		}
	}
	if len(recent) < 10 {
		return 0, 0
	}

	risk := 0.0

	// Rising response-time trend.
	half := len(recent) / 2
	firstMean := meanDuration(recent[:half])
	secondMean := meanDuration(recent[half:])
	if firstMean > 0 && float64(secondMean) > 1.2*float64(firstMean) {
		risk += 0.3
	}

	// Failure rate in the window.
	failures := 0
	for _, s := range recent {
		if !s.success {
			failures++
		}
	}
	if rate := float64(failures) / float64(len(recent)); rate > b.errorThreshold/2 {
		risk += 0.3
	}

	// Slow responses against the adaptive threshold.
	if secondMean > b.responseThreshold {
		risk += 0.2
	}

	// Consecutive trailing failures.
	streak := 0
	for i := len(recent) - 1; i >= 0 && !recent[i].success; i-- {
		streak++
	}
	if streak >= 3 {
		risk += 0.2
	}

	confidence := float64(len(recent)) / 50
	if confidence > 1 {
		confidence = 1
	}
	return risk, confidence
}

func meanDuration(xs []sample) time.Duration {
	if len(xs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range xs {
		sum += s.duration
	}
	return sum / time.Duration(len(xs))
}

// adjustThresholds retunes adaptive limits from system health.
func (b *Breaker) adjustThresholds(sys SystemMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.cfg.FailureThreshold
	switch {
	case sys.OverallHealthScore < 0.5:
		b.failureThreshold = maxInt(1, base/2)
	case sys.OverallHealthScore > 0.8:
		b.failureThreshold = base * 2
	default:
		b.failureThreshold = base
	}

	// Busier hosts are allowed slower responses before the predictor
	// flags them.
	scale := 1 + (sys.CPUPercent+sys.MemoryPercent)/200
	b.responseThreshold = time.Duration(float64(baseResponseThreshold) * scale)

	if sys.ErrorRate > 0.3 {
		b.errorThreshold = baseErrorThreshold * 1.5
	} else {
		b.errorThreshold = baseErrorThreshold
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Manager owns the per-endpoint breakers.
type Manager struct {
	cfg    config.BreakerSettings
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker

	onStateChange func(endpoint string, from, to State)

	now func() time.Time
}

// NewManager creates a breaker Manager.
func NewManager(cfg config.BreakerSettings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
		now:      time.Now,
	}
}

// OnStateChange registers a callback fired after each transition,
// outside breaker locks. Must be set before traffic flows.
func (m *Manager) OnStateChange(fn func(endpoint string, from, to State)) {
	m.onStateChange = fn
}

// Breaker returns the endpoint's breaker, creating it on first use.
func (m *Manager) Breaker(endpoint string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[endpoint]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[endpoint]; ok {
		return b
	}
	b = newBreaker(endpoint, m.cfg, m.logger, m.onStateChange, m.now)
	m.breakers[endpoint] = b
	return b
}

// Decide combines circuit state, predictive risk, and reputation for
// one admission decision.
func (m *Manager) Decide(endpoint string, tier reputation.Tier, loadFactor float64) Decision {
	if !m.cfg.Enabled {
		return Decision{Verdict: VerdictAllow, Reason: "breakers_disabled", Confidence: 1}
	}

	// Blocked clients never pass, whatever the circuit says.
	if tier == reputation.TierBlocked {
		return Decision{Verdict: VerdictDeny, Reason: "reputation_blocked", Confidence: 1}
	}

	b := m.Breaker(endpoint)
	decision := b.Admit()
	if decision.Verdict != VerdictAllow {
		return decision
	}

	// Soft throttles: trusted clients bypass them.
	if tier == reputation.TierTrusted {
		return decision
	}

	if risk, confidence := b.predictiveRisk(); risk > 0.8 && confidence > 0.7 {
		return Decision{
			Verdict:    VerdictThrottle,
			Reason:     "predicted_failure_risk",
			Confidence: confidence,
			Metadata:   map[string]any{"risk": risk},
		}
	}

	if tier == reputation.TierSuspicious && loadFactor > highLoadFactor {
		return Decision{
			Verdict:    VerdictThrottle,
			Reason:     "suspicious_client_under_load",
			Confidence: 0.8,
			Metadata:   map[string]any{"load_factor": loadFactor},
		}
	}

	return decision
}

// RecordResult feeds a request outcome to the endpoint's breaker.
func (m *Manager) RecordResult(endpoint string, success bool, duration time.Duration) {
	m.Breaker(endpoint).RecordResult(success, duration)
}

// AdjustThresholds retunes every breaker from current system health.
// Driven by the coordinator's monitoring loop.
func (m *Manager) AdjustThresholds(sys SystemMetrics) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.adjustThresholds(sys)
	}
}

// States returns a snapshot of every breaker's state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for ep, b := range m.breakers {
		out[ep] = b.State()
	}
	return out
}
