// Package reputation maintains long-lived per-client trust scores
// with severity-weighted penalties, diminishing returns, and daily
// decay toward recovery.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/opsmux/guardrail/internal/metrics"
	"github.com/opsmux/guardrail/internal/store"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityPenalty = map[Severity]float64{
	SeverityLow:      -5,
	SeverityMedium:   -15,
	SeverityHigh:     -30,
	SeverityCritical: -50,
}

// PositiveKind names a rewarded behavior.
type PositiveKind string

const (
	PositiveCompliance   PositiveKind = "compliance"
	PositiveEfficiency   PositiveKind = "efficiency"
	PositiveGoodBehavior PositiveKind = "good_behavior"
)

var positiveReward = map[PositiveKind]float64{
	PositiveCompliance:   2,
	PositiveEfficiency:   1,
	PositiveGoodBehavior: 3,
}

// Component names which trust dimension an event touches.
type Component string

const (
	ComponentCompliance  Component = "compliance"
	ComponentEfficiency  Component = "efficiency"
	ComponentStability   Component = "stability"
	ComponentReliability Component = "reliability"
)

// Tier is a reputation access tier.
type Tier string

const (
	TierTrusted    Tier = "TRUSTED"
	TierNormal     Tier = "NORMAL"
	TierSuspicious Tier = "SUSPICIOUS"
	TierRestricted Tier = "RESTRICTED"
	TierBlocked    Tier = "BLOCKED"
)

// Trend describes recent score direction.
type Trend string

const (
	TrendImproving Trend = "IMPROVING"
	TrendDeclining Trend = "DECLINING"
	TrendVolatile  Trend = "VOLATILE"
	TrendStable    Trend = "STABLE"
)

const (
	schemaVersion = 1

	initialScore = 70.0
	decayRate    = 0.05

	persistTTL = 30 * 24 * time.Hour
	cacheTTL   = 15 * time.Minute

	eventHistory = 20
	trendWindow  = 10
)

// Event is one recorded reputation impact.
type Event struct {
	At     time.Time `json:"at"`
	Impact float64   `json:"impact"`
	Reason string    `json:"reason,omitempty"`
}

// Score is a client's persisted reputation state. Scores live in
// [0,100].
type Score struct {
	SchemaVersion int     `json:"schema_version"`
	ClientID      string  `json:"client_id"`
	Overall       float64 `json:"overall"`

	Compliance  float64 `json:"compliance"`
	Efficiency  float64 `json:"efficiency"`
	Stability   float64 `json:"stability"`
	Reliability float64 `json:"reliability"`

	ViolationCount int64     `json:"violation_count"`
	Events         []Event   `json:"events,omitempty"`
	Trend          Trend     `json:"trend"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AccessLevel is the privilege bundle derived from a reputation tier.
type AccessLevel struct {
	Tier           Tier     `json:"tier"`
	RateMultiplier float64  `json:"rate_multiplier"`
	Priority       int      `json:"priority"`
	Restrictions   []string `json:"restrictions,omitempty"`
}

// Engine loads, updates, and persists reputation scores.
type Engine struct {
	store  store.Store
	cache  *gocache.Cache
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

func (e *Engine) lockFor(clientID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[clientID] = l
	}
	return l
}

func storeKey(clientID string) string {
	return "reputation:" + clientID
}

// Get returns the client's reputation, applying any pending decay.
// Unknown clients start at the initial score. The returned Score is a
// private copy; later updates never mutate it.
func (e *Engine) Get(ctx context.Context, clientID string) (*Score, error) {
	lock := e.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	score, err := e.get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return cloneScore(score), nil
}

// cloneScore copies a score so callers never share the cached instance
// the engine mutates under its per-client lock.
func cloneScore(s *Score) *Score {
	out := *s
	if len(s.Events) > 0 {
		out.Events = make([]Event, len(s.Events))
		copy(out.Events, s.Events)
	}
	return &out
}

// get loads a score; caller holds the client's lock.
func (e *Engine) get(ctx context.Context, clientID string) (*Score, error) {
	if cached, ok := e.cache.Get(clientID); ok {
		score := cached.(*Score)
		if applyDecay(score, e.now()) {
			// Decay changed the score; persist the recovered value.
			_ = e.persist(ctx, score)
		}
		return score, nil
	}

	raw, err := e.store.Get(ctx, storeKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("load reputation for %s: %w", clientID, err)
	}

	var score *Score
	if raw == nil {
		score = newScore(clientID, e.now())
	} else {
		score = &Score{}
		if err := json.Unmarshal(raw, score); err != nil || score.SchemaVersion != schemaVersion {
			e.logger.Warn("discarding unreadable reputation record", "client_id", clientID, "error", err)
			score = newScore(clientID, e.now())
		}
	}

	applyDecay(score, e.now())
	e.cache.Set(clientID, score, cacheTTL)
	return score, nil
}

func newScore(clientID string, now time.Time) *Score {
	return &Score{
		SchemaVersion: schemaVersion,
		ClientID:      clientID,
		Overall:       initialScore,
		Compliance:    initialScore,
		Efficiency:    initialScore,
		Stability:     initialScore,
		Reliability:   initialScore,
		Trend:         TrendStable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RecordViolation applies a severity-graded penalty with diminishing
// returns as violations repeat.
func (e *Engine) RecordViolation(ctx context.Context, clientID string, severity Severity, component Component, reason string) (*Score, error) {
	penalty := severityPenalty[severity]
	return e.apply(ctx, clientID, component, reason, func(s *Score) float64 {
		s.ViolationCount++
		return penalty / (1 + 0.1*float64(s.ViolationCount))
	})
}

// RecordPositive applies a reward with diminishing returns as recent
// positives accumulate.
func (e *Engine) RecordPositive(ctx context.Context, clientID string, kind PositiveKind) (*Score, error) {
	reward := positiveReward[kind]
	component := ComponentCompliance
	switch kind {
	case PositiveEfficiency:
		component = ComponentEfficiency
	case PositiveGoodBehavior:
		component = ComponentStability
	}
	return e.apply(ctx, clientID, component, string(kind), func(s *Score) float64 {
		return reward / (1 + 0.05*float64(recentPositives(s)))
	})
}

// RecordImpact applies a raw impact value, used for response-outcome
// feedback.
func (e *Engine) RecordImpact(ctx context.Context, clientID string, impact float64, component Component, reason string) (*Score, error) {
	return e.apply(ctx, clientID, component, reason, func(*Score) float64 { return impact })
}

// apply serializes per-client updates, applies decay then the event
// impact, persists, and refreshes the cache after persist succeeds.
func (e *Engine) apply(ctx context.Context, clientID string, component Component, reason string, impactFn func(*Score) float64) (*Score, error) {
	lock := e.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	score, err := e.get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	applyDecay(score, now)

	impact := impactFn(score)
	applyImpact(score, component, impact)

	score.Events = append(score.Events, Event{At: now, Impact: impact, Reason: reason})
	if len(score.Events) > eventHistory {
		score.Events = score.Events[len(score.Events)-eventHistory:]
	}
	score.Trend = computeTrend(score.Events)
	score.UpdatedAt = now

	e.cache.Delete(clientID)
	if err := e.persist(ctx, score); err != nil {
		return cloneScore(score), err
	}
	e.cache.Set(clientID, score, cacheTTL)

	metrics.ReputationLevel.WithLabelValues(string(Level(score.Overall).Tier)).Inc()
	return cloneScore(score), nil
}

func (e *Engine) persist(ctx context.Context, score *Score) error {
	data, err := json.Marshal(score)
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, storeKey(score.ClientID), data, persistTTL); err != nil {
		return fmt.Errorf("persist reputation for %s: %w", score.ClientID, err)
	}
	return nil
}

// applyImpact moves the targeted component by the full impact and the
// remaining components by a quarter, then recomputes the weighted
// overall.
func applyImpact(s *Score, component Component, impact float64) {
	apply := func(target Component, current float64) float64 {
		if target == component {
			return clampScore(current + impact)
		}
		return clampScore(current + impact*0.25)
	}
	s.Compliance = apply(ComponentCompliance, s.Compliance)
	s.Efficiency = apply(ComponentEfficiency, s.Efficiency)
	s.Stability = apply(ComponentStability, s.Stability)
	s.Reliability = apply(ComponentReliability, s.Reliability)
	recomputeOverall(s)
}

func recomputeOverall(s *Score) {
	s.Overall = clampScore(
		s.Compliance*0.3 + s.Efficiency*0.2 + s.Stability*0.2 + s.Reliability*0.3,
	)
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// applyDecay adds daily recovery for each full day of inactivity and
// reports whether anything changed.
func applyDecay(s *Score, now time.Time) bool {
	days := int(now.Sub(s.UpdatedAt).Hours() / 24)
	if days <= 0 {
		return false
	}
	for i := 0; i < days; i++ {
		s.Overall += decayRate * (100 - s.Overall)
		s.Compliance += decayRate / 2 * (100 - s.Compliance)
		s.Efficiency += decayRate / 2 * (100 - s.Efficiency)
		s.Stability += decayRate / 2 * (100 - s.Stability)
		s.Reliability += decayRate / 2 * (100 - s.Reliability)
	}
	s.UpdatedAt = now
	return true
}

func recentPositives(s *Score) int {
	n := 0
	for _, ev := range s.Events {
		if ev.Impact > 0 {
			n++
		}
	}
	return n
}

// computeTrend classifies the last few events.
func computeTrend(events []Event) Trend {
	if len(events) == 0 {
		return TrendStable
	}
	window := events
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}

	var pos, neg int
	var impacts []float64
	for _, ev := range window {
		if ev.Impact > 0 {
			pos++
		} else if ev.Impact < 0 {
			neg++
		}
		impacts = append(impacts, ev.Impact)
	}

	switch {
	case neg == 0 && pos > 0, float64(pos) > 1.5*float64(neg) && neg > 0:
		return TrendImproving
	case pos == 0 && neg > 0, float64(neg) > 1.5*float64(pos) && pos > 0:
		return TrendDeclining
	case impactStddev(impacts) > 15:
		return TrendVolatile
	default:
		return TrendStable
	}
}

func impactStddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// Level maps an overall score to its access tier and privileges.
func Level(overall float64) AccessLevel {
	switch {
	case overall >= 90:
		return AccessLevel{Tier: TierTrusted, RateMultiplier: 1.5, Priority: 5}
	case overall >= 70:
		return AccessLevel{Tier: TierNormal, RateMultiplier: 1.0, Priority: 3}
	case overall >= 50:
		return AccessLevel{
			Tier: TierSuspicious, RateMultiplier: 0.7, Priority: 2,
			Restrictions: []string{"enhanced_monitoring"},
		}
	case overall >= 30:
		return AccessLevel{
			Tier: TierRestricted, RateMultiplier: 0.3, Priority: 1,
			Restrictions: []string{"enhanced_monitoring", "limited_endpoints"},
		}
	default:
		return AccessLevel{
			Tier: TierBlocked, RateMultiplier: 0,
			Restrictions: []string{"access_denied"},
		}
	}
}

// PruneLocks drops per-client mutexes for clients absent from the
// cache, bounding the lock map between cleanup ticks.
func (e *Engine) PruneLocks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id := range e.locks {
		if _, ok := e.cache.Get(id); !ok {
			delete(e.locks, id)
			removed++
		}
	}
	return removed
}
