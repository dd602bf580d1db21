// Package behavior builds per-session behavioral profiles and scores
// each request for risk.
package behavior

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opsmux/guardrail/internal/metrics"
)

// RiskLevel buckets an overall behavior score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Temporal anomaly types.
const (
	AnomalyFrequency = "FREQUENCY"
	AnomalyTiming    = "TIMING"
	AnomalyPattern   = "PATTERN"
	AnomalySequence  = "SEQUENCE"
)

// Score is the result of analyzing one request.
type Score struct {
	Score              float64   `json:"score"`
	RiskLevel          RiskLevel `json:"risk_level"`
	Confidence         float64   `json:"confidence"`
	RiskFactors        []string  `json:"risk_factors,omitempty"`
	PositiveIndicators []string  `json:"positive_indicators,omitempty"`
	Vector             Vector    `json:"-"`
}

// TemporalAnomaly describes a suspicious short-term pattern.
type TemporalAnomaly struct {
	Type        string        `json:"type"`
	Severity    float64       `json:"severity"`
	Duration    time.Duration `json:"duration"`
	Description string        `json:"description"`
}

const profileShards = 16

type shard struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// Analyzer maintains session profiles and produces behavior scores.
type Analyzer struct {
	shards [profileShards]*shard
	logger *slog.Logger

	now func() time.Time
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Analyzer{logger: logger, now: time.Now}
	for i := range a.shards {
		a.shards[i] = &shard{profiles: make(map[string]*Profile)}
	}
	return a
}

func (a *Analyzer) shardFor(sessionID string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(sessionID); i++ {
		h ^= uint32(sessionID[i])
		h *= 16777619
	}
	return a.shards[h%profileShards]
}

// Profile returns the session's profile, creating one if needed.
func (a *Analyzer) Profile(sessionID string) *Profile {
	s := a.shardFor(sessionID)

	s.mu.RLock()
	p, ok := s.profiles[sessionID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.profiles[sessionID]; ok {
		return p
	}
	p = newProfile(sessionID, a.now())
	s.profiles[sessionID] = p
	return p
}

// Analyze folds the request into the session profile and returns the
// behavior score plus any temporal anomalies.
func (a *Analyzer) Analyze(sessionID string, req RequestInfo) (Score, []TemporalAnomaly) {
	p := a.Profile(sessionID)
	now := a.now()
	vec := p.record(req, now)

	p.mu.Lock()
	defer p.mu.Unlock()

	score := a.scoreLocked(p)
	score.Vector = vec
	anomalies := a.anomaliesLocked(p, now)
	return score, anomalies
}

// ScoreSession scores the session from its current profile without
// recording a request, for admission-time checks before the outcome
// is known.
func (a *Analyzer) ScoreSession(sessionID string) (Score, []TemporalAnomaly) {
	p := a.Profile(sessionID)

	p.mu.Lock()
	defer p.mu.Unlock()

	score := a.scoreLocked(p)
	if len(p.vectors) > 0 {
		score.Vector = p.vectors[len(p.vectors)-1]
	}
	return score, a.anomaliesLocked(p, a.now())
}

// LatestVector returns the most recent vector for a session, if the
// session has one.
func (a *Analyzer) LatestVector(sessionID string) (Vector, bool) {
	s := a.shardFor(sessionID)
	s.mu.RLock()
	p, ok := s.profiles[sessionID]
	s.mu.RUnlock()
	if !ok {
		return Vector{}, false
	}
	return p.LatestVector()
}

// scoreLocked computes the four sub-scores. Caller holds p.mu.
func (a *Analyzer) scoreLocked(p *Profile) Score {
	var (
		factors  []string
		positive []string
	)

	patternScore := a.patternScoreLocked(p, &factors, &positive)
	timingScore := a.timingScoreLocked(p, &factors, &positive)
	errorScore := a.errorScoreLocked(p, &factors, &positive)

	overall := (patternScore + timingScore + errorScore) / 3

	return Score{
		Score:              overall,
		RiskLevel:          riskLevel(overall),
		Confidence:         math.Min(float64(p.TotalRequests)/20, 1),
		RiskFactors:        factors,
		PositiveIndicators: positive,
	}
}

func (a *Analyzer) patternScoreLocked(p *Profile, factors, positive *[]string) float64 {
	if len(p.patterns) == 0 {
		return 1
	}

	var sum float64
	flaggedErrors := false
	flaggedSlow := false
	for _, pat := range p.patterns {
		s := 1.0
		if pat.ErrorRate > 0.1 {
			s *= 1 - pat.ErrorRate
			flaggedErrors = true
		}
		switch {
		case pat.AvgResponseTime > 5:
			s *= 0.7
			flaggedSlow = true
		case pat.AvgResponseTime > 1:
			s *= 0.9
		}
		sum += s
	}

	if flaggedErrors {
		*factors = append(*factors, "elevated per-endpoint error rate")
	}
	if flaggedSlow {
		*factors = append(*factors, "consistently slow responses")
	}

	score := sum / float64(len(p.patterns))
	if score > 0.9 && p.TotalRequests >= 10 {
		*positive = append(*positive, "stable request patterns")
	}
	return score
}

func (a *Analyzer) timingScoreLocked(p *Profile, factors, positive *[]string) float64 {
	timing := p.timingLocked()
	score := 1.0

	if len(p.timestamps) < 2 {
		return score
	}

	switch {
	case timing.BurstFrequency > 20:
		score *= 0.3
		*factors = append(*factors, "heavy request bursting")
	case timing.BurstFrequency > 10:
		score *= 0.6
		*factors = append(*factors, "frequent request bursts")
	}

	switch {
	case timing.AvgInterval < 1:
		score *= 0.4
		*factors = append(*factors, "sub-second request cadence")
	case timing.AvgInterval < 5:
		score *= 0.7
	}

	if score == 1 && p.TotalRequests >= 10 {
		*positive = append(*positive, "human-paced request timing")
	}
	return score
}

func (a *Analyzer) errorScoreLocked(p *Profile, factors, positive *[]string) float64 {
	var total int64
	for _, ep := range p.errors {
		total += ep.Count
	}
	if total == 0 {
		if p.TotalRequests >= 10 {
			*positive = append(*positive, "no errors observed")
		}
		return 1
	}

	// Linear step-down reaching the 0.2 floor at 20 cumulative errors.
	score := math.Max(0.2, 1-float64(total)*0.04)

	diversityPenalty := math.Min(0.3, 0.1*float64(len(p.errors)-1))
	score = math.Max(0, score-diversityPenalty)

	*factors = append(*factors, fmt.Sprintf("%d errors across %d error classes", total, len(p.errors)))
	return score
}

func riskLevel(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskLow
	case score >= 0.6:
		return RiskMedium
	case score >= 0.4:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// anomaliesLocked evaluates the temporal anomaly triggers. Caller
// holds p.mu.
func (a *Analyzer) anomaliesLocked(p *Profile, now time.Time) []TemporalAnomaly {
	var out []TemporalAnomaly

	if n := p.countRecentLocked(now, 5*time.Minute); n > 20 {
		out = append(out, TemporalAnomaly{
			Type:        AnomalyFrequency,
			Severity:    math.Min(1, float64(n)/40),
			Duration:    5 * time.Minute,
			Description: fmt.Sprintf("%d requests in the last 5 minutes", n),
		})
	}

	timing := p.timingLocked()
	if len(p.timestamps) >= timingWindow && timing.IntervalStddev < 0.1 && timing.AvgInterval < 10 {
		out = append(out, TemporalAnomaly{
			Type:        AnomalyTiming,
			Severity:    0.85,
			Duration:    time.Duration(timing.AvgInterval*float64(timingWindow)) * time.Second,
			Description: fmt.Sprintf("metronomic request timing (interval %.2fs, stddev %.3f)", timing.AvgInterval, timing.IntervalStddev),
		})
	}

	if shift := p.endpointShiftLocked(); shift > 0.30 {
		out = append(out, TemporalAnomaly{
			Type:        AnomalyPattern,
			Severity:    math.Min(1, shift),
			Duration:    5 * time.Minute,
			Description: fmt.Sprintf("endpoint usage shifted by %.0f percentage points", shift*100),
		})
	}

	if rate := p.recentErrorRateLocked(); len(p.recent) >= recentWindow && rate > 0.2 {
		out = append(out, TemporalAnomaly{
			Type:        AnomalySequence,
			Severity:    math.Min(1, rate*2),
			Duration:    5 * time.Minute,
			Description: fmt.Sprintf("%.0f%% of the last %d requests failed", rate*100, recentWindow),
		})
	}

	return out
}

// PruneInactive drops profiles idle longer than maxAge and updates the
// active-profile gauge. Returns the number removed.
func (a *Analyzer) PruneInactive(maxAge time.Duration) int {
	now := a.now()
	removed := 0
	active := 0

	for _, s := range a.shards {
		s.mu.Lock()
		for id, p := range s.profiles {
			p.mu.Lock()
			idle := now.Sub(p.LastSeen)
			p.mu.Unlock()
			if idle > maxAge {
				delete(s.profiles, id)
				removed++
			}
		}
		active += len(s.profiles)
		s.mu.Unlock()
	}

	metrics.ActiveProfiles.Set(float64(active))
	if removed > 0 {
		a.logger.Debug("pruned inactive behavior profiles", "removed", removed, "active", active)
	}
	return removed
}

// ProfileCount returns the number of tracked sessions.
func (a *Analyzer) ProfileCount() int {
	n := 0
	for _, s := range a.shards {
		s.mu.RLock()
		n += len(s.profiles)
		s.mu.RUnlock()
	}
	return n
}
