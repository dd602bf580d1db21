package behavior

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests control inter-request intervals.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAnalyzer() (*Analyzer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)}
	a := NewAnalyzer(nil)
	a.now = clock.now
	return a, clock
}

func okRequest() RequestInfo {
	return RequestInfo{
		Endpoint:     "/api/v1/agent/query",
		Method:       "POST",
		StatusCode:   200,
		ResponseTime: 500 * time.Millisecond,
		PayloadSize:  512,
	}
}

func TestNormalTrafficScoresLowRisk(t *testing.T) {
	a, clock := newTestAnalyzer()

	var score Score
	for i := 0; i < 25; i++ {
		clock.advance(30 * time.Second)
		score, _ = a.Analyze("sess-normal", okRequest())
	}

	assert.GreaterOrEqual(t, score.Score, 0.8)
	assert.Equal(t, RiskLow, score.RiskLevel)
	assert.Equal(t, 1.0, score.Confidence)
	assert.NotEmpty(t, score.PositiveIndicators)
}

func TestBurstTrafficPenalized(t *testing.T) {
	a, clock := newTestAnalyzer()

	var score Score
	for i := 0; i < 15; i++ {
		clock.advance(200 * time.Millisecond)
		score, _ = a.Analyze("sess-burst", okRequest())
	}

	assert.Less(t, score.Score, 0.8)
	assert.NotEmpty(t, score.RiskFactors)
}

func TestErrorHeavySessionDegrades(t *testing.T) {
	a, clock := newTestAnalyzer()

	req := okRequest()
	req.StatusCode = 500
	var score Score
	for i := 0; i < 25; i++ {
		clock.advance(30 * time.Second)
		score, _ = a.Analyze("sess-errors", req)
	}

	assert.Less(t, score.Score, 0.6)
	assert.NotEqual(t, RiskLow, score.RiskLevel)
	assert.NotEmpty(t, score.RiskFactors)
}

func TestConfidenceGrowsWithHistory(t *testing.T) {
	a, clock := newTestAnalyzer()

	clock.advance(time.Minute)
	score, _ := a.Analyze("sess-new", okRequest())
	assert.InDelta(t, 0.05, score.Confidence, 0.001)

	for i := 0; i < 9; i++ {
		clock.advance(time.Minute)
		score, _ = a.Analyze("sess-new", okRequest())
	}
	assert.InDelta(t, 0.5, score.Confidence, 0.001)
}

func TestFrequencyAnomaly(t *testing.T) {
	a, clock := newTestAnalyzer()

	var anomalies []TemporalAnomaly
	for i := 0; i < 25; i++ {
		clock.advance(3 * time.Second)
		_, anomalies = a.Analyze("sess-freq", okRequest())
	}

	var freq, timing bool
	for _, an := range anomalies {
		switch an.Type {
		case AnomalyFrequency:
			freq = true
			assert.Greater(t, an.Severity, 0.5)
		case AnomalyTiming:
			timing = true
		}
	}
	assert.True(t, freq, "25 requests in 75s must raise a FREQUENCY anomaly")
	assert.True(t, timing, "metronomic cadence must raise a TIMING anomaly")
}

func TestSequenceAnomalyOnErrorSpike(t *testing.T) {
	a, clock := newTestAnalyzer()

	var anomalies []TemporalAnomaly
	for i := 0; i < 25; i++ {
		clock.advance(time.Minute)
		req := okRequest()
		if i%3 == 0 { // ~33% errors
			req.StatusCode = 429
		}
		_, anomalies = a.Analyze("sess-seq", req)
	}

	found := false
	for _, an := range anomalies {
		if an.Type == AnomalySequence {
			found = true
		}
	}
	assert.True(t, found, "error spike must raise a SEQUENCE anomaly")
}

func TestVectorShape(t *testing.T) {
	a, clock := newTestAnalyzer()

	clock.advance(time.Minute)
	score, _ := a.Analyze("sess-vec", okRequest())

	features := score.Vector.Features()
	require.Len(t, features, 7)
	assert.InDelta(t, 0.5, features[0], 0.001)  // response time seconds
	assert.InDelta(t, 512, features[1], 0.001)  // payload bytes
	assert.InDelta(t, 1, features[6], 0.001)    // endpoint diversity
}

func TestVectorSequenceBounded(t *testing.T) {
	a, clock := newTestAnalyzer()

	for i := 0; i < vectorLimit+10; i++ {
		clock.advance(time.Second)
		a.Analyze("sess-bound", okRequest())
	}

	p := a.Profile("sess-bound")
	p.mu.Lock()
	n := len(p.vectors)
	p.mu.Unlock()
	assert.LessOrEqual(t, n, vectorLimit)
	assert.GreaterOrEqual(t, n, vectorKeep)
}

func TestErrorGrouping(t *testing.T) {
	a, clock := newTestAnalyzer()

	for _, status := range []int{429, 429, 500} {
		clock.advance(time.Minute)
		req := okRequest()
		req.StatusCode = status
		a.Analyze("sess-group", req)
	}

	p := a.Profile("sess-group")
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Contains(t, p.errors, "HTTP_429")
	require.Contains(t, p.errors, "HTTP_500")
	assert.Equal(t, int64(2), p.errors["HTTP_429"].Count)
	assert.Contains(t, p.errors["HTTP_429"].Endpoints, "/api/v1/agent/query")
}

func TestPruneInactive(t *testing.T) {
	a, clock := newTestAnalyzer()

	a.Analyze("sess-old", okRequest())
	clock.advance(8 * 24 * time.Hour)
	a.Analyze("sess-fresh", okRequest())

	removed := a.PruneInactive(7 * 24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, a.ProfileCount())

	_, ok := a.LatestVector("sess-old")
	assert.False(t, ok)
}

func TestSessionsIndependent(t *testing.T) {
	a, clock := newTestAnalyzer()

	for i := 0; i < 20; i++ {
		clock.advance(100 * time.Millisecond)
		a.Analyze("sess-bot", okRequest())
	}
	clock.advance(time.Minute)
	calm, _ := a.Analyze("sess-calm", okRequest())

	bot, _ := a.Analyze("sess-bot", okRequest())
	assert.Greater(t, calm.Score, bot.Score)
}

func TestManySessionsSharded(t *testing.T) {
	a, clock := newTestAnalyzer()

	for i := 0; i < 100; i++ {
		clock.advance(time.Second)
		a.Analyze(fmt.Sprintf("sess-%d", i), okRequest())
	}
	assert.Equal(t, 100, a.ProfileCount())
}
