package behavior

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// emaAlpha is the smoothing factor for per-pattern moving averages.
	emaAlpha = 0.1

	// timingWindow is how many recent timestamps feed interval stats.
	timingWindow = 10

	// recentWindow bounds the recent-request ring used for frequency
	// and error-rate anomaly checks.
	recentWindow = 20

	// vectorLimit bounds the stored behavior vector sequence;
	// vectorKeep is how many survive an overflow.
	vectorLimit = 100
	vectorKeep  = 50

	// burstInterval is the gap under which two requests count as part
	// of a burst.
	burstInterval = 2 * time.Second

	// frequencyWindow is the rolling window for the request-frequency
	// feature and the FREQUENCY anomaly trigger.
	frequencyWindow = 5 * time.Minute
)

// RequestInfo carries the per-request observations the analyzer
// consumes.
type RequestInfo struct {
	Endpoint     string
	Method       string
	StatusCode   int
	ResponseTime time.Duration
	PayloadSize  int
}

// RequestPattern is the EMA-smoothed shape of one (endpoint, method)
// pair.
type RequestPattern struct {
	Endpoint        string
	Method          string
	Count           int64
	AvgResponseTime float64 // seconds
	AvgPayloadSize  float64 // bytes
	ErrorRate       float64
}

// TimingStats summarizes inter-request intervals over the timing
// window.
type TimingStats struct {
	AvgInterval    float64 // seconds
	IntervalStddev float64 // seconds
	PeakHours      []int
	BurstFrequency float64 // bursts per hour equivalent
}

// ErrorPattern aggregates one HTTP error class for a session.
type ErrorPattern struct {
	Code      string // e.g. HTTP_429
	Count     int64
	FirstSeen time.Time
	LastSeen  time.Time
	Endpoints map[string]struct{}
}

// Vector is the 7-feature behavior vector handed to the anomaly
// detector.
type Vector struct {
	ResponseTime      float64 `json:"response_time"`
	PayloadSize       float64 `json:"payload_size"`
	AvgInterval       float64 `json:"avg_interval"`
	IntervalStddev    float64 `json:"interval_stddev"`
	RequestFrequency  float64 `json:"request_frequency"`
	ErrorRate         float64 `json:"error_rate"`
	EndpointDiversity float64 `json:"endpoint_diversity"`
}

// Features returns the vector in canonical feature order.
func (v Vector) Features() []float64 {
	return []float64{
		v.ResponseTime,
		v.PayloadSize,
		v.AvgInterval,
		v.IntervalStddev,
		v.RequestFrequency,
		v.ErrorRate,
		v.EndpointDiversity,
	}
}

// recentRequest is one entry in the rolling recent-request ring.
type recentRequest struct {
	at       time.Time
	endpoint string
	isError  bool
}

// Profile is the mutable per-session behavioral state.
type Profile struct {
	mu sync.Mutex

	SessionID     string
	CreatedAt     time.Time
	LastSeen      time.Time
	TotalRequests int64

	patterns   map[string]*RequestPattern
	errors     map[string]*ErrorPattern
	timestamps []time.Time // last timingWindow request times
	window     []time.Time // rolling frequency window
	recent     []recentRequest
	hourCounts [24]int64
	vectors    []Vector
}

func newProfile(sessionID string, now time.Time) *Profile {
	return &Profile{
		SessionID: sessionID,
		CreatedAt: now,
		LastSeen:  now,
		patterns:  make(map[string]*RequestPattern),
		errors:    make(map[string]*ErrorPattern),
	}
}

func patternKey(method, endpoint string) string {
	return strings.ToUpper(method) + " " + endpoint
}

// record folds one request into the profile and returns the fresh
// behavior vector. Caller does not hold the profile lock.
func (p *Profile) record(req RequestInfo, now time.Time) Vector {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.TotalRequests++
	p.LastSeen = now
	p.hourCounts[now.Hour()]++

	isError := req.StatusCode >= 400

	// Request pattern EMA update.
	key := patternKey(req.Method, req.Endpoint)
	pat, ok := p.patterns[key]
	if !ok {
		pat = &RequestPattern{
			Endpoint:        req.Endpoint,
			Method:          strings.ToUpper(req.Method),
			AvgResponseTime: req.ResponseTime.Seconds(),
			AvgPayloadSize:  float64(req.PayloadSize),
		}
		if isError {
			pat.ErrorRate = 1
		}
		p.patterns[key] = pat
	} else {
		pat.AvgResponseTime = ema(pat.AvgResponseTime, req.ResponseTime.Seconds())
		pat.AvgPayloadSize = ema(pat.AvgPayloadSize, float64(req.PayloadSize))
		errVal := 0.0
		if isError {
			errVal = 1
		}
		pat.ErrorRate = ema(pat.ErrorRate, errVal)
	}
	pat.Count++

	// Error grouping.
	if isError {
		code := errorCode(req.StatusCode)
		ep, ok := p.errors[code]
		if !ok {
			ep = &ErrorPattern{
				Code:      code,
				FirstSeen: now,
				Endpoints: make(map[string]struct{}),
			}
			p.errors[code] = ep
		}
		ep.Count++
		ep.LastSeen = now
		ep.Endpoints[req.Endpoint] = struct{}{}
	}

	// Timing window.
	p.timestamps = append(p.timestamps, now)
	if len(p.timestamps) > timingWindow {
		p.timestamps = p.timestamps[len(p.timestamps)-timingWindow:]
	}

	// Recent ring.
	p.recent = append(p.recent, recentRequest{at: now, endpoint: req.Endpoint, isError: isError})
	if len(p.recent) > recentWindow {
		p.recent = p.recent[len(p.recent)-recentWindow:]
	}

	// Rolling frequency window.
	p.window = append(p.window, now)
	for len(p.window) > 0 && now.Sub(p.window[0]) > frequencyWindow {
		p.window = p.window[1:]
	}

	vec := p.vectorLocked(req, now)
	p.vectors = append(p.vectors, vec)
	if len(p.vectors) > vectorLimit {
		p.vectors = p.vectors[len(p.vectors)-vectorKeep:]
	}
	return vec
}

func ema(prev, sample float64) float64 {
	return prev*(1-emaAlpha) + sample*emaAlpha
}

func errorCode(status int) string {
	return "HTTP_" + strconv.Itoa(status)
}

// timingLocked computes interval statistics from the timing window.
func (p *Profile) timingLocked() TimingStats {
	ts := TimingStats{PeakHours: p.peakHoursLocked()}

	if len(p.timestamps) < 2 {
		return ts
	}
	intervals := make([]float64, 0, len(p.timestamps)-1)
	bursts := 0
	for i := 1; i < len(p.timestamps); i++ {
		gap := p.timestamps[i].Sub(p.timestamps[i-1])
		intervals = append(intervals, gap.Seconds())
		if gap < burstInterval {
			bursts++
		}
	}

	ts.AvgInterval = mean(intervals)
	ts.IntervalStddev = stddev(intervals, ts.AvgInterval)
	ts.BurstFrequency = float64(bursts) / float64(len(intervals)) * 60
	return ts
}

func (p *Profile) peakHoursLocked() []int {
	var max int64
	for _, c := range p.hourCounts {
		if c > max {
			max = c
		}
	}
	if max == 0 {
		return nil
	}
	var peaks []int
	for hour, c := range p.hourCounts {
		if c == max {
			peaks = append(peaks, hour)
		}
	}
	sort.Ints(peaks)
	return peaks
}

// vectorLocked builds the 7-feature vector for the current request.
func (p *Profile) vectorLocked(req RequestInfo, now time.Time) Vector {
	timing := p.timingLocked()

	errVal := 0.0
	if req.StatusCode >= 400 {
		errVal = 1
	}

	return Vector{
		ResponseTime:      req.ResponseTime.Seconds(),
		PayloadSize:       float64(req.PayloadSize),
		AvgInterval:       timing.AvgInterval,
		IntervalStddev:    timing.IntervalStddev,
		RequestFrequency:  float64(p.countRecentLocked(now, frequencyWindow)),
		ErrorRate:         errVal,
		EndpointDiversity: float64(len(p.patterns)),
	}
}

// countRecentLocked counts requests inside the rolling frequency
// window.
func (p *Profile) countRecentLocked(now time.Time, window time.Duration) int {
	n := 0
	for _, ts := range p.window {
		if now.Sub(ts) <= window {
			n++
		}
	}
	return n
}

func (p *Profile) recentErrorRateLocked() float64 {
	if len(p.recent) == 0 {
		return 0
	}
	errs := 0
	for _, r := range p.recent {
		if r.isError {
			errs++
		}
	}
	return float64(errs) / float64(len(p.recent))
}

// endpointShiftLocked returns the largest percentage-point gap between
// an endpoint's share of recent traffic and its lifetime share.
func (p *Profile) endpointShiftLocked() float64 {
	if len(p.recent) < recentWindow || p.TotalRequests == 0 {
		return 0
	}

	recentShare := make(map[string]float64)
	for _, r := range p.recent {
		recentShare[r.endpoint] += 1.0 / float64(len(p.recent))
	}

	lifetime := make(map[string]float64)
	for _, pat := range p.patterns {
		lifetime[pat.Endpoint] += float64(pat.Count) / float64(p.TotalRequests)
	}

	var maxShift float64
	for ep, share := range recentShare {
		if shift := math.Abs(share - lifetime[ep]); shift > maxShift {
			maxShift = shift
		}
	}
	return maxShift
}

// LatestVector returns the most recent behavior vector, if any.
func (p *Profile) LatestVector() (Vector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.vectors) == 0 {
		return Vector{}, false
	}
	return p.vectors[len(p.vectors)-1], true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, mu float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
