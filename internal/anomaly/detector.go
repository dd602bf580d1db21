// Package anomaly scores behavior vectors with an ensemble of an
// isolation forest, statistical z-scores, and fast rules, learning
// online from recorded outcomes.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/opsmux/guardrail/internal/behavior"
	"github.com/opsmux/guardrail/internal/metrics"
)

// Feedback outcomes.
const (
	TruePositive  = "true_positive"
	FalsePositive = "false_positive"
	TrueNegative  = "true_negative"
	FalseNegative = "false_negative"
)

const (
	trainingCapacity = 10_000
	feedbackCapacity = 1_000

	retrainAge      = 24 * time.Hour
	minAccuracy     = 0.7
	minTrainSamples = 100

	defaultThreshold = 0.7
	modelVersion     = 1
)

// Result is the outcome of one detection.
type Result struct {
	PredictionID       string             `json:"prediction_id"`
	Overall            float64            `json:"overall"`
	IsAnomalous        bool               `json:"is_anomalous"`
	Types              []string           `json:"types,omitempty"`
	Explanation        string             `json:"explanation"`
	RecommendedActions []string           `json:"recommended_actions"`
	MethodScores       map[string]float64 `json:"method_scores"`
}

type feedbackEntry struct {
	PredictionID string
	Outcome      string
}

// onlineStats keeps running per-feature mean and variance (Welford).
type onlineStats struct {
	N    int64     `json:"n"`
	Mean []float64 `json:"mean"`
	M2   []float64 `json:"m2"`
}

func (s *onlineStats) update(x []float64) {
	if s.Mean == nil {
		s.Mean = make([]float64, len(x))
		s.M2 = make([]float64, len(x))
	}
	s.N++
	for i, v := range x {
		d := v - s.Mean[i]
		s.Mean[i] += d / float64(s.N)
		s.M2[i] += d * (v - s.Mean[i])
	}
}

func (s *onlineStats) stddev(i int) float64 {
	if s.N < 2 {
		return 0
	}
	return math.Sqrt(s.M2[i] / float64(s.N-1))
}

// persistedModel is the on-disk model format.
type persistedModel struct {
	Version   int              `json:"version"`
	TrainedAt time.Time        `json:"trained_at"`
	Forest    *isolationForest `json:"forest"`
	Scaler    *standardScaler  `json:"scaler"`
	Stats     *onlineStats     `json:"stats"`
	Threshold float64          `json:"threshold"`
}

// Detector owns the model, the training and feedback rings, and the
// retraining policy.
type Detector struct {
	modelPath string
	logger    *slog.Logger

	mu        sync.Mutex
	forest    *isolationForest
	scaler    *standardScaler
	stats     onlineStats
	threshold float64
	trainedAt time.Time

	training [][]float64
	trainPos int
	feedback []feedbackEntry
	fbPos    int

	degradedOnce sync.Once
	rng          *rand.Rand
	now          func() time.Time
}

// NewDetector creates a Detector, loading a persisted model from
// modelPath when one exists.
func NewDetector(modelPath string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		modelPath: modelPath,
		logger:    logger,
		threshold: defaultThreshold,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
	if modelPath != "" {
		if err := d.load(); err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("could not load anomaly model, starting fresh", "path", modelPath, "error", err)
			}
		} else {
			logger.Info("loaded anomaly model", "path", modelPath, "trained_at", d.trainedAt)
		}
	}
	return d
}

// Detect scores one behavior vector, records it for training, and
// returns the ensemble verdict.
func (d *Detector) Detect(vec behavior.Vector) Result {
	x := vec.Features()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.update(x)
	d.addTrainingLocked(x)

	methods := make(map[string]float64, 3)

	if d.forest != nil {
		methods["isolation_forest"] = d.forest.Score(d.scaler.transform(x))
	} else {
		d.degradedOnce.Do(func() {
			d.logger.Warn("anomaly model not trained yet, using statistical and rule-based methods only")
		})
	}

	if z, ok := d.zScoreLocked(x); ok {
		methods["statistical"] = z
	}

	ruleScore, types := ruleScore(vec)
	methods["rule_based"] = ruleScore

	var sum float64
	for _, v := range methods {
		sum += v
	}
	overall := sum / float64(len(methods))
	metrics.AnomalyScore.Observe(overall)

	return Result{
		PredictionID:       uuid.NewString(),
		Overall:            overall,
		IsAnomalous:        overall >= d.threshold,
		Types:              types,
		Explanation:        explain(methods, types),
		RecommendedActions: actionsFor(overall),
		MethodScores:       methods,
	}
}

func (d *Detector) addTrainingLocked(x []float64) {
	row := append([]float64(nil), x...)
	if len(d.training) < trainingCapacity {
		d.training = append(d.training, row)
		return
	}
	d.training[d.trainPos] = row
	d.trainPos = (d.trainPos + 1) % trainingCapacity
}

// zScoreLocked maps mean absolute z-score to [0,1] via the three-sigma
// rule.
func (d *Detector) zScoreLocked(x []float64) (float64, bool) {
	if d.stats.N < 2 {
		return 0, false
	}
	var sum float64
	for i, v := range x {
		sd := d.stats.stddev(i)
		if sd == 0 {
			continue
		}
		z := math.Abs(v-d.stats.Mean[i]) / sd
		sum += math.Min(z/3, 1)
	}
	return sum / float64(len(x)), true
}

// ruleScore applies the fast heuristics and names the triggered
// anomaly types.
func ruleScore(vec behavior.Vector) (float64, []string) {
	score := 0.0
	var types []string

	if vec.ResponseTime > 0 && vec.ResponseTime < 0.05 {
		score += 0.2
		types = append(types, "suspiciously_fast_responses")
	}
	if vec.RequestFrequency > 10 {
		score += 0.3
		types = append(types, "high_request_frequency")
	}
	if vec.ErrorRate > 0.2 {
		score += 0.4
		types = append(types, "elevated_error_rate")
	}
	if vec.AvgInterval > 0 && vec.IntervalStddev < 0.1 {
		score += 0.3
		types = append(types, "uniform_request_timing")
	}
	return math.Min(score, 1), types
}

func explain(methods map[string]float64, types []string) string {
	if len(types) == 0 {
		return fmt.Sprintf("ensemble of %d methods found no triggered rules", len(methods))
	}
	return fmt.Sprintf("triggered: %v", types)
}

func actionsFor(score float64) []string {
	switch {
	case score >= 0.9:
		return []string{"require_authentication", "apply_stricter_rate_limits", "enable_enhanced_logging"}
	case score >= 0.7:
		return []string{"apply_stricter_rate_limits", "enable_enhanced_logging"}
	case score >= 0.5:
		return []string{"enable_enhanced_logging"}
	default:
		return []string{"monitor"}
	}
}

// RecordFeedback stores an outcome for a past prediction, feeding the
// accuracy-based retraining trigger.
func (d *Detector) RecordFeedback(predictionID, outcome string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := feedbackEntry{PredictionID: predictionID, Outcome: outcome}
	if len(d.feedback) < feedbackCapacity {
		d.feedback = append(d.feedback, entry)
		return
	}
	d.feedback[d.fbPos] = entry
	d.fbPos = (d.fbPos + 1) % feedbackCapacity
}

// Accuracy returns (TP+TN)/total over the feedback ring, and whether
// enough feedback exists to be meaningful.
func (d *Detector) Accuracy() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accuracyLocked()
}

func (d *Detector) accuracyLocked() (float64, bool) {
	if len(d.feedback) < 20 {
		return 0, false
	}
	correct := 0
	for _, f := range d.feedback {
		if f.Outcome == TruePositive || f.Outcome == TrueNegative {
			correct++
		}
	}
	return float64(correct) / float64(len(d.feedback)), true
}

// MaybeRetrain retrains when the model is stale, inaccurate, or the
// training buffer is full. Driven by the coordinator's monitoring
// loop.
func (d *Detector) MaybeRetrain() bool {
	d.mu.Lock()

	reason := ""
	switch {
	case len(d.training) >= trainingCapacity:
		reason = "training_buffer_full"
	case d.forest != nil && d.now().Sub(d.trainedAt) > retrainAge:
		reason = "model_stale"
	case d.forest == nil && len(d.training) >= minTrainSamples:
		reason = "initial_training"
	default:
		if acc, ok := d.accuracyLocked(); ok && acc < minAccuracy {
			reason = "accuracy_below_threshold"
		}
	}
	if reason == "" {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	return d.Retrain(reason)
}

// Retrain rebuilds the scaler, forest, and adaptive threshold from the
// training ring and persists the result.
func (d *Detector) Retrain(reason string) bool {
	d.mu.Lock()
	if len(d.training) < minTrainSamples {
		d.mu.Unlock()
		return false
	}
	samples := make([][]float64, len(d.training))
	copy(samples, d.training)
	d.mu.Unlock()

	scaler := fitScaler(samples)
	scaled := make([][]float64, len(samples))
	for i, s := range samples {
		scaled[i] = scaler.transform(s)
	}

	d.mu.Lock()
	forest := trainForest(scaled, d.rng)
	d.mu.Unlock()

	// Adaptive threshold at the 95th percentile of training scores.
	scores := make([]float64, len(scaled))
	for i, s := range scaled {
		scores[i] = forest.Score(s)
	}
	sort.Float64s(scores)
	threshold := scores[len(scores)*95/100]
	if threshold < 0.5 {
		threshold = 0.5
	}

	d.mu.Lock()
	d.forest = forest
	d.scaler = scaler
	d.threshold = threshold
	d.trainedAt = d.now()
	d.mu.Unlock()

	d.logger.Info("retrained anomaly model",
		"reason", reason,
		"samples", len(samples),
		"threshold", threshold,
	)

	if d.modelPath != "" {
		if err := d.save(); err != nil {
			d.logger.Warn("could not persist anomaly model", "path", d.modelPath, "error", err)
		}
	}
	return true
}

// Trained reports whether a model is available.
func (d *Detector) Trained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forest != nil
}

// save writes the model atomically via a temp file rename.
func (d *Detector) save() error {
	d.mu.Lock()
	pm := persistedModel{
		Version:   modelVersion,
		TrainedAt: d.trainedAt,
		Forest:    d.forest,
		Scaler:    d.scaler,
		Stats:     &d.stats,
		Threshold: d.threshold,
	}
	data, err := json.Marshal(pm)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(d.modelPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := d.modelPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.modelPath)
}

func (d *Detector) load() error {
	data, err := os.ReadFile(d.modelPath)
	if err != nil {
		return err
	}
	var pm persistedModel
	if err := json.Unmarshal(data, &pm); err != nil {
		return err
	}
	if pm.Version != modelVersion {
		return fmt.Errorf("unsupported model version %d", pm.Version)
	}
	// A trained forest is unusable without its scaler; reject the
	// record instead of deferring the nil-deref to the first Detect.
	if pm.Forest != nil && pm.Scaler == nil {
		return fmt.Errorf("model file missing scaler")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.forest = pm.Forest
	d.scaler = pm.Scaler
	if pm.Stats != nil {
		d.stats = *pm.Stats
	}
	if pm.Threshold > 0 {
		d.threshold = pm.Threshold
	}
	d.trainedAt = pm.TrainedAt
	return nil
}
