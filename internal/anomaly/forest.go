package anomaly

import (
	"math"
	"math/rand"
)

const (
	forestTrees     = 100
	forestSubsample = 256
)

// forestNode is one node of an isolation tree, stored flat so the
// trained model serializes cleanly.
type forestNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"` // -1 for leaf
	Right   int     `json:"r"`
	Size    int     `json:"n"` // leaf sample count
}

type isolationTree struct {
	Nodes []forestNode `json:"nodes"`
}

// isolationForest scores scaled feature vectors by average isolation
// path length. Scores are in (0,1) with higher meaning more isolated.
type isolationForest struct {
	Trees     []isolationTree `json:"trees"`
	Subsample int             `json:"subsample"`
}

// avgPathLength is the expected unsuccessful-search path length of a
// BST with n nodes, the standard isolation forest normalizer.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func trainForest(samples [][]float64, rng *rand.Rand) *isolationForest {
	if len(samples) == 0 {
		return nil
	}
	sub := forestSubsample
	if sub > len(samples) {
		sub = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sub)))) + 1

	f := &isolationForest{
		Trees:     make([]isolationTree, 0, forestTrees),
		Subsample: sub,
	}
	for i := 0; i < forestTrees; i++ {
		pick := make([][]float64, sub)
		for j := range pick {
			pick[j] = samples[rng.Intn(len(samples))]
		}
		tree := isolationTree{}
		buildNode(&tree, pick, 0, maxDepth, rng)
		f.Trees = append(f.Trees, tree)
	}
	return f
}

// buildNode appends a subtree rooted at the next free slot and returns
// its index.
func buildNode(t *isolationTree, samples [][]float64, depth, maxDepth int, rng *rand.Rand) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, forestNode{Left: -1, Right: -1, Size: len(samples)})

	if depth >= maxDepth || len(samples) <= 1 {
		return idx
	}

	dims := len(samples[0])
	feature, lo, hi := -1, 0.0, 0.0
	// Pick a feature with spread; give up after a few tries on
	// constant data.
	for try := 0; try < dims; try++ {
		fi := rng.Intn(dims)
		mn, mx := samples[0][fi], samples[0][fi]
		for _, s := range samples[1:] {
			if s[fi] < mn {
				mn = s[fi]
			}
			if s[fi] > mx {
				mx = s[fi]
			}
		}
		if mx > mn {
			feature, lo, hi = fi, mn, mx
			break
		}
	}
	if feature < 0 {
		return idx
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, s := range samples {
		if s[feature] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return idx
	}

	t.Nodes[idx].Feature = feature
	t.Nodes[idx].Split = split
	l := buildNode(t, left, depth+1, maxDepth, rng)
	r := buildNode(t, right, depth+1, maxDepth, rng)
	t.Nodes[idx].Left = l
	t.Nodes[idx].Right = r
	return idx
}

func (t *isolationTree) pathLength(x []float64) float64 {
	idx, depth := 0, 0
	for {
		node := t.Nodes[idx]
		if node.Left < 0 {
			return float64(depth) + avgPathLength(node.Size)
		}
		if x[node.Feature] < node.Split {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// Score returns the anomaly score for a scaled vector, higher = more
// anomalous.
func (f *isolationForest) Score(x []float64) float64 {
	if f == nil || len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(x)
	}
	avg := sum / float64(len(f.Trees))
	denom := avgPathLength(f.Subsample)
	if denom == 0 {
		return 0
	}
	return math.Pow(2, -avg/denom)
}

// standardScaler centers and scales features with training statistics.
type standardScaler struct {
	Mean   []float64 `json:"mean"`
	Stddev []float64 `json:"stddev"`
}

func fitScaler(samples [][]float64) *standardScaler {
	if len(samples) == 0 {
		return nil
	}
	dims := len(samples[0])
	s := &standardScaler{
		Mean:   make([]float64, dims),
		Stddev: make([]float64, dims),
	}
	for _, row := range samples {
		for i, v := range row {
			s.Mean[i] += v
		}
	}
	for i := range s.Mean {
		s.Mean[i] /= float64(len(samples))
	}
	for _, row := range samples {
		for i, v := range row {
			d := v - s.Mean[i]
			s.Stddev[i] += d * d
		}
	}
	for i := range s.Stddev {
		s.Stddev[i] = math.Sqrt(s.Stddev[i] / float64(len(samples)))
		if s.Stddev[i] == 0 {
			s.Stddev[i] = 1
		}
	}
	return s
}

func (s *standardScaler) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Stddev[i]
	}
	return out
}
