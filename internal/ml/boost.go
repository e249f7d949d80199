package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// boostMaxBins bounds the number of histogram bins per feature. Cut points
// fit a uint8 bin index.
const boostMaxBins = 256

// BoostConfig holds the gradient boosting hyperparameters.
type BoostConfig struct {
	Rounds         int
	MaxDepth       int
	LearningRate   float64
	Subsample      float64
	ColSample      float64
	Lambda         float64 // L2 regularization on leaf weights
	MinChildWeight float64 // minimum hessian sum per child
	Seed           int64
}

// GradientBoosting is an additive ensemble of regression trees fitted to
// the gradient and hessian of the logistic loss. Leaf values already carry
// the learning rate; the anomaly probability is the sigmoid of the base
// score plus every tree's leaf.
type GradientBoosting struct {
	Features     int          `json:"features"`
	BaseScore    float64      `json:"base_score"`
	LearningRate float64      `json:"learning_rate"`
	Trees        [][]treeNode `json:"trees"`
}

// FitGradientBoosting grows cfg.Rounds trees on histogram-binned features.
// Each round samples rows and columns with a generator seeded by cfg.Seed,
// so identical inputs give identical models.
func FitGradientBoosting(X [][]float64, y []int, cfg BoostConfig) (*GradientBoosting, error) {
	width, err := checkTrainingSet(X, y)
	if err != nil {
		return nil, err
	}
	if cfg.Rounds < 1 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("gradient boosting: rounds=%d learning rate=%v", cfg.Rounds, cfg.LearningRate)
	}
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = 1
	}
	if cfg.Subsample <= 0 || cfg.Subsample > 1 {
		cfg.Subsample = 1
	}
	if cfg.ColSample <= 0 || cfg.ColSample > 1 {
		cfg.ColSample = 1
	}

	n := len(X)
	pos := countPositives(y)
	rate := math.Min(math.Max(float64(pos)/float64(n), 1e-6), 1-1e-6)
	m := &GradientBoosting{
		Features:     width,
		BaseScore:    math.Log(rate / (1 - rate)),
		LearningRate: cfg.LearningRate,
	}

	b := newBoostBuilder(X, cfg)
	rng := rand.New(rand.NewSource(cfg.Seed))
	margin := make([]float64, n)
	for i := range margin {
		margin[i] = m.BaseScore
	}
	cols := make([]int, width)
	for j := range cols {
		cols[j] = j
	}
	nCols := max(1, int(math.Ceil(cfg.ColSample*float64(width))))

	rows := make([]int, 0, n)
	for round := 0; round < cfg.Rounds; round++ {
		for i := range margin {
			p := sigmoid(margin[i])
			b.grad[i] = p - float64(y[i]&1)
			b.hess[i] = math.Max(p*(1-p), 1e-16)
		}

		rows = rows[:0]
		for i := 0; i < n; i++ {
			if cfg.Subsample >= 1 || rng.Float64() < cfg.Subsample {
				rows = append(rows, i)
			}
		}
		if len(rows) == 0 {
			continue
		}
		rng.Shuffle(len(cols), func(i, j int) { cols[i], cols[j] = cols[j], cols[i] })
		b.cols = append(b.cols[:0], cols[:nCols]...)
		sort.Ints(b.cols)

		b.nodes = nil
		b.grow(rows, 0)
		tree := b.nodes
		m.Trees = append(m.Trees, tree)

		for i, row := range X {
			margin[i] += evalTree(tree, row)
		}
	}
	return m, nil
}

type boostBuilder struct {
	cfg   BoostConfig
	bins  [][]uint8   // row -> feature -> bin
	cuts  [][]float64 // feature -> ascending cut points
	grad  []float64
	hess  []float64
	cols  []int
	nodes []treeNode

	histG []float64
	histH []float64
}

func newBoostBuilder(X [][]float64, cfg BoostConfig) *boostBuilder {
	n, width := len(X), len(X[0])
	b := &boostBuilder{
		cfg:   cfg,
		bins:  make([][]uint8, n),
		cuts:  make([][]float64, width),
		grad:  make([]float64, n),
		hess:  make([]float64, n),
		histG: make([]float64, boostMaxBins),
		histH: make([]float64, boostMaxBins),
	}

	col := make([]float64, n)
	for j := 0; j < width; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		b.cuts[j] = quantileCuts(col)
	}
	for i, row := range X {
		b.bins[i] = make([]uint8, width)
		for j, v := range row {
			b.bins[i][j] = uint8(sort.SearchFloat64s(b.cuts[j], v))
		}
	}
	return b
}

// quantileCuts returns at most boostMaxBins-1 midpoints between distinct
// values of col. A value v falls in bin i when v <= cuts[i] and v > cuts[i-1].
func quantileCuts(col []float64) []float64 {
	sorted := append([]float64(nil), col...)
	sort.Float64s(sorted)

	var cuts []float64
	add := func(lo, hi float64) {
		if lo == hi {
			return
		}
		c := lo + (hi-lo)/2
		if len(cuts) == 0 || c > cuts[len(cuts)-1] {
			cuts = append(cuts, c)
		}
	}

	n := len(sorted)
	distinct := 1
	for i := 1; i < n; i++ {
		if sorted[i] != sorted[i-1] {
			distinct++
		}
	}
	if distinct <= boostMaxBins {
		for i := 1; i < n; i++ {
			add(sorted[i-1], sorted[i])
		}
		return cuts
	}
	for q := 1; q < boostMaxBins; q++ {
		idx := q * n / boostMaxBins
		add(sorted[idx-1], sorted[idx])
	}
	return cuts
}

func (b *boostBuilder) grow(rows []int, depth int) int {
	var G, H float64
	for _, r := range rows {
		G += b.grad[r]
		H += b.hess[r]
	}
	id := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: -1, Prob: -G / (H + b.cfg.Lambda) * b.cfg.LearningRate})

	if depth >= b.cfg.MaxDepth || len(rows) < 2 {
		return id
	}
	feature, bin, ok := b.bestSplit(rows, G, H)
	if !ok {
		return id
	}

	var left, right []int
	for _, r := range rows {
		if int(b.bins[r][feature]) <= bin {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Feature = feature
	b.nodes[id].Threshold = b.cuts[feature][bin]
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

// bestSplit returns the feature and bin boundary with the largest positive
// loss reduction. Earlier features and bins win ties.
func (b *boostBuilder) bestSplit(rows []int, G, H float64) (int, int, bool) {
	lambda := b.cfg.Lambda
	parent := G * G / (H + lambda)
	bestGain, bestFeature, bestBin := 1e-12, -1, -1

	for _, f := range b.cols {
		nb := len(b.cuts[f]) + 1
		if nb < 2 {
			continue
		}
		hg, hh := b.histG[:nb], b.histH[:nb]
		for i := range hg {
			hg[i], hh[i] = 0, 0
		}
		for _, r := range rows {
			bin := b.bins[r][f]
			hg[bin] += b.grad[r]
			hh[bin] += b.hess[r]
		}

		var gl, hl float64
		for bin := 0; bin < nb-1; bin++ {
			gl += hg[bin]
			hl += hh[bin]
			gr, hr := G-gl, H-hl
			if hl < b.cfg.MinChildWeight || hr < b.cfg.MinChildWeight {
				continue
			}
			gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
			if gain > bestGain {
				bestGain, bestFeature, bestBin = gain, f, bin
			}
		}
	}
	return bestFeature, bestBin, bestFeature >= 0
}

func evalTree(nodes []treeNode, x []float64) float64 {
	i := 0
	for nodes[i].Feature >= 0 {
		n := nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return nodes[i].Prob
}

func (m *GradientBoosting) Kind() string { return KindGradientBoosting }

func (m *GradientBoosting) Width() int { return m.Features }

func (m *GradientBoosting) Predict(x []float64) (int, float64) {
	z := m.BaseScore
	for _, tree := range m.Trees {
		z += evalTree(tree, x)
	}
	p := sigmoid(z)
	return labelFor(p), p
}

func (m *GradientBoosting) validate() error {
	if m.Features <= 0 {
		return fmt.Errorf("%w: model has no features", ErrDimensionMismatch)
	}
	if !finite(m.BaseScore) {
		return fmt.Errorf("%w: base score %v", ErrCorruptModel, m.BaseScore)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("%w: ensemble has no trees", ErrCorruptModel)
	}
	for t, nodes := range m.Trees {
		if err := validateNodes(nodes, m.Features, finite); err != nil {
			return fmt.Errorf("tree %d: %w", t, err)
		}
	}
	return nil
}
