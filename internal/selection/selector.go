// Package selection chooses the fixed feature subset served by the
// inference dispatcher. The search is a quantum-inspired genetic algorithm:
// every population member is a vector of per-feature inclusion
// probabilities, measured into binary selections each generation, scored
// by cross-validated accuracy of a naive Bayes proxy and pulled toward the
// best selection seen so far.
//
// Selection runs offline. Its output is persisted as a versioned
// FeatureMask next to the scaler it was derived from.
package selection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/workpool"
)

var ErrEmptyDataset = errors.New("empty dataset")

// Config holds the search parameters.
type Config struct {
	Population   int
	Generations  int
	MaxQubits    int
	Step         float64
	ProbFloor    float64
	ProbCeil     float64
	Folds        int
	FallbackSize int
	SelectionCap int
	TrimSize     int
	Seed         int64
	Workers      int
}

func DefaultConfig() Config {
	return Config{
		Population:   common.DefaultPopulation,
		Generations:  common.DefaultGenerations,
		MaxQubits:    common.DefaultMaxQubits,
		Step:         common.DefaultStep,
		ProbFloor:    common.DefaultProbFloor,
		ProbCeil:     common.DefaultProbCeil,
		Folds:        common.DefaultFolds,
		FallbackSize: common.DefaultFallbackSize,
		SelectionCap: common.DefaultSelectionCap,
		TrimSize:     common.DefaultTrimSize,
		Seed:         common.DefaultSeed,
		Workers:      common.DefaultBatchWorkers,
	}
}

// Validate rejects parameters the search cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Population < 1:
		return fmt.Errorf("population must be positive, got %d", c.Population)
	case c.Generations < 1:
		return fmt.Errorf("generations must be positive, got %d", c.Generations)
	case c.MaxQubits < 1:
		return fmt.Errorf("max qubits must be positive, got %d", c.MaxQubits)
	case c.Step <= 0 || c.Step >= 1:
		return fmt.Errorf("step must be in (0,1), got %v", c.Step)
	case c.ProbFloor <= 0 || c.ProbCeil >= 1 || c.ProbFloor >= c.ProbCeil:
		return fmt.Errorf("probability clip [%v,%v] must lie inside (0,1)", c.ProbFloor, c.ProbCeil)
	case c.Folds < 2:
		return fmt.Errorf("folds must be at least 2, got %d", c.Folds)
	case c.FallbackSize < 1 || c.TrimSize < 1:
		return fmt.Errorf("fallback size and trim size must be positive")
	case c.SelectionCap < c.TrimSize:
		return fmt.Errorf("selection cap %d is below trim size %d", c.SelectionCap, c.TrimSize)
	}
	return nil
}

// Sampler measures a probability vector into a binary selection.
type Sampler interface {
	Sample(probs []float64) []bool
}

// Scorer rates a column subset of X. Higher is better; an unusable subset
// scores 0.
type Scorer interface {
	Score(X [][]float64, y []int, cols []int) float64
}

// MetricsInterface defines metrics methods needed by the selector
type MetricsInterface interface {
	SelectorGenerationObserve(best float64)
	SelectorBestScoreSet(score float64)
	SelectorFallbackInc()
}

// GenerationStat summarizes one generation.
type GenerationStat struct {
	Generation int     `json:"generation"`
	Best       float64 `json:"best"`
	Mean       float64 `json:"mean"`
	Overall    float64 `json:"overall"`
	Selected   int     `json:"selected"`
}

// Result is the outcome of a search. Indices are ascending raw column
// indices.
type Result struct {
	Indices     []int            `json:"indices"`
	Score       float64          `json:"score"`
	Qubits      int              `json:"qubits"`
	Fallback    bool             `json:"fallback"`
	Trimmed     bool             `json:"trimmed"`
	Generations []GenerationStat `json:"generations"`
}

// Selector runs the search. It is not safe for concurrent Run calls when a
// custom Sampler keeps state.
type Selector struct {
	cfg     Config
	rng     *rand.Rand
	sampler Sampler
	scorer  Scorer
	metrics MetricsInterface
}

type Option func(*Selector)

// WithSampler replaces the Bernoulli measurement.
func WithSampler(s Sampler) Option { return func(sel *Selector) { sel.sampler = s } }

// WithScorer replaces the cross-validated naive Bayes proxy.
func WithScorer(s Scorer) Option { return func(sel *Selector) { sel.scorer = s } }

func WithMetrics(m MetricsInterface) Option { return func(sel *Selector) { sel.metrics = m } }

// New builds a selector. Randomness comes from cfg.Seed.
func New(cfg Config, opts ...Option) *Selector {
	rng := rand.New(rand.NewSource(cfg.Seed))
	s := &Selector{
		cfg:     cfg,
		rng:     rng,
		sampler: bernoulli{rng: rng},
		scorer:  CrossValidated{Folds: cfg.Folds},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type bernoulli struct{ rng *rand.Rand }

func (b bernoulli) Sample(probs []float64) []bool {
	bits := make([]bool, len(probs))
	for j, p := range probs {
		bits[j] = b.rng.Float64() < p
	}
	return bits
}

// Run searches the columns of the standardized matrix X for the subset that
// best predicts y. Only the first MaxQubits columns take part in the search;
// the fallback and the trim rank all columns by variance.
func (s *Selector) Run(ctx context.Context, X [][]float64, y []int) (Result, error) {
	if err := s.cfg.Validate(); err != nil {
		return Result{}, err
	}
	if len(X) == 0 || len(X[0]) == 0 {
		return Result{}, ErrEmptyDataset
	}
	if len(X) != len(y) {
		return Result{}, fmt.Errorf("%d rows and %d labels", len(X), len(y))
	}

	width := len(X[0])
	qubits := min(s.cfg.MaxQubits, width)
	res := Result{Qubits: qubits}

	pop := make([][]float64, s.cfg.Population)
	for i := range pop {
		pop[i] = make([]float64, qubits)
		for j := range pop[i] {
			pop[i][j] = s.rng.Float64()*common.DefaultInitProbRange + common.DefaultProbFloor
		}
	}

	var best []bool
	bestScore := 0.0
	fitness := make([]float64, len(pop))

	for gen := 0; gen < s.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("selection cancelled at generation %d: %w", gen+1, err)
		}

		measured := make([][]bool, len(pop))
		for i, probs := range pop {
			measured[i] = s.sampler.Sample(probs)
		}

		workpool.Run(ctx, len(pop), s.cfg.Workers, func(_ context.Context, i int) {
			fitness[i] = s.fitness(X, y, measured[i])
		}, func(i int, _ error) {
			fitness[i] = 0
		})

		genBest, sum := 0, 0.0
		for i, f := range fitness {
			sum += f
			if f > fitness[genBest] {
				genBest = i
			}
		}
		if fitness[genBest] > bestScore {
			bestScore = fitness[genBest]
			best = append([]bool(nil), measured[genBest]...)
		}

		if best != nil {
			s.pullToward(pop, measured, best)
		}

		stat := GenerationStat{
			Generation: gen + 1,
			Best:       fitness[genBest],
			Mean:       sum / float64(len(fitness)),
			Overall:    bestScore,
			Selected:   countTrue(measured[genBest]),
		}
		res.Generations = append(res.Generations, stat)
		if s.metrics != nil {
			s.metrics.SelectorGenerationObserve(stat.Best)
		}
		log.Info().
			Int("generation", stat.Generation).
			Int("of", s.cfg.Generations).
			Float64("gen_best", stat.Best).
			Float64("overall_best", bestScore).
			Msg("selector generation")
	}

	res.Score = bestScore
	res.Indices = selectedIndices(best)

	switch {
	case len(res.Indices) == 0:
		res.Indices = TopVariance(X, allColumns(width), s.cfg.FallbackSize)
		res.Fallback = true
		if s.metrics != nil {
			s.metrics.SelectorFallbackInc()
		}
		log.Warn().Int("selected", len(res.Indices)).Msg("search produced no selection, using top-variance columns")
	case len(res.Indices) > s.cfg.SelectionCap:
		res.Indices = TopVariance(X, res.Indices, s.cfg.TrimSize)
		res.Trimmed = true
		log.Info().Int("selected", len(res.Indices)).Msg("selection trimmed by variance")
	}
	sort.Ints(res.Indices)

	if s.metrics != nil {
		s.metrics.SelectorBestScoreSet(bestScore)
	}
	return res, nil
}

func (s *Selector) fitness(X [][]float64, y []int, bits []bool) float64 {
	cols := selectedIndices(bits)
	if len(cols) == 0 {
		return 0
	}
	score := s.scorer.Score(X, y, cols)
	if math.IsNaN(score) {
		return 0
	}
	return score
}

// pullToward shifts every disagreeing probability by one step toward the
// best selection, clipped to [ProbFloor, ProbCeil].
func (s *Selector) pullToward(pop [][]float64, measured [][]bool, best []bool) {
	for i := range pop {
		for j := range pop[i] {
			if measured[i][j] == best[j] {
				continue
			}
			if best[j] {
				pop[i][j] += s.cfg.Step
			} else {
				pop[i][j] -= s.cfg.Step
			}
			pop[i][j] = math.Min(s.cfg.ProbCeil, math.Max(s.cfg.ProbFloor, pop[i][j]))
		}
	}
}

// TopVariance returns the k columns among cols with the highest variance in
// X, ties going to the lower index.
func TopVariance(X [][]float64, cols []int, k int) []int {
	type colVar struct {
		col int
		v   float64
	}
	vars := make([]colVar, len(cols))
	for i, c := range cols {
		vars[i] = colVar{col: c, v: columnVariance(X, c)}
	}
	sort.SliceStable(vars, func(a, b int) bool {
		if vars[a].v != vars[b].v {
			return vars[a].v > vars[b].v
		}
		return vars[a].col < vars[b].col
	})
	if k > len(vars) {
		k = len(vars)
	}
	out := make([]int, k)
	for i := range out {
		out[i] = vars[i].col
	}
	return out
}

func columnVariance(X [][]float64, c int) float64 {
	mean := 0.0
	for _, row := range X {
		mean += row[c]
	}
	mean /= float64(len(X))
	v := 0.0
	for _, row := range X {
		d := row[c] - mean
		v += d * d
	}
	return v / float64(len(X))
}

func selectedIndices(bits []bool) []int {
	var out []int
	for j, b := range bits {
		if b {
			out = append(out, j)
		}
	}
	return out
}

func countTrue(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

func allColumns(width int) []int {
	cols := make([]int, width)
	for i := range cols {
		cols[i] = i
	}
	return cols
}
