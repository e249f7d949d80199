package ml

import (
	"fmt"
	"sort"
)

// treeNode is a flattened CART node. Leaves have Feature == -1.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Prob      float64 `json:"p"`
}

// DecisionTree is a binary CART classifier split on Gini impurity.
type DecisionTree struct {
	Features int        `json:"features"`
	Nodes    []treeNode `json:"nodes"`
}

type treeBuilder struct {
	X        [][]float64
	y        []int
	maxDepth int
	minLeaf  int
	nodes    []treeNode
}

// FitDecisionTree grows a tree up to maxDepth. Rows go left when
// x[feature] <= threshold.
func FitDecisionTree(X [][]float64, y []int, maxDepth, minLeaf int) (*DecisionTree, error) {
	width, err := checkTrainingSet(X, y)
	if err != nil {
		return nil, err
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	if minLeaf < 1 {
		minLeaf = 1
	}

	b := &treeBuilder{X: X, y: y, maxDepth: maxDepth, minLeaf: minLeaf}
	rows := make([]int, len(X))
	for i := range rows {
		rows[i] = i
	}
	b.grow(rows, 0)
	return &DecisionTree{Features: width, Nodes: b.nodes}, nil
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	pos := 0
	for _, r := range rows {
		pos += b.y[r] & 1
	}
	id := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: -1, Prob: float64(pos) / float64(len(rows))})

	if depth >= b.maxDepth || pos == 0 || pos == len(rows) || len(rows) < 2*b.minLeaf {
		return id
	}

	feature, threshold, ok := b.bestSplit(rows, pos)
	if !ok {
		return id
	}

	var left, right []int
	for _, r := range rows {
		if b.X[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Feature = feature
	b.nodes[id].Threshold = threshold
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

// bestSplit scans every feature for the threshold with the lowest weighted
// Gini impurity. Earlier features win ties.
func (b *treeBuilder) bestSplit(rows []int, pos int) (int, float64, bool) {
	n := len(rows)
	best := gini(pos, n)
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, n)
	for f := range b.X[rows[0]] {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.X[sorted[i]][f] < b.X[sorted[j]][f]
		})

		leftPos := 0
		for i := 0; i < n-1; i++ {
			leftPos += b.y[sorted[i]] & 1
			lo, hi := b.X[sorted[i]][f], b.X[sorted[i+1]][f]
			if lo == hi {
				continue
			}
			leftN := i + 1
			rightN := n - leftN
			if leftN < b.minLeaf || rightN < b.minLeaf {
				continue
			}
			score := (float64(leftN)*gini(leftPos, leftN) + float64(rightN)*gini(pos-leftPos, rightN)) / float64(n)
			if score < best-1e-12 {
				best = score
				bestFeature = f
				bestThreshold = lo + (hi-lo)/2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 2 * p * (1 - p)
}

func (t *DecisionTree) Kind() string { return KindDecisionTree }

func (t *DecisionTree) Width() int { return t.Features }

func (t *DecisionTree) Predict(x []float64) (int, float64) {
	i := 0
	for t.Nodes[i].Feature >= 0 {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	p := t.Nodes[i].Prob
	return labelFor(p), p
}

// Depth reports the longest root to leaf path.
func (t *DecisionTree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0)
}

func (t *DecisionTree) validate() error {
	if t.Features <= 0 {
		return fmt.Errorf("%w: model has no features", ErrDimensionMismatch)
	}
	return validateNodes(t.Nodes, t.Features, probability)
}
