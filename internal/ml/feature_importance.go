package ml

import (
	"math/rand"
	"sort"
)

// FeatureImportance is the accuracy a classifier loses when one selected
// feature is shuffled across the evaluation rows.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Index      int     `json:"index"`
	Importance float64 `json:"importance"`
}

// PermutationImportance scores every column of X for c, most important
// first. names labels the columns and may be shorter than the row width.
func PermutationImportance(c Classifier, X [][]float64, y []int, names []string, seed int64) []FeatureImportance {
	if len(X) == 0 {
		return nil
	}
	base := accuracy(c, X, y)
	rng := rand.New(rand.NewSource(seed))
	width := len(X[0])

	shuffled := make([][]float64, len(X))
	for i, row := range X {
		shuffled[i] = append([]float64(nil), row...)
	}
	perm := make([]int, len(X))

	out := make([]FeatureImportance, width)
	for j := 0; j < width; j++ {
		for i, p := range rng.Perm(len(X)) {
			perm[i] = p
		}
		for i := range shuffled {
			shuffled[i][j] = X[perm[i]][j]
		}
		fi := FeatureImportance{Index: j, Importance: base - accuracy(c, shuffled, y)}
		if j < len(names) {
			fi.Feature = names[j]
		}
		out[j] = fi
		for i := range shuffled {
			shuffled[i][j] = X[i][j]
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Importance > out[b].Importance })
	return out
}

func accuracy(c Classifier, X [][]float64, y []int) float64 {
	correct := 0
	for i, x := range X {
		if label, _ := c.Predict(x); label == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X))
}
