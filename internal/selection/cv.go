package selection

import "sentinel-ids/internal/ml"

// CrossValidated scores a column subset by mean accuracy of Gaussian naive
// Bayes over stratified folds.
type CrossValidated struct {
	Folds int
}

func (cv CrossValidated) Score(X [][]float64, y []int, cols []int) float64 {
	folds := StratifiedFolds(y, cv.Folds)
	total := 0.0
	for _, test := range folds {
		inTest := make(map[int]bool, len(test))
		for _, i := range test {
			inTest[i] = true
		}

		trainX := make([][]float64, 0, len(X)-len(test))
		trainY := make([]int, 0, len(X)-len(test))
		for i, row := range X {
			if !inTest[i] {
				trainX = append(trainX, project(row, cols))
				trainY = append(trainY, y[i])
			}
		}

		nb, err := ml.FitGaussianNB(trainX, trainY)
		if err != nil {
			return 0
		}
		correct := 0
		for _, i := range test {
			if label, _ := nb.Predict(project(X[i], cols)); label == y[i] {
				correct++
			}
		}
		if len(test) > 0 {
			total += float64(correct) / float64(len(test))
		}
	}
	return total / float64(len(folds))
}

// StratifiedFolds splits row indices into k folds keeping class
// proportions. Each class is cut into k contiguous chunks in row order, so
// the split is deterministic.
func StratifiedFolds(y []int, k int) [][]int {
	byClass := map[int][]int{}
	var classes []int
	for i, label := range y {
		if _, ok := byClass[label]; !ok {
			classes = append(classes, label)
		}
		byClass[label] = append(byClass[label], i)
	}

	folds := make([][]int, k)
	for _, c := range classes {
		rows := byClass[c]
		n := len(rows)
		start := 0
		for f := 0; f < k; f++ {
			size := n / k
			if f < n%k {
				size++
			}
			folds[f] = append(folds[f], rows[start:start+size]...)
			start += size
		}
	}
	return folds
}

func project(row []float64, cols []int) []float64 {
	out := make([]float64, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}
