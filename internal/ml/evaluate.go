package ml

import (
	"sort"
	"time"
)

// ModelMetrics summarizes a classifier on a held-out split.
type ModelMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1Score         float64 `json:"f1_score"`
	AUCScore        float64 `json:"roc_auc"`
	TrainSeconds    float64 `json:"train_time_seconds"`
	TrainingSamples int     `json:"training_samples"`
	TestSamples     int     `json:"test_samples"`
}

// Evaluate scores c on (X, y). Precision and recall treat the anomalous
// class as positive and are zero when undefined.
func Evaluate(c Classifier, X [][]float64, y []int) ModelMetrics {
	var tp, fp, tn, fn int
	scores := make([]float64, len(X))
	for i, row := range X {
		label, p := c.Predict(row)
		scores[i] = p
		switch {
		case label == 1 && y[i] == 1:
			tp++
		case label == 1:
			fp++
		case y[i] == 1:
			fn++
		default:
			tn++
		}
	}

	m := ModelMetrics{TestSamples: len(X)}
	if len(X) > 0 {
		m.Accuracy = float64(tp+tn) / float64(len(X))
	}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1Score = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.AUCScore = ROCAUC(scores, y)
	return m
}

// TimedFit runs fit and records its wall time and sample count into the
// metrics that Evaluate later fills in.
func TimedFit(samples int, fit func() (Classifier, error)) (Classifier, ModelMetrics, error) {
	start := time.Now()
	c, err := fit()
	return c, ModelMetrics{TrainSeconds: time.Since(start).Seconds(), TrainingSamples: samples}, err
}

// ROCAUC computes the area under the ROC curve from the rank statistic,
// averaging ranks of tied scores. It returns 0.5 when only one class is
// present.
func ROCAUC(scores []float64, y []int) float64 {
	n := len(scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	pos := 0
	rankSum := 0.0
	for i, label := range y {
		if label == 1 {
			pos++
			rankSum += ranks[i]
		}
	}
	neg := n - pos
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (rankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
}
