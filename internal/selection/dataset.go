package selection

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Dataset is a labelled numeric matrix. Missing cells are NaN until
// ImputeMedian runs.
type Dataset struct {
	Columns []string
	X       [][]float64
	Y       []int
}

// Len is the number of rows.
func (d *Dataset) Len() int { return len(d.X) }

// ClassCounts counts rows per label.
func (d *Dataset) ClassCounts() map[int]int {
	counts := map[int]int{}
	for _, label := range d.Y {
		counts[label]++
	}
	return counts
}

// LoadCSV reads a labelled CSV. Rows without a label are dropped, and so
// are columns holding any non-numeric value. Empty numeric cells become NaN.
func LoadCSV(path, labelColumn string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	return ReadCSV(file, labelColumn)
}

// ReadCSV is LoadCSV over an arbitrary reader.
func ReadCSV(r io.Reader, labelColumn string) (*Dataset, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	labelIdx := -1
	for i, col := range header {
		if strings.TrimSpace(col) == labelColumn {
			labelIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("label column %q not found in CSV", labelColumn)
	}

	numeric := make([]bool, len(header))
	for i := range numeric {
		numeric[i] = i != labelIdx
	}

	var (
		records [][]string
		labels  []int
		dropped int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", len(records)+dropped+2, err)
		}

		rawLabel := strings.TrimSpace(record[labelIdx])
		if rawLabel == "" {
			dropped++
			continue
		}
		lv, err := strconv.ParseFloat(rawLabel, 64)
		if err != nil {
			dropped++
			continue
		}

		for i, cell := range record {
			if !numeric[i] {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				numeric[i] = false
			}
		}
		records = append(records, record)
		labels = append(labels, int(lv))
	}
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}

	d := &Dataset{Y: labels}
	var cols []int
	for i, ok := range numeric {
		if ok {
			cols = append(cols, i)
			d.Columns = append(d.Columns, strings.TrimSpace(header[i]))
		}
	}

	d.X = make([][]float64, len(records))
	for r, record := range records {
		row := make([]float64, len(cols))
		for j, c := range cols {
			cell := strings.TrimSpace(record[c])
			if cell == "" {
				row[j] = math.NaN()
				continue
			}
			row[j], _ = strconv.ParseFloat(cell, 64)
		}
		d.X[r] = row
	}

	log.Info().
		Int("rows", len(d.X)).
		Int("columns", len(d.Columns)).
		Int("dropped_rows", dropped).
		Int("dropped_columns", len(header)-1-len(d.Columns)).
		Msg("dataset loaded")
	return d, nil
}

// StratifiedSample draws about n rows keeping class proportions. A dataset
// of at most n rows is returned unchanged.
func StratifiedSample(d *Dataset, n int, seed int64) *Dataset {
	if n <= 0 || d.Len() <= n {
		return d
	}
	rng := rand.New(rand.NewSource(seed))
	frac := float64(n) / float64(d.Len())

	var picked []int
	for _, rows := range groupByClass(d.Y) {
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		take := int(math.Round(frac * float64(len(rows))))
		picked = append(picked, rows[:take]...)
	}
	if len(picked) > n {
		rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
		picked = picked[:n]
	}
	sort.Ints(picked)
	return d.subset(picked)
}

// StratifiedSplit partitions d into train and test sets, placing about
// testFraction of every class in the test set.
func StratifiedSplit(d *Dataset, testFraction float64, seed int64) (train, test *Dataset) {
	rng := rand.New(rand.NewSource(seed))
	var trainRows, testRows []int
	for _, rows := range groupByClass(d.Y) {
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		cut := int(math.Ceil(testFraction * float64(len(rows))))
		if cut >= len(rows) && len(rows) > 1 {
			cut = len(rows) - 1
		}
		testRows = append(testRows, rows[:cut]...)
		trainRows = append(trainRows, rows[cut:]...)
	}
	sort.Ints(trainRows)
	sort.Ints(testRows)
	return d.subset(trainRows), d.subset(testRows)
}

// ImputeMedian replaces NaN cells with their column median and returns the
// medians. A column with no values imputes to 0.
func ImputeMedian(X [][]float64) []float64 {
	if len(X) == 0 {
		return nil
	}
	width := len(X[0])
	medians := make([]float64, width)
	vals := make([]float64, 0, len(X))
	for j := 0; j < width; j++ {
		vals = vals[:0]
		for _, row := range X {
			if !math.IsNaN(row[j]) {
				vals = append(vals, row[j])
			}
		}
		medians[j] = median(vals)
		for _, row := range X {
			if math.IsNaN(row[j]) {
				row[j] = medians[j]
			}
		}
	}
	return medians
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

// groupByClass returns row indices per label, labels in ascending order so
// seeded shuffles are reproducible.
func groupByClass(y []int) [][]int {
	byClass := map[int][]int{}
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	labels := make([]int, 0, len(byClass))
	for label := range byClass {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	out := make([][]int, len(labels))
	for i, label := range labels {
		out[i] = byClass[label]
	}
	return out
}

func (d *Dataset) subset(rows []int) *Dataset {
	out := &Dataset{Columns: d.Columns, X: make([][]float64, len(rows)), Y: make([]int, len(rows))}
	for i, r := range rows {
		out.X[i] = d.X[r]
		out.Y[i] = d.Y[r]
	}
	return out
}
