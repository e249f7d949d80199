package ml

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// psiEdges bins a standardized feature. Expected bin shares come from the
// standard normal, the distribution the scaler maps training data onto.
var psiEdges = []float64{-2, -1, -0.5, 0, 0.5, 1, 2}

const (
	psiEpsilon         = 1e-4
	driftAlertCooldown = 5 * time.Minute
	maxDriftAlerts     = 50
)

// FeatureDrift is the population stability of one served feature.
type FeatureDrift struct {
	Feature string  `json:"feature"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	PSI     float64 `json:"psi"`
	Drifted bool    `json:"drifted"`
}

// DriftAlert is raised when a window check finds drifted features.
type DriftAlert struct {
	Timestamp time.Time `json:"timestamp"`
	Features  []string  `json:"features"`
	MaxPSI    float64   `json:"max_psi"`
	Severity  string    `json:"severity"`
}

// DriftReport is a snapshot of the monitor.
type DriftReport struct {
	Samples   int            `json:"samples"`
	Window    int            `json:"window"`
	Threshold float64        `json:"threshold"`
	Drifted   bool           `json:"drifted"`
	Features  []FeatureDrift `json:"features"`
	Alerts    []DriftAlert   `json:"alerts"`
}

// DriftMonitor keeps a sliding window of the standardized, selected
// features that reached a classifier and scores each against the training
// baseline with the population stability index.
type DriftMonitor struct {
	mu        sync.Mutex
	names     []string
	window    int
	threshold float64

	ring      [][]float64 // ring[i] is one observation
	next      int
	filled    int
	lastAlert time.Time
	alerts    []DriftAlert
}

// NewDriftMonitor watches features named names. A window below 2 is raised
// to 2.
func NewDriftMonitor(names []string, window int, threshold float64) *DriftMonitor {
	if window < 2 {
		window = 2
	}
	return &DriftMonitor{
		names:     append([]string(nil), names...),
		window:    window,
		threshold: threshold,
		ring:      make([][]float64, window),
	}
}

// Observe records one masked vector. Every full window it checks for drift
// and logs an alert, at most once per cooldown.
func (m *DriftMonitor) Observe(x []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = append(m.ring[m.next][:0], x...)
	m.next = (m.next + 1) % m.window
	if m.filled < m.window {
		m.filled++
	}
	if m.next != 0 || m.filled < m.window {
		return
	}

	features := m.score()
	var drifted []string
	maxPSI := 0.0
	for _, f := range features {
		if f.Drifted {
			drifted = append(drifted, f.Feature)
		}
		maxPSI = math.Max(maxPSI, f.PSI)
	}
	if len(drifted) == 0 || time.Since(m.lastAlert) < driftAlertCooldown {
		return
	}

	alert := DriftAlert{Timestamp: time.Now().UTC(), Features: drifted, MaxPSI: maxPSI, Severity: "MEDIUM"}
	if maxPSI >= 2*m.threshold {
		alert.Severity = "HIGH"
	}
	m.lastAlert = alert.Timestamp
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > maxDriftAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxDriftAlerts:]
	}
	log.Warn().
		Strs("features", drifted).
		Float64("max_psi", maxPSI).
		Str("severity", alert.Severity).
		Msg("input distribution drift detected")
}

// Report scores the current window.
func (m *DriftMonitor) Report() DriftReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := DriftReport{
		Samples:   m.filled,
		Window:    m.window,
		Threshold: m.threshold,
		Alerts:    append([]DriftAlert(nil), m.alerts...),
	}
	if m.filled == 0 {
		return r
	}
	r.Features = m.score()
	for _, f := range r.Features {
		r.Drifted = r.Drifted || f.Drifted
	}
	return r
}

// score must be called with mu held.
func (m *DriftMonitor) score() []FeatureDrift {
	expected := normalBinShares()
	out := make([]FeatureDrift, len(m.names))
	counts := make([]float64, len(expected))

	for j, name := range m.names {
		for b := range counts {
			counts[b] = 0
		}
		var sum, sumSq float64
		n := 0
		for i := 0; i < m.filled; i++ {
			row := m.ring[i]
			if j >= len(row) {
				continue
			}
			v := row[j]
			sum += v
			sumSq += v * v
			counts[bin(v)]++
			n++
		}

		fd := FeatureDrift{Feature: name}
		if n > 0 {
			fd.Mean = sum / float64(n)
			fd.StdDev = math.Sqrt(math.Max(sumSq/float64(n)-fd.Mean*fd.Mean, 0))
			for b, e := range expected {
				a := math.Max(counts[b]/float64(n), psiEpsilon)
				fd.PSI += (a - e) * math.Log(a/e)
			}
		}
		fd.Drifted = fd.PSI > m.threshold
		out[j] = fd
	}
	return out
}

func bin(v float64) int {
	for b, edge := range psiEdges {
		if v < edge {
			return b
		}
	}
	return len(psiEdges)
}

func normalBinShares() []float64 {
	cdf := func(z float64) float64 { return 0.5 * (1 + math.Erf(z/math.Sqrt2)) }
	shares := make([]float64, len(psiEdges)+1)
	prev := 0.0
	for b, edge := range psiEdges {
		c := cdf(edge)
		shares[b] = c - prev
		prev = c
	}
	shares[len(psiEdges)] = 1 - prev
	return shares
}
