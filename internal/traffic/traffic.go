// Package traffic synthesizes IoT flow feature records for self tests,
// demos and training fixtures. Records carry the 43 named features the
// extraction stage produces: 14 flow statistics followed by the opaque
// F1..F29 columns.
package traffic

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"sentinel-ids/internal/common"
)

// Severity selects the value ranges of a generated record.
type Severity string

const (
	Normal   Severity = "normal"
	Moderate Severity = "moderate"
	Severe   Severity = "severe"
)

// ParseSeverity accepts the three severity names.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case Normal, Moderate, Severe:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Label is the class a record of this severity is trained as.
func (s Severity) Label() int {
	if s == Normal {
		return common.LabelNormal
	}
	return common.LabelAnomalous
}

type span struct{ lo, hi float64 }

var flowFeatures = []string{
	"Mean", "Sport", "Dport", "SrcPkts", "DstPkts", "TotPkts", "DstBytes",
	"SrcBytes", "TotBytes", "SrcLoad", "DstLoad", "Rate", "Duration", "Idle",
}

const opaqueFeatures = 29

var ranges = map[Severity][]span{
	Normal: {
		{80, 120}, {1000, 65535}, {1000, 65535}, {100, 1000}, {100, 1000}, {200, 2000}, {1000, 100000},
		{1000, 100000}, {2000, 200000}, {0.1, 5}, {0.1, 5}, {1, 100}, {10, 300}, {0, 10},
	},
	Moderate: {
		{40, 80}, {100, 500}, {100, 500}, {1000, 5000}, {1000, 5000}, {5000, 50000}, {100000, 1000000},
		{100000, 1000000}, {200000, 2000000}, {50, 90}, {50, 90}, {500, 5000}, {1, 60}, {0, 1},
	},
	Severe: {
		{20, 50}, {1, 100}, {1, 100}, {5000, 50000}, {5000, 50000}, {50000, 500000}, {1000000, 10000000},
		{1000000, 10000000}, {2000000, 20000000}, {90, 100}, {90, 100}, {5000, 50000}, {0.1, 10}, {0, 0.1},
	},
}

var opaqueRange = map[Severity]span{
	Normal:   {-1, 1},
	Moderate: {-5, 5},
	Severe:   {-5, 5},
}

// FeatureNames lists the raw feature names in vector order.
func FeatureNames() []string {
	names := make([]string, 0, len(flowFeatures)+opaqueFeatures)
	names = append(names, flowFeatures...)
	for i := 1; i <= opaqueFeatures; i++ {
		names = append(names, "F"+strconv.Itoa(i))
	}
	return names
}

// Generator draws records from a seeded source. It is not safe for
// concurrent use.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Sample draws one record of the given severity keyed by feature name.
func (g *Generator) Sample(sev Severity) map[string]float64 {
	vec := g.Vector(sev)
	names := FeatureNames()
	out := make(map[string]float64, len(names))
	for i, name := range names {
		out[name] = vec[i]
	}
	return out
}

// Vector draws one record of the given severity in raw vector order.
func (g *Generator) Vector(sev Severity) []float64 {
	spans, ok := ranges[sev]
	if !ok {
		spans, sev = ranges[Normal], Normal
	}
	vec := make([]float64, 0, len(spans)+opaqueFeatures)
	for _, s := range spans {
		vec = append(vec, g.uniform(s))
	}
	for i := 0; i < opaqueFeatures; i++ {
		vec = append(vec, g.uniform(opaqueRange[sev]))
	}
	return vec
}

func (g *Generator) uniform(s span) float64 {
	return s.lo + g.rng.Float64()*(s.hi-s.lo)
}

// WriteCSV writes n labelled records with a header of the feature names
// plus labelColumn. About anomalyRatio of the rows are attacks, split
// evenly between moderate and severe.
func (g *Generator) WriteCSV(w io.Writer, n int, anomalyRatio float64, labelColumn string) error {
	cw := csv.NewWriter(w)
	header := append(FeatureNames(), labelColumn)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(header))
	for i := 0; i < n; i++ {
		sev := Normal
		if g.rng.Float64() < anomalyRatio {
			sev = Moderate
			if g.rng.Intn(2) == 1 {
				sev = Severe
			}
		}
		for j, v := range g.Vector(sev) {
			row[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		row[len(row)-1] = strconv.Itoa(sev.Label())
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Alert is a named attack profile used by alert analysis.
type Alert struct {
	Name     string
	Kind     string
	Threat   string
	Severity Severity
}

// Alerts lists the profiles exercised by alert analysis.
var Alerts = []Alert{
	{Name: "Normal Traffic", Kind: "normal", Threat: "LOW", Severity: Normal},
	{Name: "Port Scanning Attack", Kind: "port_scan", Threat: "MEDIUM", Severity: Moderate},
	{Name: "DDoS Attack", Kind: "ddos", Threat: "HIGH", Severity: Severe},
	{Name: "Data Exfiltration", Kind: "exfil", Threat: "CRITICAL", Severity: Severe},
}
