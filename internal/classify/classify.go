// v0
// internal/classify/classify.go
// Package classify maps hygiene scores to severity bands.
package classify

import (
	"math"
	"strings"
)

// Band identifies a severity tier.
type Band string

const (
	BandExcellent     Band = "EXCELLENT"
	BandGood          Band = "GOOD"
	BandFair          Band = "FAIR"
	BandPoor          Band = "POOR"
	BandCritical      Band = "CRITICAL"
	BandNeedsCleaning Band = "NEEDS_CLEANING"
)

// Result is the presentation tag attached to a classified score.
type Result struct {
	Band  Band   `json:"band"`
	Color string `json:"color"`
	Label string `json:"label"`
}

// Threshold is one row of a band table: scores >= Min fall into Result.
type Threshold struct {
	Min    float64
	Result Result
}

// Table is an ordered band policy. Rows are checked from the first one, so
// they must be sorted by descending Min. Floor applies to everything below
// the last row.
type Table struct {
	Name  string
	Rows  []Threshold
	Floor Result
}

const (
	// ThreeBandName selects the dashboard policy (good / fair / needs cleaning).
	ThreeBandName = "3band"
	// FiveBandName selects the detailed policy used by location views.
	FiveBandName = "5band"
)

var (
	ThreeBand = Table{
		Name: ThreeBandName,
		Rows: []Threshold{
			{Min: 70, Result: Result{Band: BandGood, Color: "#4CAF50", Label: "Good"}},
			{Min: 50, Result: Result{Band: BandFair, Color: "#FF9800", Label: "Fair"}},
		},
		Floor: Result{Band: BandNeedsCleaning, Color: "#F44336", Label: "Needs Cleaning"},
	}

	FiveBand = Table{
		Name: FiveBandName,
		Rows: []Threshold{
			{Min: 90, Result: Result{Band: BandExcellent, Color: "#2E7D32", Label: "Excellent"}},
			{Min: 70, Result: Result{Band: BandGood, Color: "#4CAF50", Label: "Good"}},
			{Min: 50, Result: Result{Band: BandFair, Color: "#FFC107", Label: "Fair"}},
			{Min: 30, Result: Result{Band: BandPoor, Color: "#FF9800", Label: "Poor"}},
		},
		Floor: Result{Band: BandCritical, Color: "#F44336", Label: "Critical"},
	}

	registry = map[string]Table{
		ThreeBandName: ThreeBand,
		FiveBandName:  FiveBand,
	}
)

// Classify returns the band for score. It is total: NaN lands in the floor
// band, infinities clamp to the outermost bands.
func (t Table) Classify(score float64) Result {
	if math.IsNaN(score) {
		return t.Floor
	}
	for _, row := range t.Rows {
		if score >= row.Min {
			return row.Result
		}
	}
	return t.Floor
}

// Bands lists every band of the table from best to worst.
func (t Table) Bands() []Band {
	out := make([]Band, 0, len(t.Rows)+1)
	for _, row := range t.Rows {
		out = append(out, row.Result.Band)
	}
	return append(out, t.Floor.Band)
}

// Lookup resolves a table by its configuration name. Names are matched case
// insensitively and the "-band"/"_band" spellings are accepted.
func Lookup(name string) (Table, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	t, ok := registry[normalized]
	return t, ok
}

// Names returns the registered policy names in a stable order.
func Names() []string {
	return []string{ThreeBandName, FiveBandName}
}
