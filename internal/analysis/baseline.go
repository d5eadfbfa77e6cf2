package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
)

// Baseline metric names, shared with the window_metrics columns.
const (
	MetricBlinkRate       = "blink_rate"
	MetricIncompleteRatio = "incomplete_ratio"
	MetricFixationRatio   = "fixation_ratio"
)

// RequiredMetrics are the metrics the risk formula standardizes.
var RequiredMetrics = []string{MetricBlinkRate, MetricIncompleteRatio, MetricFixationRatio}

// MetricStat is a personal reference mean and standard deviation.
type MetricStat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Baseline is the per-user reference consumed by EyeHealthModel. Build it with
// NewBaseline or BaselineFromFlat; a zero Baseline is treated as missing.
type Baseline struct {
	BlinkRate       MetricStat
	IncompleteRatio MetricStat
	FixationRatio   MetricStat
	// Extra carries additional metrics for future model terms.
	Extra map[string]MetricStat

	complete bool
}

// NewBaseline builds a baseline from named statistics, rejecting a missing
// required metric or an unusable mean/std.
func NewBaseline(stats map[string]MetricStat) (Baseline, error) {
	for _, name := range RequiredMetrics {
		if _, ok := stats[name]; !ok {
			return Baseline{}, apperrors.NewMissingBaselineError(name)
		}
	}

	b := Baseline{
		BlinkRate:       stats[MetricBlinkRate],
		IncompleteRatio: stats[MetricIncompleteRatio],
		FixationRatio:   stats[MetricFixationRatio],
		complete:        true,
	}
	for name, s := range stats {
		if isRequired(name) {
			continue
		}
		if b.Extra == nil {
			b.Extra = make(map[string]MetricStat)
		}
		b.Extra[name] = s
	}

	if err := b.Validate(); err != nil {
		return Baseline{}, err
	}
	return b, nil
}

// BaselineFromFlat accepts "<metric>_mean" / "<metric>_std" keys.
func BaselineFromFlat(flat map[string]float64) (Baseline, error) {
	stats := make(map[string]MetricStat)
	seen := make(map[string]int)
	for key, value := range flat {
		var name string
		switch {
		case strings.HasSuffix(key, "_mean"):
			name = strings.TrimSuffix(key, "_mean")
			s := stats[name]
			s.Mean = value
			stats[name] = s
		case strings.HasSuffix(key, "_std"):
			name = strings.TrimSuffix(key, "_std")
			s := stats[name]
			s.Std = value
			stats[name] = s
		default:
			continue
		}
		seen[name]++
	}

	// a metric counts as present only with both halves
	for name, n := range seen {
		if n < 2 {
			delete(stats, name)
		}
	}
	return NewBaseline(stats)
}

// Validate checks that every statistic is finite with a non-negative std.
func (b Baseline) Validate() error {
	if !b.complete {
		return apperrors.NewMissingBaselineError(MetricBlinkRate)
	}
	for name, s := range b.Map() {
		if math.IsNaN(s.Mean) || math.IsInf(s.Mean, 0) || math.IsNaN(s.Std) || math.IsInf(s.Std, 0) {
			return apperrors.NewValidationError(fmt.Sprintf("baseline %s must be finite", name))
		}
		if s.Std < 0 {
			return apperrors.NewValidationError(fmt.Sprintf("baseline %s std must not be negative", name))
		}
	}
	return nil
}

// Map returns every statistic keyed by metric name.
func (b Baseline) Map() map[string]MetricStat {
	out := make(map[string]MetricStat, len(b.Extra)+len(RequiredMetrics))
	for name, s := range b.Extra {
		out[name] = s
	}
	out[MetricBlinkRate] = b.BlinkRate
	out[MetricIncompleteRatio] = b.IncompleteRatio
	out[MetricFixationRatio] = b.FixationRatio
	return out
}

// Names lists the metrics in the baseline, sorted.
func (b Baseline) Names() []string {
	m := b.Map()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b Baseline) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Map())
}

func (b *Baseline) UnmarshalJSON(data []byte) error {
	var stats map[string]MetricStat
	if err := json.Unmarshal(data, &stats); err != nil {
		return err
	}
	parsed, err := NewBaseline(stats)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func isRequired(name string) bool {
	for _, r := range RequiredMetrics {
		if r == name {
			return true
		}
	}
	return false
}
