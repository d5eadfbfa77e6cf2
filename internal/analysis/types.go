package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Metric is a statistic that may be undefined for a window. An undefined
// metric marshals to JSON null; it is never reported as zero.
type Metric struct {
	Value float64
	Valid bool
}

// Known wraps a defined value.
func Known(v float64) Metric { return Metric{Value: v, Valid: true} }

// Unknown is the undefined metric.
var Unknown = Metric{}

// Get returns the value and whether it is defined.
func (m Metric) Get() (float64, bool) { return m.Value, m.Valid }

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return nil, fmt.Errorf("metric value %v is not representable in JSON", m.Value)
	}
	return []byte(strconv.FormatFloat(m.Value, 'g', -1, 64)), nil
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Unknown
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Known(v)
	return nil
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"window_start"`
	End   time.Time `json:"window_end"`
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) Minutes() float64 { return w.Duration().Minutes() }

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// FeatureVector is the fixed-shape summary of one window.
type FeatureVector struct {
	Window          Window `json:"window"`
	FrameCount      int    `json:"frame_count"`
	BlinkCount      int    `json:"blink_count"`
	IncompleteCount int    `json:"incomplete_count"`
	BlinkRate       Metric `json:"blink_rate"`
	IBIMean         Metric `json:"ibi_mean"` // seconds
	IncompleteRatio Metric `json:"incomplete_ratio"`
	GazeVariance    Metric `json:"gaze_variance"`
	FixationRatio   Metric `json:"fixation_ratio"`
	OffCenterRatio  Metric `json:"off_center_ratio"`
}

type Contributor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
}

// Breakdown holds the standardized deviation of each scored metric.
type Breakdown struct {
	ZBlink      float64 `json:"z_blink"`
	ZIncomplete float64 `json:"z_incomplete"`
	ZFixation   float64 `json:"z_fixation"`
}

type ScoreResult struct {
	Risk         float64       `json:"risk_score"`
	Breakdown    Breakdown     `json:"breakdown"`
	Contributors []Contributor `json:"contributors"`
}

// Outcome classifies how a window ended up.
type Outcome string

const (
	OutcomeScored           Outcome = "scored"
	OutcomeInsufficientData Outcome = "insufficient_data"
	OutcomeMissingBaseline  Outcome = "missing_baseline"
)

// WindowResult is either a complete feature vector with a score, or the
// features plus the reason no score could be produced.
type WindowResult struct {
	SessionID int64         `json:"session_id"`
	Features  FeatureVector `json:"features"`
	Score     *ScoreResult  `json:"score,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
}

// Risk returns the score as a Metric, undefined when the window was not scored.
func (r WindowResult) Risk() Metric {
	if r.Score == nil {
		return Unknown
	}
	return Known(r.Score.Risk)
}
