// Package gaze turns iris landmarks into normalized gaze coordinates and
// derives rolling stability statistics from a bounded history of them.
package gaze

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
)

const (
	// DefaultCapacity is roughly 10 s of history at 30 fps.
	DefaultCapacity = 300
	// MinSamples is the smallest buffer for which statistics are reported.
	MinSamples = 30
	// FixationRadius is the distance from center below which a sample is a fixation.
	FixationRadius = 0.05
	// OffCenterRadius is the distance from center above which a sample is off-center.
	OffCenterRadius = 0.15
	centerH         = 0.5
	centerV         = 0.5
)

// Stats summarizes the current buffer. Samples between FixationRadius and
// OffCenterRadius count toward neither ratio.
type Stats struct {
	GazeVariance   float64   `json:"gaze_variance"`
	FixationRatio  float64   `json:"fixation_ratio"`
	OffCenterRatio float64   `json:"off_center_ratio"`
	Samples        int       `json:"samples"`
	TakenAt        time.Time `json:"taken_at"`
}

// Analyzer keeps a rolling window of gaze samples. It is not safe for
// concurrent use; a session owns exactly one.
type Analyzer struct {
	buf *RingBuffer
	now func() time.Time

	// scratch slices reused across Metrics calls
	hs, vs []float64
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the clock used by Update.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer creates an analyzer holding at most capacity samples;
// capacity <= 0 selects DefaultCapacity.
func NewAnalyzer(capacity int, opts ...Option) *Analyzer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	a := &Analyzer{
		buf: NewRingBuffer(capacity),
		now: time.Now,
		hs:  make([]float64, 0, capacity),
		vs:  make([]float64, 0, capacity),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Update appends a sample stamped with the analyzer clock.
func (a *Analyzer) Update(h, v float64) {
	a.UpdateAt(a.now(), h, v)
}

// UpdateAt appends a sample with an explicit timestamp, evicting the oldest
// sample on overflow.
func (a *Analyzer) UpdateAt(ts time.Time, h, v float64) {
	a.buf.Push(Sample{H: h, V: v, At: ts})
}

// Len returns the number of buffered samples.
func (a *Analyzer) Len() int { return a.buf.Len() }

// Capacity returns the maximum number of buffered samples.
func (a *Analyzer) Capacity() int { return a.buf.Cap() }

// Samples returns the buffered samples, oldest first.
func (a *Analyzer) Samples() []Sample { return a.buf.Snapshot() }

// Metrics computes stability statistics over the current buffer. It does not
// modify the buffer, so repeated calls between updates return identical results.
// Coordinates whose spread overflows float64 fail with DegenerateGeometry.
func (a *Analyzer) Metrics() (Stats, error) {
	n := a.buf.Len()
	if n < MinSamples {
		return Stats{}, apperrors.NewInsufficientDataError("not enough gaze samples",
			map[string]interface{}{"samples": n, "required": MinSamples})
	}

	a.hs = a.hs[:0]
	a.vs = a.vs[:0]
	fixations, offCenter := 0, 0
	for i := 0; i < n; i++ {
		s := a.buf.At(i)
		a.hs = append(a.hs, s.H)
		a.vs = append(a.vs, s.V)

		dist := math.Hypot(s.H-centerH, s.V-centerV)
		if dist < FixationRadius {
			fixations++
		}
		if dist > OffCenterRadius {
			offCenter++
		}
	}

	variance := stat.PopVariance(a.hs, nil) + stat.PopVariance(a.vs, nil)
	if math.IsNaN(variance) || math.IsInf(variance, 0) {
		return Stats{}, apperrors.NewDegenerateGeometryError("gaze variance overflows for the buffered samples")
	}

	newest, _ := a.buf.Newest()
	return Stats{
		GazeVariance:   variance,
		FixationRatio:  float64(fixations) / float64(n),
		OffCenterRatio: float64(offCenter) / float64(n),
		Samples:        n,
		TakenAt:        newest.At,
	}, nil
}
