package analysis

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ZanzyTHEbar/strainwatch/internal/blink"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/gaze"
)

const (
	// DefaultWindowLength is the aggregation period.
	DefaultWindowLength = 60 * time.Second
	// MinPartialFraction is the share of a full window a trailing partial
	// window must cover to be reported.
	MinPartialFraction = 0.25
)

// GazeSnapshot is the gaze analyzer state captured at a window boundary.
type GazeSnapshot struct {
	Stats  gaze.Stats
	OK     bool
	Reason string
}

// SnapshotGaze reads the analyzer's current statistics. An analyzer with too
// few samples yields a snapshot with OK false.
func SnapshotGaze(a *gaze.Analyzer) GazeSnapshot {
	stats, err := a.Metrics()
	if err != nil {
		return GazeSnapshot{Reason: reasonFor(err)}
	}
	return GazeSnapshot{Stats: stats, OK: true}
}

// Aggregate folds one window's blinks and gaze snapshot into a feature vector.
// blinks must be ordered by start time.
func Aggregate(w Window, blinks []blink.Event, snap GazeSnapshot, frames int) FeatureVector {
	fv := FeatureVector{
		Window:     w,
		FrameCount: frames,
		BlinkCount: len(blinks),
	}

	if minutes := w.Minutes(); frames > 0 && minutes > 0 {
		fv.BlinkRate = Known(float64(len(blinks)) / minutes)
	}

	if len(blinks) > 0 {
		incomplete := 0
		for _, b := range blinks {
			if b.Incomplete {
				incomplete++
			}
		}
		fv.IncompleteCount = incomplete
		fv.IncompleteRatio = Known(float64(incomplete) / float64(len(blinks)))
	}

	if len(blinks) >= 2 {
		intervals := make([]float64, len(blinks)-1)
		for i := 1; i < len(blinks); i++ {
			intervals[i-1] = blinks[i].Start.Sub(blinks[i-1].Start).Seconds()
		}
		fv.IBIMean = Known(stat.Mean(intervals, nil))
	}

	if snap.OK {
		fv.GazeVariance = Known(snap.Stats.GazeVariance)
		fv.FixationRatio = Known(snap.Stats.FixationRatio)
		fv.OffCenterRatio = Known(snap.Stats.OffCenterRatio)
	}
	return fv
}

// WindowAggregator tracks the open window of a session: fixed-length periods
// aligned to the first observed timestamp. Blinks are attributed to the window
// their start falls in; a blink that started before the open window counts
// toward it. It is not safe for concurrent use.
type WindowAggregator struct {
	length time.Duration

	current Window
	started bool

	frames    int
	pending   []blink.Event
	lastBlink time.Time
	sawBlink  bool
}

// NewWindowAggregator creates an aggregator; length <= 0 selects
// DefaultWindowLength.
func NewWindowAggregator(length time.Duration) *WindowAggregator {
	if length <= 0 {
		length = DefaultWindowLength
	}
	return &WindowAggregator{length: length}
}

// Length returns the window length.
func (a *WindowAggregator) Length() time.Duration { return a.length }

// Start aligns windows to ts. It is a no-op once started.
func (a *WindowAggregator) Start(ts time.Time) {
	if a.started {
		return
	}
	a.current = Window{Start: ts, End: ts.Add(a.length)}
	a.started = true
}

// Current returns the open window.
func (a *WindowAggregator) Current() (Window, bool) { return a.current, a.started }

// Due reports whether ts lies at or past the end of the open window.
func (a *WindowAggregator) Due(ts time.Time) bool {
	return a.started && !ts.Before(a.current.End)
}

// ObserveFrame counts a usable frame toward the open window.
func (a *WindowAggregator) ObserveFrame(ts time.Time) {
	a.Start(ts)
	a.frames++
}

// AddBlink queues a detector event. Events must arrive in start order.
func (a *WindowAggregator) AddBlink(ev blink.Event) error {
	if a.sawBlink && ev.Start.Before(a.lastBlink) {
		return apperrors.NewOrderingError("blink", ev.Start, a.lastBlink)
	}
	a.lastBlink = ev.Start
	a.sawBlink = true
	a.Start(ev.Start)
	a.pending = append(a.pending, ev)
	return nil
}

// Close ends the open window and advances to the next one. The bool is false
// when the window saw no usable frames; no vector is produced for it.
func (a *WindowAggregator) Close(snap GazeSnapshot) (FeatureVector, bool) {
	if !a.started {
		return FeatureVector{}, false
	}
	w := a.current
	blinks := a.take(w.End)
	frames := a.frames

	a.current = Window{Start: w.End, End: w.End.Add(a.length)}
	a.frames = 0

	if frames == 0 {
		return FeatureVector{}, false
	}
	return Aggregate(w, blinks, snap, frames), true
}

// Finish closes the trailing partial window at end. Partial windows shorter
// than MinPartialFraction of the length, or without frames, are dropped. The
// aggregator accepts no further input afterwards without a new Start.
func (a *WindowAggregator) Finish(end time.Time, snap GazeSnapshot) (FeatureVector, bool) {
	if !a.started {
		return FeatureVector{}, false
	}
	defer a.reset()

	w := a.current
	if end.Before(w.End) {
		w.End = end
	}
	if w.Duration() <= 0 || a.frames == 0 {
		return FeatureVector{}, false
	}
	if float64(w.Duration()) < MinPartialFraction*float64(a.length) {
		return FeatureVector{}, false
	}
	return Aggregate(w, a.pending, snap, a.frames), true
}

// take removes and returns the pending blinks that started before end.
func (a *WindowAggregator) take(end time.Time) []blink.Event {
	n := 0
	for n < len(a.pending) && a.pending[n].Start.Before(end) {
		n++
	}
	taken := a.pending[:n:n]
	a.pending = a.pending[n:]
	return taken
}

func (a *WindowAggregator) reset() {
	*a = WindowAggregator{length: a.length}
}
