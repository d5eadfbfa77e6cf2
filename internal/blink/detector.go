// Package blink detects blink episodes in a per-frame eyelid-closure signal.
package blink

import (
	"fmt"
	"math"
	"time"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/gaze"
)

// Event is one completed eyelid-closure episode.
type Event struct {
	Start      time.Time `json:"start_ts"`
	End        time.Time `json:"end_ts"`
	DurationMS float64   `json:"duration_ms"`
	MinClosure float64   `json:"min_closure"`
	Incomplete bool      `json:"is_incomplete"`
}

// Config holds detector thresholds. Closure is an eye aspect ratio, so lower
// means more closed.
type Config struct {
	// CloseThreshold starts an episode when the measure drops below it.
	CloseThreshold float64 `json:"close_threshold"`
	// CompleteThreshold must be crossed for the eye to count as fully closed.
	CompleteThreshold float64 `json:"complete_threshold"`
	// MinDuration discards shorter episodes as noise.
	MinDuration time.Duration `json:"min_duration"`
}

// DefaultConfig returns thresholds suited to MediaPipe-derived EAR values.
func DefaultConfig() Config {
	return Config{
		CloseThreshold:    0.21,
		CompleteThreshold: 0.15,
		MinDuration:       50 * time.Millisecond,
	}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	if c.CloseThreshold <= 0 || c.CompleteThreshold <= 0 {
		return fmt.Errorf("blink thresholds must be positive")
	}
	if c.CompleteThreshold > c.CloseThreshold {
		return fmt.Errorf("complete threshold %.3f exceeds close threshold %.3f",
			c.CompleteThreshold, c.CloseThreshold)
	}
	if c.MinDuration < 0 {
		return fmt.Errorf("min duration must not be negative")
	}
	return nil
}

// Detector is a threshold state machine over the closure signal. It is not
// safe for concurrent use.
type Detector struct {
	cfg Config

	closing    bool
	start      time.Time
	minClosure float64

	last time.Time
	seen bool
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector thresholds.
func (d *Detector) Config() Config { return d.cfg }

// InProgress reports whether a closure episode is open.
func (d *Detector) InProgress() bool { return d.closing }

// Observe feeds one frame. It returns an event when a closure episode resolves.
// A timestamp earlier than the previous one is rejected without changing state.
func (d *Detector) Observe(ts time.Time, closure float64) (*Event, error) {
	if d.seen && ts.Before(d.last) {
		return nil, apperrors.NewOrderingError("closure sample", ts, d.last)
	}
	if math.IsNaN(closure) || math.IsInf(closure, 0) {
		return nil, apperrors.NewValidationError("closure measure must be finite")
	}
	d.last = ts
	d.seen = true

	if closure < d.cfg.CloseThreshold {
		if !d.closing {
			d.closing = true
			d.start = ts
			d.minClosure = closure
		} else if closure < d.minClosure {
			d.minClosure = closure
		}
		return nil, nil
	}

	if !d.closing {
		return nil, nil
	}
	d.closing = false

	duration := ts.Sub(d.start)
	if duration < d.cfg.MinDuration {
		return nil, nil
	}
	return &Event{
		Start:      d.start,
		End:        ts,
		DurationMS: float64(duration) / float64(time.Millisecond),
		MinClosure: d.minClosure,
		Incomplete: d.minClosure >= d.cfg.CompleteThreshold,
	}, nil
}

// Flush ends the stream at a session boundary. An open episode is emitted as
// incomplete regardless of its duration.
func (d *Detector) Flush(ts time.Time) *Event {
	if !d.closing {
		return nil
	}
	d.closing = false

	end := ts
	if end.Before(d.start) {
		end = d.start
	}
	return &Event{
		Start:      d.start,
		End:        end,
		DurationMS: float64(end.Sub(d.start)) / float64(time.Millisecond),
		MinClosure: d.minClosure,
		Incomplete: true,
	}
}

// EyeAspectRatio computes the 6-point EAR: p[0] and p[3] are the corners,
// p[1], p[2] the upper lid and p[5], p[4] the matching lower lid points.
func EyeAspectRatio(p [6]gaze.Point) float64 {
	vertical := dist(p[1], p[5]) + dist(p[2], p[4])
	horizontal := dist(p[0], p[3])
	return vertical / (2*horizontal + gaze.Epsilon)
}

// Closure averages the per-eye measures.
func Closure(left, right float64) float64 {
	return (left + right) / 2
}

func dist(a, b gaze.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
