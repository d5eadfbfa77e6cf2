// Package session binds one gaze analyzer, blink detector and window
// aggregator to a monitoring session and drives them frame by frame.
package session

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/blink"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/gaze"
	"github.com/ZanzyTHEbar/strainwatch/internal/types"
)

// Config holds the per-session engine parameters.
type Config struct {
	WindowLength      time.Duration `json:"window_length"`
	GazeCapacity      int           `json:"gaze_capacity"`
	Blink             blink.Config  `json:"blink"`
	MinFaceConfidence float64       `json:"min_face_confidence"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		WindowLength:      analysis.DefaultWindowLength,
		GazeCapacity:      gaze.DefaultCapacity,
		Blink:             blink.DefaultConfig(),
		MinFaceConfidence: analysis.DefaultMinFaceConfidence,
	}
}

// Validate rejects configurations the engines cannot run with.
func (c Config) Validate() error {
	if c.WindowLength <= 0 {
		return apperrors.NewValidationError("window length must be positive", c.WindowLength)
	}
	if c.GazeCapacity < gaze.MinSamples {
		return apperrors.NewValidationError("gaze capacity is below the minimum sample count", c.GazeCapacity)
	}
	if err := c.Blink.Validate(); err != nil {
		return apperrors.NewValidationError("invalid blink thresholds", err)
	}
	if c.MinFaceConfidence < 0 || c.MinFaceConfidence > 1 {
		return apperrors.NewValidationError("min face confidence must be within [0, 1]", c.MinFaceConfidence)
	}
	return nil
}

// FrameOutcome is what one frame produced.
type FrameOutcome struct {
	Frame   analysis.PreparedFrame  `json:"-"`
	Blink   *blink.Event            `json:"blink,omitempty"`
	Windows []analysis.WindowResult `json:"windows,omitempty"`
}

// BatchOutcome is what a batch of frames produced. Rejected frames are
// reported by index and do not stop the batch.
type BatchOutcome struct {
	Accepted      []analysis.PreparedFrame `json:"-"`
	Rejected      []types.FrameRejection   `json:"rejected,omitempty"`
	Blinks        []blink.Event            `json:"blinks,omitempty"`
	Windows       []analysis.WindowResult  `json:"windows,omitempty"`
	LowConfidence int                      `json:"low_confidence"`
}

// CloseOutcome is what closing a session produced.
type CloseOutcome struct {
	End     time.Time               `json:"end"`
	Blink   *blink.Event            `json:"blink,omitempty"`
	Windows []analysis.WindowResult `json:"windows,omitempty"`
}

// Session is the explicit context of one monitoring run. Calls are serialized
// by an internal mutex; the session performs no I/O.
type Session struct {
	ID     int64
	UserID int64

	// pipeline orders a session's batches end to end, including the
	// writes and broadcasts that follow processing. mu alone guards engine
	// state and is never held across I/O.
	pipeline sync.Mutex

	mu       sync.Mutex
	opened   time.Time
	cfg      Config
	model    *analysis.EyeHealthModel
	prep     *analysis.Preprocessor
	gaze     *gaze.Analyzer
	detector *blink.Detector
	windows  *analysis.WindowAggregator
	closed   bool
}

// New creates a session scored against model. The model is shared read-only.
func New(id, userID int64, model *analysis.EyeHealthModel, cfg Config) (*Session, error) {
	if model == nil {
		return nil, apperrors.NewBaselineUnavailableError(userID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		ID:       id,
		UserID:   userID,
		opened:   time.Now(),
		cfg:      cfg,
		model:    model,
		prep:     analysis.NewPreprocessor(cfg.MinFaceConfidence),
		gaze:     gaze.NewAnalyzer(cfg.GazeCapacity),
		detector: blink.NewDetector(cfg.Blink),
		windows:  analysis.NewWindowAggregator(cfg.WindowLength),
	}, nil
}

// Config returns the engine parameters of the session.
func (s *Session) Config() Config { return s.cfg }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ProcessBatch applies frames in order under one lock, so concurrent batches
// for the same session never interleave. A closed session fails the whole
// batch.
func (s *Session) ProcessBatch(frames []types.FrameSample) (BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return BatchOutcome{}, apperrors.NewSessionClosedError(s.ID)
	}

	var out BatchOutcome
	for i, f := range frames {
		fo, err := s.processFrame(f)
		if err != nil {
			appErr := apperrors.ToAppError(err)
			out.Rejected = append(out.Rejected, types.FrameRejection{
				Index:    i,
				Category: string(appErr.Category),
				Reason:   appErr.ErrBuilder.Msg,
			})
			continue
		}
		out.Accepted = append(out.Accepted, fo.Frame)
		if !fo.Frame.Usable {
			out.LowConfidence++
		}
		if fo.Blink != nil {
			out.Blinks = append(out.Blinks, *fo.Blink)
		}
		out.Windows = append(out.Windows, fo.Windows...)
	}
	return out, nil
}

// ProcessFrame applies one frame. A rejected frame leaves every engine
// untouched, so the caller may continue with the next frame.
//
// A blink resolved by this frame is queued before window boundaries are
// checked, since it is attributed to the window holding its start. Windows are
// closed with the gaze state as it was before this frame.
func (s *Session) ProcessFrame(f types.FrameSample) (FrameOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return FrameOutcome{}, apperrors.NewSessionClosedError(s.ID)
	}
	return s.processFrame(f)
}

func (s *Session) processFrame(f types.FrameSample) (FrameOutcome, error) {
	prepared, err := s.prep.Prepare(f)
	if err != nil {
		return FrameOutcome{}, err
	}
	ts := prepared.Sample.Timestamp
	out := FrameOutcome{Frame: prepared}

	if prepared.Usable {
		// Prepare already enforced ordering and finiteness, so Observe
		// cannot fail here.
		ev, err := s.detector.Observe(ts, prepared.Closure)
		if err != nil {
			return FrameOutcome{}, err
		}
		if ev != nil {
			if err := s.windows.AddBlink(*ev); err != nil {
				return FrameOutcome{}, err
			}
			out.Blink = ev
		}
	}

	s.windows.Start(ts)
	out.Windows = s.closeDue(ts)

	if prepared.Usable {
		s.windows.ObserveFrame(ts)
		s.gaze.UpdateAt(ts, prepared.GazeH, prepared.GazeV)
	}
	return out, nil
}

// Close flushes an open blink, emits the remaining windows and rejects
// further frames. A zero end selects the last frame timestamp, or the time the
// session was opened when no frame was accepted.
func (s *Session) Close(end time.Time) (CloseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CloseOutcome{}, apperrors.NewSessionClosedError(s.ID)
	}

	last, seen := s.prep.Last()
	if end.IsZero() {
		end = last
		if !seen {
			end = s.opened
		}
	}
	if seen && end.Before(last) {
		return CloseOutcome{}, apperrors.NewOrderingError("session end", end, last)
	}
	out := CloseOutcome{End: end}

	if ev := s.detector.Flush(end); ev != nil {
		if err := s.windows.AddBlink(*ev); err != nil {
			return CloseOutcome{}, err
		}
		out.Blink = ev
	}

	out.Windows = s.closeDue(end)
	snap := analysis.SnapshotGaze(s.gaze)
	if fv, ok := s.windows.Finish(end, snap); ok {
		out.Windows = append(out.Windows, s.score(fv))
	}

	s.closed = true
	return out, nil
}

// closeDue closes every window that ends at or before ts. Windows without
// usable frames produce nothing.
func (s *Session) closeDue(ts time.Time) []analysis.WindowResult {
	var results []analysis.WindowResult
	for s.windows.Due(ts) {
		snap := analysis.SnapshotGaze(s.gaze)
		if fv, ok := s.windows.Close(snap); ok {
			results = append(results, s.score(fv))
		}
	}
	return results
}

func (s *Session) score(fv analysis.FeatureVector) analysis.WindowResult {
	result := s.model.Score(fv)
	result.SessionID = s.ID
	return result
}
