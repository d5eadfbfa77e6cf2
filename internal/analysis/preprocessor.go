package analysis

import (
	"math"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/blink"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/gaze"
	"github.com/ZanzyTHEbar/strainwatch/internal/types"
)

// DefaultMinFaceConfidence is the detector confidence below which a frame is
// kept for the record but not fed to the engines.
const DefaultMinFaceConfidence = 0.5

// Frame flags recorded alongside persisted samples.
const (
	FlagLowFaceConfidence = "low_face_confidence"
	FlagGazeOutOfRange    = "gaze_out_of_range"
)

// PreparedFrame is a frame that passed the gate.
type PreparedFrame struct {
	Sample   types.FrameSample
	GazeH    float64
	GazeV    float64
	EARLeft  float64
	EARRight float64
	Closure  float64
	// Usable is false when the frame is recorded but excluded from gaze and
	// blink state.
	Usable bool
	Flags  []string
}

// HasFlag reports whether the frame carries flag.
func (p PreparedFrame) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Preprocessor gates frames before they reach the engines
type Preprocessor struct {
	minFaceConfidence float64

	last time.Time
	seen bool
}

// NewPreprocessor creates a new preprocessor; a negative threshold selects
// DefaultMinFaceConfidence.
func NewPreprocessor(minFaceConfidence float64) *Preprocessor {
	if minFaceConfidence < 0 {
		minFaceConfidence = DefaultMinFaceConfidence
	}
	return &Preprocessor{minFaceConfidence: minFaceConfidence}
}

// Last returns the timestamp of the last accepted frame.
func (p *Preprocessor) Last() (time.Time, bool) { return p.last, p.seen }

// Prepare validates one frame. Rejected frames leave the preprocessor
// untouched, so the caller may continue with the next frame.
func (p *Preprocessor) Prepare(f types.FrameSample) (PreparedFrame, error) {
	if f.Timestamp.IsZero() {
		return PreparedFrame{}, apperrors.NewValidationError("frame timestamp is required")
	}
	if p.seen && f.Timestamp.Before(p.last) {
		return PreparedFrame{}, apperrors.NewOrderingError("frame", f.Timestamp, p.last)
	}

	h, v := f.Gaze()
	if !gaze.IsFinite(h, v) {
		return PreparedFrame{}, apperrors.NewDegenerateGeometryError("gaze coordinate is not finite")
	}
	earLeft, earRight := eyeAspectRatios(f)
	if !finite(earLeft) || !finite(earRight) || !finite(f.FaceConfidence) {
		return PreparedFrame{}, apperrors.NewValidationError("frame measures must be finite")
	}

	prepared := PreparedFrame{
		Sample:   f,
		GazeH:    h,
		GazeV:    v,
		EARLeft:  earLeft,
		EARRight: earRight,
		Closure:  blink.Closure(earLeft, earRight),
		Usable:   true,
	}
	if f.FaceConfidence < p.minFaceConfidence {
		prepared.Usable = false
		prepared.Flags = append(prepared.Flags, FlagLowFaceConfidence)
	}
	if gaze.IsExtreme(h, v) {
		prepared.Flags = append(prepared.Flags, FlagGazeOutOfRange)
	}

	p.last = f.Timestamp
	p.seen = true
	return prepared, nil
}

// eyeAspectRatios derives both EARs from the lid contours when the frame
// carries them for both eyes, and uses the reported values otherwise.
func eyeAspectRatios(f types.FrameSample) (left, right float64) {
	if lm := f.Landmarks; lm != nil && lm.LeftLid != nil && lm.RightLid != nil {
		return blink.EyeAspectRatio(*lm.LeftLid), blink.EyeAspectRatio(*lm.RightLid)
	}
	return f.EARLeft, f.EARRight
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
