package gaze

import "math"

// Epsilon is added to every eye-box denominator so that a collapsed box
// (closed eye, detection noise) yields a large but finite coordinate.
const Epsilon = 1e-6

// Extreme-value band outside of which a coordinate is treated as low confidence.
const (
	extremeLow  = -0.5
	extremeHigh = 1.5
)

// Point is a 2-D landmark position, in pixels or normalized image units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EyeLandmarks are the five points needed to locate the iris within one eye.
type EyeLandmarks struct {
	Iris   Point `json:"iris"`
	Inner  Point `json:"inner"`
	Outer  Point `json:"outer"`
	Top    Point `json:"top"`
	Bottom Point `json:"bottom"`
}

// FaceLandmarks carries both eyes for one frame. The optional lid contours
// are the six eyelid points per eye: the two corners at indexes 0 and 3, upper
// lid at 1 and 2, lower lid at 5 and 4.
type FaceLandmarks struct {
	Left     EyeLandmarks `json:"left"`
	Right    EyeLandmarks `json:"right"`
	LeftLid  *[6]Point    `json:"left_lid,omitempty"`
	RightLid *[6]Point    `json:"right_lid,omitempty"`
}

// Normalize maps the iris position into the eye box: 0 at the inner corner / top
// lid, 1 at the outer corner / bottom lid. Values are not clamped.
func Normalize(eye EyeLandmarks) (h, v float64) {
	h = (eye.Iris.X - eye.Inner.X) / (eye.Outer.X - eye.Inner.X + Epsilon)
	v = (eye.Iris.Y - eye.Top.Y) / (eye.Bottom.Y - eye.Top.Y + Epsilon)
	return h, v
}

// Gaze averages the normalized coordinates of both eyes.
func (f FaceLandmarks) Gaze() (h, v float64) {
	lh, lv := Normalize(f.Left)
	rh, rv := Normalize(f.Right)
	return (lh + rh) / 2, (lv + rv) / 2
}

// IsExtreme reports a coordinate far enough outside the eye box that it should
// be treated as low confidence. The value itself is kept as-is.
func IsExtreme(h, v float64) bool {
	return h < extremeLow || h > extremeHigh || v < extremeLow || v > extremeHigh
}

// IsFinite reports whether both coordinates are usable numbers.
func IsFinite(h, v float64) bool {
	return !math.IsNaN(h) && !math.IsInf(h, 0) && !math.IsNaN(v) && !math.IsInf(v, 0)
}
