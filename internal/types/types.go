package types

import (
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/gaze"
)

// FrameSample is one frame of ocular measurements from the landmark extractor.
// When Landmarks is set the gaze is derived from it and GazeH/GazeV are ignored;
// lid contours in Landmarks likewise replace EARLeft/EARRight.
type FrameSample struct {
	Timestamp      time.Time           `json:"timestamp" binding:"required"`
	GazeH          float64             `json:"gaze_h"`
	GazeV          float64             `json:"gaze_v"`
	Landmarks      *gaze.FaceLandmarks `json:"landmarks,omitempty"`
	EARLeft        float64             `json:"ear_left"`
	EARRight       float64             `json:"ear_right"`
	FaceConfidence float64             `json:"face_confidence"`
}

// Gaze returns the normalized gaze coordinate of the frame.
func (f FrameSample) Gaze() (h, v float64) {
	if f.Landmarks != nil {
		return f.Landmarks.Gaze()
	}
	return f.GazeH, f.GazeV
}

// FrameRejection reports why one frame of a batch was not applied.
type FrameRejection struct {
	Index    int    `json:"index"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// CreateUserRequest represents the request structure for the user endpoint
type CreateUserRequest struct {
	Metadata map[string]interface{} `json:"metadata"`
}

// CreateUserResponse carries the new user and a bearer token for it.
type CreateUserResponse struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

// StartSessionRequest opens a monitoring session. Baseline, when present, uses
// "<metric>_mean" / "<metric>_std" keys and overrides the stored baseline.
type StartSessionRequest struct {
	FPS        float64                `json:"fps"`
	DeviceInfo map[string]interface{} `json:"device_info"`
	Baseline   map[string]float64     `json:"baseline,omitempty"`
}

// FramesRequest is a batch of frames in timestamp order.
type FramesRequest struct {
	Frames []FrameSample `json:"frames" binding:"required"`
}

// CloseSessionRequest optionally pins the session end time; the last frame
// timestamp is used otherwise.
type CloseSessionRequest struct {
	EndTime *time.Time `json:"end_time,omitempty"`
}
