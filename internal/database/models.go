package database

import (
	"database/sql"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
)

// User is a monitored person. Baselines live outside the database.
type User struct {
	ID        int64                  `json:"user_id"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Session is one continuous monitoring run.
type Session struct {
	ID         int64                  `json:"session_id"`
	UserID     int64                  `json:"user_id"`
	StartTS    time.Time              `json:"start_ts"`
	EndTS      *time.Time             `json:"end_ts,omitempty"`
	FPS        float64                `json:"fps"`
	DeviceInfo map[string]interface{} `json:"device_info,omitempty"`
}

// Active reports whether the session has not been ended.
func (s *Session) Active() bool { return s.EndTS == nil }

// FrameRecord is a persisted frame sample.
type FrameRecord struct {
	SessionID int64     `json:"session_id"`
	TS        time.Time `json:"ts"`
	EARLeft   float64   `json:"ear_left"`
	EARRight  float64   `json:"ear_right"`
	IrisH     float64   `json:"iris_h"`
	IrisV     float64   `json:"iris_v"`
	FaceConf  float64   `json:"face_conf"`
	Flags     []string  `json:"flags,omitempty"`
}

// WindowMetrics is a persisted window_metrics row. Undefined statistics are
// NULL in the table and null in JSON.
type WindowMetrics struct {
	SessionID       int64            `json:"session_id"`
	WindowStart     time.Time        `json:"window_start"`
	WindowEnd       time.Time        `json:"window_end"`
	FrameCount      int              `json:"frame_count"`
	BlinkCount      int              `json:"blink_count"`
	BlinkRate       analysis.Metric  `json:"blink_rate"`
	IBIMean         analysis.Metric  `json:"ibi_mean"`
	IncompleteRatio analysis.Metric  `json:"incomplete_ratio"`
	GazeVariance    analysis.Metric  `json:"gaze_variance"`
	FixationRatio   analysis.Metric  `json:"fixation_ratio"`
	OffCenterRatio  analysis.Metric  `json:"off_center_ratio"`
	RiskScore       analysis.Metric  `json:"risk_score"`
	Outcome         analysis.Outcome `json:"outcome"`
}

func nullable(m analysis.Metric) sql.NullFloat64 {
	return sql.NullFloat64{Float64: m.Value, Valid: m.Valid}
}

func metricOf(n sql.NullFloat64) analysis.Metric {
	if !n.Valid {
		return analysis.Unknown
	}
	return analysis.Known(n.Float64)
}
