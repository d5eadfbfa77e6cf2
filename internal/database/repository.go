package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/blink"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
)

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a user and returns it with its assigned id.
func (r *Repository) CreateUser(ctx context.Context, metadata map[string]interface{}) (*User, error) {
	meta, err := encodeJSON(metadata)
	if err != nil {
		return nil, apperrors.NewValidationError("metadata is not valid JSON", err.Error())
	}

	user := &User{CreatedAt: time.Now().UTC(), Metadata: metadata}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (created_at, metadata) VALUES (?, ?)`,
		user.CreatedAt, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return user, nil
}

// GetUser loads a user by id.
func (r *Repository) GetUser(ctx context.Context, userID int64) (*User, error) {
	var (
		user User
		meta sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, created_at, metadata FROM users WHERE user_id = ?`, userID,
	).Scan(&user.ID, &user.CreatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("user", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if err := decodeJSON(meta, &user.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode user metadata: %w", err)
	}
	return &user, nil
}

// CreateSession opens a session row for an existing user.
func (r *Repository) CreateSession(ctx context.Context, userID int64, start time.Time, fps float64, deviceInfo map[string]interface{}) (*Session, error) {
	if _, err := r.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	device, err := encodeJSON(deviceInfo)
	if err != nil {
		return nil, apperrors.NewValidationError("device_info is not valid JSON", err.Error())
	}

	s := &Session{UserID: userID, StartTS: start.UTC(), FPS: fps, DeviceInfo: deviceInfo}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, start_ts, fps, device_info) VALUES (?, ?, ?, ?)`,
		s.UserID, s.StartTS, s.FPS, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read session id: %w", err)
	}
	return s, nil
}

// EndSession stamps the session end time.
func (r *Repository) EndSession(ctx context.Context, sessionID int64, end time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET end_ts = ? WHERE session_id = ?`, end.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError("session", sessionID)
	}
	return nil
}

// GetSession loads a session by id.
func (r *Repository) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	var (
		s      Session
		end    sql.NullTime
		fps    sql.NullFloat64
		device sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, start_ts, end_ts, fps, device_info
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&s.ID, &s.UserID, &s.StartTS, &end, &fps, &device)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if end.Valid {
		s.EndTS = &end.Time
	}
	s.FPS = fps.Float64
	if err := decodeJSON(device, &s.DeviceInfo); err != nil {
		return nil, fmt.Errorf("failed to decode device info: %w", err)
	}
	return &s, nil
}

// InsertFrameSamples stores a frame batch in a single transaction.
func (r *Repository) InsertFrameSamples(ctx context.Context, sessionID int64, frames []analysis.PreparedFrame) error {
	if len(frames) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin frame batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO frame_samples (session_id, ts, ear_left, ear_right, iris_h, iris_v, face_conf, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare frame insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		var flags sql.NullString
		if len(f.Flags) > 0 {
			flags = sql.NullString{String: strings.Join(f.Flags, ","), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, sessionID, f.Sample.Timestamp.UTC(),
			f.EARLeft, f.EARRight, f.GazeH, f.GazeV, f.Sample.FaceConfidence, flags); err != nil {
			return fmt.Errorf("failed to insert frame sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit frame batch: %w", err)
	}
	return nil
}

// ListFrameSamples returns a session's stored frames in time order.
func (r *Repository) ListFrameSamples(ctx context.Context, sessionID int64) ([]FrameRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, ts, ear_left, ear_right, iris_h, iris_v, face_conf, flags
		FROM frame_samples WHERE session_id = ? ORDER BY ts ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame samples: %w", err)
	}
	defer rows.Close()

	var frames []FrameRecord
	for rows.Next() {
		var (
			f     FrameRecord
			flags sql.NullString
		)
		if err := rows.Scan(&f.SessionID, &f.TS, &f.EARLeft, &f.EARRight, &f.IrisH, &f.IrisV, &f.FaceConf, &flags); err != nil {
			return nil, fmt.Errorf("failed to scan frame sample: %w", err)
		}
		if flags.Valid && flags.String != "" {
			f.Flags = strings.Split(flags.String, ",")
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// InsertBlinkEvent stores one detected blink.
func (r *Repository) InsertBlinkEvent(ctx context.Context, sessionID int64, ev blink.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blink_events (session_id, start_ts, end_ts, duration_ms, min_ear, is_incomplete)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, ev.Start.UTC(), ev.End.UTC(), ev.DurationMS, ev.MinClosure, ev.Incomplete)
	if err != nil {
		return fmt.Errorf("failed to insert blink event: %w", err)
	}
	return nil
}

// ListBlinkEvents returns a session's blinks in start order.
func (r *Repository) ListBlinkEvents(ctx context.Context, sessionID int64) ([]blink.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT start_ts, end_ts, duration_ms, min_ear, is_incomplete
		FROM blink_events WHERE session_id = ? ORDER BY start_ts ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query blink events: %w", err)
	}
	defer rows.Close()

	events := []blink.Event{}
	for rows.Next() {
		var ev blink.Event
		if err := rows.Scan(&ev.Start, &ev.End, &ev.DurationMS, &ev.MinClosure, &ev.Incomplete); err != nil {
			return nil, fmt.Errorf("failed to scan blink event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertWindowMetrics stores one window outcome. Undefined statistics and
// unscored windows are written as NULL.
func (r *Repository) InsertWindowMetrics(ctx context.Context, result analysis.WindowResult) error {
	fv := result.Features
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO window_metrics (
			session_id, window_start, window_end, blink_rate, ibi_mean, incomplete_ratio,
			gaze_variance, fixation_ratio, off_center_ratio, risk_score,
			outcome, frame_count, blink_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.SessionID, fv.Window.Start.UTC(), fv.Window.End.UTC(),
		nullable(fv.BlinkRate), nullable(fv.IBIMean), nullable(fv.IncompleteRatio),
		nullable(fv.GazeVariance), nullable(fv.FixationRatio), nullable(fv.OffCenterRatio),
		nullable(result.Risk()),
		string(result.Outcome), fv.FrameCount, fv.BlinkCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert window metrics: %w", err)
	}
	return nil
}

// ListWindowMetrics returns a session's windows in time order.
func (r *Repository) ListWindowMetrics(ctx context.Context, sessionID int64) ([]WindowMetrics, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, window_start, window_end, blink_rate, ibi_mean, incomplete_ratio,
			gaze_variance, fixation_ratio, off_center_ratio, risk_score,
			outcome, frame_count, blink_count
		FROM window_metrics WHERE session_id = ? ORDER BY window_start ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query window metrics: %w", err)
	}
	defer rows.Close()

	windows := []WindowMetrics{}
	for rows.Next() {
		var (
			w                     WindowMetrics
			rate, ibi, incomplete sql.NullFloat64
			variance, fix         sql.NullFloat64
			offCenter, risk       sql.NullFloat64
			outcome               string
		)
		if err := rows.Scan(&w.SessionID, &w.WindowStart, &w.WindowEnd, &rate, &ibi, &incomplete,
			&variance, &fix, &offCenter, &risk, &outcome, &w.FrameCount, &w.BlinkCount); err != nil {
			return nil, fmt.Errorf("failed to scan window metrics: %w", err)
		}
		w.BlinkRate = metricOf(rate)
		w.IBIMean = metricOf(ibi)
		w.IncompleteRatio = metricOf(incomplete)
		w.GazeVariance = metricOf(variance)
		w.FixationRatio = metricOf(fix)
		w.OffCenterRatio = metricOf(offCenter)
		w.RiskScore = metricOf(risk)
		w.Outcome = analysis.Outcome(outcome)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// DeleteFrameSamplesBefore removes raw frames older than cutoff and returns
// how many were removed. Blinks and windows are kept.
func (r *Repository) DeleteFrameSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM frame_samples WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge frame samples: %w", err)
	}
	return res.RowsAffected()
}

// DeleteUserData removes a user and everything recorded for them in one
// transaction. It returns the number of rows removed per table.
func (r *Repository) DeleteUserData(ctx context.Context, userID int64) (map[string]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	owned := `session_id IN (SELECT session_id FROM sessions WHERE user_id = ?)`
	steps := []struct {
		table string
		query string
	}{
		{"frame_samples", `DELETE FROM frame_samples WHERE ` + owned},
		{"blink_events", `DELETE FROM blink_events WHERE ` + owned},
		{"window_metrics", `DELETE FROM window_metrics WHERE ` + owned},
		{"sessions", `DELETE FROM sessions WHERE user_id = ?`},
		{"users", `DELETE FROM users WHERE user_id = ?`},
	}

	deleted := make(map[string]int64, len(steps))
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", step.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		deleted[step.table] = n
	}
	if deleted["users"] == 0 {
		return nil, apperrors.NewNotFoundError("user", userID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deletion: %w", err)
	}
	return deleted, nil
}

func encodeJSON(v map[string]interface{}) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString, into *map[string]interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), into)
}
