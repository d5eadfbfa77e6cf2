package monitoring

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger provides enhanced structured logging with context
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger on stdout at info level.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout, slog.LevelInfo)
}

// NewLoggerWithWriter creates a JSON logger writing to w.
func NewLoggerWithWriter(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
				}
			}
			return a
		},
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// ParseLevel maps LOG_LEVEL values onto slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RequestLogger logs HTTP request details
func (l *Logger) RequestLogger(method, path, ip, userAgent, requestID string, statusCode int, duration time.Duration) {
	l.Info("HTTP Request",
		"method", method,
		"path", path,
		"ip", ip,
		"user_agent", userAgent,
		"request_id", requestID,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// APIErrorLogger logs API errors with context
func (l *Logger) APIErrorLogger(err error, method, path, ip string, statusCode int) {
	l.Error("API Error",
		"error", err.Error(),
		"method", method,
		"path", path,
		"ip", ip,
		"status_code", statusCode,
	)
}

// SessionLogger logs session lifecycle events
func (l *Logger) SessionLogger(event string, sessionID, userID int64, details ...any) {
	attrs := append([]any{
		"event", event,
		"session_id", sessionID,
		"user_id", userID,
	}, details...)
	l.Info("Session Event", attrs...)
}

// WindowLogger logs a closed aggregation window
func (l *Logger) WindowLogger(sessionID int64, windowStart time.Time, outcome string, risk *float64, blinks, frames int) {
	attrs := []any{
		"session_id", sessionID,
		"window_start", windowStart.Format(time.RFC3339),
		"outcome", outcome,
		"blink_count", blinks,
		"frame_count", frames,
	}
	if risk != nil {
		attrs = append(attrs, "risk_score", *risk)
	}
	l.Info("Window Closed", attrs...)
}

// FrameRejectedLogger logs a frame the engine refused
func (l *Logger) FrameRejectedLogger(sessionID int64, index int, category, reason string) {
	l.Debug("Frame Rejected",
		"session_id", sessionID,
		"index", index,
		"category", category,
		"reason", reason,
	)
}

// StorageLogger logs a failed write that the engine carried on without
func (l *Logger) StorageLogger(operation string, sessionID int64, err error) {
	l.Warn("Storage Write Failed",
		"operation", operation,
		"session_id", sessionID,
		"error", err.Error(),
	)
}

// SystemLogger logs system-level events
func (l *Logger) SystemLogger(event, details string) {
	l.Info("System Event",
		"event", event,
		"details", details,
		"uptime", time.Since(startTime).String(),
	)
}

// SecurityLogger logs security-related events
func (l *Logger) SecurityLogger(event, ip, userAgent string, details map[string]interface{}) {
	attrs := []any{
		"event", event,
		"ip", ip,
		"user_agent", userAgent,
	}
	for key, value := range details {
		attrs = append(attrs, key, value)
	}

	l.Warn("Security Event", attrs...)
}

// PerformanceLogger logs performance metrics
func (l *Logger) PerformanceLogger(metric string, value float64, unit string) {
	l.Info("Performance Metric",
		"metric", metric,
		"value", value,
		"unit", unit,
	)
}

var startTime = time.Now()
