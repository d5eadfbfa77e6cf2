// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/security"
	"github.com/ZanzyTHEbar/strainwatch/internal/session"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port        string
	DataDir     string
	DBPath      string
	BaselineDir string
	JWTSecret   string
	LogLevel    string

	Session            session.Config
	PersistFrames      bool
	FrameRetentionDays int

	MaxRequestsPerMin int
	AllowedOrigins    []string
}

// UsesDefaultSecret reports whether JWT_SECRET was left unset.
func (c *Config) UsesDefaultSecret() bool {
	return c.JWTSecret == defaultJWTSecret
}

// SecurityConfig returns the HTTP security settings with the configured
// limits applied.
func (c *Config) SecurityConfig() security.SecurityConfig {
	sc := security.DefaultSecurityConfig()
	sc.MaxRequestsPerMin = c.MaxRequestsPerMin
	sc.AllowedOrigins = c.AllowedOrigins
	return sc
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return apperrors.NewConfigurationError("PORT must not be empty", nil)
	}
	if c.MaxRequestsPerMin <= 0 {
		return apperrors.NewConfigurationError("MAX_REQUESTS_PER_MIN must be positive", nil)
	}
	if c.FrameRetentionDays < 0 {
		return apperrors.NewConfigurationError("FRAME_RETENTION_DAYS must not be negative", nil)
	}
	if err := c.Session.Validate(); err != nil {
		return apperrors.NewConfigurationError("invalid session settings", err)
	}
	return nil
}

// Load reads an optional .env file and then the environment. Unparseable
// values are reported rather than silently replaced by defaults.
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	var l loader
	dataDir := getEnv("DATA_DIR", "./data")
	defaults := session.DefaultConfig()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DataDir:     dataDir,
		DBPath:      getEnv("DB_PATH", filepath.Join(dataDir, "strainwatch.db")),
		BaselineDir: getEnv("BASELINE_DIR", filepath.Join(dataDir, "baselines")),
		JWTSecret:   getEnv("JWT_SECRET", defaultJWTSecret),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		PersistFrames:      l.bool("PERSIST_FRAMES", true),
		FrameRetentionDays: l.int("FRAME_RETENTION_DAYS", 30),

		MaxRequestsPerMin: l.int("MAX_REQUESTS_PER_MIN", security.DefaultSecurityConfig().MaxRequestsPerMin),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", security.DefaultSecurityConfig().AllowedOrigins),
	}

	cfg.Session = session.Config{
		WindowLength:      l.duration("WINDOW_LENGTH", defaults.WindowLength),
		GazeCapacity:      l.int("GAZE_CAPACITY", defaults.GazeCapacity),
		MinFaceConfidence: l.float("MIN_FACE_CONFIDENCE", defaults.MinFaceConfidence),
		Blink:             defaults.Blink,
	}
	cfg.Session.Blink.CloseThreshold = l.float("BLINK_CLOSE_THRESHOLD", defaults.Blink.CloseThreshold)
	cfg.Session.Blink.CompleteThreshold = l.float("BLINK_COMPLETE_THRESHOLD", defaults.Blink.CompleteThreshold)
	cfg.Session.Blink.MinDuration = l.duration("BLINK_MIN_DURATION", defaults.Blink.MinDuration)

	if len(l.errs) > 0 {
		return nil, apperrors.NewConfigurationError(strings.Join(l.errs, "; "), nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loader parses typed values and collects every malformed key.
type loader struct {
	errs []string
}

func (l *loader) fail(key, v string, err error) {
	l.errs = append(l.errs, fmt.Sprintf("%s=%q: %v", key, v, err))
}

func (l *loader) int(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return defaultVal
	}
	return n
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail(key, v, err)
		return defaultVal
	}
	return f
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, v, err)
		return defaultVal
	}
	return b
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return defaultVal
	}
	return d
}
