// Package privacy enforces frame retention and erases user data on request.
package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
	"github.com/ZanzyTHEbar/strainwatch/internal/resilience"
)

// Store is the persistence the service needs.
type Store interface {
	DeleteFrameSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteUserData(ctx context.Context, userID int64) (map[string]int64, error)
}

// BaselineRemover deletes a user's stored baseline.
type BaselineRemover interface {
	Delete(userID int64) (bool, error)
}

// DeletionReport lists what was erased for a user.
type DeletionReport struct {
	UserID          int64            `json:"user_id"`
	Rows            map[string]int64 `json:"rows_deleted"`
	BaselineDeleted bool             `json:"baseline_deleted"`
}

// Service handles frame retention and user erasure. Per-window metrics and
// blink events are kept for the life of the account; only raw frame samples
// age out.
type Service struct {
	store         Store
	baselines     BaselineRemover
	retentionDays int
	metrics       *monitoring.Metrics
	logger        *monitoring.Logger
	now           func() time.Time
}

// NewService creates a new privacy service. A non-positive retention keeps
// frame samples forever.
func NewService(store Store, baselines BaselineRemover, retentionDays int, metrics *monitoring.Metrics, logger *monitoring.Logger) *Service {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if logger == nil {
		logger = monitoring.NewLogger()
	}
	return &Service{
		store:         store,
		baselines:     baselines,
		retentionDays: retentionDays,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// AnonymizeID returns a short stable hash of a user id for log lines.
func AnonymizeID(userID int64) string {
	hash := sha256.Sum256([]byte(strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(hash[:])[:12]
}

// Cutoff returns the instant before which frame samples are purged, or the
// zero time when retention is disabled.
func (s *Service) Cutoff() time.Time {
	if s.retentionDays <= 0 {
		return time.Time{}
	}
	return s.now().AddDate(0, 0, -s.retentionDays)
}

// Purge deletes frame samples older than the retention period.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	cutoff := s.Cutoff()
	if cutoff.IsZero() {
		return 0, nil
	}

	var deleted int64
	err := resilience.RetryWithPolicy(ctx, resilience.BulkPolicy, func() error {
		n, err := s.store.DeleteFrameSamplesBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		deleted = n
		return nil
	})
	if err != nil {
		s.logger.StorageLogger("purge_frame_samples", 0, err)
		s.metrics.IncrementStorageFailure()
		return 0, fmt.Errorf("failed to purge frame samples: %w", err)
	}

	s.metrics.RecordPurge(deleted)
	s.logger.Info("Frame retention purge completed",
		"cutoff", cutoff.Format(time.RFC3339),
		"frames_deleted", deleted)
	return deleted, nil
}

// Run purges once immediately and then on every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s.retentionDays <= 0 {
		s.logger.SystemLogger("retention_disabled", "frame samples are kept indefinitely")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Purge(ctx); err != nil {
			s.logger.Warn("Retention purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DeleteUserData erases a user, their sessions with everything recorded for
// them, and their stored baseline.
func (s *Service) DeleteUserData(ctx context.Context, userID int64) (DeletionReport, error) {
	ref := AnonymizeID(userID)
	s.logger.Info("Initiating user data deletion", "user_ref", ref)

	rows, err := s.store.DeleteUserData(ctx, userID)
	if err != nil {
		return DeletionReport{}, err
	}
	report := DeletionReport{UserID: userID, Rows: rows}

	if s.baselines != nil {
		existed, err := s.baselines.Delete(userID)
		if err != nil {
			// rows are already gone; report the leftover file
			s.logger.Error("Failed to delete baseline", "user_ref", ref, "error", err)
			return report, err
		}
		report.BaselineDeleted = existed
	}

	s.logger.Info("User data deletion completed",
		"user_ref", ref,
		"sessions_deleted", rows["sessions"],
		"frames_deleted", rows["frame_samples"],
		"windows_deleted", rows["window_metrics"],
		"baseline_deleted", report.BaselineDeleted)
	return report, nil
}

// RetentionInfo describes the retention policy in force.
func (s *Service) RetentionInfo() map[string]interface{} {
	return map[string]interface{}{
		"frame_retention_days": s.retentionDays,
		"frame_purge_enabled":  s.retentionDays > 0,
		"window_metrics":       "kept until the user is deleted",
		"blink_events":         "kept until the user is deleted",
		"baseline":             "kept until replaced or the user is deleted",
		"anonymization_method": "SHA-256",
	}
}
