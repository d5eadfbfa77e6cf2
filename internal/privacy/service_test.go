package privacy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
)

type fakeStore struct {
	cutoffs   []time.Time
	purged    int64
	purgeErr  error
	deleted   []int64
	deleteErr error
}

func (f *fakeStore) DeleteFrameSamplesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	return f.purged, nil
}

func (f *fakeStore) DeleteUserData(_ context.Context, userID int64) (map[string]int64, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, userID)
	return map[string]int64{"users": 1, "sessions": 2, "frame_samples": 300, "window_metrics": 4}, nil
}

type fakeBaselines struct {
	removed []int64
	err     error
}

func (f *fakeBaselines) Delete(userID int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.removed = append(f.removed, userID)
	return true, nil
}

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestService(store Store, baselines BaselineRemover, days int, metrics *monitoring.Metrics) *Service {
	s := NewService(store, baselines, days, metrics,
		monitoring.NewLoggerWithWriter(&bytes.Buffer{}, slog.LevelError))
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestService_Purge(t *testing.T) {
	store := &fakeStore{purged: 120}
	metrics := monitoring.NewMetrics()
	s := newTestService(store, nil, 30, metrics)

	n, err := s.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), n)
	require.Len(t, store.cutoffs, 1)
	assert.True(t, fixedNow.AddDate(0, 0, -30).Equal(store.cutoffs[0]))
	assert.Equal(t, int64(120), metrics.FramesPurged)
}

func TestService_PurgeDisabled(t *testing.T) {
	store := &fakeStore{purged: 5}
	s := newTestService(store, nil, 0, nil)

	assert.True(t, s.Cutoff().IsZero())
	n, err := s.Purge(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.cutoffs)

	// Run returns straight away when there is nothing to purge
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with retention disabled")
	}
}

func TestService_PurgeFailure(t *testing.T) {
	store := &fakeStore{purgeErr: errors.New("disk I/O error")}
	metrics := monitoring.NewMetrics()
	s := newTestService(store, nil, 7, metrics)

	_, err := s.Purge(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), metrics.StorageFailures)
	assert.Zero(t, metrics.FramesPurged)
}

func TestService_RunPurgesUntilCancelled(t *testing.T) {
	store := &fakeStore{purged: 1}
	s := newTestService(store, nil, 7, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, len(store.cutoffs), 2)
}

func TestService_DeleteUserData(t *testing.T) {
	tests := []struct {
		name         string
		store        *fakeStore
		baselines    *fakeBaselines
		wantErr      bool
		wantBaseline bool
	}{
		{
			name:         "rows and baseline",
			store:        &fakeStore{},
			baselines:    &fakeBaselines{},
			wantBaseline: true,
		},
		{
			name:  "no baseline store",
			store: &fakeStore{},
		},
		{
			name:      "unknown user",
			store:     &fakeStore{deleteErr: apperrors.NewNotFoundError("user", int64(9))},
			baselines: &fakeBaselines{},
			wantErr:   true,
		},
		{
			name:      "baseline removal fails",
			store:     &fakeStore{},
			baselines: &fakeBaselines{err: errors.New("permission denied")},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var baselines BaselineRemover
			if tt.baselines != nil {
				baselines = tt.baselines
			}
			s := newTestService(tt.store, baselines, 30, nil)

			report, err := s.DeleteUserData(context.Background(), 9)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(9), report.UserID)
			assert.Equal(t, int64(2), report.Rows["sessions"])
			assert.Equal(t, tt.wantBaseline, report.BaselineDeleted)
			assert.Equal(t, []int64{9}, tt.store.deleted)
		})
	}
}

func TestService_UnknownUserKeepsBaseline(t *testing.T) {
	baselines := &fakeBaselines{}
	s := newTestService(&fakeStore{deleteErr: apperrors.NewNotFoundError("user", int64(9))}, baselines, 30, nil)

	_, err := s.DeleteUserData(context.Background(), 9)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Empty(t, baselines.removed)
}

func TestAnonymizeID(t *testing.T) {
	assert.Len(t, AnonymizeID(42), 12)
	assert.Equal(t, AnonymizeID(42), AnonymizeID(42))
	assert.NotEqual(t, AnonymizeID(42), AnonymizeID(43))
}

func TestService_RetentionInfo(t *testing.T) {
	info := newTestService(&fakeStore{}, nil, 14, nil).RetentionInfo()
	assert.Equal(t, 14, info["frame_retention_days"])
	assert.Equal(t, true, info["frame_purge_enabled"])
}
