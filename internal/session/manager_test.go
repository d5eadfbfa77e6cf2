package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/blink"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
	"github.com/ZanzyTHEbar/strainwatch/internal/resilience"
)

type fakeRecorder struct {
	mu      sync.Mutex
	fail    error
	frames  int
	blinks  []blink.Event
	windows []analysis.WindowResult
	ended   map[int64]time.Time
}

func (r *fakeRecorder) InsertFrameSamples(_ context.Context, _ int64, frames []analysis.PreparedFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames += len(frames)
	return nil
}

func (r *fakeRecorder) InsertBlinkEvent(_ context.Context, _ int64, ev blink.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.blinks = append(r.blinks, ev)
	return nil
}

func (r *fakeRecorder) InsertWindowMetrics(_ context.Context, result analysis.WindowResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.windows = append(r.windows, result)
	return nil
}

func (r *fakeRecorder) EndSession(_ context.Context, sessionID int64, end time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if r.ended == nil {
		r.ended = make(map[int64]time.Time)
	}
	r.ended[sessionID] = end
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []analysis.WindowResult
}

func (p *fakePublisher) Publish(result analysis.WindowResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, result)
}

func newTestManager(rec Recorder, pub Publisher, metrics *monitoring.Metrics) *Manager {
	return NewManager(ManagerOptions{
		Config:        DefaultConfig(),
		Recorder:      rec,
		Publisher:     pub,
		PersistFrames: true,
		Logger:        monitoring.NewLoggerWithWriter(&bytes.Buffer{}, slog.LevelError),
		Metrics:       metrics,
	})
}

func TestManager_Lifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	metrics := monitoring.NewMetrics()
	m := newTestManager(rec, pub, metrics)
	ctx := context.Background()

	_, err := m.Start(11, 3, testModel(t))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, int64(1), metrics.ActiveSessions)

	_, err = m.Start(11, 3, testModel(t))
	assert.Error(t, err, "duplicate session id")

	result, err := m.Ingest(ctx, 11, steadyFrames(0, 601))
	require.NoError(t, err)
	assert.Equal(t, 601, result.AcceptedCount)
	assert.Empty(t, result.Rejected)
	assert.False(t, result.Degraded)
	require.Len(t, result.Windows, 1)
	assert.Len(t, result.Blinks, 10)

	assert.Equal(t, 601, rec.frames)
	assert.Len(t, rec.blinks, 10)
	require.Len(t, rec.windows, 1)
	require.Len(t, pub.published, 1)
	assert.Equal(t, int64(11), pub.published[0].SessionID)
	assert.Equal(t, int64(1), metrics.WindowsScored)
	assert.Equal(t, int64(601), metrics.FramesAccepted)

	closed, err := m.End(ctx, 11, time.Time{})
	require.NoError(t, err)
	assert.False(t, closed.Degraded)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int64(0), metrics.ActiveSessions)
	assert.True(t, t0.Add(60*time.Second).Equal(rec.ended[11]), "end time is the last frame")

	_, err = m.Get(11)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	_, err = m.Ingest(ctx, 11, steadyFrames(601, 610))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestManager_StorageFailureDoesNotStopScoring(t *testing.T) {
	rec := &fakeRecorder{fail: errors.New("disk I/O error")}
	pub := &fakePublisher{}
	metrics := monitoring.NewMetrics()
	m := newTestManager(rec, pub, metrics)
	ctx := context.Background()

	_, err := m.Start(12, 3, testModel(t))
	require.NoError(t, err)

	result, err := m.Ingest(ctx, 12, steadyFrames(0, 601))
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	require.Len(t, result.Windows, 1)
	assert.Equal(t, analysis.OutcomeScored, result.Windows[0].Outcome)
	assert.Len(t, pub.published, 1, "windows are published even when the write failed")
	assert.Positive(t, metrics.StorageFailures)
}

func TestManager_OpenBreakerSkipsWrites(t *testing.T) {
	rec := &fakeRecorder{fail: errors.New("disk I/O error")}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	})
	m := NewManager(ManagerOptions{
		Config:   DefaultConfig(),
		Recorder: rec,
		Breaker:  breaker,
		Logger:   monitoring.NewLoggerWithWriter(&bytes.Buffer{}, slog.LevelError),
	})

	_, err := m.Start(13, 3, testModel(t))
	require.NoError(t, err)
	result, err := m.Ingest(context.Background(), 13, steadyFrames(0, 601))
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, resilience.StateOpen, breaker.State())

	// recovery: the store comes back but the breaker keeps it shut until the
	// timeout passes
	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()
	result, err = m.Ingest(context.Background(), 13, steadyFrames(601, 1201))
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Empty(t, rec.windows)
}

func TestManager_RejectionsAreReported(t *testing.T) {
	metrics := monitoring.NewMetrics()
	m := newTestManager(nil, nil, metrics)

	_, err := m.Start(14, 3, testModel(t))
	require.NoError(t, err)

	frames := steadyFrames(0, 10)
	frames[4], frames[5] = frames[5], frames[4]
	result, err := m.Ingest(context.Background(), 14, frames)
	require.NoError(t, err)

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 5, result.Rejected[0].Index)
	assert.Equal(t, 9, result.AcceptedCount)
	assert.Equal(t, int64(1), metrics.FramesRejected)
	assert.False(t, result.Degraded)
}

func TestManager_EndKeepsSessionOnFailedClose(t *testing.T) {
	m := newTestManager(nil, nil, nil)
	_, err := m.Start(15, 3, testModel(t))
	require.NoError(t, err)
	_, err = m.Ingest(context.Background(), 15, steadyFrames(0, 50))
	require.NoError(t, err)

	_, err = m.End(context.Background(), 15, t0)
	assert.True(t, errors.Is(err, apperrors.ErrOrderingViolation))
	assert.Equal(t, 1, m.Len())

	assert.Equal(t, 1, m.CloseAll(context.Background()))
	assert.Equal(t, 0, m.Len())
}

func TestManager_SessionsFor(t *testing.T) {
	m := newTestManager(nil, nil, nil)
	for _, s := range []struct{ id, user int64 }{{1, 3}, {2, 4}, {5, 3}} {
		_, err := m.Start(s.id, s.user, testModel(t))
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []int64{1, 5}, m.SessionsFor(3))
	assert.Equal(t, []int64{2}, m.SessionsFor(4))
	assert.Empty(t, m.SessionsFor(9))
}

func TestManager_ParallelSessionsAreIndependent(t *testing.T) {
	rec := &fakeRecorder{}
	m := newTestManager(rec, nil, nil)
	ctx := context.Background()

	const sessions = 8
	results := make([]BatchResult, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := int64(100 + i)
		_, err := m.Start(id, 3, testModel(t))
		require.NoError(t, err)

		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			var merged BatchResult
			// feed in uneven batches to interleave with the other goroutines
			for from := 0; from < 1201; from += 37 {
				to := from + 37
				if to > 1201 {
					to = 1201
				}
				r, err := m.Ingest(ctx, id, steadyFrames(from, to))
				if err != nil {
					t.Error(err)
					return
				}
				merged.Windows = append(merged.Windows, r.Windows...)
			}
			results[i] = merged
		}(i, id)
	}
	wg.Wait()

	require.Len(t, results[0].Windows, 2)
	for i := 1; i < sessions; i++ {
		require.Len(t, results[i].Windows, 2)
		for w := range results[i].Windows {
			if diff := cmp.Diff(results[0].Windows[w].Features, results[i].Windows[w].Features); diff != "" {
				t.Errorf("session %d window %d features differ (-want +got):\n%s", i, w, diff)
			}
			if diff := cmp.Diff(results[0].Windows[w].Score, results[i].Windows[w].Score); diff != "" {
				t.Errorf("session %d window %d score differs (-want +got):\n%s", i, w, diff)
			}
		}
	}
	assert.Len(t, rec.windows, 2*sessions)
}

func TestManager_EndEmptySessionRecordsRealInstant(t *testing.T) {
	rec := &fakeRecorder{}
	m := newTestManager(rec, nil, nil)

	before := time.Now()
	_, err := m.Start(42, 3, testModel(t))
	require.NoError(t, err)

	closed, err := m.End(context.Background(), 42, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, closed.Windows)

	ended, ok := rec.ended[42]
	require.True(t, ok)
	assert.False(t, ended.IsZero())
	assert.False(t, ended.Before(before))
	assert.True(t, closed.End.Equal(ended))
}

// slowRecorder delays window writes so concurrent batches would interleave
// their writes if they were not ordered.
type slowRecorder struct {
	fakeRecorder
}

func (r *slowRecorder) InsertWindowMetrics(ctx context.Context, result analysis.WindowResult) error {
	time.Sleep(time.Millisecond)
	return r.fakeRecorder.InsertWindowMetrics(ctx, result)
}

func TestManager_ConcurrentBatchesKeepWindowOrder(t *testing.T) {
	rec := &slowRecorder{}
	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.WindowLength = 2 * time.Second
	m := NewManager(ManagerOptions{
		Config:    cfg,
		Recorder:  rec,
		Publisher: pub,
		Logger:    monitoring.NewLoggerWithWriter(&bytes.Buffer{}, slog.LevelError),
	})
	ctx := context.Background()

	_, err := m.Start(5, 3, testModel(t))
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for from := 0; from < 1200; from += 40 {
		wg.Add(1)
		go func(from int) {
			defer wg.Done()
			<-start
			if _, err := m.Ingest(ctx, 5, steadyFrames(from, from+40)); err != nil {
				t.Error(err)
			}
		}(from)
	}
	close(start)
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	pub.mu.Lock()
	defer pub.mu.Unlock()

	require.NotEmpty(t, rec.windows)
	for i := 1; i < len(rec.windows); i++ {
		prev, cur := rec.windows[i-1].Features.Window, rec.windows[i].Features.Window
		assert.True(t, prev.Start.Before(cur.Start), "window %d stored out of order", i)
	}
	require.Len(t, pub.published, len(rec.windows))
	for i := range rec.windows {
		assert.True(t, rec.windows[i].Features.Window.Start.Equal(pub.published[i].Features.Window.Start),
			"window %d streamed out of order", i)
	}
}
