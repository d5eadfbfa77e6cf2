package session

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/blink"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
	"github.com/ZanzyTHEbar/strainwatch/internal/resilience"
	"github.com/ZanzyTHEbar/strainwatch/internal/types"
)

// Recorder persists what sessions produce.
type Recorder interface {
	InsertFrameSamples(ctx context.Context, sessionID int64, frames []analysis.PreparedFrame) error
	InsertBlinkEvent(ctx context.Context, sessionID int64, ev blink.Event) error
	InsertWindowMetrics(ctx context.Context, result analysis.WindowResult) error
	EndSession(ctx context.Context, sessionID int64, end time.Time) error
}

// Publisher fans window results out to live subscribers. Publish must not block.
type Publisher interface {
	Publish(result analysis.WindowResult)
}

// ManagerOptions configures a Manager. Recorder and Publisher are optional.
type ManagerOptions struct {
	Config        Config
	Recorder      Recorder
	Publisher     Publisher
	PersistFrames bool
	Breaker       *resilience.CircuitBreaker
	Logger        *monitoring.Logger
	Metrics       *monitoring.Metrics
}

// BatchResult is a processed batch plus whether every write succeeded.
type BatchResult struct {
	BatchOutcome
	AcceptedCount int  `json:"accepted"`
	Degraded      bool `json:"storage_degraded,omitempty"`
}

// CloseResult is a closed session plus whether every write succeeded.
type CloseResult struct {
	CloseOutcome
	Degraded bool `json:"storage_degraded,omitempty"`
}

// Manager is a concurrent registry of independent sessions. Ports are invoked
// after the session lock is released; storage failures are logged and counted
// but never stop scoring.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session

	cfg           Config
	recorder      Recorder
	publisher     Publisher
	persistFrames bool
	breaker       *resilience.CircuitBreaker
	logger        *monitoring.Logger
	metrics       *monitoring.Metrics
}

// NewManager creates a manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = monitoring.NewLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})
	}
	return &Manager{
		sessions:      make(map[int64]*Session),
		cfg:           opts.Config,
		recorder:      opts.Recorder,
		publisher:     opts.Publisher,
		persistFrames: opts.PersistFrames,
		breaker:       opts.Breaker,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// Start registers a live session scored against model.
func (m *Manager) Start(id, userID int64, model *analysis.EyeHealthModel) (*Session, error) {
	s, err := New(id, userID, model, m.cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, apperrors.NewValidationError("session is already active", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.logger.SessionLogger("started", id, userID,
		"window_length", m.cfg.WindowLength.String(),
		"gaze_capacity", m.cfg.GazeCapacity)
	return s, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("active session", id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionsFor returns the ids of the live sessions owned by userID.
func (m *Manager) SessionsFor(userID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for id, s := range m.sessions {
		if s.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Ingest applies a batch of frames to session id, then persists and publishes
// what it produced. Batches for one session are handled one at a time, so
// stored and streamed windows keep window order.
func (m *Manager) Ingest(ctx context.Context, id int64, frames []types.FrameSample) (BatchResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return BatchResult{}, err
	}

	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	out, err := s.ProcessBatch(frames)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{BatchOutcome: out, AcceptedCount: len(out.Accepted)}

	for _, rej := range out.Rejected {
		m.logger.FrameRejectedLogger(id, rej.Index, rej.Category, rej.Reason)
	}
	m.metrics.RecordFrames(len(out.Accepted)-out.LowConfidence, len(out.Rejected), out.LowConfidence)
	m.metrics.RecordBlinks(len(out.Blinks))

	ok := true
	if m.persistFrames && len(out.Accepted) > 0 {
		ok = m.persist(ctx, id, "insert_frame_samples", resilience.BulkPolicy, func(ctx context.Context) error {
			return m.recorder.InsertFrameSamples(ctx, id, out.Accepted)
		}) && ok
	}
	ok = m.emit(ctx, id, out.Blinks, out.Windows) && ok
	result.Degraded = !ok
	return result, nil
}

// End closes session id at end and removes it from the registry. A zero end
// selects the last frame timestamp. The session stays registered when Close
// fails.
func (m *Manager) End(ctx context.Context, id int64, end time.Time) (CloseResult, error) {
	s, err := m.Get(id)
	if err != nil {
		return CloseResult{}, err
	}

	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	out, err := s.Close(end)
	if err != nil {
		return CloseResult{}, err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	var blinks []blink.Event
	if out.Blink != nil {
		blinks = append(blinks, *out.Blink)
		m.metrics.RecordBlinks(1)
	}
	ok := m.emit(ctx, id, blinks, out.Windows)
	ok = m.persist(ctx, id, "end_session", resilience.StoragePolicy, func(ctx context.Context) error {
		return m.recorder.EndSession(ctx, id, out.End)
	}) && ok

	m.metrics.SessionEnded()
	m.logger.SessionLogger("ended", id, s.UserID,
		"end", out.End.Format(time.RFC3339),
		"final_windows", len(out.Windows))
	return CloseResult{CloseOutcome: out, Degraded: !ok}, nil
}

// CloseAll ends every live session at its last frame. It is used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if _, err := m.End(ctx, id, time.Time{}); err != nil {
			m.logger.Warn("Failed to close session on shutdown", "session_id", id, "error", err)
			continue
		}
		closed++
	}
	return closed
}

// emit persists blinks before windows, then publishes the windows. Windows
// are published even when their write failed.
func (m *Manager) emit(ctx context.Context, id int64, blinks []blink.Event, windows []analysis.WindowResult) bool {
	ok := true
	for _, ev := range blinks {
		ok = m.persist(ctx, id, "insert_blink_event", resilience.StoragePolicy, func(ctx context.Context) error {
			return m.recorder.InsertBlinkEvent(ctx, id, ev)
		}) && ok
	}

	for _, w := range windows {
		m.metrics.RecordWindow(string(w.Outcome))
		var risk *float64
		if w.Score != nil {
			risk = &w.Score.Risk
		}
		m.logger.WindowLogger(id, w.Features.Window.Start, string(w.Outcome), risk,
			w.Features.BlinkCount, w.Features.FrameCount)

		ok = m.persist(ctx, id, "insert_window_metrics", resilience.StoragePolicy, func(ctx context.Context) error {
			return m.recorder.InsertWindowMetrics(ctx, w)
		}) && ok

		if m.publisher != nil {
			m.publisher.Publish(w)
		}
	}
	return ok
}

// persist runs one write through the circuit breaker and retry policy.
func (m *Manager) persist(ctx context.Context, id int64, op string, policy resilience.RetryPolicy, write func(context.Context) error) bool {
	if m.recorder == nil {
		return true
	}
	err := m.breaker.Call(func() error {
		return resilience.RetryWithPolicy(ctx, policy, func() error { return write(ctx) })
	})
	if err != nil {
		m.logger.StorageLogger(op, id, err)
		m.metrics.IncrementStorageFailure()
		return false
	}
	return true
}
