package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/strainwatch/internal/config"
	"github.com/ZanzyTHEbar/strainwatch/internal/database"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
	"github.com/ZanzyTHEbar/strainwatch/internal/session"
	"github.com/ZanzyTHEbar/strainwatch/internal/stream"
	"github.com/ZanzyTHEbar/strainwatch/internal/types"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const referenceBaseline = `{
	"blink_rate":       {"mean": 15, "std": 3},
	"incomplete_ratio": {"mean": 0.05, "std": 0.02},
	"fixation_ratio":   {"mean": 0.6, "std": 0.1}
}`

func newTestServer(t *testing.T) (*server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := &config.Config{
		Port:               "0",
		DataDir:            dir,
		DBPath:             filepath.Join(dir, "strainwatch.db"),
		BaselineDir:        filepath.Join(dir, "baselines"),
		JWTSecret:          "test-secret",
		Session:            session.DefaultConfig(),
		PersistFrames:      true,
		FrameRetentionDays: 0, // fixed historical timestamps must survive the purge worker
		MaxRequestsPerMin:  100000,
		AllowedOrigins:     []string{"*"},
	}

	db, err := database.NewDB(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := monitoring.NewLoggerWithWriter(&bytes.Buffer{}, slog.LevelError)
	s := newServer(cfg, db, monitoring.NewMetrics(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.start(ctx)
	return s, s.router()
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader.Len() > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into), w.Body.String())
}

func createUser(t *testing.T, r http.Handler) (int64, string) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/users", "", map[string]interface{}{
		"metadata": map[string]interface{}{"desk": "a"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp types.CreateUserResponse
	decode(t, w, &resp)
	require.NotZero(t, resp.UserID)
	require.NotEmpty(t, resp.Token)
	return resp.UserID, resp.Token
}

func startSession(t *testing.T, r http.Handler, userID int64, token string) int64 {
	t.Helper()
	w := doJSON(t, r, http.MethodPut, fmt.Sprintf("/api/users/%d/baseline", userID), token, referenceBaseline)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/api/sessions", token, types.StartSessionRequest{FPS: 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Session database.Session `json:"session"`
	}
	decode(t, w, &resp)
	return resp.Session.ID
}

// steadyFrames returns frames [from, to) at 10 fps with a full blink at the
// start of every 6 s cycle.
func steadyFrames(from, to int) []types.FrameSample {
	frames := make([]types.FrameSample, 0, to-from)
	for i := from; i < to; i++ {
		ear := 0.3
		if phase := i % 60; phase >= 10 && phase < 13 {
			ear = 0.1
		}
		frames = append(frames, types.FrameSample{
			Timestamp:      t0.Add(time.Duration(i) * 100 * time.Millisecond),
			GazeH:          0.5,
			GazeV:          0.5,
			EARLeft:        ear,
			EARRight:       ear,
			FaceConfidence: 0.95,
		})
	}
	return frames
}

type windowJSON struct {
	SessionID int64  `json:"session_id"`
	Outcome   string `json:"outcome"`
	Score     *struct {
		Risk float64 `json:"risk_score"`
	} `json:"score"`
}

type batchJSON struct {
	Accepted int                    `json:"accepted"`
	Rejected []types.FrameRejection `json:"rejected"`
	Windows  []windowJSON           `json:"windows"`
	Degraded bool                   `json:"storage_degraded"`
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET /health returns OK status", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST /health is not routed", method: http.MethodPost, expectedStatus: http.StatusNotFound},
		{name: "DELETE /health is not routed", method: http.MethodDelete, expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, tt.method, "/health", "", nil)
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var body map[string]interface{}
			decode(t, w, &body)
			assert.Equal(t, "ok", body["status"])
			assert.Equal(t, float64(0), body["active_sessions"])
			assert.Equal(t, "closed", body["storage_breaker"])
			assert.Contains(t, body, "metrics")
			assert.NotEmpty(t, w.Header().Get(monitoring.RequestIDHeader))
		})
	}
}

func TestAuthRequired(t *testing.T) {
	_, r := newTestServer(t)
	userID, token := createUser(t, r)
	otherID, _ := createUser(t, r)

	tests := []struct {
		name           string
		path           string
		token          string
		expectedStatus int
	}{
		{name: "missing token", path: fmt.Sprintf("/api/users/%d/baseline", userID), expectedStatus: http.StatusUnauthorized},
		{name: "garbage token", path: fmt.Sprintf("/api/users/%d/baseline", userID), token: "not-a-jwt", expectedStatus: http.StatusUnauthorized},
		{name: "another user", path: fmt.Sprintf("/api/users/%d/baseline", otherID), token: token, expectedStatus: http.StatusNotFound},
		{name: "bad id", path: "/api/users/abc/baseline", token: token, expectedStatus: http.StatusBadRequest},
		{name: "own user without baseline", path: fmt.Sprintf("/api/users/%d/baseline", userID), token: token, expectedStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

func TestBaselineEndpoints(t *testing.T) {
	s, r := newTestServer(t)
	userID, token := createUser(t, r)
	path := fmt.Sprintf("/api/users/%d/baseline", userID)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		category       string
	}{
		{name: "malformed json", body: `{"blink_rate":`, expectedStatus: http.StatusBadRequest, category: "validation"},
		{
			name:           "missing metric",
			body:           `{"blink_rate": {"mean": 15, "std": 3}}`,
			expectedStatus: http.StatusUnprocessableEntity,
			category:       "missing_baseline",
		},
		{name: "complete baseline", body: referenceBaseline, expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPut, path, token, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.category != "" {
				var body map[string]interface{}
				decode(t, w, &body)
				assert.Equal(t, tt.category, body["category"])
			}
		})
	}

	w := doJSON(t, r, http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored map[string]map[string]float64
	decode(t, w, &stored)
	assert.Equal(t, 15.0, stored["blink_rate"]["mean"])
	assert.Equal(t, 0.1, stored["fixation_ratio"]["std"])
	assert.True(t, s.baselines.Exists(userID))
}

func TestStartSession_Baselines(t *testing.T) {
	_, r := newTestServer(t)
	_, token := createUser(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/sessions", token, types.StartSessionRequest{FPS: 30})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "no stored baseline")

	w = doJSON(t, r, http.MethodPost, "/api/sessions", token, types.StartSessionRequest{
		FPS:      30,
		Baseline: map[string]float64{"blink_rate_mean": 15, "blink_rate_std": 3},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "incomplete inline baseline")

	w = doJSON(t, r, http.MethodPost, "/api/sessions", token, types.StartSessionRequest{
		FPS: 30,
		Baseline: map[string]float64{
			"blink_rate_mean": 15, "blink_rate_std": 3,
			"incomplete_ratio_mean": 0.05, "incomplete_ratio_std": 0.02,
			"fixation_ratio_mean": 0.6, "fixation_ratio_std": 0.1,
		},
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/api/sessions", token, types.StartSessionRequest{FPS: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionFlow(t *testing.T) {
	s, r := newTestServer(t)
	userID, token := createUser(t, r)
	sessionID := startSession(t, r, userID, token)
	base := fmt.Sprintf("/api/sessions/%d", sessionID)

	var windows []windowJSON
	frames := steadyFrames(0, 601)
	for from := 0; from < len(frames); from += 100 {
		to := from + 100
		if to > len(frames) {
			to = len(frames)
		}
		w := doJSON(t, r, http.MethodPost, base+"/frames", token, types.FramesRequest{Frames: frames[from:to]})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var batch batchJSON
		decode(t, w, &batch)
		assert.Equal(t, to-from, batch.Accepted)
		assert.Empty(t, batch.Rejected)
		assert.False(t, batch.Degraded)
		windows = append(windows, batch.Windows...)
	}

	require.Len(t, windows, 1)
	assert.Equal(t, sessionID, windows[0].SessionID)
	assert.Equal(t, "scored", windows[0].Outcome)
	require.NotNil(t, windows[0].Score)
	assert.InDelta(t, 5.0/3.0-2.5+4.0, windows[0].Score.Risk, 1e-3)

	// a frame from the past is reported and does not abort the batch
	w := doJSON(t, r, http.MethodPost, base+"/frames", token, types.FramesRequest{
		Frames: append(steadyFrames(5, 6), steadyFrames(601, 603)...),
	})
	require.Equal(t, http.StatusOK, w.Code)
	var batch batchJSON
	decode(t, w, &batch)
	require.Len(t, batch.Rejected, 1)
	assert.Equal(t, 0, batch.Rejected[0].Index)
	assert.Equal(t, "ordering_violation", batch.Rejected[0].Category)
	assert.Equal(t, 2, batch.Accepted)

	w = doJSON(t, r, http.MethodPost, base+"/close", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, base, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var record database.Session
	decode(t, w, &record)
	require.NotNil(t, record.EndTS)
	assert.True(t, t0.Add(60200*time.Millisecond).Equal(*record.EndTS))

	w = doJSON(t, r, http.MethodGet, base+"/windows", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored struct {
		Windows []database.WindowMetrics `json:"windows"`
	}
	decode(t, w, &stored)
	require.Len(t, stored.Windows, 1)
	assert.Equal(t, 600, stored.Windows[0].FrameCount)
	assert.True(t, stored.Windows[0].RiskScore.Valid)

	w = doJSON(t, r, http.MethodGet, base+"/blinks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var blinks struct {
		Blinks []json.RawMessage `json:"blinks"`
	}
	decode(t, w, &blinks)
	assert.Len(t, blinks.Blinks, 10)

	w = doJSON(t, r, http.MethodGet, "/api/privacy/retention", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var retention map[string]interface{}
	decode(t, w, &retention)
	assert.Equal(t, false, retention["frame_purge_enabled"])

	frameRows, err := s.repo.ListFrameSamples(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, frameRows, 603)

	// closed sessions refuse more frames and a second close
	w = doJSON(t, r, http.MethodPost, base+"/frames", token, types.FramesRequest{Frames: steadyFrames(700, 701)})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, r, http.MethodPost, base+"/close", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCloseBeforeLastFrameIsRejected(t *testing.T) {
	s, r := newTestServer(t)
	userID, token := createUser(t, r)
	sessionID := startSession(t, r, userID, token)
	base := fmt.Sprintf("/api/sessions/%d", sessionID)

	w := doJSON(t, r, http.MethodPost, base+"/frames", token, types.FramesRequest{Frames: steadyFrames(0, 50)})
	require.Equal(t, http.StatusOK, w.Code)

	end := t0.Add(time.Second)
	w = doJSON(t, r, http.MethodPost, base+"/close", token, types.CloseSessionRequest{EndTime: &end})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, s.manager.Len(), "session stays open")
}

func TestSessionsOfOtherUsersAreHidden(t *testing.T) {
	_, r := newTestServer(t)
	ownerID, ownerToken := createUser(t, r)
	_, otherToken := createUser(t, r)
	sessionID := startSession(t, r, ownerID, ownerToken)

	for _, suffix := range []string{"", "/windows", "/blinks"} {
		w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/sessions/%d%s", sessionID, suffix), otherToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, suffix)
	}
	w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%d/frames", sessionID), otherToken,
		types.FramesRequest{Frames: steadyFrames(0, 1)})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteUser(t *testing.T) {
	s, r := newTestServer(t)
	userID, token := createUser(t, r)
	sessionID := startSession(t, r, userID, token)

	w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%d/frames", sessionID), token,
		types.FramesRequest{Frames: steadyFrames(0, 20)})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/users/%d", userID), token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report struct {
		Rows            map[string]int64 `json:"rows_deleted"`
		BaselineDeleted bool             `json:"baseline_deleted"`
	}
	decode(t, w, &report)
	assert.Equal(t, int64(1), report.Rows["sessions"])
	assert.Equal(t, int64(20), report.Rows["frame_samples"])
	assert.True(t, report.BaselineDeleted)

	assert.Equal(t, 0, s.manager.Len())
	assert.False(t, s.baselines.Exists(userID))
	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/sessions/%d", sessionID), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/users/%d", userID), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownEndsLiveSessions(t *testing.T) {
	s, r := newTestServer(t)
	userID, token := createUser(t, r)
	sessionID := startSession(t, r, userID, token)

	w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%d/frames", sessionID), token,
		types.FramesRequest{Frames: steadyFrames(0, 300)})
	require.Equal(t, http.StatusOK, w.Code)

	s.shutdown(context.Background())
	assert.Equal(t, 0, s.manager.Len())

	record, err := s.repo.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, record.EndTS)
	assert.True(t, t0.Add(29900*time.Millisecond).Equal(*record.EndTS))

	// the 29.9 s trailing window is kept
	windows, err := s.repo.ListWindowMetrics(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, windows, 1)
}

func TestStreamEndpoint(t *testing.T) {
	_, r := newTestServer(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	userID, token := createUser(t, srv.Config.Handler)
	sessionID := startSession(t, srv.Config.Handler, userID, token)

	url := fmt.Sprintf("ws%s/api/sessions/%d/stream?token=%s", strings.TrimPrefix(srv.URL, "http"), sessionID, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var welcome stream.Message
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, stream.TypeWelcome, welcome.Type)
	assert.Equal(t, sessionID, welcome.SessionID)

	w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/sessions/%d/frames", sessionID), token,
		types.FramesRequest{Frames: steadyFrames(0, 601)})
	require.Equal(t, http.StatusOK, w.Code)

	var msg struct {
		Type      string     `json:"type"`
		SessionID int64      `json:"session_id"`
		Payload   windowJSON `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, stream.TypeWindow, msg.Type)
	assert.Equal(t, sessionID, msg.SessionID)
	assert.Equal(t, "scored", msg.Payload.Outcome)

	// no token, no stream
	_, resp, err := websocket.DefaultDialer.Dial(strings.Split(url, "?")[0], nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_CORSAndHeaders(t *testing.T) {
	_, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = doJSON(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestServer_RejectsNonJSONBodies(t *testing.T) {
	_, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader("metadata=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}
