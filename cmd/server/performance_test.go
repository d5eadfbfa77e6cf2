package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/strainwatch/internal/types"
)

func TestFrameIngest_ResponseTimeDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping response time distribution test in short mode")
	}

	_, r := newTestServer(t)
	userID, token := createUser(t, r)
	sessionID := startSession(t, r, userID, token)
	path := fmt.Sprintf("/api/sessions/%d/frames", sessionID)

	// 30 frames per request, three seconds of 10 fps video
	const numRequests = 100
	const batchSize = 30
	durations := make([]time.Duration, numRequests)

	for i := 0; i < numRequests; i++ {
		frames := steadyFrames(i*batchSize, (i+1)*batchSize)
		start := time.Now()
		w := doJSON(t, r, http.MethodPost, path, token, types.FramesRequest{Frames: frames})
		durations[i] = time.Since(start)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	percentiles := calculatePercentiles(durations, 0.5, 0.95, 0.99)

	t.Logf("Frame ingest response time distribution:")
	t.Logf("  Requests: %d x %d frames", numRequests, batchSize)
	t.Logf("  P50: %v", percentiles[0])
	t.Logf("  P95: %v", percentiles[1])
	t.Logf("  P99: %v", percentiles[2])

	assert.True(t, percentiles[1] < time.Second, "95th percentile should be under 1 second")
}

func TestFrameIngest_ConcurrentSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}

	s, r := newTestServer(t)

	const numSessions = 6
	type client struct {
		token     string
		sessionID int64
	}
	clients := make([]client, numSessions)
	for i := range clients {
		userID, token := createUser(t, r)
		clients[i] = client{token: token, sessionID: startSession(t, r, userID, token)}
	}

	var wg sync.WaitGroup
	errs := make(chan error, numSessions)
	for _, c := range clients {
		wg.Add(1)
		go func(c client) {
			defer wg.Done()
			path := fmt.Sprintf("/api/sessions/%d/frames", c.sessionID)
			for from := 0; from < 1201; from += 50 {
				to := from + 50
				if to > 1201 {
					to = 1201
				}
				w := doJSON(t, r, http.MethodPost, path, c.token, types.FramesRequest{Frames: steadyFrames(from, to)})
				if w.Code != http.StatusOK {
					errs <- fmt.Errorf("session %d: status %d: %s", c.sessionID, w.Code, w.Body.String())
					return
				}
			}
		}(c)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	for _, c := range clients {
		windows, err := s.repo.ListWindowMetrics(t.Context(), c.sessionID)
		require.NoError(t, err)
		assert.Len(t, windows, 2, "session %d", c.sessionID)
	}
}

func calculatePercentiles(durations []time.Duration, percentiles ...float64) []time.Duration {
	if len(percentiles) == 0 {
		return []time.Duration{}
	}

	results := make([]time.Duration, len(percentiles))

	for i, p := range percentiles {
		index := int(float64(len(durations)-1) * p)
		if index >= len(durations) {
			index = len(durations) - 1
		}
		results[i] = durations[index]
	}

	return results
}
