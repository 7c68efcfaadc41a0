package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/session"
	"github.com/speedwagon-io/climalink/internal/telemetry"
	"github.com/speedwagon-io/climalink/internal/watchdog"
)

type staticSource struct {
	mu   sync.Mutex
	snap session.Snapshot
}

func (s *staticSource) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *staticSource) set(v watchdog.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Verdict = v
}

func newSource(t *testing.T, v watchdog.Verdict) *staticSource {
	t.Helper()
	dec, err := telemetry.NewDecoder(telemetry.DefaultSchema())
	require.NoError(t, err)
	return &staticSource{snap: session.Snapshot{State: dec.Default(), Verdict: v}}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth_AggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		verdict  watchdog.Verdict
		buffered int64
		want     Status
		code     int
	}{
		{"live", watchdog.Verdict{Phase: watchdog.PhaseLive}, 0, StatusHealthy, http.StatusOK},
		{"pending", watchdog.Verdict{Phase: watchdog.PhasePending}, 0, StatusDegraded, http.StatusOK},
		{"backlog", watchdog.Verdict{Phase: watchdog.PhaseLive}, bufferHighWater + 1, StatusDegraded, http.StatusOK},
		{"stale", watchdog.Verdict{Phase: watchdog.PhaseStale, Reason: watchdog.ReasonStreamInterrupted}, 0, StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource(t, tt.verdict)
			s := NewServer(sl.Discard(), ":0", src)
			s.AddChecker(NewLinkHealthChecker(src))
			s.AddChecker(NewBufferHealthChecker(func(context.Context) (int64, error) { return tt.buffered, nil }))

			rec := get(t, s.Handler(), "/health")
			assert.Equal(t, tt.code, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Components, 2)
			assert.Equal(t, "link", resp.Components[0].Name)
		})
	}
}

func TestLinkHealthChecker_StaleMessage(t *testing.T) {
	src := newSource(t, watchdog.Verdict{Phase: watchdog.PhaseStale, Reason: watchdog.ReasonNeverConnected})

	status, msg := NewLinkHealthChecker(src).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, telemetry.MsgConnectionTimeout, msg)
}

func TestSenderHealthChecker(t *testing.T) {
	ok := NewSenderHealthChecker(func(context.Context) error { return nil })
	status, _ := ok.Check(context.Background())
	assert.Equal(t, StatusHealthy, status)

	failing := NewSenderHealthChecker(func(context.Context) error { return errors.New("503") })
	status, msg := failing.Check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, "503", msg)
}

func TestBufferHealthChecker_Error(t *testing.T) {
	c := NewBufferHealthChecker(func(context.Context) (int64, error) { return 0, errors.New("disk I/O error") })
	status, _ := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
}

func TestReady_FollowsLink(t *testing.T) {
	src := newSource(t, watchdog.Verdict{Phase: watchdog.PhasePending})
	h := NewServer(sl.Discard(), ":0", src).Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/ready").Code)

	src.set(watchdog.Verdict{Phase: watchdog.PhaseLive})
	assert.Equal(t, http.StatusOK, get(t, h, "/ready").Code)

	assert.Equal(t, http.StatusOK, get(t, h, "/live").Code)
}

func TestState_ReturnsSnapshot(t *testing.T) {
	src := newSource(t, watchdog.Verdict{Phase: watchdog.PhaseStale, Reason: watchdog.ReasonStreamInterrupted})
	h := NewServer(sl.Discard(), ":0", src).Handler()

	rec := get(t, h, "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		State struct {
			Main    map[string]float64 `json:"main"`
			Outputs map[string]bool    `json:"outputs"`
		} `json:"state"`
		Verdict struct {
			Phase  string `json:"phase"`
			Reason string `json:"reason"`
		} `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stale", body.Verdict.Phase)
	assert.Equal(t, "stream_interrupted", body.Verdict.Reason)
	assert.Len(t, body.State.Main, 11)
	assert.Len(t, body.State.Outputs, 28)
}

func TestMetrics_Exposed(t *testing.T) {
	h := NewServer(sl.Discard(), ":0", newSource(t, watchdog.Verdict{})).Handler()

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
