package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/counter"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/settings"
	"github.com/busybox42/relayctl/internal/warmup"
)

type stubWarmup struct{ st warmup.Status }

func (s stubWarmup) Status(ctx context.Context) (warmup.Status, error) { return s.st, nil }

type stubThrottle struct{ th settings.Throttle }

func (s stubThrottle) Throttle(ctx context.Context) (settings.Throttle, error) { return s.th, nil }

type stubBans struct {
	bans []datasource.BanRecord
	err  error
}

func (s stubBans) List(ctx context.Context) ([]datasource.BanRecord, error) { return s.bans, s.err }

type stubCounter struct{}

func (stubCounter) State() counter.State { return counter.State{HourCount: 7, DayCount: 70} }

func newTestServer(deps Dependencies) http.Handler {
	return NewServer(Config{}, deps, logging.Discard()).Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(Dependencies{})
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)

	h = newTestServer(Dependencies{Ready: func(ctx context.Context) error { return errors.New("datasource not connected") }})
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "datasource not connected")
}

func TestWarmupAndThrottle(t *testing.T) {
	override := 2
	h := newTestServer(Dependencies{
		Warmup:   stubWarmup{st: warmup.Status{CurrentPhase: 2, PhaseName: "Weeks 3-4", DaysElapsed: 16, PercentComplete: 38.1}},
		Throttle: stubThrottle{th: settings.Throttle{Enabled: true, WarmupStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), BatchInterval: 10 * time.Minute, PhaseOverride: &override}},
		Counter:  stubCounter{},
	})

	rec := get(t, h, "/api/warmup")
	require.Equal(t, http.StatusOK, rec.Code)
	var w map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, 2.0, w["current_phase"])
	assert.Equal(t, "Weeks 3-4", w["phase_name"])
	assert.Equal(t, 7.0, w["counter"].(map[string]interface{})["hour_count"])

	rec = get(t, h, "/api/throttle")
	require.Equal(t, http.StatusOK, rec.Code)
	var th ThrottleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &th))
	assert.Equal(t, ThrottleResponse{Enabled: true, WarmupStartDate: "2025-01-01", BatchIntervalMinutes: 10, PhaseOverride: &override}, th)
}

func TestBans(t *testing.T) {
	bans := []datasource.BanRecord{
		{ID: 1, IPAddress: "192.0.2.1", IsActive: true},
		{ID: 2, IPAddress: "192.0.2.2"},
	}
	h := newTestServer(Dependencies{Bans: stubBans{bans: bans}})

	rec := get(t, h, "/api/bans")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []datasource.BanRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = get(t, h, "/api/bans?active=true")
	var active []datasource.BanRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "192.0.2.1", active[0].IPAddress)

	h = newTestServer(Dependencies{Bans: stubBans{err: errors.New("db down")}})
	rec = get(t, h, "/api/bans")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReadOnlyAndMissingRoutes(t *testing.T) {
	h := newTestServer(Dependencies{Bans: stubBans{}})

	for _, target := range []string{"/api/bans", "/api/loglevel", "/healthz"} {
		for _, method := range []string{http.MethodPost, http.MethodDelete} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", method, target)
		}
	}

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/warmup").Code, "no warmup source")
	assert.Equal(t, "[]\n", get(t, h, "/api/bans").Body.String())
}

func TestMetricsRoute(t *testing.T) {
	h := newTestServer(Dependencies{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "relayctl_up 1\n")
	})})
	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "relayctl_up 1\n", rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	srv := NewServer(Config{RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}}, Dependencies{}, logging.Discard())
	h := srv.Router()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/healthz").Code)
}

func TestClientIPTrustedProxy(t *testing.T) {
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, TrustedProxies: []string{"10.0.0.0/8", "127.0.0.1"}})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.1.1:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.2.2.2")
	assert.Equal(t, "198.51.100.9", clientIP(r, rl.trustedProxies))

	r.RemoteAddr = "203.0.113.1:5555"
	assert.Equal(t, "203.0.113.1", clientIP(r, rl.trustedProxies), "untrusted peers cannot spoof")
}

func TestStartAndShutdown(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, Dependencies{}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
