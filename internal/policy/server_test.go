package policy

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/settings"
)

type countingSyncer struct {
	calls atomic.Int32
}

func (s *countingSyncer) Sync(ctx context.Context) error {
	s.calls.Add(1)
	return nil
}

type panickingSyncer struct {
	calls atomic.Int32
}

func (s *panickingSyncer) Sync(ctx context.Context) error {
	s.calls.Add(1)
	panic("aggregate backend failure")
}

type resyncMetrics struct {
	nopMetrics
	failures atomic.Int32
}

func (m *resyncMetrics) ResyncFailed() { m.failures.Add(1) }

func startServer(t *testing.T, cfg Config, d *Decider, syncer Syncer) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := NewServer(cfg, d, syncer, logging.Discard(), nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, request string) string {
	t.Helper()
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	blank, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", blank)
	return line
}

func TestServerPersistentConnection(t *testing.T) {
	phase := datasource.WarmupPhase{PhaseNumber: 1, MaxPerHour: 2, MaxPerDay: 100}
	d := NewDecider(&staticThrottle{th: settings.Throttle{Enabled: true}}, &staticPhase{phase: phase}, newTestCounter(), "", logging.Discard(), nil)
	syncer := &countingSyncer{}
	srv := startServer(t, Config{}, d, syncer)
	assert.Equal(t, int32(1), syncer.calls.Load(), "initial sync on start")

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	req := "request=smtpd_access_policy\nprotocol_state=RCPT\nsender=a@example.com\nrecipient=b@example.org\n\n"
	assert.Equal(t, "action=DUNNO\n", roundTrip(t, conn, r, req))
	assert.Equal(t, "action=DUNNO\n", roundTrip(t, conn, r, req))
	assert.Equal(t, "action=HOLD "+DefaultHoldReason+"\n", roundTrip(t, conn, r, req))
}

func TestServerIdleTimeoutClosesSession(t *testing.T) {
	d := NewDecider(&staticThrottle{}, &staticPhase{}, newTestCounter(), "", logging.Discard(), nil)
	srv := startServer(t, Config{ReadTimeout: 100 * time.Millisecond}, d, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "server closes the idle connection")
}

func TestServerCloseWaitsForSessions(t *testing.T) {
	d := NewDecider(&staticThrottle{}, &staticPhase{}, newTestCounter(), "", logging.Discard(), nil)
	srv := startServer(t, Config{ReadTimeout: time.Second, ShutdownGrace: 3 * time.Second}, d, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Half-written request: the session must still answer it after Close starts
	_, err = conn.Write([]byte("sender=a@example.com\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- srv.Close() }()

	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "action=DUNNO\n", line)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")
}

func TestServerStartTwice(t *testing.T) {
	d := NewDecider(&staticThrottle{}, &staticPhase{}, newTestCounter(), "", logging.Discard(), nil)
	srv := startServer(t, Config{}, d, nil)
	assert.Error(t, srv.Start(context.Background()))
}

func TestServerSurvivesPanickingResync(t *testing.T) {
	d := NewDecider(&staticThrottle{}, &staticPhase{}, newTestCounter(), "", logging.Discard(), nil)
	syncer := &panickingSyncer{}
	metrics := &resyncMetrics{}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", ResyncInterval: 20 * time.Millisecond}, d, syncer, logging.Discard(), metrics)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Close()

	assert.Eventually(t, func() bool { return syncer.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"resync loop keeps running after a panic")
	assert.GreaterOrEqual(t, metrics.failures.Load(), int32(3))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "action=DUNNO\n", roundTrip(t, conn, bufio.NewReader(conn), "sender=a@example.com\n\n"))
}

func TestServerCloseBeforeStart(t *testing.T) {
	d := NewDecider(&staticThrottle{}, &staticPhase{}, newTestCounter(), "", logging.Discard(), nil)
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, d, nil, logging.Discard(), nil)
	require.NoError(t, srv.Close())

	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addr().String()
	require.NoError(t, srv.Close())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "a server closed before it started can still be stopped later")
}
