package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults for the server configuration
const (
	DefaultListenAddr     = "127.0.0.1:9998"
	DefaultResyncInterval = 30 * time.Second
	DefaultShutdownGrace  = 15 * time.Second
)

// Config configures the policy server
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration // per protocol line
	ResyncInterval time.Duration
	ShutdownGrace  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Syncer replaces the in-memory counts from the durable aggregate
type Syncer interface {
	Sync(ctx context.Context) error
}

// Server speaks the policy delegation protocol over TCP
type Server struct {
	config  Config
	decider *Decider
	syncer  Syncer
	logger  *slog.Logger
	metrics Metrics

	mu       sync.Mutex
	listener net.Listener
	running  bool

	ctx          context.Context
	cancel       context.CancelFunc
	errGroup     *errgroup.Group
	sessions     sync.WaitGroup
}

// NewServer creates a policy server
func NewServer(config Config, decider *Decider, syncer Syncer, logger *slog.Logger, metrics Metrics) *Server {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Server{
		config:  config,
		decider: decider,
		syncer:  syncer,
		logger:  logger.With("component", "policy-server"),
		metrics: metrics,
	}
}

// Start listens, performs the initial counter sync, and starts the accept
// and resync loops. It returns once the listener is ready.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("policy server already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = ln
	s.running = true

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errGroup, _ = errgroup.WithContext(s.ctx)

	s.syncOnce(s.ctx)

	s.errGroup.Go(s.acceptConnections)
	s.errGroup.Go(s.resyncLoop)

	s.logger.Info("policy server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) syncOnce(ctx context.Context) {
	if s.syncer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ResyncFailed()
			s.logger.Error("panic in counter resync", "panic", r)
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, s.config.ResyncInterval)
	defer cancel()
	if err := s.syncer.Sync(sctx); err != nil {
		s.metrics.ResyncFailed()
		s.logger.Warn("counter resync failed", "error", err)
	}
}

func (s *Server) resyncLoop() error {
	ticker := time.NewTicker(s.config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.syncOnce(s.ctx)
		}
	}
}

func (s *Server) acceptConnections() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Warn("failed to accept connection", "error", err)
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleSession(conn)
		}()
	}
}

// handleSession serves sequential requests on one connection until the peer
// closes it, a line times out, or the server shuts down between requests.
func (s *Server) handleSession(conn net.Conn) {
	sessionID := uuid.New().String()
	remote := conn.RemoteAddr().String()
	s.metrics.SessionOpened()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in policy session", "session_id", sessionID, "remote_addr", remote, "panic", r)
		}
		if err := conn.Close(); err != nil {
			s.logger.Debug("failed to close policy connection", "session_id", sessionID, "error", err)
		}
		s.metrics.SessionClosed()
	}()

	s.logger.Debug("policy session opened", "session_id", sessionID, "remote_addr", remote)
	reader := NewReader(conn, s.config.ReadTimeout)

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("policy session ended", "session_id", sessionID, "error", err)
			}
			return
		}

		action := s.decide(req, sessionID)

		if err := conn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return
		}
		if err := WriteAction(conn, action); err != nil {
			s.logger.Debug("failed to write policy response", "session_id", sessionID, "error", err)
			return
		}

		if s.ctx.Err() != nil {
			return
		}
	}
}

// decide runs the decision detached from server shutdown so an answer is
// always produced for a request that was fully read.
func (s *Server) decide(req Request, sessionID string) Action {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.config.ReadTimeout)
	defer cancel()
	return s.decider.Decide(ctx, req, sessionID)
}

// Close stops accepting connections and the resync loop, then waits up to the
// shutdown grace period for in-flight sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	cancel, listener, group := s.cancel, s.listener, s.errGroup
	s.mu.Unlock()
	if !running {
		return nil
	}

	s.logger.Info("policy server shutting down")
	cancel()

	var shutdownErr error
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		shutdownErr = err
	}

	if err := group.Wait(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("policy server stopped")
	case <-time.After(s.config.ShutdownGrace):
		s.logger.Warn("policy sessions still active after grace period",
			"grace", s.config.ShutdownGrace.String())
	}

	return shutdownErr
}
