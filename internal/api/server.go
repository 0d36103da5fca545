// Package api serves a read-only HTTP view of the flow-control state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/relayctl/internal/counter"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/settings"
	"github.com/busybox42/relayctl/internal/warmup"
)

// DefaultListenAddr is the status API address when none is configured
const DefaultListenAddr = "127.0.0.1:9980"

// Config represents API server configuration
type Config struct {
	Enabled    bool            `toml:"enabled" json:"enabled"`
	ListenAddr string          `toml:"listen_addr" json:"listen_addr"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
}

// WarmupSource reports warmup progress
type WarmupSource interface {
	Status(ctx context.Context) (warmup.Status, error)
}

// ThrottleSource reports the throttle settings
type ThrottleSource interface {
	Throttle(ctx context.Context) (settings.Throttle, error)
}

// BanLister lists ban records
type BanLister interface {
	List(ctx context.Context) ([]datasource.BanRecord, error)
}

// CounterSource reports the in-memory volume counter
type CounterSource interface {
	State() counter.State
}

// Dependencies are the components the API reads from. Nil members
// disable their routes.
type Dependencies struct {
	Warmup   WarmupSource
	Throttle ThrottleSource
	Bans     BanLister
	Counter  CounterSource
	Metrics  http.Handler
	// Ready reports whether the daemon can serve decisions
	Ready func(ctx context.Context) error
}

// Server is the status HTTP server
type Server struct {
	config      Config
	deps        Dependencies
	logger      *slog.Logger
	rateLimiter *RateLimitMiddleware
	started     time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a status server
func NewServer(config Config, deps Dependencies, logger *slog.Logger) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:      config,
		deps:        deps,
		logger:      logger.With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		started:     time.Now(),
	}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	// Registered on the root router: a wrong method answers 405
	if s.deps.Warmup != nil {
		r.HandleFunc("/api/warmup", s.handleWarmup).Methods(http.MethodGet)
	}
	if s.deps.Throttle != nil {
		r.HandleFunc("/api/throttle", s.handleThrottle).Methods(http.MethodGet)
	}
	if s.deps.Bans != nil {
		r.HandleFunc("/api/bans", s.handleBans).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/loglevel", s.handleLogLevel).Methods(http.MethodGet)
	return r
}

// Start listens and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status API listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API: %w", err)
	}
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Uptime    int64     `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		StartedAt: s.started,
		Uptime:    int64(time.Since(s.started).Seconds()),
	}
	code := http.StatusOK
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// WarmupResponse is the /api/warmup body
type WarmupResponse struct {
	warmup.Status
	Counter *counter.State `json:"counter,omitempty"`
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Warmup.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := WarmupResponse{Status: st}
	if s.deps.Counter != nil {
		c := s.deps.Counter.State()
		resp.Counter = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

// ThrottleResponse is the /api/throttle body
type ThrottleResponse struct {
	Enabled              bool   `json:"enabled"`
	WarmupStartDate      string `json:"warmup_start_date,omitempty"`
	BatchIntervalMinutes int    `json:"batch_interval_minutes"`
	PhaseOverride        *int   `json:"warmup_phase_override,omitempty"`
}

func (s *Server) handleThrottle(w http.ResponseWriter, r *http.Request) {
	th, err := s.deps.Throttle.Throttle(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := ThrottleResponse{
		Enabled:              th.Enabled,
		BatchIntervalMinutes: int(th.BatchInterval / time.Minute),
		PhaseOverride:        th.PhaseOverride,
	}
	if !th.WarmupStart.IsZero() {
		resp.WarmupStartDate = th.WarmupStart.Format(datasource.DateLayout)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.deps.Bans.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.URL.Query().Get("active") == "true" {
		active := bans[:0]
		for _, b := range bans {
			if b.IsActive {
				active = append(active, b)
			}
		}
		bans = active
	}
	if bans == nil {
		bans = []datasource.BanRecord{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLevelManager().GetLevel()
	writeJSON(w, http.StatusOK, map[string]string{"current_level": logging.LevelToString(level)})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data) // Best effort
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
