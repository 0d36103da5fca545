// Package release periodically releases held mail within the remaining
// warmup capacity.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/busybox42/relayctl/internal/counter"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/mta"
	"github.com/busybox42/relayctl/internal/settings"
)

// Release modes
const (
	ModeThrottled = "throttled"
	ModeDisabled  = "disabled"
)

// Defaults for the worker loop
const (
	DefaultStartupDelay = 30 * time.Second
	DefaultBackoff      = 60 * time.Second
	DefaultInterval     = datasource.DefaultBatchIntervalMinutes * time.Minute
)

// ThrottleSource provides the throttle switch and batch interval
type ThrottleSource interface {
	Throttle(ctx context.Context) (settings.Throttle, error)
}

// PhaseSource resolves the active warmup phase
type PhaseSource interface {
	CurrentPhase(ctx context.Context) (datasource.WarmupPhase, error)
}

// AggregateSource reads the durable sent counts
type AggregateSource interface {
	SentCounts(ctx context.Context, hourStart, dayStart time.Time) (datasource.SentCounts, error)
}

// Metrics receives release cycle observations
type Metrics interface {
	ReleaseCycle(mode string, capacity, released int, err error)
}

type nopMetrics struct{}

func (nopMetrics) ReleaseCycle(string, int, int, error) {}

// Result describes one release cycle
type Result struct {
	Mode     string `json:"mode"`
	Capacity int    `json:"capacity"`
	Held     int    `json:"held"`
	Released int    `json:"released"`
}

// Config configures the worker loop
type Config struct {
	StartupDelay time.Duration
	Backoff      time.Duration
	// RatePerSecond paces individual releases; 0 disables pacing
	RatePerSecond float64
	Burst         int
}

// Worker releases held mail in bounded batches
type Worker struct {
	throttle  ThrottleSource
	phases    PhaseSource
	aggregate AggregateSource
	mta       mta.Controller
	limiter   *rate.Limiter
	config    Config
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
	decisions *logging.DecisionLogger
	metrics   Metrics
}

// Option configures a Worker
type Option func(*Worker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithLocation sets the zone used for hour and day boundaries
func WithLocation(loc *time.Location) Option {
	return func(w *Worker) {
		if loc != nil {
			w.loc = loc
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// NewWorker creates a release worker
func NewWorker(throttle ThrottleSource, phases PhaseSource, aggregate AggregateSource, controller mta.Controller, cfg Config, opts ...Option) *Worker {
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	w := &Worker{
		throttle:  throttle,
		phases:    phases,
		aggregate: aggregate,
		mta:       controller,
		config:    cfg,
		loc:       time.UTC,
		now:       time.Now,
		logger:    slog.Default(),
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	w.decisions = logging.NewDecisionLogger(w.logger)
	w.logger = w.logger.With("component", "release-worker")
	return w
}

// Run loops until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("release worker started", "startup_delay", w.config.StartupDelay)
	if !sleep(ctx, w.config.StartupDelay) {
		return nil
	}

	for {
		if !sleep(ctx, w.interval(ctx)) {
			w.logger.Info("release worker stopped")
			return nil
		}
		if _, err := w.safeRunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("release cycle failed, backing off",
				"error", err,
				"backoff", w.config.Backoff)
			if !sleep(ctx, w.config.Backoff) {
				return nil
			}
		}
	}
}

func (w *Worker) interval(ctx context.Context) time.Duration {
	th, err := w.throttle.Throttle(ctx)
	if err != nil || th.BatchInterval <= 0 {
		return DefaultInterval
	}
	return th.BatchInterval
}

func (w *Worker) safeRunOnce(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in release cycle: %v", r)
		}
	}()
	return w.RunOnce(ctx)
}

// RunOnce runs a single release cycle
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	start := w.now()
	th, err := w.throttle.Throttle(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read throttle settings: %w", err)
	}

	var res Result
	if th.Enabled {
		res, err = w.releaseThrottled(ctx)
	} else {
		res, err = w.releaseAll(ctx)
	}
	w.metrics.ReleaseCycle(res.Mode, res.Capacity, res.Released, err)
	if err != nil {
		return res, err
	}
	if res.Held > 0 || res.Released > 0 {
		w.decisions.LogRelease(res.Mode, res.Capacity, res.Held, res.Released, w.now().Sub(start))
	}
	return res, nil
}

func (w *Worker) releaseAll(ctx context.Context) (Result, error) {
	res := Result{Mode: ModeDisabled, Capacity: -1}
	held, err := w.mta.ListHeld(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list held mail: %w", err)
	}
	res.Held = len(held)
	if res.Held == 0 {
		return res, nil
	}

	if bulk, ok := w.mta.(mta.BulkReleaser); ok {
		if err := bulk.ReleaseAll(ctx); err != nil {
			return res, fmt.Errorf("failed to release hold queue: %w", err)
		}
		res.Released = res.Held
	} else {
		for _, m := range held {
			if err := w.mta.Release(ctx, m.ID); err != nil {
				return res, fmt.Errorf("failed to release %s: %w", m.ID, err)
			}
			res.Released++
		}
	}

	if err := w.mta.Flush(ctx); err != nil {
		return res, fmt.Errorf("failed to flush queue: %w", err)
	}
	return res, nil
}

// Capacity returns how many messages may be released now under the phase
// limits and the durable sent counts.
func Capacity(phase datasource.WarmupPhase, sent datasource.SentCounts) int {
	remaining := int64(phase.MaxPerHour) - sent.SentThisHour
	if day := int64(phase.MaxPerDay) - sent.SentToday; day < remaining {
		remaining = day
	}
	if phase.BurstLimit > 0 && int64(phase.BurstLimit) < remaining {
		remaining = int64(phase.BurstLimit)
	}
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

func (w *Worker) releaseThrottled(ctx context.Context) (Result, error) {
	res := Result{Mode: ModeThrottled}
	phase, err := w.phases.CurrentPhase(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to resolve warmup phase: %w", err)
	}

	hour, day := counter.Boundaries(w.now(), w.loc)
	sent, err := w.aggregate.SentCounts(ctx, hour, day)
	if err != nil {
		return res, fmt.Errorf("failed to read sent counts: %w", err)
	}

	res.Capacity = Capacity(phase, sent)
	if res.Capacity == 0 {
		w.logger.Debug("no release capacity",
			"phase", phase.PhaseNumber,
			"sent_this_hour", sent.SentThisHour,
			"sent_today", sent.SentToday)
		return res, nil
	}

	held, err := w.mta.ListHeld(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list held mail: %w", err)
	}
	res.Held = len(held)

	batch := held
	if len(batch) > res.Capacity {
		batch = batch[:res.Capacity]
	}
	for _, m := range batch {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return w.finish(ctx, res, err)
			}
		}
		if err := w.mta.Release(ctx, m.ID); err != nil {
			return w.finish(ctx, res, fmt.Errorf("failed to release %s: %w", m.ID, err))
		}
		res.Released++
	}
	return w.finish(ctx, res, nil)
}

// finish flushes once when anything was released, even after a partial batch
func (w *Worker) finish(ctx context.Context, res Result, cause error) (Result, error) {
	if res.Released > 0 {
		if err := w.mta.Flush(ctx); err != nil && cause == nil {
			cause = fmt.Errorf("failed to flush queue: %w", err)
		}
	}
	return res, cause
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
