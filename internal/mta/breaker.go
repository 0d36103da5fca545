package mta

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around MTA calls
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultBreakerConfig returns the default breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "mta-control",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
	}
}

// Breaker wraps a controller so repeated failures stop hammering an
// unreachable MTA. It implements Controller, BulkReleaser and Reloader.
type Breaker struct {
	inner Controller
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps inner in a circuit breaker
func WithBreaker(inner Controller, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("MTA circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

// State returns the breaker state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// ListHeld lists held messages through the breaker
func (b *Breaker) ListHeld(ctx context.Context) ([]Message, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.ListHeld(ctx)
	})
	if err != nil {
		return nil, err
	}
	msgs, _ := res.([]Message)
	return msgs, nil
}

// Release releases one message through the breaker
func (b *Breaker) Release(ctx context.Context, id string) error {
	return b.run(func() error { return b.inner.Release(ctx, id) })
}

// ReleaseAll releases the hold queue in one call when the wrapped controller
// supports it, otherwise one message at a time.
func (b *Breaker) ReleaseAll(ctx context.Context) error {
	if bulk, ok := b.inner.(BulkReleaser); ok {
		return b.run(func() error { return bulk.ReleaseAll(ctx) })
	}
	held, err := b.ListHeld(ctx)
	if err != nil {
		return err
	}
	for _, m := range held {
		if err := b.Release(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the queue through the breaker
func (b *Breaker) Flush(ctx context.Context) error {
	return b.run(func() error { return b.inner.Flush(ctx) })
}

// Reload reloads the MTA through the breaker when supported
func (b *Breaker) Reload(ctx context.Context) error {
	r, ok := b.inner.(Reloader)
	if !ok {
		return nil
	}
	return b.run(func() error { return r.Reload(ctx) })
}
