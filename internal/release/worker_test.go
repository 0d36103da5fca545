package release

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/mta"
	"github.com/busybox42/relayctl/internal/settings"
)

type fixedThrottle struct {
	mu sync.Mutex
	th settings.Throttle
}

func (f *fixedThrottle) Throttle(ctx context.Context) (settings.Throttle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.th, nil
}

type fixedPhase struct{ phase datasource.WarmupPhase }

func (f fixedPhase) CurrentPhase(ctx context.Context) (datasource.WarmupPhase, error) {
	return f.phase, nil
}

type fixedAggregate struct {
	sent datasource.SentCounts
	err  error

	hour, day time.Time
}

func (f *fixedAggregate) SentCounts(ctx context.Context, hourStart, dayStart time.Time) (datasource.SentCounts, error) {
	f.hour, f.day = hourStart, dayStart
	return f.sent, f.err
}

type fakeMTA struct {
	mu         sync.Mutex
	held       []mta.Message
	released   []string
	flushes    int
	failOn     string
	listErr    error
	bulkCalled bool
}

func newFakeMTA(ids ...string) *fakeMTA {
	f := &fakeMTA{}
	for _, id := range ids {
		f.held = append(f.held, mta.Message{ID: id})
	}
	return f
}

func (f *fakeMTA) ListHeld(ctx context.Context) ([]mta.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]mta.Message(nil), f.held...), nil
}

func (f *fakeMTA) Release(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failOn {
		return errors.New("postsuper failed")
	}
	f.released = append(f.released, id)
	for i, m := range f.held {
		if m.ID == id {
			f.held = append(f.held[:i], f.held[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeMTA) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

type bulkMTA struct{ *fakeMTA }

func (b bulkMTA) ReleaseAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulkCalled = true
	for _, m := range b.held {
		b.released = append(b.released, m.ID)
	}
	b.held = nil
	return nil
}

var phase1 = datasource.WarmupPhase{PhaseNumber: 1, Name: "Weeks 1-2", DurationDays: 14, MaxPerHour: 20, MaxPerDay: 500, BurstLimit: 10}

func newWorker(th settings.Throttle, phase datasource.WarmupPhase, agg *fixedAggregate, m mta.Controller, now time.Time) *Worker {
	return NewWorker(&fixedThrottle{th: th}, fixedPhase{phase: phase}, agg, m, Config{},
		WithClock(func() time.Time { return now }),
		WithLogger(logging.Discard()))
}

func TestCapacity(t *testing.T) {
	tests := []struct {
		name  string
		phase datasource.WarmupPhase
		sent  datasource.SentCounts
		want  int
	}{
		{"burst bound", phase1, datasource.SentCounts{SentThisHour: 5, SentToday: 100}, 10},
		{"hour bound", phase1, datasource.SentCounts{SentThisHour: 15, SentToday: 100}, 5},
		{"day bound", phase1, datasource.SentCounts{SentThisHour: 0, SentToday: 497}, 3},
		{"over cap", phase1, datasource.SentCounts{SentThisHour: 25, SentToday: 100}, 0},
		{"no burst", datasource.WarmupPhase{MaxPerHour: 50, MaxPerDay: 2000}, datasource.SentCounts{SentThisHour: 10}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Capacity(tt.phase, tt.sent))
		})
	}
}

func TestRunOnceThrottledReleasesInOrder(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 25, 0, 0, time.UTC)
	agg := &fixedAggregate{sent: datasource.SentCounts{SentThisHour: 17, SentToday: 100}}
	m := newFakeMTA("q1", "q2", "q3", "q4", "q5")
	w := newWorker(settings.Throttle{Enabled: true}, phase1, agg, m, now)

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Mode: ModeThrottled, Capacity: 3, Held: 5, Released: 3}, res)
	assert.Equal(t, []string{"q1", "q2", "q3"}, m.released)
	assert.Equal(t, 1, m.flushes)

	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), agg.hour)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), agg.day)
}

func TestRunOnceNoCapacity(t *testing.T) {
	agg := &fixedAggregate{sent: datasource.SentCounts{SentThisHour: 20}}
	m := newFakeMTA("q1")
	m.listErr = errors.New("must not be called")
	w := newWorker(settings.Throttle{Enabled: true}, phase1, agg, m, time.Now())

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Capacity)
	assert.Empty(t, m.released)
	assert.Zero(t, m.flushes)
}

func TestRunOnceNothingHeldSkipsFlush(t *testing.T) {
	m := newFakeMTA()
	w := newWorker(settings.Throttle{Enabled: true}, phase1, &fixedAggregate{}, m, time.Now())

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Capacity)
	assert.Zero(t, res.Released)
	assert.Zero(t, m.flushes)
}

func TestRunOnceStopsAtFirstFailure(t *testing.T) {
	m := newFakeMTA("q1", "q2", "q3")
	m.failOn = "q2"
	w := newWorker(settings.Throttle{Enabled: true}, phase1, &fixedAggregate{}, m, time.Now())

	res, err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "q2")
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, []string{"q1"}, m.released)
	assert.Equal(t, 1, m.flushes, "partial batch is still flushed")
}

func TestRunOnceAggregateError(t *testing.T) {
	m := newFakeMTA("q1")
	w := newWorker(settings.Throttle{Enabled: true}, phase1, &fixedAggregate{err: errors.New("db down")}, m, time.Now())

	_, err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, m.released)
}

func TestRunOnceDisabledReleasesEverything(t *testing.T) {
	t.Run("one at a time", func(t *testing.T) {
		m := newFakeMTA("q1", "q2", "q3")
		w := newWorker(settings.Throttle{Enabled: false}, phase1, &fixedAggregate{}, m, time.Now())

		res, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ModeDisabled, res.Mode)
		assert.Equal(t, 3, res.Released)
		assert.Equal(t, []string{"q1", "q2", "q3"}, m.released)
		assert.Equal(t, 1, m.flushes)
	})

	t.Run("bulk", func(t *testing.T) {
		m := bulkMTA{newFakeMTA("q1", "q2")}
		w := newWorker(settings.Throttle{Enabled: false}, phase1, &fixedAggregate{}, m, time.Now())

		res, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Released)
		assert.True(t, m.bulkCalled)
		assert.Equal(t, 1, m.flushes)
	})

	t.Run("ignores exhausted capacity", func(t *testing.T) {
		m := newFakeMTA("q1", "q2", "q3", "q4")
		agg := &fixedAggregate{sent: datasource.SentCounts{
			SentThisHour: int64(phase1.MaxPerHour) + 5,
			SentToday:    int64(phase1.MaxPerDay),
		}}
		w := newWorker(settings.Throttle{Enabled: false}, phase1, agg, m, time.Now())

		res, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ModeDisabled, res.Mode)
		assert.Equal(t, -1, res.Capacity)
		assert.Equal(t, 4, res.Released)
		assert.Equal(t, []string{"q1", "q2", "q3", "q4"}, m.released)
		assert.Equal(t, 1, m.flushes)
		assert.Zero(t, Capacity(phase1, agg.sent), "the same counts leave no throttled capacity")
	})

	t.Run("empty queue", func(t *testing.T) {
		m := newFakeMTA()
		w := newWorker(settings.Throttle{Enabled: false}, phase1, &fixedAggregate{}, m, time.Now())

		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, m.flushes)
	})
}

func TestRunReleasesPeriodicallyAndStops(t *testing.T) {
	m := newFakeMTA("q1", "q2", "q3")
	th := &fixedThrottle{th: settings.Throttle{Enabled: true, BatchInterval: 10 * time.Millisecond}}
	w := NewWorker(th, fixedPhase{phase: datasource.WarmupPhase{MaxPerHour: 100, MaxPerDay: 100, BurstLimit: 1}},
		&fixedAggregate{}, m, Config{StartupDelay: time.Millisecond, RatePerSecond: 1000},
		WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.released) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
