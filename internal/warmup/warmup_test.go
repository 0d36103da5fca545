package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/settings"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, phases []datasource.WarmupPhase) (*Scheduler, *settings.Provider, *time.Time) {
	t.Helper()
	ctx := context.Background()
	ds := datasource.NewMemory(datasource.Config{})
	require.NoError(t, ds.Connect())
	for _, p := range phases {
		require.NoError(t, ds.SavePhase(ctx, p))
	}
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyWarmupStartDate, start.Format(datasource.DateLayout)))

	now := start.Add(9 * time.Hour)
	clock := func() time.Time { return now }
	p := settings.New(ds, settings.WithTTL(0), settings.WithClock(clock), settings.WithLogger(logging.Discard()))
	s := NewScheduler(p, time.UTC, logging.Discard())
	s.SetClock(clock)
	return s, p, &now
}

func TestPhaseForDay(t *testing.T) {
	phases := datasource.DefaultPhases
	cases := map[int]int{0: 1, 13: 1, 14: 2, 27: 2, 28: 3, 41: 3, 42: 4, 1000: 4}
	for elapsed, want := range cases {
		assert.Equal(t, want, PhaseForDay(phases, elapsed).PhaseNumber, "elapsed=%d", elapsed)
	}

	assert.Equal(t, FallbackPhase, PhaseForDay(nil, 3))

	// No terminal phase: past the end stays on the last phase
	finite := []datasource.WarmupPhase{{PhaseNumber: 1, DurationDays: 2}, {PhaseNumber: 2, DurationDays: 2}}
	assert.Equal(t, 2, PhaseForDay(finite, 99).PhaseNumber)
}

func TestPhaseMonotonicInElapsedDays(t *testing.T) {
	last := 0
	for d := 0; d < 60; d++ {
		n := PhaseForDay(datasource.DefaultPhases, d).PhaseNumber
		assert.GreaterOrEqual(t, n, last)
		last = n
	}
}

func TestCurrentPhase(t *testing.T) {
	ctx := context.Background()
	s, _, now := newScheduler(t, datasource.DefaultPhases)

	p, err := s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PhaseNumber)

	*now = start.AddDate(0, 0, 14)
	p, err = s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.PhaseNumber)

	*now = start.AddDate(0, 0, -5)
	p, err = s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PhaseNumber, "future start date counts as day zero")
}

func TestNoPhasesUsesFallback(t *testing.T) {
	s, _, _ := newScheduler(t, nil)
	p, err := s.CurrentPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FallbackPhase, p)
}

func TestOverride(t *testing.T) {
	ctx := context.Background()
	s, prov, now := newScheduler(t, datasource.DefaultPhases)

	require.NoError(t, s.SetOverride(ctx, 3))
	*now = start.AddDate(0, 0, 100)
	p, err := s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.PhaseNumber, "override is time-blind")

	assert.ErrorIs(t, s.SetOverride(ctx, 9), ErrUnknownPhase)

	// An override that no longer matches a phase falls back to the schedule
	nine := 9
	require.NoError(t, prov.SetPhaseOverride(ctx, &nine))
	p, err = s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, p.PhaseNumber)

	require.NoError(t, s.ClearOverride(ctx))
	th, err := prov.Throttle(ctx)
	require.NoError(t, err)
	assert.Nil(t, th.PhaseOverride)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	s, _, now := newScheduler(t, datasource.DefaultPhases)

	*now = start.AddDate(0, 0, 20)
	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentPhase)
	assert.Equal(t, "Weeks 3-4", st.PhaseName)
	assert.Equal(t, 20, st.DaysElapsed)
	assert.Equal(t, 8+14, st.DaysRemaining)
	assert.Equal(t, 47.6, st.PercentComplete)
	assert.Equal(t, Limits{MaxPerHour: 50, MaxPerDay: 2000, BurstLimit: 25}, st.Limits)
	assert.False(t, st.IsEstablished)

	*now = start.AddDate(0, 0, 50)
	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsEstablished)
	assert.Equal(t, 100.0, st.PercentComplete)
	assert.Zero(t, st.DaysRemaining)
}

func TestStatusOverrideAheadOfSchedule(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, datasource.DefaultPhases)
	require.NoError(t, s.SetOverride(ctx, 3))

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Overridden)
	assert.Equal(t, 3, st.CurrentPhase)
	assert.Equal(t, 14, st.DaysRemaining)
	assert.Equal(t, 0.0, st.PercentComplete)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s, prov, now := newScheduler(t, datasource.DefaultPhases)
	require.NoError(t, s.SetOverride(ctx, 2))

	*now = start.AddDate(0, 0, 30)
	require.NoError(t, s.Reset(ctx))

	th, err := prov.Throttle(ctx)
	require.NoError(t, err)
	assert.Nil(t, th.PhaseOverride)
	assert.Equal(t, start.AddDate(0, 0, 30), th.WarmupStart)

	p, err := s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PhaseNumber)
}

func TestUpdatePhase(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t, datasource.DefaultPhases)

	require.NoError(t, s.UpdatePhase(ctx, datasource.WarmupPhase{PhaseNumber: 1, Name: "Weeks 1-2", DurationDays: 14, MaxPerHour: 30, MaxPerDay: 600, BurstLimit: 10}))
	p, err := s.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, p.MaxPerHour)

	assert.Error(t, s.UpdatePhase(ctx, datasource.WarmupPhase{PhaseNumber: 1, MaxPerHour: -1}))
}
