package settings

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/cache"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
)

func newStore(t *testing.T) *datasource.Memory {
	t.Helper()
	ds := datasource.NewMemory(datasource.Config{Name: "test"})
	require.NoError(t, ds.Connect())
	return ds
}

func TestThrottleParsing(t *testing.T) {
	ctx := context.Background()
	ds := newStore(t)
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyEnabled, "TRUE"))
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyWarmupStartDate, "2026-01-15"))
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyBatchIntervalMinutes, "3"))
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyWarmupPhaseOverride, "2"))

	p := New(ds, WithTTL(0), WithLogger(logging.Discard()))
	th, err := p.Throttle(ctx)
	require.NoError(t, err)
	assert.True(t, th.Enabled)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), th.WarmupStart)
	assert.Equal(t, 3*time.Minute, th.BatchInterval)
	require.NotNil(t, th.PhaseOverride)
	assert.Equal(t, 2, *th.PhaseOverride)
}

func TestThrottleInvalidValuesFallBack(t *testing.T) {
	ctx := context.Background()
	ds := newStore(t)
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyEnabled, "yes please"))
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyWarmupStartDate, "15/01/2026"))
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyBatchIntervalMinutes, "-4"))
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyWarmupPhaseOverride, "two"))

	p := New(ds, WithTTL(0), WithLogger(logging.Discard()))
	th, err := p.Throttle(ctx)
	require.NoError(t, err)
	assert.False(t, th.Enabled)
	assert.True(t, th.WarmupStart.IsZero())
	assert.Equal(t, 10*time.Minute, th.BatchInterval)
	assert.Nil(t, th.PhaseOverride)
}

func TestBanSettings(t *testing.T) {
	ctx := context.Background()
	ds := newStore(t)
	p := New(ds, WithTTL(0), WithLogger(logging.Discard()))

	b, err := p.BanSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBanSettings(), b)

	require.NoError(t, p.SetBanSettings(ctx, BanSettings{
		MaxAttempts: 3,
		TimeWindow:  15 * time.Minute,
		Durations:   []time.Duration{time.Hour, 2 * time.Hour},
	}))
	raw, err := ds.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[60,120]", raw[datasource.KeyBanDurations])

	b, err = p.BanSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, b.MaxAttempts)
	assert.Equal(t, 15*time.Minute, b.TimeWindow)
	assert.Equal(t, []time.Duration{time.Hour, 2 * time.Hour}, b.Durations)

	assert.ErrorIs(t, p.SetBanSettings(ctx, BanSettings{MaxAttempts: 0}), datasource.ErrInvalidInput)

	require.NoError(t, ds.SetSetting(ctx, datasource.KeyBanDurations, "[0]"))
	b, err = p.BanSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBanSettings().Durations, b.Durations)
}

func TestParseDurations(t *testing.T) {
	d, err := ParseDurations("[30, 360]")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Minute, 6 * time.Hour}, d)

	for _, bad := range []string{"", "[]", "[-1]", "30,60", `["a"]`} {
		_, err := ParseDurations(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "[30,1440]", FormatDurations([]time.Duration{30 * time.Minute, 24 * time.Hour}))
}

func TestSnapshotCachedUntilTTL(t *testing.T) {
	ctx := context.Background()
	ds := newStore(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	p := New(ds, WithClock(func() time.Time { return now }), WithLogger(logging.Discard()))

	th, err := p.Throttle(ctx)
	require.NoError(t, err)
	assert.False(t, th.Enabled)

	// A write behind the provider's back is not seen until the TTL passes
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyEnabled, "true"))
	th, _ = p.Throttle(ctx)
	assert.False(t, th.Enabled)

	now = now.Add(DefaultTTL)
	th, _ = p.Throttle(ctx)
	assert.True(t, th.Enabled)
}

func TestWritersInvalidate(t *testing.T) {
	ctx := context.Background()
	ds := newStore(t)
	p := New(ds, WithTTL(time.Hour), WithLogger(logging.Discard()))

	_, err := p.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, p.SetEnabled(ctx, true))
	require.NoError(t, p.SetBatchInterval(ctx, 7))
	two := 2
	require.NoError(t, p.SetPhaseOverride(ctx, &two))
	require.NoError(t, p.SetWarmupStart(ctx, time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)))

	th, err := p.Throttle(ctx)
	require.NoError(t, err)
	assert.True(t, th.Enabled)
	assert.Equal(t, 7*time.Minute, th.BatchInterval)
	require.NotNil(t, th.PhaseOverride)
	assert.Equal(t, 2, *th.PhaseOverride)
	assert.Equal(t, 9, th.WarmupStart.Day())

	require.NoError(t, p.SetPhaseOverride(ctx, nil))
	th, _ = p.Throttle(ctx)
	assert.Nil(t, th.PhaseOverride)

	assert.Error(t, p.SetBatchInterval(ctx, 0))

	require.NoError(t, p.SavePhase(ctx, datasource.WarmupPhase{PhaseNumber: 1, Name: "only", MaxPerHour: 1, MaxPerDay: 1}))
	phases, _ := p.Phases(ctx)
	assert.Len(t, phases, 1)
}

func TestSharedRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	rc := cache.NewRedis(cache.Config{Host: mr.Host(), Port: port, Prefix: "relayctl"})
	require.NoError(t, rc.Connect())
	defer rc.Close()

	ds := newStore(t)
	require.NoError(t, ds.SetThrottleConfig(ctx, datasource.KeyEnabled, "true"))

	writer := New(ds, WithCache(rc), WithLogger(logging.Discard()))
	_, err = writer.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("relayctl:"+snapshotKey))

	// A second provider is served from the shared cache
	other := datasource.NewMemory(datasource.Config{})
	require.NoError(t, other.Connect())
	reader := New(other, WithCache(rc), WithLogger(logging.Discard()))
	th, err := reader.Throttle(ctx)
	require.NoError(t, err)
	assert.True(t, th.Enabled)

	require.NoError(t, writer.SetEnabled(ctx, false))
	assert.False(t, mr.Exists("relayctl:"+snapshotKey))
}

func TestStoreErrorsPropagate(t *testing.T) {
	ds := datasource.NewMemory(datasource.Config{})
	p := New(ds, WithLogger(logging.Discard()))
	_, err := p.Snapshot(context.Background())
	assert.ErrorIs(t, err, datasource.ErrNotConnected)
}
