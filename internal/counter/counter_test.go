package counter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/warmup"
)

type fakeSource struct {
	counts datasource.SentCounts
	err    error
	onRead func()
}

func (f *fakeSource) SentCounts(ctx context.Context, hourStart, dayStart time.Time) (datasource.SentCounts, error) {
	if f.onRead != nil {
		f.onRead()
	}
	return f.counts, f.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newCounter(src Source, at time.Time) (*Counter, *clock) {
	clk := &clock{t: at}
	return New(src, WithClock(clk.Now), WithBurstWindow(time.Hour)), clk
}

func TestHourRotationKeepsDay(t *testing.T) {
	c, clk := newCounter(&fakeSource{}, time.Date(2026, 4, 2, 10, 59, 0, 0, time.UTC))
	c.Increment()
	c.Increment()

	hour, day := c.Counts()
	assert.Equal(t, int64(2), hour)
	assert.Equal(t, int64(2), day)

	clk.Set(time.Date(2026, 4, 2, 11, 0, 1, 0, time.UTC))
	hour, day = c.Counts()
	assert.Zero(t, hour)
	assert.Equal(t, int64(2), day)

	clk.Set(time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC))
	hour, day = c.Counts()
	assert.Zero(t, hour)
	assert.Zero(t, day)
}

func TestDayBoundaryFollowsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clk := &clock{t: time.Date(2026, 4, 2, 21, 30, 0, 0, time.UTC)}
	c := New(&fakeSource{}, WithClock(clk.Now), WithLocation(loc))
	c.Increment()

	// 22:00 UTC is midnight in UTC+2
	clk.Set(time.Date(2026, 4, 2, 22, 0, 0, 0, time.UTC))
	_, day := c.Counts()
	assert.Zero(t, day)
}

func TestAdmitHourlyCap(t *testing.T) {
	c, _ := newCounter(&fakeSource{}, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	limits := warmup.Limits{MaxPerHour: 3, MaxPerDay: 100}

	for i := 1; i <= 3; i++ {
		a := c.Admit(limits)
		require.True(t, a.Allowed, "admission %d", i)
		assert.Equal(t, int64(i), a.HourCount)
	}

	a := c.Admit(limits)
	assert.False(t, a.Allowed)
	assert.Equal(t, CapHour, a.Cap)
	assert.Equal(t, int64(3), a.HourCount)

	hour, day := c.Counts()
	assert.Equal(t, int64(3), hour, "held request does not increment")
	assert.Equal(t, int64(3), day)
}

func TestAdmitDailyAndBurstCaps(t *testing.T) {
	c, _ := newCounter(&fakeSource{}, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))

	a := c.Admit(warmup.Limits{MaxPerHour: 10, MaxPerDay: 10, BurstLimit: 1})
	require.True(t, a.Allowed)
	a = c.Admit(warmup.Limits{MaxPerHour: 10, MaxPerDay: 10, BurstLimit: 1})
	assert.Equal(t, CapBurst, a.Cap)

	a = c.Admit(warmup.Limits{MaxPerHour: 10, MaxPerDay: 1, BurstLimit: 0})
	assert.Equal(t, CapDay, a.Cap)

	a = c.Admit(warmup.Limits{MaxPerHour: 10, MaxPerDay: 10, BurstLimit: 0})
	assert.True(t, a.Allowed, "non-positive burst limit disables the burst cap")
}

func TestConcurrentAdmitNeverExceedsCap(t *testing.T) {
	c, _ := newCounter(&fakeSource{}, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	limits := warmup.Limits{MaxPerHour: 50, MaxPerDay: 1000}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(limits).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestSyncReplaces(t *testing.T) {
	src := &fakeSource{counts: datasource.SentCounts{SentThisHour: 7, SentToday: 40}}
	c, clk := newCounter(src, time.Date(2026, 4, 2, 10, 15, 0, 0, time.UTC))
	for i := 0; i < 12; i++ {
		c.Increment()
	}

	require.NoError(t, c.Sync(context.Background()))
	hour, day := c.Counts()
	assert.Equal(t, int64(7), hour)
	assert.Equal(t, int64(40), day)
	assert.Equal(t, clk.Now(), c.LastSync())
	assert.False(t, c.ShouldSync(30*time.Second))

	clk.Set(clk.Now().Add(30 * time.Second))
	assert.True(t, c.ShouldSync(30*time.Second))
}

func TestSyncDiscardsRolledHour(t *testing.T) {
	src := &fakeSource{counts: datasource.SentCounts{SentThisHour: 9, SentToday: 50}}
	c, clk := newCounter(src, time.Date(2026, 4, 2, 10, 59, 59, 0, time.UTC))
	src.onRead = func() { clk.Set(time.Date(2026, 4, 2, 11, 0, 0, 0, time.UTC)) }

	require.NoError(t, c.Sync(context.Background()))
	hour, day := c.Counts()
	assert.Zero(t, hour, "hour rolled between read and apply")
	assert.Equal(t, int64(50), day)
}

func TestSyncErrorKeepsCounts(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	c, _ := newCounter(src, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	c.Increment()

	assert.Error(t, c.Sync(context.Background()))
	st := c.State()
	assert.Equal(t, int64(1), st.HourCount)
	assert.True(t, st.LastSync.IsZero())
	assert.True(t, c.ShouldSync(time.Hour))
}
