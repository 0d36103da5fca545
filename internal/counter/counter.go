// Package counter keeps the process-local hourly and daily send counts used
// by the policy decision path.
package counter

import (
	"context"
	"sync"
	"time"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/warmup"
)

// DefaultBurstWindow is the width of the burst bucket
const DefaultBurstWindow = time.Minute

// Cap names the ceiling that blocked an admission
type Cap string

const (
	CapNone  Cap = ""
	CapHour  Cap = "hour"
	CapDay   Cap = "day"
	CapBurst Cap = "burst"
)

// Source reads the durable aggregate of sent mail
type Source interface {
	SentCounts(ctx context.Context, hourStart, dayStart time.Time) (datasource.SentCounts, error)
}

// Admission is the outcome of one Admit call
type Admission struct {
	Allowed    bool
	Cap        Cap
	HourCount  int64
	DayCount   int64
	BurstCount int64
}

// State is a point-in-time copy of the counter
type State struct {
	HourCount  int64     `json:"hour_count"`
	DayCount   int64     `json:"day_count"`
	BurstCount int64     `json:"burst_count"`
	LastSync   time.Time `json:"last_sync"`
}

// Counter is a dual time-window counter. Buckets rotate lazily on every read
// or write; one mutex covers rotation together with the read or increment.
type Counter struct {
	source      Source
	loc         *time.Location
	now         func() time.Time
	burstWindow time.Duration

	mu           sync.Mutex
	hourCount    int64
	dayCount     int64
	burstCount   int64
	currentHour  time.Time
	currentDay   time.Time
	currentBurst time.Time
	lastSync     time.Time
}

// Option configures a Counter
type Option func(*Counter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithLocation sets the time zone hour and day boundaries are computed in
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithBurstWindow sets the width of the burst bucket
func WithBurstWindow(d time.Duration) Option {
	return func(c *Counter) {
		if d > 0 {
			c.burstWindow = d
		}
	}
}

// New creates a counter reading the durable aggregate from source
func New(source Source, opts ...Option) *Counter {
	c := &Counter{
		source:      source,
		loc:         time.UTC,
		now:         time.Now,
		burstWindow: DefaultBurstWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Boundaries returns the start of the hour and of the day containing t in loc
func Boundaries(t time.Time, loc *time.Location) (hour, day time.Time) {
	t = t.In(loc)
	hour = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	day = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return hour, day
}

func (c *Counter) rotateLocked(now time.Time) {
	hour, day := Boundaries(now, c.loc)
	if !hour.Equal(c.currentHour) {
		c.hourCount = 0
		c.currentHour = hour
	}
	if !day.Equal(c.currentDay) {
		c.dayCount = 0
		c.currentDay = day
	}
	burst := now.Truncate(c.burstWindow)
	if !burst.Equal(c.currentBurst) {
		c.burstCount = 0
		c.currentBurst = burst
	}
}

// Counts returns the current hour and day counts
func (c *Counter) Counts() (hour, day int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked(c.now())
	return c.hourCount, c.dayCount
}

// Increment records one accepted message
func (c *Counter) Increment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked(c.now())
	c.hourCount++
	c.dayCount++
	c.burstCount++
}

// Admit checks the limits and records the message when none is reached. The
// check and the increment happen in one critical section. A burst limit of
// zero or less disables the burst cap.
func (c *Counter) Admit(l warmup.Limits) Admission {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked(c.now())

	a := Admission{HourCount: c.hourCount, DayCount: c.dayCount, BurstCount: c.burstCount}
	switch {
	case c.hourCount >= int64(l.MaxPerHour):
		a.Cap = CapHour
	case c.dayCount >= int64(l.MaxPerDay):
		a.Cap = CapDay
	case l.BurstLimit > 0 && c.burstCount >= int64(l.BurstLimit):
		a.Cap = CapBurst
	default:
		c.hourCount++
		c.dayCount++
		c.burstCount++
		a.Allowed = true
		a.HourCount, a.DayCount, a.BurstCount = c.hourCount, c.dayCount, c.burstCount
	}
	return a
}

// Sync replaces the hour and day counts with the durable aggregate. The store
// is read without holding the lock; a bucket that rolled over in between is
// left alone.
func (c *Counter) Sync(ctx context.Context) error {
	now := c.now()
	hour, day := Boundaries(now, c.loc)

	counts, err := c.source.SentCounts(ctx, hour, day)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked(c.now())
	if c.currentHour.Equal(hour) {
		c.hourCount = counts.SentThisHour
	}
	if c.currentDay.Equal(day) {
		c.dayCount = counts.SentToday
	}
	c.lastSync = now
	return nil
}

// LastSync returns when the counter was last replaced from the store
func (c *Counter) LastSync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

// ShouldSync reports whether interval has passed since the last sync
func (c *Counter) ShouldSync(interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync.IsZero() || c.now().Sub(c.lastSync) >= interval
}

// State returns a copy of the counter after rotation
func (c *Counter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked(c.now())
	return State{
		HourCount:  c.hourCount,
		DayCount:   c.dayCount,
		BurstCount: c.burstCount,
		LastSync:   c.lastSync,
	}
}
