// Package settings exposes the administrator-owned configuration stored in
// the datasource as typed snapshots. Snapshots are read through a short-lived
// cache so the policy decision path does not hit the database per request.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/relayctl/internal/cache"
	"github.com/busybox42/relayctl/internal/datasource"
)

const snapshotKey = "settings:snapshot"

// DefaultTTL is how long a snapshot is served before it is re-read
const DefaultTTL = 5 * time.Second

// Throttle is the typed view of the throttle key/value table
type Throttle struct {
	Enabled       bool          `json:"enabled"`
	WarmupStart   time.Time     `json:"warmup_start"` // zero when unset or invalid
	BatchInterval time.Duration `json:"batch_interval"`
	PhaseOverride *int          `json:"phase_override,omitempty"`
}

// BanSettings controls failure tracking and ban escalation
type BanSettings struct {
	MaxAttempts int             `json:"max_attempts"`
	TimeWindow  time.Duration   `json:"time_window"`
	Durations   []time.Duration `json:"durations"`
}

// DefaultBanSettings returns the built-in ban settings
func DefaultBanSettings() BanSettings {
	return BanSettings{
		MaxAttempts: datasource.DefaultBanMaxAttempts,
		TimeWindow:  datasource.DefaultBanWindowMinutes * time.Minute,
		Durations:   []time.Duration{30 * time.Minute, 6 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour},
	}
}

// Snapshot is one consistent read of every administrator setting
type Snapshot struct {
	Throttle Throttle                 `json:"throttle"`
	Phases   []datasource.WarmupPhase `json:"phases"`
	Bans     BanSettings              `json:"bans"`
}

// Store is the subset of the datasource the provider reads and writes
type Store interface {
	datasource.ThrottleStore
	datasource.PhaseStore
	datasource.SettingStore
}

// Provider reads and writes typed settings
type Provider struct {
	store  Store
	cache  cache.Cache
	ttl    time.Duration
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	local   *Snapshot
	localAt time.Time
}

// Option configures a Provider
type Option func(*Provider)

// WithCache shares snapshots through an external cache in addition to the
// process-local copy.
func WithCache(c cache.Cache) Option {
	return func(p *Provider) { p.cache = c }
}

// WithTTL sets the snapshot lifetime. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithLocation sets the time zone used to interpret dates
func WithLocation(loc *time.Location) Option {
	return func(p *Provider) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates a settings provider
func New(store Store, opts ...Option) *Provider {
	p := &Provider{
		store:  store,
		ttl:    DefaultTTL,
		loc:    time.UTC,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "settings")
	return p
}

// Location returns the time zone dates are interpreted in
func (p *Provider) Location() *time.Location {
	return p.loc
}

// Snapshot returns the current settings, served from cache when fresh
func (p *Provider) Snapshot(ctx context.Context) (Snapshot, error) {
	if p.ttl > 0 {
		p.mu.Lock()
		if p.local != nil && p.now().Sub(p.localAt) < p.ttl {
			s := *p.local
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		if s, ok := p.fromCache(ctx); ok {
			p.remember(s)
			return s, nil
		}
	}

	s, err := p.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if p.ttl > 0 {
		p.remember(s)
		p.toCache(ctx, s)
	}
	return s, nil
}

// Throttle returns the throttle settings
func (p *Provider) Throttle(ctx context.Context) (Throttle, error) {
	s, err := p.Snapshot(ctx)
	if err != nil {
		return Throttle{}, err
	}
	return s.Throttle, nil
}

// Phases returns the warmup phases ordered by phase number
func (p *Provider) Phases(ctx context.Context) ([]datasource.WarmupPhase, error) {
	s, err := p.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Phases, nil
}

// BanSettings returns the ban settings
func (p *Provider) BanSettings(ctx context.Context) (BanSettings, error) {
	s, err := p.Snapshot(ctx)
	if err != nil {
		return BanSettings{}, err
	}
	return s.Bans, nil
}

// Invalidate drops cached snapshots so the next read goes to the store
func (p *Provider) Invalidate(ctx context.Context) {
	p.mu.Lock()
	p.local = nil
	p.mu.Unlock()

	if p.cache != nil && p.cache.IsConnected() {
		if err := p.cache.Delete(ctx, snapshotKey); err != nil {
			p.logger.Warn("failed to invalidate cached settings", "error", err)
		}
	}
}

func (p *Provider) remember(s Snapshot) {
	p.mu.Lock()
	p.local = &s
	p.localAt = p.now()
	p.mu.Unlock()
}

func (p *Provider) fromCache(ctx context.Context) (Snapshot, bool) {
	if p.cache == nil || !p.cache.IsConnected() {
		return Snapshot{}, false
	}
	raw, err := p.cache.Get(ctx, snapshotKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			p.logger.Debug("settings cache read failed", "error", err)
		}
		return Snapshot{}, false
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		p.logger.Warn("discarding malformed cached settings", "error", err)
		return Snapshot{}, false
	}
	return s, true
}

func (p *Provider) toCache(ctx context.Context, s Snapshot) {
	if p.cache == nil || !p.cache.IsConnected() {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, snapshotKey, raw, p.ttl); err != nil {
		p.logger.Debug("settings cache write failed", "error", err)
	}
}

func (p *Provider) load(ctx context.Context) (Snapshot, error) {
	raw, err := p.store.GetThrottleConfig(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read throttle config: %w", err)
	}
	phases, err := p.store.ListPhases(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read warmup phases: %w", err)
	}
	sys, err := p.store.GetSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read system settings: %w", err)
	}
	return Snapshot{
		Throttle: p.parseThrottle(raw),
		Phases:   phases,
		Bans:     p.parseBanSettings(sys),
	}, nil
}

func (p *Provider) parseThrottle(raw map[string]string) Throttle {
	t := Throttle{BatchInterval: datasource.DefaultBatchIntervalMinutes * time.Minute}

	t.Enabled = strings.EqualFold(strings.TrimSpace(raw[datasource.KeyEnabled]), "true")

	if v := strings.TrimSpace(raw[datasource.KeyWarmupStartDate]); v != "" {
		d, err := time.ParseInLocation(datasource.DateLayout, v, p.loc)
		if err != nil {
			p.logger.Warn("invalid warmup start date, using today", "value", v)
		} else {
			t.WarmupStart = d
		}
	}

	if v := strings.TrimSpace(raw[datasource.KeyBatchIntervalMinutes]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			p.logger.Warn("invalid batch interval, using default", "value", v)
		} else {
			t.BatchInterval = time.Duration(n) * time.Minute
		}
	}

	if v := strings.TrimSpace(raw[datasource.KeyWarmupPhaseOverride]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.logger.Warn("ignoring invalid phase override", "value", v)
		} else {
			t.PhaseOverride = &n
		}
	}
	return t
}

func (p *Provider) parseBanSettings(raw map[string]string) BanSettings {
	b := DefaultBanSettings()

	if v := strings.TrimSpace(raw[datasource.KeyBanMaxAttempts]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			b.MaxAttempts = n
		} else {
			p.logger.Warn("invalid ban max attempts, using default", "value", v)
		}
	}

	if v := strings.TrimSpace(raw[datasource.KeyBanTimeWindowMinutes]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			b.TimeWindow = time.Duration(n) * time.Minute
		} else {
			p.logger.Warn("invalid ban time window, using default", "value", v)
		}
	}

	if v := strings.TrimSpace(raw[datasource.KeyBanDurations]); v != "" {
		durations, err := ParseDurations(v)
		if err != nil {
			p.logger.Warn("invalid ban durations, using default", "value", v, "error", err)
		} else {
			b.Durations = durations
		}
	}
	return b
}

// ParseDurations parses a JSON array of minutes such as [30,360,1440]
func ParseDurations(s string) ([]time.Duration, error) {
	var minutes []int
	if err := json.Unmarshal([]byte(s), &minutes); err != nil {
		return nil, err
	}
	if len(minutes) == 0 {
		return nil, errors.New("empty duration list")
	}
	out := make([]time.Duration, len(minutes))
	for i, m := range minutes {
		if m <= 0 {
			return nil, fmt.Errorf("duration %d must be positive", m)
		}
		out[i] = time.Duration(m) * time.Minute
	}
	return out, nil
}

// FormatDurations renders durations as a JSON array of minutes
func FormatDurations(durations []time.Duration) string {
	minutes := make([]int, len(durations))
	for i, d := range durations {
		minutes[i] = int(d / time.Minute)
	}
	raw, _ := json.Marshal(minutes)
	return string(raw)
}
