// Package abuse tracks failures per source address, escalates time-boxed
// bans, and keeps the MTA's deny list in sync with the active bans.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/mta"
	"github.com/busybox42/relayctl/internal/settings"
	"github.com/busybox42/relayctl/internal/whitelist"
)

var (
	// ErrBanActive is returned when deleting a ban that is still in force
	ErrBanActive = errors.New("ban is active")
	// ErrInvalidAddress is returned for values that are not an IP address or network
	ErrInvalidAddress = errors.New("invalid address")
)

// DefaultExpiryInterval is how often RunExpiry sweeps expired bans
const DefaultExpiryInterval = 60 * time.Second

// Failure reasons reported by the log watcher
const (
	ReasonRelayRejected  = "relay_rejected"
	ReasonSASLAuthFailed = "sasl_auth_failed"
	ReasonManual         = "manual"
)

// SettingsSource provides the ban settings
type SettingsSource interface {
	BanSettings(ctx context.Context) (settings.BanSettings, error)
}

// Metrics receives ban lifecycle observations
type Metrics interface {
	FailureRecorded(reason string)
	BanActivated(kind string)
	BanLifted(kind string)
	ActiveBans(n int)
}

type nopMetrics struct{}

func (nopMetrics) FailureRecorded(string) {}
func (nopMetrics) BanActivated(string)    {}
func (nopMetrics) BanLifted(string)       {}
func (nopMetrics) ActiveBans(int)         {}

// Tracker records failures and manages bans
type Tracker struct {
	store     datasource.BanStore
	settings  SettingsSource
	whitelist whitelist.Checker
	denyList  DenyList
	reloader  mta.Reloader
	now       func() time.Time
	logger    *slog.Logger
	decisions *logging.DecisionLogger
	metrics   Metrics

	mu sync.Mutex
}

// Option configures a Tracker
type Option func(*Tracker)

// WithWhitelist sets the checker consulted before recording failures
func WithWhitelist(c whitelist.Checker) Option {
	return func(t *Tracker) { t.whitelist = c }
}

// WithReloader sets the MTA reloaded after the deny list changes
func WithReloader(r mta.Reloader) Option {
	return func(t *Tracker) { t.reloader = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(t *Tracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// NewTracker creates a tracker
func NewTracker(store datasource.BanStore, src SettingsSource, denyList DenyList, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		settings: src,
		denyList: denyList,
		now:      time.Now,
		logger:   slog.Default(),
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.decisions = logging.NewDecisionLogger(t.logger)
	t.logger = t.logger.With("component", "abuse-tracker")
	return t
}

// NormalizeAddress parses a single IP address into its canonical form
func NormalizeAddress(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(s), "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return a.Unmap().WithZone(""), nil
}

// NormalizeTarget parses an address or CIDR network. Single-host networks
// collapse to the bare address.
func NormalizeTarget(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		a, err := NormalizeAddress(s)
		if err != nil {
			return "", err
		}
		return a.String(), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	p = p.Masked()
	if p.IsSingleIP() {
		return p.Addr().String(), nil
	}
	return p.String(), nil
}

func (t *Tracker) lookup(ctx context.Context, addr string) (*datasource.BanRecord, error) {
	ban, err := t.store.GetBanByAddress(ctx, addr)
	if errors.Is(err, datasource.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ban for %s: %w", addr, err)
	}
	return &ban, nil
}

// RecordFailure counts one failure for addr and activates a ban once the
// threshold is reached within the rolling window.
func (t *Tracker) RecordFailure(ctx context.Context, address, reason string) error {
	a, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if t.whitelist != nil {
		listed, err := t.whitelist.Contains(ctx, a)
		if err != nil {
			return fmt.Errorf("failed to check whitelist: %w", err)
		}
		if listed {
			return nil
		}
	}

	cfg, err := t.settings.BanSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ban settings: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	addr := a.String()
	now := t.now()
	ban, err := t.lookup(ctx, addr)
	if err != nil {
		return err
	}
	t.metrics.FailureRecorded(reason)

	switch {
	case ban == nil:
		return t.store.SaveBan(ctx, &datasource.BanRecord{
			IPAddress:   addr,
			FailCount:   1,
			FirstFailAt: &now,
			Reason:      reason,
		})
	case ban.IsActive:
		ban.FailCount++
		return t.store.SaveBan(ctx, ban)
	case ban.FirstFailAt != nil && now.Sub(*ban.FirstFailAt) > cfg.TimeWindow:
		// Window elapsed: decay the count instead of resetting it
		ban.FailCount = max(1, ban.FailCount/2+1)
		ban.FirstFailAt = &now
	default:
		ban.FailCount++
		if ban.FirstFailAt == nil {
			ban.FirstFailAt = &now
		}
	}
	ban.Reason = reason
	if err := t.store.SaveBan(ctx, ban); err != nil {
		return fmt.Errorf("failed to save failure for %s: %w", addr, err)
	}

	if ban.FailCount >= cfg.MaxAttempts {
		return t.activateLocked(ctx, ban, cfg)
	}
	return nil
}

// ActivateBan bans a tracked address for the next duration tier
func (t *Tracker) ActivateBan(ctx context.Context, address string) error {
	a, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	cfg, err := t.settings.BanSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ban settings: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ban, err := t.lookup(ctx, a.String())
	if err != nil {
		return err
	}
	if ban == nil {
		return fmt.Errorf("no record for %s: %w", a, datasource.ErrNotFound)
	}
	return t.activateLocked(ctx, ban, cfg)
}

// Tier returns the ban duration for the n-th ban, repeating the last tier
func Tier(durations []time.Duration, banCount int) time.Duration {
	if len(durations) == 0 {
		durations = settings.DefaultBanSettings().Durations
	}
	idx := banCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(durations)-1 {
		idx = len(durations) - 1
	}
	return durations[idx]
}

func (t *Tracker) activateLocked(ctx context.Context, ban *datasource.BanRecord, cfg settings.BanSettings) error {
	now := t.now()
	duration := Tier(cfg.Durations, ban.BanCount+1)
	expires := now.Add(duration)

	ban.BanCount++
	ban.IsActive = true
	ban.BannedAt = &now
	ban.ExpiresAt = &expires
	if err := t.store.SaveBan(ctx, ban); err != nil {
		return fmt.Errorf("failed to activate ban for %s: %w", ban.IPAddress, err)
	}

	t.decisions.LogBan(ban.IPAddress, ban.BanCount, duration, expires)
	t.metrics.BanActivated("automatic")
	return t.regenerateLocked(ctx)
}

// ManualBan permanently bans an address or network. Repeating it refreshes
// the ban and increments its count.
func (t *Tracker) ManualBan(ctx context.Context, target, reason, notes string) (datasource.BanRecord, error) {
	addr, err := NormalizeTarget(target)
	if err != nil {
		return datasource.BanRecord{}, err
	}
	if reason == "" {
		reason = ReasonManual
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ban, err := t.lookup(ctx, addr)
	if err != nil {
		return datasource.BanRecord{}, err
	}
	if ban == nil {
		ban = &datasource.BanRecord{IPAddress: addr}
	}
	now := t.now()
	ban.IsActive = true
	ban.BannedAt = &now
	ban.ExpiresAt = nil
	ban.Reason = reason
	ban.Notes = notes
	ban.BanCount++
	if err := t.store.SaveBan(ctx, ban); err != nil {
		return datasource.BanRecord{}, fmt.Errorf("failed to save ban for %s: %w", addr, err)
	}

	t.decisions.LogManualBan(addr, reason, ban.BanCount)
	t.metrics.BanActivated("manual")
	return *ban, t.regenerateLocked(ctx)
}

func lift(ban *datasource.BanRecord) {
	ban.IsActive = false
	ban.FailCount = 0
	ban.FirstFailAt = nil
}

// Unban lifts a ban. The ban count is kept so a repeat offender escalates.
func (t *Tracker) Unban(ctx context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ban, err := t.store.GetBan(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load ban %d: %w", id, err)
	}
	lift(&ban)
	if err := t.store.SaveBan(ctx, &ban); err != nil {
		return fmt.Errorf("failed to lift ban %d: %w", id, err)
	}
	t.decisions.LogUnban(ban.IPAddress, false)
	t.metrics.BanLifted("manual")
	return t.regenerateLocked(ctx)
}

// Delete removes an inactive ban record
func (t *Tracker) Delete(ctx context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ban, err := t.store.GetBan(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load ban %d: %w", id, err)
	}
	if ban.IsActive {
		return fmt.Errorf("cannot delete %s: %w", ban.IPAddress, ErrBanActive)
	}
	if err := t.store.DeleteBan(ctx, id); err != nil {
		return fmt.Errorf("failed to delete ban %d: %w", id, err)
	}
	return nil
}

// UpdateNotes replaces the administrator notes of a ban
func (t *Tracker) UpdateNotes(ctx context.Context, id int64, notes string) (datasource.BanRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ban, err := t.store.GetBan(ctx, id)
	if err != nil {
		return datasource.BanRecord{}, fmt.Errorf("failed to load ban %d: %w", id, err)
	}
	ban.Notes = notes
	if err := t.store.SaveBan(ctx, &ban); err != nil {
		return datasource.BanRecord{}, fmt.Errorf("failed to save ban %d: %w", id, err)
	}
	return ban, nil
}

// List returns all ban records, active first and newest first
func (t *Tracker) List(ctx context.Context) ([]datasource.BanRecord, error) {
	return t.store.ListBans(ctx)
}

// ExpireSweep lifts every expired ban in one pass and regenerates the deny
// list once if anything changed. It returns the number of bans lifted.
func (t *Tracker) ExpireSweep(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired, err := t.store.ListExpiredBans(ctx, t.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired bans: %w", err)
	}

	lifted := 0
	var errs []error
	for i := range expired {
		ban := expired[i]
		lift(&ban)
		if err := t.store.SaveBan(ctx, &ban); err != nil {
			errs = append(errs, fmt.Errorf("failed to expire ban for %s: %w", ban.IPAddress, err))
			continue
		}
		lifted++
		t.decisions.LogUnban(ban.IPAddress, true)
		t.metrics.BanLifted("expired")
	}
	if lifted > 0 {
		if err := t.regenerateLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return lifted, errors.Join(errs...)
}

// RunExpiry sweeps expired bans every interval until ctx is cancelled
func (t *Tracker) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.sweepOnce(ctx)
		}
	}
}

func (t *Tracker) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.ExpireSweep(ctx)
	if err != nil {
		t.logger.Error("expiry sweep failed", "error", err)
	}
	if n > 0 {
		t.logger.Info("expired bans lifted", "count", n)
	}
}

// Regenerate rewrites the deny list from the active bans and reloads the MTA
func (t *Tracker) Regenerate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regenerateLocked(ctx)
}

func (t *Tracker) regenerateLocked(ctx context.Context) error {
	active, err := t.store.ListActiveBans(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active bans: %w", err)
	}
	t.metrics.ActiveBans(len(active))

	if t.denyList.Path == "" {
		return nil
	}
	if err := t.denyList.Write(active); err != nil {
		return err
	}
	if t.reloader != nil {
		if err := t.reloader.Reload(ctx); err != nil {
			t.logger.Error("MTA reload failed after deny list update", "error", err)
		}
	}
	return nil
}
