package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/relayctl/internal/abuse"
	"github.com/busybox42/relayctl/internal/cache"
	"github.com/busybox42/relayctl/internal/config"
	"github.com/busybox42/relayctl/internal/counter"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/metrics"
	"github.com/busybox42/relayctl/internal/mta"
	"github.com/busybox42/relayctl/internal/release"
	"github.com/busybox42/relayctl/internal/settings"
	"github.com/busybox42/relayctl/internal/warmup"
	"github.com/busybox42/relayctl/internal/whitelist"
)

// Aggregate is the durable hourly statistics store
type Aggregate interface {
	SentCounts(ctx context.Context, hourStart, dayStart time.Time) (datasource.SentCounts, error)
	AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error
}

// Components are the long-lived objects shared by the daemon and the
// administrative commands.
type Components struct {
	Location      *time.Location
	Store         datasource.DataSource
	Cache         cache.Cache
	Settings      *settings.Provider
	Scheduler     *warmup.Scheduler
	Counter       *counter.Counter
	Aggregate     Aggregate
	MTA           mta.Controller
	Tracker       *abuse.Tracker
	Whitelist     whitelist.Checker
	WhitelistFile *whitelist.File
	Metrics       *metrics.Collector

	closers []func() error
}

// Build connects the datasource and cache, seeds missing defaults, and
// wires every component from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	c := &Components{Location: loc, Metrics: metrics.NewCollector()}

	ds, err := datasource.Factory(datasource.Config{
		Type:     cfg.Datasource.Type,
		Name:     "relayctl",
		Host:     cfg.Datasource.Host,
		Port:     cfg.Datasource.Port,
		Database: cfg.Datasource.Database,
		Username: cfg.Datasource.Username,
		Password: cfg.Datasource.Password,
	})
	if err != nil {
		return nil, err
	}
	if err := ds.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s datasource: %w", ds.Type(), err)
	}
	c.Store = ds
	c.closers = append(c.closers, ds.Close)

	if err := datasource.SeedDefaults(ctx, ds, time.Now().In(loc)); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	settingsOpts := []settings.Option{
		settings.WithTTL(config.Seconds(cfg.Cache.TTL)),
		settings.WithLocation(loc),
		settings.WithLogger(logger),
	}
	sc, err := cache.Factory(cache.Config{
		Type:     cfg.Cache.Type,
		Name:     "settings",
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.Database,
		Prefix:   cfg.Cache.Prefix,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	if sc != nil {
		if err := sc.Connect(); err != nil {
			// Snapshots still work from the process-local copy
			logger.Warn("settings cache unavailable", "type", sc.Type(), "error", err)
		} else {
			c.Cache = sc
			c.closers = append(c.closers, sc.Close)
			settingsOpts = append(settingsOpts, settings.WithCache(sc))
		}
	}
	c.Settings = settings.New(ds, settingsOpts...)
	c.Scheduler = warmup.NewScheduler(c.Settings, loc, logger)

	switch cfg.Aggregate.Type {
	case "valkey":
		vs, err := metrics.NewValkeyStore(metrics.ValkeyConfig{
			Addresses: cfg.Aggregate.Addresses,
			Username:  cfg.Aggregate.Username,
			Password:  cfg.Aggregate.Password,
			DB:        cfg.Aggregate.DB,
			Prefix:    cfg.Aggregate.Prefix,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Aggregate = vs
		c.closers = append(c.closers, func() error { vs.Close(); return nil })
	default:
		c.Aggregate = ds
	}
	c.Counter = counter.New(c.Aggregate, counter.WithLocation(loc))

	c.MTA, err = buildMTA(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	checkers := whitelist.Multi{whitelist.NewStore(ds, config.Seconds(cfg.Abuse.WhitelistTTL), logger)}
	if len(cfg.Abuse.Whitelist) > 0 {
		prefixes, err := whitelist.ParsePrefixes(cfg.Abuse.Whitelist)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("invalid whitelist: %w", err)
		}
		checkers = append(checkers, whitelist.Static(prefixes))
	}
	if cfg.Abuse.WhitelistFile != "" {
		f, err := whitelist.NewFile(cfg.Abuse.WhitelistFile, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.WhitelistFile = f
		checkers = append(checkers, f)
	}
	c.Whitelist = checkers

	trackerOpts := []abuse.Option{
		abuse.WithWhitelist(c.Whitelist),
		abuse.WithLogger(logger),
		abuse.WithMetrics(c.Metrics),
	}
	if r, ok := c.MTA.(mta.Reloader); ok {
		trackerOpts = append(trackerOpts, abuse.WithReloader(r))
	}
	c.Tracker = abuse.NewTracker(ds, c.Settings, abuse.DenyList{
		Path:    cfg.Abuse.DenyListPath,
		Message: cfg.Abuse.RejectMessage,
	}, trackerOpts...)

	return c, nil
}

func buildMTA(cfg *config.Config, logger *slog.Logger) (mta.Controller, error) {
	var inner mta.Controller
	switch cfg.MTA.Type {
	case "", "postfix":
		inner = mta.NewPostfix(mta.ExecRunner{
			Prefix:  cfg.MTA.CommandPrefix,
			Timeout: config.Seconds(cfg.MTA.CommandTimeout),
		}, logger)
	case "spool":
		inner = mta.NewSpool(cfg.MTA.SpoolDir)
	default:
		return nil, fmt.Errorf("unsupported MTA type: %s", cfg.MTA.Type)
	}
	if !cfg.MTA.Breaker.Enabled {
		return inner, nil
	}
	bc := mta.DefaultBreakerConfig()
	if cfg.MTA.Breaker.MaxRequests > 0 {
		bc.MaxRequests = cfg.MTA.Breaker.MaxRequests
	}
	if cfg.MTA.Breaker.Interval > 0 {
		bc.Interval = config.Seconds(cfg.MTA.Breaker.Interval)
	}
	if cfg.MTA.Breaker.Timeout > 0 {
		bc.Timeout = config.Seconds(cfg.MTA.Breaker.Timeout)
	}
	return mta.WithBreaker(inner, bc, logger), nil
}

// ReleaseWorker creates a batch release worker over the components
func (c *Components) ReleaseWorker(cfg *config.Config, logger *slog.Logger) *release.Worker {
	return release.NewWorker(c.Settings, c.Scheduler, c.Aggregate, c.MTA,
		release.Config{
			StartupDelay:  config.Seconds(cfg.Release.StartupDelay),
			Backoff:       config.Seconds(cfg.Release.Backoff),
			RatePerSecond: cfg.Release.RatePerSecond,
			Burst:         cfg.Release.Burst,
		},
		release.WithLocation(c.Location),
		release.WithLogger(logger),
		release.WithMetrics(c.Metrics),
	)
}

// Ready reports whether the datasource is usable
func (c *Components) Ready(ctx context.Context) error {
	if !c.Store.IsConnected() {
		return errors.New("datasource not connected")
	}
	return nil
}

// Close releases connections in reverse order of creation
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
