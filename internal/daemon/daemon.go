// Package daemon supervises the long-running tasks of the relay control
// plane and owns their lifetimes.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/relayctl/internal/api"
	"github.com/busybox42/relayctl/internal/config"
	"github.com/busybox42/relayctl/internal/logwatch"
	"github.com/busybox42/relayctl/internal/policy"
)

// Daemon runs the policy server and the background loops
type Daemon struct {
	config *config.Config
	comps  *Components
	logger *slog.Logger
	stdin  io.Reader

	policy *policy.Server
	api    *api.Server
}

// New prepares a daemon. Nothing listens until Run.
func New(cfg *config.Config, comps *Components, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		config: cfg,
		comps:  comps,
		logger: logger.With("component", "daemon"),
		stdin:  os.Stdin,
	}

	decider := policy.NewDecider(comps.Settings, comps.Scheduler, comps.Counter, cfg.Policy.HoldReason, logger, comps.Metrics)
	d.policy = policy.NewServer(policy.Config{
		ListenAddr:     cfg.Policy.ListenAddr,
		ReadTimeout:    config.Seconds(cfg.Policy.ReadTimeout),
		ResyncInterval: config.Seconds(cfg.Policy.ResyncInterval),
		ShutdownGrace:  config.Seconds(cfg.Policy.ShutdownGrace),
	}, decider, comps.Counter, logger, comps.Metrics)

	if cfg.API.Enabled {
		d.api = api.NewServer(cfg.API, api.Dependencies{
			Warmup:   comps.Scheduler,
			Throttle: comps.Settings,
			Bans:     comps.Tracker,
			Counter:  comps.Counter,
			Metrics:  comps.Metrics.Handler(),
			Ready:    comps.Ready,
		}, logger)
	}
	return d
}

// SetInput replaces the stream read when the log path is "-"
func (d *Daemon) SetInput(r io.Reader) {
	d.stdin = r
}

// PolicyAddr returns the policy listener address once running
func (d *Daemon) PolicyAddr() net.Addr {
	return d.policy.Addr()
}

// APIAddr returns the status API address once running, or nil
func (d *Daemon) APIAddr() net.Addr {
	if d.api == nil {
		return nil
	}
	return d.api.Addr()
}

// Run starts every task and blocks until ctx is cancelled or a task fails.
// All tasks are stopped before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	cfg := d.config

	if err := d.policy.Start(ctx); err != nil {
		return fmt.Errorf("failed to start policy server: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return d.policy.Close()
	})

	if cfg.Release.Enabled {
		worker := d.comps.ReleaseWorker(cfg, d.logger)
		g.Go(func() error { return worker.Run(ctx) })
	}

	var failures logwatch.FailureRecorder
	if cfg.Abuse.Enabled {
		failures = d.comps.Tracker
		if err := d.comps.Tracker.Regenerate(ctx); err != nil {
			d.logger.Error("failed to regenerate deny list", "error", err)
		}
		g.Go(func() error {
			return d.comps.Tracker.RunExpiry(ctx, config.Seconds(cfg.Abuse.ExpiryInterval))
		})
	}

	if d.comps.WhitelistFile != nil {
		g.Go(func() error { return d.comps.WhitelistFile.Watch(ctx) })
	}

	if cfg.LogWatch.Enabled {
		ingester := logwatch.NewIngester(d.comps.Aggregate, failures, d.comps.Location, d.logger, d.comps.Metrics)
		if cfg.LogWatch.Path == "-" {
			g.Go(func() error { return ingester.ReadStream(ctx, d.stdin) })
		} else {
			follower := logwatch.NewFollower(cfg.LogWatch.Path, ingester)
			g.Go(func() error { return follower.Run(ctx) })
		}
	}

	if d.api != nil {
		g.Go(func() error { return d.api.Start(ctx) })
	}

	d.logger.Info("relayctl running",
		"policy_addr", d.policy.Addr().String(),
		"release", cfg.Release.Enabled,
		"abuse", cfg.Abuse.Enabled,
		"logwatch", cfg.LogWatch.Enabled,
		"api", cfg.API.Enabled)

	err := g.Wait()
	d.logger.Info("relayctl stopped")
	return err
}
