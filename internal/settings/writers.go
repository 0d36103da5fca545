package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/busybox42/relayctl/internal/datasource"
)

// SetEnabled turns throttling on or off
func (p *Provider) SetEnabled(ctx context.Context, enabled bool) error {
	return p.setThrottle(ctx, datasource.KeyEnabled, strconv.FormatBool(enabled))
}

// SetWarmupStart sets the warmup start date. Only the calendar date in the
// provider's time zone is kept.
func (p *Provider) SetWarmupStart(ctx context.Context, day time.Time) error {
	return p.setThrottle(ctx, datasource.KeyWarmupStartDate, day.In(p.loc).Format(datasource.DateLayout))
}

// SetBatchInterval sets the release cycle interval in whole minutes
func (p *Provider) SetBatchInterval(ctx context.Context, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: batch interval must be positive", datasource.ErrInvalidInput)
	}
	return p.setThrottle(ctx, datasource.KeyBatchIntervalMinutes, strconv.Itoa(minutes))
}

// SetPhaseOverride pins the warmup phase. Nil clears the override.
func (p *Provider) SetPhaseOverride(ctx context.Context, phase *int) error {
	defer p.Invalidate(ctx)
	if phase == nil {
		if err := p.store.DeleteThrottleConfig(ctx, datasource.KeyWarmupPhaseOverride); err != nil {
			return fmt.Errorf("failed to clear phase override: %w", err)
		}
		return nil
	}
	if err := p.store.SetThrottleConfig(ctx, datasource.KeyWarmupPhaseOverride, strconv.Itoa(*phase)); err != nil {
		return fmt.Errorf("failed to set phase override: %w", err)
	}
	return nil
}

// SavePhase inserts or replaces a warmup phase
func (p *Provider) SavePhase(ctx context.Context, phase datasource.WarmupPhase) error {
	defer p.Invalidate(ctx)
	return p.store.SavePhase(ctx, phase)
}

// SetBanSettings stores the ban settings
func (p *Provider) SetBanSettings(ctx context.Context, b BanSettings) error {
	if b.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", datasource.ErrInvalidInput)
	}
	if b.TimeWindow < time.Minute {
		return fmt.Errorf("%w: time window must be at least one minute", datasource.ErrInvalidInput)
	}
	if len(b.Durations) == 0 {
		return fmt.Errorf("%w: at least one ban duration is required", datasource.ErrInvalidInput)
	}
	for _, d := range b.Durations {
		if d < time.Minute {
			return fmt.Errorf("%w: ban durations must be at least one minute", datasource.ErrInvalidInput)
		}
	}

	defer p.Invalidate(ctx)
	values := map[string]string{
		datasource.KeyBanMaxAttempts:       strconv.Itoa(b.MaxAttempts),
		datasource.KeyBanTimeWindowMinutes: strconv.Itoa(int(b.TimeWindow / time.Minute)),
		datasource.KeyBanDurations:         FormatDurations(b.Durations),
	}
	var errs []error
	for k, v := range values {
		if err := p.store.SetSetting(ctx, k, v); err != nil {
			errs = append(errs, fmt.Errorf("failed to store %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) setThrottle(ctx context.Context, key, value string) error {
	defer p.Invalidate(ctx)
	if err := p.store.SetThrottleConfig(ctx, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
