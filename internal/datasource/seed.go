package datasource

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// DefaultPhases is the schedule installed into an empty phase table
var DefaultPhases = []WarmupPhase{
	{PhaseNumber: 1, Name: "Weeks 1-2", DurationDays: 14, MaxPerHour: 20, MaxPerDay: 500, BurstLimit: 10},
	{PhaseNumber: 2, Name: "Weeks 3-4", DurationDays: 14, MaxPerHour: 50, MaxPerDay: 2000, BurstLimit: 25},
	{PhaseNumber: 3, Name: "Weeks 5-6", DurationDays: 14, MaxPerHour: 100, MaxPerDay: 5000, BurstLimit: 50},
	{PhaseNumber: 4, Name: "Established", DurationDays: 0, MaxPerHour: 500, MaxPerDay: 50000, BurstLimit: 200},
}

// Default values for the throttle and ban settings
const (
	DefaultBatchIntervalMinutes = 10
	DefaultBanMaxAttempts       = 5
	DefaultBanWindowMinutes     = 10
	DefaultBanDurations         = "[30,360,1440,10080]"
)

// DateLayout is the format of the warmup start date setting
const DateLayout = "2006-01-02"

// SeedDefaults installs default settings that are missing. Existing values are
// never overwritten.
func SeedDefaults(ctx context.Context, ds DataSource, today time.Time) error {
	throttle, err := ds.GetThrottleConfig(ctx)
	if err != nil {
		return err
	}
	throttleDefaults := map[string]string{
		KeyEnabled:              "false",
		KeyWarmupStartDate:      today.Format(DateLayout),
		KeyBatchIntervalMinutes: strconv.Itoa(DefaultBatchIntervalMinutes),
	}
	for k, v := range throttleDefaults {
		if _, ok := throttle[k]; ok {
			continue
		}
		if err := ds.SetThrottleConfig(ctx, k, v); err != nil {
			return fmt.Errorf("failed to seed %s: %w", k, err)
		}
	}

	phases, err := ds.ListPhases(ctx)
	if err != nil {
		return err
	}
	if len(phases) == 0 {
		for _, p := range DefaultPhases {
			if err := ds.SavePhase(ctx, p); err != nil {
				return fmt.Errorf("failed to seed phase %d: %w", p.PhaseNumber, err)
			}
		}
	}

	settings, err := ds.GetSettings(ctx)
	if err != nil {
		return err
	}
	settingDefaults := map[string]string{
		KeyBanMaxAttempts:       strconv.Itoa(DefaultBanMaxAttempts),
		KeyBanTimeWindowMinutes: strconv.Itoa(DefaultBanWindowMinutes),
		KeyBanDurations:         DefaultBanDurations,
	}
	for k, v := range settingDefaults {
		if _, ok := settings[k]; ok {
			continue
		}
		if err := ds.SetSetting(ctx, k, v); err != nil {
			return fmt.Errorf("failed to seed %s: %w", k, err)
		}
	}
	return nil
}
