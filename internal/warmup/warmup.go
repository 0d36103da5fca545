// Package warmup computes the active sending limits from the warmup schedule.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/settings"
)

// ErrUnknownPhase is returned when pinning to a phase that does not exist
var ErrUnknownPhase = errors.New("unknown warmup phase")

// FallbackPhase is used when no phases are configured. It is effectively unthrottled.
var FallbackPhase = datasource.WarmupPhase{
	PhaseNumber:  4,
	Name:         "Established",
	DurationDays: 0,
	MaxPerHour:   500,
	MaxPerDay:    50000,
	BurstLimit:   200,
}

// Limits are the sending ceilings of a phase
type Limits struct {
	MaxPerHour int `json:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day"`
	BurstLimit int `json:"burst_limit"`
}

// LimitsOf returns the ceilings of a phase
func LimitsOf(p datasource.WarmupPhase) Limits {
	return Limits{MaxPerHour: p.MaxPerHour, MaxPerDay: p.MaxPerDay, BurstLimit: p.BurstLimit}
}

// Status describes warmup progress
type Status struct {
	CurrentPhase    int     `json:"current_phase"`
	PhaseName       string  `json:"phase_name"`
	DaysElapsed     int     `json:"days_elapsed"`
	DaysRemaining   int     `json:"days_remaining"`
	PercentComplete float64 `json:"percent_complete"`
	Limits          Limits  `json:"limits"`
	IsEstablished   bool    `json:"is_established"`
	Overridden      bool    `json:"overridden"`
}

// Source supplies the settings the scheduler reads and writes
type Source interface {
	Throttle(ctx context.Context) (settings.Throttle, error)
	Phases(ctx context.Context) ([]datasource.WarmupPhase, error)
	SetWarmupStart(ctx context.Context, day time.Time) error
	SetPhaseOverride(ctx context.Context, phase *int) error
	SavePhase(ctx context.Context, phase datasource.WarmupPhase) error
}

// Scheduler resolves the current warmup phase
type Scheduler struct {
	source Source
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewScheduler creates a scheduler. Days are counted in loc.
func NewScheduler(source Source, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source: source,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "warmup"),
	}
}

// SetClock overrides the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) today() time.Time {
	n := s.now().In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc)
}

// daysElapsed counts whole calendar days since start, never negative
func (s *Scheduler) daysElapsed(start time.Time) int {
	today := s.today()
	if start.IsZero() {
		return 0
	}
	st := start.In(s.loc)
	st = time.Date(st.Year(), st.Month(), st.Day(), 0, 0, 0, 0, s.loc)
	// Round to absorb DST shifts between the two midnights
	days := int(math.Round(today.Sub(st).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

// PhaseForDay returns the phase covering the given number of elapsed days.
// Phases must be ordered by phase number.
func PhaseForDay(phases []datasource.WarmupPhase, elapsed int) datasource.WarmupPhase {
	if len(phases) == 0 {
		return FallbackPhase
	}
	cumulative := 0
	for _, p := range phases {
		if p.IsTerminal() {
			return p
		}
		if elapsed < cumulative+p.DurationDays {
			return p
		}
		cumulative += p.DurationDays
	}
	return phases[len(phases)-1]
}

func findPhase(phases []datasource.WarmupPhase, number int) (datasource.WarmupPhase, bool) {
	for _, p := range phases {
		if p.PhaseNumber == number {
			return p, true
		}
	}
	return datasource.WarmupPhase{}, false
}

// resolve returns the current phase and whether it came from an override
func (s *Scheduler) resolve(ctx context.Context) (datasource.WarmupPhase, []datasource.WarmupPhase, int, bool, error) {
	th, err := s.source.Throttle(ctx)
	if err != nil {
		return datasource.WarmupPhase{}, nil, 0, false, err
	}
	phases, err := s.source.Phases(ctx)
	if err != nil {
		return datasource.WarmupPhase{}, nil, 0, false, err
	}
	elapsed := s.daysElapsed(th.WarmupStart)

	if th.PhaseOverride != nil {
		if p, ok := findPhase(phases, *th.PhaseOverride); ok {
			return p, phases, elapsed, true, nil
		}
		s.logger.Warn("phase override does not match any phase, using schedule",
			"override", *th.PhaseOverride)
	}
	return PhaseForDay(phases, elapsed), phases, elapsed, false, nil
}

// CurrentPhase returns the phase in effect now
func (s *Scheduler) CurrentPhase(ctx context.Context) (datasource.WarmupPhase, error) {
	p, _, _, _, err := s.resolve(ctx)
	return p, err
}

// Status reports progress through the schedule
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	phase, phases, elapsed, overridden, err := s.resolve(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		CurrentPhase:  phase.PhaseNumber,
		PhaseName:     phase.Name,
		DaysElapsed:   elapsed,
		Limits:        LimitsOf(phase),
		IsEstablished: phase.IsTerminal(),
		Overridden:    overridden,
	}
	if st.IsEstablished {
		st.PercentComplete = 100
		return st, nil
	}

	total, before, after := 0, 0, 0
	for _, p := range phases {
		if p.IsTerminal() {
			continue
		}
		total += p.DurationDays
		switch {
		case p.PhaseNumber < phase.PhaseNumber:
			before += p.DurationDays
		case p.PhaseNumber > phase.PhaseNumber:
			after += p.DurationDays
		}
	}

	inPhase := elapsed - before
	if inPhase < 0 {
		inPhase = 0
	}
	remaining := phase.DurationDays - inPhase
	if remaining < 0 {
		remaining = 0
	}
	st.DaysRemaining = remaining + after

	if total > 0 {
		st.PercentComplete = math.Min(100, math.Round(float64(elapsed)/float64(total)*1000)/10)
	} else {
		st.PercentComplete = 100
	}
	return st, nil
}

// Reset restarts the schedule from today and clears any override
func (s *Scheduler) Reset(ctx context.Context) error {
	if err := s.source.SetWarmupStart(ctx, s.today()); err != nil {
		return err
	}
	if err := s.source.SetPhaseOverride(ctx, nil); err != nil {
		return err
	}
	s.logger.Info("warmup schedule reset")
	return nil
}

// SetOverride pins the schedule to phase n until cleared or reset
func (s *Scheduler) SetOverride(ctx context.Context, n int) error {
	phases, err := s.source.Phases(ctx)
	if err != nil {
		return err
	}
	if _, ok := findPhase(phases, n); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, n)
	}
	if err := s.source.SetPhaseOverride(ctx, &n); err != nil {
		return err
	}
	s.logger.Info("warmup phase pinned", "phase", n)
	return nil
}

// ClearOverride returns to the time-based schedule
func (s *Scheduler) ClearOverride(ctx context.Context) error {
	if err := s.source.SetPhaseOverride(ctx, nil); err != nil {
		return err
	}
	s.logger.Info("warmup phase override cleared")
	return nil
}

// Phases returns the configured phases
func (s *Scheduler) Phases(ctx context.Context) ([]datasource.WarmupPhase, error) {
	return s.source.Phases(ctx)
}

// UpdatePhase replaces the limits of a phase
func (s *Scheduler) UpdatePhase(ctx context.Context, p datasource.WarmupPhase) error {
	if p.MaxPerHour < 0 || p.MaxPerDay < 0 || p.BurstLimit < 0 {
		return fmt.Errorf("%w: negative limit for phase %d", datasource.ErrInvalidInput, p.PhaseNumber)
	}
	return s.source.SavePhase(ctx, p)
}
