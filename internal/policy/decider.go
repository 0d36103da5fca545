package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/busybox42/relayctl/internal/counter"
	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
	"github.com/busybox42/relayctl/internal/settings"
	"github.com/busybox42/relayctl/internal/warmup"
)

// DefaultHoldReason is the text sent with HOLD verdicts
const DefaultHoldReason = "Rate limit - warmup phase"

// ThrottleSource reports whether throttling is enabled
type ThrottleSource interface {
	Throttle(ctx context.Context) (settings.Throttle, error)
}

// PhaseSource resolves the active warmup phase
type PhaseSource interface {
	CurrentPhase(ctx context.Context) (datasource.WarmupPhase, error)
}

// Admitter checks and records a message against the limits
type Admitter interface {
	Admit(l warmup.Limits) counter.Admission
}

// Metrics receives decision-path observations
type Metrics interface {
	Decision(verdict, cap string)
	DecisionError()
	SessionOpened()
	SessionClosed()
	ResyncFailed()
	CounterState(hour, day int64)
}

type nopMetrics struct{}

func (nopMetrics) Decision(string, string)   {}
func (nopMetrics) DecisionError()            {}
func (nopMetrics) SessionOpened()            {}
func (nopMetrics) SessionClosed()            {}
func (nopMetrics) ResyncFailed()             {}
func (nopMetrics) CounterState(int64, int64) {}

// Decider turns a policy request into a verdict. It fails open: any error or
// panic yields DUNNO.
type Decider struct {
	throttle   ThrottleSource
	phases     PhaseSource
	counter    Admitter
	holdReason string
	logger     *slog.Logger
	decisions  *logging.DecisionLogger
	metrics    Metrics
}

// NewDecider creates a decider
func NewDecider(throttle ThrottleSource, phases PhaseSource, c Admitter, holdReason string, logger *slog.Logger, metrics Metrics) *Decider {
	if holdReason == "" {
		holdReason = DefaultHoldReason
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Decider{
		throttle:   throttle,
		phases:     phases,
		counter:    c,
		holdReason: holdReason,
		logger:     logger.With("component", "policy-decider"),
		decisions:  logging.NewDecisionLogger(logger),
		metrics:    metrics,
	}
}

// Decide returns the verdict for one request
func (d *Decider) Decide(ctx context.Context, req Request, sessionID string) Action {
	action, panicked := d.decideSafely(ctx, req, sessionID)
	d.observe(action, panicked)
	return action
}

func (d *Decider) decideSafely(ctx context.Context, req Request, sessionID string) (action Action, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in policy decision, failing open",
				"session_id", sessionID,
				"panic", fmt.Sprint(r))
			action, panicked = Dunno(), true
		}
	}()
	return d.decide(ctx, req, sessionID), false
}

// observe records the verdict; a failing metrics sink never affects it
func (d *Decider) observe(action Action, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in policy metrics", "panic", fmt.Sprint(r))
		}
	}()
	if panicked {
		d.metrics.DecisionError()
	}
	d.metrics.Decision(action.Verdict, capLabel(action))
}

func (d *Decider) decide(ctx context.Context, req Request, sessionID string) Action {
	th, err := d.throttle.Throttle(ctx)
	if err != nil {
		return d.failOpen(sessionID, "read throttle settings", err)
	}
	if !th.Enabled {
		return Dunno()
	}

	phase, err := d.phases.CurrentPhase(ctx)
	if err != nil {
		return d.failOpen(sessionID, "resolve warmup phase", err)
	}

	adm := d.counter.Admit(warmup.LimitsOf(phase))
	d.metrics.CounterState(adm.HourCount, adm.DayCount)
	if adm.Allowed {
		return Dunno()
	}

	d.decisions.LogHold(logging.HoldContext{
		SessionID:  sessionID,
		Sender:     req.Sender(),
		Recipient:  req.Recipient(),
		ClientIP:   req.ClientAddress(),
		Phase:      phase.PhaseNumber,
		HourCount:  adm.HourCount,
		MaxPerHour: phase.MaxPerHour,
		DayCount:   adm.DayCount,
		MaxPerDay:  phase.MaxPerDay,
		Cap:        string(adm.Cap),
	})
	return Action{Verdict: VerdictHold, Reason: d.holdReason, cap: adm.Cap}
}

func (d *Decider) failOpen(sessionID, step string, err error) Action {
	d.logger.Error("policy decision failed, failing open",
		"session_id", sessionID,
		"step", step,
		"error", err)
	d.metrics.DecisionError()
	return Dunno()
}

func capLabel(a Action) string {
	if a.cap == counter.CapNone {
		return "none"
	}
	return string(a.cap)
}
