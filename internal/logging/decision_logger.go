package logging

import (
	"log/slog"
	"time"
)

// DecisionLogger provides structured logging for flow-control lifecycle events
type DecisionLogger struct {
	logger *slog.Logger
}

// NewDecisionLogger creates a new decision logger
func NewDecisionLogger(logger *slog.Logger) *DecisionLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionLogger{
		logger: logger.With("component", "flow-control"),
	}
}

// HoldContext describes a held policy request
type HoldContext struct {
	SessionID  string
	Sender     string
	Recipient  string
	ClientIP   string
	Phase      int
	HourCount  int64
	MaxPerHour int
	DayCount   int64
	MaxPerDay  int
	Cap        string
}

// LogHold logs a HOLD verdict
func (dl *DecisionLogger) LogHold(ctx HoldContext) {
	dl.logger.Info("policy_hold",
		"event_type", "hold",
		"session_id", ctx.SessionID,
		"sender", Sanitize(ctx.Sender),
		"recipient", Sanitize(ctx.Recipient),
		"client_ip", Sanitize(ctx.ClientIP),
		"phase", ctx.Phase,
		"cap", ctx.Cap,
		"hour_count", ctx.HourCount,
		"max_per_hour", ctx.MaxPerHour,
		"day_count", ctx.DayCount,
		"max_per_day", ctx.MaxPerDay,
	)
}

// LogRelease logs a completed batch release cycle
func (dl *DecisionLogger) LogRelease(mode string, capacity, held, released int, duration time.Duration) {
	dl.logger.Info("batch_release",
		"event_type", "release",
		"mode", mode,
		"capacity", capacity,
		"held", held,
		"released", released,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogBan logs an automatic ban activation
func (dl *DecisionLogger) LogBan(addr string, banCount int, duration time.Duration, expiresAt time.Time) {
	dl.logger.Warn("ban_activated",
		"event_type", "ban",
		"ip_address", addr,
		"ban_count", banCount,
		"duration_minutes", int(duration.Minutes()),
		"expires_at", expiresAt.Format(time.RFC3339),
	)
}

// LogManualBan logs a permanent administrator ban
func (dl *DecisionLogger) LogManualBan(addr, reason string, banCount int) {
	dl.logger.Warn("ban_manual",
		"event_type", "ban",
		"ip_address", addr,
		"reason", Sanitize(reason),
		"ban_count", banCount,
		"permanent", true,
	)
}

// LogUnban logs a ban being lifted, either by expiry or by an administrator
func (dl *DecisionLogger) LogUnban(addr string, expired bool) {
	event := "ban_lifted"
	if expired {
		event = "ban_expired"
	}
	dl.logger.Info(event,
		"event_type", "unban",
		"ip_address", addr,
	)
}
