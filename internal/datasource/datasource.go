package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotConnected = errors.New("not connected to datasource")
)

// Throttle configuration keys
const (
	KeyEnabled              = "enabled"
	KeyWarmupStartDate      = "warmup_start_date"
	KeyBatchIntervalMinutes = "batch_interval_minutes"
	KeyWarmupPhaseOverride  = "warmup_phase_override"
)

// System setting keys used by the abuse tracker
const (
	KeyBanMaxAttempts       = "ban_max_attempts"
	KeyBanTimeWindowMinutes = "ban_time_window_minutes"
	KeyBanDurations         = "ban_durations"
)

// Mail event statuses tracked in the hourly aggregate
const (
	StatusSent       = "sent"
	StatusDeferred   = "deferred"
	StatusBounced    = "bounced"
	StatusRejected   = "rejected"
	StatusAuthFailed = "auth_failed"
)

// WarmupPhase is one step of the warmup schedule
type WarmupPhase struct {
	PhaseNumber  int    `json:"phase_number"`
	Name         string `json:"name"`
	DurationDays int    `json:"duration_days"`
	MaxPerHour   int    `json:"max_per_hour"`
	MaxPerDay    int    `json:"max_per_day"`
	BurstLimit   int    `json:"burst_limit"`
}

// IsTerminal reports whether the phase has no end
func (p WarmupPhase) IsTerminal() bool {
	return p.DurationDays == 0
}

// BanRecord tracks failures and bans for one source address
type BanRecord struct {
	ID          int64      `json:"id"`
	IPAddress   string     `json:"ip_address"`
	FailCount   int        `json:"fail_count"`
	FirstFailAt *time.Time `json:"first_fail_at,omitempty"`
	BanCount    int        `json:"ban_count"`
	BannedAt    *time.Time `json:"banned_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // nil means permanent while active
	IsActive    bool       `json:"is_active"`
	Reason      string     `json:"reason"`
	Notes       string     `json:"notes"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsPermanent reports whether an active ban never expires
func (b BanRecord) IsPermanent() bool {
	return b.IsActive && b.ExpiresAt == nil
}

// SentCounts is the durable cross-process aggregate of sent mail
type SentCounts struct {
	SentThisHour int64 `json:"sent_this_hour"`
	SentToday    int64 `json:"sent_today"`
}

// DataSource defines the interface that all datasource implementations must satisfy
type DataSource interface {
	// Connect establishes a connection to the datasource
	Connect() error

	// Close closes the connection to the datasource
	Close() error

	// IsConnected returns true if the datasource is connected
	IsConnected() bool

	// Name returns the name of the datasource
	Name() string

	// Type returns the type of the datasource (e.g., "sqlite", "postgres", etc.)
	Type() string

	ThrottleStore
	PhaseStore
	SettingStore
	NetworkStore
	AggregateStore
	BanStore
}

// ThrottleStore holds the administrator's throttle key/value settings
type ThrottleStore interface {
	GetThrottleConfig(ctx context.Context) (map[string]string, error)
	SetThrottleConfig(ctx context.Context, key, value string) error
	DeleteThrottleConfig(ctx context.Context, key string) error
}

// PhaseStore holds the warmup phase table
type PhaseStore interface {
	// ListPhases returns all phases ordered by phase number
	ListPhases(ctx context.Context) ([]WarmupPhase, error)
	// SavePhase inserts or replaces the phase with the same phase number
	SavePhase(ctx context.Context, phase WarmupPhase) error
}

// SettingStore holds generic system settings
type SettingStore interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// NetworkStore holds the whitelisted networks owned by the administrative layer
type NetworkStore interface {
	ListNetworks(ctx context.Context) ([]string, error)
	AddNetwork(ctx context.Context, cidr string) error
}

// AggregateStore holds hourly mail statistics
type AggregateStore interface {
	// SentCounts returns the sent count of the hour starting at hourStart and
	// the total since dayStart.
	SentCounts(ctx context.Context, hourStart, dayStart time.Time) (SentCounts, error)
	// AddHourlyStat adds delta to the status counter of the given hour
	AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error
}

// BanStore holds ban records
type BanStore interface {
	GetBan(ctx context.Context, id int64) (BanRecord, error)
	GetBanByAddress(ctx context.Context, addr string) (BanRecord, error)
	// SaveBan inserts the record when ID is zero and assigns the new ID,
	// otherwise it updates the existing row.
	SaveBan(ctx context.Context, ban *BanRecord) error
	DeleteBan(ctx context.Context, id int64) error
	// ListBans returns every record, active first, most recently banned first
	ListBans(ctx context.Context) ([]BanRecord, error)
	ListActiveBans(ctx context.Context) ([]BanRecord, error)
	// ListExpiredBans returns active, non-permanent bans whose expiry is at or before now
	ListExpiredBans(ctx context.Context, now time.Time) ([]BanRecord, error)
}

// Config represents the configuration for a datasource
type Config struct {
	Type     string                 // Type of datasource (sqlite, postgres, mysql, memory)
	Name     string                 // Name of this datasource instance
	Host     string                 // Hostname or IP address
	Port     int                    // Port number
	Database string                 // Database name, or file path for SQLite
	Username string                 // Username for authentication
	Password string                 // Password for authentication
	Options  map[string]interface{} // Additional options specific to the datasource type
}

// Factory creates datasource instances based on configuration
func Factory(config Config) (DataSource, error) {
	switch config.Type {
	case "sqlite", "sqlite3", "":
		return NewSQLite(config), nil
	case "postgres", "postgresql":
		return NewPostgres(config), nil
	case "mysql":
		return NewMySQL(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, fmt.Errorf("unsupported datasource type: %s", config.Type)
	}
}

// statusColumn maps a mail event status to its stats_hourly column
func statusColumn(status string) (string, error) {
	switch status {
	case StatusSent:
		return "sent_count", nil
	case StatusDeferred:
		return "deferred_count", nil
	case StatusBounced:
		return "bounced_count", nil
	case StatusRejected:
		return "rejected_count", nil
	case StatusAuthFailed:
		return "auth_failed_count", nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
}
