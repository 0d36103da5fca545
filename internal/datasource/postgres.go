package datasource

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS throttle_config (
		setting_key VARCHAR(255) PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		setting_key VARCHAR(255) PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warmup_phases (
		phase_number INTEGER PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		duration_days INTEGER NOT NULL DEFAULT 0,
		max_per_hour INTEGER NOT NULL,
		max_per_day INTEGER NOT NULL,
		burst_limit INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS stats_hourly (
		hour_start BIGINT PRIMARY KEY,
		sent_count BIGINT NOT NULL DEFAULT 0,
		deferred_count BIGINT NOT NULL DEFAULT 0,
		bounced_count BIGINT NOT NULL DEFAULT 0,
		rejected_count BIGINT NOT NULL DEFAULT 0,
		auth_failed_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ip_bans (
		id BIGSERIAL PRIMARY KEY,
		ip_address VARCHAR(64) NOT NULL UNIQUE,
		fail_count INTEGER NOT NULL DEFAULT 0,
		first_fail_at BIGINT,
		ban_count INTEGER NOT NULL DEFAULT 0,
		banned_at BIGINT,
		expires_at BIGINT,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		reason TEXT,
		notes TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ip_bans_active ON ip_bans (is_active, expires_at)`,
	`CREATE TABLE IF NOT EXISTS networks (
		id BIGSERIAL PRIMARY KEY,
		cidr VARCHAR(64) NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
}

// Postgres implements the DataSource interface for PostgreSQL databases
type Postgres struct {
	sqlStore
	config Config
}

// NewPostgres creates a new PostgreSQL datasource
func NewPostgres(config Config) *Postgres {
	if config.Port == 0 {
		config.Port = 5432
	}
	return &Postgres{
		sqlStore: sqlStore{
			dialect: dialect{name: "postgres", numbered: true, returningID: true, schema: postgresSchema},
			logger:  slog.Default().With("component", "postgres-datasource", "database", config.Database),
		},
		config: config,
	}
}

// Connect establishes a connection to the PostgreSQL database
func (p *Postgres) Connect() error {
	if p.IsConnected() {
		return nil
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.config.Host,
		p.config.Port,
		p.config.Username,
		p.config.Password,
		p.config.Database)

	if p.config.Options != nil {
		if params, ok := p.config.Options["connection_params"].(string); ok && params != "" {
			connStr += " " + params
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping PostgreSQL server: %w", err)
	}

	if err := p.attach(db); err != nil {
		db.Close()
		return err
	}

	p.logger.Debug("PostgreSQL datasource connected", "host", p.config.Host)
	return nil
}

// Close closes the connection to the PostgreSQL database
func (p *Postgres) Close() error {
	return p.detach()
}

// Name returns the name of the datasource
func (p *Postgres) Name() string {
	return p.config.Name
}

// Type returns the type of the datasource
func (p *Postgres) Type() string {
	return "postgres"
}
