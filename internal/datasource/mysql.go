package datasource

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS throttle_config (
		setting_key VARCHAR(255) PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		setting_key VARCHAR(255) PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warmup_phases (
		phase_number INT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		duration_days INT NOT NULL DEFAULT 0,
		max_per_hour INT NOT NULL,
		max_per_day INT NOT NULL,
		burst_limit INT NOT NULL DEFAULT 0
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
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		ip_address VARCHAR(64) NOT NULL UNIQUE,
		fail_count INT NOT NULL DEFAULT 0,
		first_fail_at BIGINT NULL,
		ban_count INT NOT NULL DEFAULT 0,
		banned_at BIGINT NULL,
		expires_at BIGINT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		reason VARCHAR(1024) DEFAULT '',
		notes VARCHAR(1024) DEFAULT '',
		created_at BIGINT NOT NULL,
		INDEX idx_ip_bans_active (is_active, expires_at)
	)`,
	`CREATE TABLE IF NOT EXISTS networks (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		cidr VARCHAR(64) NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
}

// MySQL implements the DataSource interface for MySQL databases
type MySQL struct {
	sqlStore
	config Config
}

// NewMySQL creates a new MySQL datasource
func NewMySQL(config Config) *MySQL {
	if config.Port == 0 {
		config.Port = 3306
	}
	return &MySQL{
		sqlStore: sqlStore{
			dialect: dialect{name: "mysql", schema: mysqlSchema},
			logger:  slog.Default().With("component", "mysql-datasource", "database", config.Database),
		},
		config: config,
	}
}

// dsn builds the driver connection string. clientFoundRows makes UPDATE report
// matched rows so an unchanged value does not look like a missing row.
func (m *MySQL) dsn() string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true",
		m.config.Username,
		m.config.Password,
		m.config.Host,
		m.config.Port,
		m.config.Database)

	if m.config.Options != nil {
		if params, ok := m.config.Options["connection_params"].(string); ok && params != "" {
			dsn += "&" + strings.TrimPrefix(params, "?")
		}
	}
	return dsn
}

// Connect establishes a connection to the MySQL database
func (m *MySQL) Connect() error {
	if m.IsConnected() {
		return nil
	}

	db, err := sql.Open("mysql", m.dsn())
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL server: %w", err)
	}

	if err := m.attach(db); err != nil {
		db.Close()
		return err
	}

	m.logger.Debug("MySQL datasource connected", "host", m.config.Host)
	return nil
}

// Close closes the connection to the MySQL database
func (m *MySQL) Close() error {
	return m.detach()
}

// Name returns the name of the datasource
func (m *MySQL) Name() string {
	return m.config.Name
}

// Type returns the type of the datasource
func (m *MySQL) Type() string {
	return "mysql"
}
