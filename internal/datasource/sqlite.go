package datasource

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS throttle_config (
		setting_key TEXT PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		setting_key TEXT PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warmup_phases (
		phase_number INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		duration_days INTEGER NOT NULL DEFAULT 0,
		max_per_hour INTEGER NOT NULL,
		max_per_day INTEGER NOT NULL,
		burst_limit INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS stats_hourly (
		hour_start INTEGER PRIMARY KEY,
		sent_count INTEGER NOT NULL DEFAULT 0,
		deferred_count INTEGER NOT NULL DEFAULT 0,
		bounced_count INTEGER NOT NULL DEFAULT 0,
		rejected_count INTEGER NOT NULL DEFAULT 0,
		auth_failed_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ip_bans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_address TEXT NOT NULL UNIQUE,
		fail_count INTEGER NOT NULL DEFAULT 0,
		first_fail_at INTEGER,
		ban_count INTEGER NOT NULL DEFAULT 0,
		banned_at INTEGER,
		expires_at INTEGER,
		is_active INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		notes TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ip_bans_active ON ip_bans (is_active, expires_at)`,
	`CREATE TABLE IF NOT EXISTS networks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cidr TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	)`,
}

// SQLite implements the DataSource interface for SQLite databases
type SQLite struct {
	sqlStore
	config Config
	dbPath string
}

// NewSQLite creates a new SQLite datasource
func NewSQLite(config Config) *SQLite {
	if config.Database == "" {
		config.Database = "relayctl.db"
	}

	dbPath := config.Database
	if config.Options != nil {
		if path, ok := config.Options["db_path"].(string); ok && path != "" {
			dbPath = path
		} else if !filepath.IsAbs(dbPath) {
			if dir, ok := config.Options["db_dir"].(string); ok && dir != "" {
				dbPath = filepath.Join(dir, config.Database)
			}
		}
	}

	return &SQLite{
		sqlStore: sqlStore{
			dialect: dialect{name: "sqlite", schema: sqliteSchema},
			logger:  slog.Default().With("component", "sqlite-datasource", "database", dbPath),
		},
		config: config,
		dbPath: dbPath,
	}
}

// Connect establishes a connection to the SQLite database
func (s *SQLite) Connect() error {
	if s.IsConnected() {
		return nil
	}

	dir := filepath.Dir(s.dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if err := s.attach(db); err != nil {
		db.Close()
		return err
	}

	s.logger.Debug("SQLite datasource connected")
	return nil
}

// Close closes the connection to the SQLite database
func (s *SQLite) Close() error {
	return s.detach()
}

// Name returns the name of the datasource
func (s *SQLite) Name() string {
	return s.config.Name
}

// Type returns the type of the datasource
func (s *SQLite) Type() string {
	return "sqlite"
}
