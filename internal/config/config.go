package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/relayctl/internal/api"
)

// MaxConfigFileSize bounds the configuration file read by LoadConfig
const MaxConfigFileSize = 1 << 20

// Config represents the application configuration. Durations are whole
// seconds.
type Config struct {
	// Timezone used for hour and day boundaries and warmup days
	Timezone string `toml:"timezone"`

	// Policy delegation server
	Policy struct {
		ListenAddr     string `toml:"listen_addr"`
		ReadTimeout    int    `toml:"read_timeout"`
		ResyncInterval int    `toml:"resync_interval"`
		ShutdownGrace  int    `toml:"shutdown_grace"`
		HoldReason     string `toml:"hold_reason"`
	} `toml:"policy"`

	// Batch release worker
	Release struct {
		Enabled       bool    `toml:"enabled"`
		StartupDelay  int     `toml:"startup_delay"`
		Backoff       int     `toml:"backoff"`
		RatePerSecond float64 `toml:"rate_per_second"`
		Burst         int     `toml:"burst"`
	} `toml:"release"`

	// Abuse tracking and the generated deny list
	Abuse struct {
		Enabled        bool     `toml:"enabled"`
		DenyListPath   string   `toml:"deny_list_path"`
		RejectMessage  string   `toml:"reject_message"`
		ExpiryInterval int      `toml:"expiry_interval"`
		Whitelist      []string `toml:"whitelist"`
		WhitelistFile  string   `toml:"whitelist_file"`
		WhitelistTTL   int      `toml:"whitelist_ttl"`
	} `toml:"abuse"`

	// Datasource holding settings, phases, statistics and bans
	Datasource struct {
		Type     string `toml:"type"` // sqlite, postgres, mysql, memory
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Database string `toml:"database"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"datasource"`

	// Settings snapshot cache
	Cache struct {
		Type     string `toml:"type"` // memory, redis, memcached, none
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
		Prefix   string `toml:"prefix"`
		TTL      int    `toml:"ttl"`
	} `toml:"cache"`

	// MTA control
	MTA struct {
		Type           string   `toml:"type"` // postfix, spool
		CommandPrefix  []string `toml:"command_prefix"`
		CommandTimeout int      `toml:"command_timeout"`
		SpoolDir       string   `toml:"spool_dir"`
		Breaker        struct {
			Enabled     bool   `toml:"enabled"`
			MaxRequests uint32 `toml:"max_requests"`
			Interval    int    `toml:"interval"`
			Timeout     int    `toml:"timeout"`
		} `toml:"breaker"`
	} `toml:"mta"`

	// Durable hourly aggregate
	Aggregate struct {
		Type      string   `toml:"type"` // datasource, valkey
		Addresses []string `toml:"addresses"`
		Username  string   `toml:"username"`
		Password  string   `toml:"password"`
		DB        int      `toml:"db"`
		Prefix    string   `toml:"prefix"`
	} `toml:"aggregate"`

	// Mail log ingestion
	LogWatch struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"` // "-" reads standard input
	} `toml:"logwatch"`

	// Read-only status API
	API api.Config `toml:"api"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Timezone = "UTC"

	cfg.Policy.ListenAddr = "127.0.0.1:9998"
	cfg.Policy.ReadTimeout = 10
	cfg.Policy.ResyncInterval = 30
	cfg.Policy.ShutdownGrace = 15
	cfg.Policy.HoldReason = "Rate limit - warmup phase"

	cfg.Release.Enabled = true
	cfg.Release.StartupDelay = 30
	cfg.Release.Backoff = 60

	cfg.Abuse.Enabled = true
	cfg.Abuse.DenyListPath = "/etc/postfix/blocked_clients"
	cfg.Abuse.RejectMessage = "IP blocked"
	cfg.Abuse.ExpiryInterval = 60
	cfg.Abuse.Whitelist = []string{"127.0.0.0/8", "::1/128"}
	cfg.Abuse.WhitelistTTL = 60

	cfg.Datasource.Type = "sqlite"
	cfg.Datasource.Database = "/var/lib/relayctl/relayctl.db"

	cfg.Cache.Type = "memory"
	cfg.Cache.Prefix = "relayctl:"
	cfg.Cache.TTL = 5

	cfg.MTA.Type = "postfix"
	cfg.MTA.CommandTimeout = 30
	cfg.MTA.Breaker.Enabled = true
	cfg.MTA.Breaker.MaxRequests = 1
	cfg.MTA.Breaker.Interval = 60
	cfg.MTA.Breaker.Timeout = 30

	cfg.Aggregate.Type = "datasource"

	cfg.LogWatch.Path = "/var/log/mail.log"

	cfg.API.ListenAddr = api.DefaultListenAddr

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./relayctl.toml",
		"./config/relayctl.toml",
		os.ExpandEnv("$HOME/.relayctl.toml"),
		"/etc/relayctl/relayctl.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads and validates a configuration. Without an explicit path
// and no file in the search locations, the defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := ReadConfig(configPath)
	if err != nil {
		return nil, err
	}

	result := cfg.Validate()
	if !result.Valid {
		var errorMessages []string
		for _, err := range result.Errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errorMessages, "; "))
	}

	return cfg, nil
}

// ReadConfig parses a configuration over the defaults without validating it
func ReadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return cfg, nil
	}

	info, err := os.Stat(configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), MaxConfigFileSize)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	// Relative paths are relative to the config file
	configDir := filepath.Dir(configFile)
	for _, p := range []*string{&cfg.Abuse.DenyListPath, &cfg.Abuse.WhitelistFile, &cfg.MTA.SpoolDir, &cfg.Logging.File} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	if cfg.LogWatch.Path != "" && cfg.LogWatch.Path != "-" && !filepath.IsAbs(cfg.LogWatch.Path) {
		cfg.LogWatch.Path = filepath.Join(configDir, cfg.LogWatch.Path)
	}

	return cfg, nil
}

// Location resolves the configured timezone, UTC when empty
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Seconds converts a configured duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// SaveConfig writes the configuration in TOML format
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	content := "# relayctl configuration\n# Durations are in seconds.\n\n" + string(data)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0640); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks the configuration without touching the network
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	if _, err := c.Location(); err != nil {
		result.AddError("timezone", c.Timezone, "unknown timezone")
	}

	c.validatePolicy(result)
	c.validateRelease(result)
	c.validateAbuse(result)
	c.validateDatasource(result)
	c.validateCache(result)
	c.validateMTA(result)
	c.validateAggregate(result)
	c.validateLogWatch(result)
	c.validateAPI(result)
	c.validateLogging(result)

	return result
}

func (c *Config) validatePolicy(result *ValidationResult) {
	if !isValidListenAddress(c.Policy.ListenAddr) {
		result.AddError("policy.listen_addr", c.Policy.ListenAddr, "invalid listen address format")
	}
	if c.Policy.ReadTimeout < 0 {
		result.AddError("policy.read_timeout", c.Policy.ReadTimeout, "must not be negative")
	}
	if c.Policy.ResyncInterval < 0 {
		result.AddError("policy.resync_interval", c.Policy.ResyncInterval, "must not be negative")
	}
	if c.Policy.ShutdownGrace < 0 {
		result.AddError("policy.shutdown_grace", c.Policy.ShutdownGrace, "must not be negative")
	}
	if strings.ContainsAny(c.Policy.HoldReason, "\r\n") {
		result.AddError("policy.hold_reason", c.Policy.HoldReason, "must be a single line")
	}
}

func (c *Config) validateRelease(result *ValidationResult) {
	if c.Release.StartupDelay < 0 {
		result.AddError("release.startup_delay", c.Release.StartupDelay, "must not be negative")
	}
	if c.Release.Backoff < 0 {
		result.AddError("release.backoff", c.Release.Backoff, "must not be negative")
	}
	if c.Release.RatePerSecond < 0 {
		result.AddError("release.rate_per_second", c.Release.RatePerSecond, "must not be negative")
	}
	if c.Release.Burst < 0 {
		result.AddError("release.burst", c.Release.Burst, "must not be negative")
	}
}

func (c *Config) validateAbuse(result *ValidationResult) {
	if !c.Abuse.Enabled {
		return
	}
	if c.Abuse.DenyListPath == "" {
		result.AddWarning("abuse.deny_list_path", c.Abuse.DenyListPath, "no deny list path, bans are tracked but not enforced by the MTA")
	} else if !dirExists(filepath.Dir(c.Abuse.DenyListPath)) {
		result.AddWarning("abuse.deny_list_path", c.Abuse.DenyListPath, "deny list directory does not exist")
	}
	if c.Abuse.ExpiryInterval < 0 {
		result.AddError("abuse.expiry_interval", c.Abuse.ExpiryInterval, "must not be negative")
	}
	if c.Abuse.WhitelistTTL < 0 {
		result.AddError("abuse.whitelist_ttl", c.Abuse.WhitelistTTL, "must not be negative")
	}
	for _, entry := range c.Abuse.Whitelist {
		if !isValidPrefix(entry) {
			result.AddError("abuse.whitelist", entry, "invalid address or CIDR")
		}
	}
}

func (c *Config) validateDatasource(result *ValidationResult) {
	validTypes := []string{"sqlite", "sqlite3", "postgres", "postgresql", "mysql", "memory"}
	if !contains(validTypes, c.Datasource.Type) {
		result.AddError("datasource.type", c.Datasource.Type, fmt.Sprintf("invalid datasource type, must be one of: %s", strings.Join(validTypes, ", ")))
		return
	}
	switch c.Datasource.Type {
	case "sqlite", "sqlite3":
		if c.Datasource.Database == "" {
			result.AddError("datasource.database", c.Datasource.Database, "SQLite database path must be specified")
		}
	case "postgres", "postgresql", "mysql":
		if c.Datasource.Host == "" {
			result.AddError("datasource.host", c.Datasource.Host, "host must be specified")
		}
		if c.Datasource.Database == "" {
			result.AddError("datasource.database", c.Datasource.Database, "database name must be specified")
		}
		if c.Datasource.Port < 0 || c.Datasource.Port > 65535 {
			result.AddError("datasource.port", c.Datasource.Port, "port must be between 0 and 65535")
		}
	case "memory":
		result.AddWarning("datasource.type", c.Datasource.Type, "memory datasource loses all state on restart")
	}
}

func (c *Config) validateCache(result *ValidationResult) {
	validTypes := []string{"memory", "redis", "memcached", "none"}
	if !contains(validTypes, c.Cache.Type) {
		result.AddError("cache.type", c.Cache.Type, fmt.Sprintf("invalid cache type, must be one of: %s", strings.Join(validTypes, ", ")))
	}
	if c.Cache.TTL < 0 {
		result.AddError("cache.ttl", c.Cache.TTL, "must not be negative")
	}
	if c.Cache.Port < 0 || c.Cache.Port > 65535 {
		result.AddError("cache.port", c.Cache.Port, "port must be between 0 and 65535")
	}
}

func (c *Config) validateMTA(result *ValidationResult) {
	switch c.MTA.Type {
	case "postfix":
	case "spool":
		if c.MTA.SpoolDir == "" {
			result.AddError("mta.spool_dir", c.MTA.SpoolDir, "spool directory must be specified")
		}
	default:
		result.AddError("mta.type", c.MTA.Type, "invalid MTA type, must be one of: postfix, spool")
	}
	if c.MTA.CommandTimeout < 0 {
		result.AddError("mta.command_timeout", c.MTA.CommandTimeout, "must not be negative")
	}
	if c.MTA.Breaker.Interval < 0 || c.MTA.Breaker.Timeout < 0 {
		result.AddError("mta.breaker", c.MTA.Breaker, "breaker durations must not be negative")
	}
}

func (c *Config) validateAggregate(result *ValidationResult) {
	switch c.Aggregate.Type {
	case "", "datasource":
	case "valkey":
		for _, addr := range c.Aggregate.Addresses {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				result.AddError("aggregate.addresses", addr, "address must be host:port")
			}
		}
	default:
		result.AddError("aggregate.type", c.Aggregate.Type, "invalid aggregate type, must be one of: datasource, valkey")
	}
}

func (c *Config) validateLogWatch(result *ValidationResult) {
	if c.LogWatch.Enabled && c.LogWatch.Path == "" {
		result.AddError("logwatch.path", c.LogWatch.Path, "log path must be specified")
	}
}

func (c *Config) validateAPI(result *ValidationResult) {
	if !c.API.Enabled {
		return
	}
	if !isValidListenAddress(c.API.ListenAddr) {
		result.AddError("api.listen_addr", c.API.ListenAddr, "invalid listen address format")
	}
	for _, proxy := range c.API.RateLimit.TrustedProxies {
		if !isValidPrefix(proxy) {
			result.AddError("api.rate_limit.trusted_proxies", proxy, "invalid address or CIDR")
		}
	}
	if c.API.RateLimit.RequestsPerSecond < 0 {
		result.AddError("api.rate_limit.requests_per_second", c.API.RateLimit.RequestsPerSecond, "must not be negative")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if c.Logging.Level != "" && !contains(validLevels, strings.ToLower(c.Logging.Level)) {
		result.AddError("logging.level", c.Logging.Level, fmt.Sprintf("invalid log level, must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"text", "json"}
	if c.Logging.Format != "" && !contains(validFormats, c.Logging.Format) {
		result.AddError("logging.format", c.Logging.Format, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}
}

func isValidListenAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return false
	}
	if host == "" || host == "localhost" {
		return true
	}
	_, err = netip.ParseAddr(host)
	return err == nil
}

func isValidPrefix(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}
