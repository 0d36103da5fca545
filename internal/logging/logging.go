package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Config describes where and how log records are written
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	File   string // optional path, written in addition to stdout
}

// LevelManager manages runtime log level adjustment
type LevelManager struct {
	level *slog.LevelVar
	mu    sync.RWMutex
}

var globalLevelManager = &LevelManager{level: new(slog.LevelVar)}

// GetLevelManager returns the global log level manager
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// SetLevel sets the current log level
func (m *LevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LevelManager) GetLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level.Level()
}

// Leveler exposes the underlying level variable so handlers follow runtime changes
func (m *LevelManager) Leveler() slog.Leveler {
	return m.level
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds a slog handler for the given configuration writing to w
func NewHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: globalLevelManager.Leveler()}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Initialize configures the process-wide default logger and returns it along with
// a closer for the optional log file.
func Initialize(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w: %q", err, cfg.Level)
	}
	globalLevelManager.SetLevel(level)

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	logger := slog.New(NewHandler(out, cfg.Format))
	slog.SetDefault(logger)
	logger.Info("logging initialized",
		"log_level", LevelToString(level),
		"log_file", cfg.File)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a logger that drops every record
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Sanitize normalizes a value received from the network to a single line and
// removes control characters that can be used for log injection.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
