package whitelist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// File is a whitelist read from a text file with one CIDR or address per
// line. Watch keeps it current as the file changes.
type File struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// NewFile loads the whitelist file. A missing file yields an empty list.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{path: abs, logger: logger.With("component", "whitelist", "path", abs)}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file. Invalid lines are logged and skipped.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return fmt.Errorf("failed to read whitelist %s: %w", f.path, err)
	}

	prefixes, err := ParsePrefixes(strings.Split(string(data), "\n"))
	if err != nil {
		f.logger.Warn("ignoring invalid whitelist entries", "error", err)
	}

	f.mu.Lock()
	f.prefixes = prefixes
	f.mu.Unlock()
	f.logger.Debug("whitelist loaded", "networks", len(prefixes))
	return nil
}

// Len returns the number of loaded networks
func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.prefixes)
}

// Contains implements Checker
func (f *File) Contains(ctx context.Context, addr netip.Addr) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return containsAny(f.prefixes, addr), nil
}

// Watch reloads the file on change until ctx is cancelled. The directory is
// watched so that editors replacing the file by rename are noticed.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir, name := filepath.Dir(f.path), filepath.Base(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := f.Reload(); err != nil {
					f.logger.Error("failed to reload whitelist", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("file watcher error", "error", err)
		}
	}
}
