package logwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/busybox42/relayctl/internal/abuse"
	"github.com/busybox42/relayctl/internal/counter"
	"github.com/busybox42/relayctl/internal/datasource"
)

// maxLineLength bounds a single log line; longer lines are truncated
const maxLineLength = 64 * 1024

// AggregateSink receives hourly outcome counts
type AggregateSink interface {
	AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error
}

// FailureRecorder receives abuse signals
type FailureRecorder interface {
	RecordFailure(ctx context.Context, addr, reason string) error
}

// Metrics receives classified line counts
type Metrics interface {
	LogEvent(kind string)
}

type nopMetrics struct{}

func (nopMetrics) LogEvent(string) {}

// Ingester classifies lines and forwards them to the aggregate and the
// abuse tracker. Either may be nil.
type Ingester struct {
	aggregate AggregateSink
	failures  FailureRecorder
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
	metrics   Metrics
}

// NewIngester creates an ingester
func NewIngester(aggregate AggregateSink, failures FailureRecorder, loc *time.Location, logger *slog.Logger, metrics Metrics) *Ingester {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Ingester{
		aggregate: aggregate,
		failures:  failures,
		loc:       loc,
		now:       time.Now,
		logger:    logger.With("component", "logwatch"),
		metrics:   metrics,
	}
}

// Handle processes one line. Errors are logged; ingestion never stops on a
// single bad line.
func (in *Ingester) Handle(ctx context.Context, line string) {
	ev, ok := Parse(line, in.now(), in.loc)
	if !ok {
		return
	}
	in.metrics.LogEvent(ev.Status)

	if in.aggregate != nil {
		hour, _ := counter.Boundaries(ev.Time, in.loc)
		if err := in.aggregate.AddHourlyStat(ctx, hour, ev.Status, 1); err != nil {
			in.logger.Error("failed to update hourly stats",
				"status", ev.Status,
				"queue_id", ev.QueueID,
				"error", err)
		}
	}

	if in.failures == nil || ev.ClientIP == "" {
		return
	}
	var reason string
	switch ev.Status {
	case datasource.StatusRejected:
		reason = abuse.ReasonRelayRejected
	case datasource.StatusAuthFailed:
		reason = abuse.ReasonSASLAuthFailed
	default:
		return
	}
	if err := in.failures.RecordFailure(ctx, ev.ClientIP, reason); err != nil {
		in.logger.Warn("failed to record failure",
			"client_ip", ev.ClientIP,
			"reason", reason,
			"error", err)
	}
}

// ReadStream handles lines from r until EOF or cancellation
func (in *Ingester) ReadStream(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := readLine(br)
		if line != "" {
			in.Handle(ctx, line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read log stream: %w", err)
		}
	}
}

// readLine reads one line, discarding anything past maxLineLength
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := br.ReadSlice('\n')
		if sb.Len() < maxLineLength {
			room := maxLineLength - sb.Len()
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return strings.TrimRight(sb.String(), "\r\n"), err
	}
}

// Follower tails a log file, surviving rotation and truncation
type Follower struct {
	path     string
	ingester *Ingester
	poll     time.Duration
	logger   *slog.Logger
}

// NewFollower creates a follower for path
func NewFollower(path string, ingester *Ingester) *Follower {
	return &Follower{
		path:     path,
		ingester: ingester,
		poll:     time.Second,
		logger:   ingester.logger.With("path", path),
	}
}

// Run follows the file from its current end until ctx is cancelled
func (f *Follower) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	file, br, err := f.open(true)
	if err != nil {
		f.logger.Warn("log file not available yet", "error", err)
	}
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	var pending strings.Builder
	drain := func() {
		if br == nil {
			return
		}
		for {
			line, err := br.ReadString('\n')
			pending.WriteString(line)
			if err != nil {
				// partial line stays pending until its newline arrives
				return
			}
			if pending.Len() <= maxLineLength {
				f.ingester.Handle(ctx, strings.TrimRight(pending.String(), "\r\n"))
			}
			pending.Reset()
		}
	}
	reopen := func() {
		if file != nil {
			drain()
			file.Close()
		}
		pending.Reset()
		file, br, err = f.open(false)
		if err != nil {
			file, br = nil, nil
			return
		}
		f.logger.Info("log file reopened")
		drain()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				reopen()
			case event.Op&fsnotify.Write != 0:
				if f.truncated(file) {
					reopen()
				} else {
					drain()
				}
			}
		case <-ticker.C:
			if file == nil || f.rotated(file) {
				reopen()
				continue
			}
			if f.truncated(file) {
				reopen()
				continue
			}
			drain()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("file watcher error", "error", err)
		}
	}
}

func (f *Follower) open(seekEnd bool) (*os.File, *bufio.Reader, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, nil, err
	}
	if seekEnd {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, nil, err
		}
	}
	return file, bufio.NewReader(file), nil
}

// truncated reports whether the file shrank below the read offset
func (f *Follower) truncated(file *os.File) bool {
	if file == nil {
		return false
	}
	pos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Size() < pos
}

// rotated reports whether the path now names a different file
func (f *Follower) rotated(file *os.File) bool {
	cur, err := file.Stat()
	if err != nil {
		return true
	}
	next, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	return !os.SameFile(cur, next)
}
