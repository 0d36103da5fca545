package mta

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"
)

// Postfix queue IDs: short hex IDs or long base-52 IDs
var queueIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{6,32}$`)

// ValidQueueID reports whether id is safe to pass to postsuper
func ValidQueueID(id string) bool {
	return queueIDPattern.MatchString(id)
}

// Postfix controls a Postfix instance through its command line tools
type Postfix struct {
	runner Runner
	logger *slog.Logger
}

// NewPostfix creates a Postfix controller
func NewPostfix(runner Runner, logger *slog.Logger) *Postfix {
	if runner == nil {
		runner = ExecRunner{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postfix{runner: runner, logger: logger.With("component", "postfix")}
}

type postqueueEntry struct {
	QueueName   string `json:"queue_name"`
	QueueID     string `json:"queue_id"`
	ArrivalTime int64  `json:"arrival_time"`
	MessageSize int64  `json:"message_size"`
	Sender      string `json:"sender"`
	Recipients  []struct {
		Address string `json:"address"`
	} `json:"recipients"`
}

// ParseQueueJSON extracts hold-queue entries from `postqueue -j` output,
// sorted by arrival time. Lines that do not parse are skipped.
func ParseQueueJSON(out []byte) []Message {
	var held []Message
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e postqueueEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.QueueName != "hold" || !ValidQueueID(e.QueueID) {
			continue
		}
		m := Message{
			ID:          e.QueueID,
			Sender:      e.Sender,
			ArrivalTime: time.Unix(e.ArrivalTime, 0),
			Size:        e.MessageSize,
		}
		for _, r := range e.Recipients {
			m.Recipients = append(m.Recipients, r.Address)
		}
		held = append(held, m)
	}
	sort.SliceStable(held, func(i, j int) bool {
		return held[i].ArrivalTime.Before(held[j].ArrivalTime)
	})
	return held
}

// ListHeld returns the hold queue in arrival order
func (p *Postfix) ListHeld(ctx context.Context) ([]Message, error) {
	out, err := p.runner.Run(ctx, "postqueue", "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return ParseQueueJSON(out), nil
}

// Release releases one message from the hold queue
func (p *Postfix) Release(ctx context.Context, id string) error {
	if !ValidQueueID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueID, id)
	}
	if _, err := p.runner.Run(ctx, "postsuper", "-H", id); err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}

// ReleaseAll releases the entire hold queue
func (p *Postfix) ReleaseAll(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, "postsuper", "-H", "ALL"); err != nil {
		return fmt.Errorf("failed to release hold queue: %w", err)
	}
	return nil
}

// Flush attempts delivery of all queued mail
func (p *Postfix) Flush(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, "postqueue", "-f"); err != nil {
		return fmt.Errorf("failed to flush queue: %w", err)
	}
	return nil
}

// Reload makes Postfix re-read its configuration and lookup tables
func (p *Postfix) Reload(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, "postfix", "reload"); err != nil {
		return fmt.Errorf("failed to reload postfix: %w", err)
	}
	p.logger.Info("postfix reloaded")
	return nil
}
