// Package mta controls the mail transfer agent's hold queue and access maps.
package mta

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrInvalidQueueID is returned for queue identifiers the MTA would not accept
var ErrInvalidQueueID = errors.New("invalid queue id")

// Message describes one held message
type Message struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	ArrivalTime time.Time `json:"arrival_time"`
	Size        int64     `json:"size"`
}

// Controller is the minimal set of queue primitives the release worker needs
type Controller interface {
	// ListHeld returns held messages in arrival order
	ListHeld(ctx context.Context) ([]Message, error)
	// Release moves one held message back to the delivery queue
	Release(ctx context.Context, id string) error
	// Flush asks the MTA to attempt delivery of queued mail now
	Flush(ctx context.Context) error
}

// BulkReleaser is implemented by controllers that can release the whole
// hold queue in one operation.
type BulkReleaser interface {
	ReleaseAll(ctx context.Context) error
}

// Reloader reloads the MTA configuration, including access maps
type Reloader interface {
	Reload(ctx context.Context) error
}

// Runner executes an MTA administration command
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands locally, optionally behind a prefix such as
// "docker exec mail-relay".
type ExecRunner struct {
	Prefix  []string
	Timeout time.Duration
}

// Run executes the command and returns its standard output
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	argv := append(append([]string{}, r.Prefix...), name)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, msg)
		}
		return out, fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return out, nil
}
