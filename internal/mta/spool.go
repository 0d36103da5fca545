package mta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Spool queue directories
const (
	SpoolHold   = "hold"
	SpoolActive = "active"
)

// Envelope is the JSON metadata file stored for each spooled message
type Envelope struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	HoldReason string    `json:"hold_reason,omitempty"`
}

// Spool is a file queue with one JSON envelope per message and one
// directory per queue. Releasing moves the envelope from hold/ to active/
// where a delivery process picks it up.
type Spool struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewSpool creates a spool rooted at dir
func NewSpool(dir string) *Spool {
	return &Spool{dir: dir, now: time.Now}
}

func (s *Spool) path(queue, id string) string {
	return filepath.Join(s.dir, queue, id+".json")
}

func validSpoolID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// Hold writes a message into the hold queue
func (s *Spool) Hold(ctx context.Context, env Envelope) error {
	if !validSpoolID(env.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueID, env.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, SpoolHold), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.now()
	}
	env.UpdatedAt = s.now()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := os.WriteFile(s.path(SpoolHold, env.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (s *Spool) list(queue string) ([]Envelope, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, queue))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	envs := make([]Envelope, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, queue, e.Name()))
		if err != nil {
			continue // released concurrently
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		envs = append(envs, env)
	}
	sort.SliceStable(envs, func(i, j int) bool {
		return envs[i].CreatedAt.Before(envs[j].CreatedAt)
	})
	return envs, nil
}

// ListHeld returns held messages ordered by creation time
func (s *Spool) ListHeld(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	envs, err := s.list(SpoolHold)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, len(envs))
	for i, e := range envs {
		msgs[i] = Message{ID: e.ID, Sender: e.From, Recipients: e.To, ArrivalTime: e.CreatedAt, Size: e.Size}
	}
	return msgs, nil
}

// Active returns the envelopes waiting for delivery
func (s *Spool) Active(ctx context.Context) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(SpoolActive)
}

// Release moves one message from hold to active
func (s *Spool) Release(ctx context.Context, id string) error {
	if !validSpoolID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueID, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(id)
}

func (s *Spool) releaseLocked(id string) error {
	if err := os.MkdirAll(filepath.Join(s.dir, SpoolActive), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	if err := os.Rename(s.path(SpoolHold, id), s.path(SpoolActive, id)); err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}

// ReleaseAll moves every held message to active
func (s *Spool) ReleaseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, err := s.list(SpoolHold)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range envs {
		if err := s.releaseLocked(e.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush is a no-op; the delivery process scans active/ on its own schedule
func (s *Spool) Flush(ctx context.Context) error {
	return nil
}

// Reload is a no-op; the spool has no access maps to reload
func (s *Spool) Reload(ctx context.Context) error {
	return nil
}
