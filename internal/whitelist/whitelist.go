// Package whitelist decides whether a source address belongs to a trusted
// network that must never be banned.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Checker reports whether an address is whitelisted
type Checker interface {
	Contains(ctx context.Context, addr netip.Addr) (bool, error)
}

// ParsePrefixes parses CIDRs and bare addresses. Invalid entries are
// returned as a joined error alongside the valid prefixes.
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	var (
		prefixes []netip.Prefix
		errs     []error
	)
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		p, err := ParsePrefix(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, errors.Join(errs...)
}

// ParsePrefix parses a CIDR or a single address, masking host bits
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", s, err)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func containsAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Static is a fixed list of networks
type Static []netip.Prefix

// Contains implements Checker
func (s Static) Contains(ctx context.Context, addr netip.Addr) (bool, error) {
	return containsAny(s, addr), nil
}

// NetworkLister lists whitelisted CIDRs
type NetworkLister interface {
	ListNetworks(ctx context.Context) ([]string, error)
}

// Store reads networks from the datasource and caches them for a TTL
type Store struct {
	source NetworkLister
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	prefixes []netip.Prefix
	loadedAt time.Time
}

// NewStore creates a datasource-backed checker
func NewStore(source NetworkLister, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{source: source, ttl: ttl, logger: logger.With("component", "whitelist"), now: time.Now}
}

// Contains implements Checker
func (s *Store) Contains(ctx context.Context, addr netip.Addr) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadedAt.IsZero() || s.ttl <= 0 || s.now().Sub(s.loadedAt) >= s.ttl {
		cidrs, err := s.source.ListNetworks(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list networks: %w", err)
		}
		prefixes, err := ParsePrefixes(cidrs)
		if err != nil {
			s.logger.Warn("ignoring invalid whitelist entries", "error", err)
		}
		s.prefixes = prefixes
		s.loadedAt = s.now()
	}
	return containsAny(s.prefixes, addr), nil
}

// Multi is whitelisted when any member is. Member errors are skipped
// unless no member could answer.
type Multi []Checker

// Contains implements Checker
func (m Multi) Contains(ctx context.Context, addr netip.Addr) (bool, error) {
	var errs []error
	for _, c := range m {
		ok, err := c.Contains(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	if len(errs) == len(m) && len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return false, nil
}
