package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process DataSource. It keeps nothing across restarts and
// is used for tests and dry runs.
type Memory struct {
	mu        sync.RWMutex
	config    Config
	connected bool

	throttle map[string]string
	settings map[string]string
	phases   map[int]WarmupPhase
	networks []string
	stats    map[int64]map[string]int64
	bans     map[int64]BanRecord
	nextID   int64
}

// NewMemory creates a new in-memory datasource
func NewMemory(config Config) *Memory {
	return &Memory{
		config:   config,
		throttle: make(map[string]string),
		settings: make(map[string]string),
		phases:   make(map[int]WarmupPhase),
		stats:    make(map[int64]map[string]int64),
		bans:     make(map[int64]BanRecord),
	}
}

// Connect marks the datasource connected
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close marks the datasource disconnected
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if the datasource is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of the datasource
func (m *Memory) Name() string {
	return m.config.Name
}

// Type returns the type of the datasource
func (m *Memory) Type() string {
	return "memory"
}

func (m *Memory) check() error {
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// GetThrottleConfig returns all throttle settings
func (m *Memory) GetThrottleConfig(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return copyMap(m.throttle), nil
}

// SetThrottleConfig stores one throttle setting
func (m *Memory) SetThrottleConfig(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	m.throttle[key] = value
	return nil
}

// DeleteThrottleConfig removes one throttle setting
func (m *Memory) DeleteThrottleConfig(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.throttle, key)
	return nil
}

// GetSettings returns all system settings
func (m *Memory) GetSettings(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return copyMap(m.settings), nil
}

// SetSetting stores one system setting
func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	m.settings[key] = value
	return nil
}

// ListPhases returns all warmup phases ordered by phase number
func (m *Memory) ListPhases(ctx context.Context) ([]WarmupPhase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	phases := make([]WarmupPhase, 0, len(m.phases))
	for _, p := range m.phases {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].PhaseNumber < phases[j].PhaseNumber })
	return phases, nil
}

// SavePhase inserts or replaces a warmup phase
func (m *Memory) SavePhase(ctx context.Context, p WarmupPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if p.PhaseNumber <= 0 || p.DurationDays < 0 {
		return fmt.Errorf("%w: phase %d", ErrInvalidInput, p.PhaseNumber)
	}
	m.phases[p.PhaseNumber] = p
	return nil
}

// ListNetworks returns all whitelisted networks
func (m *Memory) ListNetworks(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return append([]string(nil), m.networks...), nil
}

// AddNetwork adds a whitelisted network, ignoring duplicates
func (m *Memory) AddNetwork(ctx context.Context, cidr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if cidr == "" {
		return fmt.Errorf("%w: empty network", ErrInvalidInput)
	}
	for _, n := range m.networks {
		if n == cidr {
			return nil
		}
	}
	m.networks = append(m.networks, cidr)
	return nil
}

// SentCounts returns the sent totals of the current hour and day
func (m *Memory) SentCounts(ctx context.Context, hourStart, dayStart time.Time) (SentCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return SentCounts{}, err
	}
	var c SentCounts
	hour, day := hourStart.Unix(), dayStart.Unix()
	for start, cols := range m.stats {
		if start < day {
			continue
		}
		c.SentToday += cols[StatusSent]
		if start == hour {
			c.SentThisHour += cols[StatusSent]
		}
	}
	return c, nil
}

// AddHourlyStat adds delta to one status counter of an hour bucket
func (m *Memory) AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error {
	if _, err := statusColumn(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	key := hourStart.Unix()
	if m.stats[key] == nil {
		m.stats[key] = make(map[string]int64)
	}
	m.stats[key][status] += delta
	return nil
}

// GetBan returns the ban record with the given ID
func (m *Memory) GetBan(ctx context.Context, id int64) (BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return BanRecord{}, err
	}
	b, ok := m.bans[id]
	if !ok {
		return BanRecord{}, ErrNotFound
	}
	return b, nil
}

// GetBanByAddress returns the ban record of an address or CIDR
func (m *Memory) GetBanByAddress(ctx context.Context, addr string) (BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return BanRecord{}, err
	}
	for _, b := range m.bans {
		if b.IPAddress == addr {
			return b, nil
		}
	}
	return BanRecord{}, ErrNotFound
}

// SaveBan inserts or updates a ban record
func (m *Memory) SaveBan(ctx context.Context, b *BanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if b == nil || b.IPAddress == "" {
		return fmt.Errorf("%w: ban without address", ErrInvalidInput)
	}
	if b.ID != 0 {
		if _, ok := m.bans[b.ID]; !ok {
			return ErrNotFound
		}
		m.bans[b.ID] = *b
		return nil
	}
	for _, existing := range m.bans {
		if existing.IPAddress == b.IPAddress {
			return fmt.Errorf("%w: duplicate address %s", ErrInvalidInput, b.IPAddress)
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.nextID++
	b.ID = m.nextID
	m.bans[b.ID] = *b
	return nil
}

// DeleteBan removes a ban record
func (m *Memory) DeleteBan(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.bans[id]; !ok {
		return ErrNotFound
	}
	delete(m.bans, id)
	return nil
}

func (m *Memory) filterBans(keep func(BanRecord) bool) ([]BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []BanRecord
	for _, b := range m.bans {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsActive != b.IsActive {
			return a.IsActive
		}
		at, bt := unixOrZero(a.BannedAt), unixOrZero(b.BannedAt)
		if at != bt {
			return at > bt
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out, nil
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

// ListBans returns every ban record
func (m *Memory) ListBans(ctx context.Context) ([]BanRecord, error) {
	return m.filterBans(func(BanRecord) bool { return true })
}

// ListActiveBans returns active bans only
func (m *Memory) ListActiveBans(ctx context.Context) ([]BanRecord, error) {
	return m.filterBans(func(b BanRecord) bool { return b.IsActive })
}

// ListExpiredBans returns active timed bans whose expiry has passed
func (m *Memory) ListExpiredBans(ctx context.Context, now time.Time) ([]BanRecord, error) {
	return m.filterBans(func(b BanRecord) bool {
		return b.IsActive && b.ExpiresAt != nil && !b.ExpiresAt.After(now)
	})
}
