package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/busybox42/relayctl/internal/datasource"
)

const (
	defaultValkeyPrefix = "relayctl:stats:"
	// hourly keys outlive the longest day including a DST shift
	hourlyRetention = 48 * time.Hour
)

// ValkeyStore keeps the hourly mail aggregate in Valkey. It can replace the
// datasource as the durable aggregate shared by several relay processes.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// ValkeyConfig configures the Valkey connection
type ValkeyConfig struct {
	Addresses []string
	Username  string
	Password  string
	DB        int
	Prefix    string
}

// NewValkeyStore connects to Valkey
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = []string{"localhost:6379"}
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return NewValkeyStoreWithClient(client, cfg.Prefix), nil
}

// NewValkeyStoreWithClient wraps an existing client
func NewValkeyStoreWithClient(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = defaultValkeyPrefix
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) hourKey(hourStart time.Time, status string) string {
	return s.prefix + "hourly:" + strconv.FormatInt(hourStart.Unix(), 10) + ":" + status
}

// AddHourlyStat adds delta to the status counter of the given hour
func (s *ValkeyStore) AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error {
	key := s.hourKey(hourStart, status)
	cmds := valkey.Commands{
		s.client.B().Incrby().Key(key).Increment(delta).Build(),
		s.client.B().Expire().Key(key).Seconds(int64(hourlyRetention.Seconds())).Build(),
	}
	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to update hourly stat: %w", err)
		}
	}
	return nil
}

// SentCounts returns the sent count of the hour starting at hourStart and
// the sum of the hours since dayStart.
func (s *ValkeyStore) SentCounts(ctx context.Context, hourStart, dayStart time.Time) (datasource.SentCounts, error) {
	var keys []string
	for h := dayStart; !h.After(hourStart); h = h.Add(time.Hour) {
		keys = append(keys, s.hourKey(h, datasource.StatusSent))
	}
	if len(keys) == 0 {
		keys = append(keys, s.hourKey(hourStart, datasource.StatusSent))
	}

	// One GET per hour: the keys hash to different slots on a cluster
	cmds := make(valkey.Commands, len(keys))
	for i, key := range keys {
		cmds[i] = s.client.B().Get().Key(key).Build()
	}

	var counts datasource.SentCounts
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		n, err := res.AsInt64()
		if valkey.IsValkeyNil(err) {
			continue // missing hour
		}
		if err != nil {
			return datasource.SentCounts{}, fmt.Errorf("failed to read hourly stats: %w", err)
		}
		counts.SentToday += n
		if i == len(keys)-1 {
			counts.SentThisHour = n
		}
	}
	return counts, nil
}
