package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures the differences between the SQL engines
type dialect struct {
	name        string
	numbered    bool // $1, $2 placeholders instead of ?
	returningID bool // INSERT ... RETURNING id instead of LastInsertId
	schema      []string
}

// sqlStore implements the storage operations shared by every SQL engine.
// Timestamps are stored as unix seconds.
type sqlStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

func (s *sqlStore) attach(db *sql.DB) error {
	for _, stmt := range s.dialect.schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize %s schema: %w", s.dialect.name, err)
		}
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func (s *sqlStore) detach() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close %s connection: %w", s.dialect.name, err)
	}
	return nil
}

// IsConnected returns true if the datasource is connected
func (s *sqlStore) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *sqlStore) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// rebind rewrites ? placeholders for engines that use numbered parameters
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return db.QueryRowContext(ctx, s.rebind(query), args...), nil
}

// upsert runs update and falls back to insert when no row matched
func (s *sqlStore) upsert(ctx context.Context, update string, updateArgs []any, insert string, insertArgs []any) error {
	res, err := s.exec(ctx, update, updateArgs...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.exec(ctx, insert, insertArgs...); err != nil {
		// A concurrent writer may have inserted the row first
		if _, uerr := s.exec(ctx, update, updateArgs...); uerr != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) readKeyValues(ctx context.Context, table string) (map[string]string, error) {
	rows, err := s.query(ctx, "SELECT setting_key, setting_value FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqlStore) writeKeyValue(ctx context.Context, table, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	err := s.upsert(ctx,
		"UPDATE "+table+" SET setting_value = ? WHERE setting_key = ?", []any{value, key},
		"INSERT INTO "+table+" (setting_key, setting_value) VALUES (?, ?)", []any{key, value})
	if err != nil {
		return fmt.Errorf("failed to write %s %q: %w", table, key, err)
	}
	return nil
}

// GetThrottleConfig returns all throttle settings
func (s *sqlStore) GetThrottleConfig(ctx context.Context) (map[string]string, error) {
	return s.readKeyValues(ctx, "throttle_config")
}

// SetThrottleConfig stores one throttle setting
func (s *sqlStore) SetThrottleConfig(ctx context.Context, key, value string) error {
	return s.writeKeyValue(ctx, "throttle_config", key, value)
}

// DeleteThrottleConfig removes one throttle setting
func (s *sqlStore) DeleteThrottleConfig(ctx context.Context, key string) error {
	if _, err := s.exec(ctx, "DELETE FROM throttle_config WHERE setting_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete throttle setting %q: %w", key, err)
	}
	return nil
}

// GetSettings returns all system settings
func (s *sqlStore) GetSettings(ctx context.Context) (map[string]string, error) {
	return s.readKeyValues(ctx, "system_settings")
}

// SetSetting stores one system setting
func (s *sqlStore) SetSetting(ctx context.Context, key, value string) error {
	return s.writeKeyValue(ctx, "system_settings", key, value)
}

// ListPhases returns all warmup phases ordered by phase number
func (s *sqlStore) ListPhases(ctx context.Context) ([]WarmupPhase, error) {
	rows, err := s.query(ctx, `SELECT phase_number, name, duration_days, max_per_hour, max_per_day, burst_limit
		FROM warmup_phases ORDER BY phase_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list warmup phases: %w", err)
	}
	defer rows.Close()

	var phases []WarmupPhase
	for rows.Next() {
		var p WarmupPhase
		if err := rows.Scan(&p.PhaseNumber, &p.Name, &p.DurationDays, &p.MaxPerHour, &p.MaxPerDay, &p.BurstLimit); err != nil {
			return nil, fmt.Errorf("failed to scan warmup phase: %w", err)
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// SavePhase inserts or replaces a warmup phase
func (s *sqlStore) SavePhase(ctx context.Context, p WarmupPhase) error {
	if p.PhaseNumber <= 0 || p.DurationDays < 0 {
		return fmt.Errorf("%w: phase %d", ErrInvalidInput, p.PhaseNumber)
	}
	err := s.upsert(ctx,
		`UPDATE warmup_phases SET name = ?, duration_days = ?, max_per_hour = ?, max_per_day = ?, burst_limit = ?
			WHERE phase_number = ?`,
		[]any{p.Name, p.DurationDays, p.MaxPerHour, p.MaxPerDay, p.BurstLimit, p.PhaseNumber},
		`INSERT INTO warmup_phases (phase_number, name, duration_days, max_per_hour, max_per_day, burst_limit)
			VALUES (?, ?, ?, ?, ?, ?)`,
		[]any{p.PhaseNumber, p.Name, p.DurationDays, p.MaxPerHour, p.MaxPerDay, p.BurstLimit})
	if err != nil {
		return fmt.Errorf("failed to save warmup phase %d: %w", p.PhaseNumber, err)
	}
	return nil
}

// ListNetworks returns all whitelisted networks
func (s *sqlStore) ListNetworks(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, "SELECT cidr FROM networks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	defer rows.Close()

	var nets []string
	for rows.Next() {
		var cidr string
		if err := rows.Scan(&cidr); err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		nets = append(nets, cidr)
	}
	return nets, rows.Err()
}

// AddNetwork adds a whitelisted network, ignoring duplicates
func (s *sqlStore) AddNetwork(ctx context.Context, cidr string) error {
	if cidr == "" {
		return fmt.Errorf("%w: empty network", ErrInvalidInput)
	}
	row, err := s.queryRow(ctx, "SELECT COUNT(*) FROM networks WHERE cidr = ?", cidr)
	if err != nil {
		return err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("failed to check network %s: %w", cidr, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.exec(ctx, "INSERT INTO networks (cidr, created_at) VALUES (?, ?)", cidr, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to add network %s: %w", cidr, err)
	}
	return nil
}

// SentCounts returns the sent totals of the current hour and day
func (s *sqlStore) SentCounts(ctx context.Context, hourStart, dayStart time.Time) (SentCounts, error) {
	row, err := s.queryRow(ctx, `SELECT
			COALESCE(SUM(CASE WHEN hour_start = ? THEN sent_count ELSE 0 END), 0),
			COALESCE(SUM(sent_count), 0)
		FROM stats_hourly WHERE hour_start >= ?`,
		hourStart.Unix(), dayStart.Unix())
	if err != nil {
		return SentCounts{}, err
	}
	var c SentCounts
	if err := row.Scan(&c.SentThisHour, &c.SentToday); err != nil {
		return SentCounts{}, fmt.Errorf("failed to read sent counts: %w", err)
	}
	return c, nil
}

// AddHourlyStat adds delta to one status counter of an hour bucket
func (s *sqlStore) AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error {
	col, err := statusColumn(status)
	if err != nil {
		return err
	}
	hour := hourStart.Unix()
	err = s.upsert(ctx,
		"UPDATE stats_hourly SET "+col+" = "+col+" + ? WHERE hour_start = ?", []any{delta, hour},
		"INSERT INTO stats_hourly (hour_start, "+col+") VALUES (?, ?)", []any{hour, delta})
	if err != nil {
		return fmt.Errorf("failed to add %s stat: %w", status, err)
	}
	return nil
}

const banColumns = `id, ip_address, fail_count, first_fail_at, ban_count, banned_at, expires_at,
	is_active, reason, notes, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBan(row rowScanner) (BanRecord, error) {
	var (
		b                         BanRecord
		firstFail, banned, expire sql.NullInt64
		reason, notes             sql.NullString
		created                   int64
	)
	err := row.Scan(&b.ID, &b.IPAddress, &b.FailCount, &firstFail, &b.BanCount, &banned, &expire,
		&b.IsActive, &reason, &notes, &created)
	if err != nil {
		return BanRecord{}, err
	}
	b.FirstFailAt = fromUnix(firstFail)
	b.BannedAt = fromUnix(banned)
	b.ExpiresAt = fromUnix(expire)
	b.Reason = reason.String
	b.Notes = notes.String
	b.CreatedAt = time.Unix(created, 0)
	return b, nil
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func (s *sqlStore) getBan(ctx context.Context, where string, arg any) (BanRecord, error) {
	row, err := s.queryRow(ctx, "SELECT "+banColumns+" FROM ip_bans WHERE "+where, arg)
	if err != nil {
		return BanRecord{}, err
	}
	b, err := scanBan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BanRecord{}, ErrNotFound
	}
	if err != nil {
		return BanRecord{}, fmt.Errorf("failed to read ban: %w", err)
	}
	return b, nil
}

// GetBan returns the ban record with the given ID
func (s *sqlStore) GetBan(ctx context.Context, id int64) (BanRecord, error) {
	return s.getBan(ctx, "id = ?", id)
}

// GetBanByAddress returns the ban record of an address or CIDR
func (s *sqlStore) GetBanByAddress(ctx context.Context, addr string) (BanRecord, error) {
	return s.getBan(ctx, "ip_address = ?", addr)
}

// SaveBan inserts or updates a ban record
func (s *sqlStore) SaveBan(ctx context.Context, b *BanRecord) error {
	if b == nil || b.IPAddress == "" {
		return fmt.Errorf("%w: ban without address", ErrInvalidInput)
	}
	if b.ID != 0 {
		res, err := s.exec(ctx, `UPDATE ip_bans SET ip_address = ?, fail_count = ?, first_fail_at = ?, ban_count = ?,
				banned_at = ?, expires_at = ?, is_active = ?, reason = ?, notes = ? WHERE id = ?`,
			b.IPAddress, b.FailCount, toUnix(b.FirstFailAt), b.BanCount,
			toUnix(b.BannedAt), toUnix(b.ExpiresAt), b.IsActive, b.Reason, b.Notes, b.ID)
		if err != nil {
			return fmt.Errorf("failed to update ban %d: %w", b.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	args := []any{b.IPAddress, b.FailCount, toUnix(b.FirstFailAt), b.BanCount,
		toUnix(b.BannedAt), toUnix(b.ExpiresAt), b.IsActive, b.Reason, b.Notes, b.CreatedAt.Unix()}
	insert := `INSERT INTO ip_bans (ip_address, fail_count, first_fail_at, ban_count, banned_at, expires_at,
			is_active, reason, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if s.dialect.returningID {
		row, err := s.queryRow(ctx, insert+" RETURNING id", args...)
		if err != nil {
			return err
		}
		if err := row.Scan(&b.ID); err != nil {
			return fmt.Errorf("failed to insert ban for %s: %w", b.IPAddress, err)
		}
		return nil
	}

	res, err := s.exec(ctx, insert, args...)
	if err != nil {
		return fmt.Errorf("failed to insert ban for %s: %w", b.IPAddress, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read ban id: %w", err)
	}
	b.ID = id
	return nil
}

// DeleteBan removes a ban record
func (s *sqlStore) DeleteBan(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, "DELETE FROM ip_bans WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete ban %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) listBans(ctx context.Context, where string, args ...any) ([]BanRecord, error) {
	q := "SELECT " + banColumns + " FROM ip_bans"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY is_active DESC, COALESCE(banned_at, 0) DESC, created_at DESC"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// ListBans returns every ban record
func (s *sqlStore) ListBans(ctx context.Context) ([]BanRecord, error) {
	return s.listBans(ctx, "")
}

// ListActiveBans returns active bans only
func (s *sqlStore) ListActiveBans(ctx context.Context) ([]BanRecord, error) {
	return s.listBans(ctx, "is_active = ?", true)
}

// ListExpiredBans returns active timed bans whose expiry has passed
func (s *sqlStore) ListExpiredBans(ctx context.Context, now time.Time) ([]BanRecord, error) {
	return s.listBans(ctx, "is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now.Unix())
}
