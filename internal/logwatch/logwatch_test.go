package logwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relayctl/internal/datasource"
	"github.com/busybox42/relayctl/internal/logging"
)

var now = time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
		ok   bool
	}{
		{
			name: "sent",
			line: "Jul 14 10:15:02 relay postfix/smtp[811]: 4BCD2F1A3E: to=<bob@example.org>, relay=mx.example.org[192.0.2.25]:25, delay=0.4, delays=0.1/0/0.2/0.1, dsn=2.0.0, status=sent (250 2.0.0 Ok: queued as 12345)",
			want: Event{
				Time:      time.Date(2025, 7, 14, 10, 15, 2, 0, time.UTC),
				Status:    datasource.StatusSent,
				QueueID:   "4BCD2F1A3E",
				Recipient: "bob@example.org",
				Relay:     "mx.example.org[192.0.2.25]:25",
				Message:   "250 2.0.0 Ok: queued as 12345",
			},
			ok: true,
		},
		{
			name: "deferred with iso timestamp",
			line: "2025-07-14T09:59:59.123456+00:00 relay postfix/smtp[811]: 3ABC2F1A3E: to=<c@example.net>, relay=none, delay=30, status=deferred (connect to mx.example.net timed out)",
			want: Event{
				Time:      time.Date(2025, 7, 14, 9, 59, 59, 123456000, time.UTC),
				Status:    datasource.StatusDeferred,
				QueueID:   "3ABC2F1A3E",
				Recipient: "c@example.net",
				Relay:     "none",
				Message:   "connect to mx.example.net timed out",
			},
			ok: true,
		},
		{
			name: "relay reject",
			line: "Jul 14 10:20:00 relay postfix/smtpd[99]: NOQUEUE: reject: RCPT from unknown[203.0.113.50]: 454 4.7.1 <x@example.com>: Relay access denied; from=<spam@example.biz> to=<x@example.com> proto=ESMTP helo=<a>",
			want: Event{
				Time:      time.Date(2025, 7, 14, 10, 20, 0, 0, time.UTC),
				Status:    datasource.StatusRejected,
				ClientIP:  "203.0.113.50",
				Sender:    "spam@example.biz",
				Recipient: "x@example.com",
			},
			ok: true,
		},
		{
			name: "sasl failure",
			line: "Jul 14 10:21:00 relay postfix/smtpd[99]: warning: host.example.com[198.51.100.4]: SASL LOGIN authentication failed: UGFzc3dvcmQ6",
			want: Event{
				Time:     time.Date(2025, 7, 14, 10, 21, 0, 0, time.UTC),
				Status:   datasource.StatusAuthFailed,
				ClientIP: "198.51.100.4",
			},
			ok: true,
		},
		{
			name: "ipv6 reject",
			line: "NOQUEUE: reject: RCPT from unknown[2001:db8::7]: 554 5.7.1 denied; from=<> to=<a@b>",
			want: Event{Time: now, Status: datasource.StatusRejected, ClientIP: "2001:db8::7", Recipient: "a@b"},
			ok:   true,
		},
		{
			name: "expired status ignored",
			line: "Jul 14 10:22:00 relay postfix/qmgr[5]: 4BCD2F1A3E: to=<a@b>, status=expired, returned to sender",
		},
		{
			name: "connect line ignored",
			line: "Jul 14 10:22:00 relay postfix/smtpd[5]: connect from unknown[192.0.2.1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.line, now, time.UTC)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			if tt.want.Status == datasource.StatusRejected || tt.want.Status == datasource.StatusAuthFailed {
				tt.want.Message = strings.TrimSpace(tt.line)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimestampYearRollover(t *testing.T) {
	jan1 := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	ts, ok := ParseTimestamp("Dec 31 23:59:00 relay postfix", jan1, time.UTC)
	require.True(t, ok)
	assert.Equal(t, 2025, ts.Year())

	ts, ok = ParseTimestamp("Jan  1 00:04:00 relay postfix", jan1, time.UTC)
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, ok = ParseTimestamp("garbage", jan1, time.UTC)
	assert.False(t, ok)
}

type stat struct {
	hour   time.Time
	status string
}

type recordingSink struct {
	mu       sync.Mutex
	stats    []stat
	failures []string
}

func (r *recordingSink) AddHourlyStat(ctx context.Context, hourStart time.Time, status string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, stat{hourStart, status})
	return nil
}

func (r *recordingSink) RecordFailure(ctx context.Context, addr, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, addr+" "+reason)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

const sample = `Jul 14 10:15:02 relay postfix/smtp[811]: 4BCD2F1A3E: to=<bob@example.org>, relay=mx[192.0.2.25]:25, status=sent (250 ok)
Jul 14 10:15:03 relay postfix/smtpd[99]: connect from unknown[192.0.2.1]
Jul 14 10:20:00 relay postfix/smtpd[99]: NOQUEUE: reject: RCPT from unknown[203.0.113.50]: 454 4.7.1 Relay access denied; from=<s@x> to=<y@z>
Jul 14 10:21:00 relay postfix/smtpd[99]: warning: unknown[198.51.100.4]: SASL PLAIN authentication failed: bad
`

func TestIngesterReadStream(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngester(sink, sink, time.UTC, logging.Discard(), nil)
	in.now = func() time.Time { return now }

	require.NoError(t, in.ReadStream(context.Background(), strings.NewReader(sample)))

	hour := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, []stat{
		{hour, datasource.StatusSent},
		{hour, datasource.StatusRejected},
		{hour, datasource.StatusAuthFailed},
	}, sink.stats)
	assert.Equal(t, []string{"203.0.113.50 relay_rejected", "198.51.100.4 sasl_auth_failed"}, sink.failures)
}

func TestIngesterWithDatasource(t *testing.T) {
	ds := datasource.NewMemory(datasource.Config{})
	require.NoError(t, ds.Connect())
	in := NewIngester(ds, nil, time.UTC, logging.Discard(), nil)
	in.now = func() time.Time { return now }

	require.NoError(t, in.ReadStream(context.Background(), strings.NewReader(sample)))

	counts, err := ds.SentCounts(context.Background(), time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC), time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.SentThisHour)
}

func TestReadLineTruncatesLongLines(t *testing.T) {
	long := strings.Repeat("x", maxLineLength+500) + "\nnext\n"
	sink := &recordingSink{}
	in := NewIngester(sink, nil, time.UTC, logging.Discard(), nil)
	assert.NoError(t, in.ReadStream(context.Background(), strings.NewReader(long)))
}

func TestFollowerTailsAppendsAndRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maillog")
	require.NoError(t, os.WriteFile(path, []byte("Jul 14 09:00:00 relay postfix/smtp[1]: 1AAAAAAAAA: to=<old@x>, status=sent (ok)\n"), 0644))

	sink := &recordingSink{}
	in := NewIngester(sink, sink, time.UTC, logging.Discard(), nil)
	in.now = func() time.Time { return now }
	f := NewFollower(path, in)
	f.poll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	appendLine := func(p, line string) {
		fh, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		require.NoError(t, err)
		_, err = fh.WriteString(line)
		require.NoError(t, err)
		require.NoError(t, fh.Close())
	}

	appendLine(path, "Jul 14 10:15:02 relay postfix/smtp[811]: 4BCD2F1A3E: to=<a@x>, status=sent (ok)\n")
	require.Eventually(t, func() bool { return sink.count() == 1 }, 3*time.Second, 10*time.Millisecond, "existing content is skipped")

	require.NoError(t, os.Rename(path, path+".1"))
	appendLine(path, "Jul 14 10:16:02 relay postfix/smtp[811]: 5BCD2F1A3E: to=<b@x>, status=bounced (no)\n")
	require.Eventually(t, func() bool { return sink.count() == 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("follower did not stop")
	}
}
