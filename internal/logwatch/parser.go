// Package logwatch turns MTA log lines into hourly statistics and abuse
// failures.
package logwatch

import (
	"regexp"
	"strings"
	"time"

	"github.com/busybox42/relayctl/internal/datasource"
)

// Event is one classified log line
type Event struct {
	Time      time.Time
	Status    string
	QueueID   string
	Recipient string
	Sender    string
	ClientIP  string
	Relay     string
	Message   string
}

var (
	statusRe = regexp.MustCompile(`\b([0-9A-Za-z]{6,32}): to=<([^>]*)>(?:.*?\brelay=([^,\s]+))?.*?\bstatus=(\w+)(?: \((.*)\))?`)
	rejectRe = regexp.MustCompile(`NOQUEUE: reject: \w+ from [^\[\s]*\[([^\]]+)\]`)
	saslRe   = regexp.MustCompile(`warning: [^\[\s]*\[([^\]]+)\]: SASL \S+ authentication failed`)
	fromRe   = regexp.MustCompile(`\bfrom=<([^>]*)>`)
	toRe     = regexp.MustCompile(`\bto=<([^>]*)>`)
	syslogTS = regexp.MustCompile(`^([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s`)
	isoTS    = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s`)
)

// ParseTimestamp reads an RFC 3339 or classic syslog timestamp at the start
// of the line. Syslog stamps carry no year or zone; they are placed in loc
// in the year of now, or the previous year when that would be in the future.
func ParseTimestamp(line string, now time.Time, loc *time.Location) (time.Time, bool) {
	if m := isoTS.FindStringSubmatch(line); m != nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05"} {
			if t, err := time.ParseInLocation(layout, m[1], loc); err == nil {
				return t, true
			}
		}
	}
	if m := syslogTS.FindStringSubmatch(line); m != nil {
		stamp := strings.Join(strings.Fields(m[1]), " ")
		t, err := time.ParseInLocation("Jan 2 15:04:05", stamp, loc)
		if err != nil {
			return time.Time{}, false
		}
		n := now.In(loc)
		t = time.Date(n.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
		if t.Sub(n) > 24*time.Hour {
			t = t.AddDate(-1, 0, 0)
		}
		return t, true
	}
	return time.Time{}, false
}

// Parse classifies a log line. Lines that carry no delivery outcome or
// abuse signal return false.
func Parse(line string, now time.Time, loc *time.Location) (Event, bool) {
	ts, ok := ParseTimestamp(line, now, loc)
	if !ok {
		ts = now
	}

	if m := rejectRe.FindStringSubmatch(line); m != nil {
		ev := Event{Time: ts, Status: datasource.StatusRejected, ClientIP: m[1], Message: strings.TrimSpace(line)}
		if f := fromRe.FindStringSubmatch(line); f != nil {
			ev.Sender = f[1]
		}
		if r := toRe.FindStringSubmatch(line); r != nil {
			ev.Recipient = r[1]
		}
		return ev, true
	}

	if m := saslRe.FindStringSubmatch(line); m != nil {
		return Event{Time: ts, Status: datasource.StatusAuthFailed, ClientIP: m[1], Message: strings.TrimSpace(line)}, true
	}

	if m := statusRe.FindStringSubmatch(line); m != nil {
		switch m[4] {
		case datasource.StatusSent, datasource.StatusDeferred, datasource.StatusBounced:
		default:
			return Event{}, false
		}
		return Event{
			Time:      ts,
			Status:    m[4],
			QueueID:   m[1],
			Recipient: m[2],
			Relay:     m[3],
			Message:   m[5],
		}, true
	}
	return Event{}, false
}
