package policy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/busybox42/relayctl/internal/counter"
)

// Protocol limits
const (
	DefaultReadTimeout = 10 * time.Second
	MaxLineLength      = 8 * 1024
	MaxAttributes      = 256
)

// Verdicts
const (
	VerdictDunno = "DUNNO"
	VerdictHold  = "HOLD"
)

// Request is one attribute block sent by the MTA
type Request map[string]string

// Get returns an attribute or the empty string
func (r Request) Get(key string) string {
	return r[key]
}

func (r Request) Sender() string        { return r["sender"] }
func (r Request) Recipient() string     { return r["recipient"] }
func (r Request) ClientAddress() string { return r["client_address"] }
func (r Request) QueueID() string       { return r["queue_id"] }

// Action is the verdict returned for one request
type Action struct {
	Verdict string
	Reason  string

	cap counter.Cap
}

// Dunno returns the neutral verdict
func Dunno() Action {
	return Action{Verdict: VerdictDunno}
}

// Hold returns a verdict that keeps the message queued without delivery
func Hold(reason string) Action {
	return Action{Verdict: VerdictHold, Reason: reason}
}

// String renders the action value as sent on the wire
func (a Action) String() string {
	if a.Reason == "" {
		return a.Verdict
	}
	return a.Verdict + " " + oneLine(a.Reason)
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// WriteAction writes a response block
func WriteAction(w io.Writer, a Action) error {
	_, err := fmt.Fprintf(w, "action=%s\n\n", a.String())
	return err
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader parses attribute blocks from a persistent connection
type Reader struct {
	br       *bufio.Reader
	deadline readDeadliner
	timeout  time.Duration
}

// NewReader creates a Reader. When r supports read deadlines every line must
// arrive within timeout.
func NewReader(r io.Reader, timeout time.Duration) *Reader {
	pr := &Reader{
		br:      bufio.NewReaderSize(r, MaxLineLength),
		timeout: timeout,
	}
	if d, ok := r.(readDeadliner); ok && timeout > 0 {
		pr.deadline = d
	}
	return pr
}

// readLine returns the next line without its terminator. Lines longer than
// MaxLineLength are consumed and reported as skipped.
func (r *Reader) readLine() (line []byte, skipped bool, err error) {
	if r.deadline != nil {
		if err := r.deadline.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return nil, false, err
		}
	}

	line, err = r.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.br.ReadSlice('\n')
		}
		if err != nil {
			return nil, true, err
		}
		return nil, true, nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, err
	}
	return bytes.TrimRight(line, "\r\n"), false, nil
}

// ReadRequest reads lines up to the terminating empty line. Lines without
// '=' and attributes beyond MaxAttributes are ignored.
func (r *Reader) ReadRequest() (Request, error) {
	req := make(Request)
	for {
		line, skipped, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if skipped {
			continue
		}
		text := strings.TrimSpace(string(line))
		if text == "" {
			return req, nil
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := req[key]; !exists && len(req) >= MaxAttributes {
			continue
		}
		req[key] = strings.TrimSpace(value)
	}
}
