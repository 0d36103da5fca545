package policy

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	input := "request=smtpd_access_policy\r\n" +
		"protocol_state=RCPT\n" +
		"sender=a@example.com\n" +
		"recipient = b@example.org \n" +
		"garbage line without equals\n" +
		"=novalue\n" +
		"instance=1.2=3\n" +
		"\n" +
		"sender=second@example.com\n" +
		"\n"

	r := NewReader(strings.NewReader(input), 0)

	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", req.Sender())
	assert.Equal(t, "b@example.org", req.Recipient())
	assert.Equal(t, "RCPT", req.Get("protocol_state"))
	assert.Equal(t, "1.2=3", req.Get("instance"))
	assert.Len(t, req, 5)

	req, err = r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "second@example.com", req.Sender())

	_, err = r.ReadRequest()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRequestTruncated(t *testing.T) {
	r := NewReader(strings.NewReader("sender=a@example.com\nrecipient=b"), 0)
	_, err := r.ReadRequest()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadRequestSkipsOverlongLines(t *testing.T) {
	long := "ccert_subject=" + strings.Repeat("x", MaxLineLength*2) + "\n"
	r := NewReader(strings.NewReader(long+"sender=a@example.com\n\n"), 0)

	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", req.Sender())
	assert.NotContains(t, req, "ccert_subject")
}

func TestReadRequestBoundsAttributes(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxAttributes+10; i++ {
		b.WriteString("attr" + strconv.Itoa(i) + "=v\n")
	}
	b.WriteString("\n")

	req, err := NewReader(strings.NewReader(b.String()), 0).ReadRequest()
	require.NoError(t, err)
	assert.Len(t, req, MaxAttributes)
	assert.NotContains(t, req, "attr"+strconv.Itoa(MaxAttributes))
}

func TestWriteAction(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAction(&buf, Dunno()))
	assert.Equal(t, "action=DUNNO\n\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteAction(&buf, Hold("Rate limit\nnext")))
	assert.Equal(t, "action=HOLD Rate limit next\n\n", buf.String())
}
