package framing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHelloStopsAtTrailer(t *testing.T) {
	in := bytes.NewBufferString("<hello/>]]>]]><#remaining>")
	r := NewReader(in)
	body, err := r.ReadHello(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<hello/>", string(body))
}

func TestReadHelloTooBig(t *testing.T) {
	in := bytes.NewBuffer(bytes.Repeat([]byte("a"), MaxHelloSize+10))
	r := NewReader(in)
	_, err := r.ReadHello(context.Background())
	assert.ErrorIs(t, err, ErrHelloTooBig)
}

func TestWriteThenReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	payload := []byte(`<rpc-reply message-id="1"><ok/></rpc-reply>`)
	require.NoError(t, w.WriteMessage(payload))

	r := NewReader(&buf)
	got, err := r.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadMessageMultiChunk(t *testing.T) {
	in := bytes.NewBufferString("\n#3\nfoo\n#3\nbar\n##\n")
	r := NewReader(in)
	got, err := r.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(got))
}

func TestReadMessageTooBig(t *testing.T) {
	big := bytes.Repeat([]byte("x"), MaxChunkSize+1)
	in := bytes.NewBufferString("\n#" + itoa(len(big)) + "\n")
	in.Write(big)
	r := NewReader(in)
	_, err := r.ReadMessage(context.Background())
	assert.ErrorIs(t, err, ErrTooBig)
}

func TestReadMessageBadHeader(t *testing.T) {
	in := bytes.NewBufferString("\n#abc\n")
	r := NewReader(in)
	_, err := r.ReadMessage(context.Background())
	assert.ErrorIs(t, err, ErrBadChunkHeader)
}

func TestReadMessageRespectsCancellation(t *testing.T) {
	in := bytes.NewBufferString("\n#3\nfoo\n##\n")
	r := NewReader(in)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
