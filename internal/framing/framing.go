// Package framing implements the RFC6242 byte-level state machine this
// server speaks: the NETCONF 1.0 hello trailer on the very first exchange,
// and chunked framing (RFC6242 §4.2) for every message after that, with a
// hello sliding-window detector, per-message size ceilings, and
// cooperative-shutdown context checks on every blocking read.
package framing

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// HelloTrailer ends a NETCONF 1.0 framed message (used once, for hello).
	HelloTrailer = "]]>]]>"
	// ChunkEnd terminates a chunked message.
	ChunkEnd = "\n##\n"

	// MaxChunkHeaderSize bounds the "\n#<digits>\n" header, including both
	// newlines and the leading "#".
	MaxChunkHeaderSize = 13
	// MaxChunkSize bounds a single chunk's payload.
	MaxChunkSize = 32 * 1024
	// MaxHelloSize bounds the hello exchange before the trailer is found.
	MaxHelloSize = 16 * 1024
)

// ErrTooBig is returned when a chunk exceeds MaxChunkSize.
var ErrTooBig = errors.New("chunk exceeds maximum allowed size")

// ErrHelloTooBig is returned when no hello trailer is found within
// MaxHelloSize bytes.
var ErrHelloTooBig = errors.New("hello message exceeds maximum allowed size")

// ErrBadChunkHeader is returned for a malformed chunk header.
var ErrBadChunkHeader = errors.New("malformed chunk header")

// Reader reads NETCONF frames (hello, then chunked messages) off a byte
// stream, checking a context for cancellation at every natural suspension
// point (design note: cooperative shutdown).
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadHello reads up to the NETCONF 1.0 "]]>]]>" trailer and returns the
// bytes preceding it, consuming the trailer itself. It fails if the trailer
// is not found within MaxHelloSize bytes, mirroring the source's MSG_PEEK
// sliding-window ceiling (ported here as incremental buffered reads rather
// than raw socket peeking, since bufio.Reader already provides the
// equivalent buffering).
func (r *Reader) ReadHello(ctx context.Context) ([]byte, error) {
	trailer := []byte(HelloTrailer)
	var buf []byte
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) > len(trailer) && hasSuffix(buf, trailer) {
			return buf[:len(buf)-len(trailer)], nil
		}
		if len(buf) == len(trailer) && hasSuffix(buf, trailer) {
			return buf[:0], nil
		}
		if len(buf) >= MaxHelloSize {
			return nil, ErrHelloTooBig
		}
	}
}

func hasSuffix(buf, suffix []byte) bool {
	if len(buf) < len(suffix) {
		return false
	}
	tail := buf[len(buf)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}

// ReadMessage reads one chunked-framed message (a sequence of
// "\n#<len>\n<payload>" chunks ending with "\n##\n") and returns the
// concatenated payload. ctx is checked before every chunk header read.
func (r *Reader) ReadMessage(ctx context.Context) ([]byte, error) {
	var payload []byte
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		chunkLen, end, err := r.readChunkHeader()
		if err != nil {
			return nil, err
		}
		if end {
			return payload, nil
		}
		if chunkLen > MaxChunkSize {
			// still have to drain the chunk so the stream stays in sync
			// for the caller's own error reply, but report too-big.
			if _, derr := io.CopyN(io.Discard, r.r, int64(chunkLen)); derr != nil {
				return nil, derr
			}
			return nil, ErrTooBig
		}
		chunk := make([]byte, chunkLen)
		if _, err := io.ReadFull(r.r, chunk); err != nil {
			return nil, err
		}
		payload = append(payload, chunk...)
	}
}

// readChunkHeader reads one "\n#<len>\n" or "\n##\n" header. end is true
// for the latter.
func (r *Reader) readChunkHeader() (chunkLen int, end bool, err error) {
	var header []byte
	for {
		b, rerr := r.r.ReadByte()
		if rerr != nil {
			return 0, false, rerr
		}
		header = append(header, b)
		if len(header) > MaxChunkHeaderSize {
			return 0, false, ErrBadChunkHeader
		}
		if len(header) >= 4 && string(header) == ChunkEnd {
			return 0, true, nil
		}
		// "\n#" <digits> "\n" — terminate this inner loop once we see the
		// trailing newline after at least one digit.
		if len(header) >= 3 && header[len(header)-1] == '\n' && header[0] == '\n' && header[1] == '#' {
			digits := header[2 : len(header)-1]
			if len(digits) == 0 {
				return 0, false, ErrBadChunkHeader
			}
			n, perr := strconv.Atoi(string(digits))
			if perr != nil || n <= 0 {
				return 0, false, ErrBadChunkHeader
			}
			return n, false, nil
		}
	}
}

// Writer writes NETCONF frames: the hello trailer once, then chunked
// framing for every subsequent message.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteHello writes payload followed by the NETCONF 1.0 trailer.
func (w *Writer) WriteHello(payload []byte) error {
	if err := fullWrite(w.w, payload); err != nil {
		return err
	}
	return fullWrite(w.w, []byte(HelloTrailer))
}

// WriteMessage writes payload as a single chunk followed by the
// end-of-chunks marker. Payloads larger than MaxChunkSize are split across
// multiple chunks.
func (w *Writer) WriteMessage(payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		header := "\n#" + strconv.Itoa(n) + "\n"
		if err := fullWrite(w.w, []byte(header)); err != nil {
			return err
		}
		if err := fullWrite(w.w, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return fullWrite(w.w, []byte(ChunkEnd))
}

// fullWrite fails the session on any short write: a short write at any step
// is fatal to the session.
func fullWrite(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return errors.Errorf("short write: wrote %d of %d bytes", n, len(b))
	}
	return nil
}
