package wireproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize is the reference ceiling on a single decoded frame.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the decoder's configured
// maximum size. The decoder is unusable after this error; callers must treat
// it the same as a stream close.
var ErrFrameTooLarge = errors.New("wireproto: frame exceeds maximum size")

// Decoder reads newline-delimited JSON objects from a byte stream. It is not
// safe for concurrent use; a connection owns exactly one reader goroutine.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
	dead    bool
}

// NewDecoder returns a Decoder with the reference 16 MiB frame ceiling.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxFrameSize)
}

// NewDecoderSize returns a Decoder that rejects any frame larger than maxSize.
func NewDecoderSize(r io.Reader, maxSize int) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096), maxSize: maxSize}
}

// Decode reads one line-feed terminated frame and unmarshals it into v. A
// malformed frame or a frame exceeding the configured ceiling is fatal: every
// subsequent call returns io.ErrClosedPipe.
func (d *Decoder) Decode(v any) error {
	line, err := d.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		d.dead = true
		return fmt.Errorf("wireproto: malformed frame: %w", err)
	}
	return nil
}

// ReadFrame returns the next line-feed terminated frame's raw bytes,
// without unmarshaling them. Callers that need to validate the frame's
// shape before committing to a Go type (see ParseRequest) use this instead
// of Decode.
func (d *Decoder) ReadFrame() ([]byte, error) {
	if d.dead {
		return nil, io.ErrClosedPipe
	}
	line, err := d.readLine()
	if err != nil {
		d.dead = true
		return nil, err
	}
	return line, nil
}

// readLine accumulates bytes up to the next '\n', enforcing maxSize as it
// goes so a slow-loris frame can't grow the buffer unbounded before we
// notice it has exceeded the ceiling.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		frag, err := d.r.ReadSlice('\n')
		if len(frag) > 0 {
			buf = append(buf, frag...)
			size := len(buf)
			if buf[size-1] == '\n' {
				size-- // the separator is not part of the frame
			}
			if size > d.maxSize {
				return nil, ErrFrameTooLarge
			}
		}
		if err == nil {
			return buf[:len(buf)-1], nil // strip the trailing '\n'
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("wireproto: truncated frame at EOF: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
}

// Encoder writes newline-delimited JSON objects to a byte stream. Safe for
// concurrent use; every Encode call is serialized under a lock so that two
// writers can never interleave partial frames on the wire.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing compact, minimally-escaped JSON
// lines to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode serializes v as one frame and writes it followed by a single '\n'.
func (e *Encoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(v)
}
