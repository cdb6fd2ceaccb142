package wire

import (
	"errors"

	"github.com/robovac-protocol/robovac-go/pkg/crypt"
)

// StreamDecoder reassembles frames from a byte stream where frame
// boundaries are not preserved. Damaged frames are skipped and returned
// as errors alongside any messages that did decode, so one corrupt
// frame never stalls the stream.
//
// Not safe for concurrent use; each channel owns one StreamDecoder on
// its read loop.
type StreamDecoder struct {
	codec *Codec
	buf   []byte
}

// NewStreamDecoder creates a stream decoder around a codec.
func NewStreamDecoder(codec *Codec) *StreamDecoder {
	return &StreamDecoder{codec: codec}
}

// Push appends raw bytes and returns every complete message now
// available. Recoverable framing errors (checksum mismatch, unknown
// version) are collected in errs and the offending frames skipped.
// A decrypt failure stops parsing immediately and is returned as the
// final error in errs; the caller must treat it as channel-fatal.
func (d *StreamDecoder) Push(data []byte) (msgs []*Message, errs []error) {
	d.buf = append(d.buf, data...)

	for len(d.buf) > 0 {
		msg, consumed, err := d.codec.Decode(d.buf)
		if err != nil {
			if errors.Is(err, ErrLengthMismatch) {
				// Partial frame; wait for more bytes.
				return msgs, errs
			}
			d.buf = d.buf[consumed:]
			errs = append(errs, err)
			if errors.Is(err, crypt.ErrDecryptFailure) {
				return msgs, errs
			}
			continue
		}
		d.buf = d.buf[consumed:]
		msgs = append(msgs, msg)
	}
	return msgs, errs
}

// Pending returns the number of buffered bytes awaiting a complete
// frame.
func (d *StreamDecoder) Pending() int {
	return len(d.buf)
}

// Reset discards any buffered partial frame. Called when the underlying
// connection is replaced.
func (d *StreamDecoder) Reset() {
	d.buf = nil
}
