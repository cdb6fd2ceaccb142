package protolog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for event records.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for event records.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protolog: encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protolog: decoder mode: %v", err))
	}
}

// FileLogger appends events to a capture file as a CBOR sequence.
// Safe for concurrent use.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// NewFileLogger opens (or creates) a capture file for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f, encoder: encMode.NewEncoder(f)}, nil
}

// Log appends one event. Encoding errors are dropped; capture must
// never disrupt the engine.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_ = l.encoder.Encode(event)
}

// Close closes the capture file. Safe to call more than once; later
// Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)

// Reader replays events from a capture file.
type Reader struct {
	decoder *cbor.Decoder
	closer  io.Closer
}

// NewReader opens a capture file for replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{decoder: decMode.NewDecoder(f), closer: f}, nil
}

// Next returns the next event, or io.EOF at end of capture.
func (r *Reader) Next() (Event, error) {
	var event Event
	err := r.decoder.Decode(&event)
	if errors.Is(err, io.EOF) {
		return Event{}, io.EOF
	}
	return event, err
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.closer.Close()
}
