// Package protolog captures protocol-level events (frames, channel
// state changes, framing errors) for offline diagnostics. Events are
// serialized as CBOR records with integer keys, so captures stay
// compact even with raw frame bytes included.
package protolog

import "time"

// Direction indicates message flow relative to this client.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionOut {
		return "OUT"
	}
	return "IN"
}

// ChannelKind labels which transport an event belongs to.
type ChannelKind uint8

const (
	ChannelLocal ChannelKind = 0
	ChannelCloud ChannelKind = 1
)

// String returns the channel name.
func (k ChannelKind) String() string {
	if k == ChannelCloud {
		return "CLOUD"
	}
	return "LOCAL"
}

// MaxFrameCapture is the largest frame prefix stored in an event.
// Longer frames are truncated to bound capture size.
const MaxFrameCapture = 4096

// Event is one protocol log record.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// DUID is the device the event concerns.
	DUID string `cbor:"2,keyasint"`

	// Channel is the transport the event was captured on.
	Channel ChannelKind `cbor:"3,keyasint"`

	// Direction of the message, for frame events.
	Direction Direction `cbor:"4,keyasint,omitempty"`

	// Type-specific payload; exactly one is set.
	Frame *FrameEvent `cbor:"5,keyasint,omitempty"`
	State *StateEvent `cbor:"6,keyasint,omitempty"`
	Error *ErrorEvent `cbor:"7,keyasint,omitempty"`
}

// FrameEvent records one frame on the wire.
type FrameEvent struct {
	// Size is the full frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the frame prefix, truncated at MaxFrameCapture.
	Data []byte `cbor:"2,keyasint"`

	// Truncated is set when Data does not hold the whole frame.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// StateEvent records a channel or session state transition.
type StateEvent struct {
	From string `cbor:"1,keyasint"`
	To   string `cbor:"2,keyasint"`
}

// ErrorEvent records a protocol-level error.
type ErrorEvent struct {
	Message string `cbor:"1,keyasint"`
}

// FrameCapture builds a frame event, truncating oversized frames.
func FrameCapture(duid string, channel ChannelKind, dir Direction, frame []byte) Event {
	data := frame
	truncated := false
	if len(frame) > MaxFrameCapture {
		data = frame[:MaxFrameCapture]
		truncated = true
	}
	return Event{
		Timestamp: time.Now(),
		DUID:      duid,
		Channel:   channel,
		Direction: dir,
		Frame:     &FrameEvent{Size: len(frame), Data: data, Truncated: truncated},
	}
}

// StateCapture builds a state-transition event.
func StateCapture(duid string, channel ChannelKind, from, to string) Event {
	return Event{
		Timestamp: time.Now(),
		DUID:      duid,
		Channel:   channel,
		State:     &StateEvent{From: from, To: to},
	}
}

// ErrorCapture builds an error event.
func ErrorCapture(duid string, channel ChannelKind, err error) Event {
	return Event{
		Timestamp: time.Now(),
		DUID:      duid,
		Channel:   channel,
		Error:     &ErrorEvent{Message: err.Error()},
	}
}
