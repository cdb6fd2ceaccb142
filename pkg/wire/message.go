package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/robovac-protocol/robovac-go/pkg/identity"
)

// Framing errors. ChecksumMismatch and LengthMismatch are recoverable at
// the codec boundary; a decrypt failure (crypt.ErrDecryptFailure) is
// channel-fatal and must surface to the session.
var (
	// ErrChecksumMismatch means the frame arrived corrupted. The frame
	// is dropped; the channel keeps running.
	ErrChecksumMismatch = errors.New("frame checksum mismatch")

	// ErrLengthMismatch means the buffer does not yet hold a complete
	// frame. Stream transports buffer and retry framing.
	ErrLengthMismatch = errors.New("incomplete frame")

	// ErrUnknownVersion means the frame's version tag is not a known
	// protocol generation. The frame is rejected; the channel continues.
	ErrUnknownVersion = errors.New("unknown protocol version")

	// ErrPayloadTooLarge means the payload exceeds the 16-bit length
	// field.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// MessageType identifies the role of a frame. The numeric values are
// fixed by the device firmware.
type MessageType uint16

const (
	MsgHelloRequest  MessageType = 0
	MsgHelloResponse MessageType = 1
	MsgPingRequest   MessageType = 2
	MsgPingResponse  MessageType = 3
	MsgRPCRequest    MessageType = 4
	MsgRPCResponse   MessageType = 5
	MsgReport        MessageType = 121
	MsgMapResponse   MessageType = 301
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgHelloRequest:
		return "HELLO_REQUEST"
	case MsgHelloResponse:
		return "HELLO_RESPONSE"
	case MsgPingRequest:
		return "PING_REQUEST"
	case MsgPingResponse:
		return "PING_RESPONSE"
	case MsgRPCRequest:
		return "RPC_REQUEST"
	case MsgRPCResponse:
		return "RPC_RESPONSE"
	case MsgReport:
		return "REPORT"
	case MsgMapResponse:
		return "MAP_RESPONSE"
	default:
		return fmt.Sprintf("MSG(%d)", uint16(t))
	}
}

// IsResponse reports whether frames of this type answer a pending
// request (as opposed to device-initiated pushes).
func (t MessageType) IsResponse() bool {
	switch t {
	case MsgHelloResponse, MsgPingResponse, MsgRPCResponse:
		return true
	}
	return false
}

// Message is the logical, decrypted unit carried by one frame.
type Message struct {
	// Type is the frame's message-type field.
	Type MessageType

	// Version is the protocol generation tag of a received frame.
	// Populated by Decode; Encode stamps the codec's own generation
	// and ignores this field.
	Version identity.ProtocolVersion

	// Seq is the request id correlating a command with its response.
	Seq uint32

	// Nonce is the random field. Hello frames use it to exchange the
	// handshake nonce pair; other frames may leave it zero.
	Nonce uint32

	// Timestamp is the sender's unix time in seconds. Zero means
	// "stamp at encode time".
	Timestamp uint32

	// Payload is the decrypted payload. Empty for hello requests and
	// pings; a hello response carries an encrypted body as key proof.
	Payload []byte
}

// stampedTimestamp returns the timestamp to put on the wire.
func (m *Message) stampedTimestamp() uint32 {
	if m.Timestamp != 0 {
		return m.Timestamp
	}
	return uint32(time.Now().Unix())
}
