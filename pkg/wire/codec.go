package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/robovac-protocol/robovac-go/pkg/crypt"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
)

// Frame geometry.
const (
	versionSize  = 3
	headerSize   = versionSize + 4 + 4 + 4 + 2 + 2 // 19
	checksumSize = 4

	// MaxPayloadSize is the largest payload one frame can carry,
	// bounded by the 16-bit length field.
	MaxPayloadSize = 0xFFFF
)

// header field offsets.
const (
	offSeq       = versionSize
	offNonce     = offSeq + 4
	offTimestamp = offNonce + 4
	offType      = offTimestamp + 4
	offLength    = offType + 2
)

// Codec encodes and decodes frames for one device. It is stateless
// apart from the crypto context it borrows, so a single Codec may be
// shared by both channels of a session.
type Codec struct {
	ctx     *crypt.Context
	version identity.ProtocolVersion
}

// NewCodec creates a codec bound to a device's crypto context and
// negotiated protocol generation.
func NewCodec(ctx *crypt.Context, version identity.ProtocolVersion) (*Codec, error) {
	if !version.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	return &Codec{ctx: ctx, version: version}, nil
}

// Version returns the protocol generation the codec encodes with.
func (c *Codec) Version() identity.ProtocolVersion {
	return c.version
}

// Encode serializes and encrypts a logical message into one frame.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	var ciphertext []byte
	if len(msg.Payload) > 0 {
		var err error
		ciphertext, err = c.ctx.Encrypt(msg.Payload, c.version, msg.Seq)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
	}
	if len(ciphertext) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(ciphertext))
	}

	frame := make([]byte, headerSize+len(ciphertext)+checksumSize)
	copy(frame[:versionSize], c.version)
	binary.BigEndian.PutUint32(frame[offSeq:], msg.Seq)
	binary.BigEndian.PutUint32(frame[offNonce:], msg.Nonce)
	binary.BigEndian.PutUint32(frame[offTimestamp:], msg.stampedTimestamp())
	binary.BigEndian.PutUint16(frame[offType:], uint16(msg.Type))
	binary.BigEndian.PutUint16(frame[offLength:], uint16(len(ciphertext)))
	copy(frame[headerSize:], ciphertext)

	sum := crc32.ChecksumIEEE(frame[:headerSize+len(ciphertext)])
	binary.BigEndian.PutUint32(frame[headerSize+len(ciphertext):], sum)
	return frame, nil
}

// Decode parses one frame from the front of buf. It returns the decoded
// message and the number of bytes consumed.
//
// Error contract:
//   - ErrLengthMismatch: buf does not hold a complete frame yet;
//     consumed is 0 and the caller should wait for more bytes.
//   - ErrChecksumMismatch, ErrUnknownVersion: the frame is damaged or
//     foreign; consumed covers the bad frame so the caller can skip it.
//   - crypt.ErrDecryptFailure: checksum was valid but the payload did
//     not decrypt; the local key is wrong and the channel must surface
//     the failure to the session.
func (c *Codec) Decode(buf []byte) (*Message, int, error) {
	if len(buf) < headerSize {
		return nil, 0, ErrLengthMismatch
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[offLength:]))
	total := headerSize + payloadLen + checksumSize
	if len(buf) < total {
		return nil, 0, ErrLengthMismatch
	}

	want := binary.BigEndian.Uint32(buf[headerSize+payloadLen:])
	got := crc32.ChecksumIEEE(buf[:headerSize+payloadLen])
	if want != got {
		return nil, total, fmt.Errorf("%w: got %08x want %08x", ErrChecksumMismatch, got, want)
	}

	version := identity.ProtocolVersion(buf[:versionSize])
	if !version.Valid() {
		return nil, total, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}

	msg := &Message{
		Version:   version,
		Seq:       binary.BigEndian.Uint32(buf[offSeq:]),
		Nonce:     binary.BigEndian.Uint32(buf[offNonce:]),
		Timestamp: binary.BigEndian.Uint32(buf[offTimestamp:]),
		Type:      MessageType(binary.BigEndian.Uint16(buf[offType:])),
	}
	if payloadLen > 0 {
		ciphertext := buf[headerSize : headerSize+payloadLen]
		var plain []byte
		var err error
		if msg.Type == MsgHelloResponse {
			// The hello reply lands before the ack nonce is recorded;
			// its plaintext nonce field completes the IV pair.
			plain, err = c.ctx.DecryptHello(ciphertext, version, msg.Seq, msg.Nonce)
		} else {
			plain, err = c.ctx.Decrypt(ciphertext, version, msg.Seq)
		}
		if err != nil {
			return nil, total, err
		}
		msg.Payload = plain
	}
	return msg, total, nil
}

// FrameSize returns the total on-wire size of a frame carrying a
// ciphertext payload of the given length.
func FrameSize(ciphertextLen int) int {
	return headerSize + ciphertextLen + checksumSize
}
