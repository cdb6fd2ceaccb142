// Package wire implements the versioned binary framing exchanged with
// vacuum devices over both the local and cloud transports.
//
// The frame layout is shared by every protocol generation:
//
//	┌─────────────────────────────────────┐
//	│  Version tag (3 bytes ASCII)        │
//	│  Request id (4 bytes BE)            │
//	│  Nonce      (4 bytes BE)            │
//	│  Timestamp  (4 bytes BE)            │
//	│  Msg type   (2 bytes BE)            │
//	│  Payload length (2 bytes BE)        │
//	├─────────────────────────────────────┤
//	│  Encrypted payload                  │
//	├─────────────────────────────────────┤
//	│  CRC32 over header ∥ ciphertext     │
//	└─────────────────────────────────────┘
//
// Only the payload is encrypted; the header carries enough information
// to locate and validate the checksum before any decryption is
// attempted. Generations differ in the cipher mode the payload uses,
// which is the crypt package's concern.
//
// Encode and Decode are pure: no I/O, no connection state. The
// StreamDecoder adds the byte-buffering needed on a stream transport
// where frames may arrive split or coalesced.
package wire
