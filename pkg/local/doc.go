// Package local implements the LAN channel to a vacuum: UDP broadcast
// discovery, a key-verifying hello handshake, and a persistent command
// socket with keep-alive probing.
//
// Channel lifecycle:
//
//	Discovering → HandshakeVerifying → Connected → Degraded → Closed
//
// Discovery broadcasts a probe and waits for a response that decrypts
// with the device's local key; every other device on the network fails
// decryption and is ignored. The handshake exchanges the nonce pair the
// L01 cipher derives its per-message IV from, and doubles as key
// verification: a device that cannot decrypt our hello never answers
// with a valid frame, so a wrong local key keeps the channel from ever
// being promoted to Connected.
//
// Once connected, missed keep-alives demote the channel to Degraded,
// which deprioritizes it in transport selection; a further grace period
// without traffic closes it entirely until re-discovery succeeds.
package local
