package local

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

// Discovery errors.
var (
	// ErrDiscoveryFailed means no probe response arrived within the
	// discovery timeout. The local channel is unavailable for now; the
	// cloud channel is unaffected.
	ErrDiscoveryFailed = errors.New("device discovery failed")
)

// probeReadInterval bounds each socket read so cancellation is noticed
// promptly while waiting out the discovery window.
const probeReadInterval = 250 * time.Millisecond

// Discover broadcasts a probe on the LAN and returns the address of the
// device whose response proves knowledge of our local key. Responses
// from other devices are skipped.
func (c *Channel) Discover(ctx context.Context) (*net.UDPAddr, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	probe, err := codec.Encode(&wire.Message{
		Type:  wire.MsgHelloRequest,
		Seq:   1,
		Nonce: c.connectNonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encode discovery probe: %w", err)
	}

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: c.cfg.DiscoveryPort}
	if _, err := conn.WriteTo(probe, bcast); err != nil {
		return nil, fmt.Errorf("send discovery probe: %w", err)
	}

	deadline := time.Now().Add(c.cfg.DiscoveryTimeout)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(probeReadInterval))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, fmt.Errorf("read discovery response: %w", err)
		}

		if !probeReply(codec, buf[:n]) {
			// Foreign device or noise on the discovery port.
			continue
		}
		addr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		c.logger.Debug().Str("duid", c.duid).Stringer("addr", addr).Msg("device discovered")
		return addr, nil
	}
	return nil, fmt.Errorf("%w: no response within %v", ErrDiscoveryFailed, c.cfg.DiscoveryTimeout)
}

// probeReply reports whether one discovery datagram is our device's
// hello reply. An empty-bodied reply is rejected: any listener can echo
// a well-formed frame, but only a holder of the local key can produce a
// body that decrypts.
func probeReply(codec *wire.Codec, datagram []byte) bool {
	msg, _, err := codec.Decode(datagram)
	return err == nil && msg.Type == wire.MsgHelloResponse && len(msg.Payload) > 0
}
