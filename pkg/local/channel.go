package local

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robovac-protocol/robovac-go/pkg/config"
	"github.com/robovac-protocol/robovac-go/pkg/crypt"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
	"github.com/robovac-protocol/robovac-go/pkg/protolog"
	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

// Channel errors.
var (
	// ErrHandshakeRejected means the device did not prove knowledge of
	// the expected local key. The channel is unusable and is never
	// promoted to Connected.
	ErrHandshakeRejected = errors.New("local handshake rejected")

	// ErrNotConnected means a send was attempted while the channel has
	// no usable socket.
	ErrNotConnected = errors.New("local channel not connected")

	// ErrChannelClosed means the channel reached its terminal state.
	ErrChannelClosed = errors.New("local channel closed")

	// ErrConnectionLost reports an I/O failure on the command socket.
	ErrConnectionLost = errors.New("local connection lost")
)

// State is the local channel connectivity state.
type State uint8

const (
	// StateDiscovering means the device address is not yet known.
	StateDiscovering State = iota

	// StateHandshakeVerifying means the command socket is open but the
	// key-verifying hello has not completed.
	StateHandshakeVerifying

	// StateConnected means the channel is live and preferred for
	// outgoing commands.
	StateConnected

	// StateDegraded means keep-alives are being missed; the channel is
	// deprioritized but still usable.
	StateDegraded

	// StateClosed is terminal for this channel instance. Re-discovery
	// creates a fresh channel.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "DISCOVERING"
	case StateHandshakeVerifying:
		return "HANDSHAKE_VERIFYING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	writeTimeout   = 2 * time.Second
	readBufferSize = 8192
)

// Options configures a channel beyond its identity and codec.
type Options struct {
	// Logger receives structured channel logs.
	Logger zerolog.Logger

	// Capture receives protocol events for offline diagnostics.
	// Nil disables capture.
	Capture protolog.Logger

	// Dial overrides the TCP dialer. Tests use this to substitute
	// in-memory pipes.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	// OnMessage receives every decoded inbound message except
	// keep-alive and handshake traffic, which the channel consumes.
	OnMessage func(*wire.Message)

	// OnFatal is invoked once when the channel dies: decrypt failure,
	// socket loss, or keep-alive exhaustion.
	OnFatal func(error)

	// OnStateChange observes channel state transitions.
	OnStateChange func(from, to State)
}

// Channel is a single-use LAN connection to one device. A closed
// channel is not reusable; the session creates a new one when local
// re-discovery succeeds.
type Channel struct {
	duid   string
	crypto *crypt.Context
	cfg    config.LocalConfig
	opts   Options
	logger zerolog.Logger

	connectNonce uint32
	versions     []identity.ProtocolVersion

	mu           sync.Mutex
	codec        *wire.Codec
	state        State
	conn         net.Conn
	addr         *net.UDPAddr
	lastActivity time.Time
	missedPings  int
	degradedAt   time.Time
	fatalSent    bool
	pingSeq      uint32

	decoder *wire.StreamDecoder
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewChannel creates a local channel for one device. The channel starts
// in StateDiscovering; Connect drives it to StateConnected. The codec's
// generation is tried first during hello negotiation.
func NewChannel(duid string, codec *wire.Codec, crypto *crypt.Context, cfg config.LocalConfig, opts Options) *Channel {
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if opts.Capture == nil {
		opts.Capture = protolog.NoopLogger{}
	}
	c := &Channel{
		duid:         duid,
		codec:        codec,
		crypto:       crypto,
		cfg:          cfg,
		opts:         opts,
		logger:       opts.Logger.With().Str("channel", "local").Str("duid", duid).Logger(),
		connectNonce: uint32(rand.Intn(22767) + 10000),
		versions:     attemptVersions(codec.Version()),
		decoder:      wire.NewStreamDecoder(codec),
		stopCh:       make(chan struct{}),
	}
	// The connect nonce must be in the crypto context before any reply
	// arrives: the hello reply's IV derivation already uses it.
	crypto.SetNonces(c.connectNonce, 0)
	return c
}

// attemptVersions orders the hello negotiation candidates, preferred
// generation first. B01 devices sit outside the v1/L01 hello family and
// get no fallback.
func attemptVersions(preferred identity.ProtocolVersion) []identity.ProtocolVersion {
	switch preferred {
	case identity.VersionB01:
		return []identity.ProtocolVersion{identity.VersionB01}
	case identity.VersionL01:
		return []identity.ProtocolVersion{identity.VersionL01, identity.VersionV1}
	default:
		return []identity.ProtocolVersion{identity.VersionV1, identity.VersionL01}
	}
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the channel is the preferred transport.
func (c *Channel) Ready() bool {
	return c.State() == StateConnected
}

// Usable reports whether the channel can still carry traffic, even if
// deprioritized.
func (c *Channel) Usable() bool {
	s := c.State()
	return s == StateConnected || s == StateDegraded
}

// Addr returns the discovered device address, or nil before discovery.
func (c *Channel) Addr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// SetAddr seeds a known device address, skipping the discovery round.
func (c *Channel) SetAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
}

// Connect discovers the device if needed, opens the command socket,
// and runs the key-verifying handshake. On success the channel is
// Connected with its read and keep-alive loops running.
func (c *Channel) Connect(ctx context.Context) error {
	if s := c.State(); s != StateDiscovering {
		return fmt.Errorf("connect from state %v: %w", s, ErrChannelClosed)
	}

	addr := c.Addr()
	if addr == nil {
		found, err := c.Discover(ctx)
		if err != nil {
			c.setState(StateClosed)
			return err
		}
		c.SetAddr(found)
		addr = found
	}

	target := net.JoinHostPort(addr.IP.String(), fmt.Sprintf("%d", c.cfg.CommandPort))
	conn, err := c.opts.Dial(ctx, target)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("dial %s: %w", target, err)
	}

	c.setState(StateHandshakeVerifying)
	if err := c.handshake(conn); err != nil {
		conn.Close()
		c.setState(StateClosed)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastActivity = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.keepAliveLoop()
	return nil
}

// handshake negotiates the protocol generation: each candidate gets one
// hello, and a device only answers the generation it speaks. Silence
// moves on to the next candidate; an answer that fails key verification
// rejects the handshake outright.
func (c *Channel) handshake(conn net.Conn) error {
	for _, version := range c.versions {
		ok, err := c.hello(conn, version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		c.logger.Debug().Str("version", string(version)).Msg("no hello reply for generation")
	}
	return fmt.Errorf("%w: no known protocol generation answered", ErrHandshakeRejected)
}

// hello sends one version's hello and verifies the device's reply. The
// reply must carry an encrypted payload to prove the device holds the
// same local key; its nonce completes the IV derivation pair.
func (c *Channel) hello(conn net.Conn, version identity.ProtocolVersion) (bool, error) {
	codec := c.codec
	if version != codec.Version() {
		var err error
		codec, err = wire.NewCodec(c.crypto, version)
		if err != nil {
			return false, err
		}
	}
	decoder := wire.NewStreamDecoder(codec)

	hello, err := codec.Encode(&wire.Message{
		Type:  wire.MsgHelloRequest,
		Seq:   1,
		Nonce: c.connectNonce,
	})
	if err != nil {
		return false, fmt.Errorf("encode hello: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(hello); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}
	c.opts.Capture.Log(protolog.FrameCapture(c.duid, protolog.ChannelLocal, protolog.DirectionOut, hello))

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// The device does not speak this generation.
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		msgs, errs := decoder.Push(buf[:n])
		for _, derr := range errs {
			if errors.Is(derr, crypt.ErrDecryptFailure) {
				return false, fmt.Errorf("%w: %v", ErrHandshakeRejected, derr)
			}
		}
		for _, msg := range msgs {
			if msg.Type != wire.MsgHelloResponse || msg.Version != version {
				continue
			}
			if len(msg.Payload) == 0 || msg.Nonce == 0 {
				// A device that cannot decrypt our hello cannot echo
				// an encrypted body.
				return false, fmt.Errorf("%w: reply carries no key proof", ErrHandshakeRejected)
			}
			c.crypto.SetNonces(c.connectNonce, msg.Nonce)
			c.mu.Lock()
			c.codec = codec
			c.decoder = decoder
			c.mu.Unlock()
			c.logger.Debug().Str("version", string(version)).Uint32("ack_nonce", msg.Nonce).Msg("handshake verified")
			return true, nil
		}
	}
}

// Version returns the protocol generation in effect, which may differ
// from the preferred one after hello negotiation.
func (c *Channel) Version() identity.ProtocolVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.Version()
}

// Send encodes and writes one message on the command socket.
func (c *Channel) Send(msg *wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	codec := c.codec
	c.mu.Unlock()

	if state == StateClosed {
		return ErrChannelClosed
	}
	if conn == nil || (state != StateConnected && state != StateDegraded) {
		return ErrNotConnected
	}

	frame, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.opts.Capture.Log(protolog.FrameCapture(c.duid, protolog.ChannelLocal, protolog.DirectionOut, frame))
	return nil
}

// Close moves the channel to its terminal state and releases the
// socket. Safe to call more than once.
func (c *Channel) Close() {
	c.shutdown(nil)
}

func (c *Channel) shutdown(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	notify := cause != nil && !c.fatalSent
	if notify {
		c.fatalSent = true
	}
	c.mu.Unlock()

	c.setState(StateClosed)
	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	if notify && c.opts.OnFatal != nil {
		c.opts.OnFatal(cause)
	}
}

func (c *Channel) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("channel state")
	c.opts.Capture.Log(protolog.StateCapture(c.duid, protolog.ChannelLocal, from.String(), to.String()))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

// readLoop drains the command socket, decoding frames and routing
// messages. Keep-alive and handshake traffic is consumed here; all
// other messages go to the OnMessage observer.
func (c *Channel) readLoop(conn net.Conn) {
	defer c.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		msgs, errs := c.decoder.Push(buf[:n])
		for _, derr := range errs {
			if errors.Is(derr, crypt.ErrDecryptFailure) {
				// Key mismatch is channel-fatal.
				c.opts.Capture.Log(protolog.ErrorCapture(c.duid, protolog.ChannelLocal, derr))
				c.shutdown(derr)
				return
			}
			// Corrupt or foreign frames are dropped; the channel
			// keeps running.
			c.logger.Debug().Err(derr).Msg("dropped frame")
			c.opts.Capture.Log(protolog.ErrorCapture(c.duid, protolog.ChannelLocal, derr))
		}

		if len(msgs) > 0 {
			c.touch()
		}
		for _, msg := range msgs {
			switch msg.Type {
			case wire.MsgPingResponse, wire.MsgHelloResponse:
				// Liveness traffic; already counted by touch.
			default:
				if c.opts.OnMessage != nil {
					c.opts.OnMessage(msg)
				}
			}
		}
	}
}

// touch records inbound activity and recovers a degraded channel.
func (c *Channel) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.missedPings = 0
	recovered := c.state == StateDegraded
	c.mu.Unlock()
	if recovered {
		c.setState(StateConnected)
	}
}

// keepAliveLoop probes the device on a fixed cadence and demotes the
// channel when probes go unanswered.
func (c *Channel) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		idle := time.Since(c.lastActivity)
		if idle > c.cfg.KeepAliveInterval {
			c.missedPings++
		}
		missed := c.missedPings
		state := c.state
		degradedFor := time.Duration(0)
		if state == StateDegraded {
			degradedFor = time.Since(c.degradedAt)
		}
		c.pingSeq++
		seq := c.pingSeq
		c.mu.Unlock()

		if state == StateConnected && missed >= c.cfg.MaxMissedKeepAlives {
			c.mu.Lock()
			c.degradedAt = time.Now()
			c.mu.Unlock()
			c.setState(StateDegraded)
		} else if state == StateDegraded && degradedFor > c.cfg.DegradedGrace {
			c.shutdown(fmt.Errorf("%w: %d keep-alives missed", ErrConnectionLost, missed))
			return
		}

		ping := &wire.Message{Type: wire.MsgPingRequest, Seq: seq}
		if err := c.Send(ping); err != nil {
			c.logger.Debug().Err(err).Msg("keep-alive send failed")
		}
	}
}
