package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robovac-protocol/robovac-go/pkg/cloud"
	"github.com/robovac-protocol/robovac-go/pkg/config"
	"github.com/robovac-protocol/robovac-go/pkg/correlate"
	"github.com/robovac-protocol/robovac-go/pkg/crypt"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
	"github.com/robovac-protocol/robovac-go/pkg/local"
	"github.com/robovac-protocol/robovac-go/pkg/protolog"
	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

// Session errors. Timeout and SessionClosed come from the correlate
// package; ErrUnreachable is the selector's own failure.
var (
	// ErrUnreachable means neither channel can carry the message right
	// now. Sends fail immediately rather than queuing.
	ErrUnreachable = errors.New("device unreachable")

	// ErrNoEnvelope means an RPC response frame carried no envelope on
	// the common data-point slot.
	ErrNoEnvelope = errors.New("response carries no rpc envelope")

	// ErrEnvelopeMismatch means a response envelope's inner id does not
	// match the request it arrived on.
	ErrEnvelopeMismatch = errors.New("rpc envelope id mismatch")

	// ErrManagerClosed is returned for session requests after the
	// manager shut down.
	ErrManagerClosed = errors.New("manager closed")
)

// State is the session connectivity state.
type State uint8

const (
	// StateUnattached means the session exists but has not attempted
	// any connection.
	StateUnattached State = iota

	// StateConnecting means the first connection attempts are running.
	StateConnecting

	// StateReadyLocal means only the local channel is usable.
	StateReadyLocal

	// StateReadyCloud means only the cloud channel is usable.
	StateReadyCloud

	// StateReadyBoth means both channels are usable.
	StateReadyBoth

	// StateReconnecting means a previously-ready session lost all
	// channels and is re-establishing them.
	StateReconnecting

	// StateClosed is terminal; all pending requests have been failed
	// with SessionClosed.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnattached:
		return "UNATTACHED"
	case StateConnecting:
		return "CONNECTING"
	case StateReadyLocal:
		return "READY_LOCAL"
	case StateReadyCloud:
		return "READY_CLOUD"
	case StateReadyBoth:
		return "READY_BOTH"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Ready reports whether at least one channel is usable.
func (s State) Ready() bool {
	switch s {
	case StateReadyLocal, StateReadyCloud, StateReadyBoth:
		return true
	}
	return false
}

// link abstracts one transport for the selector.
type link interface {
	// Label names the transport for correlation bookkeeping.
	Label() string

	// Ready reports whether the link is at full health and preferred.
	Ready() bool

	// Usable reports whether the link can still carry traffic.
	Usable() bool

	// Send writes one message.
	Send(*wire.Message) error
}

// localLink adapts a local channel.
type localLink struct {
	ch *local.Channel
}

func (l *localLink) Label() string              { return "local" }
func (l *localLink) Ready() bool                { return l.ch.Ready() }
func (l *localLink) Usable() bool               { return l.ch.Usable() }
func (l *localLink) Send(m *wire.Message) error { return l.ch.Send(m) }

// cloudLink adapts the shared cloud channel for one device.
type cloudLink struct {
	ch   *cloud.Channel
	duid string
}

func (l *cloudLink) Label() string              { return "cloud" }
func (l *cloudLink) Ready() bool                { return l.ch.IsConnected() }
func (l *cloudLink) Usable() bool               { return l.ch.IsConnected() }
func (l *cloudLink) Send(m *wire.Message) error { return l.ch.Publish(l.duid, m) }

// startAttemptTimeout bounds how long Start waits for the first local
// connection attempt before letting it continue in the background.
const startAttemptTimeout = 15 * time.Second

// reportBuffer is the capacity of the unsolicited-report stream.
const reportBuffer = 32

// Options configures a session.
type Options struct {
	// Cloud is the account's shared relay channel. Nil runs the
	// session local-only.
	Cloud *cloud.Channel

	Logger  zerolog.Logger
	Capture protolog.Logger

	// DialLocal overrides the local channel's TCP dialer. Tests use
	// this to substitute in-memory pipes.
	DialLocal func(ctx context.Context, addr string) (net.Conn, error)
}

// Session is the per-device composition of transport selector,
// correlator and crypto context.
type Session struct {
	device  *identity.Device
	cfg     config.Config
	logger  zerolog.Logger
	capture protolog.Logger

	crypto *crypt.Context
	codec  *wire.Codec
	corr   *correlate.Correlator

	cloudCh    *cloud.Channel
	cloudUnsub func()
	dialLocal  func(ctx context.Context, addr string) (net.Conn, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	localL        link
	cloudL        link
	localCh       *local.Channel
	localVersion  identity.ProtocolVersion
	retained      map[uint32]*wire.Message
	closed        bool
	reportsClosed bool
	everReady     bool

	reports chan *wire.Message
	backoff *backoff
}

// New creates a session for one device. No connection is attempted
// until Start.
func New(device *identity.Device, cfg config.Config, opts Options) (*Session, error) {
	if err := device.Validate(); err != nil {
		return nil, err
	}
	crypto, err := crypt.NewContext(device.LocalKey)
	if err != nil {
		return nil, err
	}
	codec, err := wire.NewCodec(crypto, device.Version)
	if err != nil {
		return nil, err
	}
	if opts.Capture == nil {
		opts.Capture = protolog.NoopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		device:       device,
		cfg:          cfg,
		logger:       opts.Logger.With().Str("duid", device.DUID).Logger(),
		capture:      opts.Capture,
		crypto:       crypto,
		codec:        codec,
		corr:         correlate.New(),
		cloudCh:      opts.Cloud,
		dialLocal:    opts.DialLocal,
		ctx:          ctx,
		cancel:       cancel,
		localVersion: device.Version,
		retained:     make(map[uint32]*wire.Message),
		reports:      make(chan *wire.Message, reportBuffer),
		backoff:      newBackoff(),
	}
	s.corr.OnUnsolicited(s.pushReport)
	return s, nil
}

// Device returns the session's device identity.
func (s *Session) Device() *identity.Device {
	return s.device
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reports returns the stream of unsolicited device messages: status
// pushes, map frames, anything matching no pending request. The stream
// is closed when the session closes. Slow consumers lose reports
// rather than stalling the channel I/O loops.
func (s *Session) Reports() <-chan *wire.Message {
	return s.reports
}

// Start attaches the session to its channels. The cloud registration
// is immediate; the local channel connects in the background with
// exponential backoff, and Start waits only briefly for the first
// attempt. Reaching a Ready state requires only one channel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return correlate.ErrSessionClosed
	}
	if s.state != StateUnattached {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("start from state %v", state)
	}
	s.mu.Unlock()
	s.setState(StateConnecting)

	if s.cloudCh != nil {
		unsub, err := s.cloudCh.Subscribe(s.device.DUID, s.codec, s.handleInbound, s.handleCloudFatal)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cloud subscribe failed")
		} else {
			s.mu.Lock()
			s.cloudUnsub = unsub
			s.cloudL = &cloudLink{ch: s.cloudCh, duid: s.device.DUID}
			s.mu.Unlock()
		}
	}

	firstAttempt := make(chan struct{})
	s.wg.Add(1)
	go s.localLoop(firstAttempt)

	select {
	case <-firstAttempt:
	case <-time.After(startAttemptTimeout):
		s.logger.Debug().Msg("first local attempt still running, continuing in background")
	case <-ctx.Done():
		return ctx.Err()
	}
	s.recompute()
	return nil
}

// localLoop establishes the local channel, retrying with backoff until
// it succeeds or the session closes. It returns once a channel is
// connected; channel death re-enters the loop via handleLocalFatal.
// The generation negotiated by the last successful hello is preferred
// on every subsequent attempt.
func (s *Session) localLoop(firstAttempt chan struct{}) {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		preferred := s.localVersion
		s.mu.Unlock()
		codec, cerr := wire.NewCodec(s.crypto, preferred)
		if cerr != nil {
			codec = s.codec
		}

		ch := local.NewChannel(s.device.DUID, codec, s.crypto, s.cfg.Local, local.Options{
			Logger:        s.logger,
			Capture:       s.capture,
			Dial:          s.dialLocal,
			OnMessage:     s.handleInbound,
			OnFatal:       s.handleLocalFatal,
			OnStateChange: func(from, to local.State) { s.recompute() },
		})

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.localCh = ch
		s.localL = &localLink{ch: ch}
		s.mu.Unlock()

		err := ch.Connect(s.ctx)
		if firstAttempt != nil {
			close(firstAttempt)
			firstAttempt = nil
		}
		if err == nil {
			s.mu.Lock()
			s.localVersion = ch.Version()
			s.mu.Unlock()
			s.backoff.Reset()
			s.recompute()
			return
		}

		s.recompute()
		delay := s.backoff.Next()
		s.logger.Info().Err(err).Dur("retry_in", delay).Msg("local connect failed")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// handleLocalFatal reacts to the death of a connected local channel:
// the session drops to the surviving channel (or Reconnecting) and
// local re-discovery starts over in the background.
func (s *Session) handleLocalFatal(err error) {
	s.logger.Warn().Err(err).Msg("local channel lost")
	s.capture.Log(protolog.ErrorCapture(s.device.DUID, protolog.ChannelLocal, err))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.localCh = nil
	s.localL = nil
	s.wg.Add(1)
	s.mu.Unlock()

	s.recompute()
	go s.localLoop(nil)
}

// handleCloudFatal reacts to persistent decrypt failures on the cloud
// topic, which indicate stale key material. There is nothing to retry;
// the failure is surfaced and the local channel carries on.
func (s *Session) handleCloudFatal(err error) {
	s.logger.Error().Err(err).Msg("cloud channel unusable for this device")
	s.capture.Log(protolog.ErrorCapture(s.device.DUID, protolog.ChannelCloud, err))
}

// onCloudConnectivity is invoked by the manager when the shared broker
// connection comes or goes.
func (s *Session) onCloudConnectivity(up bool) {
	s.recompute()
}

// handleInbound routes one decoded message from either channel into
// the correlator. Which channel delivered it is deliberately ignored:
// a request sent locally may be answered through the cloud during
// failover, and duplicates are absorbed by the single-resolution guard.
func (s *Session) handleInbound(msg *wire.Message) {
	s.corr.Dispatch(msg)
}

// pushReport delivers an unsolicited message to the reports stream.
func (s *Session) pushReport(msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportsClosed {
		return
	}
	select {
	case s.reports <- msg:
	default:
		s.logger.Warn().Uint32("seq", msg.Seq).Stringer("type", msg.Type).Msg("report dropped, consumer too slow")
	}
}

// pickLink selects the transport for one outgoing message: local when
// Connected, else cloud, else a degraded local channel as last resort.
func (s *Session) pickLink() link {
	s.mu.Lock()
	localL, cloudL := s.localL, s.cloudL
	s.mu.Unlock()

	if localL != nil && localL.Ready() {
		return localL
	}
	if cloudL != nil && cloudL.Usable() {
		return cloudL
	}
	if localL != nil && localL.Usable() {
		return localL
	}
	return nil
}

// Send writes one message without registering any pending request.
// Used for fire-and-forget data-point writes.
func (s *Session) Send(msg *wire.Message) error {
	_, err := s.send(msg)
	return err
}

func (s *Session) send(msg *wire.Message) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", correlate.ErrSessionClosed
	}

	l := s.pickLink()
	if l == nil {
		return "", ErrUnreachable
	}
	if err := l.Send(msg); err != nil {
		return l.Label(), fmt.Errorf("send on %s: %w", l.Label(), err)
	}
	return l.Label(), nil
}

// Call sends a request frame and waits for the response with the same
// request id. msg.Seq must be zero; the session assigns the id.
// The wait ends with the response, a terminal failure (Timeout,
// Unreachable, SessionClosed), or ctx cancellation, whichever comes
// first. Cancellation unregisters the pending request so a late
// response cannot leak.
func (s *Session) Call(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if msg.Seq == 0 {
		msg.Seq = s.corr.NextID()
	}
	return s.call(ctx, msg)
}

func (s *Session) call(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	deadline := time.Now().Add(s.cfg.Request.Timeout)
	p, err := s.corr.Register(msg.Seq, deadline)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.retained[msg.Seq] = msg
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.retained, msg.Seq)
		s.mu.Unlock()
	}()

	label, err := s.send(msg)
	if err != nil {
		s.corr.Unregister(msg.Seq)
		return nil, err
	}
	p.MarkSent(label, deadline)

	return s.corr.Await(ctx, p)
}

// CallDPS sends a data-point write and returns the data points of the
// response.
func (s *Session) CallDPS(ctx context.Context, dps map[int]any) (map[int]json.RawMessage, error) {
	payload, err := wire.EncodeDPS(dps)
	if err != nil {
		return nil, err
	}
	resp, err := s.Call(ctx, &wire.Message{Type: wire.MsgRPCRequest, Payload: payload})
	if err != nil {
		return nil, err
	}
	return wire.DecodeDPS(resp.Payload)
}

// CallRPC sends a method invocation through the common-DP wrapper and
// returns the decoded result. RPC errors from the device come back as
// *wire.RPCError. B01 devices speak the msgId envelope dialect instead
// of the id/method/params one.
func (s *Session) CallRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.codec.Version() == identity.VersionB01 {
		return s.callB01(ctx, method, params)
	}

	id := s.corr.NextID()
	dps, err := wire.EncodeRPC(&wire.RPCRequest{ID: int64(id), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	payload, err := wire.EncodeDPS(dps)
	if err != nil {
		return nil, err
	}

	resp, err := s.call(ctx, &wire.Message{Type: wire.MsgRPCRequest, Seq: id, Payload: payload})
	if err != nil {
		return nil, err
	}

	respDPS, err := wire.DecodeDPS(resp.Payload)
	if err != nil {
		return nil, err
	}
	envelope, ok, err := wire.DecodeRPC(respDPS)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoEnvelope
	}
	if envelope.Err != nil {
		return nil, envelope.Err
	}
	return envelope.Result, nil
}

// callB01 carries one method invocation in the msgId envelope. The inner
// id mirrors the frame's request id, and a response whose envelope
// answers a different id is rejected rather than trusted.
func (s *Session) callB01(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.corr.NextID()
	var data json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal rpc params: %w", err)
		}
		data = raw
	}
	dps, err := wire.EncodeB01(&wire.B01Envelope{MsgID: int64(id), Method: method, Data: data})
	if err != nil {
		return nil, err
	}
	payload, err := wire.EncodeDPS(dps)
	if err != nil {
		return nil, err
	}

	resp, err := s.call(ctx, &wire.Message{Type: wire.MsgRPCRequest, Seq: id, Payload: payload})
	if err != nil {
		return nil, err
	}

	respDPS, err := wire.DecodeDPS(resp.Payload)
	if err != nil {
		return nil, err
	}
	env, ok := wire.DecodeB01(respDPS)
	if !ok {
		return nil, ErrNoEnvelope
	}
	if env.MsgID != int64(id) {
		return nil, fmt.Errorf("%w: envelope %d answers frame %d", ErrEnvelopeMismatch, env.MsgID, id)
	}
	return env.Data, nil
}

// SendDPS writes data points without waiting for any response.
func (s *Session) SendDPS(dps map[int]any) error {
	payload, err := wire.EncodeDPS(dps)
	if err != nil {
		return err
	}
	return s.Send(&wire.Message{Type: wire.MsgRPCRequest, Seq: s.corr.NextID(), Payload: payload})
}

// sweep retries or expires overdue requests. Called by the manager on
// its sweep cadence.
func (s *Session) sweep(now time.Time) {
	for _, p := range s.corr.ExpireOverdue(now) {
		id := p.ID()
		if p.Attempts() >= s.cfg.Request.MaxAttempts {
			s.corr.Fail(id, correlate.ErrTimeout)
			continue
		}

		s.mu.Lock()
		msg := s.retained[id]
		s.mu.Unlock()
		if msg == nil {
			// Nothing left to resend; the caller is already gone.
			s.corr.Fail(id, correlate.ErrTimeout)
			continue
		}

		// Resending the same request id is safe even if an earlier
		// attempt is still in flight: only the first resolution counts.
		label, err := s.send(msg)
		if err != nil {
			s.corr.Fail(id, err)
			continue
		}
		p.MarkSent(label, now.Add(s.cfg.Request.Timeout))
		s.logger.Debug().Uint32("seq", id).Str("channel", label).Int("attempt", p.Attempts()).Msg("request retried")
	}
}

// recompute derives the session state from channel health.
func (s *Session) recompute() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	localUp := s.localL != nil && s.localL.Usable()
	cloudUp := s.cloudL != nil && s.cloudL.Usable()

	var next State
	switch {
	case localUp && cloudUp:
		next = StateReadyBoth
	case localUp:
		next = StateReadyLocal
	case cloudUp:
		next = StateReadyCloud
	case s.everReady:
		next = StateReconnecting
	default:
		next = StateConnecting
	}
	if next.Ready() {
		s.everReady = true
	}
	s.mu.Unlock()
	s.setState(next)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || prev == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.logger.Info().Stringer("from", prev).Stringer("to", next).Msg("session state")
}

// Close tears the session down: every pending request fails with
// SessionClosed, both channel loops stop, and the reports stream is
// closed. Close is idempotent and the session is not reusable.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	lc := s.localCh
	unsub := s.cloudUnsub
	s.localCh = nil
	s.localL = nil
	s.cloudL = nil
	s.mu.Unlock()

	s.cancel()
	s.corr.Close(correlate.ErrSessionClosed)
	if lc != nil {
		lc.Close()
	}
	if unsub != nil {
		unsub()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.reportsClosed = true
	close(s.reports)
	s.mu.Unlock()
	s.logger.Info().Msg("session closed")
}
