package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robovac-protocol/robovac-go/pkg/config"
	"github.com/robovac-protocol/robovac-go/pkg/correlate"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

// fakeLink is a scriptable transport for selector and retry tests.
type fakeLink struct {
	label  string
	ready  bool
	usable bool

	mu      sync.Mutex
	sent    []*wire.Message
	sendErr error

	// respond, when set, is invoked with every sent message so the
	// test can inject the device's answer.
	respond func(*wire.Message)
}

func (l *fakeLink) Label() string { return l.label }

func (l *fakeLink) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *fakeLink) Usable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usable
}

func (l *fakeLink) Send(m *wire.Message) error {
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, m)
	respond := l.respond
	l.mu.Unlock()
	if respond != nil {
		go respond(m)
	}
	return nil
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) setHealth(ready, usable bool) {
	l.mu.Lock()
	l.ready = ready
	l.usable = usable
	l.mu.Unlock()
}

func testDevice() *identity.Device {
	return &identity.Device{DUID: "dev-1", LocalKey: "abcdef0123456789", Version: identity.VersionV1}
}

func testSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(testDevice(), config.Default(), Options{})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func b01Session(t *testing.T) *Session {
	t.Helper()
	device := &identity.Device{DUID: "dev-2", LocalKey: "abcdef0123456789", Version: identity.VersionB01}
	s, err := New(device, config.Default(), Options{})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func attach(s *Session, localL, cloudL link) {
	s.mu.Lock()
	s.localL = localL
	s.cloudL = cloudL
	s.mu.Unlock()
}

// --- transport selection tests ---

func TestSend_PrefersHealthyLocal(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	cloudL := &fakeLink{label: "cloud", ready: true, usable: true}
	attach(s, localL, cloudL)

	require.NoError(t, s.Send(&wire.Message{Type: wire.MsgRPCRequest, Seq: 1}))
	assert.Equal(t, 1, localL.sentCount())
	assert.Zero(t, cloudL.sentCount())
}

func TestSend_FailsOverToCloud(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local"}
	cloudL := &fakeLink{label: "cloud", ready: true, usable: true}
	attach(s, localL, cloudL)

	require.NoError(t, s.Send(&wire.Message{Type: wire.MsgRPCRequest, Seq: 1}))
	assert.Zero(t, localL.sentCount())
	assert.Equal(t, 1, cloudL.sentCount())
}

func TestSend_DegradedLocalIsLastResort(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: false, usable: true}

	// Degraded local loses to a healthy cloud channel.
	cloudL := &fakeLink{label: "cloud", ready: true, usable: true}
	attach(s, localL, cloudL)
	require.NoError(t, s.Send(&wire.Message{Type: wire.MsgRPCRequest, Seq: 1}))
	assert.Equal(t, 1, cloudL.sentCount())
	assert.Zero(t, localL.sentCount())

	// With the cloud down it still beats failing outright.
	cloudL.setHealth(false, false)
	require.NoError(t, s.Send(&wire.Message{Type: wire.MsgRPCRequest, Seq: 2}))
	assert.Equal(t, 1, localL.sentCount())
}

func TestSend_Unreachable(t *testing.T) {
	s := testSession(t)
	err := s.Send(&wire.Message{Type: wire.MsgRPCRequest, Seq: 1})
	assert.ErrorIs(t, err, ErrUnreachable)
}

// --- request/response tests ---

func TestCall_ResolvesOnResponse(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: []byte(`{"dps":{}}`)})
	}
	attach(s, localL, nil)

	resp, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest, Payload: []byte(`{"dps":{}}`)})
	require.NoError(t, err)
	assert.Equal(t, wire.MsgRPCResponse, resp.Type)
	assert.Zero(t, s.corr.Outstanding())
}

func TestCall_UnreachableUnregisters(t *testing.T) {
	s := testSession(t)
	_, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Zero(t, s.corr.Outstanding())
}

func TestCall_DuplicateResponseDropped(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		// Both channels answer the same request id during failover.
		resp := &wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: []byte(`{"dps":{}}`)}
		s.handleInbound(resp)
		s.handleInbound(resp)
	}
	attach(s, localL, nil)

	_, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest})
	require.NoError(t, err)

	// The duplicate must not surface as an unsolicited report.
	select {
	case m := <-s.Reports():
		t.Fatalf("duplicate response leaked as report: %v", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCall_ContextCancel(t *testing.T) {
	s := testSession(t)
	attach(s, &fakeLink{label: "local", ready: true, usable: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Call(ctx, &wire.Message{Type: wire.MsgRPCRequest})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.corr.Outstanding())
}

// --- retry and expiry tests ---

func TestSweep_RetriesThenTimesOut(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	attach(s, localL, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest, Payload: []byte(`{"dps":{}}`)})
		done <- err
	}()

	// Wait for the initial send.
	require.Eventually(t, func() bool { return localL.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	// First overdue sweep resends; attempts go 1 -> 2, 2 -> 3.
	future := time.Now().Add(time.Hour)
	s.sweep(future)
	assert.Equal(t, 2, localL.sentCount())
	s.sweep(future.Add(time.Hour))
	assert.Equal(t, 3, localL.sentCount())

	// MaxAttempts reached; the next overdue sweep fails the request.
	s.sweep(future.Add(2 * time.Hour))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, correlate.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("request never timed out")
	}
	assert.Equal(t, 3, localL.sentCount())
	assert.Zero(t, s.corr.Outstanding())
}

func TestSweep_LateResponseBeatsRetryDeadline(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	attach(s, localL, nil)

	done := make(chan *wire.Message, 1)
	go func() {
		resp, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest})
		require.NoError(t, err)
		done <- resp
	}()
	require.Eventually(t, func() bool { return localL.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	// One retry, then the response to the original id arrives.
	s.sweep(time.Now().Add(time.Hour))
	var seq uint32
	localL.mu.Lock()
	seq = localL.sent[0].Seq
	localL.mu.Unlock()
	s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: seq})

	select {
	case resp := <-done:
		assert.Equal(t, seq, resp.Seq)
	case <-time.After(time.Second):
		t.Fatal("response not delivered")
	}
}

func TestSweep_UnreachableFailsPending(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	attach(s, localL, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest})
		done <- err
	}()
	require.Eventually(t, func() bool { return localL.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	// Every channel disappears before the retry.
	attach(s, nil, nil)
	s.sweep(time.Now().Add(time.Hour))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnreachable)
	case <-time.After(time.Second):
		t.Fatal("request not failed")
	}
}

// --- reports tests ---

func TestReports_DeliversUnsolicited(t *testing.T) {
	s := testSession(t)
	s.handleInbound(&wire.Message{Type: wire.MsgReport, Seq: 9001, Payload: []byte(`{"dps":{"121":8}}`)})

	select {
	case msg := <-s.Reports():
		assert.Equal(t, wire.MsgReport, msg.Type)
		assert.Equal(t, uint32(9001), msg.Seq)
	case <-time.After(time.Second):
		t.Fatal("report not delivered")
	}
}

func TestReports_MapFrames(t *testing.T) {
	s := testSession(t)
	s.handleInbound(&wire.Message{Type: wire.MsgMapResponse, Seq: 1, Payload: []byte{0x01, 0x02}})

	select {
	case msg := <-s.Reports():
		assert.Equal(t, wire.MsgMapResponse, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("map frame not delivered")
	}
}

// --- rpc tests ---

func TestCallRPC_Result(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		// Echo the envelope id back with a result.
		dps, err := wire.DecodeDPS(m.Payload)
		require.NoError(t, err)
		var req wire.RPCRequest
		var body string
		require.NoError(t, json.Unmarshal(dps[wire.DPCommonRequest], &body))
		require.NoError(t, json.Unmarshal([]byte(body), &req))
		assert.Equal(t, int64(m.Seq), req.ID, "envelope id must match the frame request id")

		payload, err := wire.EncodeDPS(map[int]any{
			wire.DPCommonResponse: `{"id":` + jsonInt(req.ID) + `,"result":["ok"]}`,
		})
		require.NoError(t, err)
		s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: payload})
	}
	attach(s, localL, nil)

	result, err := s.CallRPC(context.Background(), "app_start", []int{})
	require.NoError(t, err)
	assert.JSONEq(t, `["ok"]`, string(result))
}

func TestCallRPC_DeviceError(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		payload, err := wire.EncodeDPS(map[int]any{
			wire.DPCommonResponse: `{"id":1,"error":{"code":-10000,"message":"unknown method"}}`,
		})
		require.NoError(t, err)
		s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: payload})
	}
	attach(s, localL, nil)

	_, err := s.CallRPC(context.Background(), "bogus", nil)
	var rpcErr *wire.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -10000, rpcErr.Code)
}

func TestCallRPC_B01Envelope(t *testing.T) {
	s := b01Session(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		dps, err := wire.DecodeDPS(m.Payload)
		require.NoError(t, err)
		env, ok := wire.DecodeB01(dps)
		require.True(t, ok, "request must carry a msgId envelope")
		assert.Equal(t, int64(m.Seq), env.MsgID, "envelope id must mirror the frame request id")
		assert.Equal(t, "get_status", env.Method)

		reply, err := json.Marshal(&wire.B01Envelope{MsgID: env.MsgID, Data: json.RawMessage(`{"battery":87}`)})
		require.NoError(t, err)
		payload, err := wire.EncodeDPS(map[int]any{wire.DPCommonResponse: string(reply)})
		require.NoError(t, err)
		s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: payload})
	}
	attach(s, localL, nil)

	result, err := s.CallRPC(context.Background(), "get_status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"battery":87}`, string(result))
}

func TestCallRPC_B01MismatchedEnvelope(t *testing.T) {
	s := b01Session(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		// An envelope answering some other request id must not be
		// trusted just because it rode in on the right frame.
		reply, err := json.Marshal(&wire.B01Envelope{MsgID: int64(m.Seq) + 1, Data: json.RawMessage(`{}`)})
		require.NoError(t, err)
		payload, err := wire.EncodeDPS(map[int]any{wire.DPCommonResponse: string(reply)})
		require.NoError(t, err)
		s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: payload})
	}
	attach(s, localL, nil)

	_, err := s.CallRPC(context.Background(), "get_status", nil)
	assert.ErrorIs(t, err, ErrEnvelopeMismatch)
}

func TestCallDPS_CommandRoundTrip(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local", ready: true, usable: true}
	localL.respond = func(m *wire.Message) {
		dps, err := wire.DecodeDPS(m.Payload)
		require.NoError(t, err)
		assert.JSONEq(t, `{"cmd":1}`, string(dps[201]))

		payload, err := wire.EncodeDPS(map[int]any{201: "ok"})
		require.NoError(t, err)
		s.handleInbound(&wire.Message{Type: wire.MsgRPCResponse, Seq: m.Seq, Payload: payload})
	}
	attach(s, localL, nil)

	resp, err := s.CallDPS(context.Background(), map[int]any{201: map[string]int{"cmd": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(resp[201]))
}

// --- state and lifecycle tests ---

func TestRecompute_States(t *testing.T) {
	s := testSession(t)
	localL := &fakeLink{label: "local"}
	cloudL := &fakeLink{label: "cloud"}
	attach(s, localL, cloudL)

	s.recompute()
	assert.Equal(t, StateConnecting, s.State())

	localL.setHealth(true, true)
	s.recompute()
	assert.Equal(t, StateReadyLocal, s.State())

	cloudL.setHealth(true, true)
	s.recompute()
	assert.Equal(t, StateReadyBoth, s.State())

	localL.setHealth(false, false)
	s.recompute()
	assert.Equal(t, StateReadyCloud, s.State())

	// Losing every channel after being ready is Reconnecting, not
	// Connecting.
	cloudL.setHealth(false, false)
	s.recompute()
	assert.Equal(t, StateReconnecting, s.State())
}

func TestClose_FailsPendingAndClosesReports(t *testing.T) {
	s, err := New(testDevice(), config.Default(), Options{})
	require.NoError(t, err)
	attach(s, &fakeLink{label: "local", ready: true, usable: true}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), &wire.Message{Type: wire.MsgRPCRequest})
		done <- err
	}()
	require.Eventually(t, func() bool { return s.corr.Outstanding() == 1 }, time.Second, 5*time.Millisecond)

	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, correlate.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on close")
	}

	_, open := <-s.Reports()
	assert.False(t, open, "reports stream must close with the session")
	assert.Equal(t, StateClosed, s.State())

	// Idempotent; sends after close are rejected.
	s.Close()
	assert.ErrorIs(t, s.Send(&wire.Message{Type: wire.MsgPingRequest}), correlate.ErrSessionClosed)
}

func TestNew_RejectsInvalidDevice(t *testing.T) {
	_, err := New(&identity.Device{DUID: "x"}, config.Default(), Options{})
	assert.Error(t, err)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
