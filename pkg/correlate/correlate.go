// Package correlate tracks outstanding requests by request id and
// matches incoming responses to them. It has no transport knowledge:
// channels hand every decoded message to Dispatch and the correlator
// decides whether it resolves a pending request or is an unsolicited
// device push.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

// Correlation errors.
var (
	ErrTimeout       = errors.New("request timed out")
	ErrSessionClosed = errors.New("session closed")
	ErrDuplicateID   = errors.New("request id already pending")
	ErrCanceled      = errors.New("request canceled")
)

// RequestIDModulus bounds the request id counter. Ids wrap at this
// modulus; an id is never reused while its pending request is
// outstanding.
const RequestIDModulus = 1 << 15

// Result is the terminal outcome of a pending request. Exactly one of
// Msg and Err is set.
type Result struct {
	Msg *wire.Message
	Err error
}

// Pending is one in-flight request. It resolves exactly once: by
// success, failure, or cancellation.
type Pending struct {
	id   uint32
	done chan Result

	mu       sync.Mutex
	deadline time.Time
	attempts int
	lastSent string
}

// ID returns the request id.
func (p *Pending) ID() uint32 { return p.id }

// Done returns the channel the terminal result arrives on.
func (p *Pending) Done() <-chan Result { return p.done }

// Attempts returns how many times the request has been sent.
func (p *Pending) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Deadline returns the current per-attempt deadline.
func (p *Pending) Deadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline
}

// LastSentOn returns the label of the channel the request was last
// written to.
func (p *Pending) LastSentOn() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSent
}

// MarkSent records a send attempt and pushes the deadline out.
func (p *Pending) MarkSent(channel string, deadline time.Time) {
	p.mu.Lock()
	p.attempts++
	p.lastSent = channel
	p.deadline = deadline
	p.mu.Unlock()
}

// Correlator owns the pending-request table for one device session.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint32]*Pending
	nextID  uint32
	closed  bool

	unsolicited func(*wire.Message)
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[uint32]*Pending)}
}

// OnUnsolicited sets the observer for device-initiated messages that
// match no pending request. Must be set before the channels start
// delivering messages.
func (c *Correlator) OnUnsolicited(fn func(*wire.Message)) {
	c.mu.Lock()
	c.unsolicited = fn
	c.mu.Unlock()
}

// NextID returns the next request id. Ids increase monotonically, wrap
// at RequestIDModulus, skip zero, and skip any id still outstanding.
func (c *Correlator) NextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextID = (c.nextID + 1) % RequestIDModulus
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

// Register creates the pending request for a caller-issued command.
func (c *Correlator) Register(id uint32, deadline time.Time) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrSessionClosed
	}
	if _, busy := c.pending[id]; busy {
		return nil, ErrDuplicateID
	}
	p := &Pending{id: id, done: make(chan Result, 1), deadline: deadline}
	c.pending[id] = p
	return p, nil
}

// Resolve completes the pending request with a response message.
// Returns false if no request with that id is outstanding; a second
// resolution for an already-resolved id is a no-op.
func (c *Correlator) Resolve(id uint32, msg *wire.Message) bool {
	return c.finish(id, Result{Msg: msg})
}

// Fail completes the pending request with an error.
func (c *Correlator) Fail(id uint32, err error) bool {
	return c.finish(id, Result{Err: err})
}

// Unregister drops a pending request without delivering a result.
// Used on caller cancellation so a late response does not leak.
func (c *Correlator) Unregister(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Correlator) finish(id uint32, res Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- res
	return true
}

// Dispatch routes one decoded inbound message. Responses resolve their
// pending request; duplicates of already-resolved responses are
// silently dropped; everything else is an unsolicited report delivered
// to the observer.
func (c *Correlator) Dispatch(msg *wire.Message) {
	if c.Resolve(msg.Seq, msg) {
		return
	}
	if msg.Type.IsResponse() {
		// Duplicate or late response, e.g. both channels answering
		// the same id during failover.
		return
	}
	c.mu.Lock()
	fn := c.unsolicited
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// ExpireOverdue returns every pending request whose deadline has
// passed. The requests stay registered: the caller either retries them
// (MarkSent pushes the deadline out) or fails them with ErrTimeout.
func (c *Correlator) ExpireOverdue(now time.Time) []*Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var overdue []*Pending
	for _, p := range c.pending {
		if now.After(p.Deadline()) {
			overdue = append(overdue, p)
		}
	}
	return overdue
}

// Outstanding returns the number of pending requests.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending request with err and rejects further
// registrations. Safe to call more than once.
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]*Pending)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- Result{Err: err}
	}
}

// Await blocks until the pending request resolves or ctx fires. On
// cancellation the request is unregistered before returning.
func (c *Correlator) Await(ctx context.Context, p *Pending) (*wire.Message, error) {
	select {
	case res := <-p.done:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Msg, nil
	case <-ctx.Done():
		c.Unregister(p.id)
		return nil, ctx.Err()
	}
}
