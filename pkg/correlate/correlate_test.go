package correlate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robovac-protocol/robovac-go/pkg/wire"
)

func TestNextID_SkipsZeroAndWraps(t *testing.T) {
	c := New()
	c.nextID = RequestIDModulus - 2

	assert.Equal(t, uint32(RequestIDModulus-1), c.NextID())
	assert.Equal(t, uint32(1), c.NextID(), "wrap must skip zero")
}

func TestNextID_SkipsBusyIDs(t *testing.T) {
	c := New()
	id := c.NextID()
	_, err := c.Register(id, time.Now().Add(time.Second))
	require.NoError(t, err)

	c.nextID = id - 1 // force the counter to land on the busy id next
	next := c.NextID()
	assert.NotEqual(t, id, next)
}

func TestRegister_DuplicateID(t *testing.T) {
	c := New()
	_, err := c.Register(5, time.Now().Add(time.Second))
	require.NoError(t, err)
	_, err = c.Register(5, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestResolve_DeliversOnce(t *testing.T) {
	c := New()
	p, err := c.Register(9, time.Now().Add(time.Second))
	require.NoError(t, err)

	msg := &wire.Message{Type: wire.MsgRPCResponse, Seq: 9}
	assert.True(t, c.Resolve(9, msg))
	assert.False(t, c.Resolve(9, msg), "second resolution must be a no-op")

	res := <-p.Done()
	require.NoError(t, res.Err)
	assert.Same(t, msg, res.Msg)
	assert.Zero(t, c.Outstanding())
}

func TestDispatch_RoutesResponsesAndReports(t *testing.T) {
	c := New()
	var reports []*wire.Message
	var mu sync.Mutex
	c.OnUnsolicited(func(m *wire.Message) {
		mu.Lock()
		reports = append(reports, m)
		mu.Unlock()
	})

	p, err := c.Register(4, time.Now().Add(time.Second))
	require.NoError(t, err)

	// Response resolves the pending request.
	c.Dispatch(&wire.Message{Type: wire.MsgRPCResponse, Seq: 4})
	res := <-p.Done()
	require.NoError(t, res.Err)

	// A duplicate of the same response is dropped, not reported.
	c.Dispatch(&wire.Message{Type: wire.MsgRPCResponse, Seq: 4})

	// A device push with no pending id is unsolicited.
	c.Dispatch(&wire.Message{Type: wire.MsgReport, Seq: 900})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, wire.MsgReport, reports[0].Type)
}

func TestExpireOverdue_LeavesRegistered(t *testing.T) {
	c := New()
	now := time.Now()
	p, err := c.Register(7, now.Add(-time.Second))
	require.NoError(t, err)

	overdue := c.ExpireOverdue(now)
	require.Len(t, overdue, 1)
	assert.Same(t, p, overdue[0])
	assert.Equal(t, 1, c.Outstanding(), "expiry must not unregister; the caller decides retry or fail")

	// Retry pushes the deadline out; the next sweep sees nothing.
	p.MarkSent("local", now.Add(time.Minute))
	assert.Empty(t, c.ExpireOverdue(now))
	assert.Equal(t, 1, p.Attempts())
	assert.Equal(t, "local", p.LastSentOn())
}

func TestFail_DeliversError(t *testing.T) {
	c := New()
	p, err := c.Register(3, time.Now().Add(time.Second))
	require.NoError(t, err)

	assert.True(t, c.Fail(3, ErrTimeout))
	res := <-p.Done()
	assert.ErrorIs(t, res.Err, ErrTimeout)
}

func TestClose_FailsAllPending(t *testing.T) {
	c := New()
	a, err := c.Register(1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	b, err := c.Register(2, time.Now().Add(time.Minute))
	require.NoError(t, err)

	c.Close(ErrSessionClosed)

	for _, p := range []*Pending{a, b} {
		res := <-p.Done()
		assert.ErrorIs(t, res.Err, ErrSessionClosed)
	}

	_, err = c.Register(3, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Idempotent.
	c.Close(ErrSessionClosed)
}

func TestAwait_Resolution(t *testing.T) {
	c := New()
	p, err := c.Register(6, time.Now().Add(time.Minute))
	require.NoError(t, err)

	go c.Resolve(6, &wire.Message{Type: wire.MsgRPCResponse, Seq: 6})

	msg, err := c.Await(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), msg.Seq)
}

func TestAwait_CancellationUnregisters(t *testing.T) {
	c := New()
	p, err := c.Register(8, time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Await(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Outstanding(), "cancellation must drop the pending entry")

	// A late response for the canceled id is now a dropped duplicate.
	assert.False(t, c.Resolve(8, &wire.Message{Type: wire.MsgRPCResponse, Seq: 8}))
}

func TestConcurrentNextID_Unique(t *testing.T) {
	c := New()
	const n = 200
	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := c.NextID()
			if _, err := c.Register(id, time.Now().Add(time.Minute)); err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
