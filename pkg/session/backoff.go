package session

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnection backoff parameters.
const (
	// initialBackoff is the delay before the first reconnect attempt.
	initialBackoff = 2 * time.Second

	// maxBackoff caps the reconnect delay.
	maxBackoff = 60 * time.Second

	// backoffMultiplier is the growth factor between attempts.
	backoffMultiplier = 2.0

	// jitterFactor is the maximum jitter as a fraction of the base
	// delay, to keep reconnecting clients from synchronizing.
	jitterFactor = 0.25
)

// backoff calculates exponential reconnect delays with jitter.
type backoff struct {
	mu       sync.Mutex
	current  time.Duration
	attempts int
	rng      *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{
		current: initialBackoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next jittered delay and advances the backoff.
func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current + time.Duration(b.rng.Float64()*jitterFactor*float64(b.current))

	b.attempts++
	next := time.Duration(float64(b.current) * backoffMultiplier)
	if next > maxBackoff {
		next = maxBackoff
	}
	b.current = next
	return delay
}

// Reset restores the initial delay after a successful connection.
func (b *backoff) Reset() {
	b.mu.Lock()
	b.current = initialBackoff
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
