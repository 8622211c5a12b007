package stream

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth with a ceiling and
// bounded random jitter. Not safe for concurrent use; the supervisor owns it.
type Backoff struct {
	Initial    time.Duration
	Ceiling    time.Duration
	Factor     float64
	JitterFrac float64

	attempt int
	rng     *rand.Rand
}

func NewBackoff(initial, ceiling time.Duration, factor, jitterFrac float64) *Backoff {
	return &Backoff{
		Initial:    initial,
		Ceiling:    ceiling,
		Factor:     factor,
		JitterFrac: jitterFrac,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	base := float64(b.Initial)
	for i := 0; i < b.attempt; i++ {
		base *= b.Factor
		if base >= float64(b.Ceiling) {
			base = float64(b.Ceiling)
			break
		}
	}
	b.attempt++

	if b.JitterFrac > 0 {
		// jitter in [-frac, +frac] of the base delay
		jitter := (b.rng.Float64()*2 - 1) * b.JitterFrac * base
		base += jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// Reset returns the schedule to the initial delay, used after a session has
// streamed past the stability window.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
