package eventbus

import (
	"math/rand"
	"time"
)

// Backoff computes redelivery delays: exponential doubling from Base, capped
// at Max, plus uniform jitter in [0, Jitter) to spread retry storms.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// rnd returns a value in [0, 1). Injected by tests for determinism.
	rnd func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: time.Second,
	}
}

// Delay returns the wait before delivery attempt `attempt` (1-based retry
// counter). The exponential component is pure; only the jitter draws
// randomness.
func (b Backoff) Delay(attempt int) time.Duration {
	return b.base(attempt) + b.jitter()
}

func (b Backoff) base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	return time.Duration(rnd() * float64(b.Jitter))
}
