package reconnect

import (
	"math/rand"
	"sync"
	"time"
)

// ExponentialBackoff computes retry delays as
// next = min(current * multiplier, max). It has no other state; the caller
// owns the current delay and resets it to Initial() on success.
//
// Jitter is off by default so delay sequences are exact and reproducible.
// Many clients dropped by the same outage will therefore retry in lock-step;
// enable Jitter to spread them out at the cost of exact timing.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	randSource *rand.Rand
	mutex      sync.Mutex
}

// NewExponentialBackoff creates a backoff calculator without jitter.
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		randSource:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to use after current.
func (eb *ExponentialBackoff) Next(current time.Duration) time.Duration {
	delay := float64(current) * eb.Multiplier

	if delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.Jitter {
		eb.mutex.Lock()
		jitterFactor := 2*eb.randSource.Float64() - 1
		eb.mutex.Unlock()

		delay += delay * 0.1 * jitterFactor

		if delay < float64(eb.InitialDelay) {
			delay = float64(eb.InitialDelay)
		}
	}

	return time.Duration(delay)
}

// Initial returns the delay to restart from after a successful connection.
func (eb *ExponentialBackoff) Initial() time.Duration {
	return eb.InitialDelay
}
