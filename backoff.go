package posthog

import (
	"math/rand"
	"time"
)

const (
	backoffMinInterval = 100 * time.Millisecond
	backoffMaxInterval = 10 * time.Second
	backoffMultiplier  = 1.5
)

// backoffPolicy implements decorrelated-jitter exponential backoff: each
// interval is drawn uniformly from [min, previous * multiplier] and clamped
// to [min, max]. The jitter prevents synchronized retries across clients.
type backoffPolicy struct {
	min        time.Duration
	max        time.Duration
	multiplier float64
	maxRetries int

	current time.Duration
	randF   func() float64
}

func newBackoffPolicy(maxRetries int) *backoffPolicy {
	return &backoffPolicy{
		min:        backoffMinInterval,
		max:        backoffMaxInterval,
		multiplier: backoffMultiplier,
		maxRetries: maxRetries,
		current:    backoffMinInterval,
		randF:      rand.Float64,
	}
}

// nextInterval draws the next wait, stores it as the new state, and returns
// it.
func (b *backoffPolicy) nextInterval() time.Duration {
	upper := time.Duration(float64(b.current) * b.multiplier)
	candidate := b.min + time.Duration(b.randF()*float64(upper-b.min))
	if candidate < b.min {
		candidate = b.min
	}
	if candidate > b.max {
		candidate = b.max
	}
	b.current = candidate
	return candidate
}

func (b *backoffPolicy) reset() {
	b.current = b.min
}

func (b *backoffPolicy) shouldRetry(attempt int) bool {
	return attempt < b.maxRetries
}
