package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff paces reconnect attempts: base * factor^attempts, capped at ceiling,
// with +/-20% jitter. Safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	ceiling  time.Duration
	factor   float64
	attempts int
}

func NewBackoff(base, ceiling time.Duration, factor float64) *Backoff {
	if factor < 1 {
		factor = 1
	}
	return &Backoff{base: base, ceiling: ceiling, factor: factor}
}

// Next returns the wait before the upcoming attempt and counts it
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	grown := float64(b.base) * math.Pow(b.factor, float64(b.attempts))
	delay := b.ceiling
	if grown < float64(b.ceiling) {
		delay = time.Duration(grown)
	}
	b.attempts++

	return max(withJitter(delay, 0.2), b.base)
}

// Reset is called once a connection is healthy again
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func withJitter(d time.Duration, frac float64) time.Duration {
	return d + time.Duration((rand.Float64()*2-1)*frac*float64(d))
}

const (
	maxShift = 32
	maxDelay = time.Duration(1<<63 - 1)
)

// RetryDelay is the deterministic wait after the given number of failed attempts:
// base for the first failure, doubling afterwards. Zero tries means no wait.
func RetryDelay(base time.Duration, tries int) time.Duration {
	if tries <= 0 || base <= 0 {
		return 0
	}
	shift := min(tries-1, maxShift)
	if base > maxDelay>>shift {
		return maxDelay
	}
	return base << shift
}
