package job

import (
	"errors"
	"math"
	"time"
)

// Default retry delay bounds.
const (
	DefaultBackoffBase = 10 * time.Second
	DefaultBackoffCap  = 1800 * time.Second
)

// ErrInvalidBackoff indicates a non-positive base or a cap below the base.
var ErrInvalidBackoff = errors.New("backoff base must be positive and cap must be >= base")

// BackoffPolicy computes the delay before a failed job becomes eligible again.
type BackoffPolicy struct {
	base time.Duration
	cap  time.Duration
}

// NewBackoffPolicy constructs a BackoffPolicy. Zero values fall back to the defaults.
func NewBackoffPolicy(base, cap time.Duration) (BackoffPolicy, error) {
	if base == 0 {
		base = DefaultBackoffBase
	}
	if cap == 0 {
		cap = DefaultBackoffCap
	}
	if base < 0 || cap < base {
		return BackoffPolicy{}, ErrInvalidBackoff
	}
	return BackoffPolicy{base: base, cap: cap}, nil
}

// DefaultBackoffPolicy returns the 10s base, 30m cap policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{base: DefaultBackoffBase, cap: DefaultBackoffCap}
}

// Base returns the exponential base delay.
func (p BackoffPolicy) Base() time.Duration { return p.base }

// Cap returns the delay ceiling.
func (p BackoffPolicy) Cap() time.Duration { return p.cap }

// Delay returns overrideSeconds when positive, otherwise min(2^attempts * base, cap).
func (p BackoffPolicy) Delay(attempts, overrideSeconds int) time.Duration {
	if overrideSeconds > 0 {
		return time.Duration(overrideSeconds) * time.Second
	}
	if p.base <= 0 {
		p = DefaultBackoffPolicy()
	}
	if attempts < 0 {
		attempts = 0
	}

	// 2^attempts * base overflows int64 well before attempts reaches 63.
	maxShift := int(math.Log2(float64(math.MaxInt64) / float64(p.base)))
	if attempts >= maxShift {
		return p.cap
	}
	delay := p.base * time.Duration(int64(1)<<uint(attempts))
	if delay > p.cap {
		return p.cap
	}
	return delay
}
