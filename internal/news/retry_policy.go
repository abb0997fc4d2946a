package news

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// DefaultRetryDelay is how long a failed item waits before it is leasable again.
const DefaultRetryDelay = 10 * time.Minute

// FixedRetryPolicy waits the same delay after every failure.
type FixedRetryPolicy struct {
	delay time.Duration
}

// NewFixedRetryPolicy builds a fixed policy; non-positive delays use DefaultRetryDelay.
func NewFixedRetryPolicy(delay time.Duration) *FixedRetryPolicy {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &FixedRetryPolicy{delay: delay}
}

// Delay returns the configured delay.
func (p *FixedRetryPolicy) Delay(_ int) time.Duration {
	return p.delay
}

// ExponentialRetryPolicy doubles the delay per attempt with jitter, up to a cap.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy(base, maxDelay time.Duration) *ExponentialRetryPolicy {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialRetryPolicy{
		baseDelay: base,
		maxDelay:  maxDelay,
	}
}

// Delay returns the wait before the next attempt. attempts counts leases so far.
func (p *ExponentialRetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempts-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
