package fetch

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Policy is the retry budget and backoff schedule.
type Policy struct {
	// MaxRetries is the total number of attempts per fetch, the first
	// included. Values below 1 are treated as 1.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter scales each delay into [d/2, d], deterministically per
	// locator and attempt.
	Jitter bool
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Delay returns the wait before attempt n (1-based). Attempt 1 never
// waits; attempt n>=2 waits BaseDelay*2^(n-2), capped at MaxDelay.
func (p Policy) Delay(n int, key string) time.Duration {
	if n < 2 || p.BaseDelay <= 0 {
		return 0
	}
	exp := n - 2
	if exp > 30 {
		exp = 30
	}
	d := p.BaseDelay
	for i := 0; i < exp && d <= math.MaxInt64/2; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if !p.Jitter {
		return d
	}
	half := d / 2
	return half + time.Duration(jitterBasis(key, n)%uint64(d-half+1))
}

// jitterBasis derives a stable pseudo-random value from the locator and
// attempt so retries spread out without making tests flaky.
func jitterBasis(key string, n int) uint64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, n)))
	return binary.BigEndian.Uint64(sum[:8])
}
