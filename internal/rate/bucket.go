// Package rate implements the token-bucket rate limiter a source engine
// consults before emitting ODATA/RDATA, per spec.md §4.6.
//
// Grounded on source/protocol/raknet.go's send-rate pacing (the
// per-Update() budget it doles out to the recovery queue before fresh
// sends), generalized here into an explicit bucket so it can be driven by
// any timer source rather than a fixed tick.
package rate

import (
	"sync"
	"time"
)

// Bucket is a classic token bucket: tokens accrue at rateBytesPerSec up to
// a ceiling of burstBytes, and a send of n bytes is permitted only while
// n tokens are available.
type Bucket struct {
	mu sync.Mutex

	ratePerSec float64
	burst      float64

	tokens  float64
	updated time.Time
}

// New creates a bucket starting full, so a source can burst immediately
// after (re)configuration.
func New(ratePerSec, burst float64, now time.Time) *Bucket {
	return &Bucket{
		ratePerSec: ratePerSec,
		burst:      burst,
		tokens:     burst,
		updated:    now,
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	if now.Before(b.updated) {
		return
	}
	elapsed := now.Sub(b.updated).Seconds()
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.updated = now
}

// Allow reports whether n bytes may be sent now, consuming the tokens if
// so.
func (b *Bucket) Allow(now time.Time, n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Wait reports how long the caller must wait before n bytes would be
// permitted, zero if already permitted.
func (b *Bucket) Wait(now time.Time, n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= n {
		return 0
	}
	if b.ratePerSec <= 0 {
		return time.Duration(1<<63 - 1) // effectively forever: rate control disabled would bypass this type
	}
	deficit := n - b.tokens
	return time.Duration(deficit / b.ratePerSec * float64(time.Second))
}

// SetRate reconfigures the bucket's sustained rate and burst ceiling.
func (b *Bucket) SetRate(ratePerSec, burst float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ratePerSec = ratePerSec
	b.burst = burst
	if b.tokens > burst {
		b.tokens = burst
	}
}

// Tokens reports the current token count, for stats and tests.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
