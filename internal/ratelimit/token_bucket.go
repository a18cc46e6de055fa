// Package ratelimit bounds the node's own accept loop so a burst of inbound
// connections cannot overrun it. It is a self-protection limiter, not a
// peer-fairness or tit-for-tat choking policy.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits up to burst events immediately and refills at rate
// events per second thereafter.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket builds a token bucket accepting rate events/sec with the
// given burst capacity.
func NewTokenBucket(eventsPerSecond float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Allow reports whether n tokens are immediately available, consuming them
// if so.
func (tb *TokenBucket) Allow(n int) bool {
	return tb.limiter.AllowN(time.Now(), n)
}

// Wait blocks in small increments until n tokens become available.
func (tb *TokenBucket) Wait(n int) {
	for {
		if tb.Allow(n) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
