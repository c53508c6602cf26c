// Package retry provides a small composable retry policy for transient keyed
// store errors. It is deliberately separate from the lock manager's bounded
// acquisition poll: the poll waits for a lock holder, this retries transport
// failures. Factor checks are never retried here or anywhere else.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a jittered exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth. Zero means no cap.
	MaxDelay time.Duration
	// Jitter adds up to one extra BaseDelay-scaled random interval per
	// sleep, spreading contending clients apart.
	Jitter bool
}

// DefaultPolicy mirrors the schedule used for bus publishes: three tries,
// 100ms base, capped at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		sleep := delay
		if p.Jitter && sleep > 0 {
			sleep += time.Duration(rand.Int63n(int64(sleep)))
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
