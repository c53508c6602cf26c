// Package governor throttles failed withdrawal-authentication attempts.
// It keeps per-(factor, account) failure counters with a sliding window,
// imposes lockouts whose duration grows with each consecutive lockout, and
// records short-lived markers that stop one-time codes from being replayed.
// All state lives in the ephemeral keyed store; every mutation is one atomic
// round trip.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coinhold/gatekeep/keys"
	"github.com/coinhold/gatekeep/keyval"
	"github.com/coinhold/gatekeep/metrics"
)

// Policy carries the numeric limits for one factor type. PIN and 2FA have
// materially different risk profiles, so every value is per factor.
type Policy struct {
	// MaxAttempts is the number of consecutive failures tolerated before
	// a lockout is imposed.
	MaxAttempts int
	// Window is the sliding window a failure counter lives for. Each new
	// failure refreshes it.
	Window time.Duration
	// LockoutSchedule lists the lockout durations by consecutive-lockout
	// ordinal. The last entry repeats once the schedule is exhausted.
	LockoutSchedule []time.Duration
	// SequenceTTL is how long the consecutive-lockout ordinal is
	// remembered. After a quiet period the ladder starts over.
	SequenceTTL time.Duration
	// ReplayTTL is the lifetime of a used-code marker. It should slightly
	// exceed one code-validity window.
	ReplayTTL time.Duration
}

// DefaultTOTPPolicy matches a 30-second-step authenticator code: a generous
// attempt budget, a short exponential ladder, and a replay window covering
// the ±1-step skew tolerance.
func DefaultTOTPPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		Window:          15 * time.Minute,
		LockoutSchedule: []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute},
		SequenceTTL:     24 * time.Hour,
		ReplayTTL:       90 * time.Second,
	}
}

// DefaultPINPolicy is stricter: fewer attempts and a single long lockout
// step, approximating a manual-unlock regime.
func DefaultPINPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		Window:          time.Hour,
		LockoutSchedule: []time.Duration{24 * time.Hour},
		SequenceTTL:     7 * 24 * time.Hour,
	}
}

// Decision is the outcome of a CheckAllowed call.
type Decision struct {
	Allowed bool
	// Remaining is the attempt budget left before the next failure locks
	// the account. Zero when not allowed.
	Remaining int
	// RetryAfter is the time until an active lockout expires. Zero when
	// allowed.
	RetryAfter time.Duration
}

// Governor tracks failed-authentication counters and lockout windows.
type Governor struct {
	store    keyval.Store
	policies map[string]Policy
}

// New returns a Governor with one Policy per factor type.
func New(store keyval.Store, policies map[string]Policy) *Governor {
	return &Governor{store: store, policies: policies}
}

func (g *Governor) policy(factorType string) (Policy, error) {
	p, ok := g.policies[factorType]
	if !ok {
		return Policy{}, fmt.Errorf("governor: no policy for factor %q", factorType)
	}
	return p, nil
}

// CheckAllowed reports whether another attempt for (factorType, account) may
// proceed. A present, unexpired lockout marker denies unconditionally. When
// the failure counter has reached the policy maximum, a new lockout is
// imposed with a duration taken from the schedule at the consecutive-lockout
// ordinal, and the call denies.
func (g *Governor) CheckAllowed(ctx context.Context, factorType, account string) (Decision, error) {
	p, err := g.policy(factorType)
	if err != nil {
		return Decision{}, err
	}

	if retryAfter, locked, err := g.activeLockout(ctx, factorType, account); err != nil {
		return Decision{}, err
	} else if locked {
		metrics.FactorDeniedCounter.Inc()
		return Decision{RetryAfter: retryAfter}, nil
	}

	count, err := g.failureCount(ctx, factorType, account)
	if err != nil {
		return Decision{}, err
	}
	if count < int64(p.MaxAttempts) {
		return Decision{Allowed: true, Remaining: p.MaxAttempts - int(count)}, nil
	}
	retryAfter, err := g.imposeLockout(ctx, p, factorType, account)
	if err != nil {
		return Decision{}, err
	}
	metrics.FactorDeniedCounter.Inc()
	return Decision{RetryAfter: retryAfter}, nil
}

// RecordFailure increments the failure counter, refreshing its window, and
// returns the new consecutive-failure count.
func (g *Governor) RecordFailure(ctx context.Context, factorType, account string) (int64, error) {
	p, err := g.policy(factorType)
	if err != nil {
		return 0, err
	}
	n, err := g.store.Increment(ctx, keys.Attempts(factorType, account), p.Window)
	if err != nil {
		return 0, err
	}
	slog.Info("gatekeep: factor failure recorded",
		"factor", factorType, "account", account, "count", n, "max", p.MaxAttempts)
	return n, nil
}

// RecordSuccess fully resets the governor's memory for (factorType, account):
// the failure counter and any lockout marker are deleted. The consecutive-
// lockout ordinal is left to decay by TTL so that a success immediately after
// a lockout does not reset the ladder.
func (g *Governor) RecordSuccess(ctx context.Context, factorType, account string) error {
	if err := g.store.Delete(ctx, keys.Attempts(factorType, account)); err != nil {
		return err
	}
	return g.store.Delete(ctx, keys.Lockout(factorType, account))
}

// CheckAndMarkReplay atomically records the presented code value as used and
// reports whether it had been used before within the replay window. A true
// result means the cryptographic verification must be skipped: the code was
// already consumed, and presenting it again indicates interception rather
// than a typo.
func (g *Governor) CheckAndMarkReplay(ctx context.Context, factorType, account, code string) (bool, error) {
	p, err := g.policy(factorType)
	if err != nil {
		return false, err
	}
	ttl := p.ReplayTTL
	if ttl <= 0 {
		return false, nil
	}
	fresh, err := g.store.SetIfAbsent(ctx, keys.Used(factorType, account, code), "1", ttl)
	if err != nil {
		return false, err
	}
	if !fresh {
		metrics.ReplayCounter.Inc()
		slog.Warn("gatekeep: one-time code replay rejected", "factor", factorType, "account", account)
	}
	return !fresh, nil
}

func (g *Governor) activeLockout(ctx context.Context, factorType, account string) (time.Duration, bool, error) {
	v, found, err := g.store.Get(ctx, keys.Lockout(factorType, account))
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	expiry, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("governor: malformed lockout marker %q: %w", v, err)
	}
	retryAfter := time.Until(time.Unix(expiry, 0))
	if retryAfter <= 0 {
		// Marker value says expired; the store TTL just has not fired yet.
		return 0, false, nil
	}
	return retryAfter, true, nil
}

func (g *Governor) failureCount(ctx context.Context, factorType, account string) (int64, error) {
	v, found, err := g.store.Get(ctx, keys.Attempts(factorType, account))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("governor: malformed attempt counter %q: %w", v, err)
	}
	return n, nil
}

func (g *Governor) imposeLockout(ctx context.Context, p Policy, factorType, account string) (time.Duration, error) {
	// The ordinal is read before the marker write and bumped only by the
	// caller that wins it, so concurrent impositions advance the ladder by
	// exactly one step.
	prior, err := g.lockoutSeq(ctx, factorType, account)
	if err != nil {
		return 0, err
	}
	idx := int(prior)
	if idx >= len(p.LockoutSchedule) {
		idx = len(p.LockoutSchedule) - 1
	}
	duration := p.LockoutSchedule[idx]
	expiry := time.Now().Add(duration)

	fresh, err := g.store.SetIfAbsent(ctx, keys.Lockout(factorType, account),
		strconv.FormatInt(expiry.Unix(), 10), duration)
	if err != nil {
		return 0, err
	}
	if !fresh {
		// A concurrent caller imposed the lockout first; report its window.
		retryAfter, locked, err := g.activeLockout(ctx, factorType, account)
		if err != nil {
			return 0, err
		}
		if locked {
			return retryAfter, nil
		}
		return duration, nil
	}
	seq, err := g.store.Increment(ctx, keys.LockoutSeq(factorType, account), p.SequenceTTL)
	if err != nil {
		return 0, err
	}
	if err := g.store.Delete(ctx, keys.Attempts(factorType, account)); err != nil {
		return 0, err
	}
	metrics.LockoutCounter.Inc()
	slog.Warn("gatekeep: lockout imposed",
		"factor", factorType, "account", account, "sequence", seq, "duration", duration)
	return duration, nil
}

func (g *Governor) lockoutSeq(ctx context.Context, factorType, account string) (int64, error) {
	v, found, err := g.store.Get(ctx, keys.LockoutSeq(factorType, account))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("governor: malformed lockout sequence %q: %w", v, err)
	}
	return n, nil
}
