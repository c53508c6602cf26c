package governor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/coinhold/gatekeep/keyval"
)

func testPolicies() map[string]Policy {
	return map[string]Policy{
		"totp": {
			MaxAttempts:     5,
			Window:          15 * time.Minute,
			LockoutSchedule: []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute},
			SequenceTTL:     24 * time.Hour,
			ReplayTTL:       90 * time.Second,
		},
		"pin": {
			MaxAttempts:     3,
			Window:          time.Hour,
			LockoutSchedule: []time.Duration{24 * time.Hour},
			SequenceTTL:     7 * 24 * time.Hour,
		},
	}
}

func newMemGovernor(t *testing.T) *Governor {
	t.Helper()
	s := keyval.NewInMemory(keyval.WithSweepInterval(0))
	t.Cleanup(s.Close)
	return New(s, testPolicies())
}

func newRedisGovernor(t *testing.T) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(keyval.NewRedis(client), testPolicies()), mr
}

func TestCheckAllowedFullBudget(t *testing.T) {
	g := newMemGovernor(t)
	ctx := context.Background()

	d, err := g.CheckAllowed(ctx, "totp", "acct")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Remaining != 5 || d.RetryAfter != 0 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRemainingShrinksWithFailures(t *testing.T) {
	g := newMemGovernor(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := g.RecordFailure(ctx, "totp", "acct")
		if err != nil || n != int64(i) {
			t.Fatalf("failure %d: count %d err %v", i, n, err)
		}
	}
	d, err := g.CheckAllowed(ctx, "totp", "acct")
	if err != nil || !d.Allowed || d.Remaining != 2 {
		t.Fatalf("unexpected decision: %+v err %v", d, err)
	}
}

func TestCounterResetOnSuccess(t *testing.T) {
	g := newMemGovernor(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = g.RecordFailure(ctx, "totp", "acct")
	}
	if err := g.RecordSuccess(ctx, "totp", "acct"); err != nil {
		t.Fatalf("success: %v", err)
	}
	d, err := g.CheckAllowed(ctx, "totp", "acct")
	if err != nil || !d.Allowed || d.Remaining != 5 {
		t.Fatalf("budget not restored: %+v err %v", d, err)
	}
}

func TestLockoutAtMaxAttempts(t *testing.T) {
	g := newMemGovernor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = g.RecordFailure(ctx, "pin", "acct")
	}
	d, err := g.CheckAllowed(ctx, "pin", "acct")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected lockout at max attempts")
	}
	// First PIN lockout uses the configured first-step duration.
	if d.RetryAfter < 23*time.Hour || d.RetryAfter > 24*time.Hour {
		t.Fatalf("unexpected retry-after: %v", d.RetryAfter)
	}
	// Lockout marker denies unconditionally on subsequent checks too.
	d, _ = g.CheckAllowed(ctx, "pin", "acct")
	if d.Allowed {
		t.Fatal("lockout marker did not persist")
	}
}

func TestExponentialLockoutGrowth(t *testing.T) {
	g, mr := newRedisGovernor(t)
	ctx := context.Background()

	var previous time.Duration
	for round := 1; round <= 3; round++ {
		for i := 0; i < 5; i++ {
			if _, err := g.RecordFailure(ctx, "totp", "acct"); err != nil {
				t.Fatalf("round %d failure: %v", round, err)
			}
		}
		d, err := g.CheckAllowed(ctx, "totp", "acct")
		if err != nil {
			t.Fatalf("round %d check: %v", round, err)
		}
		if d.Allowed {
			t.Fatalf("round %d: expected lockout", round)
		}
		if round > 1 && d.RetryAfter < 2*previous-time.Minute {
			t.Fatalf("round %d lockout %v is not at least double the previous %v",
				round, d.RetryAfter, previous)
		}
		previous = d.RetryAfter
		// Let the lockout marker and window lapse; the lockseq record has
		// a much longer TTL and keeps the ladder climbing.
		mr.FastForward(d.RetryAfter + time.Minute)
	}
}

// Simultaneous checks at the attempt maximum race to impose the same
// lockout; the consecutive-lockout ordinal must advance by exactly one so
// the next lockout uses the second schedule step, not a later one.
func TestConcurrentLockoutAdvancesLadderOnce(t *testing.T) {
	g, mr := newRedisGovernor(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.RecordFailure(ctx, "totp", "acct"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			d, err := g.CheckAllowed(ctx, "totp", "acct")
			if err != nil {
				return err
			}
			if d.Allowed {
				return fmt.Errorf("allowed at max attempts")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent check: %v", err)
	}

	// Let the first lockout lapse and earn a second one.
	mr.FastForward(6 * time.Minute)
	for i := 0; i < 5; i++ {
		_, _ = g.RecordFailure(ctx, "totp", "acct")
	}
	d, err := g.CheckAllowed(ctx, "totp", "acct")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected second lockout")
	}
	if d.RetryAfter > 10*time.Minute || d.RetryAfter < 9*time.Minute {
		t.Fatalf("second lockout %v, want the 10m schedule step", d.RetryAfter)
	}
}

func TestLockoutScheduleCeiling(t *testing.T) {
	g, mr := newRedisGovernor(t)
	ctx := context.Background()

	var last time.Duration
	for round := 1; round <= 6; round++ {
		for i := 0; i < 5; i++ {
			_, _ = g.RecordFailure(ctx, "totp", "acct")
		}
		d, _ := g.CheckAllowed(ctx, "totp", "acct")
		last = d.RetryAfter
		mr.FastForward(d.RetryAfter + time.Minute)
	}
	// Schedule tops out at 40m; the sixth lockout must not exceed it.
	if last > 40*time.Minute {
		t.Fatalf("lockout exceeded schedule ceiling: %v", last)
	}
	if last < 39*time.Minute {
		t.Fatalf("lockout below schedule ceiling: %v", last)
	}
}

func TestReplayMarker(t *testing.T) {
	g, mr := newRedisGovernor(t)
	ctx := context.Background()

	replay, err := g.CheckAndMarkReplay(ctx, "totp", "acct", "123456")
	if err != nil || replay {
		t.Fatalf("first use flagged as replay: %v err %v", replay, err)
	}
	replay, err = g.CheckAndMarkReplay(ctx, "totp", "acct", "123456")
	if err != nil || !replay {
		t.Fatalf("second use not flagged: %v err %v", replay, err)
	}
	// A different account presenting the same digits is not a replay.
	replay, _ = g.CheckAndMarkReplay(ctx, "totp", "other", "123456")
	if replay {
		t.Fatal("replay marker leaked across accounts")
	}
	// After the marker lapses the value may verify again.
	mr.FastForward(2 * time.Minute)
	replay, _ = g.CheckAndMarkReplay(ctx, "totp", "acct", "123456")
	if replay {
		t.Fatal("expired marker still flagged replay")
	}
}

func TestReplayDisabledForPIN(t *testing.T) {
	g := newMemGovernor(t)
	ctx := context.Background()

	// PIN policy has no replay TTL; the check is a no-op.
	for i := 0; i < 2; i++ {
		replay, err := g.CheckAndMarkReplay(ctx, "pin", "acct", "0000")
		if err != nil || replay {
			t.Fatalf("pin replay check: %v err %v", replay, err)
		}
	}
}

func TestUnknownFactorRejected(t *testing.T) {
	g := newMemGovernor(t)
	if _, err := g.CheckAllowed(context.Background(), "sms", "acct"); err == nil {
		t.Fatal("expected error for unconfigured factor")
	}
}
