package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	gkerrors "github.com/coinhold/gatekeep/errors"
	"github.com/coinhold/gatekeep/keyval"
)

func newMemManager(t *testing.T) *Manager {
	t.Helper()
	s := keyval.NewInMemory(keyval.WithSweepInterval(0))
	t.Cleanup(s.Close)
	return NewManager(s)
}

func newRedisManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
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
	return NewManager(keyval.NewRedis(client)), mr
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	m := newMemManager(t)
	ctx := context.Background()

	token, ok, err := m.TryAcquire(ctx, "lock:onchain:a:BTC", time.Second)
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire: ok %v token %q err %v", ok, token, err)
	}
	if _, ok, err := m.TryAcquire(ctx, "lock:onchain:a:BTC", time.Second); err != nil || ok {
		t.Fatalf("second acquire should fail: ok %v err %v", ok, err)
	}
	if err := m.Release(ctx, "lock:onchain:a:BTC", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := m.TryAcquire(ctx, "lock:onchain:a:BTC", time.Second); err != nil || !ok {
		t.Fatalf("reacquire after release: ok %v err %v", ok, err)
	}
}

func TestAcquireBoundedWait(t *testing.T) {
	m := newMemManager(t)
	ctx := context.Background()

	if _, ok, _ := m.TryAcquire(ctx, "k", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}
	start := time.Now()
	_, err := m.Acquire(ctx, "k", time.Minute, 50*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, gkerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("acquire overshot maxWait: %v", elapsed)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := newMemManager(t)
	ctx := context.Background()

	token, _, _ := m.TryAcquire(ctx, "k", time.Minute)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(context.Background(), "k", token)
	}()
	got, err := m.Acquire(ctx, "k", time.Minute, time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got == token {
		t.Fatal("new holder received the old token")
	}
}

func TestAcquireCancellation(t *testing.T) {
	m := newMemManager(t)
	ctx := context.Background()

	if _, ok, _ := m.TryAcquire(ctx, "k", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := m.Acquire(cctx, "k", time.Minute, time.Minute, 5*time.Millisecond); err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("acquire did not respect context cancellation")
	}
	// The abandoned waiter must not have disturbed the holder's lock.
	if _, ok, _ := m.TryAcquire(ctx, "k", time.Minute); ok {
		t.Fatal("lock vanished after an abandoned wait")
	}
}

func TestReleaseWithStaleTokenKeepsActiveLock(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()

	stale, _, err := m.TryAcquire(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Holder's TTL fires while it is stalled; another caller takes over.
	mr.FastForward(100 * time.Millisecond)
	active, ok, err := m.TryAcquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover acquire: ok %v err %v", ok, err)
	}

	// The stalled first holder wakes up and releases with its stale token.
	if err := m.Release(ctx, "k", stale); err != nil {
		t.Fatalf("stale release should not error: %v", err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "k", time.Minute); ok {
		t.Fatal("stale release destroyed the active holder's lock")
	}
	if err := m.Release(ctx, "k", active); err != nil {
		t.Fatalf("active release: %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := newRedisManager(t)
	ctx := context.Background()

	const n = 16
	var (
		mu      sync.Mutex
		winners []string
	)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			token, ok, err := m.TryAcquire(ctx, "lock:onchain:a:BTC", time.Minute)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				winners = append(winners, token)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire group: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
}
