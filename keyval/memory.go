package keyval

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemory implements Store using local memory. It is suitable for unit
// tests and single-instance deployments; multi-instance correctness requires
// a shared backend such as Redis.
type InMemory struct {
	mu            sync.Mutex
	items         map[string]entry
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithSweepInterval sets the interval at which expired entries are removed.
// A zero or negative duration disables the background sweeper; expired
// entries are then reclaimed lazily on access.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemory) {
		s.sweepInterval = d
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemory{
		items:         make(map[string]entry),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && !e.expired(now) {
		return false, nil
	}
	s.items[key] = entry{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.expired(now) {
		delete(s.items, key)
		return false, nil
	}
	if e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Increment implements Store.Increment.
func (s *InMemory) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.items[key]; ok && !e.expired(now) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	s.items[key] = entry{value: strconv.FormatInt(n, 10), expiresAt: expiry(now, ttl)}
	return n, nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(now) {
		delete(s.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Delete implements Store.Delete.
func (s *InMemory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemory) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.items {
				if e.expired(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.ctx.Done():
			return
		}
	}
}

// Close terminates the background sweeper and clears all entries.
func (s *InMemory) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.items = make(map[string]entry)
	s.mu.Unlock()
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

var _ Store = (*InMemory)(nil)
