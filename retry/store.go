package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/coinhold/gatekeep/keyval"
)

// Store wraps a keyval.Store and retries failed calls according to a Policy.
// A call that reached the server but whose reply was lost may be applied
// twice on retry; for the records kept here (locks, counters, markers) the
// effect is at worst one over-counted attempt, which errs on the strict side.
type Store struct {
	inner  keyval.Store
	policy Policy
}

// NewStore returns a retrying wrapper around inner.
func NewStore(inner keyval.Store, policy Policy) *Store {
	return &Store{inner: inner, policy: policy}
}

// SetIfAbsent implements keyval.Store.SetIfAbsent.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, func() error {
		var err error
		ok, err = s.inner.SetIfAbsent(ctx, key, value, ttl)
		return err
	})
	if err != nil {
		slog.Warn("gatekeep: store set-if-absent failed after retries", "key", key, "error", err)
	}
	return ok, err
}

// CompareAndDelete implements keyval.Store.CompareAndDelete.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var ok bool
	err := s.policy.Do(ctx, func() error {
		var err error
		ok, err = s.inner.CompareAndDelete(ctx, key, expected)
		return err
	})
	if err != nil {
		slog.Warn("gatekeep: store compare-and-delete failed after retries", "key", key, "error", err)
	}
	return ok, err
}

// Increment implements keyval.Store.Increment.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.policy.Do(ctx, func() error {
		var err error
		n, err = s.inner.Increment(ctx, key, ttl)
		return err
	})
	if err != nil {
		slog.Warn("gatekeep: store increment failed after retries", "key", key, "error", err)
	}
	return n, err
}

// Get implements keyval.Store.Get.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v     string
		found bool
	)
	err := s.policy.Do(ctx, func() error {
		var err error
		v, found, err = s.inner.Get(ctx, key)
		return err
	})
	return v, found, err
}

// Delete implements keyval.Store.Delete.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.policy.Do(ctx, func() error {
		return s.inner.Delete(ctx, key)
	})
}

var _ keyval.Store = (*Store)(nil)
