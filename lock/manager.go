package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gkerrors "github.com/coinhold/gatekeep/errors"
	"github.com/coinhold/gatekeep/keyval"
	"github.com/coinhold/gatekeep/metrics"
)

var tracer = otel.Tracer("github.com/coinhold/gatekeep/lock")

const defaultRetryInterval = 25 * time.Millisecond

// Manager acquires and releases named locks backed by the keyed store.
type Manager struct {
	store keyval.Store
}

// NewManager returns a Manager using the provided store.
func NewManager(store keyval.Store) *Manager {
	return &Manager{store: store}
}

// TryAcquire attempts to obtain the lock without waiting. On success it
// returns the holder token that must be presented to Release.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	metrics.LockAcquiredCounter.Inc()
	return token, true, nil
}

// Acquire obtains the lock, polling every retryInterval until maxWait
// elapses. It returns gkerrors.ErrLockTimeout once the wait budget is spent
// and never blocks indefinitely. Cancelling ctx abandons the wait; a lock
// that was never obtained is never released.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error) {
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Lock.Acquire",
		trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	deadline := time.Now().Add(maxWait)
	for {
		token, ok, err := m.TryAcquire(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if !time.Now().Add(retryInterval).Before(deadline) {
			metrics.LockTimeoutCounter.Inc()
			return "", gkerrors.ErrLockTimeout
		}
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Release frees the lock only if token still matches the holder. A stale
// token is a logged no-op, not an error: the lock either belongs to someone
// else now or will self-expire. Store errors are returned so callers can
// account for them; the TTL reclaims the key either way.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	ok, err := m.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		if errors.Is(err, gkerrors.ErrStoreUnavailable) {
			slog.Warn("gatekeep: lock release failed, ttl will reclaim", "key", key, "error", err)
		}
		return err
	}
	if !ok {
		metrics.StaleReleaseCounter.Inc()
		slog.Warn("gatekeep: stale lock release ignored", "key", key)
	}
	return nil
}
