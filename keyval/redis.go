package keyval

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	gkerrors "github.com/coinhold/gatekeep/errors"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// INCR and PEXPIRE must happen in one round trip; issuing them as two
// commands would let the key outlive its window if the client dies between
// them.
var incrementScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return c
`)

// Redis implements Store using a Redis backend.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a Store backed by the provided Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, unavailable("compare-and-delete", err)
	}
	return n == 1, nil
}

// Increment implements Store.Increment.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return n, nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return v, true, nil
}

// Delete implements Store.Delete.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", gkerrors.ErrStoreUnavailable, op, err)
}

var _ Store = (*Redis)(nil)
