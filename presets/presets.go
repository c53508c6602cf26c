// Package presets assembles ready-to-use Authorizer stacks for the common
// deployment shapes so services do not wire the pieces by hand.
package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/coinhold/gatekeep/authorize"
	"github.com/coinhold/gatekeep/config"
	"github.com/coinhold/gatekeep/events"
	"github.com/coinhold/gatekeep/factor"
	"github.com/coinhold/gatekeep/governor"
	"github.com/coinhold/gatekeep/keyval"
	"github.com/coinhold/gatekeep/lock"
	"github.com/coinhold/gatekeep/retry"
)

// credentialCacheTTL bounds how stale a cached TOTP secret or PIN hash may
// be after a credential rotation.
const credentialCacheTTL = 30 * time.Second

func policies(cfg *config.Config) map[string]governor.Policy {
	out := make(map[string]governor.Policy, len(cfg.Factors))
	for name, p := range cfg.Factors {
		out[name] = governor.Policy{
			MaxAttempts:     p.MaxAttempts,
			Window:          p.Window,
			LockoutSchedule: p.LockoutSchedule,
			SequenceTTL:     p.SequenceTTL,
			ReplayTTL:       p.ReplayTTL,
		}
	}
	return out
}

// NewRedis builds the production stack: a Redis keyed store wrapped in the
// transient-error retry decorator, a Redis-backed security event bus, and a
// ristretto cache in front of the credential store. The caller owns the
// ledger and the source of truth for credentials.
func NewRedis(cfg *config.Config, ledger authorize.Ledger, creds factor.CredentialStore,
	opts ...authorize.Option) (*authorize.Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := retry.NewStore(keyval.NewRedis(client), retry.DefaultPolicy())

	cached, err := factor.NewCachedCredentials(creds, credentialCacheTTL)
	if err != nil {
		return nil, err
	}

	opts = append([]authorize.Option{
		authorize.WithEvents(events.NewRedisBus(client)),
	}, opts...)
	return authorize.New(
		lock.NewManager(store),
		governor.New(store, policies(cfg)),
		factor.NewVerifier(cached),
		ledger,
		cfg.Locks,
		opts...,
	), nil
}

// NewInMemory builds a single-process stack with no external dependencies.
// The locks and attempt counters live in process memory, so this is only
// safe when exactly one instance serves withdrawals. Meant for local
// development and tests.
func NewInMemory(cfg *config.Config, ledger authorize.Ledger, creds factor.CredentialStore,
	opts ...authorize.Option) (*authorize.Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store := keyval.NewInMemory()

	opts = append([]authorize.Option{
		authorize.WithEvents(events.NewInMemoryBus()),
	}, opts...)
	return authorize.New(
		lock.NewManager(store),
		governor.New(store, policies(cfg)),
		factor.NewVerifier(creds),
		ledger,
		cfg.Locks,
		opts...,
	), nil
}
