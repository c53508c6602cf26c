// Package config holds gatekeep's process-start configuration: lock TTLs per
// resource class, attempt limits and lockout schedules per factor type, and
// backend addresses. Everything is overridable from a config file or the
// environment without code changes; nothing here is read per-request.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LockClass configures the lock manager for one resource class. TTL must
// exceed the worst-case duration of the protected operation by a safety
// margin; an operation that can legitimately outlive its TTL is a
// configuration defect, not something the lock manager papers over.
type LockClass struct {
	TTL           time.Duration
	MaxWait       time.Duration
	RetryInterval time.Duration
	// FailOpen permits authorization to proceed without a lock when the
	// keyed store is unreachable. This trades strict mutual exclusion for
	// availability and is a deliberate per-class product decision; the
	// default everywhere is fail closed.
	FailOpen bool
}

// FactorPolicy configures the attempt governor for one factor type.
type FactorPolicy struct {
	MaxAttempts     int
	Window          time.Duration
	LockoutSchedule []time.Duration
	SequenceTTL     time.Duration
	ReplayTTL       time.Duration
}

// RedisConfig locates the shared keyed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config is the full configuration surface.
type Config struct {
	Redis   RedisConfig
	Locks   map[string]LockClass
	Factors map[string]FactorPolicy
}

// Default returns the shipped configuration: on-chain withdrawals hold a 10s
// lock, bank transfers 15s; 2FA gets five attempts and a 5→40m lockout
// ladder, PINs three attempts and a single 24h step.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Locks: map[string]LockClass{
			"onchain": {TTL: 10 * time.Second, MaxWait: 5 * time.Second, RetryInterval: 25 * time.Millisecond},
			"bank":    {TTL: 15 * time.Second, MaxWait: 5 * time.Second, RetryInterval: 25 * time.Millisecond},
		},
		Factors: map[string]FactorPolicy{
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
		},
	}
}

// Load reads configuration once at process start: defaults, then the config
// file named by GATEKEEP_CONFIG (if any), then environment overrides of the
// form GATEKEEP_REDIS_ADDR, GATEKEEP_LOCKS_ONCHAIN_TTL, and so on.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if p := os.Getenv("GATEKEEP_CONFIG"); p != "" {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", p, err)
		}
	}
	return fromViper(v)
}

// LoadFile reads configuration from an explicit file plus environment
// overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()

	if addr := v.GetString("redis.addr"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := v.GetString("redis.password"); pw != "" {
		cfg.Redis.Password = pw
	}
	if v.IsSet("redis.db") {
		cfg.Redis.DB = v.GetInt("redis.db")
	}

	// Environment variables are invisible to GetStringMap, so iterating the
	// file's sections alone would skip env-only overrides of the shipped
	// classes and factors. The defaults' names are merged in so IsSet, which
	// does consult the environment, gets a chance to fire for each field.
	lockNames := make(map[string]struct{}, len(cfg.Locks))
	for name := range cfg.Locks {
		lockNames[name] = struct{}{}
	}
	for name := range v.GetStringMap("locks") {
		lockNames[name] = struct{}{}
	}
	for name := range lockNames {
		class := cfg.Locks[name] // zero value for classes not in defaults
		if class.RetryInterval == 0 {
			class.RetryInterval = 25 * time.Millisecond
		}
		prefix := "locks." + name + "."
		if v.IsSet(prefix + "ttl") {
			class.TTL = v.GetDuration(prefix + "ttl")
		}
		if v.IsSet(prefix + "max_wait") {
			class.MaxWait = v.GetDuration(prefix + "max_wait")
		}
		if v.IsSet(prefix + "retry_interval") {
			class.RetryInterval = v.GetDuration(prefix + "retry_interval")
		}
		if v.IsSet(prefix + "fail_open") {
			class.FailOpen = v.GetBool(prefix + "fail_open")
		}
		cfg.Locks[name] = class
	}

	factorNames := make(map[string]struct{}, len(cfg.Factors))
	for name := range cfg.Factors {
		factorNames[name] = struct{}{}
	}
	for name := range v.GetStringMap("factors") {
		factorNames[name] = struct{}{}
	}
	for name := range factorNames {
		policy := cfg.Factors[name]
		prefix := "factors." + name + "."
		if v.IsSet(prefix + "max_attempts") {
			policy.MaxAttempts = v.GetInt(prefix + "max_attempts")
		}
		if v.IsSet(prefix + "window") {
			policy.Window = v.GetDuration(prefix + "window")
		}
		if v.IsSet(prefix + "lockout_schedule") {
			raw := v.GetStringSlice(prefix + "lockout_schedule")
			schedule := make([]time.Duration, 0, len(raw))
			for _, s := range raw {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, fmt.Errorf("config: factor %s lockout_schedule entry %q: %w", name, s, err)
				}
				schedule = append(schedule, d)
			}
			policy.LockoutSchedule = schedule
		}
		if v.IsSet(prefix + "sequence_ttl") {
			policy.SequenceTTL = v.GetDuration(prefix + "sequence_ttl")
		}
		if v.IsSet(prefix + "replay_ttl") {
			policy.ReplayTTL = v.GetDuration(prefix + "replay_ttl")
		}
		cfg.Factors[name] = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would undermine the subsystem's
// guarantees.
func (c *Config) Validate() error {
	if len(c.Locks) == 0 {
		return fmt.Errorf("config: no lock classes configured")
	}
	for name, class := range c.Locks {
		if class.TTL <= 0 {
			return fmt.Errorf("config: lock class %s: ttl must be positive", name)
		}
		if class.MaxWait <= 0 {
			return fmt.Errorf("config: lock class %s: max_wait must be positive", name)
		}
		if class.RetryInterval <= 0 {
			return fmt.Errorf("config: lock class %s: retry_interval must be positive", name)
		}
	}
	if len(c.Factors) == 0 {
		return fmt.Errorf("config: no factor policies configured")
	}
	for name, policy := range c.Factors {
		if policy.MaxAttempts <= 0 {
			return fmt.Errorf("config: factor %s: max_attempts must be positive", name)
		}
		if policy.Window <= 0 {
			return fmt.Errorf("config: factor %s: window must be positive", name)
		}
		if len(policy.LockoutSchedule) == 0 {
			return fmt.Errorf("config: factor %s: lockout_schedule must not be empty", name)
		}
		for i := 1; i < len(policy.LockoutSchedule); i++ {
			if policy.LockoutSchedule[i] < policy.LockoutSchedule[i-1] {
				return fmt.Errorf("config: factor %s: lockout_schedule must not shrink", name)
			}
		}
		if policy.SequenceTTL <= 0 {
			return fmt.Errorf("config: factor %s: sequence_ttl must be positive", name)
		}
		if policy.ReplayTTL < 0 {
			return fmt.Errorf("config: factor %s: replay_ttl must not be negative", name)
		}
	}
	return nil
}
