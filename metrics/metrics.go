// Package metrics exposes gatekeep's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_lock_acquired_total",
		Help: "Total number of withdrawal locks acquired",
	})
	// LockTimeoutCounter tracks acquisitions abandoned at maxWait.
	LockTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_lock_timeout_total",
		Help: "Total number of lock acquisitions that timed out",
	})
	// StaleReleaseCounter tracks releases presented with a token that no
	// longer matches the holder.
	StaleReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_lock_stale_release_total",
		Help: "Total number of lock releases with a stale token",
	})
	// FactorDeniedCounter tracks attempts denied by an active lockout.
	FactorDeniedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_factor_denied_total",
		Help: "Total number of factor checks denied by a lockout",
	})
	// LockoutCounter tracks new lockout markers written.
	LockoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_lockouts_total",
		Help: "Total number of lockouts imposed",
	})
	// ReplayCounter tracks one-time codes rejected as replays.
	ReplayCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_replays_total",
		Help: "Total number of one-time code replays rejected",
	})
	// ApprovedCounter tracks withdrawals that reached RESERVED.
	ApprovedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_authorizations_approved_total",
		Help: "Total number of approved withdrawal authorizations",
	})
	// FailOpenCounter tracks authorizations that proceeded without a lock
	// because the store was down and the resource class permits fail-open.
	FailOpenCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_fail_open_total",
		Help: "Total number of authorizations that used the fail-open override",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers all gatekeep collectors on the provided registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquiredCounter,
		LockTimeoutCounter,
		StaleReleaseCounter,
		FactorDeniedCounter,
		LockoutCounter,
		ReplayCounter,
		ApprovedCounter,
		FailOpenCounter,
	)
}
