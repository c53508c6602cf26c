// Package authorize sequences a withdrawal authorization: per-(account,
// currency) lock acquisition, factor checks through the attempt governor,
// then balance validation and funds reservation, with the lock released on
// every exit path. It is the only caller of the lock manager and the
// governor, and the single surface the route layer consumes.
package authorize

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coinhold/gatekeep/audit"
	"github.com/coinhold/gatekeep/config"
	gkerrors "github.com/coinhold/gatekeep/errors"
	"github.com/coinhold/gatekeep/events"
	"github.com/coinhold/gatekeep/factor"
	"github.com/coinhold/gatekeep/governor"
	"github.com/coinhold/gatekeep/keys"
	"github.com/coinhold/gatekeep/lock"
	"github.com/coinhold/gatekeep/metrics"
)

var tracer = otel.Tracer("github.com/coinhold/gatekeep/authorize")

// releaseTimeout bounds the deferred lock release so a dying request context
// cannot leave the release half-done; the TTL remains the backstop.
const releaseTimeout = 2 * time.Second

// Ledger is the external account store. It is consulted only after lock
// acquisition and factor success.
type Ledger interface {
	// Balance returns the available balance in minor units.
	Balance(ctx context.Context, account, currency string) (int64, error)
	// Reserve earmarks amount for withdrawal, returning
	// gkerrors.ErrInsufficientFunds when it cannot be covered.
	Reserve(ctx context.Context, account, currency string, amount int64) error
}

// Code discriminates authorization outcomes.
type Code string

const (
	CodeApproved          Code = "approved"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeInvalidFactor     Code = "invalid_factor"
	CodeLockedOut         Code = "locked_out"
	// CodeBusy means another withdrawal holds the account+currency lock.
	// It maps to a retryable client error, never a server error.
	CodeBusy Code = "busy"
	// CodeUnavailable means the keyed store (or another collaborator)
	// was unreachable and the request failed closed.
	CodeUnavailable Code = "unavailable"
)

// Request is one withdrawal authorization attempt.
type Request struct {
	Account  string
	Currency string
	// Class selects the lock TTL and fail-open policy ("onchain", "bank").
	Class string
	// Amount is in the currency's minor units.
	Amount   int64
	Evidence factor.Evidence
}

// Result is the caller-facing outcome.
type Result struct {
	Code Code
	// Factor names the factor behind InvalidFactor and LockedOut results.
	Factor factor.Type
	// AttemptsRemaining accompanies InvalidFactor.
	AttemptsRemaining int
	// RetryAfter accompanies LockedOut.
	RetryAfter time.Duration
}

// Authorizer orchestrates withdrawal authorizations.
type Authorizer struct {
	locks    *lock.Manager
	gov      *governor.Governor
	verifier *factor.Verifier
	ledger   Ledger
	classes  map[string]config.LockClass
	order    []factor.Type
	bus      events.Bus
	recorder audit.Recorder
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithEvents publishes security events (lockouts, replays, fail-open use)
// to bus.
func WithEvents(bus events.Bus) Option {
	return func(a *Authorizer) { a.bus = bus }
}

// WithAudit records every decision with rec. Audit failures are logged and
// never fail the authorization.
func WithAudit(rec audit.Recorder) Option {
	return func(a *Authorizer) { a.recorder = rec }
}

// WithFactorOrder overrides the factors an endpoint requires and the order
// they are checked in.
func WithFactorOrder(order ...factor.Type) Option {
	return func(a *Authorizer) { a.order = order }
}

// New returns an Authorizer. By default both the 2FA code and the PIN are
// required, 2FA first.
func New(locks *lock.Manager, gov *governor.Governor, verifier *factor.Verifier,
	ledger Ledger, classes map[string]config.LockClass, opts ...Option) *Authorizer {
	a := &Authorizer{
		locks:    locks,
		gov:      gov,
		verifier: verifier,
		ledger:   ledger,
		classes:  classes,
		order:    []factor.Type{factor.TypeTOTP, factor.TypePIN},
		recorder: audit.Noop{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize runs one withdrawal request through the full sequence. All
// recoverable outcomes are reported in the Result; the error return is
// reserved for misuse (unknown resource class) and context cancellation.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "Authorizer.Authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("gatekeep.account", req.Account),
		attribute.String("gatekeep.currency", req.Currency),
		attribute.String("gatekeep.class", req.Class),
	)

	class, ok := a.classes[req.Class]
	if !ok {
		return Result{}, errors.New("authorize: unknown resource class " + req.Class)
	}

	res, err := a.withLock(ctx, req, class)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("gatekeep.result", string(res.Code)))
	a.record(ctx, req, res)
	return res, nil
}

// withLock acquires the per-(account, currency) lock, runs the guarded
// sequence, and guarantees release with the exact acquisition token.
func (a *Authorizer) withLock(ctx context.Context, req Request, class config.LockClass) (Result, error) {
	lockKey := keys.Lock(req.Class, req.Account, req.Currency)
	token, err := a.locks.Acquire(ctx, lockKey, class.TTL, class.MaxWait, class.RetryInterval)
	switch {
	case err == nil:
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if rerr := a.locks.Release(rctx, lockKey, token); rerr != nil {
				slog.Warn("gatekeep: lock release failed", "key", lockKey, "error", rerr)
			}
		}()
	case errors.Is(err, gkerrors.ErrLockTimeout):
		slog.Info("gatekeep: withdrawal busy",
			"account", req.Account, "currency", req.Currency, "class", req.Class)
		a.emit(ctx, events.KindLockTimeout, req, "")
		return Result{Code: CodeBusy}, nil
	case errors.Is(err, gkerrors.ErrStoreUnavailable):
		if !class.FailOpen {
			slog.Error("gatekeep: keyed store unreachable, failing closed",
				"account", req.Account, "class", req.Class, "error", err)
			return Result{Code: CodeUnavailable}, nil
		}
		// Documented availability override: proceed without mutual
		// exclusion for this class only.
		metrics.FailOpenCounter.Inc()
		slog.Error("gatekeep: keyed store unreachable, proceeding fail-open",
			"account", req.Account, "class", req.Class, "error", err)
		a.emit(ctx, events.KindFailOpenUsed, req, "")
		token = ""
	default:
		// Context cancellation while polling; the caller is gone.
		return Result{}, err
	}

	return a.authorizeLocked(ctx, req)
}

// authorizeLocked runs the factor checks and the ledger steps. Factor checks
// come first so a locked-out account fails fast without touching the ledger.
func (a *Authorizer) authorizeLocked(ctx context.Context, req Request) (Result, error) {
	for _, ft := range a.order {
		res, ok, err := a.checkFactor(ctx, req, ft)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return res, nil
		}
	}

	balance, err := a.ledger.Balance(ctx, req.Account, req.Currency)
	if err != nil {
		slog.Error("gatekeep: balance read failed",
			"account", req.Account, "currency", req.Currency, "error", err)
		return Result{Code: CodeUnavailable}, nil
	}
	if req.Amount > balance {
		return Result{Code: CodeInsufficientFunds}, nil
	}
	if err := a.ledger.Reserve(ctx, req.Account, req.Currency, req.Amount); err != nil {
		if errors.Is(err, gkerrors.ErrInsufficientFunds) {
			return Result{Code: CodeInsufficientFunds}, nil
		}
		slog.Error("gatekeep: funds reservation failed",
			"account", req.Account, "currency", req.Currency, "error", err)
		return Result{Code: CodeUnavailable}, nil
	}

	metrics.ApprovedCounter.Inc()
	slog.Info("gatekeep: withdrawal authorized",
		"account", req.Account, "currency", req.Currency, "amount", req.Amount)
	return Result{Code: CodeApproved}, nil
}

// checkFactor verifies one factor. The governor is consulted first; replay
// detection precedes cryptographic verification so an intercepted code is
// dead the moment it is first consumed. Authentication success resets the
// governor immediately, regardless of how the rest of the withdrawal fares:
// authentication and funds availability are independent concerns.
func (a *Authorizer) checkFactor(ctx context.Context, req Request, ft factor.Type) (Result, bool, error) {
	name := string(ft)
	dec, err := a.gov.CheckAllowed(ctx, name, req.Account)
	if err != nil {
		return a.governorUnavailable(req, err), false, nil
	}
	if !dec.Allowed {
		a.emit(ctx, events.KindLockout, req, ft)
		return Result{Code: CodeLockedOut, Factor: ft, RetryAfter: dec.RetryAfter}, false, nil
	}

	presented, ok := req.Evidence[ft]
	if !ok || presented == "" {
		// Absent evidence is a malformed request, not a wrong guess; it
		// does not consume an attempt.
		return Result{Code: CodeInvalidFactor, Factor: ft, AttemptsRemaining: dec.Remaining}, false, nil
	}

	if ft == factor.TypeTOTP {
		replay, err := a.gov.CheckAndMarkReplay(ctx, name, req.Account, presented)
		if err != nil {
			return a.governorUnavailable(req, err), false, nil
		}
		if replay {
			// The caller sees an ordinary invalid factor; the distinct
			// event is the fraud-monitoring signal.
			a.emit(ctx, events.KindReplayDetected, req, ft)
			return a.recordFailedFactor(ctx, req, ft, dec), false, nil
		}
	}

	valid, err := a.verifier.Verify(ctx, req.Account, ft, presented)
	if err != nil {
		slog.Error("gatekeep: credential read failed",
			"account", req.Account, "factor", name, "error", err)
		return Result{Code: CodeUnavailable}, false, nil
	}
	if !valid {
		return a.recordFailedFactor(ctx, req, ft, dec), false, nil
	}
	if err := a.gov.RecordSuccess(ctx, name, req.Account); err != nil {
		return a.governorUnavailable(req, err), false, nil
	}
	return Result{}, true, nil
}

func (a *Authorizer) recordFailedFactor(ctx context.Context, req Request, ft factor.Type, dec governor.Decision) Result {
	if _, err := a.gov.RecordFailure(ctx, string(ft), req.Account); err != nil {
		return a.governorUnavailable(req, err)
	}
	remaining := dec.Remaining - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Code: CodeInvalidFactor, Factor: ft, AttemptsRemaining: remaining}
}

// governorUnavailable fails closed unconditionally: skipping the attempt
// governor during an outage would let a brute force ride the outage.
func (a *Authorizer) governorUnavailable(req Request, err error) Result {
	slog.Error("gatekeep: attempt governor unavailable, failing closed",
		"account", req.Account, "error", err)
	return Result{Code: CodeUnavailable}
}

func (a *Authorizer) emit(ctx context.Context, kind events.Kind, req Request, ft factor.Type) {
	if a.bus == nil {
		return
	}
	e := events.New(kind, req.Account)
	e.Currency = req.Currency
	e.Class = req.Class
	e.Factor = string(ft)
	if err := a.bus.Publish(ctx, e); err != nil {
		slog.Warn("gatekeep: security event publish failed", "kind", kind, "error", err)
	}
}

func (a *Authorizer) record(ctx context.Context, req Request, res Result) {
	entry := audit.Entry{
		Account:  req.Account,
		Currency: req.Currency,
		Class:    req.Class,
		Amount:   req.Amount,
		Code:     string(res.Code),
		Factor:   string(res.Factor),
	}
	if err := a.recorder.Record(ctx, entry); err != nil {
		slog.Warn("gatekeep: audit record failed", "account", req.Account, "error", err)
	}
}
