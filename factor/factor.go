// Package factor verifies the authentication evidence presented with a
// withdrawal request: time-based one-time codes (2FA) and PINs. Verification
// is read-only against the credential store; recording successes and
// failures is the attempt governor's job, not this package's.
package factor

import (
	"context"

	"github.com/pquerna/otp/totp"
)

// Type identifies an authentication factor.
type Type string

const (
	// TypeTOTP is a 30-second-step authenticator code.
	TypeTOTP Type = "totp"
	// TypePIN is the account's withdrawal PIN.
	TypePIN Type = "pin"
)

// Evidence maps factor types to the values presented by the caller.
type Evidence map[Type]string

// CredentialStore provides read-only access to per-account verification
// material. Implementations live outside this subsystem.
type CredentialStore interface {
	// SecondFactorSecret returns the account's TOTP secret.
	SecondFactorSecret(ctx context.Context, account string) (string, error)
	// PINHash returns the account's encoded PIN hash.
	PINHash(ctx context.Context, account string) (string, error)
}

// Verifier checks presented evidence against stored credentials.
type Verifier struct {
	creds CredentialStore
}

// NewVerifier returns a Verifier reading from creds.
func NewVerifier(creds CredentialStore) *Verifier {
	return &Verifier{creds: creds}
}

// Verify reports whether presented is valid for (account, t). A false result
// with a nil error is an ordinary verification failure; errors are reserved
// for credential store problems.
func (v *Verifier) Verify(ctx context.Context, account string, t Type, presented string) (bool, error) {
	switch t {
	case TypeTOTP:
		secret, err := v.creds.SecondFactorSecret(ctx, account)
		if err != nil {
			return false, err
		}
		return totp.Validate(presented, secret), nil
	case TypePIN:
		hash, err := v.creds.PINHash(ctx, account)
		if err != nil {
			return false, err
		}
		return VerifyPIN(presented, hash), nil
	default:
		return false, nil
	}
}
