// Package keys centralizes the key naming scheme for every record kept in
// the ephemeral store. The four record types are independent; they correlate
// only by sharing the account identifier embedded in their keys.
package keys

// Key layout:
//
//	lock:<class>:<account>:<currency>   lock record, value = holder token
//	attempts:<factor>:<account>         consecutive-failure counter
//	lockout:<factor>:<account>          lockout marker, value = expiry unix
//	lockseq:<factor>:<account>          consecutive-lockout counter
//	used:<factor>:<account>:<code>      one-time-code replay marker

// Lock returns the lock record key for one (class, account, currency).
func Lock(class, account, currency string) string {
	return "lock:" + class + ":" + account + ":" + currency
}

// Attempts returns the failure counter key for one (factor, account).
func Attempts(factor, account string) string {
	return "attempts:" + factor + ":" + account
}

// Lockout returns the lockout marker key for one (factor, account).
func Lockout(factor, account string) string {
	return "lockout:" + factor + ":" + account
}

// LockoutSeq returns the consecutive-lockout counter key for one
// (factor, account).
func LockoutSeq(factor, account string) string {
	return "lockseq:" + factor + ":" + account
}

// Used returns the replay marker key for one presented code value.
func Used(factor, account, code string) string {
	return "used:" + factor + ":" + account + ":" + code
}
