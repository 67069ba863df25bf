package domain

import "errors"

// Sentinel errors surfaced by the entitlement components. Store-level
// failures are wrapped and passed through; these cover the contract errors
// callers are expected to branch on with errors.Is.
var (
	// ErrEntitlementNotFound is returned when a validation misses both the
	// store and the cache. Callers never receive a default entitlement in
	// place of this error.
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrGracePeriodAlreadyActive rejects a second StartGracePeriod while
	// one is running. Callers should check status first, not retry blindly.
	ErrGracePeriodAlreadyActive = errors.New("grace period already active")

	// ErrNoActiveGracePeriod rejects EndGracePeriod without a running grace
	// period.
	ErrNoActiveGracePeriod = errors.New("no active grace period")

	// ErrNoNetworkConnection is returned by sync and preload operations
	// that refuse to run while offline rather than silently no-op.
	ErrNoNetworkConnection = errors.New("no network connection")

	// ErrStoreUnavailable is returned when the entitlement store is
	// short-circuited after repeated failures and the local cache cannot
	// answer either.
	ErrStoreUnavailable = errors.New("entitlement store unavailable")
)
