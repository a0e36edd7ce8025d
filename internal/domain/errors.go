// Package domain defines the records, storage contracts and error taxonomy
// shared by the challenge integration core.
package domain

import "errors"

var (
	// ErrNotConnected indicates the owner has no stored provider credential.
	ErrNotConnected = errors.New("provider account not connected")
	// ErrRefreshFailed indicates the token endpoint rejected or did not answer a refresh.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrProviderUnavailable indicates the activity listing could not be fetched.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrDuplicateSkipped indicates an activity with the same external source id already exists for the user.
	ErrDuplicateSkipped = errors.New("activity already recorded for external source id")
	// ErrPersistenceFailure indicates the ledger could not commit an append.
	ErrPersistenceFailure = errors.New("activity ledger persistence failure")
	// ErrInvalidActivity is returned when an activity input fails validation.
	ErrInvalidActivity = errors.New("invalid activity")
	// ErrTxConflict is reported by stores when a transaction lost a race and may be retried.
	ErrTxConflict = errors.New("transaction conflict")
	// ErrAuthorizationFailed indicates the provider rejected an authorization code exchange.
	ErrAuthorizationFailed = errors.New("provider authorization failed")
	// ErrInvalidState is returned when an authorization callback carries an unknown or expired state.
	ErrInvalidState = errors.New("invalid or expired authorization state")
)
