package model

import "errors"

// Error taxonomy for the delivery core. Callers classify failures with
// errors.Is; wrapping preserves the underlying cause.
var (
	// ErrAuthentication marks a missing, invalid or expired credential.
	// The connection or request is rejected before any mutation occurs.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization marks an operation the caller is not allowed to
	// perform, such as sending into a conversation they do not belong to
	// or recalling another user's message. Nothing is broadcast.
	ErrAuthorization = errors.New("not authorized")

	// ErrNotFound marks an absent conversation or message.
	ErrNotFound = errors.New("not found")

	// ErrPersistence marks a store write failure. The triggering operation
	// aborts atomically: a message is either fully created and eligible
	// for broadcast, or not created and not broadcast.
	ErrPersistence = errors.New("persistence failure")

	// ErrUnrepairable marks a degraded private conversation for which no
	// repair candidate could be found.
	ErrUnrepairable = errors.New("conversation unrepairable")
)
