package remote

import "errors"

// Common errors returned by remote operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, remote.ErrAuthRequired) {
//	    // Prompt the user to sign in again
//	}
var (
	// ErrUnavailable is returned when the remote cannot be reached or
	// answers with a server error. The operation is worth retrying.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrAuthRequired is returned when the request lacks a valid
	// identity: no session, or a token the remote rejected.
	ErrAuthRequired = errors.New("authentication required")

	// ErrOwnership is returned when the trip exists but belongs to a
	// different user. Retrying cannot help.
	ErrOwnership = errors.New("trip owned by another user")

	// ErrValidation is returned when the remote rejects the payload as
	// malformed. Retrying the same payload cannot help.
	ErrValidation = errors.New("remote rejected payload")

	// ErrNotFound is returned when the requested trip does not exist
	// remotely.
	ErrNotFound = errors.New("trip not found remotely")

	// ErrSubscriptionClosed is returned by a subscription that was
	// closed, either explicitly or by the remote.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// IsRetryable returns true if the error is likely to succeed on retry.
// The outbox uses this to decide between re-queueing an item and
// failing it outright.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Connectivity comes and goes
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	// A token refresh or re-login can fix this between attempts
	if errors.Is(err, ErrAuthRequired) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error needs the user to do
// something before a retry can succeed (sign in, give up on a trip that
// is not theirs).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAuthRequired) {
		return true
	}

	if errors.Is(err, ErrOwnership) {
		return true
	}

	return false
}
