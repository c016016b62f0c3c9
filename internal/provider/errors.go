package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired means the stored grant is no longer usable and the
	// user must re-authorize. Callers must not retry past this.
	ErrAuthExpired = errors.New("provider authorization expired")

	// ErrPermissionDenied means the grant is valid but lacks a
	// data-sharing scope. Distinct from ErrAuthExpired: the fix is a
	// scope grant, not re-authentication.
	ErrPermissionDenied = errors.New("provider permission denied")

	// ErrBackfillInFlight means the provider already has a backfill
	// request pending for this window. Treated as success by callers.
	ErrBackfillInFlight = errors.New("backfill request already in flight")

	// ErrFileGone means an activity file download URL has expired.
	// Permanently unrecoverable for the referencing event.
	ErrFileGone = errors.New("activity file no longer available")

	// ErrNotFound means the provider does not know the requested
	// activity. Not retryable.
	ErrNotFound = errors.New("activity not found")

	// ErrRateLimited means the provider rejected the call with a 429.
	// The data is intact; the call succeeds once the quota window rolls
	// over, so callers schedule a retry instead of failing hard.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// TransientError marks network failures and provider 5xx responses,
// which are eligible for the scheduled reprocessing pass.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is eligible for reprocessing.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
