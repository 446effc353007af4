package harvest

import (
	"errors"
	"fmt"
)

// ErrNotFound means the portal has no record for a syntactically valid BBL.
// It is never retried and the parcel is never marked done.
var ErrNotFound = errors.New("no property record for parcel")

// ErrSystemicFailure signals that the fetcher is broken across consecutive
// parcels (e.g. the portal changed its page structure) and the whole run
// should halt rather than burn rate-limit budget for zero yield.
var ErrSystemicFailure = errors.New("fetcher failing systemically")

// TransientError wraps failures that may succeed on retry: timeouts,
// connection resets, portal queue interstitials, 5xx responses.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return "transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps failures that retrying would never fix, most importantly
// a detail page whose structure no longer matches what the parser expects.
// That is the signal that the adapter itself needs maintenance.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError with the given reason.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// Fatal wraps err as a FatalError with the given reason.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
