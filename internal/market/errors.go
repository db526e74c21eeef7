package market

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrSourceUnavailable: a data source failed; degrade, don't fail the scan.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrStaleData: not enough fresh price observations to trade on.
	ErrStaleData = errors.New("stale data")
	// ErrValidationRejected: the admission gate or a pre-submit check refused.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrExecutionFailed: the swap service or network rejected the transaction.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrExecutionTimeout: confirmation was not observed in time. The
	// transaction may still land and must not be resubmitted blindly.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrConfigInvalid is fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")
)

// RejectionError carries the reasons a trade was refused.
type RejectionError struct {
	Reasons []string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationRejected, strings.Join(e.Reasons, "; "))
}

func (e *RejectionError) Unwrap() error { return ErrValidationRejected }

// Reject builds a RejectionError. At least one reason is required; an empty
// call still yields a non-empty reason list.
func Reject(reasons ...string) *RejectionError {
	if len(reasons) == 0 {
		reasons = []string{"UNSPECIFIED"}
	}
	return &RejectionError{Reasons: reasons}
}

// SourceError wraps ErrSourceUnavailable with the failing source name.
func SourceError(source string, err error) error {
	return fmt.Errorf("%s: %w: %w", source, ErrSourceUnavailable, err)
}
