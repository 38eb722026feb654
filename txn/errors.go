package txn

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrInvalidArgument is returned by Begin for an empty operation list or
	// an operation against a table outside the allow-list.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned for an unknown transaction id.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyExecuted is returned when Execute is called twice for the
	// same transaction.
	ErrAlreadyExecuted = errors.New("transaction already executed")
)

// ValidationError rejects one operation before it is applied. It is never
// retried; it aborts the transaction and triggers compensation of every
// operation applied before it.
type ValidationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s.%s: %s", e.Table, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Table, e.Reason)
}

// NonCompensatableError means a compensating write failed after exhausting its
// retry budget. The transaction is terminal failed and its residual applied
// operations need manual reconciliation against the store.
type NonCompensatableError struct {
	// Index of the operation whose compensation failed, in Begin order.
	Index int
	Op    *Operation
	Cause error
}

func (e *NonCompensatableError) Error() string {
	return fmt.Sprintf("operation %d (%s %s) could not be compensated: %v", e.Index, e.Op.Kind, e.Op.Table, e.Cause)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}
