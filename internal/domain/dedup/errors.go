package dedup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks malformed merge requests. No database work is
	// attempted for them.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound marks a referenced patient that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress is returned when another merge or dedup run holds the
	// run lock.
	ErrRunInProgress = errors.New("a deduplication run is already in progress")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// TransactionError is a failure inside one group's atomic unit. Nothing the
// group did was committed.
type TransactionError struct {
	Group string
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("group %s rolled back: %v", e.Group, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// PartialRunError is returned by a visit run that stopped at a failing group.
// Result holds the counters of the groups committed before it.
type PartialRunError struct {
	Result *VisitDedupResult
	Err    error
}

func (e *PartialRunError) Error() string {
	return fmt.Sprintf("visit deduplication stopped after %d committed groups: %v", e.Result.VisitsKept, e.Err)
}

func (e *PartialRunError) Unwrap() error { return e.Err }
