package consumer

import "fmt"

// StorageFailure wraps a failed raw-observation persistence attempt
// (spec.md §7). Persistence is an audit trail, not a prerequisite for
// alerting, so this error is always logged and never propagated to the
// caller.
type StorageFailure struct {
	Cause error
}

func (e *StorageFailure) Error() string { return fmt.Sprintf("storage failure: %v", e.Cause) }
func (e *StorageFailure) Unwrap() error  { return e.Cause }
