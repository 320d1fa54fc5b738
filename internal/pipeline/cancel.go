package pipeline

import (
	"errors"

	"lectern/internal/services"
)

// CancelReason says why a run was stopped before finishing.
type CancelReason string

const (
	ReasonRequested CancelReason = "requested"
	ReasonDeleted   CancelReason = "deleted"
	ReasonShutdown  CancelReason = "shutdown"
)

// CancelError is the context cause attached to a cancelled run.
type CancelError struct {
	Reason CancelReason
}

func (e *CancelError) Error() string {
	return "run cancelled: " + string(e.Reason)
}

// Is matches services.ErrCanceled.
func (e *CancelError) Is(target error) bool {
	return target == services.ErrCanceled
}

func reasonOf(err error) CancelReason {
	var ce *CancelError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ReasonRequested
}
