package stage

import (
	"fmt"

	"lectern/internal/services"
)

// Error is the failure a stage reports. Kind is services.KindTransient or
// services.KindPermanent; anything else is treated as transient.
type Error struct {
	Kind   services.Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

// Unwrap exposes the classification marker and the cause.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	marker := services.ErrTransient
	if e.Kind == services.KindPermanent {
		marker = services.ErrPermanent
	}
	if e.Err == nil {
		return []error{marker}
	}
	return []error{marker, e.Err}
}

// Transient reports a failure worth retrying (network, overload).
func Transient(detail string, err error) error {
	return &Error{Kind: services.KindTransient, Detail: detail, Err: err}
}

// Permanent reports a failure that retrying cannot fix (bad input).
func Permanent(detail string, err error) error {
	return &Error{Kind: services.KindPermanent, Detail: detail, Err: err}
}

// KindOf classifies err. Unclassified errors are transient.
func KindOf(err error) services.Kind {
	return services.KindOf(err)
}
