package widget

import (
	"errors"
	"fmt"
)

// ValidationError is returned when input has the wrong shape. It is raised at
// the API boundary and never reaches the dispatcher queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("widget: invalid %s: %s", e.Field, e.Reason)
}

// LimitExceededError is returned when creating a widget would exceed the
// edition cap.
type LimitExceededError struct {
	Limit   int
	Edition string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("widget: limit of %d widgets reached for %s edition", e.Limit, e.Edition)
}

// DuplicateWidgetIDError is returned when a widget id is already stored.
type DuplicateWidgetIDError struct {
	WidgetID string
}

func (e *DuplicateWidgetIDError) Error() string {
	return fmt.Sprintf("widget: id already exists: %s", e.WidgetID)
}

// NotFoundError is returned when a widget or modifier referenced by id does
// not exist.
type NotFoundError struct {
	Kind string // "widget", "modifier"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("widget: %s not found: %s", e.Kind, e.ID)
}

// TransportFailureError is returned when the renderer could not even start an
// operation (script evaluation, navigation). A script that runs and reports an
// error is not a transport failure.
type TransportFailureError struct {
	WidgetID string
	Op       string
	Cause    error
}

func (e *TransportFailureError) Error() string {
	return fmt.Sprintf("widget: %s on %s failed: %v", e.Op, e.WidgetID, e.Cause)
}

func (e *TransportFailureError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDuplicate reports whether err carries a DuplicateWidgetIDError.
func IsDuplicate(err error) bool {
	var de *DuplicateWidgetIDError
	return errors.As(err, &de)
}

// IsLimitExceeded reports whether err carries a LimitExceededError.
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}
