package reclaim

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrWithStatusCode is an interface for errors that carry a specific HTTP
// status code, either to set on a response or to classify a failed upstream
// call.
type ErrWithStatusCode interface {
	error
	StatusCode() int
}

// ErrWithRetryAfter is an interface for errors that should set a specific
// Retry-After value on the response.
type ErrWithRetryAfter interface {
	error
	// RetryAfter returns the number of seconds to wait before retry.
	RetryAfter() int
}

// InvalidArgumentError is returned when invalid data is presented to a
// service method. It is rejected synchronously and never retried.
type InvalidArgumentError struct {
	Errors []InvalidArgument
}

// InvalidArgument is the details about a single invalid argument.
type InvalidArgument struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// NewInvalidArgumentError returns an InvalidArgumentError with at least one
// error.
func NewInvalidArgumentError(name, reason string) *InvalidArgumentError {
	invalid := &InvalidArgumentError{}
	invalid.Append(name, reason)
	return invalid
}

// Append adds an additional invalid argument.
func (e *InvalidArgumentError) Append(name, reason string) {
	e.Errors = append(e.Errors, InvalidArgument{Name: name, Reason: reason})
}

// Appendf adds an additional invalid argument with a formatted reason.
func (e *InvalidArgumentError) Appendf(name, reasonFmt string, args ...interface{}) {
	e.Append(name, fmt.Sprintf(reasonFmt, args...))
}

// HasErrors returns true if any invalid arguments were accumulated.
func (e *InvalidArgumentError) HasErrors() bool {
	return len(e.Errors) != 0
}

func (e *InvalidArgumentError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "validation failed"
	case 1:
		return fmt.Sprintf("validation failed: %s %s", e.Errors[0].Name, e.Errors[0].Reason)
	default:
		var sb strings.Builder
		sb.WriteString("validation failed:")
		for _, ia := range e.Errors {
			sb.WriteString(" ")
			sb.WriteString(ia.Name)
			sb.WriteString(" ")
			sb.WriteString(ia.Reason)
		}
		return sb.String()
	}
}

// Invalid returns the invalid arguments for transport encoding.
func (e *InvalidArgumentError) Invalid() []InvalidArgument {
	return e.Errors
}

func (e *InvalidArgumentError) StatusCode() int {
	return http.StatusUnprocessableEntity
}

// NotFoundError is returned when a referenced job or intervention does not
// exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s was not found", e.Kind, e.ID)
}

func (e *NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

// IsNotFound implements the interface checked by the transport layer.
func (e *NotFoundError) IsNotFound() bool {
	return true
}

// ConflictError is returned when an operation is not valid for the current
// state of a job or intervention.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) StatusCode() int {
	return http.StatusConflict
}

// StatusError tags an upstream call failure with the HTTP status the
// integration returned, so the retry classifier can decide retryability.
type StatusError struct {
	Code int
	Err  error
}

func NewStatusError(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %s", e.Code, e.Err.Error())
	}
	return fmt.Sprintf("status %d", e.Code)
}

func (e *StatusError) StatusCode() int { return e.Code }

func (e *StatusError) Unwrap() error { return e.Err }
