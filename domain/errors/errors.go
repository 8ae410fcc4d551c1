// Package errors provides the error types of the reflection channel.
// All error types support error unwrapping via errors.As() and errors.Is().
//
// Errors fall into three groups:
//   - protocol violations (ProtocolError): the two images disagree about the
//     ABI. They are fatal to the dispatcher and never recovered.
//   - resource failures (StatusError): reported in-band by the host through
//     the status word of a reply; the calling client may recover.
//   - transient full/empty queue conditions, which never surface as errors
//     above the queue layer.
package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/hostreflect/hostreflect/wireformat"
)

// Sentinels matched by StatusError.Unwrap, one per non-OK status.
var (
	ErrNotFound        = stdErrors.New("not found")
	ErrNotOpen         = stdErrors.New("not open")
	ErrOutOfBounds     = stdErrors.New("out of bounds")
	ErrIO              = stdErrors.New("i/o error")
	ErrInvalidArgument = stdErrors.New("invalid argument")
	ErrInternal        = stdErrors.New("internal host error")
)

// ErrChannelClosed is returned by senders and waiters once a channel has been
// shut down without a more specific cause.
var ErrChannelClosed = stdErrors.New("reflection channel closed")

// ErrorDetail provides structured error information for logs and CLI output.
// Error Types: "protocol", "status", "config", "internal"
type ErrorDetail struct {
	// Wrapped contains a wrapped error for error chains.
	Wrapped *ErrorDetail `json:"wrapped,omitempty"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Type categorizes the error.
	Type string `json:"type"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// IsNotFound indicates if this was a "not found" error.
	IsNotFound bool `json:"is_not_found,omitempty"`
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != "internal" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped.Error())
	}
	return msg
}

// DetailedError is implemented by error types that can convert themselves to
// a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *ErrorDetail
}

// ToErrorDetail converts a Go error to our structured ErrorDetail.
func ToErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	var e *ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &ErrorDetail{
		Message: err.Error(),
		Type:    "internal",
	}
}

// ProtocolError reports a frame that violates the wire contract: an unknown
// handler id, a malformed header, a payload of the wrong size. It indicates a
// build or version mismatch between the two images.
type ProtocolError struct {
	Err     error
	Reason  string
	Handler wireformat.HandlerID
}

func (e *ProtocolError) Error() string {
	if e.Handler != wireformat.HandlerInvalid {
		return fmt.Sprintf("protocol violation (%s) on %s: %v", e.Reason, e.Handler, e.Err)
	}
	return fmt.Sprintf("protocol violation (%s): %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ProtocolError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "protocol", Code: e.Reason}
}

// NewProtocolError wraps err as a protocol violation not tied to a handler.
func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err, Handler: wireformat.HandlerInvalid}
}

// StatusError is a non-OK status carried in a reply payload.
type StatusError struct {
	Op     string
	Status wireformat.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Unwrap returns the sentinel for the status, so callers can match with
// errors.Is(err, ErrNotOpen).
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case wireformat.StatusNotFound:
		return ErrNotFound
	case wireformat.StatusNotOpen:
		return ErrNotOpen
	case wireformat.StatusOutOfBounds:
		return ErrOutOfBounds
	case wireformat.StatusIOError:
		return ErrIO
	case wireformat.StatusInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrInternal
	}
}

// ToErrorDetail implements DetailedError.
func (e *StatusError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{
		Message:    e.Error(),
		Type:       "status",
		Code:       e.Op,
		IsNotFound: e.Status == wireformat.StatusNotFound,
	}
}

// CheckStatus returns nil for StatusOK and a *StatusError otherwise.
func CheckStatus(op string, st wireformat.Status) error {
	if st == wireformat.StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: st}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Err   error
	Field string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config validation failed for field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ConfigError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "config", Code: e.Field}
}
