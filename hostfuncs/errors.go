package hostfuncs

import (
	"errors"
	"fmt"
	"io/fs"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/wireformat"
)

// ErrorResponse is an in-band failure. It encodes as a reply of the handler's
// fixed size whose status word is set and every other field zeroed, so the
// compute side always receives a well-formed reply instead of a trap.
type ErrorResponse struct {
	// Message is a human-readable description for host logs. It never
	// crosses the boundary.
	Message string

	Handler wireformat.HandlerID
	Status  wireformat.Status
}

// Payload encodes the reply. It returns nil for handlers without a reply
// layout.
func (e ErrorResponse) Payload() []byte {
	p, err := wireformat.StatusReply(e.Handler, e.Status)
	if err != nil {
		return nil
	}
	return p
}

func (e ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Handler, e.Status, e.Message)
}

// NewValidationError creates an error response for a request the host
// refuses to act on.
func NewValidationError(h wireformat.HandlerID, message string) ErrorResponse {
	return ErrorResponse{Handler: h, Status: wireformat.StatusInvalidArgument, Message: message}
}

// NewInternalError creates an error response for unexpected failures.
func NewInternalError(h wireformat.HandlerID, message string) ErrorResponse {
	return ErrorResponse{Handler: h, Status: wireformat.StatusInternal, Message: message}
}

// NewPanicError creates an error response for recovered panics.
func NewPanicError(h wireformat.HandlerID, panicValue any) ErrorResponse {
	var msg string
	if err, ok := panicValue.(error); ok {
		msg = err.Error()
	} else if s, ok := panicValue.(string); ok {
		msg = s
	} else {
		msg = "panic recovered"
	}
	return ErrorResponse{Handler: h, Status: wireformat.StatusInternal, Message: "panic: " + msg}
}

// StatusOf maps a Go error from a service to the status reported in-band.
func StatusOf(err error) wireformat.Status {
	var se *domainErrors.StatusError
	switch {
	case err == nil:
		return wireformat.StatusOK
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, domainErrors.ErrNotFound):
		return wireformat.StatusNotFound
	case errors.Is(err, fs.ErrClosed), errors.Is(err, domainErrors.ErrNotOpen):
		return wireformat.StatusNotOpen
	case errors.Is(err, domainErrors.ErrOutOfBounds):
		return wireformat.StatusOutOfBounds
	case errors.Is(err, fs.ErrInvalid), errors.Is(err, fs.ErrPermission), errors.Is(err, domainErrors.ErrInvalidArgument):
		return wireformat.StatusInvalidArgument
	case errors.Is(err, domainErrors.ErrInternal):
		return wireformat.StatusInternal
	default:
		return wireformat.StatusIOError
	}
}
