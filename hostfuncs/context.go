package hostfuncs

import (
	"context"

	"github.com/hostreflect/hostreflect/wireformat"
)

// HostContext wraps a standard context.Context with details of the frame
// being dispatched. Middleware uses it to store request-scoped values without
// polluting the standard context.
type HostContext interface {
	context.Context

	// Handler returns the handler id of the frame being dispatched.
	Handler() wireformat.HandlerID

	// ThreadID returns the compute thread that sent the frame.
	ThreadID() uint32

	// Synchronous reports whether the sender is waiting for a reply.
	Synchronous() bool

	// SetValue stores a request-scoped value. Unlike context.WithValue,
	// this mutates the existing HostContext.
	SetValue(key, value any)

	// GetValue retrieves a request-scoped value set by SetValue.
	GetValue(key any) (value any, ok bool)
}

type hostContext struct {
	context.Context
	values map[any]any
	header wireformat.Header
}

// NewHostContext creates a new HostContext for the frame with header hdr.
func NewHostContext(ctx context.Context, hdr wireformat.Header) HostContext {
	return &hostContext{
		Context: ctx,
		header:  hdr,
		values:  make(map[any]any),
	}
}

func (c *hostContext) Handler() wireformat.HandlerID {
	return c.header.Handler
}

func (c *hostContext) ThreadID() uint32 {
	return c.header.ThreadID
}

func (c *hostContext) Synchronous() bool {
	return c.header.Type == wireformat.Synchronous
}

func (c *hostContext) SetValue(key, value any) {
	c.values[key] = value
}

func (c *hostContext) GetValue(key any) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// HostContextFrom returns ctx if it already is a HostContext, or wraps it
// for the frame with header hdr.
func HostContextFrom(ctx context.Context, hdr wireformat.Header) HostContext {
	if hc, ok := ctx.(HostContext); ok {
		return hc
	}
	return NewHostContext(ctx, hdr)
}

// handlerOf returns the handler id carried by ctx, or HandlerInvalid.
func handlerOf(ctx context.Context) wireformat.HandlerID {
	if hc, ok := ctx.(HostContext); ok {
		return hc.Handler()
	}
	return wireformat.HandlerInvalid
}
