package hostfuncs

import (
	"context"
	"fmt"
	"sort"

	"github.com/hostreflect/hostreflect/wireformat"
)

// HandlerRegistry is an immutable mapping from handler id to host function.
// Once created via NewRegistry, handlers cannot be added or removed, so the
// dispatcher looks them up without locking.
type HandlerRegistry struct {
	handlers map[wireformat.HandlerID]ByteHandler
	ids      []wireformat.HandlerID // sorted for consistent iteration
}

type registryBuilder struct {
	handlers   map[wireformat.HandlerID]ByteHandler
	middleware []Middleware
	errors     []error
}

// NewRegistry creates an immutable HandlerRegistry with the given options.
// Returns an error if an id is registered twice or is not part of the
// protocol.
//
// Example usage:
//
//	registry, err := NewRegistry(
//	    WithMiddleware(PanicRecoveryMiddleware()),
//	    WithBundle(FileBundle(files)),
//	    WithByteHandler(wireformat.HandlerKnobLookup, knobHandler),
//	)
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{
		handlers: make(map[wireformat.HandlerID]ByteHandler),
	}

	for _, opt := range opts {
		opt(b)
	}

	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	ids := make([]wireformat.HandlerID, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	wrapped := make(map[wireformat.HandlerID]ByteHandler, len(b.handlers))
	for id, handler := range b.handlers {
		h := handler
		// Apply middleware in reverse order so first middleware wraps outermost
		for i := len(b.middleware) - 1; i >= 0; i-- {
			h = b.middleware[i](h)
		}
		wrapped[id] = h
	}

	return &HandlerRegistry{
		handlers: wrapped,
		ids:      ids,
	}, nil
}

// Invoke runs the handler registered for hdr.Handler with payload and returns
// its reply payload. An unregistered id is a protocol violation and yields an
// error wrapping wireformat.ErrUnknownHandler.
func (r *HandlerRegistry) Invoke(ctx context.Context, hdr wireformat.Header, payload []byte) ([]byte, error) {
	handler, ok := r.handlers[hdr.Handler]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", wireformat.ErrUnknownHandler, hdr.Handler)
	}
	return handler(HostContextFrom(ctx, hdr), payload)
}

// Has returns true if a handler is registered for id.
func (r *HandlerRegistry) Has(id wireformat.HandlerID) bool {
	_, ok := r.handlers[id]
	return ok
}

// Handlers returns the registered ids in ascending order.
func (r *HandlerRegistry) Handlers() []wireformat.HandlerID {
	result := make([]wireformat.HandlerID, len(r.ids))
	copy(result, r.ids)
	return result
}

func (b *registryBuilder) addHandler(id wireformat.HandlerID, handler ByteHandler) error {
	if !id.Valid() {
		return fmt.Errorf("%w: cannot register %s", wireformat.ErrUnknownHandler, id)
	}
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", id)
	}
	if _, exists := b.handlers[id]; exists {
		return fmt.Errorf("duplicate handler: %s", id)
	}
	b.handlers[id] = handler
	return nil
}

// WithByteHandler registers a raw ByteHandler for id.
func WithByteHandler(id wireformat.HandlerID, handler ByteHandler) RegistryOption {
	return func(b *registryBuilder) {
		if err := b.addHandler(id, handler); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}

// WithHandler registers a typed host function. The handler id is taken from
// the request type.
//
// Example usage:
//
//	WithHandler(func(ctx context.Context, req *wireformat.KnobRequest) *wireformat.KnobReply {
//	    return &wireformat.KnobReply{Status: wireformat.StatusOK, Value: "16"}
//	})
func WithHandler[Req wireformat.Body, Resp wireformat.Body](fn HostFunc[Req, Resp]) RegistryOption {
	return func(b *registryBuilder) {
		var req Req
		var resp Resp
		if req.Direction() != wireformat.Request || resp.Direction() != wireformat.Reply || req.Handler() != resp.Handler() {
			b.errors = append(b.errors, fmt.Errorf("handler types %T -> %T do not form a request/reply pair", req, resp))
			return
		}
		if err := b.addHandler(req.Handler(), NewBodyHandler(fn)); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}

// WithMiddleware adds middleware to the registry.
// Middleware executes in FIFO order (first added wraps first).
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}
