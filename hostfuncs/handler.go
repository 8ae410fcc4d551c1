package hostfuncs

import (
	"context"
	"fmt"

	"github.com/hostreflect/hostreflect/wireformat"
)

// HostFunc is a typed host function. It receives a decoded request body and
// returns the reply body; failures are reported through the reply's status.
type HostFunc[Req wireformat.Body, Resp wireformat.Body] func(context.Context, Req) Resp

// AsyncFunc is a typed host function for asynchronous handlers, which have no
// reply layout.
type AsyncFunc[Req wireformat.Body] func(context.Context, Req)

// ByteHandler accepts a request payload and returns the reply payload. It is
// the common shape the registry and middleware work with. Handlers without a
// reply layout return a nil payload.
type ByteHandler func(context.Context, []byte) ([]byte, error)

// NewBodyHandler wraps a typed HostFunc into a ByteHandler that decodes the
// fixed-layout request and encodes the reply.
//
// Usage:
//
//	readHandler := hostfuncs.NewBodyHandler(func(ctx context.Context, req *wireformat.ReadRequest) *wireformat.ReadReply {
//	    return files.Read(ctx, req)
//	})
func NewBodyHandler[Req wireformat.Body, Resp wireformat.Body](fn HostFunc[Req, Resp]) ByteHandler {
	var zero Req
	h := zero.Handler()
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := decodeRequest[Req](h, payload)
		if err != nil {
			return nil, err
		}

		msg, err := wireformat.Encode(fn(ctx, req))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s reply: %w", h, err)
		}
		return msg.Payload(), nil
	}
}

// NewAsyncHandler wraps a typed AsyncFunc into a ByteHandler.
func NewAsyncHandler[Req wireformat.Body](fn AsyncFunc[Req]) ByteHandler {
	var zero Req
	h := zero.Handler()
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := decodeRequest[Req](h, payload)
		if err != nil {
			return nil, err
		}
		fn(ctx, req)
		return nil, nil
	}
}

func decodeRequest[Req wireformat.Body](h wireformat.HandlerID, payload []byte) (Req, error) {
	var zero Req
	body, err := wireformat.Decode(wireformat.NewMessage(h, payload), wireformat.Request)
	if err != nil {
		return zero, fmt.Errorf("failed to decode %s request: %w", h, err)
	}
	req, ok := body.(Req)
	if !ok {
		return zero, fmt.Errorf("%s request decoded as %T", h, body)
	}
	return req, nil
}
