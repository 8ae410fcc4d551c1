package hostfuncs

import (
	"context"
	"testing"

	"github.com/hostreflect/hostreflect/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func syncHeader(h wireformat.HandlerID) wireformat.Header {
	return wireformat.Header{Type: wireformat.Synchronous, ThreadID: 4, Handler: h}
}

func TestNewRegistry_Empty(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Empty(t, reg.Handlers())
}

func TestNewRegistry_WithByteHandler(t *testing.T) {
	reg, err := NewRegistry(
		WithByteHandler(wireformat.HandlerFileDelete, echoHandler),
		WithByteHandler(wireformat.HandlerOpenFile, echoHandler),
	)
	require.NoError(t, err)

	assert.True(t, reg.Has(wireformat.HandlerFileDelete))
	assert.False(t, reg.Has(wireformat.HandlerFileRead))
	assert.Equal(t, []wireformat.HandlerID{wireformat.HandlerOpenFile, wireformat.HandlerFileDelete}, reg.Handlers())
}

func TestNewRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		opts    []RegistryOption
		wantMsg string
	}{
		{
			name: "duplicate",
			opts: []RegistryOption{
				WithByteHandler(wireformat.HandlerFileRead, echoHandler),
				WithByteHandler(wireformat.HandlerFileRead, echoHandler),
			},
			wantMsg: "duplicate handler: file_read",
		},
		{
			name:    "invalid id",
			opts:    []RegistryOption{WithByteHandler(wireformat.HandlerInvalid, echoHandler)},
			wantMsg: "unknown handler id",
		},
		{
			name:    "out of range id",
			opts:    []RegistryOption{WithByteHandler(wireformat.HandlerID(40), echoHandler)},
			wantMsg: "unknown handler id",
		},
		{
			name:    "nil handler",
			opts:    []RegistryOption{WithByteHandler(wireformat.HandlerFileRead, nil)},
			wantMsg: "cannot be nil",
		},
		{
			name: "mismatched typed pair",
			opts: []RegistryOption{WithHandler(func(context.Context, *wireformat.ReadRequest) *wireformat.WriteReply {
				return nil
			})},
			wantMsg: "do not form a request/reply pair",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestHandlerRegistry_Invoke(t *testing.T) {
	reg, err := NewRegistry(WithByteHandler(wireformat.HandlerFileDelete, echoHandler))
	require.NoError(t, err)

	resp, err := reg.Invoke(context.Background(), syncHeader(wireformat.HandlerFileDelete), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, resp)
}

func TestHandlerRegistry_InvokeUnregistered(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), syncHeader(wireformat.HandlerFileRead), nil)
	require.ErrorIs(t, err, wireformat.ErrUnknownHandler)
}

func TestHandlerRegistry_InvokeProvidesHostContext(t *testing.T) {
	var got HostContext
	reg, err := NewRegistry(WithByteHandler(wireformat.HandlerKnobLookup, func(ctx context.Context, _ []byte) ([]byte, error) {
		got, _ = ctx.(HostContext)
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), syncHeader(wireformat.HandlerKnobLookup), nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wireformat.HandlerKnobLookup, got.Handler())
	assert.Equal(t, uint32(4), got.ThreadID())
	assert.True(t, got.Synchronous())
}

func TestWithHandler_Typed(t *testing.T) {
	reg, err := NewRegistry(WithHandler(func(_ context.Context, req *wireformat.KnobRequest) *wireformat.KnobReply {
		return &wireformat.KnobReply{Status: wireformat.StatusOK, Value: "v:" + req.Name}
	}))
	require.NoError(t, err)
	require.True(t, reg.Has(wireformat.HandlerKnobLookup))

	req := wireformat.MustEncode(&wireformat.KnobRequest{Name: "depth"})
	resp, err := reg.Invoke(context.Background(), syncHeader(wireformat.HandlerKnobLookup), req.Payload())
	require.NoError(t, err)

	var reply wireformat.KnobReply
	require.NoError(t, wireformat.DecodeInto(wireformat.NewMessage(wireformat.HandlerKnobLookup, resp), &reply))
	assert.Equal(t, "v:depth", reply.Value)
}

func TestMiddlewareOrder_FIFO(t *testing.T) {
	var callOrder []string
	mw := func(name string) Middleware {
		return func(next ByteHandler) ByteHandler {
			return func(ctx context.Context, payload []byte) ([]byte, error) {
				callOrder = append(callOrder, name+"-before")
				resp, err := next(ctx, payload)
				callOrder = append(callOrder, name+"-after")
				return resp, err
			}
		}
	}

	reg, err := NewRegistry(
		WithMiddleware(mw("mw1"), mw("mw2")),
		WithMiddleware(mw("mw3")),
		WithByteHandler(wireformat.HandlerFileRead, func(context.Context, []byte) ([]byte, error) {
			callOrder = append(callOrder, "handler")
			return nil, nil
		}),
	)
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), syncHeader(wireformat.HandlerFileRead), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mw1-before", "mw2-before", "mw3-before",
		"handler",
		"mw3-after", "mw2-after", "mw1-after",
	}, callOrder)
}
