package reflection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/infrastructure/memory"
	"github.com/hostreflect/hostreflect/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testCapacity = 4 * wireformat.MaxMessageSize

func newChannel(t *testing.T) *Channel {
	t.Helper()
	region := memory.NewInMemoryRegion(Footprint(testCapacity, testCapacity))
	ch, err := NewChannel(region, WithCapacities(testCapacity, testCapacity))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// echoHost answers every read request with the request's handle encoded in
// the reply data.
func echoHost(ctx context.Context, r *HostReflection) error {
	for {
		f, err := r.AwaitRequest(ctx)
		if err != nil {
			return err
		}
		if err := r.Reply(ctx, f, echoReply(f)); err != nil {
			return err
		}
	}
}

func echoReply(f wireformat.Frame) []byte {
	var req wireformat.ReadRequest
	if err := wireformat.DecodeInto(wireformat.NewMessage(f.Header.Handler, f.Payload), &req); err != nil {
		panic(err)
	}
	data := binary.LittleEndian.AppendUint32(nil, req.Handle)
	return wireformat.MustEncode(&wireformat.ReadReply{Status: wireformat.StatusOK, Data: data}).Payload()
}

func readMsg(handle uint32) wireformat.Message {
	return wireformat.MustEncode(&wireformat.ReadRequest{Handle: handle, Size: 4})
}

func echoedHandle(t *testing.T, m wireformat.Message) uint32 {
	t.Helper()
	var reply wireformat.ReadReply
	require.NoError(t, wireformat.DecodeInto(m, &reply))
	require.Len(t, reply.Data, 4)
	return binary.LittleEndian.Uint32(reply.Data)
}

func TestNewChannel_Validation(t *testing.T) {
	t.Run("capacity below max message size", func(t *testing.T) {
		region := memory.NewInMemoryRegion(1 << 16)
		_, err := NewChannel(region, WithCapacities(wireformat.MaxMessageSize-4, testCapacity))
		require.Error(t, err)
	})

	t.Run("misaligned capacity", func(t *testing.T) {
		region := memory.NewInMemoryRegion(1 << 16)
		_, err := NewChannel(region, WithCapacities(testCapacity+1, testCapacity))
		require.ErrorIs(t, err, memory.ErrMisaligned)
	})

	t.Run("region too small", func(t *testing.T) {
		region := memory.NewInMemoryRegion(Footprint(testCapacity, testCapacity) - 1)
		_, err := NewChannel(region, WithCapacities(testCapacity, testCapacity))
		require.ErrorIs(t, err, memory.ErrOutOfBounds)
	})

	t.Run("capacities overflow the address space", func(t *testing.T) {
		region := memory.NewInMemoryRegion(1 << 16)
		_, err := NewChannel(region, WithBase(64), WithCapacities(0x80000000, 0x80000000))
		require.ErrorIs(t, err, memory.ErrOutOfBounds)
	})

	t.Run("offset layout", func(t *testing.T) {
		region := memory.NewInMemoryRegion(Footprint(testCapacity, testCapacity) + 64)
		ch, err := NewChannel(region, WithBase(64), WithCapacities(testCapacity, testCapacity))
		require.NoError(t, err)
		assert.Equal(t, testCapacity, ch.Requests().Capacity())
		assert.Equal(t, testCapacity, ch.Replies().Capacity())
	})
}

func TestHostReflection_SendSynchronous(t *testing.T) {
	for _, mode := range []WaitMode{WaitSpin, WaitCooperative} {
		t.Run(mode.String(), func(t *testing.T) {
			ch := newChannel(t)
			host := New(ch, WithWaitMode(WaitCooperative))
			client := New(ch, WithWaitMode(mode))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = echoHost(ctx, host) }()

			reply, err := client.SendSynchronous(1, readMsg(42))
			require.NoError(t, err)
			assert.Equal(t, wireformat.HandlerFileRead, reply.Handler())
			assert.Equal(t, uint32(42), echoedHandle(t, reply))
			assert.Equal(t, 0, ch.Requests().Size())
			assert.Equal(t, 0, ch.Replies().Size())
		})
	}
}

func TestHostReflection_ConcurrentCallsNeverCrossDeliver(t *testing.T) {
	const callers = 16
	ch := newChannel(t)
	host := New(ch, WithWaitMode(WaitCooperative))
	client := New(ch)

	// Collect every request first, then reply in reverse arrival order.
	hostDone := make(chan error, 1)
	go func() {
		ctx := context.Background()
		var pending []wireformat.Frame
		for len(pending) < callers {
			f, err := host.AwaitRequest(ctx)
			if err != nil {
				hostDone <- err
				return
			}
			pending = append(pending, f)
		}
		for i := len(pending) - 1; i >= 0; i-- {
			if err := host.Reply(ctx, pending[i], echoReply(pending[i])); err != nil {
				hostDone <- err
				return
			}
		}
		hostDone <- nil
	}()

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		handle := uint32(1000 + i)
		// Half the callers share a thread id to exercise address-only routing.
		threadID := uint32(i % 2)
		g.Go(func() error {
			reply, err := client.SendSynchronous(threadID, readMsg(handle))
			if err != nil {
				return err
			}
			var rr wireformat.ReadReply
			if err := wireformat.DecodeInto(reply, &rr); err != nil {
				return err
			}
			if got := binary.LittleEndian.Uint32(rr.Data); got != handle {
				return fmt.Errorf("caller %d received reply for %d", handle, got)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.NoError(t, <-hostDone)
}

func TestHostReflection_SendSynchronousRejectsMalformed(t *testing.T) {
	ch := newChannel(t)
	client := New(ch)

	tests := []struct {
		name string
		msg  wireformat.Message
		want error
	}{
		{"wrong payload size", wireformat.NewMessage(wireformat.HandlerFileRead, make([]byte, 3)), wireformat.ErrPayloadSize},
		{"handler without reply", wireformat.MustEncode(&wireformat.LogRecord{Message: "x"}), wireformat.ErrMalformedFrame},
		{"unknown handler", wireformat.NewMessage(wireformat.HandlerID(77), nil), wireformat.ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.SendSynchronous(1, tt.msg)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, ch.Requests().Size(), "nothing is pushed")
		})
	}
}

func TestHostReflection_SendAsynchronous(t *testing.T) {
	ch := newChannel(t)
	client := New(ch)
	host := New(ch, WithWaitMode(WaitCooperative))

	require.NoError(t, client.SendAsynchronous(9, wireformat.MustEncode(&wireformat.LogRecord{Level: 0, Message: "hi"})))

	f, ok, err := host.ReceiveRequest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wireformat.Asynchronous, f.Header.Type)
	assert.Equal(t, uint32(9), f.Header.ThreadID)
	assert.Equal(t, wireformat.HandlerHostLog, f.Header.Handler)

	err = host.Reply(context.Background(), f, nil)
	var perr *domainErrors.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "reply to asynchronous frame", perr.Reason)
}

func TestHostReflection_Receive(t *testing.T) {
	ch := newChannel(t)
	host := New(ch)

	_, ok, err := host.ReceiveRequest()
	require.NoError(t, err)
	assert.False(t, ok)

	req := wireformat.Frame{
		Header:  wireformat.Header{Type: wireformat.Synchronous, ThreadID: 5, Handler: wireformat.HandlerFileRead},
		Address: 77,
	}
	require.NoError(t, host.Reply(context.Background(), req, echoReply(wireformat.Frame{
		Header:  req.Header,
		Payload: readMsg(3).Payload(),
	})))

	_, ok, err = host.Receive(wireformat.ReplyKey{ThreadID: 5, Address: 78})
	require.NoError(t, err)
	assert.False(t, ok, "reply belongs to another key")

	msg, ok, err := host.Receive(wireformat.ReplyKey{ThreadID: 5, Address: 77})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), echoedHandle(t, msg))
}

func TestHostReflection_ReplySizeViolation(t *testing.T) {
	ch := newChannel(t)
	host := New(ch)

	req := wireformat.Frame{
		Header:  wireformat.Header{Type: wireformat.Synchronous, Handler: wireformat.HandlerFileDelete},
		Address: 1,
	}
	err := host.Reply(context.Background(), req, make([]byte, 2))
	require.ErrorIs(t, err, wireformat.ErrPayloadSize)
	assert.Equal(t, 0, ch.Replies().Size())
}

func TestChannel_FailWakesCallers(t *testing.T) {
	for _, mode := range []WaitMode{WaitSpin, WaitCooperative} {
		t.Run(mode.String(), func(t *testing.T) {
			ch := newChannel(t)
			client := New(ch, WithWaitMode(mode))
			cause := domainErrors.NewProtocolError("unknown handler", wireformat.ErrUnknownHandler)

			done := make(chan error, 1)
			go func() {
				_, err := client.SendSynchronous(1, readMsg(1))
				done <- err
			}()

			time.Sleep(10 * time.Millisecond)
			ch.Fail(cause)
			ch.Fail(errors.New("ignored"))

			select {
			case err := <-done:
				require.ErrorIs(t, err, wireformat.ErrUnknownHandler)
			case <-time.After(5 * time.Second):
				t.Fatal("caller was not released")
			}
			assert.Equal(t, cause, ch.Err())

			_, err := client.SendSynchronous(1, readMsg(1))
			assert.ErrorIs(t, err, wireformat.ErrUnknownHandler)
		})
	}
}

func TestChannel_Close(t *testing.T) {
	ch := newChannel(t)
	assert.NoError(t, ch.Err())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Err(), domainErrors.ErrChannelClosed)

	_, err := New(ch).SendSynchronous(1, readMsg(1))
	assert.ErrorIs(t, err, domainErrors.ErrChannelClosed)
}

func TestHostReflection_MalformedReplyFailsChannel(t *testing.T) {
	ch := newChannel(t)
	client := New(ch)

	bad := make([]byte, wireformat.HeaderSize)
	binary.LittleEndian.PutUint32(bad[8:], 55)
	require.True(t, ch.Replies().Push(bad))

	_, _, err := client.Receive(wireformat.ReplyKey{ThreadID: 1, Address: 1})
	var perr *domainErrors.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, ch.Err(), wireformat.ErrUnknownHandler)
}

func TestHostReflection_MaxMessageSize(t *testing.T) {
	assert.Equal(t, wireformat.MaxMessageSize, New(newChannel(t)).MaxMessageSize())
}
