// Package reflection provides the framed request/reply facade that compute
// code uses to reach host services, and that the host dispatcher uses to
// serve them.
//
// A synchronous call pushes one frame tagged with a fresh reply key
// (threadID, address) and then waits for the reply carrying the same key.
// Replies are matched by key, never by arrival order, so concurrent callers
// on one channel never receive each other's replies.
//
// Calls have no timeout and no cancellation: a caller whose host handler
// never replies waits until the channel is shut down.
package reflection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/queue"
	"github.com/hostreflect/hostreflect/wireformat"
)

// Sender is the capability protocol clients need to reach the host.
type Sender interface {
	SendSynchronous(threadID uint32, msg wireformat.Message) (wireformat.Message, error)
	SendAsynchronous(threadID uint32, msg wireformat.Message) error
	// Fail shuts the underlying channel down after the peer broke the
	// protocol.
	Fail(cause error)
}

// Call sends req synchronously on behalf of threadID and decodes the reply
// payload into reply. A payload that does not decode is a protocol violation:
// the sender's channel is failed and the *ProtocolError returned.
func Call(sender Sender, threadID uint32, req, reply wireformat.Body) error {
	msg, err := wireformat.Encode(req)
	if err != nil {
		return err
	}
	resp, err := sender.SendSynchronous(threadID, msg)
	if err != nil {
		return err
	}
	if err := wireformat.DecodeInto(resp, reply); err != nil {
		perr := &domainErrors.ProtocolError{
			Reason:  "reply payload",
			Handler: resp.Handler(),
			Err:     err,
		}
		sender.Fail(perr)
		return perr
	}
	return nil
}

// WaitMode selects how a synchronous caller waits for queue space and for its
// reply.
type WaitMode int

const (
	// WaitSpin polls the queue and yields between polls. Compute threads
	// have no blocking primitive, so this is their only option.
	WaitSpin WaitMode = iota

	// WaitCooperative parks the caller on the queue's condition variable
	// until a push or pull may have changed the answer.
	WaitCooperative
)

func (m WaitMode) String() string {
	if m == WaitCooperative {
		return "cooperative"
	}
	return "spin"
}

// Option configures a HostReflection.
type Option func(*HostReflection)

// WithWaitMode sets the wait strategy. The default is WaitSpin.
func WithWaitMode(mode WaitMode) Option {
	return func(r *HostReflection) {
		r.mode = mode
	}
}

// HostReflection is the send/receive facade over a Channel.
type HostReflection struct {
	ch   *Channel
	mode WaitMode
}

var _ Sender = (*HostReflection)(nil)

// New creates a facade over ch.
func New(ch *Channel, opts ...Option) *HostReflection {
	r := &HostReflection{ch: ch, mode: WaitSpin}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the underlying channel.
func (r *HostReflection) Channel() *Channel {
	return r.ch
}

// Fail shuts the channel down with cause.
func (r *HostReflection) Fail(cause error) {
	r.ch.Fail(cause)
}

// MaxMessageSize returns the bound on header plus payload of every frame.
func (r *HostReflection) MaxMessageSize() int {
	return wireformat.MaxMessageSize
}

// SendSynchronous sends msg on behalf of threadID and blocks until the host
// replies. A malformed msg fails immediately without touching the queue.
func (r *HostReflection) SendSynchronous(threadID uint32, msg wireformat.Message) (wireformat.Message, error) {
	h := msg.Handler()
	if !wireformat.HasReply(h) {
		return wireformat.Message{}, fmt.Errorf("%w: %s expects no reply", wireformat.ErrMalformedFrame, h)
	}

	key := wireformat.ReplyKey{ThreadID: threadID, Address: r.ch.nextAddress()}
	frame, err := encodeRequest(wireformat.Header{
		Type:     wireformat.Synchronous,
		ThreadID: threadID,
		Handler:  h,
	}, key.Address, msg)
	if err != nil {
		return wireformat.Message{}, err
	}

	if err := r.push(frame); err != nil {
		return wireformat.Message{}, err
	}

	reply, err := r.await(key)
	if err != nil {
		return wireformat.Message{}, err
	}
	if reply.Handler() != h {
		err := &domainErrors.ProtocolError{
			Reason:  "reply handler",
			Handler: h,
			Err:     fmt.Errorf("%w: reply tagged %s", wireformat.ErrMalformedFrame, reply.Handler()),
		}
		r.ch.Fail(err)
		return wireformat.Message{}, err
	}
	return reply, nil
}

// SendAsynchronous sends msg without waiting for a reply.
func (r *HostReflection) SendAsynchronous(threadID uint32, msg wireformat.Message) error {
	frame, err := encodeRequest(wireformat.Header{
		Type:     wireformat.Asynchronous,
		ThreadID: threadID,
		Handler:  msg.Handler(),
	}, 0, msg)
	if err != nil {
		return err
	}
	return r.push(frame)
}

// Receive pulls the reply for key if it is at the head of the reply queue.
// It never blocks.
func (r *HostReflection) Receive(key wireformat.ReplyKey) (wireformat.Message, bool, error) {
	b, ok, err := r.ch.replies.PullFrame(matchKey(key))
	if err != nil || !ok {
		return wireformat.Message{}, false, r.fatal(err)
	}
	msg, err := r.decodeReply(b)
	return msg, err == nil, err
}

// ReceiveRequest pulls the next request frame if one is complete. It never
// blocks.
func (r *HostReflection) ReceiveRequest() (wireformat.Frame, bool, error) {
	b, ok, err := r.ch.requests.PullFrame(nil)
	if err != nil || !ok {
		return wireformat.Frame{}, false, r.fatal(err)
	}
	f, err := wireformat.DecodeFrame(wireformat.Request, b)
	if err != nil {
		return wireformat.Frame{}, false, domainErrors.NewProtocolError("request frame", err)
	}
	return f, true, nil
}

// AwaitRequest blocks until a request frame arrives, the channel shuts down,
// or ctx is done.
func (r *HostReflection) AwaitRequest(ctx context.Context) (wireformat.Frame, error) {
	b, err := r.ch.requests.AwaitFrame(ctx, nil)
	if err != nil {
		return wireformat.Frame{}, r.fatal(err)
	}
	f, err := wireformat.DecodeFrame(wireformat.Request, b)
	if err != nil {
		return wireformat.Frame{}, domainErrors.NewProtocolError("request frame", err)
	}
	return f, nil
}

// Reply pushes payload as the reply to the synchronous request req, tagged
// with req's key. It waits for reply-queue space until ctx is done.
func (r *HostReflection) Reply(ctx context.Context, req wireformat.Frame, payload []byte) error {
	h := req.Header.Handler
	if req.Header.Type != wireformat.Synchronous {
		return &domainErrors.ProtocolError{
			Reason:  "reply to asynchronous frame",
			Handler: h,
			Err:     wireformat.ErrMalformedFrame,
		}
	}
	if want := wireformat.PayloadSize(h, wireformat.Reply); len(payload) != want || !wireformat.HasReply(h) {
		return &domainErrors.ProtocolError{
			Reason:  "reply size",
			Handler: h,
			Err:     fmt.Errorf("%w: %d bytes, want %d", wireformat.ErrPayloadSize, len(payload), want),
		}
	}

	frame, err := wireformat.AppendFrame(nil, req.Header, req.Address, payload)
	if err != nil {
		return &domainErrors.ProtocolError{Reason: "reply frame", Handler: h, Err: err}
	}
	return r.ch.replies.PushWait(ctx, frame)
}

func (r *HostReflection) push(frame []byte) error {
	q := r.ch.requests
	if r.mode == WaitCooperative {
		return q.PushWait(context.Background(), frame)
	}
	if len(frame) > q.Capacity() {
		return fmt.Errorf("%w: %d > %d bytes", queue.ErrFrameTooLarge, len(frame), q.Capacity())
	}
	for !q.Push(frame) {
		if err := q.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

func (r *HostReflection) await(key wireformat.ReplyKey) (wireformat.Message, error) {
	q := r.ch.replies
	match := matchKey(key)

	if r.mode == WaitCooperative {
		b, err := q.AwaitFrame(context.Background(), match)
		if err != nil {
			return wireformat.Message{}, r.fatal(err)
		}
		return r.decodeReply(b)
	}

	for {
		b, ok, err := q.PullFrame(match)
		if err != nil {
			return wireformat.Message{}, r.fatal(err)
		}
		if ok {
			return r.decodeReply(b)
		}
		runtime.Gosched()
	}
}

func (r *HostReflection) decodeReply(b []byte) (wireformat.Message, error) {
	f, err := wireformat.DecodeFrame(wireformat.Reply, b)
	if err != nil {
		perr := domainErrors.NewProtocolError("reply frame", err)
		r.ch.Fail(perr)
		return wireformat.Message{}, perr
	}
	return wireformat.NewMessage(f.Header.Handler, f.Payload), nil
}

// fatal converts a frame-measuring error from the queue into a protocol
// violation and fails the channel. Close causes pass through unchanged.
func (r *HostReflection) fatal(err error) error {
	if err == nil {
		return nil
	}
	if cause := r.ch.Err(); cause != nil {
		return cause
	}
	if wrapsWire(err) {
		perr := domainErrors.NewProtocolError("frame header", err)
		r.ch.Fail(perr)
		return perr
	}
	return err
}

func encodeRequest(hdr wireformat.Header, address uint64, msg wireformat.Message) ([]byte, error) {
	h := msg.Handler()
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %d", wireformat.ErrUnknownHandler, int32(h))
	}
	if want := wireformat.PayloadSize(h, wireformat.Request); msg.PayloadSize() != want {
		return nil, fmt.Errorf("%w: %s request carries %d bytes, want %d",
			wireformat.ErrPayloadSize, h, msg.PayloadSize(), want)
	}
	return wireformat.AppendFrame(nil, hdr, address, msg.Payload())
}

// matchKey accepts the reply frame addressed to key.
func matchKey(key wireformat.ReplyKey) queue.MatchFunc {
	return func(frame []byte) bool {
		if len(frame) < wireformat.SynchronousHeaderSize {
			return false
		}
		hdr, err := wireformat.DecodeHeader(frame)
		if err != nil || hdr.ThreadID != key.ThreadID {
			return false
		}
		return binary.LittleEndian.Uint64(frame[wireformat.HeaderSize:]) == key.Address
	}
}

func wrapsWire(err error) bool {
	return errors.Is(err, wireformat.ErrMalformedFrame) ||
		errors.Is(err, wireformat.ErrUnknownHandler) ||
		errors.Is(err, wireformat.ErrPayloadSize) ||
		errors.Is(err, wireformat.ErrMessageTooLarge)
}
