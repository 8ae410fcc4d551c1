// Package queue implements the fixed-capacity circular byte buffer that
// carries frames between the compute image and the host.
//
// The buffer lives entirely inside a memory.Region: a 16-byte control block
// {head, tail, used, capacity} at the queue's base offset, followed by the
// ring storage. One mutex guards every access to both, so each Push commits a
// whole frame or nothing and readers never observe a torn frame.
//
// That mutex is a Go sync.Mutex held by the Queue value, not a word inside the
// region. Only callers in the same process, going through this Queue, take
// part in locking: an independently built guest that touches the control
// block directly is not serialized against the host.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hostreflect/hostreflect/infrastructure/memory"
	"github.com/hostreflect/hostreflect/wireformat"
)

// Control block layout, relative to the queue base.
const (
	offHead     = 0
	offTail     = 4
	offUsed     = 8
	offCapacity = 12

	// ControlSize is the size of the control block preceding the ring storage.
	ControlSize = 16
)

var (
	// ErrClosed is returned by waiters once the queue has been closed.
	ErrClosed = errors.New("queue closed")

	// ErrFrameTooLarge is returned for frames that can never fit the queue.
	ErrFrameTooLarge = errors.New("frame exceeds queue capacity")
)

// FrameLengthFunc returns the total length of the frame whose first
// wireformat.HeaderSize bytes are prefix.
type FrameLengthFunc func(prefix []byte) (int, error)

// MatchFunc decides whether a waiter takes the complete frame at the head of
// the queue.
type MatchFunc func(frame []byte) bool

// Option configures a Queue.
type Option func(*Queue)

// WithFrameLength sets how the queue finds frame boundaries. The default
// measures request frames.
func WithFrameLength(fn FrameLengthFunc) Option {
	return func(q *Queue) {
		q.frameLength = fn
	}
}

// WithName labels the queue in logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// Queue is a lock-protected ring buffer inside a shared region.
type Queue struct {
	region      memory.Region
	base        uint32
	data        uint32
	capacity    uint32
	name        string
	frameLength FrameLengthFunc

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	cause  error
}

// MaxCapacity is the largest ring a queue can address.
const MaxCapacity = math.MaxUint32 - ControlSize

// Footprint is the number of region bytes a queue of the given capacity
// occupies. Capacities above MaxCapacity have no valid footprint.
func Footprint(capacity uint32) uint32 {
	return ControlSize + capacity
}

// New lays out an empty queue of the given capacity at base and resets its
// control block. The whole footprint must lie inside the region.
func New(region memory.Region, base, capacity uint32, opts ...Option) (*Queue, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("queue capacity must be positive")
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("queue capacity %d above %d: %w", capacity, uint32(MaxCapacity), memory.ErrOutOfBounds)
	}
	if base%4 != 0 {
		return nil, fmt.Errorf("queue base %d: %w", base, memory.ErrMisaligned)
	}
	end := uint64(base) + ControlSize + uint64(capacity)
	if end > uint64(region.Size()) {
		return nil, fmt.Errorf("queue [%d, %d) exceeds region of %d bytes: %w",
			base, end, region.Size(), memory.ErrOutOfBounds)
	}

	q := &Queue{
		region:   region,
		base:     base,
		data:     base + ControlSize,
		capacity: capacity,
		name:     "queue",
		frameLength: func(prefix []byte) (int, error) {
			return wireformat.FrameLength(wireformat.Request, prefix)
		},
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}

	q.store(offHead, 0)
	q.store(offTail, 0)
	q.store(offUsed, 0)
	q.store(offCapacity, capacity)
	return q, nil
}

// Name returns the queue label.
func (q *Queue) Name() string {
	return q.name
}

// Capacity returns the size of the ring storage in bytes.
func (q *Queue) Capacity() int {
	return int(q.capacity)
}

// Size returns the number of bytes currently enqueued, or 0 once the queue
// is closed.
func (q *Queue) Size() int {
	used, _ := q.Usage()
	return used
}

// Usage returns the number of bytes currently enqueued and whether the queue
// is still open, read under one lock acquisition.
func (q *Queue) Usage() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false
	}
	return int(q.load(offUsed)), true
}

// Free returns the number of bytes that can be pushed right now, or 0 once
// the queue is closed.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return int(q.capacity - q.load(offUsed))
}

// Push enqueues data as one unit. It fails, leaving the buffer untouched, when
// data does not fit the free space or the queue is closed.
func (q *Queue) Push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(data)
}

// Pull dequeues exactly len(dst) bytes into dst. It fails, leaving the buffer
// untouched, when fewer bytes are enqueued. It never blocks.
func (q *Queue) Pull(dst []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || uint32(len(dst)) > q.load(offUsed) {
		return false
	}
	q.consumeLocked(dst)
	return true
}

// Peek reports whether at least one complete frame is enqueued. A header the
// frame length function rejects counts as present, so the consumer sees the
// violation on its next PullFrame. A closed queue holds nothing.
func (q *Queue) Peek() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	used := q.load(offUsed)
	if used < wireformat.HeaderSize {
		return false
	}
	prefix := make([]byte, wireformat.HeaderSize)
	q.readWrapped(q.load(offHead), prefix)
	n, err := q.frameLength(prefix)
	if err != nil {
		return true
	}
	return uint32(n) <= used
}

// PullFrame atomically dequeues the frame at the head of the queue if match
// accepts it (a nil match accepts everything). It returns false when the
// queue holds no complete frame or the head frame belongs to someone else.
// A head frame whose header cannot be measured is left in place and its
// error returned.
func (q *Queue) PullFrame(match MatchFunc) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pullFrameLocked(match)
}

// AwaitFrame blocks until the head frame is accepted by match, the queue is
// closed, or ctx is done.
func (q *Queue) AwaitFrame(ctx context.Context, match MatchFunc) ([]byte, error) {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		frame, ok, err := q.pullFrameLocked(match)
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

// PushWait blocks until frame fits, then enqueues it.
func (q *Queue) PushWait(ctx context.Context, frame []byte) error {
	if len(frame) > int(q.capacity) {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame), q.capacity)
	}

	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return q.cause
		}
		if q.pushLocked(frame) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
}

// Close closes the queue and wakes every waiter with ErrClosed.
func (q *Queue) Close() {
	q.CloseWithError(nil)
}

// CloseWithError closes the queue and wakes every waiter with cause. The
// first close wins.
func (q *Queue) CloseWithError(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if cause == nil {
		cause = ErrClosed
	}
	q.closed = true
	q.cause = cause
	q.cond.Broadcast()
}

// Err returns the close cause, or nil while the queue is open.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cause
}

func (q *Queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) pushLocked(data []byte) bool {
	if q.closed {
		return false
	}
	used := q.load(offUsed)
	if uint32(len(data)) > q.capacity-used {
		return false
	}
	if len(data) == 0 {
		return true
	}

	tail := q.load(offTail)
	q.writeWrapped(tail, data)
	q.store(offTail, (tail+uint32(len(data)))%q.capacity)
	q.store(offUsed, used+uint32(len(data)))
	q.cond.Broadcast()
	return true
}

func (q *Queue) pullFrameLocked(match MatchFunc) ([]byte, bool, error) {
	if q.closed {
		return nil, false, q.cause
	}
	used := q.load(offUsed)
	if used < wireformat.HeaderSize {
		return nil, false, nil
	}

	head := q.load(offHead)
	prefix := make([]byte, wireformat.HeaderSize)
	q.readWrapped(head, prefix)
	n, err := q.frameLength(prefix)
	if err != nil {
		return nil, false, err
	}
	if n < wireformat.HeaderSize || uint32(n) > q.capacity {
		return nil, false, fmt.Errorf("%w: frame length %d", wireformat.ErrMalformedFrame, n)
	}
	if uint32(n) > used {
		return nil, false, nil
	}

	frame := make([]byte, n)
	q.readWrapped(head, frame)
	if match != nil && !match(frame) {
		return nil, false, nil
	}
	q.consumeLocked(frame)
	return frame, true, nil
}

// consumeLocked reads len(dst) bytes from the head and releases them.
func (q *Queue) consumeLocked(dst []byte) {
	if len(dst) == 0 {
		return
	}
	head := q.load(offHead)
	q.readWrapped(head, dst)
	q.store(offHead, (head+uint32(len(dst)))%q.capacity)
	q.store(offUsed, q.load(offUsed)-uint32(len(dst)))
	q.cond.Broadcast()
}

func (q *Queue) writeWrapped(pos uint32, src []byte) {
	first := q.capacity - pos
	if uint32(len(src)) <= first {
		q.write(q.data+pos, src)
		return
	}
	q.write(q.data+pos, src[:first])
	q.write(q.data, src[first:])
}

func (q *Queue) readWrapped(pos uint32, dst []byte) {
	first := q.capacity - pos
	if uint32(len(dst)) <= first {
		q.read(q.data+pos, dst)
		return
	}
	q.read(q.data+pos, dst[:first])
	q.read(q.data, dst[first:])
}

// Region accesses below were bounds-checked in New; a failure means the
// region was closed or shrunk underneath the queue.

func (q *Queue) load(off uint32) uint32 {
	v, err := q.region.LoadUint32(q.base + off)
	if err != nil {
		panic(fmt.Sprintf("queue %s: control word %d: %v", q.name, off, err))
	}
	return v
}

func (q *Queue) store(off, v uint32) {
	if err := q.region.StoreUint32(q.base+off, v); err != nil {
		panic(fmt.Sprintf("queue %s: control word %d: %v", q.name, off, err))
	}
}

func (q *Queue) read(off uint32, dst []byte) {
	if err := q.region.ReadAt(off, dst); err != nil {
		panic(fmt.Sprintf("queue %s: read at %d: %v", q.name, off, err))
	}
}

func (q *Queue) write(off uint32, src []byte) {
	if err := q.region.WriteAt(off, src); err != nil {
		panic(fmt.Sprintf("queue %s: write at %d: %v", q.name, off, err))
	}
}
