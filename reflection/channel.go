package reflection

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/infrastructure/memory"
	"github.com/hostreflect/hostreflect/queue"
	"github.com/hostreflect/hostreflect/wireformat"
)

// DefaultQueueCapacity is the ring size of each queue unless overridden.
const DefaultQueueCapacity = 16 * wireformat.MaxMessageSize

// channelConfig holds configuration for NewChannel.
type channelConfig struct {
	logger          *slog.Logger
	base            uint32
	requestCapacity uint32
	replyCapacity   uint32
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelConfig)

// WithBase sets the region offset of the channel layout. Must be 4-byte aligned.
func WithBase(base uint32) ChannelOption {
	return func(c *channelConfig) {
		c.base = base
	}
}

// WithCapacities sets the ring sizes of the request and reply queues. Both
// must hold at least one maximum-size frame.
func WithCapacities(request, reply uint32) ChannelOption {
	return func(c *channelConfig) {
		c.requestCapacity = request
		c.replyCapacity = reply
	}
}

// WithChannelLogger sets the logger used to report channel failure.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *channelConfig) {
		c.logger = logger
	}
}

// Channel is the context object shared by the dispatcher and every protocol
// client of one compute image. It owns two queues laid out back to back in
// the region: requests flow compute to host, replies host to compute.
//
// A Channel is constructed once, before the image issues its first call, and
// closed at shutdown.
type Channel struct {
	region   memory.Region
	requests *queue.Queue
	replies  *queue.Queue
	logger   *slog.Logger
	address  atomic.Uint64

	mu    sync.Mutex
	cause error
}

// Footprint returns the number of region bytes a channel with the given
// queue capacities occupies.
func Footprint(requestCapacity, replyCapacity uint32) uint32 {
	return queue.Footprint(requestCapacity) + queue.Footprint(replyCapacity)
}

// NewChannel lays out a fresh channel inside region.
func NewChannel(region memory.Region, opts ...ChannelOption) (*Channel, error) {
	cfg := channelConfig{
		logger:          slog.Default(),
		requestCapacity: DefaultQueueCapacity,
		replyCapacity:   DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, c := range []uint32{cfg.requestCapacity, cfg.replyCapacity} {
		if c < wireformat.MaxMessageSize {
			return nil, fmt.Errorf("queue capacity %d is below the maximum message size %d", c, wireformat.MaxMessageSize)
		}
		if c%4 != 0 {
			return nil, fmt.Errorf("queue capacity %d: %w", c, memory.ErrMisaligned)
		}
	}

	end := uint64(cfg.base) + 2*queue.ControlSize + uint64(cfg.requestCapacity) + uint64(cfg.replyCapacity)
	if end > math.MaxUint32 {
		return nil, fmt.Errorf("channel at %d with queues of %d and %d bytes overflows the address space: %w",
			cfg.base, cfg.requestCapacity, cfg.replyCapacity, memory.ErrOutOfBounds)
	}

	requests, err := queue.New(region, cfg.base, cfg.requestCapacity,
		queue.WithName("requests"),
		queue.WithFrameLength(func(prefix []byte) (int, error) {
			return wireformat.FrameLength(wireformat.Request, prefix)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to lay out request queue: %w", err)
	}

	replies, err := queue.New(region, cfg.base+queue.Footprint(cfg.requestCapacity), cfg.replyCapacity,
		queue.WithName("replies"),
		queue.WithFrameLength(func(prefix []byte) (int, error) {
			return wireformat.FrameLength(wireformat.Reply, prefix)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to lay out reply queue: %w", err)
	}

	return &Channel{
		region:   region,
		requests: requests,
		replies:  replies,
		logger:   cfg.logger,
	}, nil
}

// Requests returns the compute-to-host queue.
func (c *Channel) Requests() *queue.Queue {
	return c.requests
}

// Replies returns the host-to-compute queue.
func (c *Channel) Replies() *queue.Queue {
	return c.replies
}

// Region returns the region backing the channel.
func (c *Channel) Region() memory.Region {
	return c.region
}

// nextAddress returns a fresh correlation address. Addresses are never reused
// for the life of the channel.
func (c *Channel) nextAddress() uint64 {
	return c.address.Add(1)
}

// Fail shuts the channel down with cause. Every sender and waiter, current
// and future, returns cause. Only the first failure is kept.
func (c *Channel) Fail(cause error) {
	c.mu.Lock()
	if c.cause != nil {
		c.mu.Unlock()
		return
	}
	c.cause = cause
	c.mu.Unlock()

	c.logger.Error("reflection channel failed", "error", cause)
	c.requests.CloseWithError(cause)
	c.replies.CloseWithError(cause)
}

// Err returns why the channel was shut down, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close shuts the channel down. Pending callers return ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = domainErrors.ErrChannelClosed
	}
	cause := c.cause
	c.mu.Unlock()

	c.requests.CloseWithError(cause)
	c.replies.CloseWithError(cause)
	return nil
}
