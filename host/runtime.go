package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	hwazero "github.com/hostreflect/hostreflect/infrastructure/wazero"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/tetratelabs/wazero"
)

// runtimeConfig holds configuration for NewRuntime.
type runtimeConfig struct {
	logger          *slog.Logger
	requestCapacity uint32
	replyCapacity   uint32
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeConfig)

// WithQueueCapacities sets the request and reply queue sizes of every image
// the runtime boots.
func WithQueueCapacities(request, reply uint32) RuntimeOption {
	return func(c *runtimeConfig) {
		c.requestCapacity = request
		c.replyCapacity = reply
	}
}

// WithRuntimeLogger sets the logger passed to every channel and dispatcher.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		c.logger = logger
	}
}

// Runtime manages the wazero runtime that hosts compute images.
type Runtime struct {
	runtime wazero.Runtime
	config  runtimeConfig
}

// NewRuntime creates a runtime with the given options.
func NewRuntime(ctx context.Context, opts ...RuntimeOption) *Runtime {
	cfg := runtimeConfig{
		logger:          slog.Default(),
		requestCapacity: reflection.DefaultQueueCapacity,
		replyCapacity:   reflection.DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Runtime{
		runtime: wazero.NewRuntime(ctx),
		config:  cfg,
	}
}

// Close tears down the runtime and every image still booted in it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Image is one booted compute image: its linear memory, the channel laid out
// in it, and the dispatcher serving that channel.
type Image struct {
	region  *hwazero.Region
	channel *reflection.Channel
	boot    *BootUp
}

// Boot instantiates a compute image, lays out its channel, and starts a
// dispatcher configured by opts.
func (r *Runtime) Boot(ctx context.Context, opts ...Option) (*Image, error) {
	size := reflection.Footprint(r.config.requestCapacity, r.config.replyCapacity)
	region, err := hwazero.NewRegion(ctx, r.runtime, size)
	if err != nil {
		return nil, err
	}

	ch, err := reflection.NewChannel(region,
		reflection.WithCapacities(r.config.requestCapacity, r.config.replyCapacity),
		reflection.WithChannelLogger(r.config.logger.With("image", region.Name())))
	if err != nil {
		_ = region.Close()
		return nil, fmt.Errorf("failed to lay out channel: %w", err)
	}

	boot, err := New(ch, append([]Option{WithLogger(r.config.logger.With("image", region.Name()))}, opts...)...)
	if err != nil {
		_ = ch.Close()
		_ = region.Close()
		return nil, err
	}

	return &Image{region: region, channel: ch, boot: boot}, nil
}

// Name returns the instance name of the image.
func (i *Image) Name() string {
	return i.region.Name()
}

// Channel returns the image's channel.
func (i *Image) Channel() *reflection.Channel {
	return i.channel
}

// BootUp returns the image's dispatcher.
func (i *Image) BootUp() *BootUp {
	return i.boot
}

// Sender returns a compute-side sender for the image. Compute threads spin
// while waiting.
func (i *Image) Sender() *reflection.HostReflection {
	return reflection.New(i.channel, reflection.WithWaitMode(reflection.WaitSpin))
}

// Close stops the dispatcher, shuts the channel, and releases the image's
// memory.
func (i *Image) Close() error {
	return errors.Join(i.boot.Close(), i.channel.Close(), i.region.Close())
}
