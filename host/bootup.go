package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/hostfuncs"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/hostreflect/hostreflect/wireformat"
)

// BootUp is the host dispatcher of one channel.
type BootUp struct {
	ch       *reflection.Channel
	refl     *reflection.HostReflection
	registry *hostfuncs.HandlerRegistry
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// New builds the handler registry and starts the dispatch goroutine for ch.
func New(ch *reflection.Channel, opts ...Option) (*BootUp, error) {
	cfg := bootConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	registry := cfg.registry
	if registry == nil {
		regOpts := append([]hostfuncs.RegistryOption{
			hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
		}, cfg.registryOpts...)
		var err error
		if registry, err = hostfuncs.NewRegistry(regOpts...); err != nil {
			return nil, fmt.Errorf("failed to build handler registry: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BootUp{
		ch:       ch,
		refl:     reflection.New(ch, reflection.WithWaitMode(reflection.WaitCooperative)),
		registry: registry,
		logger:   cfg.logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.logger.Debug("dispatcher starting", "handlers", len(registry.Handlers()))
	go b.run(ctx)
	return b, nil
}

// Registry returns the handler registry.
func (b *BootUp) Registry() *hostfuncs.HandlerRegistry {
	return b.registry
}

// Done is closed when the dispatch goroutine has exited.
func (b *BootUp) Done() <-chan struct{} {
	return b.done
}

// Err returns the violation that stopped the dispatcher, or nil.
func (b *BootUp) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close stops the dispatcher and waits for it to exit. Requests still queued
// are not served. The channel itself stays open.
func (b *BootUp) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
		b.logger.Debug("dispatcher stopped")
	})
	return nil
}

func (b *BootUp) run(ctx context.Context) {
	defer close(b.done)

	for {
		f, err := b.refl.AwaitRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.stop(err)
			return
		}

		if err := b.dispatch(ctx, f); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.stop(err)
			return
		}
	}
}

func (b *BootUp) dispatch(ctx context.Context, f wireformat.Frame) error {
	h := f.Header.Handler
	if !b.registry.Has(h) {
		return &domainErrors.ProtocolError{Reason: "unregistered handler", Handler: h, Err: wireformat.ErrUnknownHandler}
	}
	synchronous := f.Header.Type == wireformat.Synchronous
	if synchronous && !wireformat.HasReply(h) {
		return &domainErrors.ProtocolError{
			Reason:  "synchronous frame",
			Handler: h,
			Err:     fmt.Errorf("%w: %s has no reply layout", wireformat.ErrMalformedFrame, h),
		}
	}

	resp, err := b.registry.Invoke(ctx, f.Header, f.Payload)
	if err != nil {
		b.logger.WarnContext(ctx, "host function failed",
			"handler", h.String(), "thread_id", f.Header.ThreadID, "error", err)
		resp = hostfuncs.NewInternalError(h, err.Error()).Payload()
	}
	if !synchronous {
		return nil
	}
	return b.refl.Reply(ctx, f, resp)
}

// stop records a fatal cause and fails the channel so no caller waits on a
// dispatcher that is gone.
func (b *BootUp) stop(err error) {
	var perr *domainErrors.ProtocolError
	if !errors.As(err, &perr) {
		if errors.Is(err, domainErrors.ErrChannelClosed) {
			b.logger.Debug("dispatcher exiting, channel closed")
			return
		}
	}

	b.mu.Lock()
	b.err = err
	b.mu.Unlock()

	b.logger.Error("dispatcher stopped on fatal error", "error", err)
	b.ch.Fail(err)
}
