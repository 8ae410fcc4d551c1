package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hostreflect/hostreflect/application/config"
	"github.com/hostreflect/hostreflect/file"
	"github.com/hostreflect/hostreflect/host"
	"github.com/hostreflect/hostreflect/hostfuncs"
	"github.com/hostreflect/hostreflect/infrastructure/memory"
	"github.com/hostreflect/hostreflect/infrastructure/metrics"
	"github.com/hostreflect/hostreflect/knob"
	hostlog "github.com/hostreflect/hostreflect/log"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// payloadSizeKnob lets the config override --payload-size per host.
const payloadSizeKnob = "payload_size"

const maxPayloadSize = 64 << 20

type runOptions struct {
	configPath  string
	metricsAddr string
	workers     int
	payloadSize int
}

// session is a booted channel with its dispatcher, whichever region backs it.
type session struct {
	channel *reflection.Channel
	sender  reflection.Sender
	close   func() error
	name    string
}

// run boots the host described by cfg and drives cfg.Workers compute
// workers against it until each has finished its file round trip.
func run(ctx context.Context, cfg *config.HostConfig, opts runOptions, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	files, err := hostfuncs.NewFileService(cfg.Files.Root,
		hostfuncs.WithAllowedPatterns(cfg.Files.Allow...),
		hostfuncs.WithSymlinkResolution(cfg.Files.ResolveSymlinks),
		hostfuncs.WithFirstHandle(cfg.Files.FirstHandle),
		hostfuncs.WithFileLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = files.Close() }()

	bootOpts := []host.Option{
		host.WithMiddleware(hostfuncs.LoggingMiddleware(logger), m.Middleware()),
		host.WithBundle(hostfuncs.Bundles(
			hostfuncs.FileBundle(files),
			hostfuncs.KnobBundle(hostfuncs.NewKnobService(cfg.Knobs)),
			hostfuncs.LogBundle(hostfuncs.NewLogSink(logger)),
		)),
	}

	s, err := boot(ctx, cfg, logger, bootOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			logger.Warn("shutdown failed", "image", s.name, "error", err)
		}
	}()

	unwatch, err := m.WatchChannel(s.name, s.channel)
	if err != nil {
		return err
	}
	defer unwatch()

	var srv *http.Server
	if opts.metricsAddr != "" {
		if srv, err = serveMetrics(opts.metricsAddr, reg, logger); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("host booted", "image", s.name, "backend", cfg.Region.Backend, "workers", cfg.Workers, "root", files.Root())

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		//nolint:gosec // G115: workers is bounded by config validation
		threadID := uint32(i + 1)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return runWorker(s.sender, threadID, opts.payloadSize)
		})
	}
	if err := g.Wait(); err != nil {
		if berr := s.channel.Err(); berr != nil && !errors.Is(err, berr) {
			err = errors.Join(err, berr)
		}
		return fmt.Errorf("workload failed: %w", err)
	}

	logger.Info("workload complete", "workers", cfg.Workers, "duration", time.Since(start))
	return nil
}

// boot lays out a channel in the configured region and starts its
// dispatcher.
func boot(ctx context.Context, cfg *config.HostConfig, logger *slog.Logger, opts []host.Option) (*session, error) {
	if cfg.Region.Backend == "wazero" {
		rt := host.NewRuntime(ctx,
			host.WithQueueCapacities(cfg.Queue.RequestCapacity, cfg.Queue.ReplyCapacity),
			host.WithRuntimeLogger(logger))
		img, err := rt.Boot(ctx, opts...)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		return &session{
			channel: img.Channel(),
			sender:  img.Sender(),
			name:    img.Name(),
			close: func() error {
				return errors.Join(img.Close(), rt.Close(context.WithoutCancel(ctx)))
			},
		}, nil
	}

	region := memory.NewInMemoryRegion(reflection.Footprint(cfg.Queue.RequestCapacity, cfg.Queue.ReplyCapacity))
	ch, err := reflection.NewChannel(region,
		reflection.WithCapacities(cfg.Queue.RequestCapacity, cfg.Queue.ReplyCapacity),
		reflection.WithChannelLogger(logger))
	if err != nil {
		return nil, err
	}
	b, err := host.New(ch, append([]host.Option{host.WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &session{
		channel: ch,
		sender:  reflection.New(ch),
		name:    "memory-" + uuid.NewString(),
		close: func() error {
			return errors.Join(b.Close(), ch.Close(), region.Close())
		},
	}, nil
}

// runWorker is one compute thread: it creates a scratch file, writes a
// pattern, reads it back, and removes the file.
func runWorker(sender reflection.Sender, threadID uint32, defaultSize int) error {
	logger := hostlog.NewLogger(sender, hostlog.WithThreadID(threadID))

	size, err := knob.Int(sender, threadID, payloadSizeKnob, int64(defaultSize))
	if err != nil {
		return err
	}

	if size < 0 || size > maxPayloadSize {
		return fmt.Errorf("thread %d: %s knob %d out of range", threadID, payloadSizeKnob, size)
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(uint32(i) ^ threadID)
	}

	f, err := file.Open(sender, threadID, "reflectd-"+uuid.NewString()+".bin", file.WithCreate(), file.WithTruncate())
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return err
	}

	got, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if !bytes.Equal(payload, got) {
		_ = f.Remove()
		return fmt.Errorf("thread %d: read back %d bytes that differ from the %d written", threadID, len(got), len(payload))
	}

	// Sent before Remove so the dispatcher handles it ahead of the reply
	// this thread waits for.
	logger.Info("round trip verified", "file", f.Name(), "bytes", len(payload))
	return f.Remove()
}

// serveMetrics starts a /metrics endpoint for reg on addr.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
