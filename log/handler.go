// Package log provides a slog.Handler for compute images. Records are
// rendered to a single line and shipped to the host as asynchronous HostLog
// frames, where the host's LogSink writes them to its own logger.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"github.com/hostreflect/hostreflect/reflection"
	"github.com/hostreflect/hostreflect/wireformat"
)

// ReflectionHandler implements slog.Handler on top of a reflection.Sender.
type ReflectionHandler struct {
	sender reflection.Sender
	opts   handlerConfig
	// attrs holds pre-rendered key=value pairs from WithAttrs.
	attrs  []string
	groups []string
}

// HandlerOption configures the ReflectionHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	level     slog.Leveler
	threadID  uint32
	addSource bool
}

// defaultHandlerConfig returns the default configuration.
func defaultHandlerConfig() handlerConfig {
	return handlerConfig{
		level: slog.LevelInfo,
	}
}

// WithLevel sets the minimum log level to report.
// Records below this level are dropped before they reach the channel.
func WithLevel(level slog.Leveler) HandlerOption {
	return func(c *handlerConfig) {
		c.level = level
	}
}

// WithSource enables reporting of source location (file:line).
func WithSource(enabled bool) HandlerOption {
	return func(c *handlerConfig) {
		c.addSource = enabled
	}
}

// WithThreadID sets the thread id stamped on every HostLog frame.
func WithThreadID(id uint32) HandlerOption {
	return func(c *handlerConfig) {
		c.threadID = id
	}
}

// NewHandler creates a handler sending through sender.
func NewHandler(sender reflection.Sender, opts ...HandlerOption) *ReflectionHandler {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ReflectionHandler{sender: sender, opts: cfg}
}

// NewLogger is shorthand for slog.New(NewHandler(sender, opts...)).
func NewLogger(sender reflection.Sender, opts ...HandlerOption) *slog.Logger {
	return slog.New(NewHandler(sender, opts...))
}

// Enabled reports whether the handler handles records at the given level.
func (h *ReflectionHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level.Level()
}

// Handle renders record and sends it asynchronously. Lines longer than a
// HostLog payload are truncated.
func (h *ReflectionHandler) Handle(_ context.Context, record slog.Record) error {
	buf := NewBoundedBuffer(wireformat.MaxLogMessage)
	buf.WriteString(record.Message)

	if h.opts.addSource && record.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{record.PC})
		frame, _ := frames.Next()
		writePair(buf, slog.SourceKey, fmt.Sprintf("%s:%d", shortFile(frame.File), frame.Line))
	}
	for _, pair := range h.attrs {
		buf.WriteString(" ")
		buf.WriteString(pair)
	}
	prefix := groupPrefix(h.groups)
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(buf, prefix, attr)
		return true
	})

	msg, err := wireformat.Encode(&wireformat.LogRecord{
		Level:   int32(record.Level),
		Message: buf.Line(),
	})
	if err != nil {
		return err
	}
	return h.sender.SendAsynchronous(h.opts.threadID, msg)
}

// WithAttrs returns a new ReflectionHandler that includes the given attributes.
func (h *ReflectionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := h.clone()
	prefix := groupPrefix(h.groups)
	for _, attr := range attrs {
		var b strings.Builder
		if renderAttr(&b, prefix, attr) {
			next.attrs = append(next.attrs, b.String())
		}
	}
	return next
}

// WithGroup returns a new ReflectionHandler that qualifies later attribute
// keys with name.
func (h *ReflectionHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *ReflectionHandler) clone() *ReflectionHandler {
	next := *h
	next.attrs = slices.Clip(h.attrs)
	next.groups = slices.Clip(h.groups)
	return &next
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return strings.Join(groups, ".") + "."
}

func shortFile(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if j := strings.LastIndexByte(path[:i], '/'); j >= 0 {
			return path[j+1:]
		}
	}
	return path
}
