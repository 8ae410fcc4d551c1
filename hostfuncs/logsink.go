package hostfuncs

import (
	"context"
	"log/slog"

	"github.com/hostreflect/hostreflect/wireformat"
)

// LogSink writes log records emitted by compute images to a host logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Handle writes one record.
func (s *LogSink) Handle(ctx context.Context, rec *wireformat.LogRecord) {
	attrs := []any{"source", "compute"}
	if hc, ok := ctx.(HostContext); ok {
		attrs = append(attrs, "thread_id", hc.ThreadID())
	}
	s.logger.Log(ctx, slog.Level(rec.Level), rec.Message, attrs...)
}
