package common

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string

	// Output defaults to os.Stdout.
	Output io.Writer
}

func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	}

	log = slog.New(NewTraceHandler(handler))

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}

	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}

	return log
}

// TraceHandler adds the trace and span ids of the active span to every record.
type TraceHandler struct {
	handler slog.Handler
}

func NewTraceHandler(handler slog.Handler) *TraceHandler {
	return &TraceHandler{handler: handler}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace", spanCtx.TraceID().String()),
			slog.String("spanId", spanCtx.SpanID().String()),
			slog.Bool("traceSampled", spanCtx.IsSampled()),
		)
	}
	return h.handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{handler: h.handler.WithGroup(name)}
}
