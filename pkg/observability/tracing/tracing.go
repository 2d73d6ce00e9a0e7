package tracing

import (
    "context"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var enabled atomic.Bool

// Setup configures a global tracer provider when enable=true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
    enabled.Store(enable)
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
    if err != nil {
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// StartSpan starts a tracing span if tracing is enabled. attrs are alternating
// key/value string pairs attached to the span.
func StartSpan(ctx context.Context, name string, attrs ...string) (context.Context, func()) {
    if !enabled.Load() {
        return ctx, func() {}
    }
    tr := otel.Tracer("go-group")
    ctx, span := tr.Start(ctx, name)
    for i := 0; i+1 < len(attrs); i += 2 {
        span.SetAttributes(attribute.String(attrs[i], attrs[i+1]))
    }
    return ctx, func() { span.End() }
}
