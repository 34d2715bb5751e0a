package telemetry

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// NewLogHandler returns a slog.Handler that passes every record to next and
// also emits it through the global OTel logger provider under scope. With no
// provider installed the OTel side is a no-op.
func NewLogHandler(next slog.Handler, scope string) slog.Handler {
	return &logHandler{next: next, logger: global.GetLoggerProvider().Logger(scope)}
}

type logHandler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	group  string
}

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(h.convert(a))
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	cp.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, h.convert(a))
	}
	return &cp
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.group = h.key(name)
	return &cp
}

func (h *logHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *logHandler) convert(a slog.Attr) otellog.KeyValue {
	return otellog.KeyValue{Key: h.key(a.Key), Value: logValue(a.Value)}
}

func logValue(v slog.Value) otellog.Value {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return otellog.StringValue(v.String())
	case slog.KindInt64:
		return otellog.Int64Value(v.Int64())
	case slog.KindUint64:
		return otellog.Int64Value(int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64Value(v.Float64())
	case slog.KindBool:
		return otellog.BoolValue(v.Bool())
	case slog.KindGroup:
		attrs := v.Group()
		kvs := make([]otellog.KeyValue, 0, len(attrs))
		for _, a := range attrs {
			kvs = append(kvs, otellog.KeyValue{Key: a.Key, Value: logValue(a.Value)})
		}
		return otellog.MapValue(kvs...)
	default:
		return otellog.StringValue(v.String())
	}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
