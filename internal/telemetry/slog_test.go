package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	otellog "go.opentelemetry.io/otel/log"
)

func TestLogHandler_ForwardsToNext(t *testing.T) {
	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(NewLogHandler(next, "editionsync/test")).
		With("component", "sync").
		WithGroup("product")

	logger.Debug("hidden")
	logger.Info("synced", "id", "P1", "editions", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record passed the level filter: %q", out)
	}
	for _, want := range []string{"msg=synced", "component=sync", "product.id=P1", "product.editions=3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLogHandler_Enabled(t *testing.T) {
	h := NewLogHandler(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}), "x")
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info enabled under a Warn handler")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("Error disabled under a Warn handler")
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  otellog.Severity
	}{
		{slog.LevelDebug, otellog.SeverityDebug},
		{slog.LevelInfo, otellog.SeverityInfo},
		{slog.LevelWarn, otellog.SeverityWarn},
		{slog.LevelError, otellog.SeverityError},
		{slog.LevelError + 4, otellog.SeverityError},
	}
	for _, tt := range tests {
		if got := severity(tt.level); got != tt.want {
			t.Errorf("severity(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLogValue(t *testing.T) {
	if got := logValue(slog.IntValue(7)); got.AsInt64() != 7 {
		t.Errorf("int = %v", got)
	}
	if got := logValue(slog.BoolValue(true)); !got.AsBool() {
		t.Errorf("bool = %v", got)
	}
	if got := logValue(slog.GroupValue(slog.String("a", "b"))); got.Kind() != otellog.KindMap || len(got.AsMap()) != 1 {
		t.Errorf("group = %v", got)
	}
}

func TestNewResource_DefaultServiceName(t *testing.T) {
	res, err := newResource(Config{ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	var name, version string
	for _, kv := range res.Attributes() {
		switch kv.Key {
		case "service.name":
			name = kv.Value.AsString()
		case "service.version":
			version = kv.Value.AsString()
		}
	}
	if name != DefaultServiceName || version != "1.2.3" {
		t.Errorf("service.name=%q service.version=%q", name, version)
	}
}
