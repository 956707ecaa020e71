package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("tmilink-test", "dev")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
	if IsTracingEnabled() {
		t.Error("tracing enabled without an endpoint")
	}
}

func TestStartSpanNoop(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "corr-1")
	ctx, span := StartSpan(ctx, "chat.connect")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, errors.New("dial refused"))

	_, span = StartSpan(context.Background(), "eventsub.subscribe")
	EndSpan(span, nil)
}
