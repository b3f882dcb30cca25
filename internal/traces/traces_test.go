package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndEnd(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "ledger.Deposit", UserID(7), Amount("10.00"))
	End(span, nil)

	_, span = StartSpan(context.Background(), "disputes.Resolve", DisputeID(3), Resolution("REFUND_CLIENT"))
	End(span, errors.New("already resolved"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "ledger.Deposit", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), UserID(7))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "already resolved", spans[1].Status().Description)
	assert.Contains(t, spans[1].Attributes(), DisputeID(3))
}
