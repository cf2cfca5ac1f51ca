package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(TracingConfig{
		ServiceName:    "wbingest-test",
		ServiceVersion: "test",
		SamplingRate:   1.0,
		Writer:         &buf,
	})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "fetch_page", attribute.Int("page", 3))
	EndSpan(span, nil)
	_, failed := StartSpan(context.Background(), "load_page")
	EndSpan(failed, errors.New("insert failed"))

	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "fetch_page")
	assert.Contains(t, out, "load_page")
	assert.Contains(t, out, "insert failed")
}

func TestTracerAvailableWithoutInit(t *testing.T) {
	_, span := StartSpan(context.Background(), "noop")
	EndSpan(span, nil)
	assert.NotNil(t, Tracer())
}
