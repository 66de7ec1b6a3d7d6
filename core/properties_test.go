package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/miladsoleymani/relaymux/core"
)

func TestProperties_StringMap(t *testing.T) {
	p := core.Properties{
		"s":   "v",
		"b":   true,
		"i":   int64(42),
		"f":   1.5,
		"raw": []byte("bytes"),
		"nil": nil,
	}
	assert.Equal(t, map[string]string{
		"s": "v", "b": "true", "i": "42", "f": "1.5", "raw": "bytes",
	}, p.StringMap())
	assert.Equal(t, []string{"b", "f", "i", "nil", "raw", "s"}, p.Keys())
	assert.Empty(t, p.String("nil"))
	assert.Empty(t, p.String("absent"))
}

func TestProperties_CloneAndSet(t *testing.T) {
	var p core.Properties
	assert.Nil(t, p.Clone())

	p = p.Set("a", 1)
	c := p.Clone()
	c["a"] = 2
	assert.Equal(t, 1, p["a"])
}

func TestIsPrimitive(t *testing.T) {
	for _, v := range []any{"s", true, 1, int8(1), int64(1), uint8(1), float32(1), 1.0} {
		assert.True(t, core.IsPrimitive(v), "%T", v)
	}
	for _, v := range []any{nil, []string{"a"}, map[string]int{}, struct{}{}} {
		assert.False(t, core.IsPrimitive(v), "%T", v)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	props := core.Properties{}
	core.InjectTrace(ctx, props)
	require.Contains(t, props, "traceparent")

	got := trace.SpanContextFromContext(core.ExtractTrace(context.Background(), props))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}
