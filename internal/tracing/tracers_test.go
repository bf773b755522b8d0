package tracing

import (
	"testing"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/require"
)

func TestGetTracer(t *testing.T) {
	t.Setenv("JAEGER_DISABLED", "true")
	defer CloseAll()

	tracer, err := GetTracer("node1")
	require.NoError(t, err)
	require.NotNil(t, tracer)

	same, err := GetTracer("node1")
	require.NoError(t, err)
	require.Equal(t, tracer, same)

	t.Setenv("JAEGER_SAMPLER_PARAM", "abc")

	_, err = GetTracer("node2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse jaeger configuration: ")
}

func TestInstall(t *testing.T) {
	t.Setenv("JAEGER_DISABLED", "true")

	previous := opentracing.GlobalTracer()
	defer opentracing.SetGlobalTracer(previous)

	require.NoError(t, Install("node"))

	tracer, err := GetTracer("node")
	require.NoError(t, err)
	require.Equal(t, tracer, opentracing.GlobalTracer())

	require.NoError(t, CloseAll())
}
