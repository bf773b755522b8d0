// Package tracing installs the jaeger tracers the pipeline reports its spans
// to. The tracers are configured from the JAEGER_* environment variables.
package tracing

import (
	"io"
	"sync"

	opentracing "github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"golang.org/x/xerrors"
)

type closableTracer struct {
	tracer opentracing.Tracer
	closer io.Closer
}

var catalog = struct {
	sync.Mutex
	tracers map[string]closableTracer
}{
	tracers: make(map[string]closableTracer),
}

// GetTracer returns the tracer of the service. The tracers are cached so that
// a service has a single tracer.
func GetTracer(service string) (opentracing.Tracer, error) {
	catalog.Lock()
	defer catalog.Unlock()

	tc, ok := catalog.tracers[service]
	if ok {
		return tc.tracer, nil
	}

	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, xerrors.Errorf("failed to parse jaeger configuration: %v", err)
	}

	cfg.ServiceName = service

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, xerrors.Errorf("failed to create tracer: %v", err)
	}

	catalog.tracers[service] = closableTracer{
		tracer: tracer,
		closer: closer,
	}

	return tracer, nil
}

// Install sets the tracer of the service as the global tracer.
func Install(service string) error {
	tracer, err := GetTracer(service)
	if err != nil {
		return err
	}

	opentracing.SetGlobalTracer(tracer)

	return nil
}

// CloseAll closes the tracers and flushes their spans.
func CloseAll() error {
	catalog.Lock()
	defer catalog.Unlock()

	for service, tc := range catalog.tracers {
		err := tc.closer.Close()
		if err != nil {
			return xerrors.Errorf("failed to close tracer of %s: %v", service, err)
		}

		delete(catalog.tracers, service)
	}

	return nil
}
