// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing owns the OpenTelemetry wiring: one Provider holding
// the tracer provider (sampler, resource, chosen span exporter) and the
// meter provider with its Prometheus reader. The executor takes a
// trace.Tracer from here and emits workflow.run and workflow.node
// spans; everything else in the daemon stays otel-unaware.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quiverops/quiver/pkg/errors"
)

// Config selects the span exporter and sampling behavior.
type Config struct {
	// Enabled turns span emission on. Off, the Provider still builds
	// (metrics keep working) but hands out no-op tracers.
	Enabled bool

	// ServiceName identifies this process in trace backends.
	ServiceName string

	// ServiceVersion is the build version stamped on the resource.
	ServiceVersion string

	// Exporter picks the span destination: "console", "otlp" (gRPC) or
	// "otlp-http". Empty defaults to console.
	Exporter string

	// Endpoint is the OTLP receiver address ("host:4317" for gRPC,
	// "host:4318" for HTTP). Ignored by the console exporter.
	Endpoint string

	// Insecure disables TLS on OTLP connections. Development only.
	Insecure bool

	// Headers are sent with every OTLP export, typically backend auth.
	Headers map[string]string

	// Sampling controls which traces are recorded.
	Sampling SamplingConfig

	// BatchTimeout is how long the span processor buffers before
	// exporting. Zero takes the SDK default (5s).
	BatchTimeout time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates sampling. Off means record every trace.
	Enabled bool

	// Rate is the fraction of traces to record (0.0 - 1.0). Children
	// follow their parent's decision, so runs are kept or dropped
	// whole.
	Rate float64
}

// DefaultConfig returns the tracing defaults: disabled, console
// exporter, full sampling.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "quiverd",
		ServiceVersion: "unknown",
		Exporter:       "console",
		Sampling:       SamplingConfig{Enabled: false, Rate: 1.0},
	}
}

// Provider bundles the tracer and meter providers behind one lifecycle.
type Provider struct {
	cfg Config
	tp  *sdktrace.TracerProvider
	mp  *metric.MeterProvider
}

// New builds a Provider from cfg. Passing opts replaces the configured
// exporter entirely; tests use that to inject a synchronous in-memory
// exporter. The providers are installed globally so third-party
// instrumentation finds them.
func New(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	// SchemaURL deliberately empty: merging with the default resource
	// fails on mismatched schema versions.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build tracing resource")
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.Sampling)),
	}
	if cfg.Enabled && len(opts) == 0 {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		batchOpts := []sdktrace.BatchSpanProcessorOption{}
		if cfg.BatchTimeout > 0 {
			batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter, batchOpts...))
	}
	tpOpts = append(tpOpts, opts...)

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(W3CPropagator())

	// The prometheus reader registers otel instruments with the default
	// registry, so /metrics serves them next to the promauto counters.
	promReader, err := otelprom.New()
	if err != nil {
		return nil, errors.Wrap(err, "build prometheus reader")
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promReader),
	)
	otel.SetMeterProvider(mp)

	return &Provider{cfg: cfg, tp: tp, mp: mp}, nil
}

// Tracer hands out a tracer for the given instrumentation scope, or a
// no-op tracer when tracing is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if !p.cfg.Enabled {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// ForceFlush exports all buffered spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// newSampler maps the sampling config onto an SDK sampler. Sampling
// off, or a rate at or above 1, records everything; children always
// follow their parent so a run's node spans are never orphaned.
func newSampler(cfg SamplingConfig) sdktrace.Sampler {
	if !cfg.Enabled || cfg.Rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	if cfg.Rate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Rate))
}
