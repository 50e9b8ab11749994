// Copyright The Balloond Authors. All Rights Reserved.
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

package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	logger "github.com/containers/balloond/pkg/log"
	"github.com/containers/balloond/pkg/version"
)

type options struct {
	serviceName string
	endpoint    string
	ratio       float64
}

// Option is an opaque option for Start.
type Option func(*options) error

var (
	log      = logger.Get("tracing")
	provider *sdktrace.TracerProvider
)

// WithServiceName sets the service name reported in trace spans.
func WithServiceName(name string) Option {
	return func(o *options) error {
		o.serviceName = name
		return nil
	}
}

// WithCollectorEndpoint sets the OTLP collector endpoint spans are
// exported to. An empty endpoint disables tracing.
func WithCollectorEndpoint(endpoint string) Option {
	return func(o *options) error {
		o.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the ratio of sampled traces.
func WithSamplingRatio(ratio float64) Option {
	return func(o *options) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("tracing: invalid sampling ratio %f", ratio)
		}
		o.ratio = ratio
		return nil
	}
}

// Start sets up trace exporting with the given options.
func Start(opts ...Option) error {
	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}

	if o.endpoint == "" || o.ratio == 0.0 {
		log.Info("no collector endpoint or 0 sampling ratio, tracing disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(o.endpoint),
		otlptracehttp.WithInsecure())
	if err != nil {
		return fmt.Errorf("tracing: failed to create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.serviceName),
		semconv.ServiceVersion(version.Version),
	)

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.ratio))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	log.Info("exporting traces to %s, sampling ratio %f", o.endpoint, o.ratio)

	return nil
}

// Stop shuts down trace exporting, flushing any batched spans.
func Stop() {
	if provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := provider.Shutdown(ctx); err != nil {
		log.Warn("failed to shut down trace provider: %v", err)
	}
	provider = nil
}
