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

// Package tracing wires Discovery into OpenTelemetry: a tracer provider
// exporting spans to stdout (the teacher's exporter-swapping seam, without
// carrying its OTLP/Prometheus exporter stack), and the instrumentation
// scope every collaborator in internal/remote pulls its tracer from.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the scope every Discovery tracer is created
// under, matching the teacher's convention of one scope per service.
const InstrumentationName = "github.com/discoveryhq/discovery"

// Config selects whether tracing is active and how spans are exported.
type Config struct {
	// Enabled turns on the SDK provider. Disabled leaves the global
	// provider untouched (OpenTelemetry's default is a no-op), so every
	// otel.Tracer(...) call in the codebase is a cheap no-op rather than
	// requiring call sites to branch.
	Enabled bool

	// ServiceName and ServiceVersion tag the exported resource.
	ServiceName    string
	ServiceVersion string
}

// Init installs a global TracerProvider per cfg and returns a shutdown
// func that flushes pending spans. Call once at daemon startup.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout span exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns Discovery's instrumentation-scoped tracer off the
// currently installed global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
