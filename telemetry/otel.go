// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports analysis-run telemetry via OpenTelemetry.
//
// Analysis runs are on-demand and CPU-bound, so a span per run plus a
// duration histogram is enough to see where analysis time goes and which
// experiments keep coming back INVESTIGATE.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the OTel instrumentation scope.
const instrumentationName = "github.com/AleutianAI/AleutianExperiments/telemetry"

// Config configures the analysis telemetry sink.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type Config struct {
	// ServiceName is the service name for telemetry. Required.
	ServiceName string

	// TracerProvider is the tracer provider to use.
	// If nil, uses the global tracer provider.
	TracerProvider trace.TracerProvider

	// MeterProvider is the meter provider to use.
	// If nil, uses the global meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName: "experiments-analyzer",
	}
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	return nil
}

// Sink records analysis spans and metrics.
//
// Thread Safety: Safe for concurrent use.
type Sink struct {
	tracer trace.Tracer
	meter  metric.Meter

	analysisDuration metric.Float64Histogram
	analysisRuns     metric.Int64Counter
}

// NewSink creates a telemetry sink from the configuration.
//
// Outputs:
//   - *Sink: The sink, wired to the configured or global providers.
//   - error: Non-nil on invalid configuration or instrument creation
//     failure.
func NewSink(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	s := &Sink{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
	}

	var err error
	s.analysisDuration, err = s.meter.Float64Histogram(
		"experiments.analysis.duration",
		metric.WithDescription("Duration of one analysis run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	s.analysisRuns, err = s.meter.Int64Counter(
		"experiments.analysis.runs",
		metric.WithDescription("Analysis runs by recommendation"),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StartAnalysis opens a span for an analysis run.
func (s *Sink) StartAnalysis(ctx context.Context, experimentID, metricName string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "experiments.analyze",
		trace.WithAttributes(
			attribute.String("experiment.id", experimentID),
			attribute.String("experiment.metric", metricName),
		),
	)
}

// RecordAnalysis records the outcome of a finished run on its span and the
// run metrics.
func (s *Sink) RecordAnalysis(ctx context.Context, span trace.Span, elapsed time.Duration, recommendation string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("experiment.recommendation", recommendation))
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("recommendation", recommendation),
		attribute.Bool("error", err != nil),
	)
	s.analysisDuration.Record(ctx, elapsed.Seconds(), attrs)
	s.analysisRuns.Add(ctx, 1, attrs)
}
