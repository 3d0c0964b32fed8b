// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// TRACING AND METRICS
// =============================================================================

var (
	tracer = otel.Tracer("dbtforge.engine")
	meter  = otel.Meter("dbtforge.engine")
)

var (
	sessionLatency   metric.Float64Histogram
	sessionTotal     metric.Int64Counter
	stateTransitions metric.Int64Counter
	attemptsTotal    metric.Int64Counter
	regenerations    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		sessionLatency, err = meter.Float64Histogram(
			"forge_session_duration_seconds",
			metric.WithDescription("Duration of validation sessions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionTotal, err = meter.Int64Counter(
			"forge_session_total",
			metric.WithDescription("Total number of validation sessions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateTransitions, err = meter.Int64Counter(
			"forge_state_transitions_total",
			metric.WithDescription("Total number of validation state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		attemptsTotal, err = meter.Int64Counter(
			"forge_attempts_total",
			metric.WithDescription("Total number of dbt invocations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		regenerations, err = meter.Int64Counter(
			"forge_regenerations_total",
			metric.WithDescription("Total number of artifact regenerations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startSessionSpan(ctx context.Context, sessionID string, req Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.Validate",
		trace.WithAttributes(
			attribute.String("forge.session_id", sessionID),
			attribute.String("forge.project", req.Project),
			attribute.String("forge.phase", string(req.Phase)),
		),
	)
}

func setSessionSpanResult(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.Bool("forge.success", res.Success),
		attribute.String("forge.final_state", string(res.State)),
		attribute.String("forge.reason", string(res.Reason)),
		attribute.Int("forge.attempts", res.Attempts),
		attribute.Int("forge.regenerations", res.Regenerations),
	)
}

func recordSessionMetrics(ctx context.Context, phase Phase, duration time.Duration, success bool, reason Reason) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.Bool("success", success),
		attribute.String("reason", string(reason)),
	)
	sessionLatency.Record(ctx, duration.Seconds(), attrs)
	sessionTotal.Add(ctx, 1, attrs)
}

func recordStateTransition(ctx context.Context, from, to State) {
	if err := initMetrics(); err != nil {
		return
	}
	stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func recordAttempt(ctx context.Context, phase Phase, outcome Outcome) {
	if err := initMetrics(); err != nil {
		return
	}
	attemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("outcome", string(outcome)),
	))
}

func recordRegeneration(ctx context.Context, kind string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	regenerations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}
