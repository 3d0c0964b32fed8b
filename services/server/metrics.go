// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "dbtforge"
	serverSubsystem  = "server"
)

// Metrics holds the Prometheus collectors for the HTTP front end.
//
// Thread Safety: All operations are thread-safe.
type Metrics struct {
	// ToolCallsTotal counts tool calls.
	// Labels: tool, result (SUCCESS, ERROR, FAILED, invalid, unknown, error)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures tool call latency.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// PipelineRunsTotal counts workflow runs.
	// Labels: status (success, failure, error)
	PipelineRunsTotal *prometheus.CounterVec

	// ActivePipelines tracks workflow runs in progress.
	ActivePipelines prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
//
// Inputs:
//
//	reg - Registry to register with. Nil uses the default registry, which
//	      panics if called twice.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls by tool and result",
			},
			[]string{"tool", "result"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				// dbt invocations and synthesizer calls run from seconds to minutes.
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"tool"},
		),
		PipelineRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "pipeline_runs_total",
				Help:      "Total number of workflow runs by status",
			},
			[]string{"status"},
		),
		ActivePipelines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "active_pipelines",
				Help:      "Number of workflow runs in progress",
			},
		),
	}
}

// RecordToolCall records one tool call. Safe on a nil receiver.
func (m *Metrics) RecordToolCall(tool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, result).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordPipeline records one finished workflow run. Safe on a nil receiver.
func (m *Metrics) RecordPipeline(status string) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) pipelineStarted() {
	if m != nil {
		m.ActivePipelines.Inc()
	}
}

func (m *Metrics) pipelineDone() {
	if m != nil {
		m.ActivePipelines.Dec()
	}
}
