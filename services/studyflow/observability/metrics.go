// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

// Metrics is the Prometheus metric set shared by the device and collector
// packages. Every method is safe on a nil receiver, so components can
// treat metrics as optional.
type Metrics struct {
	submissions    *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	attemptLatency prometheus.Histogram
	eventFlushes   *prometheus.CounterVec
	syncRuns       *prometheus.CounterVec
	online         prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	logEntries     *prometheus.CounterVec
}

// NewMetrics registers the metric set with reg.
//
// Inputs:
//
//	reg - Target registry. Use prometheus.NewRegistry() in tests.
//
// Outputs:
//
//	*Metrics - Ready to record.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "queue",
			Name:      "submissions_total",
			Help:      "Submission delivery attempts by outcome",
		}, []string{"outcome"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "studyflow",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting for delivery",
		}, []string{"queue"}),
		attemptLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "studyflow",
			Subsystem: "queue",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of a single submission delivery attempt",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		eventFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "events",
			Name:      "flushed_total",
			Help:      "Telemetry events handled by flushes, by outcome",
		}, []string{"outcome"}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync coordinator runs by trigger",
		}, []string{"trigger"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "studyflow",
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the device believes it is online",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Collector HTTP requests by side, route and status",
		}, []string{"side", "route", "status"}),
		logEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "log",
			Name:      "entries_total",
			Help:      "Log records by service and level",
		}, []string{"service", "level"}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns a Metrics registered with the default Prometheus
// registry. It is created once per process.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Submission counts one delivery outcome: "completed", "retry", "failed".
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// QueueDepth sets the backlog of "submissions" or "events".
func (m *Metrics) QueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// Attempt observes one delivery attempt latency.
func (m *Metrics) Attempt(d time.Duration) {
	if m == nil {
		return
	}
	m.attemptLatency.Observe(d.Seconds())
}

// EventsFlushed counts n events with outcome "sent", "preview" or "failed".
func (m *Metrics) EventsFlushed(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventFlushes.WithLabelValues(outcome).Add(float64(n))
}

// SyncRun counts a coordinator run started by trigger.
func (m *Metrics) SyncRun(trigger string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(trigger).Inc()
}

// Online records the connectivity state.
func (m *Metrics) Online(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// HTTPRequest counts one request. side is "client" or "server"; status 0
// means a transport failure.
func (m *Metrics) HTTPRequest(side, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(side, route, strconv.Itoa(status)).Inc()
}

// LogEntry counts one log record.
func (m *Metrics) LogEntry(service, level string) {
	if m == nil {
		return
	}
	m.logEntries.WithLabelValues(service, level).Inc()
}

// =============================================================================
// OpenTelemetry Instruments
// =============================================================================

// Instruments are OTel metric instruments exported through the meter
// provider installed by Init.
type Instruments struct {
	// SyncDuration records one coordinator run in seconds.
	SyncDuration otelmetric.Float64Histogram

	// SubmissionsDrained counts submissions delivered by the coordinator.
	SubmissionsDrained otelmetric.Int64Counter
}

// NewInstruments creates the instruments on meter. A nil meter uses the
// global "studyflow" meter.
func NewInstruments(meter otelmetric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter("studyflow")
	}
	in := &Instruments{}
	var err error

	in.SyncDuration, err = meter.Float64Histogram(
		"studyflow_sync_duration_seconds",
		otelmetric.WithDescription("Sync coordinator run duration in seconds"),
		otelmetric.WithUnit("s"),
		otelmetric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_duration: %w", err)
	}

	in.SubmissionsDrained, err = meter.Int64Counter(
		"studyflow_submissions_drained_total",
		otelmetric.WithDescription("Submissions delivered by the sync coordinator"),
		otelmetric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create submissions_drained: %w", err)
	}
	return in, nil
}

// RecordSync records a run with its duration and delivered count. Nil-safe.
func (in *Instruments) RecordSync(ctx context.Context, d time.Duration, delivered int) {
	if in == nil {
		return
	}
	in.SyncDuration.Record(ctx, d.Seconds())
	if delivered > 0 {
		in.SubmissionsDrained.Add(ctx, int64(delivered))
	}
}
