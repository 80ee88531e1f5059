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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Submission("completed")
	m.Submission("completed")
	m.Submission("failed")
	m.QueueDepth("submissions", 3)
	m.EventsFlushed("sent", 5)
	m.EventsFlushed("failed", 0)
	m.SyncRun("manual")
	m.Online(true)
	m.HTTPRequest("client", "/sessions/start", 200)
	m.Attempt(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("submissions")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.eventFlushes.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("client", "/sessions/start", "200")))

	m.Online(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.online))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Submission("completed")
		m.QueueDepth("events", 1)
		m.Attempt(time.Second)
		m.EventsFlushed("sent", 1)
		m.SyncRun("load")
		m.Online(true)
		m.HTTPRequest("server", "/health", 200)
		m.LogEntry("studyflow", "info")
	})

	var in *Instruments
	assert.NotPanics(t, func() { in.RecordSync(context.Background(), time.Second, 1) })
}

func TestLogExporter_CountsByLevel(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	logger := logging.New(logging.Config{
		Level:    logging.LevelInfo,
		Quiet:    true,
		Service:  "studyflow-test",
		Exporter: NewLogExporter(m),
	})
	t.Cleanup(func() { _ = logger.Close() })

	logger.Debug("below level")
	logger.Info("sync finished")
	logger.Warn("submission attempt failed")
	logger.Warn("submission attempt failed")
	logger.Error("submission failed permanently")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.logEntries.WithLabelValues("studyflow-test", "warn")) == 2 &&
			testutil.ToFloat64(m.logEntries.WithLabelValues("studyflow-test", "info")) == 1 &&
			testutil.ToFloat64(m.logEntries.WithLabelValues("studyflow-test", "error")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.logEntries.WithLabelValues("studyflow-test", "debug")))
}

func TestInstruments(t *testing.T) {
	in, err := NewInstruments(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotPanics(t, func() { in.RecordSync(context.Background(), 10*time.Millisecond, 2) })
}

func TestInit(t *testing.T) {
	_, err := Init(nil, DefaultConfig()) //nolint:staticcheck
	assert.ErrorIs(t, err, ErrNilContext)

	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	cfg.TraceExporter = "zipkin"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"
	shutdown, err = Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
