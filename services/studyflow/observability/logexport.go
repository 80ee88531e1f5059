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
	"strings"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
)

// LogExporter turns log records into the studyflow_log_entries_total
// counter, so warning and error rates can be alerted on without shipping
// log lines.
//
// # Thread Safety
//
// LogExporter is safe for concurrent use.
type LogExporter struct {
	metrics *Metrics
}

// NewLogExporter creates an exporter recording into m.
func NewLogExporter(m *Metrics) *LogExporter {
	return &LogExporter{metrics: m}
}

// Export counts entry.
func (e *LogExporter) Export(_ context.Context, entry logging.LogEntry) error {
	service := entry.Service
	if service == "" {
		service = "studyflow"
	}
	e.metrics.LogEntry(service, strings.ToLower(entry.Level.String()))
	return nil
}

// Flush is a no-op; counters are scraped.
func (e *LogExporter) Flush(context.Context) error { return nil }

// Close is a no-op.
func (e *LogExporter) Close() error { return nil }

var _ logging.LogExporter = (*LogExporter)(nil)
