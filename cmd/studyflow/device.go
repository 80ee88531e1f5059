// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/config"
	"github.com/AleutianAI/StudyFlow/services/studyflow/connectivity"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
	"github.com/AleutianAI/StudyFlow/services/studyflow/syncer"
)

// device is the local durable state of one installation plus its
// collector connection.
type device struct {
	store   *store.Log
	queue   *subqueue.Queue
	events  *eventlog.Log
	client  *collector.Client
	monitor *connectivity.Monitor
	checker *connectivity.HeartbeatChecker
	metrics *observability.Metrics
}

// openDevice opens the store and builds the queues over it. The monitor
// starts offline until check is called.
func openDevice(ctx context.Context, c *config.Config, log *slog.Logger) (*device, error) {
	sc := store.DefaultConfig(c.Store.DataDir)
	if c.Store.InMemory {
		sc = store.InMemoryConfig()
	}
	sc.Logger = log
	st, err := store.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	metrics := observability.Default()
	mon := connectivity.NewMonitor(false, log, metrics)
	client := collector.New(c.Collector.URL,
		collector.WithRateLimit(rate.Limit(c.Collector.RequestsPerSecond), c.Collector.Burst),
		collector.WithLogger(log),
		collector.WithMetrics(metrics))

	q, err := subqueue.Open(ctx, st, mon,
		subqueue.WithLogger(log),
		subqueue.WithMetrics(metrics),
		subqueue.WithMaxRetries(c.Queue.MaxRetries),
		subqueue.WithBackoff(c.Queue.BaseDelay, c.Queue.MaxDelay),
		subqueue.WithRetention(c.Queue.Retention))
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	events := eventlog.New(st, client, mon,
		eventlog.WithLogger(log),
		eventlog.WithMetrics(metrics),
		eventlog.WithRetention(c.Events.Retention))

	return &device{
		store:   st,
		queue:   q,
		events:  events,
		client:  client,
		monitor: mon,
		checker: &connectivity.HeartbeatChecker{URL: c.HeartbeatURL()},
		metrics: metrics,
	}, nil
}

// check tests the collector once and records the result on the monitor.
func (d *device) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, cfg.Collector.Timeout)
	defer cancel()
	err := d.checker.Check(pctx)
	d.monitor.Set(err == nil)
	return err == nil
}

func (d *device) coordinator(log *slog.Logger, opts ...syncer.Option) *syncer.Coordinator {
	base := []syncer.Option{
		syncer.WithMonitor(d.monitor),
		syncer.WithLogger(log),
		syncer.WithMetrics(d.metrics),
		syncer.WithPruneInterval(cfg.Sync.PruneInterval),
		syncer.WithCompactAfter(cfg.Store.CompactAfter),
	}
	return syncer.New(d.client, d.store, d.events, d.queue, append(base, opts...)...)
}

func (d *device) Close() error {
	return d.store.Close()
}
