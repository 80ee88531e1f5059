// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connectivity tracks whether the participant device can reach
// the collector.
//
// A Monitor holds the current state and fans transitions out to
// subscribers. State comes either from the host (Set) or from Run, which
// polls a Checker. HeartbeatChecker exchanges a ping/pong with the
// collector's /ws/heartbeat endpoint.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
)

// DefaultCheckInterval is how often Run checks when no interval is given.
const DefaultCheckInterval = 15 * time.Second

// Checker checks reachability once. A nil error means online.
type Checker interface {
	Check(ctx context.Context) error
}

// Monitor is the connectivity state of the device.
//
// # Thread Safety
//
// Safe for concurrent use. Subscribers receive transitions in order; a
// subscriber that is not reading misses intermediate transitions but
// always sees the latest one.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	nextID  int
	subs    map[int]chan bool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool, logger *slog.Logger, metrics *observability.Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		online:  online,
		subs:    make(map[int]chan bool),
		logger:  logger.With(slog.String("component", "connectivity")),
		metrics: metrics,
	}
	metrics.Online(online)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state. Subscribers are notified only on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.metrics.Online(online)
	m.logger.Info("connectivity changed", slog.Bool("online", online))

	for _, ch := range m.subs {
		// Replace a stale unread value with the latest one.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of state transitions and a function that
// ends the subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Run checks with p every interval until ctx is done, starting
// immediately.
func (m *Monitor) Run(ctx context.Context, p Checker, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.check(ctx, p, interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context, p Checker, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.Check(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("heartbeat check failed", slog.String("error", err.Error()))
	}
	m.Set(err == nil)
}
