// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
)

// Counter stores cross-participant assignment tallies.
//
// Balanced groups read per-child counts and record the child they chose.
// Round-robin picks and latin squares take a rotating position from Next.
// Keys are opaque strings built by the resolver.
type Counter interface {
	// Counts returns the tally of each child under key. Missing children
	// count zero.
	Counts(ctx context.Context, key string, childIDs []string) (map[string]int64, error)

	// Record increments the tally of childID under key.
	Record(ctx context.Context, key, childID string) error

	// Next returns the current position under key and advances it.
	Next(ctx context.Context, key string) (int64, error)
}

// BalanceKey is the Counter key of a balanced group for the given
// balance_on mode.
func BalanceKey(groupID, balanceOn string) string {
	if balanceOn == "" {
		balanceOn = BalanceStarted
	}
	return "balance:" + groupID + ":" + balanceOn
}

// QuotaKey is the Counter key holding the completion count of a stage
// quota. The count lives under Next positions, so each completion claims a
// slot atomically.
func QuotaKey(experimentID, stageID string) string {
	return "quota:" + experimentID + ":" + stageID
}

func rotationKey(groupID, purpose string) string {
	return "rotation:" + groupID + ":" + purpose
}

// MemoryCounter is a process-local Counter.
//
// Thread Safety: MemoryCounter is safe for concurrent use.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
	pos    map[string]int64
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts: make(map[string]map[string]int64),
		pos:    make(map[string]int64),
	}
}

// Counts implements Counter.
func (m *MemoryCounter) Counts(_ context.Context, key string, childIDs []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(childIDs))
	for _, id := range childIDs {
		out[id] = m.counts[key][id]
	}
	return out, nil
}

// Record implements Counter.
func (m *MemoryCounter) Record(_ context.Context, key, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[key] == nil {
		m.counts[key] = make(map[string]int64)
	}
	m.counts[key][childID]++
	return nil
}

// Next implements Counter.
func (m *MemoryCounter) Next(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pos[key]
	m.pos[key] = p + 1
	return p, nil
}

var _ Counter = (*MemoryCounter)(nil)
