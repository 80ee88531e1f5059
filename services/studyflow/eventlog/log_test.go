// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventlog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
)

type fakeSender struct {
	mu      sync.Mutex
	batches []datatypes.LogBatchRequest
	fail    error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeSender) SendEvents(_ context.Context, b datatypes.LogBatchRequest) (*datatypes.LogBatchResponse, error) {
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	if f.fail != nil {
		return nil, f.fail
	}
	return &datatypes.LogBatchResponse{Accepted: len(b.Events)}, nil
}

func (f *fakeSender) sent() []datatypes.LogBatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.LogBatchRequest(nil), f.batches...)
}

type switchConn struct{ on atomic.Bool }

func (c *switchConn) Online() bool { return c.on.Load() }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T, sender Sender, conn Connectivity, opts ...Option) (*Log, *store.Log) {
	t.Helper()
	st, err := store.OpenInMemory(logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(st, sender, conn, opts...), st
}

func TestNewEvent_KeyIsFixedAtCapture(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.FixedZone("x", 3600))
	ev := NewEvent("s1", TypeStageSubmit, "consent", nil, at)

	assert.Equal(t, "s1_consent_stage_submit_"+strconv.FormatInt(at.UnixMilli(), 10), ev.IdempotencyKey)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Equal(t, ev.IdempotencyKey, NewEvent("s1", TypeStageSubmit, "consent", map[string]any{"x": 1}, at).IdempotencyKey)
	assert.NotEqual(t, ev.IdempotencyKey, NewEvent("s1", TypeStageSubmit, "consent", nil, at.Add(time.Millisecond)).IdempotencyKey)
}

func TestAppend_OfflineQueuesOnlineFlushes(t *testing.T) {
	sender := &fakeSender{}
	conn := &switchConn{}
	l, _ := newTestLog(t, sender, conn)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, NewEvent("s1", TypeStageView, "a", nil, t0)))
	require.NoError(t, l.Append(ctx, NewEvent("s2", TypeStageView, "a", nil, t0.Add(time.Second))))
	require.NoError(t, l.Append(ctx, NewEvent("s1", TypeFieldChange, "a", nil, t0.Add(2*time.Second))))
	assert.Empty(t, sender.sent())

	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "offline flush is skipped")

	conn.on.Store(true)
	res, err = l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)

	batches := sender.sent()
	require.Len(t, batches, 2)
	assert.Equal(t, "s1", batches[0].SessionID)
	assert.Len(t, batches[0].Events, 2)
	assert.Equal(t, "s2", batches[1].SessionID)

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = l.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
}

func TestAppend_DistinctEventsSharingKeyAreKept(t *testing.T) {
	l, _ := newTestLog(t, &fakeSender{}, &switchConn{})
	ctx := context.Background()

	age := NewEvent("s1", TypeFieldChange, "survey", map[string]any{"field": "age", "value": 40}, t0)
	name := NewEvent("s1", TypeFieldChange, "survey", map[string]any{"field": "name", "value": "Ada"}, t0)
	require.Equal(t, age.IdempotencyKey, name.IdempotencyKey)

	require.NoError(t, l.Append(ctx, age))
	require.NoError(t, l.Append(ctx, name))
	// Retrying either one must not add a third copy.
	require.NoError(t, l.Append(ctx, age))
	require.NoError(t, l.Append(ctx, name))

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	fields := []any{pending[0].Payload["field"], pending[1].Payload["field"]}
	assert.ElementsMatch(t, []any{"age", "name"}, fields)
	assert.NotEqual(t, pending[0].IdempotencyKey, pending[1].IdempotencyKey)
	for _, ev := range pending {
		assert.Contains(t, ev.IdempotencyKey, age.IdempotencyKey)
	}
}

func TestAppend_DuplicateKeyStoredOnce(t *testing.T) {
	l, _ := newTestLog(t, &fakeSender{}, &switchConn{})
	ctx := context.Background()

	ev := NewEvent("s1", TypeStageSubmit, "a", nil, t0)
	require.NoError(t, l.Append(ctx, ev))
	require.NoError(t, l.Append(ctx, ev))

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.ErrorIs(t, l.Append(ctx, Event{SessionID: "s1"}), ErrMissingKey)
}

func TestFlush_PreviewMarkedSyncedWithoutSending(t *testing.T) {
	sender := &fakeSender{}
	conn := &switchConn{}
	l, _ := newTestLog(t, sender, conn)
	ctx := context.Background()

	ev := NewEvent("preview-1", TypeStageView, "a", nil, t0)
	ev.Preview = true
	require.NoError(t, l.Append(ctx, ev))

	conn.on.Store(true)
	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Preview)
	assert.Empty(t, sender.sent())

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlush_FailureBumpsRetryAndKeepsKey(t *testing.T) {
	sender := &fakeSender{fail: errors.New("collector down")}
	conn := &switchConn{}
	l, _ := newTestLog(t, sender, conn)
	ctx := context.Background()

	ev := NewEvent("s1", TypeStageSubmit, "a", nil, t0)
	require.NoError(t, l.Append(ctx, ev))
	conn.on.Store(true)

	for i := 1; i <= 2; i++ {
		res, err := l.Flush(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, res.Failed)

		pending, err := l.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, i, pending[0].RetryCount)
	}

	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()
	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	batches := sender.sent()
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Equal(t, ev.IdempotencyKey, b.Events[0].IdempotencyKey)
	}
}

func TestFlush_ConcurrentCallReturnsImmediately(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{}), entered: make(chan struct{})}
	entered := sender.entered
	l, _ := newTestLog(t, sender, nil)
	ctx := context.Background()

	require.NoError(t, l.store.Update(ctx, func(tx *store.Tx) error {
		return AppendTx(tx, NewEvent("s1", TypeStageView, "a", nil, t0))
	}))

	done := make(chan FlushResult)
	go func() {
		res, _ := l.Flush(ctx)
		done <- res
	}()

	<-entered
	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(sender.block)
	first := <-done
	assert.Equal(t, 1, first.Sent)
}

func TestPrune_RemovesSyncedAfterRetention(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	l, _ := newTestLog(t, &fakeSender{}, nil, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, l.store.Update(ctx, func(tx *store.Tx) error {
		return AppendTx(tx, NewEvent("s1", TypeStageView, "a", nil, t0))
	}))
	_, err := l.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, l.store.Update(ctx, func(tx *store.Tx) error {
		return AppendTx(tx, NewEvent("s1", TypeStageView, "b", nil, t0.Add(time.Minute)))
	}))

	now = t0.Add(23 * time.Hour)
	n, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = t0.Add(24 * time.Hour)
	n, err = l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := l.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "unsynced events are never pruned")
	assert.Equal(t, "b", pending[0].StageID)
}

