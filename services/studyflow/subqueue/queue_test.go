// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type switchConn struct{ off atomic.Bool }

func (c *switchConn) Online() bool { return !c.off.Load() }

func newTestQueue(t *testing.T, st *store.Log, conn Connectivity, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.OpenInMemory(logging.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
	}
	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock), WithLogger(logging.Discard())}, opts...)
	q, err := Open(context.Background(), st, conn, opts...)
	require.NoError(t, err)
	return q, clock
}

func enqueue(t *testing.T, q *Queue, stage string, at time.Time, data map[string]any) Submission {
	t.Helper()
	s, err := NewSubmission("s1", stage, data, at)
	require.NoError(t, err)
	stored, dup, err := q.Enqueue(context.Background(), s)
	require.NoError(t, err)
	require.False(t, dup)
	return stored
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	assert.Zero(t, Backoff(0, base, max))
	assert.Equal(t, time.Second, Backoff(1, base, max))
	assert.Equal(t, 2*time.Second, Backoff(2, base, max))
	assert.Equal(t, 4*time.Second, Backoff(3, base, max))
	assert.Equal(t, 16*time.Second, Backoff(5, base, max))
	assert.Equal(t, 30*time.Second, Backoff(6, base, max))
	assert.Equal(t, 30*time.Second, Backoff(60, base, max))
}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(1, 5000).Draw(t, "base_ms")) * time.Millisecond
		max := base * time.Duration(rapid.IntRange(1, 100).Draw(t, "factor"))
		n := rapid.IntRange(0, 80).Draw(t, "retries")

		d := Backoff(n, base, max)
		next := Backoff(n+1, base, max)
		if d > max {
			t.Fatalf("backoff %v exceeds max %v", d, max)
		}
		if next < d {
			t.Fatalf("backoff decreased: %v then %v", d, next)
		}
		if n >= 1 && d < base && d != max {
			t.Fatalf("backoff %v below base %v", d, base)
		}
	})
}

func TestDigest_IgnoresKeyOrder(t *testing.T) {
	a, err := Digest(map[string]any{"x": 1, "y": map[string]any{"b": 2, "a": 1}})
	require.NoError(t, err)
	b, err := Digest(map[string]any{"y": map[string]any{"a": 1, "b": 2}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Digest(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEnqueue_DedupesInFlightOnly(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	ctx := context.Background()
	first := enqueue(t, q, "q1", t0, map[string]any{"answer": "yes"})

	again, err := NewSubmission("s1", "q1", map[string]any{"answer": "yes"}, t0.Add(time.Second))
	require.NoError(t, err)
	got, dup, err := q.Enqueue(ctx, again)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.IdempotencyKey, got.IdempotencyKey)

	_, err = q.Drain(ctx, func(context.Context, Submission) error { return nil })
	require.NoError(t, err)

	got, dup, err = q.Enqueue(ctx, again)
	require.NoError(t, err)
	assert.False(t, dup, "completed submissions do not dedupe")
	assert.Equal(t, again.IdempotencyKey, got.IdempotencyKey)
	assert.Greater(t, got.Seq, first.Seq)
}

func TestDrain_StrictOrder(t *testing.T) {
	q, clock := newTestQueue(t, nil, nil)
	ctx := context.Background()
	// Same timestamp: enqueue order breaks the tie.
	enqueue(t, q, "b", t0.Add(time.Second), nil)
	enqueue(t, q, "a", t0, nil)
	enqueue(t, q, "c", t0.Add(time.Second), nil)

	var got []string
	res, err := q.Drain(ctx, func(_ context.Context, s Submission) error {
		got = append(got, s.StageID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 3, res.Delivered)
	assert.Empty(t, clock.sleeps, "fresh items are sent without delay")

	outstanding, err := q.Outstanding(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestDrain_FailureHaltsLaterItems(t *testing.T) {
	q, clock := newTestQueue(t, nil, nil, WithMaxRetries(3))
	ctx := context.Background()
	enqueue(t, q, "stage2", t0, nil)
	enqueue(t, q, "stage3", t0.Add(time.Second), nil)
	enqueue(t, q, "stage4", t0.Add(2*time.Second), nil)

	var calls []string
	deliver := func(_ context.Context, s Submission) error {
		calls = append(calls, s.StageID)
		if s.StageID == "stage3" {
			return errors.New("503")
		}
		return nil
	}

	res, err := q.Drain(ctx, deliver)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.NotEmpty(t, res.Halted)
	assert.Equal(t, []string{"stage2", "stage3", "stage3", "stage3"}, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.sleeps)

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, StatusCompleted, all[0].Status)
	assert.Equal(t, StatusFailed, all[1].Status)
	assert.Equal(t, 3, all[1].RetryCount)
	assert.Equal(t, "503", all[1].LastError)
	assert.Equal(t, StatusPending, all[2].Status, "items after a failure are never attempted")

	calls = nil
	res, err = q.Drain(ctx, deliver)
	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.Equal(t, all[1].IdempotencyKey, res.Halted)

	require.NoError(t, q.Retry(ctx, all[1].IdempotencyKey))
	assert.ErrorIs(t, q.Retry(ctx, all[1].IdempotencyKey), ErrNotFailed)
	assert.ErrorIs(t, q.Retry(ctx, "missing"), ErrNotFound)

	res, err = q.Drain(ctx, func(context.Context, Submission) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Halted)
}

func TestDrain_PermanentErrorFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	ctx := context.Background()
	s := enqueue(t, q, "q1", t0, nil)

	attempts := 0
	res, err := q.Drain(ctx, func(context.Context, Submission) error {
		attempts++
		return Permanent(errors.New("422 invalid"))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, s.IdempotencyKey, res.Halted)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrain_StopsWhenOffline(t *testing.T) {
	conn := &switchConn{}
	q, _ := newTestQueue(t, nil, conn)
	ctx := context.Background()
	enqueue(t, q, "a", t0, nil)
	enqueue(t, q, "b", t0.Add(time.Second), nil)

	res, err := q.Drain(ctx, func(context.Context, Submission) error {
		conn.off.Store(true)
		return errors.New("network down")
	})
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Equal(t, 1, res.Attempts)

	outstanding, err := q.Outstanding(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, outstanding, 2)
	assert.Equal(t, StatusPending, outstanding[0].Status)
	assert.Equal(t, 1, outstanding[0].RetryCount)
}

func TestDrain_CancelledRevertsToPending(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	enqueue(t, q, "a", t0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := q.Drain(ctx, func(context.Context, Submission) error {
		cancel()
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	all, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusPending, all[0].Status)
	assert.Zero(t, all[0].RetryCount)
}

func TestOpen_RecoversSyncingWithSameKey(t *testing.T) {
	st, err := store.Open(store.DefaultConfig(t.TempDir()), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q, _ := newTestQueue(t, st, nil)
	ctx := context.Background()
	s := enqueue(t, q, "a", t0, map[string]any{"v": 1})

	// Simulate a crash mid-delivery.
	s.Status = StatusSyncing
	require.NoError(t, q.put(ctx, s))

	q2, _ := newTestQueue(t, st, nil)
	var keys []string
	res, err := q2.Drain(ctx, func(_ context.Context, got Submission) error {
		keys = append(keys, got.IdempotencyKey)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{s.IdempotencyKey}, keys)

	next := enqueue(t, q2, "b", t0.Add(time.Second), nil)
	assert.Greater(t, next.Seq, s.Seq, "sequence survives reopen")
}

func TestPrune_CompletedAfterRetention(t *testing.T) {
	q, clock := newTestQueue(t, nil, nil)
	ctx := context.Background()
	enqueue(t, q, "a", t0, nil)
	enqueue(t, q, "b", t0.Add(time.Second), nil)

	_, err := q.Drain(ctx, func(_ context.Context, s Submission) error {
		if s.StageID == "b" {
			return Permanent(errors.New("rejected"))
		}
		return nil
	})
	require.NoError(t, err)

	clock.advance(23 * time.Hour)
	n, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.advance(time.Hour)
	n, err = q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusFailed, all[0].Status, "failed items are kept")
}

func TestSupersede_SkipsDiscardedStages(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	ctx := context.Background()
	a := enqueue(t, q, "a", t0, map[string]any{"v": 1})
	b := enqueue(t, q, "b", t0.Add(time.Second), map[string]any{"v": 2})

	jump, err := NewJump("s1", "a", []string{"b"}, t0.Add(2*time.Second))
	require.NoError(t, err)
	err = q.store.Update(ctx, func(tx *store.Tx) error {
		keys, err := q.SupersedeTx(tx, "s1", []string{"b"})
		if err != nil {
			return err
		}
		assert.Equal(t, []string{b.IdempotencyKey}, keys)
		_, _, err = q.EnqueueTx(tx, jump)
		return err
	})
	require.NoError(t, err)

	var kinds []Kind
	var stages []string
	res, err := q.Drain(ctx, func(_ context.Context, s Submission) error {
		kinds = append(kinds, s.Kind)
		stages = append(stages, s.StageID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, []Kind{KindSubmit, KindJump}, kinds)
	assert.Equal(t, []string{"a", "a"}, stages)

	got, err := q.Get(ctx, b.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, got.Status)
	got, err = q.Get(ctx, a.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	outstanding, err := q.Outstanding(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestEnqueue_JumpsDoNotDedupe(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	for i := 0; i < 2; i++ {
		j, err := NewJump("s1", "a", []string{"b"}, t0)
		require.NoError(t, err)
		_, dup, err := q.Enqueue(context.Background(), j)
		require.NoError(t, err)
		assert.False(t, dup)
	}
	outstanding, err := q.Outstanding(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, outstanding, 2)
}

func TestReplaceFailed_KeepsPosition(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	ctx := context.Background()
	bad := enqueue(t, q, "a", t0, map[string]any{"age": "forty"})
	later := enqueue(t, q, "b", t0.Add(time.Second), map[string]any{"v": 2})

	res, err := q.Drain(ctx, func(_ context.Context, s Submission) error {
		if s.StageID == "a" {
			return Permanent(errors.New("422 validation"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, bad.IdempotencyKey, res.Halted)

	fixed, err := NewSubmission("s1", "a", map[string]any{"age": 40}, t0.Add(time.Minute))
	require.NoError(t, err)
	var stored Submission
	err = q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		stored, err = q.ReplaceFailedTx(tx, bad.IdempotencyKey, fixed)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, bad.Seq, stored.Seq)
	assert.True(t, stored.Timestamp.Equal(bad.Timestamp))
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, fixed.Digest, stored.Digest)

	_, err = q.Get(ctx, bad.IdempotencyKey)
	assert.ErrorIs(t, err, ErrNotFound)

	var order []string
	res, err = q.Drain(ctx, func(_ context.Context, s Submission) error {
		order = append(order, s.IdempotencyKey)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, res.Halted)
	assert.Equal(t, []string{fixed.IdempotencyKey, later.IdempotencyKey}, order)
}

func TestReplaceFailed_RequiresFailedItem(t *testing.T) {
	q, _ := newTestQueue(t, nil, nil)
	ctx := context.Background()
	pending := enqueue(t, q, "a", t0, nil)
	fixed, err := NewSubmission("s1", "a", map[string]any{"v": 1}, t0)
	require.NoError(t, err)

	err = q.store.Update(ctx, func(tx *store.Tx) error {
		_, err := q.ReplaceFailedTx(tx, pending.IdempotencyKey, fixed)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFailed)

	err = q.store.Update(ctx, func(tx *store.Tx) error {
		_, err := q.ReplaceFailedTx(tx, "missing", fixed)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrune_SupersededAfterRetention(t *testing.T) {
	q, clock := newTestQueue(t, nil, nil, WithRetention(time.Hour))
	ctx := context.Background()
	enqueue(t, q, "b", t0, nil)
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		_, err := q.SupersedeTx(tx, "s1", []string{"b"})
		return err
	})
	require.NoError(t, err)

	n, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.advance(2 * time.Hour)
	n, err = q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
