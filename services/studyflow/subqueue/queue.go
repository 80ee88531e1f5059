// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package subqueue is the durable, strictly ordered stage submission queue.
//
// # Description
//
// A Submission is written to the shared store in the same transaction as
// its stage_submit event. Drain delivers items one at a time in ascending
// (timestamp, seq) order. Each attempt moves the item to syncing, then to
// completed on success or back to pending with a higher retry count. An
// item that reaches the retry ceiling, or whose delivery returns a
// Permanent error, becomes failed. A failed item blocks every later item
// until Retry resets it, or until ReplaceFailedTx swaps in corrected data
// at the same position.
//
// Besides stage data the queue carries jumps that discarded responses, so
// the collector drops them in the same order the participant did.
// SupersedeTx retires undelivered submissions of discarded stages.
//
// A crash while an item is syncing leaves it syncing on disk. Open moves
// it back to pending and the next drain resends it under the same
// idempotency key, which the collector uses to avoid applying it twice.
//
// # Thread Safety
//
// Queue is safe for concurrent use. Drains are serialized.
package subqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
)

// DefaultRetention is how long a completed submission is kept.
const DefaultRetention = 24 * time.Hour

var (
	// ErrNotFound is returned by Retry for an unknown key.
	ErrNotFound = errors.New("submission not found")

	// ErrNotFailed is returned by Retry for an item that is not failed.
	ErrNotFailed = errors.New("submission is not failed")
)

// DeliverFunc sends one submission to the collector.
type DeliverFunc func(ctx context.Context, s Submission) error

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// DrainResult summarizes one Drain.
type DrainResult struct {
	Delivered int
	Attempts  int

	// Offline is true when the drain stopped because the device went
	// offline.
	Offline bool

	// Halted is the key of the failed item that blocked the queue.
	Halted string
}

// Queue is the durable submission queue.
type Queue struct {
	store      *store.Log
	conn       Connectivity
	clock      Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	retention  time.Duration

	draining sync.Mutex
	seq      atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the wall clock and sleeper.
func WithClock(c Clock) Option { return func(q *Queue) { q.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithMetrics sets the metric set.
func WithMetrics(m *observability.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option { return func(q *Queue) { q.maxRetries = n } }

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) { q.baseDelay, q.maxDelay = base, max }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option { return func(q *Queue) { q.retention = d } }

// Open creates a Queue over st and recovers interrupted deliveries.
//
// # Inputs
//
//   - ctx: For the recovery transaction.
//   - st: Shared store.
//   - conn: Connectivity. Nil means always online.
//
// # Outputs
//
//   - *Queue: Ready for use.
//   - error: Store failures during recovery.
func Open(ctx context.Context, st *store.Log, conn Connectivity, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:      st,
		conn:       conn,
		clock:      realClock{},
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		retention:  DefaultRetention,
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With(slog.String("component", "subqueue"))

	if _, err := q.Recover(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) online() bool { return q.conn == nil || q.conn.Online() }

// List returns every stored submission in delivery order.
func (q *Queue) List(ctx context.Context) ([]Submission, error) {
	var out []Submission
	err := q.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = list(tx)
		return err
	})
	return out, err
}

func list(tx *store.Tx) ([]Submission, error) {
	var out []Submission
	err := tx.Scan(store.TableSubmissions, func(_ string, value []byte) error {
		var s Submission
		if err := store.Unmarshal(value, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return before(&out[i], &out[j]) })
	return out, nil
}

// Outstanding returns the submissions of sessionID that are not yet
// settled, in delivery order. An empty sessionID matches all sessions.
func (q *Queue) Outstanding(ctx context.Context, sessionID string) ([]Submission, error) {
	all, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if !s.Status.Settled() && (sessionID == "" || s.SessionID == sessionID) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Get returns the stored submission with key.
func (q *Queue) Get(ctx context.Context, key string) (Submission, error) {
	var s Submission
	err := q.store.View(ctx, func(tx *store.Tx) error {
		return tx.Get(store.TableSubmissions, key, &s)
	})
	if errors.Is(err, store.ErrNotFound) {
		return Submission{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s, err
}

// Enqueue stores s in its own transaction. See EnqueueTx.
func (q *Queue) Enqueue(ctx context.Context, s Submission) (Submission, bool, error) {
	var stored Submission
	var dup bool
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		stored, dup, err = q.EnqueueTx(tx, s)
		return err
	})
	return stored, dup, err
}

// EnqueueTx stores s inside tx.
//
// # Description
//
// If a pending or syncing submission of the same session and stage has
// the same digest, nothing is written and that submission is returned
// with dup set. Settled and failed submissions, and jumps, do not dedupe.
//
// # Outputs
//
//   - Submission: The stored (or existing) submission.
//   - bool: True when deduplicated.
//   - error: Store failures or a missing key.
func (q *Queue) EnqueueTx(tx *store.Tx, s Submission) (Submission, bool, error) {
	if s.IdempotencyKey == "" {
		return Submission{}, false, errors.New("submission has no idempotency key")
	}
	existing, err := list(tx)
	if err != nil {
		return Submission{}, false, err
	}
	for _, e := range existing {
		if !s.IsJump() && !e.IsJump() &&
			e.SessionID == s.SessionID && e.StageID == s.StageID && e.Digest == s.Digest &&
			(e.Status == StatusPending || e.Status == StatusSyncing) {
			return e, true, nil
		}
		if e.Seq > q.seq.Load() {
			q.seq.Store(e.Seq)
		}
	}

	s.Seq = q.seq.Add(1)
	s.Status = StatusPending
	if s.Timestamp.IsZero() {
		s.Timestamp = q.clock.Now().UTC()
	}
	if err := tx.Put(store.TableSubmissions, s.IdempotencyKey, s); err != nil {
		return Submission{}, false, err
	}
	return s, false, nil
}

// SupersedeTx retires the pending and failed submissions of sessionID for
// stageIDs inside tx. A syncing item is left alone: it is already on its
// way and the jump queued behind it discards it on the collector. It
// returns the keys it retired.
func (q *Queue) SupersedeTx(tx *store.Tx, sessionID string, stageIDs []string) ([]string, error) {
	items, err := list(tx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, s := range items {
		if s.SessionID != sessionID || s.IsJump() || !slices.Contains(stageIDs, s.StageID) {
			continue
		}
		if s.Status != StatusPending && s.Status != StatusFailed {
			continue
		}
		at := q.clock.Now().UTC()
		s.Status = StatusSuperseded
		s.CompletedAt = &at
		if err := tx.Put(store.TableSubmissions, s.IdempotencyKey, s); err != nil {
			return nil, err
		}
		keys = append(keys, s.IdempotencyKey)
	}
	return keys, nil
}

// ReplaceFailedTx swaps the failed submission key for s inside tx.
//
// # Description
//
// s takes over the position of the failed item (its timestamp and
// sequence) so nothing queued behind it is delivered first. s keeps its
// own idempotency key, data and digest and starts pending with no retries.
//
// # Outputs
//
//   - Submission: The stored replacement.
//   - error: ErrNotFound, ErrNotFailed, a session or stage mismatch, or
//     store failures.
func (q *Queue) ReplaceFailedTx(tx *store.Tx, key string, s Submission) (Submission, error) {
	var old Submission
	if err := tx.Get(store.TableSubmissions, key, &old); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Submission{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Submission{}, err
	}
	if old.Status != StatusFailed {
		return Submission{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, key, old.Status)
	}
	if old.SessionID != s.SessionID || old.StageID != s.StageID || old.IsJump() {
		return Submission{}, fmt.Errorf("replace %s: stage %s/%s does not match", key, s.SessionID, s.StageID)
	}
	if s.IdempotencyKey == "" {
		return Submission{}, errors.New("submission has no idempotency key")
	}
	if err := tx.Delete(store.TableSubmissions, key); err != nil {
		return Submission{}, err
	}
	s.Seq = old.Seq
	s.Timestamp = old.Timestamp
	s.Status = StatusPending
	s.RetryCount = 0
	s.LastError = ""
	s.CompletedAt = nil
	if err := tx.Put(store.TableSubmissions, s.IdempotencyKey, s); err != nil {
		return Submission{}, err
	}
	q.logger.Info("failed submission replaced",
		slog.String("old_key", key),
		slog.String("idempotency_key", s.IdempotencyKey),
		slog.String("stage_id", s.StageID))
	return s, nil
}

func (q *Queue) put(ctx context.Context, s Submission) error {
	return q.store.Update(ctx, func(tx *store.Tx) error {
		return tx.Put(store.TableSubmissions, s.IdempotencyKey, s)
	})
}

// Recover moves syncing items back to pending. It returns how many moved.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		items, err := list(tx)
		if err != nil {
			return err
		}
		for _, s := range items {
			if s.Seq > q.seq.Load() {
				q.seq.Store(s.Seq)
			}
			if s.Status != StatusSyncing {
				continue
			}
			s.Status = StatusPending
			if err := tx.Put(store.TableSubmissions, s.IdempotencyKey, s); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover submissions: %w", err)
	}
	if n > 0 {
		q.logger.Info("interrupted submissions returned to pending", slog.Int("count", n))
	}
	return n, nil
}

// Drain delivers outstanding submissions in order.
//
// # Description
//
// Takes the earliest submission that is not settled. If it is failed
// the drain halts. Otherwise the drain waits Backoff(retryCount), marks
// it syncing, and calls deliver. On success it is completed and the drain
// moves on. On failure its retry count grows and it is retried, unless
// the ceiling was reached or the error is Permanent, in which case it
// becomes failed and the drain halts. The drain also stops when the
// device goes offline or ctx is done.
//
// # Inputs
//
//   - ctx: Cancels waiting and delivery.
//   - deliver: Sends one submission.
//
// # Outputs
//
//   - DrainResult: Counts and the halting key, if any.
//   - error: Store failures or ctx errors.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc) (DrainResult, error) {
	q.draining.Lock()
	defer q.draining.Unlock()

	ctx, span := otel.Tracer("studyflow/subqueue").Start(ctx, "subqueue.Drain")
	defer span.End()

	var res DrainResult
	err := q.drain(ctx, deliver, &res)
	span.SetAttributes(
		attribute.Int("delivered", res.Delivered),
		attribute.Int("attempts", res.Attempts),
		attribute.Bool("offline", res.Offline),
		attribute.String("halted", res.Halted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
	}

	if outstanding, lerr := q.Outstanding(context.WithoutCancel(ctx), ""); lerr == nil {
		q.metrics.QueueDepth("submissions", len(outstanding))
	}
	return res, err
}

func (q *Queue) drain(ctx context.Context, deliver DeliverFunc, res *DrainResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !q.online() {
			res.Offline = true
			return nil
		}

		next, ok, err := q.head(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if next.Status == StatusFailed {
			res.Halted = next.IdempotencyKey
			return nil
		}

		if wait := Backoff(next.RetryCount, q.baseDelay, q.maxDelay); wait > 0 {
			if err := q.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			if !q.online() {
				res.Offline = true
				return nil
			}
		}

		halted, err := q.attempt(ctx, next, deliver, res)
		if err != nil {
			return err
		}
		if halted {
			res.Halted = next.IdempotencyKey
			return nil
		}
	}
}

// head returns the earliest submission that is not settled.
func (q *Queue) head(ctx context.Context) (Submission, bool, error) {
	all, err := q.List(ctx)
	if err != nil {
		return Submission{}, false, err
	}
	for _, s := range all {
		if !s.Status.Settled() {
			return s, true, nil
		}
	}
	return Submission{}, false, nil
}

func (q *Queue) attempt(ctx context.Context, s Submission, deliver DeliverFunc, res *DrainResult) (halted bool, err error) {
	if s.Kind == "" {
		s.Kind = KindSubmit
	}
	claimed, err := q.claim(ctx, &s)
	if err != nil || !claimed {
		return false, err
	}

	_, span := otel.Tracer("studyflow/subqueue").Start(ctx, "subqueue.attempt",
		trace.WithAttributes(
			attribute.String("stage_id", s.StageID),
			attribute.String("kind", string(s.Kind)),
			attribute.Int("retry_count", s.RetryCount),
		))
	start := q.clock.Now()
	derr := deliver(ctx, s)
	q.metrics.Attempt(q.clock.Now().Sub(start))
	res.Attempts++
	span.End()

	// The outcome is recorded even if ctx was cancelled during delivery.
	wctx := context.WithoutCancel(ctx)

	if derr == nil {
		at := q.clock.Now().UTC()
		s.Status = StatusCompleted
		s.CompletedAt = &at
		s.LastError = ""
		if err := q.put(wctx, s); err != nil {
			return false, err
		}
		res.Delivered++
		q.metrics.Submission("completed")
		return false, nil
	}

	if ctx.Err() != nil {
		s.Status = StatusPending
		if err := q.put(wctx, s); err != nil {
			return false, err
		}
		return false, ctx.Err()
	}

	s.RetryCount++
	s.LastError = derr.Error()
	if IsPermanent(derr) || s.RetryCount >= q.maxRetries {
		s.Status = StatusFailed
		if err := q.put(wctx, s); err != nil {
			return false, err
		}
		q.metrics.Submission("failed")
		q.logger.Error("submission failed permanently",
			slog.String("idempotency_key", s.IdempotencyKey),
			slog.String("session_id", s.SessionID),
			slog.String("stage_id", s.StageID),
			slog.Int("retry_count", s.RetryCount),
			slog.String("error", derr.Error()))
		return true, nil
	}

	s.Status = StatusPending
	if err := q.put(wctx, s); err != nil {
		return false, err
	}
	q.metrics.Submission("retry")
	q.logger.Warn("submission attempt failed",
		slog.String("stage_id", s.StageID),
		slog.Int("retry_count", s.RetryCount),
		slog.String("error", derr.Error()))
	return false, nil
}

// claim moves s to syncing unless it changed since head read it, as when
// a jump superseded it in between.
func (q *Queue) claim(ctx context.Context, s *Submission) (bool, error) {
	claimed := false
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var cur Submission
		if err := tx.Get(store.TableSubmissions, s.IdempotencyKey, &cur); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if cur.Status != s.Status || cur.Digest != s.Digest {
			return nil
		}
		s.Status = StatusSyncing
		claimed = true
		return tx.Put(store.TableSubmissions, s.IdempotencyKey, *s)
	})
	return claimed, err
}

// Retry resets a failed submission to pending with a zero retry count.
func (q *Queue) Retry(ctx context.Context, key string) error {
	return q.store.Update(ctx, func(tx *store.Tx) error {
		var s Submission
		if err := tx.Get(store.TableSubmissions, key, &s); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return err
		}
		if s.Status != StatusFailed {
			return fmt.Errorf("%w: %s is %s", ErrNotFailed, key, s.Status)
		}
		s.Status = StatusPending
		s.RetryCount = 0
		s.LastError = ""
		return tx.Put(store.TableSubmissions, key, s)
	})
}

// RetryFailed resets every failed submission. It returns how many.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	n := 0
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		items, err := list(tx)
		if err != nil {
			return err
		}
		for _, s := range items {
			if s.Status != StatusFailed {
				continue
			}
			s.Status = StatusPending
			s.RetryCount = 0
			s.LastError = ""
			if err := tx.Put(store.TableSubmissions, s.IdempotencyKey, s); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Prune deletes submissions settled more than the retention ago.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	cutoff := q.clock.Now().Add(-q.retention)
	n := 0
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		items, err := list(tx)
		if err != nil {
			return err
		}
		for _, s := range items {
			if !s.Status.Settled() || s.CompletedAt == nil || s.CompletedAt.After(cutoff) {
				continue
			}
			if err := tx.Delete(store.TableSubmissions, s.IdempotencyKey); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune submissions: %w", err)
	}
	return n, nil
}
