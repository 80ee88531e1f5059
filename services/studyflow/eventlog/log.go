// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventlog is the durable telemetry queue of a participant device.
//
// Events are stored in the shared store under their idempotency key and
// sent to the collector in per-session batches. Delivery is at least once;
// the collector drops duplicates by key. A failed batch only bumps the
// retry count of its events: there is no backoff, the next flush trigger
// simply tries again.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
)

// DefaultRetention is how long a synced event is kept before Prune.
const DefaultRetention = 24 * time.Hour

// ErrMissingKey is returned when an event has no idempotency key.
var ErrMissingKey = errors.New("event has no idempotency key")

// Sender posts one session's batch to the collector.
type Sender interface {
	SendEvents(ctx context.Context, batch datatypes.LogBatchRequest) (*datatypes.LogBatchResponse, error)
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	// Skipped is true when another flush was running or the device was
	// offline. Nothing was attempted.
	Skipped bool

	Sent       int
	Duplicates int
	Preview    int
	Failed     int
}

// Log is the durable event queue.
//
// # Thread Safety
//
// Safe for concurrent use. At most one Flush runs at a time; a concurrent
// call returns immediately with Skipped set.
type Log struct {
	store     *store.Log
	sender    Sender
	conn      Connectivity
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	retention time.Duration

	flushing sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Log) { g.logger = l } }

// WithMetrics sets the metric set.
func WithMetrics(m *observability.Metrics) Option { return func(g *Log) { g.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Log) { g.now = now } }

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option { return func(g *Log) { g.retention = d } }

// New creates a Log over st. conn may be nil, meaning always online.
func New(st *store.Log, sender Sender, conn Connectivity, opts ...Option) *Log {
	l := &Log{
		store:     st,
		sender:    sender,
		conn:      conn,
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With(slog.String("component", "eventlog"))
	return l
}

func (l *Log) online() bool { return l.conn == nil || l.conn.Online() }

// Append stores ev and flushes when online. A flush failure is logged,
// not returned: the event is safely queued.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if err := l.store.Update(ctx, func(tx *store.Tx) error { return AppendTx(tx, ev) }); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if l.online() {
		if _, err := l.Flush(ctx); err != nil {
			l.logger.Warn("flush after append failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// AppendTx stores ev inside an existing transaction.
//
// An event whose key is already stored with the same content is left
// untouched, so a retried append is a no-op. A different event that
// captured the same key, such as two field changes on one stage within a
// millisecond, is stored under the key plus a suffix derived from its
// content. The suffix is stable, so retrying that event also dedupes.
func AppendTx(tx *store.Tx, ev Event) error {
	if ev.IdempotencyKey == "" {
		return ErrMissingKey
	}
	var existing Event
	err := tx.Get(store.TableEvents, ev.IdempotencyKey, &existing)
	if errors.Is(err, store.ErrNotFound) {
		return tx.Put(store.TableEvents, ev.IdempotencyKey, ev)
	}
	if err != nil {
		return err
	}

	want, err := contentDigest(ev)
	if err != nil {
		return err
	}
	have, err := contentDigest(existing)
	if err != nil {
		return err
	}
	if want == have {
		return nil
	}

	ev.IdempotencyKey += "_" + want[:12]
	err = tx.Get(store.TableEvents, ev.IdempotencyKey, &existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return tx.Put(store.TableEvents, ev.IdempotencyKey, ev)
}

// Pending returns unsynced events ordered by timestamp then key.
func (l *Log) Pending(ctx context.Context) ([]Event, error) {
	var out []Event
	err := l.store.View(ctx, func(tx *store.Tx) error {
		return tx.Scan(store.TableEvents, func(_ string, value []byte) error {
			var ev Event
			if err := store.Unmarshal(value, &ev); err != nil {
				return err
			}
			if !ev.Synced() {
				out = append(out, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out, nil
}

// Flush sends every pending event, one batch per session.
//
// # Description
//
// Preview-session events are marked synced without being sent. A batch
// that the collector accepts marks all of its events synced. A batch that
// fails increments each event's retry count and the remaining sessions
// are still attempted.
//
// # Outputs
//
//   - FlushResult: Per-outcome counts.
//   - error: Joined batch errors, or a store error.
func (l *Log) Flush(ctx context.Context) (FlushResult, error) {
	if !l.flushing.TryLock() {
		return FlushResult{Skipped: true}, nil
	}
	defer l.flushing.Unlock()

	if !l.online() {
		return FlushResult{Skipped: true}, nil
	}

	ctx, span := otel.Tracer("studyflow/eventlog").Start(ctx, "eventlog.Flush")
	defer span.End()

	pending, err := l.Pending(ctx)
	if err != nil {
		span.RecordError(err)
		return FlushResult{}, err
	}

	var order []string
	groups := make(map[string][]Event)
	for _, ev := range pending {
		if _, ok := groups[ev.SessionID]; !ok {
			order = append(order, ev.SessionID)
		}
		groups[ev.SessionID] = append(groups[ev.SessionID], ev)
	}

	var res FlushResult
	var errs []error
	for _, sid := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		batch := groups[sid]

		if batch[0].Preview {
			if err := l.markSynced(ctx, batch); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Preview += len(batch)
			continue
		}

		req := datatypes.LogBatchRequest{SessionID: sid, Events: make([]datatypes.LogEvent, len(batch))}
		for i := range batch {
			req.Events[i] = batch[i].wire()
		}
		resp, err := l.sender.SendEvents(ctx, req)
		if err != nil {
			res.Failed += len(batch)
			errs = append(errs, fmt.Errorf("session %s: %w", sid, err))
			if uerr := l.bumpRetry(ctx, batch); uerr != nil {
				errs = append(errs, uerr)
			}
			continue
		}
		if err := l.markSynced(ctx, batch); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Sent += len(batch)
		if resp != nil {
			res.Duplicates += resp.Duplicates
		}
	}

	l.metrics.EventsFlushed("sent", res.Sent)
	l.metrics.EventsFlushed("preview", res.Preview)
	l.metrics.EventsFlushed("failed", res.Failed)
	l.metrics.QueueDepth("events", res.Failed)

	span.SetAttributes(
		attribute.Int("sent", res.Sent),
		attribute.Int("preview", res.Preview),
		attribute.Int("failed", res.Failed),
	)
	err = errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, "flush incomplete")
	}
	if res.Sent+res.Preview+res.Failed > 0 {
		l.logger.Debug("events flushed",
			slog.Int("sent", res.Sent),
			slog.Int("preview", res.Preview),
			slog.Int("failed", res.Failed))
	}
	return res, err
}

func (l *Log) markSynced(ctx context.Context, batch []Event) error {
	at := l.now().UTC()
	return l.store.Update(ctx, func(tx *store.Tx) error {
		for i := range batch {
			ev := batch[i]
			ev.SyncedAt = &at
			if err := tx.Put(store.TableEvents, ev.IdempotencyKey, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Log) bumpRetry(ctx context.Context, batch []Event) error {
	return l.store.Update(ctx, func(tx *store.Tx) error {
		for i := range batch {
			ev := batch[i]
			ev.RetryCount++
			if err := tx.Put(store.TableEvents, ev.IdempotencyKey, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Prune deletes events synced more than the retention period ago.
func (l *Log) Prune(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.retention)
	var stale []string
	err := l.store.View(ctx, func(tx *store.Tx) error {
		return tx.Scan(store.TableEvents, func(id string, value []byte) error {
			var ev Event
			if err := store.Unmarshal(value, &ev); err != nil {
				return err
			}
			if ev.SyncedAt != nil && !ev.SyncedAt.After(cutoff) {
				stale = append(stale, id)
			}
			return nil
		})
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	err = l.store.Update(ctx, func(tx *store.Tx) error {
		for _, id := range stale {
			if err := tx.Delete(store.TableEvents, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return len(stale), nil
}
