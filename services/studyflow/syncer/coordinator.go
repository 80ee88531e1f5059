// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer drains the local event log and submission queue to the
// collector.
//
// # Description
//
// A Coordinator runs a drain on load, whenever connectivity comes back,
// whenever the session machine queues a submission, and on manual retry.
// Concurrent triggers share one in-flight drain. After each delivered
// submission or jump the collector's response is applied to the session
// machine so its pointer, assignments and locks track the authoritative
// state. When the drain halts on a failed item the machine is told, so the
// participant cannot progress past a stage the collector refused.
//
// # Thread Safety
//
// Coordinator is safe for concurrent use.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/connectivity"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/session"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

// Triggers label why a drain ran.
const (
	TriggerLoad   = "load"
	TriggerOnline = "online"
	TriggerQueued = "queued"
	TriggerManual = "manual"
	TriggerResume = "resume"
)

const (
	// DefaultPruneInterval is how often Run prunes the queues.
	DefaultPruneInterval = 10 * time.Minute

	// DefaultCompactAfter is how long WAL records are kept.
	DefaultCompactAfter = 7 * 24 * time.Hour
)

// Collector delivers queued items.
type Collector interface {
	Submit(ctx context.Context, sessionID, key string, req datatypes.SubmitStageRequest) (*datatypes.SubmitStageResponse, error)
	Jump(ctx context.Context, sessionID, target string) (*datatypes.JumpResponse, error)
}

// Result summarizes one drain.
type Result struct {
	Trigger     string
	Events      eventlog.FlushResult
	Submissions subqueue.DrainResult
	Duration    time.Duration
}

// PruneResult counts what a prune removed.
type PruneResult struct {
	Events      int
	Submissions int
	Records     int
}

// Coordinator schedules drains.
type Coordinator struct {
	client  Collector
	machine *session.Machine
	events  *eventlog.Log
	queue   *subqueue.Queue
	store   *store.Log
	monitor *connectivity.Monitor

	logger        *slog.Logger
	metrics       *observability.Metrics
	instruments   *observability.Instruments
	now           func() time.Time
	pruneInterval time.Duration
	compactAfter  time.Duration

	flight singleflight.Group
	kick   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMachine applies drained responses to m and drains whenever m queues
// a submission.
func WithMachine(m *session.Machine) Option { return func(c *Coordinator) { c.machine = m } }

// WithMonitor drains on every offline to online transition of mon.
func WithMonitor(mon *connectivity.Monitor) Option { return func(c *Coordinator) { c.monitor = mon } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithInstruments sets the OTel instruments.
func WithInstruments(in *observability.Instruments) Option {
	return func(c *Coordinator) { c.instruments = in }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithPruneInterval sets how often Run prunes.
func WithPruneInterval(d time.Duration) Option { return func(c *Coordinator) { c.pruneInterval = d } }

// WithCompactAfter sets the WAL retention used by Prune.
func WithCompactAfter(d time.Duration) Option { return func(c *Coordinator) { c.compactAfter = d } }

// New creates a Coordinator.
//
// # Inputs
//
//   - client: Delivers submissions and jumps.
//   - st: The store shared by events and queue, compacted by Prune.
//   - events: Event log to flush.
//   - queue: Submission queue to drain.
//   - opts: Optional machine, monitor, logging and metrics.
func New(client Collector, st *store.Log, events *eventlog.Log, queue *subqueue.Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:        client,
		events:        events,
		queue:         queue,
		store:         st,
		now:           time.Now,
		pruneInterval: DefaultPruneInterval,
		compactAfter:  DefaultCompactAfter,
		kick:          make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "syncer"))
	if c.machine != nil {
		c.machine.OnQueued(c.Notify)
	}
	return c
}

func (c *Coordinator) online() bool { return c.monitor == nil || c.monitor.Online() }

// Notify schedules a drain from Run. It never blocks.
func (c *Coordinator) Notify() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// OnLoad drains once at startup when online.
func (c *Coordinator) OnLoad(ctx context.Context) (Result, error) {
	if !c.online() {
		c.logger.Info("offline at load, drain deferred")
		return Result{Trigger: TriggerLoad}, nil
	}
	return c.Sync(ctx, TriggerLoad)
}

// RetrySync returns failed submissions to pending and drains. The session
// machine takes the failed stage back as completed first.
func (c *Coordinator) RetrySync(ctx context.Context) (Result, error) {
	if c.machine != nil {
		if err := c.machine.ResetFailed(ctx); err != nil {
			return Result{Trigger: TriggerManual}, err
		}
	}
	n, err := c.queue.RetryFailed(ctx)
	if err != nil {
		return Result{Trigger: TriggerManual}, err
	}
	if n > 0 {
		c.logger.Info("failed submissions reset", slog.Int("count", n))
	}
	return c.Sync(ctx, TriggerManual)
}

// ResumeSession recovers sessionID on the machine, which replays pending
// submissions locally, then drains them when online.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID string) (session.State, error) {
	if c.machine == nil {
		return session.State{}, errors.New("resume: no session machine")
	}
	if _, err := c.machine.Recover(ctx, sessionID); err != nil {
		return session.State{}, err
	}
	if c.online() {
		if _, err := c.Sync(ctx, TriggerResume); err != nil && !collector.IsNetwork(err) {
			c.logger.Warn("drain after resume failed", slog.String("error", err.Error()))
		}
	}
	return c.machine.State(), nil
}

// Sync drains submissions and then flushes events.
//
// # Description
//
// Concurrent calls share one run and all receive its result. Submissions
// are delivered strictly in order; one rejected as a validation error is
// failed at once and halts the queue until RetrySync. Event flush runs
// even when the submission drain halted.
//
// # Outputs
//
//   - Result: What was delivered. Trigger is that of the run that
//     actually executed.
//   - error: Store errors, or ctx errors.
func (c *Coordinator) Sync(ctx context.Context, trigger string) (Result, error) {
	v, err, shared := c.flight.Do("sync", func() (any, error) {
		return c.run(ctx, trigger)
	})
	res, _ := v.(Result)
	if shared {
		c.logger.Debug("joined in-flight drain", slog.String("trigger", trigger))
	}
	return res, err
}

func (c *Coordinator) run(ctx context.Context, trigger string) (Result, error) {
	ctx, span := otel.Tracer("studyflow/syncer").Start(ctx, "syncer.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("trigger", trigger))

	c.metrics.SyncRun(trigger)
	start := c.now()
	res := Result{Trigger: trigger}

	drained, derr := c.queue.Drain(ctx, c.deliver)
	res.Submissions = drained
	if drained.Halted != "" {
		derr = errors.Join(derr, c.markFailed(ctx, drained.Halted))
	}

	flushed, ferr := c.events.Flush(ctx)
	res.Events = flushed

	res.Duration = c.now().Sub(start)
	c.instruments.RecordSync(ctx, res.Duration, drained.Delivered)
	span.SetAttributes(
		attribute.Int("submissions.delivered", drained.Delivered),
		attribute.Int("events.sent", flushed.Sent),
		attribute.String("halted", drained.Halted),
	)

	err := errors.Join(derr, ferr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
	}
	c.logger.Info("sync finished",
		slog.String("trigger", trigger),
		slog.Int("delivered", drained.Delivered),
		slog.Int("attempts", drained.Attempts),
		slog.Bool("offline", drained.Offline),
		slog.String("halted", drained.Halted),
		slog.Int("events_sent", flushed.Sent),
		slog.Duration("took", res.Duration))
	return res, err
}

// markFailed hands the item that halted the drain to the machine.
func (c *Coordinator) markFailed(ctx context.Context, key string) error {
	if c.machine == nil {
		return nil
	}
	sub, err := c.queue.Get(context.WithoutCancel(ctx), key)
	if err != nil {
		return fmt.Errorf("load failed submission: %w", err)
	}
	if err := c.machine.MarkFailed(context.WithoutCancel(ctx), sub); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, s subqueue.Submission) error {
	if s.IsJump() {
		return c.deliverJump(ctx, s)
	}
	resp, err := c.client.Submit(ctx, s.SessionID, s.IdempotencyKey, datatypes.SubmitStageRequest{
		StageID: s.StageID,
		Data:    s.Data,
	})
	if err != nil {
		if collector.IsValidation(err) {
			return subqueue.Permanent(err)
		}
		return err
	}
	if c.machine != nil {
		if err := c.machine.ApplySubmitResponse(ctx, s, resp); err != nil {
			return fmt.Errorf("apply response: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) deliverJump(ctx context.Context, s subqueue.Submission) error {
	resp, err := c.client.Jump(ctx, s.SessionID, s.StageID)
	if err != nil {
		if collector.IsValidation(err) {
			return subqueue.Permanent(err)
		}
		return err
	}
	if c.machine != nil {
		if err := c.machine.ApplyJumpResponse(ctx, s, resp); err != nil {
			return fmt.Errorf("apply jump response: %w", err)
		}
	}
	return nil
}

// Prune removes synced events and completed submissions past their
// retention, then compacts the WAL.
func (c *Coordinator) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	var errs []error
	var err error
	if res.Events, err = c.events.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Submissions, err = c.queue.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Records, err = c.store.Compact(ctx, c.now().Add(-c.compactAfter)); err != nil {
		errs = append(errs, fmt.Errorf("compact: %w", err))
	}
	if res.Events+res.Submissions+res.Records > 0 {
		c.logger.Info("pruned",
			slog.Int("events", res.Events),
			slog.Int("submissions", res.Submissions),
			slog.Int("records", res.Records))
	}
	return res, errors.Join(errs...)
}

// Run drives the coordinator until ctx is done: drains on reconnect and
// on Notify, and prunes every prune interval.
func (c *Coordinator) Run(ctx context.Context) error {
	var updates <-chan bool
	if c.monitor != nil {
		ch, cancel := c.monitor.Subscribe()
		defer cancel()
		updates = ch
	}
	ticker := time.NewTicker(c.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if online {
				c.syncLogged(ctx, TriggerOnline)
			}
		case <-c.kick:
			if c.online() {
				c.syncLogged(ctx, TriggerQueued)
			}
		case <-ticker.C:
			if _, err := c.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Coordinator) syncLogged(ctx context.Context, trigger string) {
	if _, err := c.Sync(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("sync failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()))
	}
}
