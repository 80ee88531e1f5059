// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the participant-side session state machine.
//
// # Description
//
// A Machine owns the single source of truth for one participant session:
// status, current stage, completed set, the two copies of each stage's
// data, assignments, locks and reference-jump bookkeeping. Every change
// goes through one of a small set of transition methods, and each method
// checks the source status before it acts.
//
// A stage submission is written to the event log and the submission queue
// in one store transaction together with the session snapshot, so a stage
// is never marked completed locally unless the collector accepted it or it
// is durably queued.
//
// # Thread Safety
//
// Machine is safe for concurrent use. Operations are serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

// PreviewPrefix starts every preview session id.
const PreviewPrefix = "preview-"

// Collector is the subset of the collector API the machine calls.
type Collector interface {
	StartSession(ctx context.Context, req datatypes.StartSessionRequest) (*datatypes.StartSessionResponse, error)
	Submit(ctx context.Context, sessionID, key string, req datatypes.SubmitStageRequest) (*datatypes.SubmitStageResponse, error)
	Jump(ctx context.Context, sessionID, target string) (*datatypes.JumpResponse, error)
	Return(ctx context.Context, sessionID string) (*datatypes.JumpResponse, error)
	Abandon(ctx context.Context, sessionID string) error
	State(ctx context.Context, sessionID string) (*datatypes.SessionStateResponse, error)
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// Machine is the session state machine.
type Machine struct {
	graph    *graph.Graph
	resolver *graph.Resolver
	client   Collector
	store    *store.Log
	events   *eventlog.Log
	queue    *subqueue.Queue
	conn     Connectivity
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	s           *session
	pendingJump *InvalidationPreview
	onQueued    func()
}

// Option configures a Machine.
type Option func(*Machine)

// WithResolver replaces the default resolver.
func WithResolver(r *graph.Resolver) Option { return func(m *Machine) { m.resolver = r } }

// WithConnectivity sets the connectivity source. Without one the device
// is assumed online.
func WithConnectivity(c Connectivity) Option { return func(m *Machine) { m.conn = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// New creates a Machine for experiment graph g.
//
// # Inputs
//
//   - g: The experiment graph.
//   - st: Shared store holding snapshots, events and submissions.
//   - events: Event log over st.
//   - queue: Submission queue over st.
//   - client: Collector API.
func New(g *graph.Graph, st *store.Log, events *eventlog.Log, queue *subqueue.Queue, client Collector, opts ...Option) *Machine {
	m := &Machine{
		graph:  g,
		client: client,
		store:  st,
		events: events,
		queue:  queue,
		now:    time.Now,
		s:      newSession(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "session"))
	if m.resolver == nil {
		m.resolver = graph.NewResolver(graph.WithLogger(m.logger))
	}
	return m
}

// OnQueued registers f to be called after a submission is queued instead
// of sent. The sync coordinator uses it to schedule a drain.
func (m *Machine) OnQueued(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQueued = f
}

// State returns a copy of the current session state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.view()
}

// SessionID returns the id of the current session, or "".
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ID
}

func (m *Machine) online() bool { return m.conn == nil || m.conn.Online() }

// =============================================================================
// Start
// =============================================================================

// StartParams configures Start.
type StartParams struct {
	URLParams   map[string]string
	UserAgent   string
	ScreenSize  string
	Participant map[string]any

	// Preview resolves locally and never calls the collector.
	Preview bool
}

// Start begins a new session at the first visible stage.
//
// # Description
//
// In live mode the collector creates the session and returns the visible
// stages, assignments and seed. In preview mode the graph is resolved
// locally with a fresh seed under a preview-<uuid> id.
//
// # Outputs
//
//   - State: The new session.
//   - error: Collector errors, or a *graph.ConfigError in preview mode.
func (m *Machine) Start(ctx context.Context, p StartParams) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newSession()
	s.ExperimentID = m.graph.ExperimentID
	s.URLParams = maps.Clone(p.URLParams)
	s.Participant = maps.Clone(p.Participant)

	if p.Preview {
		s.ID = PreviewPrefix + uuid.NewString()
		s.Status = datatypes.StatusPreview
		s.Preview = true
		s.Seed = rand.Int64()
		res, err := m.resolver.Resolve(ctx, m.graph, graph.Input{
			Seed:        s.Seed,
			Assignments: s.Assignments,
			URLParams:   s.URLParams,
			Participant: p.Participant,
		})
		if err != nil {
			return State{}, err
		}
		s.Visible = res.Stages
		s.Assignments = res.Assignments
		if len(s.Visible) > 0 {
			first := s.Visible[0]
			s.Current = &first
		}
	} else {
		resp, err := m.client.StartSession(ctx, datatypes.StartSessionRequest{
			ExperimentID: m.graph.ExperimentID,
			URLParams:    p.URLParams,
			UserAgent:    p.UserAgent,
			ScreenSize:   p.ScreenSize,
		})
		if err != nil {
			return State{}, fmt.Errorf("start session: %w", err)
		}
		s.ID = resp.SessionID
		s.Status = datatypes.StatusActive
		s.Seed = resp.RandomizationSeed
		s.Visible = resp.VisibleStages
		maps.Copy(s.Assignments, resp.Assignments)
		s.Current = resp.CurrentStage
	}
	s.Locks = m.graph.LockedItems(s.Visible, nil)

	m.s = s
	m.pendingJump = nil

	start := m.event(eventlog.TypeSessionStart, "", map[string]any{"preview": p.Preview})
	if err := m.commitLocked(ctx, nil, &start, m.viewEvent()); err != nil {
		return State{}, err
	}
	m.logger.Info("session started",
		slog.String("session_id", s.ID),
		slog.Bool("preview", s.Preview),
		slog.Int("visible_stages", len(s.Visible)))
	return s.view(), nil
}

// =============================================================================
// Field data
// =============================================================================

// SetField updates the working copy of one field and persists the
// snapshot.
func (m *Machine) SetField(ctx context.Context, stageID, fieldID string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireMutable(); err != nil {
		return err
	}
	prev := m.s.clone()
	d := m.s.Data[stageID]
	if d == nil {
		d = StageData{}
		m.s.Data[stageID] = d
	}
	d[fieldID] = value

	ev := m.event(eventlog.TypeFieldChange, stageID, map[string]any{"field": fieldID, "value": value})
	if err := m.commitLocked(ctx, nil, &ev); err != nil {
		m.s = prev
		return err
	}
	return nil
}

// StageData returns a copy of the working data of stageID.
func (m *Machine) StageData(stageID string) StageData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.s.Data[stageID])
}

// SubmittedData returns a copy of the last-submitted data of stageID.
func (m *Machine) SubmittedData(stageID string) StageData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.s.Submitted[stageID])
}

// NeedsResubmission reports whether the working fields of stageID differ
// from what was last submitted.
func (m *Machine) NeedsResubmission(stageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.s.Submitted[stageID]
	if !ok {
		return false
	}
	a, err1 := subqueue.Digest(m.s.Data[stageID].Fields())
	b, err2 := subqueue.Digest(sub.Fields())
	return err1 == nil && err2 == nil && a != b
}

// Track records a renderer interaction on the current stage.
func (m *Machine) Track(ctx context.Context, t eventlog.Type, blockID string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.ID == "" {
		return ErrNoSession
	}
	ev := m.event(t, m.s.currentID(), payload)
	ev.BlockID = blockID
	return m.commitLocked(ctx, nil, &ev)
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Machine) requireMutable() error {
	switch m.s.Status {
	case datatypes.StatusActive, datatypes.StatusPreview:
		return nil
	case "":
		return ErrNoSession
	default:
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, m.s.Status)
	}
}

func (m *Machine) transitionLocked(to datatypes.SessionStatus) error {
	from := m.s.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	m.s.Status = to
	return nil
}

func (m *Machine) event(t eventlog.Type, stageID string, payload map[string]any) eventlog.Event {
	ev := eventlog.NewEvent(m.s.ID, t, stageID, payload, m.now())
	ev.Preview = m.s.Preview
	return ev
}

// viewEvent is the stage_view of the current stage, or nothing.
func (m *Machine) viewEvent() *eventlog.Event {
	if m.s.Current == nil {
		return nil
	}
	ev := m.event(eventlog.TypeStageView, m.s.Current.ID, nil)
	ev.BlockID = m.s.Current.BlockID
	return &ev
}

// commitLocked writes events, an optional submission and the snapshot in
// one transaction, then flushes events when online.
func (m *Machine) commitLocked(ctx context.Context, sub *subqueue.Submission, events ...*eventlog.Event) error {
	var op queueOp
	if sub != nil {
		op = func(tx *store.Tx) error {
			stored, _, err := m.queue.EnqueueTx(tx, *sub)
			if err != nil {
				return err
			}
			*sub = stored
			return nil
		}
	}
	return m.commitQueueLocked(ctx, op, events...)
}

// queueOp changes the submission queue inside a commit.
type queueOp func(tx *store.Tx) error

// commitQueueLocked is commitLocked with an arbitrary queue change. A
// non-nil op schedules a drain once committed.
func (m *Machine) commitQueueLocked(ctx context.Context, op queueOp, events ...*eventlog.Event) error {
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		for _, ev := range events {
			if ev == nil {
				continue
			}
			if err := eventlog.AppendTx(tx, *ev); err != nil {
				return err
			}
		}
		if op != nil {
			if err := op(tx); err != nil {
				return err
			}
		}
		return putSnapshot(tx, m.s)
	})
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	if m.online() && m.events != nil {
		if _, err := m.events.Flush(ctx); err != nil {
			m.logger.Debug("event flush failed", slog.String("error", err.Error()))
		}
	}
	if op != nil && m.onQueued != nil {
		m.onQueued()
	}
	return nil
}

// resolveLocked re-resolves the graph from the submitted data and merges
// any new assignments.
func (m *Machine) resolveLocked(ctx context.Context) error {
	res, err := m.resolver.Resolve(ctx, m.graph, graph.Input{
		Seed:        m.s.Seed,
		Assignments: m.s.Assignments,
		StageData:   m.s.submittedData(),
		URLParams:   m.s.URLParams,
		Participant: m.s.Participant,
	})
	if err != nil {
		return err
	}
	m.s.Visible = res.Stages
	m.s.Assignments = res.Assignments
	m.s.Locks = m.graph.LockedItems(m.s.Visible, m.s.completedSet())
	return nil
}

// advanceLocked moves the pointer to the next uncompleted stage after
// from. With none left a preview session completes; a live session waits
// for the collector to confirm completion.
func (m *Machine) advanceLocked(from string) error {
	next, ok := graph.NextStage(m.s.Visible, m.s.completedSet(), from)
	if ok {
		m.s.Current = &next
		return nil
	}
	m.s.Current = nil
	if m.s.Status == datatypes.StatusPreview {
		return m.transitionLocked(datatypes.StatusCompleted)
	}
	return nil
}

func isNetwork(err error) bool {
	return collector.IsNetwork(err) && !errors.Is(err, context.Canceled)
}
