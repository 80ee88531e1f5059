// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

// Recover rebuilds sessionID after a reload or crash.
//
// # Description
//
// The collector state wins. A completed session becomes completed; an
// active one becomes pending_resume with its data and completed set taken
// from the collector and every completed stage's working copy marked
// submitted. Submissions still queued locally are then replayed on top.
// Working data of stages the collector has no data for is kept from the
// local snapshot. When the collector is unreachable the local snapshot
// alone is used. Preview sessions are restored from the snapshot only.
//
// Recover is idempotent: two calls with no mutation in between produce
// the same State.
//
// # Outputs
//
//   - State: The recovered session.
//   - error: When neither the collector nor a snapshot is available.
func (m *Machine) Recover(ctx context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := LoadSnapshot(ctx, m.store, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return State{}, err
	}

	if strings.HasPrefix(sessionID, PreviewPrefix) {
		if snap == nil {
			return State{}, fmt.Errorf("recover %s: %w", sessionID, ErrNoSession)
		}
		s, err := m.fromSnapshotLocked(ctx, snap)
		if err != nil {
			return State{}, err
		}
		s.Status = datatypes.StatusPreview
		return m.installLocked(ctx, s)
	}

	resp, err := m.client.State(ctx, sessionID)
	if err != nil {
		if !isNetwork(err) || snap == nil {
			return State{}, fmt.Errorf("recover %s: %w", sessionID, err)
		}
		m.logger.Warn("collector unreachable, recovering from snapshot",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		s, err := m.fromSnapshotLocked(ctx, snap)
		if err != nil {
			return State{}, err
		}
		s.Status = datatypes.StatusPendingResume
		if err := m.replayQueueLocked(ctx, s); err != nil {
			return State{}, err
		}
		return m.installLocked(ctx, s)
	}

	s := fromServer(sessionID, resp, snap)
	switch resp.Status {
	case datatypes.StatusCompleted, datatypes.StatusAbandoned, datatypes.StatusTimedOut:
		s.Status = resp.Status
		s.Current = nil
		return m.installLocked(ctx, s)
	}
	s.Status = datatypes.StatusPendingResume
	if err := m.replayQueueLocked(ctx, s); err != nil {
		return State{}, err
	}
	return m.installLocked(ctx, s)
}

// fromServer builds a session from collector state, keeping local working
// copies only for stages the collector knows nothing about.
func fromServer(id string, resp *datatypes.SessionStateResponse, snap *Snapshot) *session {
	s := newSession()
	s.ID = id
	if snap != nil {
		s.ExperimentID = snap.ExperimentID
		s.Seed = snap.RandomizationSeed
		s.URLParams = maps.Clone(snap.URLParams)
		maps.Copy(s.Assignments, snap.Assignments)
	}
	if resp.RandomizationSeed != 0 {
		s.Seed = resp.RandomizationSeed
	}
	maps.Copy(s.Assignments, resp.Assignments)

	s.Visible = append(s.Visible, resp.VisibleStages...)
	s.Completed = append(s.Completed, resp.CompletedStageIDs...)
	s.Locks = resp.LockedItems
	if resp.CurrentStage != nil {
		cur := *resp.CurrentStage
		s.Current = &cur
	}

	for stageID, data := range resp.Data {
		s.Submitted[stageID] = StageData(maps.Clone(data))
	}
	for _, stageID := range s.Completed {
		working := StageData(maps.Clone(resp.Data[stageID]))
		if working == nil {
			working = StageData{}
		}
		working[MarkerSubmitted] = true
		s.Data[stageID] = working
	}
	if snap != nil {
		for stageID, data := range snap.StageData {
			if _, ok := s.Data[stageID]; !ok && resp.Data[stageID] == nil {
				s.Data[stageID] = maps.Clone(data)
			}
		}
	}
	return s
}

func (m *Machine) fromSnapshotLocked(ctx context.Context, snap *Snapshot) (*session, error) {
	s := newSession()
	s.ID = snap.SessionID
	s.ExperimentID = snap.ExperimentID
	s.Seed = snap.RandomizationSeed
	s.Preview = snap.Preview
	s.URLParams = maps.Clone(snap.URLParams)
	maps.Copy(s.Assignments, snap.Assignments)
	s.Data = cloneData(snap.StageData)
	s.Submitted = cloneData(snap.SubmittedStageData)
	s.Completed = append(s.Completed, snap.CompletedStageIDs...)

	if err := m.resolveInto(ctx, s); err != nil {
		return nil, err
	}
	last := ""
	if n := len(s.Completed); n > 0 {
		last = s.Completed[n-1]
	}
	if next, ok := graph.NextStage(s.Visible, s.completedSet(), last); ok {
		s.Current = &next
	}
	return s, nil
}

// replayQueueLocked applies outstanding local items on top of s in
// delivery order. A queued jump discards its stages again. The first failed
// submission is left uncompleted and holds the pointer.
func (m *Machine) replayQueueLocked(ctx context.Context, s *session) error {
	outstanding, err := m.queue.Outstanding(ctx, s.ID)
	if err != nil {
		return err
	}
	if len(outstanding) == 0 {
		return nil
	}
	var last *subqueue.Submission
	for i := range outstanding {
		sub := outstanding[i]
		switch {
		case sub.IsJump():
			s.purge(sub.Invalidated)
			for _, id := range sub.Invalidated {
				s.Invalidated[id] = sub.Timestamp
			}
			if sub.Status == subqueue.StatusFailed {
				restoreFailureInto(s, sub)
			}
		case sub.Status == subqueue.StatusFailed:
			restoreFailureInto(s, sub)
			continue
		default:
			working := StageData(maps.Clone(sub.Data))
			if working == nil {
				working = StageData{}
			}
			working[MarkerSubmitted] = true
			working[MarkerSubmittedAt] = sub.Timestamp.Format(timeLayout)
			s.Data[sub.StageID] = working
			s.Submitted[sub.StageID] = StageData(maps.Clone(sub.Data))
			s.markCompleted(sub.StageID)
		}
		last = &outstanding[i]
	}
	if err := m.resolveInto(ctx, s); err != nil {
		return err
	}
	if st, ok := s.failedStage(); ok {
		s.Current = &st
		return nil
	}
	if last == nil {
		return nil
	}
	if last.IsJump() {
		if st, ok := s.stage(last.StageID); ok {
			s.Current = &st
		}
		return nil
	}
	if next, ok := graph.NextStage(s.Visible, s.completedSet(), last.StageID); ok {
		s.Current = &next
	} else {
		s.Current = nil
	}
	return nil
}

func (m *Machine) resolveInto(ctx context.Context, s *session) error {
	res, err := m.resolver.Resolve(ctx, m.graph, graph.Input{
		Seed:        s.Seed,
		Assignments: s.Assignments,
		StageData:   s.submittedData(),
		URLParams:   s.URLParams,
		Participant: s.Participant,
	})
	if err != nil {
		return err
	}
	s.Visible = res.Stages
	s.Assignments = res.Assignments
	s.Locks = m.graph.LockedItems(s.Visible, s.completedSet())
	return nil
}

func (m *Machine) installLocked(ctx context.Context, s *session) (State, error) {
	prev := m.s
	m.s = s
	m.pendingJump = nil
	if err := m.commitLocked(ctx, nil); err != nil {
		m.s = prev
		return State{}, err
	}
	m.logger.Info("session recovered",
		slog.String("session_id", s.ID),
		slog.String("status", string(s.Status)),
		slog.Int("completed", len(s.Completed)))
	return s.view(), nil
}

// Resume continues a recovered session after the participant agreed.
func (m *Machine) Resume(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.Status != datatypes.StatusPendingResume {
		return State{}, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, m.s.Status)
	}
	prev := m.s.clone()
	if err := m.transitionLocked(datatypes.StatusActive); err != nil {
		return State{}, err
	}
	ev := m.event(eventlog.TypeSessionResume, m.s.currentID(), nil)
	if err := m.commitLocked(ctx, nil, &ev, m.viewEvent()); err != nil {
		m.s = prev
		return State{}, err
	}
	return m.s.view(), nil
}

// Abandon ends the session at the participant's request. When the
// collector is unreachable the session is abandoned locally.
func (m *Machine) Abandon(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.s.Status, datatypes.StatusAbandoned) {
		return State{}, fmt.Errorf("%w: abandon from %q", ErrInvalidTransition, m.s.Status)
	}
	if !m.s.Preview {
		if err := m.client.Abandon(ctx, m.s.ID); err != nil && !isNetwork(err) {
			return State{}, fmt.Errorf("abandon: %w", err)
		}
	}
	prev := m.s.clone()
	if err := m.transitionLocked(datatypes.StatusAbandoned); err != nil {
		return State{}, err
	}
	ev := m.event(eventlog.TypeCustom, m.s.currentID(), map[string]any{"action": "abandon"})
	if err := m.commitLocked(ctx, nil, &ev); err != nil {
		m.s = prev
		return State{}, err
	}
	return m.s.view(), nil
}

// TimeOut ends an active session whose time limit expired. The working
// copy of the current stage is marked timed out.
func (m *Machine) TimeOut(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.s.clone()
	if err := m.transitionLocked(datatypes.StatusTimedOut); err != nil {
		return State{}, err
	}
	if id := m.s.currentID(); id != "" {
		d := m.s.Data[id]
		if d == nil {
			d = StageData{}
			m.s.Data[id] = d
		}
		d[MarkerTimedOut] = true
	}
	ev := m.event(eventlog.TypeCustom, m.s.currentID(), map[string]any{"action": "timed_out"})
	if err := m.commitLocked(ctx, nil, &ev); err != nil {
		m.s = prev
		return State{}, err
	}
	return m.s.view(), nil
}
