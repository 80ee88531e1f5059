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
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

// SubmitResult describes how a submission was handled.
type SubmitResult struct {
	// Queued is true when the submission was stored for later delivery.
	Queued bool

	// Duplicate is true when identical data for the stage was already
	// queued.
	Duplicate bool

	// IdempotencyKey identifies the submission.
	IdempotencyKey string

	State State
}

// Submit commits the data of the current stage.
//
// # Description
//
// Both data copies of the stage are set to data. When online with no
// earlier submissions of this session outstanding, the collector is called
// directly and its response applied. A validation rejection returns
// ErrValidation and nothing is queued; another server error is returned
// as is. While a queued submission of an earlier stage is failed, later
// stages return ErrSubmissionFailed; resubmitting the failed stage replaces
// the failed item in place. A network-class failure, being offline, or having earlier items
// still queued stores the submission in the queue in the same transaction
// as its stage_submit event, and the session advances locally by
// re-resolving the graph.
//
// # Inputs
//
//   - ctx: For collector and store calls.
//   - stageID: Must be the current stage.
//   - data: Field values. Nil submits the working copy.
//
// # Outputs
//
//   - SubmitResult: How the submission was handled and the new state.
//   - error: ErrNotCurrentStage, ErrInvalidTransition, ErrValidation,
//     ErrSubmissionFailed, a collector error, or a store error.
func (m *Machine) Submit(ctx context.Context, stageID string, data map[string]any) (SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireMutable(); err != nil {
		return SubmitResult{}, err
	}
	if m.s.blocked(stageID) {
		return SubmitResult{}, fmt.Errorf("%w: %s (%s)", ErrSubmissionFailed, m.s.Failed.StageID, m.s.Failed.Error)
	}
	if m.s.currentID() != stageID {
		return SubmitResult{}, fmt.Errorf("%w: %s (current %q)", ErrNotCurrentStage, stageID, m.s.currentID())
	}
	if data == nil {
		data = m.s.Data[stageID].Fields()
	}
	data = maps.Clone(data)

	at := m.now()
	sub, err := subqueue.NewSubmission(m.s.ID, stageID, data, at)
	if err != nil {
		return SubmitResult{}, err
	}
	sub.Preview = m.s.Preview
	ev := m.event(eventlog.TypeStageSubmit, stageID, map[string]any{"idempotency_key": sub.IdempotencyKey})
	ev.BlockID = m.s.Current.BlockID

	if m.s.Preview {
		prev := m.s.clone()
		m.recordSubmittedLocked(stageID, data, at.UTC().Format(timeLayout))
		if err := m.advanceLocalLocked(ctx, stageID); err != nil {
			m.s = prev
			return SubmitResult{}, err
		}
		if err := m.commitLocked(ctx, nil, &ev, m.viewEvent()); err != nil {
			m.s = prev
			return SubmitResult{}, err
		}
		return SubmitResult{IdempotencyKey: sub.IdempotencyKey, State: m.s.view()}, nil
	}

	if m.online() {
		outstanding, err := m.queue.Outstanding(ctx, m.s.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		if len(outstanding) == 0 {
			res, handled, err := m.submitOnlineLocked(ctx, sub, &ev)
			if handled || err != nil {
				return res, err
			}
		}
	}
	return m.submitQueuedLocked(ctx, sub, &ev)
}

// submitOnlineLocked sends sub directly. handled is false when a
// network-class failure means it should be queued instead.
func (m *Machine) submitOnlineLocked(ctx context.Context, sub subqueue.Submission, ev *eventlog.Event) (SubmitResult, bool, error) {
	resp, err := m.client.Submit(ctx, m.s.ID, sub.IdempotencyKey, datatypes.SubmitStageRequest{
		StageID: sub.StageID,
		Data:    sub.Data,
	})
	switch {
	case err == nil:
	case collector.IsValidation(err):
		return SubmitResult{}, true, fmt.Errorf("%w: %w", ErrValidation, err)
	case isNetwork(err):
		m.logger.Info("submit unreachable, queueing",
			slog.String("stage_id", sub.StageID),
			slog.String("error", err.Error()))
		return SubmitResult{}, false, nil
	default:
		return SubmitResult{}, true, fmt.Errorf("submit %s: %w", sub.StageID, err)
	}

	prev := m.s.clone()
	m.recordSubmittedLocked(sub.StageID, sub.Data, sub.Timestamp.Format(timeLayout))
	if err := m.applyResponseLocked(sub.StageID, resp, true); err != nil {
		m.s = prev
		return SubmitResult{}, true, err
	}
	if err := m.commitLocked(ctx, nil, ev, m.viewEvent()); err != nil {
		m.s = prev
		return SubmitResult{}, true, err
	}
	return SubmitResult{IdempotencyKey: sub.IdempotencyKey, State: m.s.view()}, true, nil
}

func (m *Machine) submitQueuedLocked(ctx context.Context, sub subqueue.Submission, ev *eventlog.Event) (SubmitResult, error) {
	prev := m.s.clone()
	replaced := ""
	if f := m.s.Failed; f != nil && !f.Jump && f.StageID == sub.StageID {
		replaced = f.IdempotencyKey
		m.s.Failed = nil
	}
	m.recordSubmittedLocked(sub.StageID, sub.Data, sub.Timestamp.Format(timeLayout))
	if err := m.advanceLocalLocked(ctx, sub.StageID); err != nil {
		m.s = prev
		return SubmitResult{}, err
	}
	key := sub.IdempotencyKey
	op := func(tx *store.Tx) error {
		stored, _, err := m.queue.EnqueueTx(tx, sub)
		sub = stored
		return err
	}
	if replaced != "" {
		op = func(tx *store.Tx) error {
			stored, err := m.queue.ReplaceFailedTx(tx, replaced, sub)
			sub = stored
			return err
		}
	}
	if err := m.commitQueueLocked(ctx, op, ev, m.viewEvent()); err != nil {
		m.s = prev
		return SubmitResult{}, err
	}
	m.logger.Info("submission queued",
		slog.String("session_id", m.s.ID),
		slog.String("stage_id", sub.StageID),
		slog.String("replaced", replaced),
		slog.Bool("duplicate", sub.IdempotencyKey != key))
	return SubmitResult{
		Queued:         true,
		Duplicate:      sub.IdempotencyKey != key,
		IdempotencyKey: sub.IdempotencyKey,
		State:          m.s.view(),
	}, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// recordSubmittedLocked sets both copies of stageID and marks it completed.
func (m *Machine) recordSubmittedLocked(stageID string, data map[string]any, at string) {
	working := StageData(maps.Clone(data))
	if working == nil {
		working = StageData{}
	}
	working[MarkerSubmitted] = true
	working[MarkerSubmittedAt] = at
	m.s.Data[stageID] = working
	m.s.Submitted[stageID] = StageData(maps.Clone(data))
	m.s.markCompleted(stageID)
}

// advanceLocalLocked re-resolves and moves past stageID without the
// collector.
func (m *Machine) advanceLocalLocked(ctx context.Context, stageID string) error {
	if err := m.resolveLocked(ctx); err != nil {
		return err
	}
	return m.advanceLocked(stageID)
}

// applyResponseLocked merges an authoritative submit response.
func (m *Machine) applyResponseLocked(stageID string, resp *datatypes.SubmitStageResponse, movePointer bool) error {
	if len(resp.VisibleStages) > 0 {
		m.s.Visible = resp.VisibleStages
	}
	maps.Copy(m.s.Assignments, resp.Assignments)
	if resp.LockedItems != nil {
		m.s.Locks = *resp.LockedItems
	}
	if resp.CompletedStageIDs != nil {
		completed := append([]string(nil), resp.CompletedStageIDs...)
		if !slices.Contains(completed, stageID) {
			completed = append(completed, stageID)
		}
		m.s.Completed = completed
	}
	if !movePointer {
		return nil
	}
	m.s.Current = resp.NextStage
	if resp.IsComplete {
		m.s.Current = nil
		if m.s.Status != datatypes.StatusCompleted {
			if err := m.transitionLocked(datatypes.StatusCompleted); err != nil {
				return err
			}
			m.logger.Info("session completed", slog.String("session_id", m.s.ID))
		}
	}
	return nil
}

// ApplySubmitResponse applies the collector response to a drained queued
// submission.
//
// # Description
//
// Called by the sync coordinator after each delivered item. Stages still
// queued behind sub stay completed and the local pointer is kept until the
// last outstanding item of the session has been delivered; then the
// collector's next stage, completion and locks take over. A response for a
// stage that a later queued jump discarded is dropped, and stages that jump
// discards are not taken back from the collector's completed list.
//
// # Inputs
//
//   - ctx: For the queue lookup and the snapshot write.
//   - sub: The delivered submission.
//   - resp: The collector response.
func (m *Machine) ApplySubmitResponse(ctx context.Context, sub subqueue.Submission, resp *datatypes.SubmitStageResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp == nil || sub.SessionID != m.s.ID {
		return nil
	}
	if m.s.discarded(sub.StageID, sub.Timestamp) {
		m.logger.Info("response for discarded stage ignored",
			slog.String("session_id", m.s.ID),
			slog.String("stage_id", sub.StageID))
		return nil
	}

	outstanding, err := m.queue.Outstanding(ctx, m.s.ID)
	if err != nil {
		return err
	}
	others := 0
	var remaining []string
	for _, o := range outstanding {
		if o.IdempotencyKey == sub.IdempotencyKey {
			continue
		}
		others++
		if !o.IsJump() && o.Status != subqueue.StatusFailed {
			remaining = append(remaining, o.StageID)
		}
	}

	prev := m.s.clone()
	if _, ok := m.s.Submitted[sub.StageID]; !ok {
		m.recordSubmittedLocked(sub.StageID, sub.Data, sub.Timestamp.Format(timeLayout))
	}
	if err := m.applyResponseLocked(sub.StageID, resp, others == 0 && m.s.Status != datatypes.StatusPendingResume); err != nil {
		m.s = prev
		return err
	}
	for _, id := range remaining {
		m.s.markCompleted(id)
	}
	m.s.Completed = slices.DeleteFunc(m.s.Completed, func(id string) bool {
		_, inv := m.s.Invalidated[id]
		return inv && !prev.isCompleted(id)
	})
	if f := m.s.Failed; f != nil && !f.Jump {
		m.s.Completed = slices.DeleteFunc(m.s.Completed, func(id string) bool { return id == f.StageID })
	}
	if err := m.commitLocked(ctx, nil); err != nil {
		m.s = prev
		return err
	}
	return nil
}
