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
	"slices"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

// JumpResult describes a jump.
type JumpResult struct {
	// Preview is set together with ErrConfirmationRequired.
	Preview *InvalidationPreview

	// Local is true when the collector was unreachable and only the local
	// pointer moved.
	Local bool

	// Queued is true when an invalidating jump was stored for delivery
	// after the submissions queued before it.
	Queued bool

	State State
}

// Jump moves the current stage pointer to target.
//
// # Description
//
// Allowed targets are reference stages, completed stages that are not
// locked, and the next available stage. A reference jump records the
// current stage as the return point. A backward jump that would discard
// responses is not performed: it returns ErrConfirmationRequired and the
// preview, which ConfirmJumpWithInvalidation then applies. While a queued
// submission is failed, stages after it cannot be reached.
//
// # Outputs
//
//   - JumpResult: The new state, or the invalidation preview.
//   - error: ErrJumpNotAllowed, ErrStageLocked, ErrConfirmationRequired,
//     ErrSubmissionFailed, ErrInvalidTransition, or a non-network
//     collector error.
func (m *Machine) Jump(ctx context.Context, target string) (JumpResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireMutable(); err != nil {
		return JumpResult{}, err
	}
	st, ok := m.s.stage(target)
	if !ok {
		return JumpResult{}, fmt.Errorf("%w: %s is not visible", ErrJumpNotAllowed, target)
	}
	if !st.Reference && m.s.blocked(target) {
		return JumpResult{}, fmt.Errorf("%w: %s (%s)", ErrSubmissionFailed, m.s.Failed.StageID, m.s.Failed.Error)
	}
	completed := m.s.completedSet()
	switch {
	case st.Reference:
	case completed[target]:
		if m.lockedLocked(target) {
			return JumpResult{}, fmt.Errorf("%w: %s", ErrStageLocked, target)
		}
	case graph.IsNextAvailable(m.s.Visible, completed, target):
	default:
		return JumpResult{}, fmt.Errorf("%w: %s", ErrJumpNotAllowed, target)
	}

	if !st.Reference {
		if inv := graph.Invalidated(m.s.Visible, completed, target, m.s.currentID()); len(inv) > 0 {
			m.pendingJump = &InvalidationPreview{TargetStageID: target, InvalidatedStageIDs: inv}
			preview := *m.pendingJump
			return JumpResult{Preview: &preview, State: m.s.view()}, ErrConfirmationRequired
		}
	}
	m.pendingJump = nil
	return m.jumpLocked(ctx, st)
}

// jumpLocked performs an already-validated jump.
func (m *Machine) jumpLocked(ctx context.Context, st datatypes.StageInfo) (JumpResult, error) {
	prev := m.s.clone()
	from := m.s.currentID()
	local := m.s.Preview

	if !m.s.Preview {
		resp, err := m.client.Jump(ctx, m.s.ID, st.ID)
		switch {
		case err == nil:
			m.applyJumpLocked(st, from, resp)
		case isNetwork(err):
			m.logger.Info("jump unreachable, moving locally",
				slog.String("target", st.ID),
				slog.String("error", err.Error()))
			local = true
		default:
			return JumpResult{}, fmt.Errorf("jump to %s: %w", st.ID, err)
		}
	}
	if local {
		cur := st
		m.s.Current = &cur
		if st.Reference && from != st.ID {
			m.s.RefJump = &ReferenceJump{ReturnStageID: from, Label: st.Label}
		}
		m.s.Locks = m.graph.LockedItems(m.s.Visible, m.s.completedSet())
	}

	ev := m.event(eventlog.TypeStageJump, st.ID, map[string]any{
		"from":      from,
		"reference": st.Reference,
		"local":     local,
	})
	if err := m.commitLocked(ctx, nil, &ev, m.viewEvent()); err != nil {
		m.s = prev
		return JumpResult{}, err
	}
	return JumpResult{Local: local && !m.s.Preview, State: m.s.view()}, nil
}

func (m *Machine) applyJumpLocked(st datatypes.StageInfo, from string, resp *datatypes.JumpResponse) {
	cur := st
	if resp.CurrentStage != nil {
		cur = *resp.CurrentStage
	}
	m.s.Current = &cur
	if resp.IsReference {
		ret := resp.ReturnStageID
		if ret == "" {
			ret = from
		}
		m.s.RefJump = &ReferenceJump{ReturnStageID: ret, Label: cur.Label}
	}
	if len(resp.InvalidatedStages) > 0 {
		m.s.purge(resp.InvalidatedStages)
	}
	if resp.LockedItems != nil {
		m.s.Locks = *resp.LockedItems
	} else {
		m.s.Locks = m.graph.LockedItems(m.s.Visible, m.s.completedSet())
	}
}

// PreviewJumpInvalidation lists the completed, response-bearing stages
// after target that a jump to target would discard. It does not change
// the session.
func (m *Machine) PreviewJumpInvalidation(target string) InvalidationPreview {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := graph.Invalidated(m.s.Visible, m.s.completedSet(), target, m.s.currentID())
	if inv == nil {
		inv = []string{}
	}
	return InvalidationPreview{TargetStageID: target, InvalidatedStageIDs: inv}
}

// ConfirmJumpWithInvalidation purges the stages of the pending preview and
// performs the jump.
//
// # Description
//
// Both data copies of each stage are dropped together with its completion.
// Undelivered submissions of those stages are superseded in the same
// transaction. When online with nothing of the session queued, the
// collector is told directly. Otherwise, or when it is unreachable, the
// jump itself is queued behind the earlier submissions so the collector
// discards the same stages once it has received them, and the pointer
// moves locally.
//
// # Outputs
//
//   - JumpResult: The new state. Queued reports a stored jump.
//   - error: ErrNoPendingJump, ErrJumpNotAllowed, ErrInvalidTransition, a
//     non-network collector error, or a store error.
func (m *Machine) ConfirmJumpWithInvalidation(ctx context.Context) (JumpResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingJump == nil {
		return JumpResult{}, ErrNoPendingJump
	}
	if err := m.requireMutable(); err != nil {
		return JumpResult{}, err
	}
	pj := *m.pendingJump
	st, ok := m.s.stage(pj.TargetStageID)
	if !ok {
		m.pendingJump = nil
		return JumpResult{}, fmt.Errorf("%w: %s is not visible", ErrJumpNotAllowed, pj.TargetStageID)
	}

	var res JumpResult
	var err error
	if m.s.Preview {
		prev := m.s.clone()
		m.s.purge(pj.InvalidatedStageIDs)
		if res, err = m.jumpLocked(ctx, st); err != nil {
			m.s = prev
			return JumpResult{}, err
		}
	} else if res, err = m.invalidatingJumpLocked(ctx, st, pj.InvalidatedStageIDs); err != nil {
		return JumpResult{}, err
	}
	m.pendingJump = nil
	m.logger.Info("stages invalidated",
		slog.String("session_id", m.s.ID),
		slog.String("target", pj.TargetStageID),
		slog.Bool("queued", res.Queued),
		slog.Any("stages", pj.InvalidatedStageIDs))
	return res, nil
}

func (m *Machine) invalidatingJumpLocked(ctx context.Context, st datatypes.StageInfo, invalidated []string) (JumpResult, error) {
	prev := m.s.clone()
	from := m.s.currentID()
	at := m.now().UTC()

	direct := false
	if m.online() {
		outstanding, err := m.queue.Outstanding(ctx, m.s.ID)
		if err != nil {
			return JumpResult{}, err
		}
		direct = len(outstanding) == 0
	}

	m.s.purge(invalidated)
	if m.s.Failed != nil && !m.s.Failed.Jump && slices.Contains(invalidated, m.s.Failed.StageID) {
		m.s.Failed = nil
	}

	queued := !direct
	if direct {
		resp, err := m.client.Jump(ctx, m.s.ID, st.ID)
		switch {
		case err == nil:
			m.applyJumpLocked(st, from, resp)
		case isNetwork(err):
			m.logger.Info("jump unreachable, queueing",
				slog.String("target", st.ID),
				slog.String("error", err.Error()))
			queued = true
		default:
			m.s = prev
			return JumpResult{}, fmt.Errorf("jump to %s: %w", st.ID, err)
		}
	}

	var jump subqueue.Submission
	if queued {
		var err error
		if jump, err = subqueue.NewJump(m.s.ID, st.ID, invalidated, at); err != nil {
			m.s = prev
			return JumpResult{}, err
		}
		for _, id := range invalidated {
			m.s.Invalidated[id] = at
		}
		cur := st
		m.s.Current = &cur
		m.s.Locks = m.graph.LockedItems(m.s.Visible, m.s.completedSet())
	}

	op := func(tx *store.Tx) error {
		keys, err := m.queue.SupersedeTx(tx, m.s.ID, invalidated)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			m.logger.Info("queued submissions superseded",
				slog.String("session_id", m.s.ID),
				slog.Int("count", len(keys)))
		}
		if queued {
			_, _, err = m.queue.EnqueueTx(tx, jump)
		}
		return err
	}
	ev := m.event(eventlog.TypeStageJump, st.ID, map[string]any{
		"from":        from,
		"reference":   false,
		"local":       queued,
		"invalidated": invalidated,
	})
	if err := m.commitQueueLocked(ctx, op, &ev, m.viewEvent()); err != nil {
		m.s = prev
		return JumpResult{}, err
	}
	return JumpResult{Local: queued, Queued: queued, State: m.s.view()}, nil
}

// ApplyJumpResponse applies the collector response to a drained queued
// jump. The stages it discarded stop being guarded once the collector
// has dropped them too. The local pointer is kept; only the locks and the
// description of the current stage are refreshed when nothing else of the
// session is queued.
func (m *Machine) ApplyJumpResponse(ctx context.Context, sub subqueue.Submission, resp *datatypes.JumpResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp == nil || sub.SessionID != m.s.ID {
		return nil
	}
	outstanding, err := m.queue.Outstanding(ctx, m.s.ID)
	if err != nil {
		return err
	}
	others := 0
	for _, o := range outstanding {
		if o.IdempotencyKey != sub.IdempotencyKey {
			others++
		}
	}

	prev := m.s.clone()
	for _, id := range sub.Invalidated {
		if at, ok := m.s.Invalidated[id]; ok && !at.After(sub.Timestamp) {
			delete(m.s.Invalidated, id)
		}
	}
	if m.s.Failed != nil && m.s.Failed.IdempotencyKey == sub.IdempotencyKey {
		m.s.Failed = nil
	}
	if others == 0 {
		if resp.CurrentStage != nil && resp.CurrentStage.ID == m.s.currentID() {
			cur := *resp.CurrentStage
			m.s.Current = &cur
		}
		if resp.LockedItems != nil {
			m.s.Locks = *resp.LockedItems
		}
	}
	if err := m.commitLocked(ctx, nil); err != nil {
		m.s = prev
		return err
	}
	return nil
}

// CancelJump discards the pending preview.
func (m *Machine) CancelJump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingJump = nil
}

// PendingJump returns the preview awaiting confirmation, if any.
func (m *Machine) PendingJump() *InvalidationPreview {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingJump == nil {
		return nil
	}
	pj := *m.pendingJump
	pj.InvalidatedStageIDs = slices.Clone(pj.InvalidatedStageIDs)
	return &pj
}

// ReturnFromJump ends a reference jump.
//
// # Description
//
// Clears the reference jump, tells the collector, and re-reads the current
// stage from the collector state. In preview, or when the collector is
// unreachable, the pointer goes back to the recorded return stage.
func (m *Machine) ReturnFromJump(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s.RefJump == nil {
		return State{}, ErrNoReferenceJump
	}
	if err := m.requireMutable(); err != nil {
		return State{}, err
	}
	prev := m.s.clone()
	ret := m.s.RefJump.ReturnStageID
	m.s.RefJump = nil

	restored := m.s.Preview
	if !m.s.Preview {
		if err := m.returnRemoteLocked(ctx); err != nil {
			if !isNetwork(err) {
				m.s = prev
				return State{}, err
			}
			m.logger.Info("return unreachable, restoring locally", slog.String("error", err.Error()))
			restored = true
		}
	}
	if restored {
		if st, ok := m.s.stage(ret); ok {
			m.s.Current = &st
		}
	}

	ev := m.event(eventlog.TypeStageReturn, m.s.currentID(), map[string]any{"return_stage_id": ret})
	if err := m.commitLocked(ctx, nil, &ev, m.viewEvent()); err != nil {
		m.s = prev
		return State{}, err
	}
	return m.s.view(), nil
}

func (m *Machine) returnRemoteLocked(ctx context.Context) error {
	if _, err := m.client.Return(ctx, m.s.ID); err != nil {
		return fmt.Errorf("return: %w", err)
	}
	state, err := m.client.State(ctx, m.s.ID)
	if err != nil {
		return fmt.Errorf("state after return: %w", err)
	}
	m.s.Current = state.CurrentStage
	if len(state.VisibleStages) > 0 {
		m.s.Visible = state.VisibleStages
	}
	m.s.Locks = state.LockedItems
	return nil
}

// IsStageLockedForReturn reports whether stageID was sealed: the stage, a
// task bound under it, or one of its ancestors is in the locked items.
func (m *Machine) IsStageLockedForReturn(stageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedLocked(stageID)
}

func (m *Machine) lockedLocked(id string) bool {
	if m.graph.IsLocked(m.s.Locks, id) {
		return true
	}
	n, ok := m.graph.Node(id)
	if !ok {
		return false
	}
	stack := append([]int32(nil), n.Children...)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := m.graph.At(i)
		if m.s.Locks.Contains(c.ID) {
			return true
		}
		stack = append(stack, c.Children...)
	}
	return false
}
