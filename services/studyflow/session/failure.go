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
	"slices"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

func failureOf(sub subqueue.Submission) *SubmissionFailure {
	return &SubmissionFailure{
		IdempotencyKey: sub.IdempotencyKey,
		StageID:        sub.StageID,
		Jump:           sub.IsJump(),
		Error:          sub.LastError,
	}
}

// MarkFailed records that the queued item sub will not be delivered
// without intervention.
//
// # Description
//
// Called by the sync coordinator when a drain halts on sub. For a stage
// submission the stage stops counting as completed: its last-submitted
// copy is dropped, the rejected values stay in the working copy for
// correction, and the pointer moves back to it. State.Failure reports the
// item until the stage is resubmitted, a jump discards it, or
// ResetFailed runs. Calling it again for the same item changes nothing.
func (m *Machine) MarkFailed(ctx context.Context, sub subqueue.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.SessionID != m.s.ID || m.s.Preview {
		return nil
	}
	if f := m.s.Failed; f != nil && f.IdempotencyKey == sub.IdempotencyKey {
		return nil
	}

	prev := m.s.clone()
	m.s.Failed = failureOf(sub)
	if !sub.IsJump() {
		if err := m.unsubmitLocked(ctx, sub); err != nil {
			m.s = prev
			return err
		}
	}
	if err := m.commitLocked(ctx, nil); err != nil {
		m.s = prev
		return err
	}
	m.logger.Warn("queued submission failed",
		slog.String("session_id", m.s.ID),
		slog.String("stage_id", sub.StageID),
		slog.Bool("jump", sub.IsJump()),
		slog.String("error", sub.LastError))
	return nil
}

// unsubmitLocked undoes the local completion of a rejected submission.
func (m *Machine) unsubmitLocked(ctx context.Context, sub subqueue.Submission) error {
	working := StageData(maps.Clone(sub.Data))
	if working == nil {
		working = StageData{}
	}
	m.s.Data[sub.StageID] = working
	delete(m.s.Submitted, sub.StageID)
	m.s.Completed = slices.DeleteFunc(m.s.Completed, func(id string) bool { return id == sub.StageID })
	if err := m.resolveLocked(ctx); err != nil {
		return err
	}
	if st, ok := m.s.stage(sub.StageID); ok {
		m.s.Current = &st
		m.s.RefJump = nil
	}
	return nil
}

// ResetFailed undoes MarkFailed before the failed item is retried as is.
// The stage is completed again from the queued data and the pointer moves
// past it. It does nothing when no item is failed.
func (m *Machine) ResetFailed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.s.Failed
	if f == nil {
		return nil
	}

	prev := m.s.clone()
	m.s.Failed = nil
	if !f.Jump {
		sub, err := m.queue.Get(ctx, f.IdempotencyKey)
		switch {
		case errors.Is(err, subqueue.ErrNotFound):
		case err != nil:
			m.s = prev
			return err
		default:
			m.recordSubmittedLocked(sub.StageID, sub.Data, sub.Timestamp.Format(timeLayout))
			if m.s.currentID() == sub.StageID {
				err = m.advanceLocalLocked(ctx, sub.StageID)
			} else {
				err = m.resolveLocked(ctx)
			}
			if err != nil {
				m.s = prev
				return fmt.Errorf("reset %s: %w", sub.StageID, err)
			}
		}
	}
	if err := m.commitLocked(ctx, nil); err != nil {
		m.s = prev
		return err
	}
	return nil
}

// restoreFailureInto applies the first failed item of outstanding to s
// during recovery.
func restoreFailureInto(s *session, sub subqueue.Submission) {
	if s.Failed != nil {
		return
	}
	s.Failed = failureOf(sub)
	if sub.IsJump() {
		return
	}
	s.Data[sub.StageID] = StageData(maps.Clone(sub.Data))
	if s.Data[sub.StageID] == nil {
		s.Data[sub.StageID] = StageData{}
	}
	delete(s.Submitted, sub.StageID)
	s.Completed = slices.DeleteFunc(s.Completed, func(id string) bool { return id == sub.StageID })
}

// failedStage returns the stage the pointer must stay on, if any.
func (s *session) failedStage() (datatypes.StageInfo, bool) {
	if s.Failed == nil || s.Failed.Jump {
		return datatypes.StageInfo{}, false
	}
	return s.stage(s.Failed.StageID)
}
