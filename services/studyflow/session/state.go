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
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
)

var (
	// ErrNoSession is returned before Start or Recover.
	ErrNoSession = errors.New("no session")

	// ErrNotCurrentStage is returned when submitting a stage other than
	// the current one.
	ErrNotCurrentStage = errors.New("stage is not the current stage")

	// ErrJumpNotAllowed is returned for a target that is neither a
	// reference, a completed stage nor the next available stage.
	ErrJumpNotAllowed = errors.New("jump target not allowed")

	// ErrStageLocked is returned when the target was sealed after
	// completion.
	ErrStageLocked = errors.New("stage is locked")

	// ErrConfirmationRequired is returned by Jump when going back would
	// discard responses. Confirm with ConfirmJumpWithInvalidation.
	ErrConfirmationRequired = errors.New("jump requires confirmation")

	// ErrNoPendingJump is returned by ConfirmJumpWithInvalidation when no
	// jump is awaiting confirmation.
	ErrNoPendingJump = errors.New("no jump awaiting confirmation")

	// ErrNoReferenceJump is returned by ReturnFromJump outside a
	// reference jump.
	ErrNoReferenceJump = errors.New("not in a reference jump")

	// ErrInvalidTransition is returned when the session status does not
	// allow the operation.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrValidation wraps a collector rejection of submitted data. The
	// submission is not queued.
	ErrValidation = errors.New("submission rejected")

	// ErrSubmissionFailed is returned when progressing past a stage whose
	// queued submission the collector refused. Resubmit that stage with
	// corrected data, or retry the sync.
	ErrSubmissionFailed = errors.New("earlier submission failed")
)

// Internal markers kept in StageData alongside field values.
const (
	MarkerSubmitted   = "_submitted"
	MarkerTimedOut    = "_timed_out"
	MarkerSubmittedAt = "_submitted_at"
)

// StageData maps field ids to values.
type StageData map[string]any

// Fields returns a copy of d without internal markers.
func (d StageData) Fields() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out
}

// ReferenceJump records where to return after inspecting reference
// material.
type ReferenceJump struct {
	ReturnStageID string `json:"return_stage_id"`
	Label         string `json:"label,omitempty"`
}

// InvalidationPreview lists the stages a backward jump would discard.
type InvalidationPreview struct {
	TargetStageID       string   `json:"target_stage_id"`
	InvalidatedStageIDs []string `json:"invalidated_stage_ids"`
}

// SubmissionFailure describes the queued item that stopped syncing.
type SubmissionFailure struct {
	IdempotencyKey string
	StageID        string

	// Jump is true when the failed item is a queued jump. A failed jump
	// does not block progression; it only waits for a retry.
	Jump  bool
	Error string
}

// State is a read-only view of the session.
type State struct {
	SessionID         string
	ExperimentID      string
	Status            datatypes.SessionStatus
	CurrentStage      *datatypes.StageInfo
	VisibleStages     []datatypes.StageInfo
	CompletedStageIDs []string
	LockedItems       datatypes.LockedItems
	ReferenceJump     *ReferenceJump
	Assignments       map[string]string
	RandomizationSeed int64
	Progress          datatypes.Progress

	// Failure is set while a queued item of the session is failed.
	Failure *SubmissionFailure
}

// CurrentStageID returns the current stage id, or "" when there is none.
func (s State) CurrentStageID() string {
	if s.CurrentStage == nil {
		return ""
	}
	return s.CurrentStage.ID
}

// =============================================================================
// Transitions
// =============================================================================

var transitions = map[datatypes.SessionStatus][]datatypes.SessionStatus{
	datatypes.StatusActive: {
		datatypes.StatusActive,
		datatypes.StatusCompleted,
		datatypes.StatusAbandoned,
		datatypes.StatusTimedOut,
	},
	datatypes.StatusPendingResume: {
		datatypes.StatusActive,
		datatypes.StatusAbandoned,
	},
	datatypes.StatusPreview: {
		datatypes.StatusPreview,
		datatypes.StatusCompleted,
		datatypes.StatusAbandoned,
	},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to datatypes.SessionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// =============================================================================
// Internal state
// =============================================================================

// session is the mutable state guarded by Machine.mu.
type session struct {
	ID           string
	ExperimentID string
	Status       datatypes.SessionStatus
	Preview      bool
	Current      *datatypes.StageInfo
	Visible      []datatypes.StageInfo
	Completed    []string
	Locks        datatypes.LockedItems
	RefJump      *ReferenceJump
	Assignments  map[string]string
	Seed         int64
	URLParams    map[string]string
	Participant  map[string]any
	Data         map[string]StageData
	Submitted    map[string]StageData
	Failed       *SubmissionFailure

	// Invalidated holds, per stage, when a queued jump discarded it.
	// Responses to submissions captured earlier are not applied.
	Invalidated map[string]time.Time
}

func newSession() *session {
	return &session{
		Assignments: map[string]string{},
		Data:        map[string]StageData{},
		Submitted:   map[string]StageData{},
		Invalidated: map[string]time.Time{},
		Locks:       emptyLocks(),
	}
}

func emptyLocks() datatypes.LockedItems {
	return datatypes.LockedItems{Phases: []string{}, Stages: []string{}, Blocks: []string{}, Tasks: []string{}}
}

func (s *session) clone() *session {
	c := *s
	if s.Current != nil {
		cur := *s.Current
		c.Current = &cur
	}
	if s.RefJump != nil {
		rj := *s.RefJump
		c.RefJump = &rj
	}
	if s.Failed != nil {
		f := *s.Failed
		c.Failed = &f
	}
	c.Visible = slices.Clone(s.Visible)
	c.Completed = slices.Clone(s.Completed)
	c.Locks = datatypes.LockedItems{
		Phases: slices.Clone(s.Locks.Phases),
		Stages: slices.Clone(s.Locks.Stages),
		Blocks: slices.Clone(s.Locks.Blocks),
		Tasks:  slices.Clone(s.Locks.Tasks),
	}
	c.Assignments = maps.Clone(s.Assignments)
	c.URLParams = maps.Clone(s.URLParams)
	c.Participant = maps.Clone(s.Participant)
	c.Data = cloneData(s.Data)
	c.Submitted = cloneData(s.Submitted)
	c.Invalidated = maps.Clone(s.Invalidated)
	if c.Invalidated == nil {
		c.Invalidated = map[string]time.Time{}
	}
	return &c
}

func cloneData(in map[string]StageData) map[string]StageData {
	out := make(map[string]StageData, len(in))
	for k, v := range in {
		out[k] = maps.Clone(v)
	}
	return out
}

func (s *session) completedSet() map[string]bool {
	set := make(map[string]bool, len(s.Completed))
	for _, id := range s.Completed {
		set[id] = true
	}
	return set
}

func (s *session) isCompleted(id string) bool { return slices.Contains(s.Completed, id) }

func (s *session) markCompleted(id string) {
	if !s.isCompleted(id) {
		s.Completed = append(s.Completed, id)
	}
}

func (s *session) currentID() string {
	if s.Current == nil {
		return ""
	}
	return s.Current.ID
}

func (s *session) stage(id string) (datatypes.StageInfo, bool) {
	for _, st := range s.Visible {
		if st.ID == id {
			return st, true
		}
	}
	return datatypes.StageInfo{}, false
}

// blocked reports whether a failed submission keeps stageID from being
// submitted or jumped to.
func (s *session) blocked(stageID string) bool {
	f := s.Failed
	if f == nil || f.Jump || f.StageID == stageID {
		return false
	}
	return slices.IndexFunc(s.Visible, func(v datatypes.StageInfo) bool { return v.ID == stageID }) >
		slices.IndexFunc(s.Visible, func(v datatypes.StageInfo) bool { return v.ID == f.StageID })
}

// discarded reports whether a jump invalidated stageID after at.
func (s *session) discarded(stageID string, at time.Time) bool {
	inv, ok := s.Invalidated[stageID]
	return ok && at.Before(inv)
}

// submittedData returns the last-submitted copies for predicate evaluation.
func (s *session) submittedData() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.Submitted))
	for k, v := range s.Submitted {
		out[k] = v
	}
	return out
}

// purge drops both data copies of ids and removes them from Completed.
func (s *session) purge(ids []string) {
	for _, id := range ids {
		delete(s.Data, id)
		delete(s.Submitted, id)
	}
	s.Completed = slices.DeleteFunc(s.Completed, func(id string) bool { return slices.Contains(ids, id) })
}

func (s *session) view() State {
	st := State{
		SessionID:         s.ID,
		ExperimentID:      s.ExperimentID,
		Status:            s.Status,
		VisibleStages:     slices.Clone(s.Visible),
		CompletedStageIDs: slices.Clone(s.Completed),
		Assignments:       maps.Clone(s.Assignments),
		RandomizationSeed: s.Seed,
	}
	c := s.clone()
	st.LockedItems = c.Locks
	st.CurrentStage = c.Current
	st.ReferenceJump = c.RefJump
	st.Failure = c.Failed
	done := 0
	set := s.completedSet()
	for _, v := range s.Visible {
		if set[v.ID] {
			done++
		}
	}
	st.Progress = datatypes.NewProgress(done, len(s.Visible))
	return st
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is the locally persisted part of a session. It survives reloads
// and excludes transient navigation state.
type Snapshot struct {
	SessionID          string               `json:"session_id"`
	ExperimentID       string               `json:"experiment_id"`
	StageData          map[string]StageData `json:"stage_data"`
	SubmittedStageData map[string]StageData `json:"submitted_stage_data"`
	CompletedStageIDs  []string             `json:"completed_stage_ids"`
	Assignments        map[string]string    `json:"assignments"`
	RandomizationSeed  int64                `json:"randomization_seed"`
	URLParams          map[string]string    `json:"url_params,omitempty"`
	Preview            bool                 `json:"preview,omitempty"`
}

func (s *session) snapshot() Snapshot {
	c := s.clone()
	return Snapshot{
		SessionID:          c.ID,
		ExperimentID:       c.ExperimentID,
		StageData:          c.Data,
		SubmittedStageData: c.Submitted,
		CompletedStageIDs:  c.Completed,
		Assignments:        c.Assignments,
		RandomizationSeed:  c.Seed,
		URLParams:          c.URLParams,
		Preview:            c.Preview,
	}
}

func putSnapshot(tx *store.Tx, s *session) error {
	if s.ID == "" {
		return nil
	}
	return tx.Put(store.TableSnapshots, s.ID, s.snapshot())
}

// LoadSnapshot reads the stored snapshot of sessionID. It returns an error
// wrapping store.ErrNotFound when there is none.
func LoadSnapshot(ctx context.Context, st *store.Log, sessionID string) (*Snapshot, error) {
	var snap Snapshot
	err := st.View(ctx, func(tx *store.Tx) error {
		return tx.Get(store.TableSnapshots, sessionID, &snap)
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	if snap.StageData == nil {
		snap.StageData = map[string]StageData{}
	}
	if snap.SubmittedStageData == nil {
		snap.SubmittedStageData = map[string]StageData{}
	}
	if snap.Assignments == nil {
		snap.Assignments = map[string]string{}
	}
	return &snap, nil
}

// ListSnapshots returns the ids of every stored session snapshot.
func ListSnapshots(ctx context.Context, st *store.Log) ([]string, error) {
	var ids []string
	err := st.View(ctx, func(tx *store.Tx) error {
		return tx.Scan(store.TableSnapshots, func(id string, _ []byte) error {
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}
