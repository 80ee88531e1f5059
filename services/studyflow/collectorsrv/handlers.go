// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collectorsrv

import (
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"experiments": s.registry.IDs(),
	})
}

// handleStart creates a session at the first visible stage.
func (s *Server) handleStart(c *gin.Context) {
	var req datatypes.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	g, ok := s.registry.Get(req.ExperimentID)
	if !ok {
		fail(c, http.StatusNotFound, CodeExperimentNotFound, "experiment not found: "+req.ExperimentID)
		return
	}

	seed := s.seed()
	res, err := s.resolver.Resolve(c.Request.Context(), g, graph.Input{
		Seed:        seed,
		Assignments: map[string]string{},
		URLParams:   req.URLParams,
	})
	if err != nil {
		var cfgErr *graph.ConfigError
		if errors.As(err, &cfgErr) {
			fail(c, http.StatusInternalServerError, CodeConfigError, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, "", err.Error())
		return
	}

	now := s.now()
	rec := &record{
		id:           uuid.NewString(),
		experimentID: g.ExperimentID,
		g:            g,
		status:       datatypes.StatusActive,
		seed:         seed,
		assignments:  res.Assignments,
		urlParams:    maps.Clone(req.URLParams),
		visible:      res.Stages,
		data:         make(map[string]map[string]any),
		responses:    make(map[string]*datatypes.SubmitStageResponse),
		createdAt:    now,
		updatedAt:    now,
	}
	if len(rec.visible) > 0 {
		rec.current = rec.visible[0].ID
	}

	s.mu.Lock()
	s.sessions[rec.id] = rec
	s.mu.Unlock()

	s.logger.Info("session started",
		slog.String("session_id", rec.id),
		slog.String("experiment_id", rec.experimentID),
		slog.Int("visible_stages", len(rec.visible)),
		slog.Any("assignments", rec.assignments))

	c.JSON(http.StatusOK, datatypes.StartSessionResponse{
		SessionID:         rec.id,
		CurrentStage:      rec.stage(rec.current),
		VisibleStages:     rec.visible,
		Progress:          rec.progress(),
		ShellConfig:       g.ShellConfig,
		Assignments:       rec.assignments,
		RandomizationSeed: seed,
		DebugMode:         g.Debug,
	})
}

// handleSubmit records stage data and returns the next stage.
//
// # Description
//
// A repeated Idempotency-Key returns the first response unchanged. The
// stage must be visible and be the current stage, a completed stage, or
// the next available stage; the last two cover submissions replayed from
// a client that moved on while offline. Data is validated against the
// stage config. The graph is then re-resolved with the session's data and
// the next uncompleted stage after the submitted one becomes current.
func (s *Server) handleSubmit(c *gin.Context) {
	var req datatypes.SubmitStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	key := c.GetHeader(collector.HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}

	rec := s.lookup(c)
	if rec == nil {
		return
	}
	defer rec.mu.Unlock()

	if key != "" {
		if cached, ok := rec.responses[key]; ok {
			s.logger.Info("replayed submission", slog.String("session_id", rec.id), slog.String("idempotency_key", key))
			c.JSON(http.StatusOK, cached)
			return
		}
	}
	if rec.status != datatypes.StatusActive {
		fail(c, http.StatusConflict, CodeSessionNotActive, "session is "+string(rec.status))
		return
	}
	st := rec.stage(req.StageID)
	if st == nil {
		fail(c, http.StatusBadRequest, CodeUnknownStage, "unknown stage: "+req.StageID)
		return
	}
	completed := rec.completedSet()
	if req.StageID != rec.current && !completed[req.StageID] && !graph.IsNextAvailable(rec.visible, completed, req.StageID) {
		fail(c, http.StatusConflict, CodeStageMismatch, "submitted stage does not match current stage")
		return
	}
	if errs := ValidateStageData(st.Type, st.Config, req.Data); len(errs) > 0 {
		fail(c, http.StatusUnprocessableEntity, CodeValidationFailed, "Validation failed: "+strings.Join(errs, "; "))
		return
	}

	data := maps.Clone(req.Data)
	if data == nil {
		data = map[string]any{}
	}
	var skipped bool
	if !completed[req.StageID] {
		var ok bool
		if skipped, ok = s.claimQuota(c, rec, req.StageID); !ok {
			return
		}
		if skipped {
			data[MarkerQuotaSkipped] = true
		}
	}
	rec.data[req.StageID] = data
	if !completed[req.StageID] {
		rec.completed = append(rec.completed, req.StageID)
	}
	res, err := s.resolver.Resolve(c.Request.Context(), rec.g, graph.Input{
		Seed:        rec.seed,
		Assignments: rec.assignments,
		StageData:   rec.data,
		URLParams:   rec.urlParams,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, CodeConfigError, err.Error())
		return
	}
	rec.visible = res.Stages
	rec.assignments = res.Assignments
	rec.updatedAt = s.now()

	completed = rec.completedSet()
	next, ok := graph.NextStage(rec.visible, completed, req.StageID)
	if skipped {
		if fb := rec.quotaFallback(req.StageID); fb != nil && !completed[fb.ID] {
			next, ok = *fb, true
		}
	}
	locks := rec.locks()
	resp := &datatypes.SubmitStageResponse{
		VisibleStages:     rec.visible,
		CompletedStageIDs: slices.Clone(rec.completed),
		Progress:          rec.progress(),
		IsComplete:        !ok,
		Assignments:       maps.Clone(rec.assignments),
		LockedItems:       &locks,
		QuotaSkipped:      skipped,
	}
	if ok {
		resp.NextStage = &next
		rec.current = next.ID
	} else {
		rec.current = ""
		rec.status = datatypes.StatusCompleted
		s.logger.Info("session completed", slog.String("session_id", rec.id))
	}
	if key != "" {
		rec.responses[key] = resp
	}
	c.JSON(http.StatusOK, resp)
}

// MarkerQuotaSkipped flags stored data of a submission accepted while the
// stage quota was full.
const MarkerQuotaSkipped = "_quota_skipped"

// claimQuota takes a completion slot of the stage quota, if the stage has
// one. skipped reports a full quota under skip_if_full. ok is false when
// an error response was already written.
func (s *Server) claimQuota(c *gin.Context, rec *record, stageID string) (skipped, ok bool) {
	n, found := rec.g.Node(stageID)
	if !found || n.Quota == nil {
		return false, true
	}
	pos, err := s.counter.Next(c.Request.Context(), graph.QuotaKey(rec.experimentID, stageID))
	if err != nil {
		fail(c, http.StatusInternalServerError, "", "quota counter: "+err.Error())
		return false, false
	}
	if pos < int64(n.Quota.Limit) {
		return false, true
	}
	if n.Quota.Strategy == graph.QuotaReject {
		fail(c, http.StatusConflict, CodeQuotaFull, "stage quota is full: "+stageID)
		return false, false
	}
	s.logger.Info("stage quota full, skipping",
		slog.String("session_id", rec.id),
		slog.String("stage_id", stageID),
		slog.Int("limit", n.Quota.Limit))
	return true, true
}

// handleJump moves the session to a reference, completed or next available
// stage. A backward jump to a non-reference stage discards the completed
// response-bearing stages after the target.
func (s *Server) handleJump(c *gin.Context) {
	var req datatypes.JumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	defer rec.mu.Unlock()

	if rec.status != datatypes.StatusActive {
		fail(c, http.StatusConflict, CodeSessionNotActive, "session is "+string(rec.status))
		return
	}
	target := rec.stage(req.TargetStageID)
	if target == nil {
		fail(c, http.StatusBadRequest, CodeUnknownStage, "unknown stage: "+req.TargetStageID)
		return
	}
	completed := rec.completedSet()
	isCompleted := completed[target.ID]
	if !target.Reference && !isCompleted && !graph.IsNextAvailable(rec.visible, completed, target.ID) {
		fail(c, http.StatusBadRequest, CodeJumpNotAllowed, "cannot jump to uncompleted non-reference stage")
		return
	}
	if isCompleted && rec.g.IsLocked(rec.locks(), target.ID) {
		fail(c, http.StatusForbidden, CodeStageLocked, "stage is locked after completion: "+target.ID)
		return
	}

	prev := rec.current
	var invalidated []string
	if !target.Reference {
		invalidated = graph.Invalidated(rec.visible, completed, target.ID, prev)
		rec.purge(invalidated)
	} else if prev != target.ID {
		rec.returnStage = prev
	}
	rec.current = target.ID
	rec.updatedAt = s.now()

	locks := rec.locks()
	if len(invalidated) > 0 {
		s.logger.Info("stages invalidated",
			slog.String("session_id", rec.id),
			slog.String("target", target.ID),
			slog.Any("stages", invalidated))
	}
	c.JSON(http.StatusOK, datatypes.JumpResponse{
		CurrentStage:      target,
		ReturnStageID:     prev,
		IsReference:       target.Reference,
		InvalidatedStages: invalidated,
		LockedItems:       &locks,
	})
}

// handleReturn ends a reference jump. Without one the session is already
// in the main flow and its current stage is returned.
func (s *Server) handleReturn(c *gin.Context) {
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	defer rec.mu.Unlock()

	if rec.returnStage != "" {
		rec.current = rec.returnStage
		rec.returnStage = ""
		rec.updatedAt = s.now()
	}
	locks := rec.locks()
	c.JSON(http.StatusOK, datatypes.JumpResponse{
		CurrentStage: rec.stage(rec.current),
		LockedItems:  &locks,
	})
}

func (s *Server) handleAbandon(c *gin.Context) {
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	defer rec.mu.Unlock()

	if rec.status != datatypes.StatusActive {
		fail(c, http.StatusNotFound, CodeSessionNotActive, "active session not found")
		return
	}
	rec.status = datatypes.StatusAbandoned
	rec.updatedAt = s.now()
	s.logger.Info("session abandoned", slog.String("session_id", rec.id))
	c.JSON(http.StatusOK, gin.H{"message": "Session abandoned"})
}

func (s *Server) handleState(c *gin.Context) {
	rec := s.lookup(c)
	if rec == nil {
		return
	}
	defer rec.mu.Unlock()

	data := make(map[string]map[string]any, len(rec.data))
	for k, v := range rec.data {
		data[k] = maps.Clone(v)
	}
	resp := datatypes.SessionStateResponse{
		Status:            rec.status,
		VisibleStages:     rec.visible,
		CompletedStageIDs: slices.Clone(rec.completed),
		Progress:          rec.progress(),
		Data:              data,
		ShellConfig:       rec.g.ShellConfig,
		LockedItems:       rec.locks(),
		DebugMode:         rec.g.Debug,
		Assignments:       maps.Clone(rec.assignments),
		RandomizationSeed: rec.seed,
	}
	if rec.status == datatypes.StatusActive {
		resp.CurrentStage = rec.stage(rec.current)
	}
	c.JSON(http.StatusOK, resp)
}

// handleLogBatch stores telemetry. Events whose key was already stored
// count as duplicates; events belonging to another session count as
// failed.
func (s *Server) handleLogBatch(c *gin.Context) {
	var req datatypes.LogBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.SessionID]; !ok {
		fail(c, http.StatusNotFound, CodeSessionNotFound, "session not found: "+req.SessionID)
		return
	}
	var resp datatypes.LogBatchResponse
	for _, ev := range req.Events {
		if ev.SessionID != "" && ev.SessionID != req.SessionID {
			resp.Failed++
			continue
		}
		if _, seen := s.events[ev.IdempotencyKey]; seen {
			resp.Duplicates++
			continue
		}
		ev.SessionID = req.SessionID
		s.events[ev.IdempotencyKey] = ev
		resp.Accepted++
	}
	s.logger.Debug("log batch",
		slog.String("session_id", req.SessionID),
		slog.Int("accepted", resp.Accepted),
		slog.Int("duplicates", resp.Duplicates),
		slog.Int("failed", resp.Failed))
	c.JSON(http.StatusOK, resp)
}
