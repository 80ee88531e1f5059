// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire types shared by the participant client
// and the collector.
package datatypes

import "time"

// SessionStatus is the lifecycle state of a participant session.
type SessionStatus string

const (
	StatusActive        SessionStatus = "active"
	StatusPendingResume SessionStatus = "pending_resume"
	StatusCompleted     SessionStatus = "completed"
	StatusAbandoned     SessionStatus = "abandoned"
	StatusTimedOut      SessionStatus = "timed_out"
	StatusPreview       SessionStatus = "preview"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusTimedOut
}

// StartSessionRequest is the body of POST /sessions/start.
type StartSessionRequest struct {
	ExperimentID string            `json:"experiment_id" binding:"required"`
	URLParams    map[string]string `json:"url_params,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	ScreenSize   string            `json:"screen_size,omitempty"`
}

// StartSessionResponse is returned by POST /sessions/start.
type StartSessionResponse struct {
	SessionID         string            `json:"session_id"`
	CurrentStage      *StageInfo        `json:"current_stage"`
	VisibleStages     []StageInfo       `json:"visible_stages"`
	Progress          Progress          `json:"progress"`
	ShellConfig       map[string]any    `json:"shell_config,omitempty"`
	Assignments       map[string]string `json:"assignments"`
	RandomizationSeed int64             `json:"randomization_seed"`
	DebugMode         bool              `json:"debug_mode"`
}

// SubmitStageRequest is the body of POST /sessions/{id}/submit.
type SubmitStageRequest struct {
	StageID        string         `json:"stage_id" binding:"required"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// SubmitStageResponse is returned by POST /sessions/{id}/submit.
type SubmitStageResponse struct {
	NextStage         *StageInfo        `json:"next_stage"`
	VisibleStages     []StageInfo       `json:"visible_stages"`
	CompletedStageIDs []string          `json:"completed_stage_ids"`
	Progress          Progress          `json:"progress"`
	IsComplete        bool              `json:"is_complete"`
	Assignments       map[string]string `json:"assignments,omitempty"`
	LockedItems       *LockedItems      `json:"locked_items,omitempty"`

	// QuotaSkipped is set when the stage quota was full and the
	// submission was accepted as skipped.
	QuotaSkipped bool `json:"quota_skipped,omitempty"`
}

// JumpRequest is the body of POST /sessions/{id}/jump.
type JumpRequest struct {
	TargetStageID string `json:"target_stage_id" binding:"required"`
}

// JumpResponse is returned by POST /sessions/{id}/jump.
type JumpResponse struct {
	CurrentStage      *StageInfo   `json:"current_stage"`
	ReturnStageID     string       `json:"return_stage_id,omitempty"`
	IsReference       bool         `json:"is_reference"`
	InvalidatedStages []string     `json:"invalidated_stages,omitempty"`
	LockedItems       *LockedItems `json:"locked_items,omitempty"`
}

// SessionStateResponse is returned by GET /sessions/{id}/state.
type SessionStateResponse struct {
	Status            SessionStatus             `json:"status"`
	CurrentStage      *StageInfo                `json:"current_stage"`
	VisibleStages     []StageInfo               `json:"visible_stages"`
	CompletedStageIDs []string                  `json:"completed_stage_ids"`
	Progress          Progress                  `json:"progress"`
	Data              map[string]map[string]any `json:"data"`
	ShellConfig       map[string]any            `json:"shell_config,omitempty"`
	LockedItems       LockedItems               `json:"locked_items"`
	DebugMode         bool                      `json:"debug_mode"`
	Assignments       map[string]string         `json:"assignments,omitempty"`
	RandomizationSeed int64                     `json:"randomization_seed,omitempty"`
}

// ErrorResponse is the JSON error body returned by the collector.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// LogEvent is one telemetry entry inside a batch.
type LogEvent struct {
	IdempotencyKey string         `json:"idempotency_key" binding:"required"`
	SessionID      string         `json:"session_id"`
	EventType      string         `json:"event_type" binding:"required"`
	StageID        string         `json:"stage_id,omitempty"`
	BlockID        string         `json:"block_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// LogBatchRequest is the body of POST /logs/batch.
type LogBatchRequest struct {
	SessionID string     `json:"session_id" binding:"required"`
	Events    []LogEvent `json:"events" binding:"dive"`
}

// LogBatchResponse counts how the collector handled a batch.
type LogBatchResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// HeartbeatMessage is exchanged over the /ws/heartbeat WebSocket.
type HeartbeatMessage struct {
	Type      string `json:"type"` // "ping" or "pong"
	Timestamp int64  `json:"timestamp"`
}
