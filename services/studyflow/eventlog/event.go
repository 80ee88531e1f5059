// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventlog

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zeebo/blake3"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

// Type names a telemetry event.
type Type string

const (
	TypeSessionStart         Type = "session_start"
	TypeSessionResume        Type = "session_resume"
	TypeStageView            Type = "stage_view"
	TypeStageSubmit          Type = "stage_submit"
	TypeStageJump            Type = "stage_jump"
	TypeStageReturn          Type = "stage_return"
	TypeFieldChange          Type = "field_change"
	TypeVideoPlay            Type = "video_play"
	TypeVideoPause           Type = "video_pause"
	TypeVideoSeek            Type = "video_seek"
	TypeVideoEnded           Type = "video_ended"
	TypeMultipleChoiceSelect Type = "multiple_choice_select"
	TypeOffline              Type = "offline"
	TypeOnline               Type = "online"
	TypeSync                 Type = "sync"
	TypeCustom               Type = "custom"
)

// Event is one queued telemetry entry.
type Event struct {
	// IdempotencyKey is fixed when the event is created and reused by
	// every send attempt.
	IdempotencyKey string         `json:"idempotency_key"`
	SessionID      string         `json:"session_id"`
	EventType      Type           `json:"event_type"`
	StageID        string         `json:"stage_id,omitempty"`
	BlockID        string         `json:"block_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	RetryCount     int            `json:"retry_count"`
	SyncedAt       *time.Time     `json:"synced_at,omitempty"`
	Preview        bool           `json:"preview,omitempty"`
}

// NewEvent creates an event captured at at.
//
// The idempotency key is sessionID_stageID_type_unixMillis. Two calls for
// the same user action at the same millisecond produce the same key and
// collapse into one stored event. AppendTx disambiguates distinct events
// that share a key.
func NewEvent(sessionID string, t Type, stageID string, payload map[string]any, at time.Time) Event {
	at = at.UTC()
	return Event{
		IdempotencyKey: fmt.Sprintf("%s_%s_%s_%d", sessionID, stageID, t, at.UnixMilli()),
		SessionID:      sessionID,
		EventType:      t,
		StageID:        stageID,
		Payload:        payload,
		Timestamp:      at,
	}
}

var canonical = sonic.Config{SortMapKeys: true}.Froze()

// contentDigest is the hex blake3-256 of the fields that identify what
// happened, excluding delivery bookkeeping.
func contentDigest(ev Event) (string, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = nil
	}
	b, err := canonical.Marshal(struct {
		Type    Type           `json:"t"`
		StageID string         `json:"s"`
		BlockID string         `json:"b"`
		Payload map[string]any `json:"p"`
	}{ev.EventType, ev.StageID, ev.BlockID, payload})
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", ev.IdempotencyKey, err)
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:]), nil
}

// Synced reports whether the collector has acknowledged the event.
func (e *Event) Synced() bool { return e.SyncedAt != nil }

func (e *Event) wire() datatypes.LogEvent {
	return datatypes.LogEvent{
		IdempotencyKey: e.IdempotencyKey,
		SessionID:      e.SessionID,
		EventType:      string(e.EventType),
		StageID:        e.StageID,
		BlockID:        e.BlockID,
		Payload:        e.Payload,
		Timestamp:      e.Timestamp,
	}
}
