// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Status is the delivery state of a Submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// StatusSuperseded marks a submission whose stage was invalidated by a
	// later jump before it was delivered. It is never sent.
	StatusSuperseded Status = "superseded"
)

// Settled reports whether the drain is done with a submission in status s.
func (s Status) Settled() bool { return s == StatusCompleted || s == StatusSuperseded }

// Kind is what a queued item asks the collector to do.
type Kind string

const (
	// KindSubmit delivers stage data.
	KindSubmit Kind = "submit"

	// KindJump replays a backward jump that discarded responses. StageID
	// is the jump target.
	KindJump Kind = "jump"
)

// Submission is one durable stage commit awaiting delivery.
type Submission struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Seq            uint64         `json:"seq"`
	Kind           Kind           `json:"kind,omitempty"`
	SessionID      string         `json:"session_id"`
	StageID        string         `json:"stage_id"`
	Data           map[string]any `json:"data"`
	Digest         string         `json:"digest"`
	Timestamp      time.Time      `json:"timestamp"`
	RetryCount     int            `json:"retry_count"`
	Status         Status         `json:"status"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Preview        bool           `json:"preview,omitempty"`

	// Invalidated lists the stages a jump discarded.
	Invalidated []string `json:"invalidated_stage_ids,omitempty"`
}

// IsJump reports whether s is a queued jump. Items written before kinds
// existed are submits.
func (s Submission) IsJump() bool { return s.Kind == KindJump }

// canonical sorts map keys at every depth.
var canonical = sonic.Config{SortMapKeys: true}.Froze()

// Digest returns the hex blake3-256 of the canonical JSON of data.
func Digest(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := canonical.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize submission data: %w", err)
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:]), nil
}

// NewSubmission creates a pending submission captured at at. The
// idempotency key is a fresh time-ordered UUID fixed for the life of the
// submission.
func NewSubmission(sessionID, stageID string, data map[string]any, at time.Time) (Submission, error) {
	digest, err := Digest(data)
	if err != nil {
		return Submission{}, err
	}
	key, err := uuid.NewV7()
	if err != nil {
		return Submission{}, fmt.Errorf("generate idempotency key: %w", err)
	}
	return Submission{
		IdempotencyKey: key.String(),
		Kind:           KindSubmit,
		SessionID:      sessionID,
		StageID:        stageID,
		Data:           data,
		Digest:         digest,
		Timestamp:      at.UTC(),
		Status:         StatusPending,
	}, nil
}

// NewJump creates a pending jump to target that discarded the
// invalidated stages.
func NewJump(sessionID, target string, invalidated []string, at time.Time) (Submission, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return Submission{}, fmt.Errorf("generate idempotency key: %w", err)
	}
	return Submission{
		IdempotencyKey: key.String(),
		Kind:           KindJump,
		SessionID:      sessionID,
		StageID:        target,
		Timestamp:      at.UTC(),
		Status:         StatusPending,
		Invalidated:    append([]string(nil), invalidated...),
	}, nil
}

// before orders submissions by timestamp, then enqueue sequence.
func before(a, b *Submission) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// =============================================================================
// Permanent errors
// =============================================================================

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The drain fails the item
// immediately and halts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
