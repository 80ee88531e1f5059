// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"math"
	"slices"
)

// StageType names the renderer a leaf stage is shown with.
type StageType string

const (
	StageUserInfo            StageType = "user_info"
	StageQuestionnaire       StageType = "questionnaire"
	StageContentDisplay      StageType = "content_display"
	StageVideoPlayer         StageType = "video_player"
	StageIframeSandbox       StageType = "iframe_sandbox"
	StageLikertScale         StageType = "likert_scale"
	StageConsentForm         StageType = "consent_form"
	StageAttentionCheck      StageType = "attention_check"
	StageExternalTask        StageType = "external_task"
	StageMultipleChoice      StageType = "multiple_choice"
	StageParticipantIdentity StageType = "participant_identity"
)

// IsPassive reports whether the stage only presents media and collects no
// response. Passive stages are never invalidated by a backward jump.
func (t StageType) IsPassive() bool {
	return t == StageContentDisplay || t == StageVideoPlayer
}

// StageInfo is a visible leaf stage annotated with its ancestors, in
// resolved order.
type StageInfo struct {
	ID    string    `json:"id"`
	Type  StageType `json:"type"`
	Label string    `json:"label,omitempty"`

	PhaseID    string `json:"phase_id,omitempty"`
	PhaseLabel string `json:"phase_label,omitempty"`
	StageID    string `json:"stage_id,omitempty"` // parent stage when this leaf is a block or task
	StageLabel string `json:"stage_label,omitempty"`
	BlockID    string `json:"block_id,omitempty"`
	BlockLabel string `json:"block_label,omitempty"`

	CollapsedByDefault bool `json:"collapsed_by_default,omitempty"`
	ShowInSidebar      bool `json:"show_in_sidebar"`
	Reference          bool `json:"reference,omitempty"`

	Position int `json:"position"`

	Config map[string]any `json:"config,omitempty"` // opaque renderer settings
}

// IDs returns the ids of stages in order.
func IDs(stages []StageInfo) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.ID
	}
	return out
}

// LockedItems lists hierarchy items that can no longer be re-entered.
type LockedItems struct {
	Phases []string `json:"phases"`
	Stages []string `json:"stages"`
	Blocks []string `json:"blocks"`
	Tasks  []string `json:"tasks"`
}

// Contains reports whether id appears at any level.
func (l LockedItems) Contains(id string) bool {
	return slices.Contains(l.Phases, id) ||
		slices.Contains(l.Stages, id) ||
		slices.Contains(l.Blocks, id) ||
		slices.Contains(l.Tasks, id)
}

// Empty reports whether nothing is locked.
func (l LockedItems) Empty() bool {
	return len(l.Phases)+len(l.Stages)+len(l.Blocks)+len(l.Tasks) == 0
}

// Progress is {current, total, percentage} where current counts completed
// visible stages.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// NewProgress computes Progress with percentage rounded to one decimal.
func NewProgress(completed, total int) Progress {
	p := Progress{Current: completed, Total: total}
	if total > 0 {
		p.Percentage = math.Round(float64(completed)/float64(total)*1000) / 10
	}
	return p
}
