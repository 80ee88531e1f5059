// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

// =============================================================================
// Descriptor
// =============================================================================

// Descriptor is the parsed experiment definition: a tree of
// phases → stages → blocks → tasks.
type Descriptor struct {
	Meta        Meta           `yaml:"meta" json:"meta"`
	ShellConfig map[string]any `yaml:"shell_config,omitempty" json:"shell_config,omitempty"`
	Phases      []NodeSpec     `yaml:"phases" json:"phases"`
}

// Meta identifies the experiment.
type Meta struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Debug   bool   `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// NodeSpec describes one hierarchy item. Which child list is honored
// depends on the level: phases carry Stages, stages carry Blocks, blocks
// carry Tasks. An item without children is a leaf and must declare a Type.
type NodeSpec struct {
	ID             string              `yaml:"id" json:"id"`
	Label          string              `yaml:"label,omitempty" json:"label,omitempty"`
	Type           datatypes.StageType `yaml:"type,omitempty" json:"type,omitempty"`
	VisibilityRule string              `yaml:"visibility_rule,omitempty" json:"visibility_rule,omitempty"`
	Rules          *RuleSpec           `yaml:"rules,omitempty" json:"rules,omitempty"`
	UISettings     UISettings          `yaml:"ui_settings,omitempty" json:"ui_settings,omitempty"`

	// AllowJumpToCompleted defaults to true. False seals the item once
	// completed.
	AllowJumpToCompleted *bool `yaml:"allow_jump_to_completed,omitempty" json:"allow_jump_to_completed,omitempty"`

	// Reference marks material a participant may revisit with a return
	// pointer.
	Reference bool `yaml:"reference,omitempty" json:"reference,omitempty"`

	// Required makes an empty visible selection a configuration error.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Quota caps how many sessions may complete a stage.
	Quota *QuotaSpec `yaml:"quota,omitempty" json:"quota,omitempty"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	Stages []NodeSpec `yaml:"stages,omitempty" json:"stages,omitempty"`
	Blocks []NodeSpec `yaml:"blocks,omitempty" json:"blocks,omitempty"`
	Tasks  []NodeSpec `yaml:"tasks,omitempty" json:"tasks,omitempty"`
}

// UISettings carries sidebar presentation flags.
type UISettings struct {
	Label              string `yaml:"label,omitempty" json:"label,omitempty"`
	CollapsedByDefault bool   `yaml:"collapsed_by_default,omitempty" json:"collapsed_by_default,omitempty"`
	ShowInSidebar      *bool  `yaml:"show_in_sidebar,omitempty" json:"show_in_sidebar,omitempty"`
}

// Ordering selects how a group's children are arranged or chosen.
type Ordering string

const (
	OrderSequential  Ordering = "sequential"
	OrderRandomized  Ordering = "randomized"
	OrderBalanced    Ordering = "balanced"
	OrderWeighted    Ordering = "weighted"
	OrderLatinSquare Ordering = "latin_square"
)

// PickStrategy selects how PickCount children are drawn.
type PickStrategy string

const (
	PickRandom         PickStrategy = "random"
	PickRoundRobin     PickStrategy = "round_robin"
	PickWeightedRandom PickStrategy = "weighted_random"
)

// BalanceOn chooses which counter a balanced group equalizes.
const (
	BalanceStarted   = "started"
	BalanceCompleted = "completed"
)

// RuleSpec is the assignment rule of a group.
type RuleSpec struct {
	Visibility string   `yaml:"visibility,omitempty" json:"visibility,omitempty"`
	Ordering   Ordering `yaml:"ordering,omitempty" json:"ordering,omitempty"`
	BalanceOn  string   `yaml:"balance_on,omitempty" json:"balance_on,omitempty"`

	Weights []Weight `yaml:"weights,omitempty" json:"weights,omitempty"`

	// PickCount is the quota: selection stops after this many children.
	PickCount      int             `yaml:"pick_count,omitempty" json:"pick_count,omitempty"`
	PickStrategy   PickStrategy    `yaml:"pick_strategy,omitempty" json:"pick_strategy,omitempty"`
	PickWeights    []Weight        `yaml:"pick_weights,omitempty" json:"pick_weights,omitempty"`
	PickConditions []PickCondition `yaml:"pick_conditions,omitempty" json:"pick_conditions,omitempty"`
}

// Weight assigns a relative weight to a child id. Missing children weigh 1.
type Weight struct {
	ID    string `yaml:"id" json:"id"`
	Value int    `yaml:"value" json:"value"`
}

// PickCondition filters pick candidates by a metadata variable against the
// values already picked by earlier groups in the session.
type PickCondition struct {
	Variable string `yaml:"variable" json:"variable"`
	Operator string `yaml:"operator,omitempty" json:"operator,omitempty"` // "in" or "not_in" (default)
}

// QuotaStrategy selects what happens to a submission once a stage quota is
// full.
type QuotaStrategy string

const (
	// QuotaSkipIfFull accepts the submission, flags it as skipped and moves
	// on, to FallbackStage when set.
	QuotaSkipIfFull QuotaStrategy = "skip_if_full"

	// QuotaReject refuses the submission.
	QuotaReject QuotaStrategy = "reject"
)

// QuotaSpec limits completions of a stage across participants.
type QuotaSpec struct {
	Limit         int           `yaml:"limit" json:"limit"`
	Strategy      QuotaStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	FallbackStage string        `yaml:"fallback_stage,omitempty" json:"fallback_stage,omitempty"`
}

// Parse decodes a YAML (or JSON) descriptor. Unknown fields are rejected.
func Parse(data []byte) (*Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	return &d, nil
}

// LoadFile reads and parses a descriptor file.
func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	return Parse(data)
}
