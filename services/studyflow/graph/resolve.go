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
	"context"
	"log/slog"
	"maps"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/rules"
)

// Resolver turns a Graph into the visible stage sequence of a session.
type Resolver struct {
	engine  *rules.Engine
	counter Counter
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCounter sets the cross-participant tally store used by balanced,
// round-robin and latin-square rules. Without one, those rules fall back
// to seeded draws.
func WithCounter(c Counter) Option { return func(r *Resolver) { r.counter = c } }

// WithEngine sets the predicate engine.
func WithEngine(e *rules.Engine) Option { return func(r *Resolver) { r.engine = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.engine == nil {
		r.engine = rules.NewEngine(r.logger)
	}
	return r
}

// Input is everything a resolution depends on. It is not mutated.
type Input struct {
	Seed        int64
	Assignments map[string]string
	StageData   map[string]map[string]any
	URLParams   map[string]string
	Participant map[string]any
	Scores      map[string]any
	Environment map[string]any
}

// Resolution is the resolver output.
type Resolution struct {
	// Stages are the visible leaves in order.
	Stages []datatypes.StageInfo

	// Assignments holds prior plus newly recorded assignments.
	Assignments map[string]string

	// Added holds only the assignments recorded by this call.
	Added map[string]string
}

type resolveFrame struct {
	idx     int32
	checked bool // visibility already evaluated by the parent
}

// Resolve computes the visible stage sequence.
//
// # Description
//
// Walks the arena depth-first with an explicit stack. A hidden group is
// skipped with its whole subtree. At a group with an assignment rule that
// has no prior assignment, children are chosen and the assignment is
// recorded before descending, so predicates lower in the tree can read
// assignments.<group>. Hidden children never consume a selection slot.
//
// # Inputs
//
//   - ctx: Context for Counter calls.
//   - g: The graph. Must not be nil.
//   - in: Seed, prior assignments and predicate context.
//
// # Outputs
//
//   - *Resolution: Visible stages and assignments.
//   - error: A *ConfigError wrapping ErrEmptyMandatoryGroup when a required
//     group has no visible children, or a Counter error.
func (r *Resolver) Resolve(ctx context.Context, g *Graph, in Input) (*Resolution, error) {
	assignments := make(map[string]string, len(in.Assignments))
	maps.Copy(assignments, in.Assignments)
	added := make(map[string]string)

	rc := &rules.Context{
		StageData:   in.StageData,
		Assignments: assignments,
		URLParams:   in.URLParams,
		Participant: in.Participant,
		Scores:      in.Scores,
		Environment: in.Environment,
	}
	acc := pickAccumulator{}

	stages := make([]datatypes.StageInfo, 0, len(g.leaves))
	stack := make([]resolveFrame, 0, len(g.roots))
	for i := len(g.roots) - 1; i >= 0; i-- {
		stack = append(stack, resolveFrame{idx: g.roots[i]})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &g.nodes[f.idx]

		if !f.checked && !r.engine.Visible(n.Visibility, rc) {
			continue
		}

		if n.IsLeaf() {
			stages = append(stages, g.stageInfo(f.idx, len(stages)))
			continue
		}

		visible := make([]int32, 0, len(n.Children))
		for _, c := range n.Children {
			if r.engine.Visible(g.nodes[c].Visibility, rc) {
				visible = append(visible, c)
			}
		}

		selected, value, err := r.assign(ctx, g, n, visible, in.Seed, assignments, acc)
		if err != nil {
			return nil, err
		}
		if value != "" {
			assignments[n.ID] = value
			added[n.ID] = value
			r.logger.Debug("assignment recorded",
				slog.String("group", n.ID),
				slog.String("value", value))
		}

		if n.Required && len(selected) == 0 {
			return nil, &ConfigError{
				NodeID: n.ID,
				Reason: n.Level.String() + " is required but resolved to no visible children",
				Err:    ErrEmptyMandatoryGroup,
			}
		}

		for i := len(selected) - 1; i >= 0; i-- {
			stack = append(stack, resolveFrame{idx: selected[i], checked: true})
		}
	}

	return &Resolution{Stages: stages, Assignments: assignments, Added: added}, nil
}

func (g *Graph) stageInfo(i int32, position int) datatypes.StageInfo {
	n := &g.nodes[i]
	info := datatypes.StageInfo{
		ID:                 n.ID,
		Type:               n.Type,
		Label:              n.Label,
		CollapsedByDefault: n.CollapsedByDefault,
		ShowInSidebar:      n.ShowInSidebar,
		Reference:          n.Reference,
		Position:           position,
		Config:             n.Config,
	}
	for _, a := range g.Ancestors(i) {
		an := &g.nodes[a]
		switch an.Level {
		case LevelPhase:
			info.PhaseID, info.PhaseLabel = an.ID, an.Label
		case LevelStage:
			info.StageID, info.StageLabel = an.ID, an.Label
		case LevelBlock:
			info.BlockID, info.BlockLabel = an.ID, an.Label
		}
	}
	return info
}
