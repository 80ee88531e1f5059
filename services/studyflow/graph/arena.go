// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph flattens an experiment descriptor into the ordered list of
// stages a participant sees.
//
// # Description
//
// Build converts the nested descriptor into an arena: a flat slice of
// nodes addressed by int32 index, each holding its parent index, its child
// indices and the indices of its phase, stage and block ancestors. All
// traversal is iterative over those indices.
//
// Resolve walks the arena depth-first, evaluates visibility predicates,
// applies assignment rules at branch points and returns the visible leaf
// stages in order. Given the same seed, prior assignments and counter
// state, Resolve is deterministic.
//
// # Thread Safety
//
// A Graph is immutable after Build and safe for concurrent use. Resolver
// is safe for concurrent use if its Counter is.
package graph

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

var (
	// ErrEmptyMandatoryGroup indicates a required group resolved to no
	// visible children.
	ErrEmptyMandatoryGroup = errors.New("required group has no visible children")

	// ErrInvalidDescriptor indicates a structural problem found by Build.
	ErrInvalidDescriptor = errors.New("invalid experiment descriptor")

	// ErrUnknownNode indicates a lookup of an id not in the graph.
	ErrUnknownNode = errors.New("unknown node")
)

// ConfigError reports an authoring problem tied to one node. It is
// surfaced to the operator and never treated as a runtime participant
// error.
type ConfigError struct {
	NodeID string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error at %q: %s", e.NodeID, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Level is the hierarchy depth of a node.
type Level uint8

const (
	LevelPhase Level = iota
	LevelStage
	LevelBlock
	LevelTask
)

func (l Level) String() string {
	switch l {
	case LevelPhase:
		return "phase"
	case LevelStage:
		return "stage"
	case LevelBlock:
		return "block"
	case LevelTask:
		return "task"
	default:
		return "unknown"
	}
}

// NoIndex marks an absent parent or ancestor.
const NoIndex int32 = -1

// Node is one arena entry.
type Node struct {
	ID    string
	Level Level
	Type  datatypes.StageType
	Label string

	Parent   int32
	Children []int32

	// Ancestor indices at each level, or NoIndex. A node's own level
	// points at itself.
	Phase, Stage, Block int32

	Visibility           string
	Rules                *RuleSpec
	CollapsedByDefault   bool
	ShowInSidebar        bool
	AllowJumpToCompleted bool
	Reference            bool
	Required             bool
	Quota                *QuotaSpec
	Metadata             map[string]any
	Config               map[string]any
}

// IsLeaf reports whether the node is a renderable stage.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Graph is the immutable arena built from a Descriptor.
type Graph struct {
	ExperimentID string
	ShellConfig  map[string]any
	Debug        bool

	nodes  []Node
	index  map[string]int32
	roots  []int32
	leaves []int32
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// At returns the node at index i.
func (g *Graph) At(i int32) *Node { return &g.nodes[i] }

// Index returns the arena index of id.
func (g *Graph) Index(id string) (int32, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// Roots returns the phase indices in descriptor order.
func (g *Graph) Roots() []int32 { return g.roots }

// Leaves returns every leaf index in descriptor order.
func (g *Graph) Leaves() []int32 { return g.leaves }

// Ancestors returns the phase, stage and block ancestors of node i,
// outermost first, excluding i itself.
func (g *Graph) Ancestors(i int32) []int32 {
	n := &g.nodes[i]
	out := make([]int32, 0, 3)
	for _, a := range [...]int32{n.Phase, n.Stage, n.Block} {
		if a != NoIndex && a != i {
			out = append(out, a)
		}
	}
	return out
}

// StageType returns the type of leaf id, or "" if unknown.
func (g *Graph) StageType(id string) datatypes.StageType {
	if n, ok := g.Node(id); ok {
		return n.Type
	}
	return ""
}

// =============================================================================
// Build
// =============================================================================

type buildFrame struct {
	spec   *NodeSpec
	level  Level
	parent int32
}

// Build validates d and lays it out as an arena.
//
// # Description
//
// Nodes are appended in pre-order, so a parent always has a lower index
// than its children. The walk uses an explicit stack.
//
// # Outputs
//
//   - *Graph: The arena.
//   - error: A *ConfigError wrapping ErrInvalidDescriptor for duplicate or
//     empty ids, typeless leaves, children at the wrong level, unknown
//     orderings or strategies, and weights naming unknown children.
func Build(d *Descriptor) (*Graph, error) {
	if d == nil {
		return nil, &ConfigError{Reason: "nil descriptor", Err: ErrInvalidDescriptor}
	}
	if len(d.Phases) == 0 {
		return nil, &ConfigError{NodeID: d.Meta.ID, Reason: "experiment has no phases", Err: ErrInvalidDescriptor}
	}

	g := &Graph{
		ExperimentID: d.Meta.ID,
		ShellConfig:  d.ShellConfig,
		Debug:        d.Meta.Debug,
		index:        make(map[string]int32),
	}

	stack := make([]buildFrame, 0, len(d.Phases))
	for i := len(d.Phases) - 1; i >= 0; i-- {
		stack = append(stack, buildFrame{spec: &d.Phases[i], level: LevelPhase, parent: NoIndex})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx, err := g.add(f)
		if err != nil {
			return nil, err
		}

		children, err := childSpecs(f.spec, f.level)
		if err != nil {
			return nil, err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, buildFrame{spec: &children[i], level: f.level + 1, parent: idx})
		}
	}

	for i := range g.nodes {
		n := &g.nodes[i]
		if n.IsLeaf() {
			if n.Type == "" {
				return nil, &ConfigError{NodeID: n.ID, Reason: n.Level.String() + " has no children and no type", Err: ErrInvalidDescriptor}
			}
			g.leaves = append(g.leaves, int32(i))
		}
		if err := g.validateRules(int32(i)); err != nil {
			return nil, err
		}
		if err := g.validateQuota(n); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) validateQuota(n *Node) error {
	q := n.Quota
	if q == nil {
		return nil
	}
	if !n.IsLeaf() {
		return &ConfigError{NodeID: n.ID, Reason: "quota on a non-leaf item", Err: ErrInvalidDescriptor}
	}
	if q.Limit < 1 {
		return &ConfigError{NodeID: n.ID, Reason: "quota limit must be positive", Err: ErrInvalidDescriptor}
	}
	switch q.Strategy {
	case "", QuotaSkipIfFull, QuotaReject:
	default:
		return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("unknown quota strategy %q", q.Strategy), Err: ErrInvalidDescriptor}
	}
	if q.FallbackStage != "" {
		i, ok := g.index[q.FallbackStage]
		if !ok || !g.nodes[i].IsLeaf() {
			return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("quota fallback %q is not a stage", q.FallbackStage), Err: ErrInvalidDescriptor}
		}
	}
	return nil
}

func (g *Graph) add(f buildFrame) (int32, error) {
	s := f.spec
	if s.ID == "" {
		return 0, &ConfigError{Reason: f.level.String() + " with empty id", Err: ErrInvalidDescriptor}
	}
	if _, dup := g.index[s.ID]; dup {
		return 0, &ConfigError{NodeID: s.ID, Reason: "duplicate id", Err: ErrInvalidDescriptor}
	}

	idx := int32(len(g.nodes))
	n := Node{
		ID:                   s.ID,
		Level:                f.level,
		Type:                 s.Type,
		Label:                s.Label,
		Parent:               f.parent,
		Phase:                NoIndex,
		Stage:                NoIndex,
		Block:                NoIndex,
		Visibility:           s.VisibilityRule,
		Rules:                s.Rules,
		CollapsedByDefault:   s.UISettings.CollapsedByDefault,
		ShowInSidebar:        s.UISettings.ShowInSidebar == nil || *s.UISettings.ShowInSidebar,
		AllowJumpToCompleted: s.AllowJumpToCompleted == nil || *s.AllowJumpToCompleted,
		Reference:            s.Reference,
		Required:             s.Required,
		Quota:                s.Quota,
		Metadata:             s.Metadata,
		Config:               s.Config,
	}
	if s.UISettings.Label != "" {
		n.Label = s.UISettings.Label
	}
	if n.Label == "" {
		n.Label = s.ID
	}
	if s.Rules != nil && s.Rules.Visibility != "" {
		n.Visibility = s.Rules.Visibility
	}

	if f.parent != NoIndex {
		p := &g.nodes[f.parent]
		p.Children = append(p.Children, idx)
		n.Phase, n.Stage, n.Block = p.Phase, p.Stage, p.Block
	}
	switch f.level {
	case LevelPhase:
		n.Phase = idx
	case LevelStage:
		n.Stage = idx
	case LevelBlock:
		n.Block = idx
	}

	g.nodes = append(g.nodes, n)
	g.index[s.ID] = idx
	if f.parent == NoIndex {
		g.roots = append(g.roots, idx)
	}
	return idx, nil
}

func childSpecs(s *NodeSpec, level Level) ([]NodeSpec, error) {
	var want []NodeSpec
	var others int
	switch level {
	case LevelPhase:
		want, others = s.Stages, len(s.Blocks)+len(s.Tasks)
	case LevelStage:
		want, others = s.Blocks, len(s.Stages)+len(s.Tasks)
	case LevelBlock:
		want, others = s.Tasks, len(s.Stages)+len(s.Blocks)
	default:
		others = len(s.Stages) + len(s.Blocks) + len(s.Tasks)
	}
	if others > 0 {
		return nil, &ConfigError{NodeID: s.ID, Reason: "children declared at the wrong level for a " + level.String(), Err: ErrInvalidDescriptor}
	}
	return want, nil
}

func (g *Graph) validateRules(i int32) error {
	n := &g.nodes[i]
	r := n.Rules
	if r == nil {
		return nil
	}
	switch r.Ordering {
	case "", OrderSequential, OrderRandomized, OrderBalanced, OrderWeighted, OrderLatinSquare:
	default:
		return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("unknown ordering %q", r.Ordering), Err: ErrInvalidDescriptor}
	}
	switch r.PickStrategy {
	case "", PickRandom, PickRoundRobin, PickWeightedRandom:
	default:
		return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("unknown pick strategy %q", r.PickStrategy), Err: ErrInvalidDescriptor}
	}
	switch r.BalanceOn {
	case "", BalanceStarted, BalanceCompleted:
	default:
		return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("unknown balance_on %q", r.BalanceOn), Err: ErrInvalidDescriptor}
	}
	if r.PickCount < 0 {
		return &ConfigError{NodeID: n.ID, Reason: "pick_count must not be negative", Err: ErrInvalidDescriptor}
	}

	childIDs := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		childIDs[g.nodes[c].ID] = true
	}
	for _, w := range append(append([]Weight(nil), r.Weights...), r.PickWeights...) {
		if !childIDs[w.ID] {
			return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("weight references unknown child %q", w.ID), Err: ErrInvalidDescriptor}
		}
		if w.Value < 0 {
			return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("negative weight for %q", w.ID), Err: ErrInvalidDescriptor}
		}
	}
	for _, c := range r.PickConditions {
		if c.Operator != "" && c.Operator != "in" && c.Operator != "not_in" {
			return &ConfigError{NodeID: n.ID, Reason: fmt.Sprintf("unknown pick condition operator %q", c.Operator), Err: ErrInvalidDescriptor}
		}
	}
	return nil
}
