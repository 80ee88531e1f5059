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
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

// =============================================================================
// Sequence helpers
// =============================================================================

// IndexOf returns the position of id in stages, or -1.
func IndexOf(stages []datatypes.StageInfo, id string) int {
	for i := range stages {
		if stages[i].ID == id {
			return i
		}
	}
	return -1
}

// NextStage returns the first uncompleted stage after currentID. If every
// later stage is complete it falls back to the first uncompleted stage
// anywhere in the sequence. ok is false when all stages are complete.
func NextStage(stages []datatypes.StageInfo, completed map[string]bool, currentID string) (datatypes.StageInfo, bool) {
	start := IndexOf(stages, currentID) + 1
	for i := start; i < len(stages); i++ {
		if !completed[stages[i].ID] {
			return stages[i], true
		}
	}
	for i := 0; i < start && i < len(stages); i++ {
		if !completed[stages[i].ID] {
			return stages[i], true
		}
	}
	return datatypes.StageInfo{}, false
}

// IsNextAvailable reports whether target is visible, uncompleted and every
// earlier stage is completed.
func IsNextAvailable(stages []datatypes.StageInfo, completed map[string]bool, target string) bool {
	idx := IndexOf(stages, target)
	if idx < 0 || completed[target] {
		return false
	}
	for i := 0; i < idx; i++ {
		if !completed[stages[i].ID] {
			return false
		}
	}
	return true
}

// Progress counts completed stages among the visible ones.
func Progress(stages []datatypes.StageInfo, completed map[string]bool) datatypes.Progress {
	done := 0
	for _, s := range stages {
		if completed[s.ID] {
			done++
		}
	}
	return datatypes.NewProgress(done, len(stages))
}

// Invalidated returns the completed, response-bearing stages strictly
// after target, in order. It is empty unless target precedes current.
//
// # Description
//
// Used before a backward jump. Passive stages (content display, video) are
// never returned because re-watching media protects no data.
//
// # Outputs
//
//   - []string: Invalidated stage ids. Empty when target is not before
//     current or either id is not in stages.
func Invalidated(stages []datatypes.StageInfo, completed map[string]bool, target, current string) []string {
	ti, ci := IndexOf(stages, target), IndexOf(stages, current)
	if ti < 0 || ci < 0 || ti >= ci {
		return nil
	}
	var out []string
	for i := ti + 1; i < len(stages); i++ {
		s := stages[i]
		if completed[s.ID] && !s.Type.IsPassive() {
			out = append(out, s.ID)
		}
	}
	return out
}

// =============================================================================
// Locks
// =============================================================================

// LockedItems computes the items sealed by allow_jump_to_completed=false.
//
// # Description
//
// A leaf is complete when its id is in completed. A group is complete when
// it has at least one visible leaf and every visible leaf under it is
// complete. A complete node is locked if it disallows returning or if its
// parent is locked. Arena pre-order guarantees parents are decided first.
func (g *Graph) LockedItems(stages []datatypes.StageInfo, completed map[string]bool) datatypes.LockedItems {
	visible := make(map[int32]bool, len(stages))
	for _, s := range stages {
		if i, ok := g.index[s.ID]; ok {
			visible[i] = true
		}
	}

	// Count visible and completed leaves per group, bottom-up via parents.
	total := make([]int, len(g.nodes))
	done := make([]int, len(g.nodes))
	for _, leaf := range g.leaves {
		if !visible[leaf] {
			continue
		}
		isDone := completed[g.nodes[leaf].ID]
		for p := g.nodes[leaf].Parent; p != NoIndex; p = g.nodes[p].Parent {
			total[p]++
			if isDone {
				done[p]++
			}
		}
	}

	locked := make([]bool, len(g.nodes))
	out := datatypes.LockedItems{
		Phases: []string{},
		Stages: []string{},
		Blocks: []string{},
		Tasks:  []string{},
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		var complete bool
		if n.IsLeaf() {
			complete = visible[int32(i)] && completed[n.ID]
		} else {
			complete = total[i] > 0 && done[i] == total[i]
		}
		if !complete {
			continue
		}
		if !n.AllowJumpToCompleted || (n.Parent != NoIndex && locked[n.Parent]) {
			locked[i] = true
			switch n.Level {
			case LevelPhase:
				out.Phases = append(out.Phases, n.ID)
			case LevelStage:
				out.Stages = append(out.Stages, n.ID)
			case LevelBlock:
				out.Blocks = append(out.Blocks, n.ID)
			case LevelTask:
				out.Tasks = append(out.Tasks, n.ID)
			}
		}
	}
	return out
}

// IsLocked reports whether stage id, or any of its ancestors, appears in
// locked. Ids unknown to the graph are checked directly.
func (g *Graph) IsLocked(locked datatypes.LockedItems, id string) bool {
	if locked.Contains(id) {
		return true
	}
	i, ok := g.index[id]
	if !ok {
		return false
	}
	for _, a := range g.Ancestors(i) {
		if locked.Contains(g.nodes[a].ID) {
			return true
		}
	}
	return false
}
