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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

func seq(types ...datatypes.StageType) []datatypes.StageInfo {
	out := make([]datatypes.StageInfo, len(types))
	for i, t := range types {
		out[i] = datatypes.StageInfo{ID: string(rune('a' + i)), Type: t, Position: i}
	}
	return out
}

func TestNextStage(t *testing.T) {
	stages := seq(datatypes.StageQuestionnaire, datatypes.StageQuestionnaire, datatypes.StageQuestionnaire, datatypes.StageQuestionnaire)

	next, ok := NextStage(stages, map[string]bool{"a": true}, "a")
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)

	next, ok = NextStage(stages, map[string]bool{"a": true, "b": true, "d": true}, "b")
	require.True(t, ok)
	assert.Equal(t, "c", next.ID)

	next, ok = NextStage(stages, map[string]bool{"b": true, "c": true, "d": true}, "d")
	require.True(t, ok)
	assert.Equal(t, "a", next.ID, "falls back to first uncompleted")

	_, ok = NextStage(stages, map[string]bool{"a": true, "b": true, "c": true, "d": true}, "d")
	assert.False(t, ok)
}

func TestIsNextAvailable(t *testing.T) {
	stages := seq(datatypes.StageQuestionnaire, datatypes.StageQuestionnaire, datatypes.StageQuestionnaire)
	completed := map[string]bool{"a": true}

	assert.True(t, IsNextAvailable(stages, completed, "b"))
	assert.False(t, IsNextAvailable(stages, completed, "c"), "b not done")
	assert.False(t, IsNextAvailable(stages, completed, "a"), "already completed")
	assert.False(t, IsNextAvailable(stages, completed, "zz"))
}

func TestProgress(t *testing.T) {
	stages := seq(datatypes.StageQuestionnaire, datatypes.StageQuestionnaire, datatypes.StageQuestionnaire)
	p := Progress(stages, map[string]bool{"a": true, "hidden": true})
	assert.Equal(t, 1, p.Current)
	assert.Equal(t, 3, p.Total)
	assert.InDelta(t, 33.3, p.Percentage, 0.001)
}

func TestInvalidated(t *testing.T) {
	stages := seq(
		datatypes.StageQuestionnaire,   // a
		datatypes.StageContentDisplay,  // b
		datatypes.StageMultipleChoice,  // c
		datatypes.StageVideoPlayer,     // d
		datatypes.StageLikertScale,     // e
	)
	completed := map[string]bool{"a": true, "b": true, "c": true, "d": true}

	assert.Equal(t, []string{"c"}, Invalidated(stages, completed, "a", "e"))
	assert.Empty(t, Invalidated(stages, completed, "c", "e"), "passive stages are never invalidated")
	assert.Empty(t, Invalidated(stages, completed, "e", "a"), "forward jump")
	assert.Empty(t, Invalidated(stages, completed, "c", "c"))
	assert.Empty(t, Invalidated(stages, completed, "missing", "e"))
}

// Every invalidated id lies strictly after the target, was completed and
// bears responses.
func TestInvalidated_Properties(t *testing.T) {
	types := []datatypes.StageType{
		datatypes.StageQuestionnaire,
		datatypes.StageContentDisplay,
		datatypes.StageVideoPlayer,
		datatypes.StageLikertScale,
	}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		picked := make([]datatypes.StageType, n)
		completed := map[string]bool{}
		for i := range picked {
			picked[i] = rapid.SampledFrom(types).Draw(rt, "type")
			if rapid.Bool().Draw(rt, "done") {
				completed[string(rune('a'+i))] = true
			}
		}
		stages := seq(picked...)
		j := rapid.IntRange(0, n-1).Draw(rt, "j")
		k := rapid.IntRange(0, n-1).Draw(rt, "k")

		got := Invalidated(stages, completed, stages[j].ID, stages[k].ID)
		if j >= k && len(got) > 0 {
			rt.Fatalf("non-backward jump invalidated %v", got)
		}
		prev := j
		for _, id := range got {
			i := IndexOf(stages, id)
			if i <= prev {
				rt.Fatalf("%s out of order or not after target", id)
			}
			prev = i
			if !completed[id] || stages[i].Type.IsPassive() {
				rt.Fatalf("%s should not be invalidated", id)
			}
		}
	})
}

// =============================================================================
// Locks
// =============================================================================

func TestLockedItems(t *testing.T) {
	yaml := `
meta: {id: x}
phases:
  - id: screening
    allow_jump_to_completed: false
    stages:
      - {id: consent, type: consent_form}
      - {id: demographics, type: questionnaire}
  - id: main
    stages:
      - id: survey
        blocks:
          - {id: q1, type: questionnaire, allow_jump_to_completed: false}
          - {id: q2, type: questionnaire}
`
	d, err := Parse([]byte(yaml))
	require.NoError(t, err)
	g, err := Build(d)
	require.NoError(t, err)

	res, err := NewResolver().Resolve(context.Background(), g, Input{})
	require.NoError(t, err)

	t.Run("incomplete phase is not locked", func(t *testing.T) {
		locked := g.LockedItems(res.Stages, map[string]bool{"consent": true})
		assert.True(t, locked.Empty())
		assert.False(t, g.IsLocked(locked, "consent"))
	})

	t.Run("completed sealed phase locks its descendants", func(t *testing.T) {
		locked := g.LockedItems(res.Stages, map[string]bool{"consent": true, "demographics": true})
		assert.Equal(t, []string{"screening"}, locked.Phases)
		assert.ElementsMatch(t, []string{"consent", "demographics"}, locked.Stages)
		assert.True(t, g.IsLocked(locked, "demographics"))
		assert.False(t, g.IsLocked(locked, "q2"))
	})

	t.Run("sealed leaf", func(t *testing.T) {
		locked := g.LockedItems(res.Stages, map[string]bool{"q1": true})
		assert.Equal(t, []string{"q1"}, locked.Blocks)
		assert.True(t, g.IsLocked(locked, "q1"))
		assert.False(t, g.IsLocked(locked, "q2"))
	})
}
