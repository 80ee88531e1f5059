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
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
)

// pickAccumulator collects metadata values of children picked so far in a
// session, keyed by metadata variable.
type pickAccumulator map[string][]any

func (a pickAccumulator) add(meta map[string]any) {
	for k, v := range meta {
		a[k] = append(a[k], v)
	}
}

func (a pickAccumulator) allows(meta map[string]any, conds []PickCondition) bool {
	for _, c := range conds {
		seen := a[c.Variable]
		if len(seen) == 0 {
			continue
		}
		v := meta[c.Variable]
		found := false
		for _, s := range seen {
			if fmt.Sprint(s) == fmt.Sprint(v) {
				found = true
				break
			}
		}
		if c.Operator == "in" && !found {
			return false
		}
		if c.Operator != "in" && found {
			return false
		}
	}
	return true
}

// groupRNG derives an independent stream per group so that one group's
// draws do not shift when another group's visibility changes.
func groupRNG(seed int64, groupID string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(groupID))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}

// records reports whether a group's rule produces an Assignment.
func records(r *RuleSpec) bool {
	if r == nil {
		return false
	}
	return (r.Ordering != "" && r.Ordering != OrderSequential) || r.PickCount > 0
}

func encodeAssignment(g *Graph, idx []int32) string {
	ids := make([]string, len(idx))
	for i, c := range idx {
		ids[i] = g.nodes[c].ID
	}
	return strings.Join(ids, ",")
}

// decodeAssignment maps a stored assignment back to child indices of n,
// dropping ids that are no longer children.
func decodeAssignment(g *Graph, n *Node, value string) []int32 {
	children := make(map[string]int32, len(n.Children))
	for _, c := range n.Children {
		children[g.nodes[c].ID] = c
	}
	var out []int32
	for _, id := range strings.Split(value, ",") {
		if c, ok := children[strings.TrimSpace(id)]; ok {
			out = append(out, c)
		}
	}
	return out
}

func filterVisible(idx []int32, visible map[int32]bool) []int32 {
	out := make([]int32, 0, len(idx))
	for _, c := range idx {
		if visible[c] {
			out = append(out, c)
		}
	}
	return out
}

// assign chooses and orders the children of group n.
//
// # Inputs
//
//   - visible: Children of n whose predicates passed, in descriptor order.
//
// # Outputs
//
//   - []int32: Selected visible children in display order.
//   - string: The new assignment value to record, or "" when none.
//   - error: Counter failures.
//
// # Limitations
//
//   - Full-order modes (randomized, latin_square) arrange every child so a
//     later-visible child keeps a stable slot. Selection modes (balanced,
//     weighted, pick_count) choose among visible children only.
func (r *Resolver) assign(
	ctx context.Context,
	g *Graph,
	n *Node,
	visible []int32,
	seed int64,
	assignments map[string]string,
	acc pickAccumulator,
) ([]int32, string, error) {
	rule := n.Rules
	if !records(rule) {
		return visible, "", nil
	}

	visSet := make(map[int32]bool, len(visible))
	for _, c := range visible {
		visSet[c] = true
	}

	if prior, ok := assignments[n.ID]; ok && prior != "" {
		selected := filterVisible(decodeAssignment(g, n, prior), visSet)
		if rule.PickCount > 0 {
			for _, c := range selected {
				acc.add(g.nodes[c].Metadata)
			}
		}
		return selected, "", nil
	}

	rng := groupRNG(seed, n.ID)
	var stored, selected []int32

	switch rule.Ordering {
	case OrderRandomized:
		stored = shuffled(n.Children, rng)
		selected = filterVisible(stored, visSet)
	case OrderLatinSquare:
		pos, err := r.position(ctx, rotationKey(n.ID, "latin"), rng)
		if err != nil {
			return nil, "", err
		}
		stored = rotate(n.Children, pos)
		selected = filterVisible(stored, visSet)
	case OrderBalanced:
		pick, err := r.balanced(ctx, g, n, visible, rng)
		if err != nil {
			return nil, "", err
		}
		if pick != NoIndex {
			stored = []int32{pick}
		}
		selected = stored
	case OrderWeighted:
		if pick := weightedDraw(g, visible, rule.Weights, rng); pick != NoIndex {
			stored = []int32{pick}
		}
		selected = stored
	default:
		selected = visible
		stored = visible
	}

	if rule.PickCount > 0 && rule.Ordering != OrderBalanced && rule.Ordering != OrderWeighted {
		picks, err := r.pick(ctx, g, n, selected, rng, acc)
		if err != nil {
			return nil, "", err
		}
		stored, selected = picks, picks
		for _, c := range picks {
			acc.add(g.nodes[c].Metadata)
		}
	}

	return selected, encodeAssignment(g, stored), nil
}

func (r *Resolver) balanced(ctx context.Context, g *Graph, n *Node, visible []int32, rng *rand.Rand) (int32, error) {
	if len(visible) == 0 {
		return NoIndex, nil
	}
	order := shuffled(visible, rng)
	key := BalanceKey(n.ID, n.Rules.BalanceOn)

	counts := map[string]int64{}
	if r.counter != nil {
		ids := make([]string, len(order))
		for i, c := range order {
			ids[i] = g.nodes[c].ID
		}
		var err error
		if counts, err = r.counter.Counts(ctx, key, ids); err != nil {
			return NoIndex, fmt.Errorf("balanced counts for %s: %w", n.ID, err)
		}
	}

	best := order[0]
	for _, c := range order[1:] {
		if counts[g.nodes[c].ID] < counts[g.nodes[best].ID] {
			best = c
		}
	}

	if r.counter != nil && n.Rules.BalanceOn != BalanceCompleted {
		if err := r.counter.Record(ctx, key, g.nodes[best].ID); err != nil {
			return NoIndex, fmt.Errorf("record balanced pick for %s: %w", n.ID, err)
		}
	}
	return best, nil
}

func (r *Resolver) pick(ctx context.Context, g *Graph, n *Node, ordered []int32, rng *rand.Rand, acc pickAccumulator) ([]int32, error) {
	rule := n.Rules
	avail := make([]int32, 0, len(ordered))
	for _, c := range ordered {
		if acc.allows(g.nodes[c].Metadata, rule.PickConditions) {
			avail = append(avail, c)
		}
	}
	k := min(rule.PickCount, len(avail))
	if k == 0 {
		return nil, nil
	}

	switch rule.PickStrategy {
	case PickRoundRobin:
		pos, err := r.position(ctx, rotationKey(n.ID, "pick"), rng)
		if err != nil {
			return nil, err
		}
		return rotate(avail, pos)[:k], nil
	case PickWeightedRandom:
		return weightedSample(g, avail, rule.PickWeights, k, rng), nil
	default:
		return shuffled(avail, rng)[:k], nil
	}
}

// position returns a rotating index from the Counter, or a seeded value
// when no Counter is configured.
func (r *Resolver) position(ctx context.Context, key string, rng *rand.Rand) (int64, error) {
	if r.counter == nil {
		return rng.Int64N(1 << 31), nil
	}
	p, err := r.counter.Next(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("rotation position %s: %w", key, err)
	}
	return p, nil
}

func shuffled(idx []int32, rng *rand.Rand) []int32 {
	out := append([]int32(nil), idx...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// rotate returns row pos of the cyclic latin square over idx.
func rotate(idx []int32, pos int64) []int32 {
	n := len(idx)
	if n == 0 {
		return nil
	}
	start := int(pos % int64(n))
	out := make([]int32, n)
	for j := range n {
		out[j] = idx[(start+j)%n]
	}
	return out
}

func weightOf(g *Graph, c int32, weights []Weight) int {
	id := g.nodes[c].ID
	for _, w := range weights {
		if w.ID == id {
			return w.Value
		}
	}
	return 1
}

// weightedDraw rolls 1..total and walks cumulative weights. Zero-weight
// children are never drawn unless every weight is zero.
func weightedDraw(g *Graph, cands []int32, weights []Weight, rng *rand.Rand) int32 {
	if len(cands) == 0 {
		return NoIndex
	}
	total := 0
	for _, c := range cands {
		total += weightOf(g, c, weights)
	}
	if total == 0 {
		return cands[rng.IntN(len(cands))]
	}
	roll := rng.IntN(total) + 1
	cum := 0
	for _, c := range cands {
		cum += weightOf(g, c, weights)
		if roll <= cum {
			return c
		}
	}
	return cands[len(cands)-1]
}

func weightedSample(g *Graph, cands []int32, weights []Weight, k int, rng *rand.Rand) []int32 {
	pool := append([]int32(nil), cands...)
	out := make([]int32, 0, k)
	for len(out) < k && len(pool) > 0 {
		c := weightedDraw(g, pool, weights, rng)
		out = append(out, c)
		for i, p := range pool {
			if p == c {
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return out
}
