// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the read-only data a predicate is evaluated against.
//
// Paths resolve by their first segment:
//
//	session.<stage>.<field>, responses.<stage>.<field>  -> StageData
//	url_params.<key>, url.<key>                         -> URLParams
//	participant.<key>...                                -> Participant
//	scores.<key>...                                     -> Scores
//	assignments.<group>                                 -> Assignments
//	environment.<key>..., env.<key>...                  -> Environment
//	<stage>.<field>                                     -> StageData (fallback)
//
// Unknown paths evaluate to nil.
type Context struct {
	StageData   map[string]map[string]any
	Assignments map[string]string
	URLParams   map[string]string
	Participant map[string]any
	Scores      map[string]any
	Environment map[string]any
}

// Lookup resolves a dotted path such as "session.demographics.age".
func (c *Context) Lookup(path string) any {
	return c.lookup(strings.Split(path, "."))
}

func (c *Context) lookup(segs []string) any {
	if c == nil || len(segs) == 0 {
		return nil
	}
	rest := segs[1:]
	switch strings.ToLower(segs[0]) {
	case "session", "responses":
		return c.stageLookup(rest)
	case "url_params", "url":
		if len(rest) == 0 {
			return stringMapToAny(c.URLParams)
		}
		v, ok := c.URLParams[rest[0]]
		if !ok {
			return nil
		}
		return v
	case "participant":
		return walk(c.Participant, rest)
	case "scores":
		return walk(c.Scores, rest)
	case "environment", "env":
		return walk(c.Environment, rest)
	case "assignments":
		if len(rest) == 0 {
			return stringMapToAny(c.Assignments)
		}
		v, ok := c.Assignments[strings.Join(rest, ".")]
		if !ok {
			return nil
		}
		return v
	}
	if _, ok := c.StageData[segs[0]]; ok {
		return c.stageLookup(segs)
	}
	return nil
}

func (c *Context) stageLookup(segs []string) any {
	if len(segs) == 0 {
		return nil
	}
	data, ok := c.StageData[segs[0]]
	if !ok {
		return nil
	}
	return walk(data, segs[1:])
}

func walk(m map[string]any, segs []string) any {
	if m == nil {
		return nil
	}
	var cur any = m
	for _, s := range segs {
		switch v := cur.(type) {
		case map[string]any:
			cur = v[s]
		case map[string]string:
			val, ok := v[s]
			if !ok {
				return nil
			}
			cur = val
		default:
			return nil
		}
	}
	return cur
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// Node evaluation
// =============================================================================

func (n *orNode) eval(c *Context) (any, error) {
	l, err := n.left.eval(c)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(c)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (n *andNode) eval(c *Context) (any, error) {
	l, err := n.left.eval(c)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(c)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (n *notNode) eval(c *Context) (any, error) {
	v, err := n.inner.eval(c)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (n *literalNode) eval(*Context) (any, error) { return n.value, nil }

func (n *pathNode) eval(c *Context) (any, error) { return c.lookup(n.segments), nil }

func (n *listNode) eval(c *Context) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *cmpNode) eval(c *Context) (any, error) {
	l, err := n.left.eval(c)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(c)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

func (n *memberNode) eval(c *Context) (any, error) {
	l, err := n.left.eval(c)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(c)
	if err != nil {
		return nil, err
	}
	switch n.kind {
	case tokIn:
		return contains(r, l), nil
	case tokNotIn:
		return !contains(r, l), nil
	default:
		return contains(l, r), nil
	}
}

// =============================================================================
// Value semantics
// =============================================================================

// compare applies op with numeric coercion when both sides are numeric and
// case-insensitive comparison for everything else. nil only equals nil.
func compare(op string, l, r any) (bool, error) {
	if lf, lok := toNumber(l); lok {
		if rf, rok := toNumber(r); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case ">":
				return lf > rf, nil
			case "<":
				return lf < rf, nil
			case ">=":
				return lf >= rf, nil
			case "<=":
				return lf <= rf, nil
			}
			return false, fmt.Errorf("%w: %s", ErrUnknownOperator, op)
		}
	}

	switch op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case ">", "<", ">=", "<=":
		if l == nil || r == nil {
			return false, nil
		}
		ls, rs := strings.ToLower(toString(l)), strings.ToLower(toString(r))
		switch op {
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		default:
			return ls <= rs, nil
		}
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownOperator, op)
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toNumber(l); ok {
		if rf, ok := toNumber(r); ok {
			return lf == rf
		}
	}
	return strings.EqualFold(toString(l), toString(r))
}

// contains reports whether haystack holds needle. Lists match any element,
// strings match case-insensitive substrings, maps match keys.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case nil:
		return false
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[toString(needle)]
		return ok
	case string:
		if needle == nil {
			return false
		}
		return strings.Contains(strings.ToLower(h), strings.ToLower(toString(needle)))
	default:
		return equal(h, needle)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0"
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
