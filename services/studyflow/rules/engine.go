// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules evaluates visibility predicates attached to stage graph
// nodes.
//
// # Description
//
// A predicate is a short boolean expression authored in the experiment
// descriptor, for example:
//
//	session.consent.agree == true AND url_params.group in ['a', 'b']
//	NOT (participant.age < 18) || scores.pretest >= 7
//	session.hobbies contains 'music'
//
// Supported operators are == != > < >= <=, AND/OR/NOT (also && || !),
// parentheses, in, not_in and contains. Inline lists use brackets.
// Comparisons coerce numeric strings to numbers and compare other values
// case-insensitively.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Compiled expressions are cached.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrSyntax indicates a predicate that could not be parsed.
	ErrSyntax = errors.New("rules: syntax error")

	// ErrUnknownOperator indicates an operator the evaluator does not know.
	ErrUnknownOperator = errors.New("rules: unknown operator")
)

// Expr is a compiled predicate.
type Expr struct {
	src  string
	root exprNode
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the predicate against c.
func (e *Expr) Eval(c *Context) (bool, error) {
	v, err := e.root.eval(c)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Compile parses src into an Expr without caching.
func Compile(src string) (*Expr, error) {
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Expr{src: src, root: root}, nil
}

// Engine compiles and caches predicates.
type Engine struct {
	mu     sync.RWMutex
	cache  map[string]*Expr
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger uses slog.Default().
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cache: make(map[string]*Expr), logger: logger}
}

// Compile returns the cached Expr for src, compiling it on first use.
func (e *Engine) Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	e.mu.RLock()
	expr, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := Compile(src)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[src] = expr
	e.mu.Unlock()
	return expr, nil
}

// Evaluate compiles and evaluates src. An empty src is true.
func (e *Engine) Evaluate(src string, c *Context) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return true, nil
	}
	expr, err := e.Compile(src)
	if err != nil {
		return false, err
	}
	return expr.Eval(c)
}

// Visible evaluates src and treats any error as visible.
//
// # Description
//
// A broken predicate must not hide content from a participant mid-study,
// so compile or evaluation errors are logged and the node is shown.
func (e *Engine) Visible(src string, c *Context) bool {
	ok, err := e.Evaluate(src, c)
	if err != nil {
		e.logger.Warn("visibility rule failed, defaulting to visible",
			slog.String("rule", src),
			slog.String("error", err.Error()))
		return true
	}
	return ok
}
