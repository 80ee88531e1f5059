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

// Grammar, lowest precedence first:
//
//	or      := and (OR and)*
//	and     := unary (AND unary)*
//	unary   := NOT unary | compare
//	compare := operand ((CMP | IN | NOT_IN | CONTAINS) operand)?
//	operand := '(' or ')' | '[' list ']' | literal | path

type exprNode interface {
	eval(c *Context) (any, error)
}

type (
	orNode  struct{ left, right exprNode }
	andNode struct{ left, right exprNode }
	notNode struct{ inner exprNode }
	cmpNode struct {
		op          string
		left, right exprNode
	}
	memberNode struct {
		kind        tokenKind
		left, right exprNode
	}
	literalNode struct{ value any }
	listNode    struct{ items []exprNode }
	pathNode    struct{ segments []string }
)

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (exprNode, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (exprNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch t := p.peek(); t.kind {
	case tokCompare:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: t.text, left: left, right: right}, nil
	case tokIn, tokNotIn, tokContains:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &memberNode{kind: t.kind, left: left, right: right}, nil
	case tokNot:
		// "x not in [..]" spelled with a space.
		if p.toks[p.pos+1].kind == tokIn {
			p.next()
			p.next()
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &memberNode{kind: tokNotIn, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseOperand() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' for '(' at %d", ErrSyntax, t.pos)
		}
		return inner, nil
	case tokLBrack:
		list := &listNode{}
		if p.peek().kind == tokRBrack {
			p.next()
			return list, nil
		}
		for {
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list.items = append(list.items, item)
			switch p.next().kind {
			case tokComma:
				continue
			case tokRBrack:
				return list, nil
			default:
				return nil, fmt.Errorf("%w: malformed list at %d", ErrSyntax, t.pos)
			}
		}
	case tokString:
		return &literalNode{t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, t.text)
		}
		return &literalNode{f}, nil
	case tokTrue:
		return &literalNode{true}, nil
	case tokFalse:
		return &literalNode{false}, nil
	case tokNull:
		return &literalNode{nil}, nil
	case tokIdent:
		return &pathNode{segments: strings.Split(t.text, ".")}, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
}
