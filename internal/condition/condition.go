// Package condition evaluates association predicates: a JSON encoded tree of
// boolean combinators, comparisons and set membership over named operation
// parameters.
//
//	{"op":"and","args":[
//	    {"op":"eq","field":"tenant","value":"carbon.super"},
//	    {"op":"in","field":"roles","values":["admin","auditor"]}]}
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Op string

const (
	OpAnd    Op = "and"
	OpOr     Op = "or"
	OpNot    Op = "not"
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGe     Op = "ge"
	OpLt     Op = "lt"
	OpLe     Op = "le"
	OpIn     Op = "in"
	OpNotIn  Op = "not_in"
	OpExists Op = "exists"
)

var ErrTypeMismatch = errors.New("type mismatch")

type Expr struct {
	Op     Op     `json:"op"`
	Field  string `json:"field,omitempty"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
	Args   []Expr `json:"args,omitempty"`
}

// Parse decodes and validates an expression. A blank input yields a nil
// expression, which matches everything.
func Parse(raw string) (*Expr, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var e Expr
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the shape of the tree, not the parameter types.
func (e *Expr) Validate() error {
	switch e.Op {
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%s needs at least one argument", e.Op)
		}
	case OpNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("not needs exactly one argument")
		}
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
		if e.Field == "" {
			return fmt.Errorf("%s needs a field", e.Op)
		}
		if _, err := normalize(e.Value); err != nil {
			return fmt.Errorf("%s on %s: %w", e.Op, e.Field, err)
		}
	case OpIn, OpNotIn:
		if e.Field == "" {
			return fmt.Errorf("%s needs a field", e.Op)
		}
		if len(e.Values) == 0 {
			return fmt.Errorf("%s on %s needs values", e.Op, e.Field)
		}
		for _, v := range e.Values {
			if _, err := normalize(v); err != nil {
				return fmt.Errorf("%s on %s: %w", e.Op, e.Field, err)
			}
		}
	case OpExists:
		if e.Field == "" {
			return fmt.Errorf("exists needs a field")
		}
	default:
		return fmt.Errorf("unknown operator %q", e.Op)
	}
	for i := range e.Args {
		if err := e.Args[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs e against params. A nil expression is true. Every comparison
// on a missing field is false, ne and not_in included, so a condition never
// matches on a parameter the operation did not supply. Use not(exists) to
// match an absent field. Comparing values of different types is an error.
func Evaluate(e *Expr, params map[string]any) (bool, error) {
	if e == nil {
		return true, nil
	}
	switch e.Op {
	case OpAnd:
		for i := range e.Args {
			ok, err := Evaluate(&e.Args[i], params)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for i := range e.Args {
			ok, err := Evaluate(&e.Args[i], params)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(e.Args) != 1 {
			return false, fmt.Errorf("not needs exactly one argument")
		}
		ok, err := Evaluate(&e.Args[0], params)
		return !ok && err == nil, err
	case OpExists:
		_, found := lookup(params, e.Field)
		return found, nil
	}

	raw, found := lookup(params, e.Field)
	if !found {
		return false, nil
	}
	actual, err := normalize(raw)
	if err != nil {
		return false, fmt.Errorf("field %s: %w", e.Field, err)
	}

	switch e.Op {
	case OpEq, OpNe:
		want, err := normalize(e.Value)
		if err != nil {
			return false, err
		}
		eq, err := equal(actual, want)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", e.Field, err)
		}
		return eq == (e.Op == OpEq), nil
	case OpGt, OpGe, OpLt, OpLe:
		want, err := normalize(e.Value)
		if err != nil {
			return false, err
		}
		c, err := compare(actual, want)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", e.Field, err)
		}
		switch e.Op {
		case OpGt:
			return c > 0, nil
		case OpGe:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpIn, OpNotIn:
		in, err := member(actual, e.Values)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", e.Field, err)
		}
		return in == (e.Op == OpIn), nil
	}
	return false, fmt.Errorf("unknown operator %q", e.Op)
}

// lookup resolves a dotted path through nested maps.
func lookup(params map[string]any, path string) (any, bool) {
	var cur any = params
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// member reports whether actual (or, for a list, any element of it) is one
// of values. Values of another type never match.
func member(actual any, values []any) (bool, error) {
	candidates := []any{actual}
	if list, ok := actual.([]any); ok {
		candidates = list
	}
	for _, c := range candidates {
		for _, v := range values {
			want, err := normalize(v)
			if err != nil {
				return false, err
			}
			eq, err := equal(c, want)
			if err == nil && eq {
				return true, nil
			}
		}
	}
	return false, nil
}
