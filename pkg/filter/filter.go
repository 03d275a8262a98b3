// Package filter implements the small boolean predicate language used by
// trigger version filters and step filters, e.g.
//
//	number >= 16 and not is_major
//	build_type in ['normal', 'rebuild'] or trigger == 'nightly'
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Attrs are the named values a predicate is evaluated against.
type Attrs map[string]any

// Expr is a parsed predicate.
type Expr interface {
	Eval(attrs Attrs) (bool, error)
	String() string
}

// ErrUnknownAttr is returned when a predicate references an attribute that
// is absent from the evaluated Attrs.
var ErrUnknownAttr = errors.New("unknown attribute")

// Parse compiles src. An empty (or blank) source matches everything.
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return always{}, nil
	}

	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}

	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}

	return e, nil
}

// Match parses and evaluates src in one go.
func Match(src string, attrs Attrs) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}

	return e.Eval(attrs)
}

type always struct{}

func (always) Eval(Attrs) (bool, error) { return true, nil }
func (always) String() string          { return "true" }

type binary struct {
	and         bool
	left, right Expr
}

func (b *binary) Eval(attrs Attrs) (bool, error) {
	l, err := b.left.Eval(attrs)
	if err != nil {
		return false, err
	}

	// Short-circuit.
	if b.and && !l {
		return false, nil
	}

	if !b.and && l {
		return true, nil
	}

	return b.right.Eval(attrs)
}

func (b *binary) String() string {
	op := "or"
	if b.and {
		op = "and"
	}

	return fmt.Sprintf("(%s %s %s)", b.left, op, b.right)
}

type negation struct {
	inner Expr
}

func (n *negation) Eval(attrs Attrs) (bool, error) {
	v, err := n.inner.Eval(attrs)
	if err != nil {
		return false, err
	}

	return !v, nil
}

func (n *negation) String() string { return "not " + n.inner.String() }

// operand is a literal, a list of literals or an attribute reference.
type operand struct {
	attr  string
	value any
	list  []operand
	isLst bool
}

func (o operand) resolve(attrs Attrs) (any, error) {
	if o.attr == "" {
		return o.value, nil
	}

	v, ok := attrs[o.attr]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAttr, o.attr)
	}

	return normalize(v), nil
}

func (o operand) String() string {
	switch {
	case o.attr != "":
		return o.attr
	case o.isLst:
		parts := make([]string, 0, len(o.list))
		for _, item := range o.list {
			parts = append(parts, item.String())
		}

		return "[" + strings.Join(parts, ", ") + "]"
	default:
		if s, ok := o.value.(string); ok {
			return strconv.Quote(s)
		}

		return fmt.Sprint(o.value)
	}
}

// truth evaluates a lone operand as a boolean.
type truth struct {
	op operand
}

func (t *truth) Eval(attrs Attrs) (bool, error) {
	v, err := t.op.resolve(attrs)
	if err != nil {
		return false, err
	}

	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		return x != "", nil
	case float64:
		return x != 0, nil
	default:
		return false, fmt.Errorf("cannot use %T as boolean", v)
	}
}

func (t *truth) String() string { return t.op.String() }

type comparison struct {
	op          string
	left, right operand
}

func (c *comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.left, c.op, c.right)
}

func (c *comparison) Eval(attrs Attrs) (bool, error) {
	l, err := c.left.resolve(attrs)
	if err != nil {
		return false, err
	}

	if c.op == "in" || c.op == "not in" {
		found := false

		for _, item := range c.right.list {
			v, err := item.resolve(attrs)
			if err != nil {
				return false, err
			}

			if cmp, ok := compare(l, v); ok && cmp == 0 {
				found = true

				break
			}
		}

		return found == (c.op == "in"), nil
	}

	r, err := c.right.resolve(attrs)
	if err != nil {
		return false, err
	}

	cmp, ok := compare(l, r)
	if !ok {
		switch c.op {
		case "==":
			return false, nil
		case "!=":
			return true, nil
		default:
			return false, fmt.Errorf("cannot order %T and %T", l, r)
		}
	}

	switch c.op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}

	return false, fmt.Errorf("unknown operator %q", c.op)
}

// normalize folds Go numeric kinds onto float64.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// compare orders two values. Numeric strings compare numerically against
// numbers and against each other so that version numbers order as
// expected.
func compare(a, b any) (int, bool) {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}

		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}

		if x == y {
			return 0, true
		}

		if !x {
			return -1, true
		}

		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
	}

	return 0, false
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}

		return f, true
	}

	return 0, false
}
