package filter

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token

	i := 0
	for i < len(src) {
		c := rune(src[i])

		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], src[i])
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}

			toks = append(toks, token{tokString, src[i+1 : i+1+end], i})
			i += end + 2
		case strings.ContainsRune("=!<>", c):
			start := i
			i++

			if i < len(src) && src[i] == '=' {
				i++
			}

			op := src[start:i]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unknown operator %q at offset %d", op, start)
			}

			toks = append(toks, token{tokOp, op, start})
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			i++

			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}

			toks = append(toks, token{tokNumber, src[start:i], start})
		case unicode.IsLetter(c) || c == '_':
			start := i

			for i < len(src) && (unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i])) ||
				src[i] == '_' || src[i] == '.') {
				i++
			}

			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}

	return append(toks, token{tokEOF, "", len(src)}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}

	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()

	return t.kind == tokIdent && t.text == word
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.keyword("or") {
		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &binary{left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.keyword("and") {
		p.next()

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &binary{and: true, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.keyword("not") {
		p.next()

		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &negation{inner: inner}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.next()

		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at offset %d", t.pos)
		}

		return e, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch {
	case p.peek().kind == tokOp:
		op := p.next().text

		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}

		if right.isLst {
			return nil, fmt.Errorf("list operand requires 'in'")
		}

		return &comparison{op: op, left: left, right: right}, nil
	case p.keyword("in"), p.keyword("not") && p.pos+1 < len(p.toks) &&
		p.toks[p.pos+1].kind == tokIdent && p.toks[p.pos+1].text == "in":
		op := "in"
		if p.keyword("not") {
			p.next()

			op = "not in"
		}

		p.next()

		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}

		if !right.isLst {
			return nil, fmt.Errorf("'%s' requires a list", op)
		}

		return &comparison{op: op, left: left, right: right}, nil
	}

	return &truth{op: left}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()

	switch t.kind {
	case tokString:
		return operand{value: t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid number %q: %w", t.text, err)
		}

		return operand{value: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return operand{value: true}, nil
		case "false":
			return operand{value: false}, nil
		case "none", "null":
			return operand{value: nil}, nil
		case "and", "or", "not", "in":
			return operand{}, fmt.Errorf("unexpected keyword %q at offset %d", t.text, t.pos)
		}

		return operand{attr: t.text}, nil
	case tokLBracket:
		lst := operand{isLst: true}

		if p.peek().kind == tokRBracket {
			p.next()

			return lst, nil
		}

		for {
			item, err := p.parseOperand()
			if err != nil {
				return operand{}, err
			}

			lst.list = append(lst.list, item)

			sep := p.next()
			if sep.kind == tokRBracket {
				return lst, nil
			}

			if sep.kind != tokComma {
				return operand{}, fmt.Errorf("expected ',' or ']' at offset %d", sep.pos)
			}
		}
	}

	return operand{}, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}
