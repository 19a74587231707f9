package proactive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrCondition = errors.New("invalid alert condition")

// Condition is a compiled alert condition:
//
//	pct_change < -10 and (region = 'EMEA' or flagged == true)
//
// Comparisons take a row field on the left and a number, quoted string,
// true, false or null on the right. "and" binds tighter than "or".
type Condition struct {
	src  string
	root node
}

// Compile parses expr. Keywords are case-insensitive.
func Compile(expr string) (*Condition, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	root, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrCondition, t.text, t.pos)
	}
	return &Condition{src: expr, root: root}, nil
}

func (c *Condition) String() string { return c.src }

// Match reports whether row satisfies the condition. Fields the row does
// not have make their comparison false.
func (c *Condition) Match(row map[string]any) bool {
	return c.root.eval(row)
}

// FirstMatch returns the first row that satisfies the condition and how
// many rows did.
func (c *Condition) FirstMatch(rows []map[string]any) (map[string]any, int) {
	var first map[string]any
	n := 0
	for _, r := range rows {
		if c.Match(r) {
			if first == nil {
				first = r
			}
			n++
		}
	}
	return first, n
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case unicode.IsSpace(c):
			i += size
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '\'':
			start := i
			var sb strings.Builder
			i++
			for {
				if i >= len(s) {
					return nil, fmt.Errorf("%w: unterminated string at %d", ErrCondition, start)
				}
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				r, n := utf8.DecodeRuneInString(s[i:])
				if r == utf8.RuneError && n == 1 {
					return nil, fmt.Errorf("%w: invalid utf-8 at %d", ErrCondition, i)
				}
				sb.WriteString(s[i : i+n])
				i += n
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case strings.ContainsRune("<>=!", c):
			start := i
			i++
			if i < len(s) && s[i] == '=' {
				i++
			}
			op := s[start:i]
			if op == "!" {
				return nil, fmt.Errorf("%w: unexpected '!' at %d", ErrCondition, start)
			}
			toks = append(toks, token{tokOp, op, start})
		case c == '-' || c == '.' || (c >= '0' && c <= '9'):
			start := i
			i = scanNumber(s, i+size)
			text := s[start:i]
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("%w: bad number %q at %d", ErrCondition, text, start)
			}
			toks = append(toks, token{tokNumber, text, start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(s) {
				r, n := utf8.DecodeRuneInString(s[i:])
				if r != '_' && r != '.' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += n
			}
			toks = append(toks, token{tokIdent, s[start:i], start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", ErrCondition, c, i)
		}
	}
	return append(toks, token{tokEOF, "", len(s)}), nil
}

// scanNumber returns where a number that continues at i ends. An exponent
// may carry its own sign: 1e-5, 2.5E+3.
func scanNumber(s string, i int) int {
	for i < len(s) {
		switch c := s[i]; {
		case c >= '0' && c <= '9', c == '.':
			i++
		case c == 'e' || c == 'E':
			i++
			if i < len(s) && (s[i] == '+' || s[i] == '-') {
				i++
			}
		default:
			return i
		}
	}
	return i
}

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *condParser) and() (node, error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.primary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *condParser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if r := p.next(); r.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at %d", ErrCondition, r.pos)
		}
		return n, nil
	case tokIdent:
		if isKeyword(t.text) {
			return nil, fmt.Errorf("%w: expected a field name at %d, got %q", ErrCondition, t.pos, t.text)
		}
		op := p.next()
		if op.kind != tokOp {
			return nil, fmt.Errorf("%w: expected an operator after %q at %d", ErrCondition, t.text, op.pos)
		}
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		if op.text == "=" {
			op.text = "=="
		}
		return cmpNode{field: t.text, op: op.text, lit: lit}, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of condition", ErrCondition)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrCondition, t.text, t.pos)
}

func (p *condParser) literal() (literal, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, _ := strconv.ParseFloat(t.text, 64)
		return literal{kind: litNumber, num: f}, nil
	case tokString:
		return literal{kind: litString, str: t.text}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literal{kind: litBool, b: true}, nil
		case "false":
			return literal{kind: litBool}, nil
		case "null":
			return literal{kind: litNull}, nil
		}
	}
	return literal{}, fmt.Errorf("%w: expected a value at %d, got %q", ErrCondition, t.pos, t.text)
}

func isKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "and", "or", "true", "false", "null":
		return true
	}
	return false
}

type node interface {
	eval(row map[string]any) bool
}

type andNode struct{ l, r node }

func (n andNode) eval(row map[string]any) bool { return n.l.eval(row) && n.r.eval(row) }

type orNode struct{ l, r node }

func (n orNode) eval(row map[string]any) bool { return n.l.eval(row) || n.r.eval(row) }

type litKind int

const (
	litNumber litKind = iota
	litString
	litBool
	litNull
)

type literal struct {
	kind litKind
	num  float64
	str  string
	b    bool
}

type cmpNode struct {
	field string
	op    string
	lit   literal
}

func (n cmpNode) eval(row map[string]any) bool {
	v, ok := lookup(row, n.field)
	if !ok {
		return false
	}
	if n.lit.kind == litNull || v == nil {
		isNull := v == nil && n.lit.kind == litNull
		switch n.op {
		case "==":
			return isNull
		case "!=":
			return !isNull
		}
		return false
	}

	switch n.lit.kind {
	case litNumber:
		f, ok := toFloat(v)
		if !ok {
			return false
		}
		return compare(cmpFloat(f, n.lit.num), n.op)
	case litString:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return compare(strings.Compare(s, n.lit.str), n.op)
	case litBool:
		b, ok := v.(bool)
		if !ok {
			return false
		}
		switch n.op {
		case "==":
			return b == n.lit.b
		case "!=":
			return b != n.lit.b
		}
	}
	return false
}

func lookup(row map[string]any, field string) (any, bool) {
	if v, ok := row[field]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compare(c int, op string) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "==":
		return c == 0
	case "!=":
		return c != 0
	}
	return false
}
