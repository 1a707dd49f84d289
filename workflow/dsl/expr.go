package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Options configures expression evaluation.
type Options struct {
	// Now backs now(). Defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Expr is a compiled condition expression.
type Expr struct {
	src  string
	root node
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Compile parses expr.
//
// Supported syntax: ${path} and bare identifier lookups with dot paths,
// quoted strings ('x' or "x"), numbers, true/false/null, comparison
// (== != > < >= <=), logic (&& || ! and the keywords and, or, not),
// arithmetic (+ - * / %), parentheses and now(), which returns the current
// unix time in seconds.
func Compile(expr string) (*Expr, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return &Expr{src: src}, nil
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return &Expr{src: src, root: root}, nil
}

// Check reports syntax errors in expr without evaluating it.
func Check(expr string) error {
	_, err := Compile(expr)
	return err
}

// Eval returns the value of e. An empty expression evaluates to nil.
func (e *Expr) Eval(vars map[string]any, opts Options) (any, error) {
	if e.root == nil {
		return nil, nil
	}
	return e.root.eval(&env{vars: vars, opts: opts})
}

// Bool evaluates e and converts the result to a boolean.
func (e *Expr) Bool(vars map[string]any, opts Options) (bool, error) {
	v, err := e.Eval(vars, opts)
	if err != nil {
		return false, err
	}
	return toBool(v), nil
}

// Evaluate compiles and evaluates expr as a condition. An empty expression
// is false.
func Evaluate(expr string, vars map[string]any, opts Options) (bool, error) {
	e, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Bool(vars, opts)
}

// EvaluateValue compiles and evaluates expr, returning the raw value.
func EvaluateValue(expr string, vars map[string]any, opts Options) (any, error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return e.Eval(vars, opts)
}

// --- Tokens ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8
	tkString                  // "hello", 'hello'
	tkIdent                   // name, a.b.c, true, and
	tkVar                     // ${a.b}
	tkOp                      // == != > < >= <= && || ! + - * / %
	tkLParen                  // (
	tkRParen                  // )
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		case '"', '\'':
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
			continue
		case '$':
			if i+1 < len(runes) && runes[i+1] == '{' {
				end := i + 2
				for end < len(runes) && runes[end] != '}' {
					end++
				}
				if end >= len(runes) {
					return nil, fmt.Errorf("unterminated ${ at position %d", i)
				}
				path := strings.TrimSpace(string(runes[i+2 : end]))
				if path == "" {
					return nil, fmt.Errorf("empty ${} at position %d", i)
				}
				tokens = append(tokens, token{tkVar, path})
				i = end + 1
				continue
			}
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two})
				i += 2
				continue
			}
		}

		switch ch {
		case '>', '<', '!', '+', '-', '*', '/', '%':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
			continue
		}

		if isDigit(ch) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
			continue
		}

		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			switch ident {
			case "and":
				tokens = append(tokens, token{tkOp, "&&"})
			case "or":
				tokens = append(tokens, token{tkOp, "||"})
			case "not":
				tokens = append(tokens, token{tkOp, "!"})
			default:
				tokens = append(tokens, token{tkIdent, ident})
			}
			i = n
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	i := start + 1
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i+1 < len(runes) && runes[i] == '.' && isDigit(runes[i+1]) {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// --- Syntax tree ---

type env struct {
	vars map[string]any
	opts Options
}

type node interface {
	eval(e *env) (any, error)
}

type literal struct{ v any }

func (n literal) eval(*env) (any, error) { return n.v, nil }

type varRef struct{ path string }

func (n varRef) eval(e *env) (any, error) {
	v, _ := Lookup(e.vars, n.path)
	return v, nil
}

type nowCall struct{}

func (nowCall) eval(e *env) (any, error) {
	return float64(e.opts.now().Unix()), nil
}

type unary struct {
	op string
	x  node
}

func (n unary) eval(e *env) (any, error) {
	v, err := n.x.eval(e)
	if err != nil {
		return nil, err
	}
	if n.op == "!" {
		return !toBool(v), nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return nil, fmt.Errorf("cannot negate %v", v)
	}
	return -f, nil
}

type logical struct {
	op   string
	l, r node
}

func (n logical) eval(e *env) (any, error) {
	l, err := n.l.eval(e)
	if err != nil {
		return nil, err
	}
	if n.op == "&&" && !toBool(l) {
		return false, nil
	}
	if n.op == "||" && toBool(l) {
		return true, nil
	}
	r, err := n.r.eval(e)
	if err != nil {
		return nil, err
	}
	return toBool(r), nil
}

type comparison struct {
	op   string
	l, r node
}

func (n comparison) eval(e *env) (any, error) {
	l, err := n.l.eval(e)
	if err != nil {
		return nil, err
	}
	r, err := n.r.eval(e)
	if err != nil {
		return nil, err
	}
	return evalComparison(l, n.op, r), nil
}

type arithmetic struct {
	op   string
	l, r node
}

func (n arithmetic) eval(e *env) (any, error) {
	l, err := n.l.eval(e)
	if err != nil {
		return nil, err
	}
	r, err := n.r.eval(e)
	if err != nil {
		return nil, err
	}
	return evalArithmetic(l, n.op, r)
}

// --- Recursive descent parser ---

type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *exprParser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *exprParser) peekOp(ops ...string) (string, bool) {
	t := p.peek()
	if t == nil || t.kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if t.value == op {
			return op, true
		}
	}
	return "", false
}

// parseOr handles: expr || expr
func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{op: "||", l: left, r: right}
	}
}

// parseAnd handles: expr && expr
func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logical{op: "&&", l: left, r: right}
	}
}

// parseNot handles: !expr where expr may be a comparison
func (p *exprParser) parseNot() (node, error) {
	if _, ok := p.peekOp("!"); ok {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unary{op: "!", x: x}, nil
	}
	return p.parseComparison()
}

// parseComparison handles: expr (==|!=|>|<|>=|<=) expr
func (p *exprParser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<="); ok {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return comparison{op: op, l: left, r: right}, nil
	}
	return left, nil
}

func (p *exprParser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = arithmetic{op: op, l: left, r: right}
	}
}

func (p *exprParser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = arithmetic{op: op, l: left, r: right}
	}
}

// parseUnary handles: -expr, !expr, primary
func (p *exprParser) parseUnary() (node, error) {
	if op, ok := p.peekOp("-", "!"); ok {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unary{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

// parsePrimary handles: literals, lookups, now(), parenthesized expressions
func (p *exprParser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.value)
		}
		return literal{f}, nil

	case tkString:
		p.advance()
		return literal{t.value}, nil

	case tkVar:
		p.advance()
		return varRef{path: t.value}, nil

	case tkIdent:
		p.advance()
		if next := p.peek(); next != nil && next.kind == tkLParen {
			if t.value != "now" {
				return nil, fmt.Errorf("unknown function %s()", t.value)
			}
			p.advance()
			if next := p.peek(); next == nil || next.kind != tkRParen {
				return nil, fmt.Errorf("now() takes no arguments")
			}
			p.advance()
			return nowCall{}, nil
		}
		switch t.value {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		default:
			return varRef{path: t.value}, nil
		}

	case tkLParen:
		p.advance()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if next := p.peek(); next == nil || next.kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return n, nil

	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

// --- Evaluation helpers ---

// Lookup resolves a dot path such as "steps.qa.status" against vars.
// Slices are indexed by numeric segments.
func Lookup(vars map[string]any, path string) (any, bool) {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// evalComparison evaluates a comparison between two values.
// nil is treated as less than any non-nil value; two nils are equal.
func evalComparison(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		if op == "!=" {
			return true
		}
		if op == "==" {
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// evalArithmetic applies op to two numbers. "+" concatenates when either
// side is a string.
func evalArithmetic(left any, op string, right any) (any, error) {
	if op == "+" {
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return stringify(left) + stringify(right), nil
		}
	}
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %v and %v", op, left, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

// toBool converts a value to boolean.
func toBool(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	return true
}

// toFloat64 attempts to convert a value to float64.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
