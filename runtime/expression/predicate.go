package expression

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BDNK1/reflow/runtime"
)

type Operator string

const (
	OpEq Operator = "=="
	OpNe Operator = "!="
	OpGt Operator = ">"
	OpGe Operator = ">="
	OpLt Operator = "<"
	OpLe Operator = "<="
)

type LiteralKind int

const (
	LiteralBool LiteralKind = iota
	LiteralInt
	LiteralFloat
	LiteralString
)

// Literal is the right-hand side of a predicate after coercion.
type Literal struct {
	Kind  LiteralKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// Value returns the literal as a plain Go value.
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralBool:
		return l.Bool
	case LiteralInt:
		return l.Int
	case LiteralFloat:
		return l.Float
	default:
		return l.Str
	}
}

// Predicate is a parsed `<ref> <op> <value>` expression.
type Predicate struct {
	Ref   string
	Op    Operator
	Value Literal
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %v", p.Ref, p.Op, p.Value.Value())
}

// ParsePredicate parses a gating predicate. The first operator outside a
// quoted string splits the reference from the value.
func ParsePredicate(src string) (Predicate, error) {
	idx, op, err := findOperator(src)
	if err != nil {
		return Predicate{}, fmt.Errorf("%w: %q: %v", runtime.ErrInvalidPredicate, src, err)
	}

	ref := strings.TrimSpace(src[:idx])
	value := strings.TrimSpace(src[idx+len(op):])
	if !isReference(ref) {
		return Predicate{}, fmt.Errorf("%w: %q: bad reference %q", runtime.ErrInvalidPredicate, src, ref)
	}
	if value == "" {
		return Predicate{}, fmt.Errorf("%w: %q: missing value", runtime.ErrInvalidPredicate, src)
	}

	return Predicate{Ref: ref, Op: op, Value: ParseLiteral(value)}, nil
}

func findOperator(src string) (int, Operator, error) {
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '=', '!', '<', '>':
			if i+1 < len(src) && src[i+1] == '=' {
				return i, Operator(src[i : i+2]), nil
			}
			if c == '<' || c == '>' {
				return i, Operator(src[i : i+1]), nil
			}
			return 0, "", fmt.Errorf("unexpected %q at offset %d", c, i)
		}
	}
	return 0, "", fmt.Errorf("no comparison operator")
}

// ParseLiteral coerces a predicate value: boolean first, then integer, then
// float, and finally a string with one level of matching quotes removed.
func ParseLiteral(s string) Literal {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return Literal{Kind: LiteralBool, Bool: true}
	case "false":
		return Literal{Kind: LiteralBool, Bool: false}
	}

	if looksNumeric(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Literal{Kind: LiteralInt, Int: i}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) {
			return Literal{Kind: LiteralFloat, Float: f}
		}
	}

	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	return Literal{Kind: LiteralString, Str: s}
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c == '.', c == 'e', c == 'E':
		case (c == '+' || c == '-') && (i == 0 || s[i-1] == 'e' || s[i-1] == 'E'):
		default:
			return false
		}
	}
	return true
}

func isReference(ref string) bool {
	if ref == "" || ref[0] == '.' || ref[len(ref)-1] == '.' || strings.Contains(ref, "..") {
		return false
	}
	for i := 0; i < len(ref); i++ {
		if !isRefChar(ref[i]) {
			return false
		}
	}
	return true
}

func isRefChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isOperatorStart(s string) bool {
	return s != "" && strings.ContainsRune("=!<>", rune(s[0]))
}
