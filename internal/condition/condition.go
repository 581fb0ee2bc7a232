// Package condition parses and evaluates the per-row condition expressions
// used by import processors and e-mail alerts, e.g. "AGE >= 18",
// "STATUS in Scheduled;Arrived" or "EMAIL is not empty".
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is a comparison supported by the condition language.
type Operator string

const (
	OpNotEqual     Operator = "<>"
	OpLessEqual    Operator = "<="
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
	OpEqual        Operator = "="
	OpMatches      Operator = "matches"
	OpNotMatches   Operator = "not matches"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not in"
	OpEmpty        Operator = "is empty"
	OpNotEmpty     Operator = "is not empty"
)

// Values reads a named value, typically a row column or an answer.
type Values interface {
	Get(name string) (string, bool)
}

// Map adapts a string map into Values.
type Map map[string]string

// Get implements Values.
func (m Map) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Condition is one parsed expression.
type Condition struct {
	Column   string
	Operator Operator
	Operand  string
	list     []string
	re       *regexp.Regexp
}

// exprPattern splits at the leftmost operator, so operands may contain
// operator words ("LOCATION = Sign in desk").
var exprPattern = regexp.MustCompile(`^(.+?)(?:\s*(<>|<=|>=|<|>|=)\s*|\s+(not matches|matches|not in|in)(?:\s+|$)|\s+(is not empty|is empty)$)(.*)$`)

// Parse parses a single expression.
func Parse(expr string) (Condition, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Condition{}, fmt.Errorf("parse condition: empty expression")
	}
	m := exprPattern.FindStringSubmatch(s)
	if m == nil {
		return Condition{}, fmt.Errorf("parse condition %q: no operator", expr)
	}
	c := Condition{Column: strings.TrimSpace(m[1]), Operand: strings.TrimSpace(m[5])}
	for _, op := range m[2:5] {
		if op != "" {
			c.Operator = Operator(op)
		}
	}
	if c.Column == "" {
		return Condition{}, fmt.Errorf("parse condition %q: missing column", expr)
	}
	switch c.Operator {
	case OpMatches, OpNotMatches:
		re, err := regexp.Compile("^(?:" + c.Operand + ")$")
		if err != nil {
			return Condition{}, fmt.Errorf("parse condition %q: %w", expr, err)
		}
		c.re = re
	case OpIn, OpNotIn:
		for _, item := range strings.Split(c.Operand, ";") {
			c.list = append(c.list, strings.TrimSpace(item))
		}
	}
	return c, nil
}

// MustParse is Parse for static expressions; it panics on error.
func MustParse(expr string) Condition {
	c, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Matches evaluates the condition against values. Missing values compare as
// the empty string.
func (c Condition) Matches(values Values) bool {
	v, _ := values.Get(c.Column)
	v = strings.TrimSpace(v)
	switch c.Operator {
	case OpEmpty:
		return v == ""
	case OpNotEmpty:
		return v != ""
	case OpMatches:
		return c.re.MatchString(v)
	case OpNotMatches:
		return !c.re.MatchString(v)
	case OpIn:
		return contains(c.list, v)
	case OpNotIn:
		return !contains(c.list, v)
	}
	cmp := compare(v, c.Operand)
	switch c.Operator {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

// String renders the expression back to its textual form.
func (c Condition) String() string {
	if c.Operator == OpEmpty || c.Operator == OpNotEmpty {
		return c.Column + " " + string(c.Operator)
	}
	return c.Column + " " + string(c.Operator) + " " + c.Operand
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// compare orders two values numerically when both parse as numbers and
// lexically otherwise.
func compare(a, b string) int {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// List is a conjunction of conditions.
type List []Condition

// ParseList parses every expression; an empty list always matches.
func ParseList(exprs []string) (List, error) {
	out := make(List, 0, len(exprs))
	for _, e := range exprs {
		if strings.TrimSpace(e) == "" {
			continue
		}
		c, err := Parse(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Matches reports whether every condition holds, stopping at the first
// failure.
func (l List) Matches(values Values) bool {
	for _, c := range l {
		if !c.Matches(values) {
			return false
		}
	}
	return true
}
