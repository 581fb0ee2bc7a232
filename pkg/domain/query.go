package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Operator is a comparison used in query conditions.
type Operator string

const (
	OpEq       Operator = "="
	OpNe       Operator = "<>"
	OpLt       Operator = "<"
	OpLe       Operator = "<="
	OpGt       Operator = ">"
	OpGe       Operator = ">="
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// Condition restricts a query to nodes whose property compares to Value.
type Condition struct {
	Property string
	Op       Operator
	Value    Property
}

// Where builds a condition.
func Where(property string, op Operator, value Property) Condition {
	return Condition{Property: property, Op: op, Value: value}
}

// Query selects nodes of a type, optionally below a path, filtered and ordered.
type Query struct {
	NodeType string
	Under    string
	Where    []Condition
	OrderBy  string
	Desc     bool
	Limit    int
}

// Querier runs queries and lookups against a committed tree.
type Querier interface {
	Node(path string) NodeState
	ByIdentifier(id string) NodeState
	Query(q Query) ([]NodeState, error)
}

// String renders the query as JCR-SQL2 text for logs.
func (q Query) String() string {
	var b strings.Builder
	nodeType := q.NodeType
	if nodeType == "" {
		nodeType = NodeTypeUnstructured
	}
	fmt.Fprintf(&b, "SELECT * FROM [%s] AS n", nodeType)
	var clauses []string
	if q.Under != "" && q.Under != "/" {
		clauses = append(clauses, fmt.Sprintf("ISDESCENDANTNODE(n, '%s')", escapeLiteral(q.Under)))
	}
	for _, c := range q.Where {
		switch c.Op {
		case OpExists:
			clauses = append(clauses, fmt.Sprintf("n.[%s] IS NOT NULL", c.Property))
		case OpContains:
			clauses = append(clauses, fmt.Sprintf("n.[%s] = %s", c.Property, literal(c.Value)))
		default:
			clauses = append(clauses, fmt.Sprintf("n.[%s] %s %s", c.Property, c.Op, literal(c.Value)))
		}
	}
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY n.[%s]", q.OrderBy)
		if q.Desc {
			b.WriteString(" DESC")
		}
	}
	return b.String()
}

func literal(p Property) string {
	v := escapeLiteral(p.String())
	switch p.Type {
	case TypeLong, TypeDouble, TypeDecimal, TypeBoolean:
		return v
	case TypeDate:
		return fmt.Sprintf("CAST('%s' AS DATE)", v)
	}
	return "'" + v + "'"
}

func escapeLiteral(s string) string { return strings.ReplaceAll(s, "'", "''") }

// Query evaluates q against the tree. Results are ordered by OrderBy, ties
// broken by path, and truncated to Limit when positive.
func (t *Tree) Query(q Query) ([]NodeState, error) {
	for _, c := range q.Where {
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpContains, OpExists:
		default:
			return nil, fmt.Errorf("query %q: unsupported operator %q", q.String(), c.Op)
		}
	}
	if t == nil {
		return nil, nil
	}
	var out []*Node
	for p, n := range t.nodes {
		if q.NodeType != "" && !IsNodeType(n, q.NodeType) {
			continue
		}
		if q.Under != "" && q.Under != "/" && !IsAncestor(q.Under, p) {
			continue
		}
		if !matchesAll(n, q.Where) {
			continue
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int {
		if q.OrderBy != "" {
			c := compareProperty(a.Properties[q.OrderBy], b.Properties[q.OrderBy])
			if q.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(a.Path, b.Path)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	states := make([]NodeState, len(out))
	for i, n := range out {
		states[i] = NodeState{tree: t, path: n.Path}
	}
	return states, nil
}

func matchesAll(n *Node, conds []Condition) bool {
	for _, c := range conds {
		p, ok := n.Properties[c.Property]
		switch c.Op {
		case OpExists:
			if !ok {
				return false
			}
			continue
		case OpContains:
			if !ok || !p.Contains(c.Value.String()) {
				return false
			}
			continue
		}
		if !ok {
			return false
		}
		cmp := compareProperty(p, c.Value)
		var pass bool
		switch c.Op {
		case OpEq:
			pass = cmp == 0
		case OpNe:
			pass = cmp != 0
		case OpLt:
			pass = cmp < 0
		case OpLe:
			pass = cmp <= 0
		case OpGt:
			pass = cmp > 0
		case OpGe:
			pass = cmp >= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

// compareProperty orders two properties by their first value, numerically or
// chronologically when both sides allow it. Missing values sort first.
func compareProperty(a, b Property) int {
	av, bv := a.String(), b.String()
	switch {
	case len(a.Values) == 0 && len(b.Values) == 0:
		return 0
	case len(a.Values) == 0:
		return -1
	case len(b.Values) == 0:
		return 1
	}
	if a.Type == TypeDate || b.Type == TypeDate {
		at, aerr := time.Parse(time.RFC3339Nano, av)
		bt, berr := time.Parse(time.RFC3339Nano, bv)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
	}
	if isNumeric(a.Type) || isNumeric(b.Type) {
		af, aerr := strconv.ParseFloat(av, 64)
		bf, berr := strconv.ParseFloat(bv, 64)
		if aerr == nil && berr == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(av, bv)
}

func isNumeric(t PropertyType) bool {
	return t == TypeLong || t == TypeDouble || t == TypeDecimal
}
