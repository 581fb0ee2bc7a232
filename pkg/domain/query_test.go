package domain

import (
	"strings"
	"testing"
	"time"
)

func TestTreeQueryFiltersAndOrders(t *testing.T) {
	tree := NewTree()
	mustAdd(t, tree, "/", "Forms", NodeTypeFolder)
	mustAdd(t, tree, "/", "Other", NodeTypeFolder)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "c"} {
		p := mustAdd(t, tree, "/Forms", name, NodeTypeForm)
		if err := tree.SetProperty(p, PropQuestionnaire, ReferenceValue("q1")); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := tree.SetProperty(p, PropCreated, DateValue(base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := tree.SetProperty(p, PropRelatedSubjects, ReferenceValues("s"+name, "root")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	other := mustAdd(t, tree, "/Other", "x", NodeTypeForm)
	if err := tree.SetProperty(other, PropQuestionnaire, ReferenceValue("q1")); err != nil {
		t.Fatalf("set: %v", err)
	}

	q := Query{
		NodeType: NodeTypeForm,
		Under:    "/Forms",
		Where:    []Condition{Where(PropQuestionnaire, OpEq, ReferenceValue("q1"))},
		OrderBy:  PropCreated,
		Desc:     true,
	}
	res, err := tree.Query(q)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res) != 3 || res[0].Name() != "c" || res[2].Name() != "a" {
		t.Fatalf("unexpected results %v", names(res))
	}

	q.Where = append(q.Where, Where(PropCreated, OpLt, DateValue(base.Add(90*time.Minute))))
	q.Limit = 1
	res, _ = tree.Query(q)
	if len(res) != 1 || res[0].Name() != "b" {
		t.Fatalf("expected b, got %v", names(res))
	}

	res, _ = tree.Query(Query{NodeType: NodeTypeForm, Where: []Condition{Where(PropRelatedSubjects, OpContains, StringValue("sa"))}})
	if len(res) != 1 || res[0].Name() != "a" {
		t.Fatalf("expected contains match on a, got %v", names(res))
	}

	if _, err := tree.Query(Query{Where: []Condition{{Property: "x", Op: "like"}}}); err == nil {
		t.Fatalf("expected unsupported operator error")
	}
}

func TestQueryNumericComparison(t *testing.T) {
	tree := NewTree()
	for i, v := range []int64{9, 10, 2} {
		p := mustAdd(t, tree, "/", string(rune('a'+i)), NodeTypeLongAnswer)
		if err := tree.SetProperty(p, PropValue, LongValue(v)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	res, _ := tree.Query(Query{NodeType: NodeTypeAnswer, Where: []Condition{Where(PropValue, OpGe, LongValue(9))}, OrderBy: PropValue})
	if len(res) != 2 || res[0].Name() != "a" || res[1].Name() != "b" {
		t.Fatalf("expected numeric ordering 9,10, got %v", names(res))
	}
}

func TestQueryString(t *testing.T) {
	q := Query{
		NodeType: NodeTypeForm,
		Under:    "/Forms",
		Where: []Condition{
			Where(PropQuestionnaire, OpEq, ReferenceValue("abc")),
			Where("title", OpNe, StringValue("O'Hara")),
			Where(PropRelatedSubjects, OpContains, ReferenceValue("s1")),
		},
		OrderBy: PropCreated,
		Desc:    true,
	}
	got := q.String()
	for _, want := range []string{
		"SELECT * FROM [cards:Form] AS n",
		"ISDESCENDANTNODE(n, '/Forms')",
		"n.[questionnaire] = 'abc'",
		"n.[title] <> 'O''Hara'",
		"n.[relatedSubjects] = 's1'",
		"ORDER BY n.[jcr:created] DESC",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
}

func names(states []NodeState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.Name()
	}
	return out
}
