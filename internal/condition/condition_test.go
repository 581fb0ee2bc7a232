package condition

import "testing"

func TestParseAndMatch(t *testing.T) {
	row := Map{
		"AGE":      "20",
		"STATUS":   "Arrived",
		"EMAIL":    "",
		"PROVIDER": "Dr. Smith",
		"CODE":     "9",
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"AGE >= 18", true},
		{"AGE > 20", false},
		{"AGE<21", true},
		{"AGE <= 19", false},
		{"AGE = 20.0", true},
		{"AGE <> 20", false},
		{"CODE < 10", true},
		{"STATUS = Arrived", true},
		{"STATUS in Scheduled; Arrived", true},
		{"STATUS not in Scheduled;Arrived", false},
		{"PROVIDER matches Dr\\..*", true},
		{"PROVIDER not matches Dr", true},
		{"EMAIL is empty", true},
		{"EMAIL is not empty", false},
		{"MISSING is empty", true},
		{"STATUS < Booked", true},
	}
	for _, tc := range cases {
		c, err := Parse(tc.expr)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.expr, err)
		}
		if got := c.Matches(row); got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.expr, got, tc.want)
		}
	}
}

func TestParseSplitsAtLeftmostOperator(t *testing.T) {
	cases := []struct {
		expr, column string
		op           Operator
		operand      string
		row          Map
		want         bool
	}{
		{"LOCATION = Sign in desk", "LOCATION", OpEqual, "Sign in desk", Map{"LOCATION": "Sign in desk"}, true},
		{"NOTE <> this is empty", "NOTE", OpNotEqual, "this is empty", Map{"NOTE": "this is empty"}, false},
		{"CLINIC = Check in matches walk in", "CLINIC", OpEqual, "Check in matches walk in", Map{"CLINIC": "Check in matches walk in"}, true},
		{"DEPT in Drop in; Walk in", "DEPT", OpIn, "Drop in; Walk in", Map{"DEPT": "Walk in"}, true},
		{"ROOM matches Log in .*", "ROOM", OpMatches, "Log in .*", Map{"ROOM": "Log in 4"}, true},
		{"REMARK not in is empty;none", "REMARK", OpNotIn, "is empty;none", Map{"REMARK": "none"}, false},
	}
	for _, tc := range cases {
		c, err := Parse(tc.expr)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.expr, err)
		}
		if c.Column != tc.column || c.Operator != tc.op || c.Operand != tc.operand {
			t.Fatalf("%q: got column=%q op=%q operand=%q", tc.expr, c.Column, c.Operator, c.Operand)
		}
		if got := c.Matches(tc.row); got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.expr, got, tc.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{"", "AGE", "= 5", "NAME matches ("} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}

func TestListShortCircuitsAndRenders(t *testing.T) {
	l, err := ParseList([]string{"AGE >= 18", "", "STATUS is not empty"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(l) != 2 {
		t.Fatalf("expected blank expressions to be skipped, got %d", len(l))
	}
	if !l.Matches(Map{"AGE": "30", "STATUS": "x"}) {
		t.Fatalf("expected match")
	}
	if l.Matches(Map{"AGE": "3", "STATUS": "x"}) {
		t.Fatalf("expected first condition to fail")
	}
	if got := l[1].String(); got != "STATUS is not empty" {
		t.Fatalf("unexpected rendering %q", got)
	}
	if got := MustParse("A in x;y").String(); got != "A in x;y" {
		t.Fatalf("unexpected rendering %q", got)
	}
}
