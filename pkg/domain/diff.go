package domain

import "slices"

// Action indicates the type of modification performed.
type Action string

// Change actions recorded for every node touched by a commit.
const (
	// ActionCreate indicates a node was added.
	ActionCreate Action = "create"
	// ActionUpdate indicates a node's type, mixins or properties changed.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change describes a node mutation between two trees. Properties lists the
// names of properties that were set, changed or removed.
type Change struct {
	Path       string   `json:"path"`
	Action     Action   `json:"action"`
	Before     *Node    `json:"before,omitempty"`
	After      *Node    `json:"after,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// Node returns the post-change node, or the removed node for deletions.
func (c Change) Node() *Node {
	if c.After != nil {
		return c.After
	}
	return c.Before
}

// Diff computes the ordered change list turning before into after. Parents
// precede their descendants; child order follows after, then removed names.
func Diff(before, after *Tree) []Change {
	var out []Change
	var walk func(p string)
	walk = func(p string) {
		b, a := before.get(p), after.get(p)
		switch {
		case b == nil && a == nil:
			return
		case b == nil:
			names := make([]string, 0, len(a.Properties))
			for k := range a.Properties {
				names = append(names, k)
			}
			slices.Sort(names)
			out = append(out, Change{Path: p, Action: ActionCreate, After: a.Clone(), Properties: names})
		case a == nil:
			out = append(out, Change{Path: p, Action: ActionDelete, Before: b.Clone()})
		case b != a && !b.sameContent(a):
			out = append(out, Change{Path: p, Action: ActionUpdate, Before: b.Clone(), After: a.Clone(), Properties: changedProperties(b, a)})
		}
		for _, name := range childUnion(b, a) {
			walk(JoinPath(p, name))
		}
	}
	walk("/")
	return out
}

func childUnion(b, a *Node) []string {
	var names []string
	if a != nil {
		names = slices.Clone(a.Children)
	}
	if b != nil {
		for _, c := range b.Children {
			if a == nil || !slices.Contains(a.Children, c) {
				names = append(names, c)
			}
		}
	}
	return names
}

// dirtyPaths returns the changed paths together with all their ancestors.
func dirtyPaths(changes []Change) map[string]struct{} {
	dirty := make(map[string]struct{}, len(changes)*2)
	for _, c := range changes {
		for p := c.Path; p != ""; p = ParentPath(p) {
			if _, seen := dirty[p]; seen {
				break
			}
			dirty[p] = struct{}{}
		}
	}
	return dirty
}
