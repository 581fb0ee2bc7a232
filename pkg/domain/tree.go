package domain

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Tree is a copy-on-write content tree keyed by absolute path. Clones share
// node values until one side writes; a tree must not be cloned concurrently.
type Tree struct {
	nodes map[string]*Node
	ids   map[string]string
	owned map[string]struct{}
}

// NewTree returns a tree holding only the root node.
func NewTree() *Tree {
	t := &Tree{
		nodes: make(map[string]*Node),
		ids:   make(map[string]string),
		owned: make(map[string]struct{}),
	}
	t.nodes["/"] = &Node{Path: "/", PrimaryType: NodeTypeRoot, Properties: map[string]Property{}}
	t.owned["/"] = struct{}{}
	return t
}

// LoadTree rebuilds a tree from persisted nodes. Parents must be present for
// every node; child lists are taken from the records.
func LoadTree(records []*Node) (*Tree, error) {
	t := NewTree()
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b *Node) int { return comparePaths(a.Path, b.Path) })
	for _, rec := range sorted {
		n := rec.Clone()
		if n.Properties == nil {
			n.Properties = map[string]Property{}
		}
		if n.Path != "/" {
			parent := t.nodes[ParentPath(n.Path)]
			if parent == nil {
				return nil, fmt.Errorf("load %s: parent: %w", n.Path, ErrNotFound)
			}
			if !slices.Contains(parent.Children, n.Name()) {
				parent.Children = append(parent.Children, n.Name())
			}
		}
		t.nodes[n.Path] = n
		t.owned[n.Path] = struct{}{}
		if id := n.Identifier(); id != "" {
			t.ids[id] = n.Path
		}
	}
	for p, n := range t.nodes {
		n.Children = slices.DeleteFunc(n.Children, func(name string) bool {
			_, ok := t.nodes[JoinPath(p, name)]
			return !ok
		})
	}
	return t, nil
}

func comparePaths(a, b string) int {
	da, db := depth(a), depth(b)
	if da != db {
		return da - db
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func depth(p string) int {
	if p == "/" {
		return 0
	}
	d := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			d++
		}
	}
	return d
}

// Clone returns a tree sharing unchanged nodes with t.
func (t *Tree) Clone() *Tree {
	t.owned = make(map[string]struct{})
	return &Tree{
		nodes: maps.Clone(t.nodes),
		ids:   maps.Clone(t.ids),
		owned: make(map[string]struct{}),
	}
}

// Len returns the number of nodes, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// Nodes returns copies of all nodes ordered parents first.
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b *Node) int { return comparePaths(a.Path, b.Path) })
	return out
}

func (t *Tree) get(p string) *Node {
	if t == nil {
		return nil
	}
	return t.nodes[p]
}

func (t *Tree) mutable(p string) *Node {
	n := t.nodes[p]
	if n == nil {
		return nil
	}
	if _, ok := t.owned[p]; !ok {
		n = n.Clone()
		t.nodes[p] = n
		t.owned[p] = struct{}{}
	}
	return n
}

// Root returns a read view of the root node.
func (t *Tree) Root() NodeState { return NodeState{tree: t, path: "/"} }

// Node returns a read view of the node at p; the view may not exist.
func (t *Tree) Node(p string) NodeState { return NodeState{tree: t, path: p} }

// ByIdentifier returns a read view of the node with the given jcr:uuid.
func (t *Tree) ByIdentifier(id string) NodeState {
	if p, ok := t.ids[id]; ok {
		return NodeState{tree: t, path: p}
	}
	return NodeState{}
}

// Builder returns a mutable view of the node at p, or nil when it is missing.
func (t *Tree) Builder(p string) *NodeBuilder {
	if t.get(p) == nil {
		return nil
	}
	return &NodeBuilder{tree: t, path: p}
}

// AddNode creates a child node. Referenceable nodes receive a fresh jcr:uuid
// and versionable nodes start checked out.
func (t *Tree) AddNode(parent, name, primaryType string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	pn := t.mutable(parent)
	if pn == nil {
		return "", NotFoundError{Kind: "node", ID: parent}
	}
	p := JoinPath(parent, name)
	if t.nodes[p] != nil {
		return "", fmt.Errorf("%w: %s already exists", ErrConflict, p)
	}
	n := &Node{Path: p, PrimaryType: primaryType, Properties: map[string]Property{}}
	n.Properties[PropPrimaryType] = NameValue(primaryType)
	if TypeMatches(primaryType, MixinReferenceable) {
		id := uuid.NewString()
		n.Properties[PropUUID] = StringValue(id)
		t.ids[id] = p
	}
	if TypeMatches(primaryType, MixinVersionable) {
		n.Properties[PropIsCheckedOut] = BooleanValue(true)
	}
	t.nodes[p] = n
	t.owned[p] = struct{}{}
	pn.Children = append(pn.Children, name)
	return p, nil
}

// AddMixin adds a mixin type to the node at p.
func (t *Tree) AddMixin(p, mixin string) error {
	n := t.mutable(p)
	if n == nil {
		return NotFoundError{Kind: "node", ID: p}
	}
	if slices.Contains(n.Mixins, mixin) {
		return nil
	}
	n.Mixins = append(n.Mixins, mixin)
	if TypeMatches(mixin, MixinReferenceable) && n.Identifier() == "" {
		id := uuid.NewString()
		n.Properties[PropUUID] = StringValue(id)
		t.ids[id] = p
	}
	if TypeMatches(mixin, MixinVersionable) {
		if _, ok := n.Properties[PropIsCheckedOut]; !ok {
			n.Properties[PropIsCheckedOut] = BooleanValue(true)
		}
	}
	return nil
}

// SetProperty writes a property on the node at p.
func (t *Tree) SetProperty(p, name string, prop Property) error {
	if t.get(p) == nil {
		return NotFoundError{Kind: "node", ID: p}
	}
	if name == PropUUID {
		if owner, ok := t.ids[prop.String()]; ok && owner != p {
			return fmt.Errorf("%w: identifier %s used by %s", ErrConflict, prop.String(), owner)
		}
	}
	n := t.mutable(p)
	if name == PropUUID {
		delete(t.ids, n.Identifier())
		t.ids[prop.String()] = p
	}
	n.Properties[name] = prop.clone()
	return nil
}

// RemoveProperty deletes a property; removing an absent property is a no-op.
func (t *Tree) RemoveProperty(p, name string) error {
	n := t.get(p)
	if n == nil {
		return NotFoundError{Kind: "node", ID: p}
	}
	if _, ok := n.Properties[name]; !ok {
		return nil
	}
	n = t.mutable(p)
	if name == PropUUID {
		delete(t.ids, n.Identifier())
	}
	delete(n.Properties, name)
	return nil
}

// RemoveNode deletes the node at p and its whole subtree.
func (t *Tree) RemoveNode(p string) error {
	if p == "/" {
		return fmt.Errorf("%w: cannot remove root", ErrInvalidPath)
	}
	if t.get(p) == nil {
		return NotFoundError{Kind: "node", ID: p}
	}
	parent := t.mutable(ParentPath(p))
	name := BaseName(p)
	parent.Children = slices.DeleteFunc(parent.Children, func(c string) bool { return c == name })
	t.drop(p)
	return nil
}

func (t *Tree) drop(p string) {
	n := t.nodes[p]
	if n == nil {
		return
	}
	for _, c := range n.Children {
		t.drop(JoinPath(p, c))
	}
	if id := n.Identifier(); id != "" && t.ids[id] == p {
		delete(t.ids, id)
	}
	delete(t.nodes, p)
	delete(t.owned, p)
}

// Apply replays a change list produced by Diff onto t. Property updates are
// applied per property so that independent writers to one node compose.
func (t *Tree) Apply(changes []Change) error {
	for _, c := range changes {
		switch c.Action {
		case ActionCreate:
			if t.get(c.Path) != nil {
				t.mergeProperties(c.Path, c.After, c.Properties)
				continue
			}
			parent := t.mutable(ParentPath(c.Path))
			if parent == nil {
				return fmt.Errorf("%w: parent of %s was removed", ErrConflict, c.Path)
			}
			n := c.After.Clone()
			n.Children = nil
			t.nodes[c.Path] = n
			t.owned[c.Path] = struct{}{}
			if id := n.Identifier(); id != "" {
				t.ids[id] = c.Path
			}
			if name := BaseName(c.Path); !slices.Contains(parent.Children, name) {
				parent.Children = append(parent.Children, name)
			}
		case ActionUpdate:
			if t.get(c.Path) == nil {
				continue
			}
			t.mergeProperties(c.Path, c.After, c.Properties)
		case ActionDelete:
			if t.get(c.Path) != nil {
				_ = t.RemoveNode(c.Path)
			}
		}
	}
	return nil
}

func (t *Tree) mergeProperties(p string, after *Node, names []string) {
	n := t.mutable(p)
	n.PrimaryType = after.PrimaryType
	n.Mixins = slices.Clone(after.Mixins)
	for _, name := range names {
		if prop, ok := after.Properties[name]; ok {
			if name == PropUUID {
				delete(t.ids, n.Identifier())
				t.ids[prop.String()] = p
			}
			n.Properties[name] = prop.clone()
			continue
		}
		if name == PropUUID {
			delete(t.ids, n.Identifier())
		}
		delete(n.Properties, name)
	}
}
