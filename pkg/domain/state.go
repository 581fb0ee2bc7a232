package domain

import (
	"slices"
	"sort"
)

// NodeState is a read view of a node in a tree. The zero value is a missing node.
type NodeState struct {
	tree *Tree
	path string
}

func (s NodeState) node() *Node { return s.tree.get(s.path) }

// Exists reports whether the node is present.
func (s NodeState) Exists() bool { return s.node() != nil }

// Path returns the absolute path, even for a missing node.
func (s NodeState) Path() string { return s.path }

// Name returns the last path segment.
func (s NodeState) Name() string { return BaseName(s.path) }

// PrimaryType returns the node's primary type, or "" when missing.
func (s NodeState) PrimaryType() string {
	if n := s.node(); n != nil {
		return n.PrimaryType
	}
	return ""
}

// IsNodeType honours supertypes and mixins.
func (s NodeState) IsNodeType(t string) bool { return IsNodeType(s.node(), t) }

// Identifier returns jcr:uuid.
func (s NodeState) Identifier() string {
	if n := s.node(); n != nil {
		return n.Identifier()
	}
	return ""
}

// Property returns a copy of the named property.
func (s NodeState) Property(name string) (Property, bool) {
	n := s.node()
	if n == nil {
		return Property{}, false
	}
	p, ok := n.Properties[name]
	return p.clone(), ok
}

// HasProperty reports whether the named property is set.
func (s NodeState) HasProperty(name string) bool {
	_, ok := s.Property(name)
	return ok
}

// Properties returns a copy of every property.
func (s NodeState) Properties() map[string]Property {
	n := s.node()
	if n == nil {
		return nil
	}
	out := make(map[string]Property, len(n.Properties))
	for k, v := range n.Properties {
		out[k] = v.clone()
	}
	return out
}

// PropertyNames returns the property names in lexical order.
func (s NodeState) PropertyNames() []string {
	n := s.node()
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ChildNames returns child names in insertion order.
func (s NodeState) ChildNames() []string {
	if n := s.node(); n != nil {
		return slices.Clone(n.Children)
	}
	return nil
}

// Child returns the named child view; it may not exist.
func (s NodeState) Child(name string) NodeState {
	if s.tree == nil {
		return NodeState{}
	}
	return NodeState{tree: s.tree, path: JoinPath(s.path, name)}
}

// Children returns views of all children in order.
func (s NodeState) Children() []NodeState {
	names := s.ChildNames()
	out := make([]NodeState, len(names))
	for i, name := range names {
		out[i] = s.Child(name)
	}
	return out
}

// Parent returns the parent view; the root's parent does not exist.
func (s NodeState) Parent() NodeState {
	pp := ParentPath(s.path)
	if pp == "" || s.tree == nil {
		return NodeState{}
	}
	return NodeState{tree: s.tree, path: pp}
}

// Resolve follows a reference property of this node within the same tree.
func (s NodeState) Resolve(property string) NodeState {
	p, ok := s.Property(property)
	if !ok || s.tree == nil {
		return NodeState{}
	}
	if p.Type == TypePath {
		return s.tree.Node(p.String())
	}
	return s.tree.ByIdentifier(p.String())
}

// Lookup returns the node with the given identifier in the same tree.
func (s NodeState) Lookup(id string) NodeState {
	if s.tree == nil {
		return NodeState{}
	}
	return s.tree.ByIdentifier(id)
}

// At returns the node at an absolute path in the same tree.
func (s NodeState) At(p string) NodeState {
	if s.tree == nil {
		return NodeState{}
	}
	return s.tree.Node(p)
}

// Querier gives access to the tree this state belongs to.
func (s NodeState) Querier() Querier { return s.tree }

// Node returns a deep copy of the underlying node, or nil.
func (s NodeState) Node() *Node { return s.node().Clone() }

// Ancestor returns the nearest strict ancestor of the given type.
func (s NodeState) Ancestor(nodeType string) NodeState {
	for p := s.Parent(); p.Exists(); p = p.Parent() {
		if p.IsNodeType(nodeType) {
			return p
		}
	}
	return NodeState{}
}

// Descendants walks the subtree below s depth-first in child order.
func (s NodeState) Descendants(fn func(NodeState) bool) {
	for _, c := range s.Children() {
		if !fn(c) {
			continue
		}
		c.Descendants(fn)
	}
}

// NodeBuilder is a mutable view of a node. Writes are visible immediately
// through State and through any other builder on the same tree.
type NodeBuilder struct {
	tree *Tree
	path string
}

// Path returns the builder's node path.
func (b *NodeBuilder) Path() string { return b.path }

// Exists reports whether the node is still present.
func (b *NodeBuilder) Exists() bool { return b.tree.get(b.path) != nil }

// State returns a read view including this builder's own writes.
func (b *NodeBuilder) State() NodeState { return NodeState{tree: b.tree, path: b.path} }

// Property reads a property including pending writes.
func (b *NodeBuilder) Property(name string) (Property, bool) { return b.State().Property(name) }

// SetProperty writes a property on this node.
func (b *NodeBuilder) SetProperty(name string, p Property) error {
	return b.tree.SetProperty(b.path, name, p)
}

// RemoveProperty deletes a property on this node.
func (b *NodeBuilder) RemoveProperty(name string) error {
	return b.tree.RemoveProperty(b.path, name)
}

// ChildNames returns the current child names.
func (b *NodeBuilder) ChildNames() []string { return b.State().ChildNames() }

// Child returns the existing named child, or nil.
func (b *NodeBuilder) Child(name string) *NodeBuilder {
	return b.tree.Builder(JoinPath(b.path, name))
}

// ChildNode returns the named child, creating it with primaryType if missing.
func (b *NodeBuilder) ChildNode(name, primaryType string) (*NodeBuilder, error) {
	if c := b.Child(name); c != nil {
		return c, nil
	}
	p, err := b.tree.AddNode(b.path, name, primaryType)
	if err != nil {
		return nil, err
	}
	return &NodeBuilder{tree: b.tree, path: p}, nil
}

// Remove deletes this node and its subtree.
func (b *NodeBuilder) Remove() error { return b.tree.RemoveNode(b.path) }

// Parent returns the parent builder, or nil for the root.
func (b *NodeBuilder) Parent() *NodeBuilder {
	pp := ParentPath(b.path)
	if pp == "" {
		return nil
	}
	return b.tree.Builder(pp)
}

// At returns a builder for any existing path in the same tree.
func (b *NodeBuilder) At(p string) *NodeBuilder { return b.tree.Builder(p) }
