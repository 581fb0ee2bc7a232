package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Node is a single content tree node. Children holds child names in insertion order.
type Node struct {
	Path        string              `json:"path"`
	PrimaryType string              `json:"primary_type"`
	Mixins      []string            `json:"mixins,omitempty"`
	Properties  map[string]Property `json:"properties"`
	Children    []string            `json:"children,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := &Node{
		Path:        n.Path,
		PrimaryType: n.PrimaryType,
		Mixins:      slices.Clone(n.Mixins),
		Properties:  make(map[string]Property, len(n.Properties)),
		Children:    slices.Clone(n.Children),
	}
	for k, v := range n.Properties {
		cp.Properties[k] = v.clone()
	}
	return cp
}

// Name returns the last path segment.
func (n *Node) Name() string { return BaseName(n.Path) }

// Identifier returns the node's jcr:uuid, if any.
func (n *Node) Identifier() string { return n.Properties[PropUUID].String() }

// sameContent compares everything except the child list.
func (n *Node) sameContent(o *Node) bool {
	if n.PrimaryType != o.PrimaryType || !slices.Equal(n.Mixins, o.Mixins) {
		return false
	}
	return maps.EqualFunc(n.Properties, o.Properties, Property.Equal)
}

// changedProperties lists property names whose value differs between before and after.
func changedProperties(before, after *Node) []string {
	var names []string
	for name, bp := range before.Properties {
		ap, ok := after.Properties[name]
		if !ok || !ap.Equal(bp) {
			names = append(names, name)
		}
	}
	for name := range after.Properties {
		if _, ok := before.Properties[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// JoinPath appends a child name to a parent path.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// ParentPath returns the parent of p; the root's parent is the empty string.
func ParentPath(p string) string {
	if p == "/" || p == "" {
		return ""
	}
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// BaseName returns the last path segment; the root has an empty name.
func BaseName(p string) string {
	if p == "/" {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// IsAncestor reports whether ancestor is a strict ancestor of p.
func IsAncestor(ancestor, p string) bool {
	if ancestor == "/" {
		return p != "/" && strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// ValidateName rejects names that cannot be used as a path segment.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/[]|*") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return nil
}

// CleanPath normalises an absolute path, rejecting relative ones.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	if p == "/" {
		return p, nil
	}
	p = strings.TrimRight(p, "/")
	for _, seg := range strings.Split(p[1:], "/") {
		if err := ValidateName(seg); err != nil {
			return "", err
		}
	}
	return p, nil
}
