package domain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Editor receives the before/after diff of a commit one node at a time.
// Enter runs before a node's properties and children are visited and Leave
// after them. The child callbacks return the editor for that child, or nil
// to skip its subtree.
type Editor interface {
	Enter(before, after NodeState) error
	Leave(before, after NodeState) error
	PropertyAdded(name string, after Property) error
	PropertyChanged(name string, before, after Property) error
	PropertyDeleted(name string, before Property) error
	ChildNodeAdded(name string, after NodeState) (Editor, error)
	ChildNodeChanged(name string, before, after NodeState) (Editor, error)
	ChildNodeDeleted(name string, before NodeState) (Editor, error)
}

// DefaultEditor ignores every callback and skips all children. Embed it and
// override what is needed.
type DefaultEditor struct{}

func (DefaultEditor) Enter(NodeState, NodeState) error                 { return nil }
func (DefaultEditor) Leave(NodeState, NodeState) error                 { return nil }
func (DefaultEditor) PropertyAdded(string, Property) error             { return nil }
func (DefaultEditor) PropertyChanged(string, Property, Property) error { return nil }
func (DefaultEditor) PropertyDeleted(string, Property) error           { return nil }
func (DefaultEditor) ChildNodeAdded(string, NodeState) (Editor, error) {
	return nil, nil
}
func (DefaultEditor) ChildNodeChanged(string, NodeState, NodeState) (Editor, error) {
	return nil, nil
}
func (DefaultEditor) ChildNodeDeleted(string, NodeState) (Editor, error) {
	return nil, nil
}

// VisitFunc is called for each added or changed node below the root. It
// returns whether the walk should continue into the node's children.
type VisitFunc func(before, after NodeState) (descend bool, err error)

type visitor struct {
	DefaultEditor
	fn VisitFunc
}

// Visit adapts a VisitFunc into an editor that walks every changed subtree.
func Visit(fn VisitFunc) Editor { return &visitor{fn: fn} }

func (v *visitor) ChildNodeAdded(_ string, after NodeState) (Editor, error) {
	return v.visit(NodeState{}, after)
}

func (v *visitor) ChildNodeChanged(_ string, before, after NodeState) (Editor, error) {
	return v.visit(before, after)
}

func (v *visitor) visit(before, after NodeState) (Editor, error) {
	descend, err := v.fn(before, after)
	if err != nil || !descend {
		return nil, err
	}
	return v, nil
}

// CommitInfo describes the commit being processed. Committed gives editors
// query access to state as it was before this commit.
type CommitInfo struct {
	UserID    string
	Time      time.Time
	Committed Querier

	result *Result
	mu     *sync.Mutex
}

// Report records a finding; blocking findings abort the commit.
func (c CommitInfo) Report(v Violation) {
	if c.result == nil {
		return
	}
	c.mu.Lock()
	c.result.Violations = append(c.result.Violations, v)
	c.mu.Unlock()
}

// EditorProvider builds the root editor for one commit. Returning a nil
// editor skips the provider for this commit.
type EditorProvider interface {
	Name() string
	RootEditor(ctx context.Context, before NodeState, builder *NodeBuilder, info CommitInfo) (Editor, error)
}

// CommitHookEngine runs editor providers over a commit.
type CommitHookEngine struct {
	mu        sync.RWMutex
	providers []EditorProvider
}

// NewCommitHookEngine constructs an engine instance.
func NewCommitHookEngine() *CommitHookEngine {
	return &CommitHookEngine{}
}

// Register appends a provider; providers run in registration order.
func (e *CommitHookEngine) Register(p EditorProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers = append(e.providers, p)
}

// Providers returns the registered providers in order.
func (e *CommitHookEngine) Providers() []EditorProvider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]EditorProvider(nil), e.providers...)
}

// Process runs every provider against the before/after diff. Each provider
// writes into a private copy of after, so it sees its own writes but never
// those of another provider in the same commit. The copies are merged onto
// after in registration order; the last writer of a property wins.
func (e *CommitHookEngine) Process(ctx context.Context, before, after *Tree, info CommitInfo) (*Tree, Result, error) {
	var result Result
	changes := Diff(before, after)
	if len(changes) == 0 {
		return after, result, nil
	}
	dirty := dirtyPaths(changes)
	if info.Committed == nil {
		info.Committed = before
	}
	info.result = &result
	info.mu = &sync.Mutex{}

	merged := after.Clone()
	for _, p := range e.Providers() {
		if err := ctx.Err(); err != nil {
			return nil, Result{}, err
		}
		overlay := after.Clone()
		ed, err := p.RootEditor(ctx, before.Root(), overlay.Builder("/"), info)
		if err != nil {
			return nil, Result{}, fmt.Errorf("editor %s: %w", p.Name(), err)
		}
		if ed == nil {
			continue
		}
		if err := walk(ed, before.Root(), after.Root(), dirty); err != nil {
			return nil, Result{}, fmt.Errorf("editor %s: %w", p.Name(), err)
		}
		if err := merged.Apply(Diff(after, overlay)); err != nil {
			return nil, Result{}, fmt.Errorf("editor %s: %w", p.Name(), err)
		}
	}
	return merged, result, nil
}

func walk(ed Editor, before, after NodeState, dirty map[string]struct{}) error {
	if err := ed.Enter(before, after); err != nil {
		return err
	}
	bn, an := before.node(), after.node()
	if bn != nil {
		for _, name := range before.PropertyNames() {
			bp := bn.Properties[name]
			if an == nil {
				if err := ed.PropertyDeleted(name, bp.clone()); err != nil {
					return err
				}
				continue
			}
			ap, ok := an.Properties[name]
			switch {
			case !ok:
				if err := ed.PropertyDeleted(name, bp.clone()); err != nil {
					return err
				}
			case !ap.Equal(bp):
				if err := ed.PropertyChanged(name, bp.clone(), ap.clone()); err != nil {
					return err
				}
			}
		}
	}
	if an != nil {
		for _, name := range after.PropertyNames() {
			if bn != nil {
				if _, ok := bn.Properties[name]; ok {
					continue
				}
			}
			if err := ed.PropertyAdded(name, an.Properties[name].clone()); err != nil {
				return err
			}
		}
	}
	base := after.Path()
	if an == nil {
		base = before.Path()
	}
	for _, name := range childUnion(bn, an) {
		bc, ac := before.Child(name), after.Child(name)
		if _, ok := dirty[JoinPath(base, name)]; !ok {
			continue
		}
		var child Editor
		var err error
		switch {
		case !bc.Exists():
			child, err = ed.ChildNodeAdded(name, ac)
		case !ac.Exists():
			child, err = ed.ChildNodeDeleted(name, bc)
		default:
			child, err = ed.ChildNodeChanged(name, bc, ac)
		}
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := walk(child, bc, ac, dirty); err != nil {
			return err
		}
	}
	return ed.Leave(before, after)
}
