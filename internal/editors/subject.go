package editors

import (
	"context"

	"cards/pkg/domain"
)

// FullIdentifierSeparator joins ancestor identifiers in fullIdentifier.
const FullIdentifierSeparator = " / "

// SubjectParentEditor keeps a subject's parents property pointing at its
// nearest ancestor subject.
type SubjectParentEditor struct {
	base
}

// NewSubjectParentEditor constructs the provider.
func NewSubjectParentEditor(opts ...Option) *SubjectParentEditor {
	return &SubjectParentEditor{base: newBase("subject-parent", opts)}
}

// RootEditor implements domain.EditorProvider.
func (e *SubjectParentEditor) RootEditor(_ context.Context, _ domain.NodeState, builder *domain.NodeBuilder, _ domain.CommitInfo) (domain.Editor, error) {
	return domain.Visit(func(_, after domain.NodeState) (bool, error) {
		if !after.IsNodeType(domain.NodeTypeSubject) {
			return descendInto(after), nil
		}
		sb := builder.At(after.Path())
		parent := after.Ancestor(domain.NodeTypeSubject)
		var err error
		if parent.Exists() {
			err = setIfChanged(sb, domain.PropParents, domain.ReferenceValue(parent.Identifier()))
		} else {
			err = sb.RemoveProperty(domain.PropParents)
		}
		if err != nil {
			e.skip("set subject parent", after.Path(), err)
		}
		return true, nil
	}), nil
}

// SubjectFullIdentifierEditor maintains fullIdentifier as the parent
// subject's fullIdentifier and the subject's own identifier joined by
// FullIdentifierSeparator (" / "), e.g. "MRN-1 / CSN-9"; a top-level
// subject's fullIdentifier is its identifier. When a subject's value
// changes, every descendant subject is recomputed too.
type SubjectFullIdentifierEditor struct {
	base
}

// NewSubjectFullIdentifierEditor constructs the provider.
func NewSubjectFullIdentifierEditor(opts ...Option) *SubjectFullIdentifierEditor {
	return &SubjectFullIdentifierEditor{base: newBase("subject-full-identifier", opts)}
}

// RootEditor implements domain.EditorProvider.
func (e *SubjectFullIdentifierEditor) RootEditor(_ context.Context, _ domain.NodeState, builder *domain.NodeBuilder, _ domain.CommitInfo) (domain.Editor, error) {
	return domain.Visit(func(_, after domain.NodeState) (bool, error) {
		if !after.IsNodeType(domain.NodeTypeSubject) {
			return descendInto(after), nil
		}
		sb := builder.At(after.Path())
		changed, err := e.update(sb)
		if err != nil {
			e.skip("set full identifier", after.Path(), err)
			return true, nil
		}
		if changed {
			e.cascade(sb)
		}
		return true, nil
	}), nil
}

// update recomputes fullIdentifier from the parent as already updated in
// this editor's own view; parents are always visited before children.
func (e *SubjectFullIdentifierEditor) update(sb *domain.NodeBuilder) (bool, error) {
	want := fullIdentifier(sb.State())
	if cur, ok := sb.Property(domain.PropFullIdentifier); ok && cur.String() == want {
		return false, nil
	}
	return true, sb.SetProperty(domain.PropFullIdentifier, domain.StringValue(want))
}

func (e *SubjectFullIdentifierEditor) cascade(sb *domain.NodeBuilder) {
	sb.State().Descendants(func(n domain.NodeState) bool {
		if !n.IsNodeType(domain.NodeTypeSubject) {
			return false
		}
		if _, err := e.update(sb.At(n.Path())); err != nil {
			e.skip("cascade full identifier", n.Path(), err)
		}
		return true
	})
}

func fullIdentifier(s domain.NodeState) string {
	id, _ := s.Property(domain.PropIdentifier)
	parent := s.Ancestor(domain.NodeTypeSubject)
	if !parent.Exists() {
		return id.String()
	}
	pf, ok := parent.Property(domain.PropFullIdentifier)
	if !ok {
		return fullIdentifier(parent) + FullIdentifierSeparator + id.String()
	}
	return pf.String() + FullIdentifierSeparator + id.String()
}
