package editors

import (
	"context"
	"slices"

	"cards/internal/forms"
	"cards/pkg/domain"
)

// StatusIncomplete flags forms missing a mandatory answer.
const StatusIncomplete = "INCOMPLETE"

// RelatedSubjectsEditor stores on each form the identifiers of its subject
// and of every ancestor subject, nearest first.
type RelatedSubjectsEditor struct {
	base
}

// NewRelatedSubjectsEditor constructs the provider.
func NewRelatedSubjectsEditor(opts ...Option) *RelatedSubjectsEditor {
	return &RelatedSubjectsEditor{base: newBase("related-subjects", opts)}
}

// RootEditor implements domain.EditorProvider.
func (e *RelatedSubjectsEditor) RootEditor(_ context.Context, _ domain.NodeState, builder *domain.NodeBuilder, _ domain.CommitInfo) (domain.Editor, error) {
	return domain.Visit(func(_, after domain.NodeState) (bool, error) {
		if !after.IsNodeType(domain.NodeTypeForm) {
			return descendInto(after), nil
		}
		fb := builder.At(after.Path())
		chain := forms.SubjectChain(forms.SubjectOf(after))
		if len(chain) == 0 {
			if err := fb.RemoveProperty(domain.PropRelatedSubjects); err != nil {
				e.skip("clear related subjects", after.Path(), err)
			}
			return false, nil
		}
		ids := make([]string, len(chain))
		for i, s := range chain {
			ids[i] = s.Identifier()
		}
		if err := setIfChanged(fb, domain.PropRelatedSubjects, domain.ReferenceValues(ids...)); err != nil {
			e.skip("set related subjects", after.Path(), err)
		}
		return false, nil
	}), nil
}

// CompletionStatusEditor flags forms INCOMPLETE while a question with
// minAnswers of at least one has no answer value.
type CompletionStatusEditor struct {
	base
}

// NewCompletionStatusEditor constructs the provider.
func NewCompletionStatusEditor(opts ...Option) *CompletionStatusEditor {
	return &CompletionStatusEditor{base: newBase("completion-status", opts)}
}

// RootEditor implements domain.EditorProvider.
func (e *CompletionStatusEditor) RootEditor(_ context.Context, _ domain.NodeState, builder *domain.NodeBuilder, _ domain.CommitInfo) (domain.Editor, error) {
	return domain.Visit(func(_, after domain.NodeState) (bool, error) {
		if !after.IsNodeType(domain.NodeTypeForm) {
			return descendInto(after), nil
		}
		questionnaire := forms.QuestionnaireOf(after)
		if !questionnaire.Exists() {
			return false, nil
		}
		fb := builder.At(after.Path())
		incomplete := false
		for _, q := range forms.Questions(questionnaire) {
			minAnswers, _ := q.Property(domain.PropMinAnswers)
			if n, _ := minAnswers.Long(); n < 1 {
				continue
			}
			if _, ok := forms.AnswerValue(fb.State(), q.Identifier()); !ok {
				incomplete = true
				break
			}
		}
		current, _ := fb.Property(domain.PropStatusFlags)
		flags := slices.DeleteFunc(current.Strings(), func(f string) bool { return f == StatusIncomplete })
		if incomplete {
			flags = append(flags, StatusIncomplete)
		}
		var err error
		switch {
		case len(flags) == 0 && len(current.Values) > 0:
			err = fb.RemoveProperty(domain.PropStatusFlags)
		case len(flags) > 0:
			err = setIfChanged(fb, domain.PropStatusFlags, domain.StringValues(flags...))
		}
		if err != nil {
			e.skip("set status flags", after.Path(), err)
		}
		return false, nil
	}), nil
}
