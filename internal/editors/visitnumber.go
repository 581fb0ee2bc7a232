package editors

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"cards/internal/forms"
	"cards/pkg/domain"
)

// VisitNumberConfig assigns visit numbers to new forms of one questionnaire.
// Question paths are relative to their questionnaire.
type VisitNumberConfig struct {
	Questionnaire            string             `yaml:"questionnaire"`
	VisitNumberQuestion      string             `yaml:"visitNumberQuestion"`
	StudyStreamQuestionnaire string             `yaml:"studyStreamQuestionnaire"`
	StudyStreamQuestion      string             `yaml:"studyStreamQuestion"`
	Streams                  map[string][]int64 `yaml:"streams"`
}

// VisitNumberEditor gives every new form of a configured questionnaire the
// lowest visit number of the subject's study stream that no committed form
// of that questionnaire already uses.
type VisitNumberEditor struct {
	base
	configs []VisitNumberConfig
}

// NewVisitNumberEditor constructs the provider.
func NewVisitNumberEditor(configs []VisitNumberConfig, opts ...Option) *VisitNumberEditor {
	return &VisitNumberEditor{base: newBase("visit-number", opts), configs: slices.Clone(configs)}
}

// RootEditor implements domain.EditorProvider.
func (e *VisitNumberEditor) RootEditor(_ context.Context, _ domain.NodeState, builder *domain.NodeBuilder, info domain.CommitInfo) (domain.Editor, error) {
	if len(e.configs) == 0 {
		return nil, nil
	}
	return domain.Visit(func(before, after domain.NodeState) (bool, error) {
		if isNewForm(before, after) {
			e.process(after, builder, info)
			return false, nil
		}
		return descendInto(after), nil
	}), nil
}

func (e *VisitNumberEditor) configFor(questionnaire domain.NodeState) (VisitNumberConfig, bool) {
	for _, c := range e.configs {
		if c.Questionnaire == questionnaire.Path() {
			return c, true
		}
	}
	return VisitNumberConfig{}, false
}

func (e *VisitNumberEditor) process(form domain.NodeState, builder *domain.NodeBuilder, info domain.CommitInfo) {
	questionnaire := forms.QuestionnaireOf(form)
	cfg, ok := e.configFor(questionnaire)
	if !ok {
		return
	}
	question := forms.FindQuestion(questionnaire, cfg.VisitNumberQuestion)
	if !question.Exists() {
		e.skip("visit number question missing", form.Path(), domain.NotFoundError{Kind: "question", ID: cfg.VisitNumberQuestion})
		return
	}
	fb := builder.At(form.Path())
	if _, set := forms.AnswerValue(fb.State(), question.Identifier()); set {
		return
	}
	subject := forms.SubjectOf(form)
	if !subject.Exists() {
		return
	}

	stream, err := e.studyStream(info.Committed, cfg, subject)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Info("no study stream for subject", "form", form.Path(), "subject", subject.Path())
		return
	}
	if err != nil {
		e.skip("study stream lookup failed", form.Path(), err)
		return
	}
	numbers, ok := cfg.Streams[stream]
	if !ok {
		e.logger.Info("unknown study stream", "form", form.Path(), "stream", stream)
		return
	}
	used, err := usedVisitNumbers(info.Committed, questionnaire, question, subject)
	if err != nil {
		e.skip("visit number lookup failed", form.Path(), err)
		return
	}
	next, found := int64(0), false
	for _, n := range numbers {
		if _, taken := used[n]; !taken {
			next, found = n, true
			break
		}
	}
	if !found {
		e.logger.Info("no visit number left", "form", form.Path(), "stream", stream)
		return
	}
	answer, err := forms.MaterializeAnswer(fb, questionnaire, cfg.VisitNumberQuestion)
	if err != nil {
		e.skip("materialize visit number answer", form.Path(), err)
		return
	}
	if err := answer.SetProperty(domain.PropValue, domain.LongValue(next)); err != nil {
		e.skip("write visit number", form.Path(), err)
	}
}

// studyStream reads the stream from the most recent committed study-stream
// form of the subject or, failing that, of its nearest ancestor that has one.
// The current commit is never consulted.
func (e *VisitNumberEditor) studyStream(committed domain.Querier, cfg VisitNumberConfig, subject domain.NodeState) (string, error) {
	streamQuestionnaire := committed.Node(cfg.StudyStreamQuestionnaire)
	if !streamQuestionnaire.Exists() {
		return "", domain.NotFoundError{Kind: "questionnaire", ID: cfg.StudyStreamQuestionnaire}
	}
	question := forms.FindQuestion(streamQuestionnaire, cfg.StudyStreamQuestion)
	if !question.Exists() {
		return "", domain.NotFoundError{Kind: "question", ID: cfg.StudyStreamQuestion}
	}
	for _, s := range forms.SubjectChain(subject) {
		found, err := forms.FormsFor(committed, streamQuestionnaire.Identifier(), s.Identifier())
		if err != nil {
			return "", fmt.Errorf("query study stream forms: %w", err)
		}
		for i := len(found) - 1; i >= 0; i-- {
			if v, ok := forms.AnswerValue(found[i], question.Identifier()); ok {
				return v.String(), nil
			}
		}
	}
	return "", domain.NotFoundError{Kind: "study stream form", ID: subject.Path()}
}

// usedVisitNumbers collects the visit numbers of every committed form of the
// questionnaire for the subject, regardless of stream.
func usedVisitNumbers(committed domain.Querier, questionnaire, question, subject domain.NodeState) (map[int64]struct{}, error) {
	found, err := forms.FormsFor(committed, questionnaire.Identifier(), subject.Identifier())
	if err != nil {
		return nil, fmt.Errorf("query visit forms: %w", err)
	}
	used := make(map[int64]struct{}, len(found))
	for _, f := range found {
		v, ok := forms.AnswerValue(f, question.Identifier())
		if !ok {
			continue
		}
		for _, n := range v.Longs() {
			used[n] = struct{}{}
		}
	}
	return used, nil
}
