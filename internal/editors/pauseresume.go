package editors

import (
	"context"
	"fmt"

	"cards/internal/forms"
	"cards/pkg/domain"
)

// Pause/resume enrollment states.
const (
	StatusPaused  = "paused"
	StatusResumed = "resumed"
)

// PauseResumeConfig names the pause/resume questionnaire and its questions.
type PauseResumeConfig struct {
	Questionnaire  string `yaml:"questionnaire"`
	StatusQuestion string `yaml:"statusQuestion"`
	IndexQuestion  string `yaml:"indexQuestion"`
}

// DefaultPauseResumeConfig matches the bundled Pause-Resume Status questionnaire.
func DefaultPauseResumeConfig() PauseResumeConfig {
	return PauseResumeConfig{
		Questionnaire:  "/Questionnaires/Pause-Resume Status",
		StatusQuestion: "enrollment_status",
		IndexQuestion:  "pause_resume_index",
	}
}

// PauseResumeEditor alternates new pause/resume forms of a subject between
// paused and resumed. A resume carries the index of the pause it ends.
//
// A new pause does not leave pause_resume_index cleared: it is issued one
// more than the highest index of the subject's committed pauses, so every
// pause stays distinguishable and ResumeFormReferenceListener can match a
// resume to its pause by index.
type PauseResumeEditor struct {
	base
	cfg PauseResumeConfig
}

// NewPauseResumeEditor constructs the provider.
func NewPauseResumeEditor(cfg PauseResumeConfig, opts ...Option) *PauseResumeEditor {
	return &PauseResumeEditor{base: newBase("pause-resume", opts), cfg: cfg}
}

// RootEditor implements domain.EditorProvider.
func (e *PauseResumeEditor) RootEditor(_ context.Context, _ domain.NodeState, builder *domain.NodeBuilder, info domain.CommitInfo) (domain.Editor, error) {
	if e.cfg.Questionnaire == "" {
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

func (e *PauseResumeEditor) process(form domain.NodeState, builder *domain.NodeBuilder, info domain.CommitInfo) {
	questionnaire := forms.QuestionnaireOf(form)
	if questionnaire.Path() != e.cfg.Questionnaire {
		return
	}
	statusQ := forms.FindQuestion(questionnaire, e.cfg.StatusQuestion)
	indexQ := forms.FindQuestion(questionnaire, e.cfg.IndexQuestion)
	if !statusQ.Exists() || !indexQ.Exists() {
		e.skip("pause/resume questions missing", form.Path(), domain.NotFoundError{Kind: "question", ID: questionnaire.Path()})
		return
	}
	subject := forms.SubjectOf(form)
	if !subject.Exists() {
		return
	}
	created, _ := form.Property(domain.PropCreated)
	history, err := forms.FormsFor(info.Committed, questionnaire.Identifier(), subject.Identifier())
	if err != nil {
		e.skip("pause/resume history lookup failed", form.Path(), err)
		return
	}

	var prior domain.NodeState
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Path() == form.Path() {
			continue
		}
		if hc, ok := h.Property(domain.PropCreated); ok && !created.IsZero() && hc.Equal(created) {
			continue
		}
		prior = h
		break
	}

	status := StatusPaused
	var index int64
	priorStatus, _ := forms.AnswerValue(prior, statusQ.Identifier())
	if prior.Exists() && priorStatus.String() == StatusPaused {
		status = StatusResumed
		v, ok := forms.AnswerValue(prior, indexQ.Identifier())
		if !ok {
			e.skip("paused form has no index", prior.Path(), domain.NotFoundError{Kind: "answer", ID: e.cfg.IndexQuestion})
			return
		}
		index, _ = v.Long()
	} else {
		index = nextPauseIndex(history, statusQ, indexQ)
	}

	fb := builder.At(form.Path())
	if err := e.write(fb, questionnaire, status, index); err != nil {
		e.skip("write pause/resume status", form.Path(), err)
		return
	}
	e.logger.Debug("pause/resume status", "form", form.Path(), "subject", subject.Path(), "status", status, "index", index)
}

// nextPauseIndex issues one more than the highest index used by a committed
// pause form of the subject.
func nextPauseIndex(history []domain.NodeState, statusQ, indexQ domain.NodeState) int64 {
	var highest int64
	for _, h := range history {
		if s, _ := forms.AnswerValue(h, statusQ.Identifier()); s.String() != StatusPaused {
			continue
		}
		if v, ok := forms.AnswerValue(h, indexQ.Identifier()); ok {
			if n, ok := v.Long(); ok && n > highest {
				highest = n
			}
		}
	}
	return highest + 1
}

func (e *PauseResumeEditor) write(fb *domain.NodeBuilder, questionnaire domain.NodeState, status string, index int64) error {
	sa, err := forms.MaterializeAnswer(fb, questionnaire, e.cfg.StatusQuestion)
	if err != nil {
		return err
	}
	if err := sa.SetProperty(domain.PropValue, domain.StringValue(status)); err != nil {
		return err
	}
	ia, err := forms.MaterializeAnswer(fb, questionnaire, e.cfg.IndexQuestion)
	if err != nil {
		return err
	}
	if ia.State().PrimaryType() != domain.NodeTypeLongAnswer {
		return fmt.Errorf("index answer %s is not a long answer", ia.Path())
	}
	return ia.SetProperty(domain.PropValue, domain.LongValue(index))
}
