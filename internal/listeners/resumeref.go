// Package listeners holds the post-commit observers that react to committed
// changes with follow-up writes or outbound e-mail.
package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"cards/internal/editors"
	"cards/internal/forms"
	"cards/internal/platform/logger"
	"cards/pkg/domain"
)

// Store is the repository access listeners need.
type Store interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
	RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error)
}

// touchedForms returns the paths of the forms containing the changed nodes,
// in first-seen order. Deleted nodes are ignored.
func touchedForms(v domain.TransactionView, changes []domain.Change) []string {
	var out []string
	for _, c := range changes {
		if c.Action == domain.ActionDelete {
			continue
		}
		n := v.Node(c.Path)
		if !n.IsNodeType(domain.NodeTypeForm) {
			n = n.Ancestor(domain.NodeTypeForm)
		}
		if n.Exists() && !slices.Contains(out, n.Path()) {
			out = append(out, n.Path())
		}
	}
	return out
}

// ResumeFormReferenceListener links each resume form with the pause form it
// ends through a pair of cards:FormReference nodes.
type ResumeFormReferenceListener struct {
	store  Store
	cfg    editors.PauseResumeConfig
	logger *slog.Logger
}

// NewResumeFormReferenceListener builds the listener.
func NewResumeFormReferenceListener(store Store, cfg editors.PauseResumeConfig, l *slog.Logger) *ResumeFormReferenceListener {
	return &ResumeFormReferenceListener{store: store, cfg: cfg, logger: logger.OrDiscard(l).With("listener", "resume-form-reference")}
}

// Name implements observation.Listener.
func (l *ResumeFormReferenceListener) Name() string { return "resume-form-reference" }

type formLink struct{ pause, resume string }

// OnChange implements observation.Listener.
func (l *ResumeFormReferenceListener) OnChange(ctx context.Context, changes []domain.Change) error {
	var links []formLink
	err := l.store.View(ctx, func(v domain.TransactionView) error {
		q := v.Node(l.cfg.Questionnaire)
		if !q.Exists() {
			return nil
		}
		statusQ := forms.FindQuestion(q, l.cfg.StatusQuestion)
		indexQ := forms.FindQuestion(q, l.cfg.IndexQuestion)
		for _, p := range touchedForms(v, changes) {
			form := v.Node(p)
			if forms.QuestionnaireOf(form).Path() != q.Path() {
				continue
			}
			if s, _ := forms.AnswerValue(form, statusQ.Identifier()); s.String() != editors.StatusResumed {
				continue
			}
			pause, err := l.pauseFor(v, q, form, statusQ, indexQ)
			if err != nil {
				l.logger.Warn("no pause form for resume", "form", p, "error", err)
				continue
			}
			if referencesForm(pause, form.Identifier()) && referencesForm(form, pause.Identifier()) {
				continue
			}
			links = append(links, formLink{pause: pause.Path(), resume: p})
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, link := range links {
		if err := l.link(ctx, link); err != nil {
			l.logger.Error("link resume form failed", "form", link.resume, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *ResumeFormReferenceListener) pauseFor(v domain.TransactionView, q, resume, statusQ, indexQ domain.NodeState) (domain.NodeState, error) {
	index, ok := forms.AnswerValue(resume, indexQ.Identifier())
	if !ok {
		return domain.NodeState{}, domain.NotFoundError{Kind: "answer", ID: l.cfg.IndexQuestion}
	}
	subject := forms.SubjectOf(resume)
	history, err := forms.FormsFor(v, q.Identifier(), subject.Identifier())
	if err != nil {
		return domain.NodeState{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Path() == resume.Path() {
			continue
		}
		if s, _ := forms.AnswerValue(h, statusQ.Identifier()); s.String() != editors.StatusPaused {
			continue
		}
		if hi, ok := forms.AnswerValue(h, indexQ.Identifier()); ok && hi.Equal(index) {
			return h, nil
		}
	}
	return domain.NodeState{}, domain.NotFoundError{Kind: "pause form", ID: subject.Path()}
}

func referencesForm(form domain.NodeState, id string) bool {
	for _, c := range form.Children() {
		if !c.IsNodeType(domain.NodeTypeFormReference) {
			continue
		}
		if ref, _ := c.Property(domain.PropReference); ref.String() == id {
			return true
		}
	}
	return false
}

// link writes both references. A version conflict caused by a concurrent
// checkin is retried once on a fresh transaction.
func (l *ResumeFormReferenceListener) link(ctx context.Context, link formLink) error {
	write := func(tx domain.Transaction) error {
		pause, resume := tx.Node(link.pause), tx.Node(link.resume)
		if !pause.Exists() || !resume.Exists() {
			return nil
		}
		if err := addReference(tx, pause, resume); err != nil {
			return err
		}
		return addReference(tx, resume, pause)
	}
	_, err := l.store.RunInTransaction(ctx, write)
	if errors.Is(err, domain.ErrVersion) {
		l.logger.Info("version conflict, retrying", "form", link.resume)
		_, err = l.store.RunInTransaction(ctx, write)
	}
	if err != nil {
		return fmt.Errorf("link %s to %s: %w", link.resume, link.pause, err)
	}
	l.logger.Debug("linked resume form", "form", link.resume, "pause", link.pause)
	return nil
}

// addReference adds a reference from form to target unless one exists,
// checking the form out for the write and back in afterwards when it was
// checked in.
func addReference(tx domain.Transaction, form, target domain.NodeState) error {
	if referencesForm(form, target.Identifier()) {
		return nil
	}
	checkedIn := false
	if v, ok := form.Property(domain.PropIsCheckedOut); ok && !v.Bool() {
		checkedIn = true
		if err := tx.Checkout(form.Path()); err != nil {
			return err
		}
	}
	ref, err := tx.AddNode(form.Path(), uuid.NewString(), domain.NodeTypeFormReference)
	if err != nil {
		return err
	}
	if err := tx.SetProperty(ref.Path(), domain.PropReference, domain.ReferenceValue(target.Identifier())); err != nil {
		return err
	}
	if checkedIn {
		return tx.Checkin(form.Path())
	}
	return nil
}
