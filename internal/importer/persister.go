package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"cards/internal/forms"
	"cards/internal/platform/logger"
	"cards/pkg/domain"
)

// Store is the repository access the persister needs.
type Store interface {
	Viewer
	RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error)
}

// Persister writes accepted rows as patient and visit subjects with their
// information forms.
type Persister struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewPersister builds a persister for the feed configuration.
func NewPersister(store Store, cfg Config, l *slog.Logger) *Persister {
	return &Persister{store: store, cfg: cfg, logger: logger.OrDiscard(l)}
}

// Persist stores one row in a single transaction and returns the visit
// subject path.
func (p *Persister) Persist(ctx context.Context, row Row) (string, error) {
	patientID := row.Value(p.cfg.PatientIDColumn)
	visitID := row.Value(p.cfg.VisitIDColumn)
	if patientID == "" || visitID == "" {
		return "", fmt.Errorf("persist row: missing %s or %s", p.cfg.PatientIDColumn, p.cfg.VisitIDColumn)
	}
	var visitPath string
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		patient, err := p.ensureSubject(tx, p.cfg.PatientType, domain.NodeState{}, patientID)
		if err != nil {
			return err
		}
		visit, err := p.ensureSubject(tx, p.cfg.VisitType, patient, visitID)
		if err != nil {
			return err
		}
		visitPath = visit.Path()
		if updated := parseRowDate(row.Value(p.cfg.UpdatedColumn)); !updated.IsZero() {
			if err := tx.SetProperty(visit.Path(), forms.PropSourceUpdated, domain.DateValue(updated)); err != nil {
				return err
			}
		}
		if err := p.fillForm(tx, p.cfg.PatientForm, patient, row); err != nil {
			return err
		}
		if err := p.fillForm(tx, p.cfg.VisitForm, visit, row); err != nil {
			return err
		}
		for _, old := range splitList(row[MetaSupersedes]) {
			if old == visitPath {
				continue
			}
			if err := removeSubject(tx, old); err != nil {
				return err
			}
			p.logger.Info("removed superseded visit", "subject", old, "visit", visitID)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("persist visit %s: %w", visitID, err)
	}
	return visitPath, nil
}

func (p *Persister) ensureSubject(tx domain.Transaction, typePath string, parent domain.NodeState, id string) (domain.NodeState, error) {
	subjectType := tx.Node(typePath)
	if !subjectType.Exists() {
		return domain.NodeState{}, domain.NotFoundError{Kind: "subject type", ID: typePath}
	}
	s, err := forms.FindSubject(tx, subjectType, parent, id)
	if err == nil {
		return s, nil
	}
	return forms.CreateSubject(tx, parent, subjectType, id)
}

// fillForm writes the mapped answers into the subject's form, creating the
// form on first use. Blank and unparseable values are skipped.
func (p *Persister) fillForm(tx domain.Transaction, m FormMapping, subject domain.NodeState, row Row) error {
	if m.Questionnaire == "" || len(m.Answers) == 0 {
		return nil
	}
	q := tx.Node(m.Questionnaire)
	if !q.Exists() {
		return domain.NotFoundError{Kind: "questionnaire", ID: m.Questionnaire}
	}
	existing, err := forms.FormsFor(tx, q.Identifier(), subject.Identifier())
	if err != nil {
		return err
	}
	var form domain.NodeState
	if len(existing) > 0 {
		form = existing[len(existing)-1]
	} else if form, err = forms.Create(tx, q, subject); err != nil {
		return err
	}
	checkedIn := false
	if v, ok := form.Property(domain.PropIsCheckedOut); ok && !v.Bool() {
		checkedIn = true
		if err := tx.Checkout(form.Path()); err != nil {
			return err
		}
	}
	rels := make([]string, 0, len(m.Answers))
	for rel := range m.Answers {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		raw := row.Value(m.Answers[rel])
		if raw == "" {
			continue
		}
		question := forms.FindQuestion(q, rel)
		if !question.Exists() {
			p.logger.Warn("unmapped question", "questionnaire", m.Questionnaire, "question", rel)
			continue
		}
		value, err := forms.QuestionKind(question).ParseValue(raw)
		if err != nil {
			p.logger.Warn("skipping answer", "form", form.Path(), "question", rel, "error", err)
			continue
		}
		if _, err := forms.SetAnswer(tx, form.Path(), q, rel, value); err != nil {
			return err
		}
	}
	if checkedIn {
		return tx.Checkin(form.Path())
	}
	return nil
}

// removeSubject deletes a subject together with the forms filled for it and
// its descendant subjects.
func removeSubject(tx domain.Transaction, path string) error {
	subject := tx.Node(path)
	if !subject.Exists() {
		return nil
	}
	ids := []string{subject.Identifier()}
	subject.Descendants(func(n domain.NodeState) bool {
		if n.IsNodeType(domain.NodeTypeSubject) {
			ids = append(ids, n.Identifier())
		}
		return true
	})
	for _, id := range ids {
		found, err := tx.Query(domain.Query{
			NodeType: domain.NodeTypeForm,
			Where:    []domain.Condition{domain.Where(domain.PropSubject, domain.OpEq, domain.ReferenceValue(id))},
		})
		if err != nil {
			return err
		}
		for _, f := range found {
			if err := tx.RemoveNode(f.Path()); err != nil {
				return err
			}
		}
	}
	return tx.RemoveNode(path)
}
