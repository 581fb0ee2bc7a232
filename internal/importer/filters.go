package importer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"cards/internal/forms"
	"cards/internal/platform/logger"
	"cards/pkg/domain"
)

// findPatient returns the committed patient subject for the row, if any.
func findPatient(v domain.TransactionView, cfg Config, row Row) domain.NodeState {
	id := row.Value(cfg.PatientIDColumn)
	if id == "" {
		return domain.NodeState{}
	}
	patient, err := forms.FindSubject(v, v.Node(cfg.PatientType), domain.NodeState{}, id)
	if err != nil {
		return domain.NodeState{}
	}
	return patient
}

// visitsOf lists the visit subjects directly below a patient.
func visitsOf(v domain.TransactionView, cfg Config, patient domain.NodeState) []domain.NodeState {
	visitType := v.Node(cfg.VisitType)
	var out []domain.NodeState
	for _, c := range patient.Children() {
		if !c.IsNodeType(domain.NodeTypeSubject) {
			continue
		}
		if t, _ := c.Property(domain.PropType); t.String() == visitType.Identifier() {
			out = append(out, c)
		}
	}
	return out
}

// answerOf returns the value of the answer to rel in the latest form of the
// questionnaire filled for subject.
func answerOf(v domain.TransactionView, questionnairePath, rel string, subject domain.NodeState) (domain.Property, bool) {
	q := v.Node(questionnairePath)
	question := forms.FindQuestion(q, rel)
	if !question.Exists() {
		return domain.Property{}, false
	}
	found, err := forms.FormsFor(v, q.Identifier(), subject.Identifier())
	if err != nil || len(found) == 0 {
		return domain.Property{}, false
	}
	return forms.AnswerValue(found[len(found)-1], question.Identifier())
}

// UnsubscribedFilter drops rows for patients who unsubscribed from e-mails
// or withdrew consent.
type UnsubscribedFilter struct {
	store  Viewer
	cfg    Config
	logger *slog.Logger
}

// NewUnsubscribedFilter builds the filter.
func NewUnsubscribedFilter(store Viewer, cfg Config, l *slog.Logger) *UnsubscribedFilter {
	return &UnsubscribedFilter{store: store, cfg: cfg, logger: logger.OrDiscard(l)}
}

func (f *UnsubscribedFilter) Name() string  { return "unsubscribed" }
func (f *UnsubscribedFilter) Priority() int { return PriorityUnsubscribed }

// Process implements Processor.
func (f *UnsubscribedFilter) Process(ctx context.Context, _ *Batch, row Row) Row {
	u := f.cfg.Unsubscribed
	if u.Questionnaire == "" {
		return row
	}
	drop := false
	err := f.store.View(ctx, func(v domain.TransactionView) error {
		patient := findPatient(v, f.cfg, row)
		if !patient.Exists() {
			return nil
		}
		if u.UnsubscribedQuestion != "" {
			if val, ok := answerOf(v, u.Questionnaire, u.UnsubscribedQuestion, patient); ok {
				if n, _ := val.Long(); n == 1 {
					drop = true
					return nil
				}
			}
		}
		if u.ConsentQuestion != "" {
			if val, ok := answerOf(v, u.Questionnaire, u.ConsentQuestion, patient); ok {
				if n, isLong := val.Long(); isLong && n == 0 {
					drop = true
				}
			}
		}
		return nil
	})
	if err != nil {
		f.logger.Error("unsubscribed lookup failed", "error", err)
		return nil
	}
	if drop {
		return nil
	}
	return row
}

// DiscardDuplicatesFilter keeps only the first row per identifier of the
// configured subject type within a batch.
type DiscardDuplicatesFilter struct {
	subjectType string
	column      string
}

// NewDiscardDuplicatesFilter builds the filter keyed by the column holding
// identifiers of subjectType.
func NewDiscardDuplicatesFilter(subjectType, column string) *DiscardDuplicatesFilter {
	return &DiscardDuplicatesFilter{subjectType: subjectType, column: column}
}

func (f *DiscardDuplicatesFilter) Name() string  { return "discard-duplicates" }
func (f *DiscardDuplicatesFilter) Priority() int { return PriorityDuplicates }

// Process implements Processor.
func (f *DiscardDuplicatesFilter) Process(_ context.Context, batch *Batch, row Row) Row {
	id := row.Value(f.column)
	if id == "" {
		return row
	}
	if batch.Seen(f.subjectType, id) {
		return nil
	}
	return row
}

// DiscardExistingVisitsFilter drops rows for visits that were already
// imported with the same or a newer feed update. Other visits of the patient
// on the same day are marked as superseded for the persister to delete.
type DiscardExistingVisitsFilter struct {
	store  Viewer
	cfg    Config
	logger *slog.Logger
}

// NewDiscardExistingVisitsFilter builds the filter.
func NewDiscardExistingVisitsFilter(store Viewer, cfg Config, l *slog.Logger) *DiscardExistingVisitsFilter {
	return &DiscardExistingVisitsFilter{store: store, cfg: cfg, logger: logger.OrDiscard(l)}
}

func (f *DiscardExistingVisitsFilter) Name() string  { return "discard-existing-visits" }
func (f *DiscardExistingVisitsFilter) Priority() int { return PriorityExistingVisits }

// Process implements Processor.
func (f *DiscardExistingVisitsFilter) Process(ctx context.Context, _ *Batch, row Row) Row {
	visitID := row.Value(f.cfg.VisitIDColumn)
	updated := parseRowDate(row.Value(f.cfg.UpdatedColumn))
	day := parseRowDate(row.Value(f.cfg.VisitDateColumn))
	keep := true
	var superseded []string
	err := f.store.View(ctx, func(v domain.TransactionView) error {
		patient := findPatient(v, f.cfg, row)
		if !patient.Exists() {
			return nil
		}
		for _, visit := range visitsOf(v, f.cfg, patient) {
			id, _ := visit.Property(domain.PropIdentifier)
			if id.String() == visitID {
				stored, ok := visit.Property(forms.PropSourceUpdated)
				if !ok {
					keep = false
					continue
				}
				prev, _ := stored.Date()
				if updated.IsZero() || !updated.After(prev) {
					keep = false
				}
				continue
			}
			if day.IsZero() {
				continue
			}
			when, ok := answerOf(v, f.cfg.VisitForm.Questionnaire, "time", visit)
			if !ok {
				continue
			}
			if t, ok := when.Date(); ok && sameDay(t, day) {
				superseded = append(superseded, visit.Path())
			}
		}
		return nil
	})
	if err != nil {
		f.logger.Error("existing visit lookup failed", "visit", visitID, "error", err)
		return nil
	}
	if !keep {
		return nil
	}
	if len(superseded) > 0 {
		row[MetaSupersedes] = strings.Join(superseded, ";")
	}
	return row
}

// RecentVisitDiscardFilter drops rows for patients who were sent a survey
// invitation within the cool-down window.
type RecentVisitDiscardFilter struct {
	store    Viewer
	cfg      Config
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRecentVisitDiscardFilter builds the filter; a nil now means time.Now.
func NewRecentVisitDiscardFilter(store Viewer, cfg Config, cooldown time.Duration, now func() time.Time, l *slog.Logger) *RecentVisitDiscardFilter {
	if now == nil {
		now = time.Now
	}
	return &RecentVisitDiscardFilter{store: store, cfg: cfg, cooldown: cooldown, now: now, logger: logger.OrDiscard(l)}
}

func (f *RecentVisitDiscardFilter) Name() string  { return "recent-visit" }
func (f *RecentVisitDiscardFilter) Priority() int { return PriorityRecentVisit }

// Process implements Processor.
func (f *RecentVisitDiscardFilter) Process(ctx context.Context, _ *Batch, row Row) Row {
	recent := false
	err := f.store.View(ctx, func(v domain.TransactionView) error {
		patient := findPatient(v, f.cfg, row)
		if !patient.Exists() {
			return nil
		}
		last, ok := patient.Property(forms.PropLastNotified)
		if !ok {
			return nil
		}
		if t, ok := last.Date(); ok && f.now().Sub(t) < f.cooldown {
			recent = true
		}
		return nil
	})
	if err != nil {
		f.logger.Error("recent visit lookup failed", "error", err)
		return nil
	}
	if recent {
		return nil
	}
	return row
}

func parseRowDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
