package editors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cards/internal/forms"
	"cards/internal/infra/persistence/memory"
	"cards/pkg/domain"
)

const fixtureQuestionnaires = `
- name: Visit Information
  questions:
    - name: time
      dataType: date
      minAnswers: 1
  sections:
    - name: visit_information
      questions:
        - name: visit_number
          dataType: long
- name: Study Stream
  questions:
    - name: stream
- name: Pause-Resume Status
  questions:
    - name: enrollment_status
    - name: pause_resume_index
      dataType: long
`

type fixture struct {
	t     *testing.T
	store *memory.Store
	ctx   context.Context
}

func clock() func() time.Time {
	var mu sync.Mutex
	cur := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Minute)
		return cur
	}
}

func newFixture(t *testing.T, providers ...domain.EditorProvider) *fixture {
	t.Helper()
	hooks := domain.NewCommitHookEngine()
	for _, p := range providers {
		hooks.Register(p)
	}
	store := memory.NewStore(hooks)
	store.SetNowFunc(clock())
	f := &fixture{t: t, store: store, ctx: context.Background()}
	defs, err := forms.ParseQuestionnaires([]byte(fixtureQuestionnaires))
	require.NoError(t, err)
	f.commit(func(tx domain.Transaction) error {
		for _, d := range defs {
			if _, err := forms.InstallQuestionnaire(tx, d); err != nil {
				return err
			}
		}
		return forms.InstallSubjectTypes(tx, []forms.SubjectTypeDef{{Name: "Patient", Children: []forms.SubjectTypeDef{{Name: "Visit"}}}})
	})
	return f
}

func (f *fixture) commit(fn func(tx domain.Transaction) error) {
	f.t.Helper()
	_, err := f.store.RunInTransaction(f.ctx, fn)
	require.NoError(f.t, err)
}

func (f *fixture) subject(tx domain.Transaction, parent domain.NodeState, identifier string) domain.NodeState {
	f.t.Helper()
	typ := "/SubjectTypes/Patient"
	if parent.Exists() {
		typ = "/SubjectTypes/Patient/Visit"
	}
	s, err := forms.CreateSubject(tx, parent, tx.Node(typ), identifier)
	require.NoError(f.t, err)
	return s
}

// form creates a form and fills the given answers (question path -> value).
func (f *fixture) form(tx domain.Transaction, questionnaire string, subject domain.NodeState, answers map[string]domain.Property) string {
	f.t.Helper()
	q := tx.Node("/Questionnaires/" + questionnaire)
	form, err := forms.Create(tx, q, subject)
	require.NoError(f.t, err)
	for rel, v := range answers {
		_, err := forms.SetAnswer(tx, form.Path(), q, rel, v)
		require.NoError(f.t, err)
	}
	return form.Path()
}

func (f *fixture) answer(formPath, questionnaire, rel string) (domain.Property, bool) {
	var (
		v  domain.Property
		ok bool
	)
	_ = f.store.View(f.ctx, func(view domain.TransactionView) error {
		q := view.Node("/Questionnaires/" + questionnaire)
		v, ok = forms.AnswerValue(view.Node(formPath), forms.FindQuestion(q, rel).Identifier())
		return nil
	})
	return v, ok
}

func (f *fixture) node(p string) domain.NodeState {
	var n domain.NodeState
	_ = f.store.View(f.ctx, func(view domain.TransactionView) error {
		n = view.Node(p)
		return nil
	})
	return n
}

func visitNumberConfig() VisitNumberConfig {
	return VisitNumberConfig{
		Questionnaire:            "/Questionnaires/Visit Information",
		VisitNumberQuestion:      "visit_information/visit_number",
		StudyStreamQuestionnaire: "/Questionnaires/Study Stream",
		StudyStreamQuestion:      "stream",
		Streams: map[string][]int64{
			"Low Touch":  {1, 2, 4},
			"High Touch": {1, 3, 5},
		},
	}
}

func TestVisitNumberAssignsLowestUnusedNumber(t *testing.T) {
	f := newFixture(t, NewVisitNumberEditor([]VisitNumberConfig{visitNumberConfig()}))
	var patient domain.NodeState
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "1001")
		f.form(tx, "Study Stream", patient, map[string]domain.Property{"stream": domain.StringValue("Low Touch")})
		return nil
	})

	var got []int64
	for i := 0; i < 4; i++ {
		var p string
		f.commit(func(tx domain.Transaction) error {
			p = f.form(tx, "Visit Information", tx.Node(patient.Path()), nil)
			return nil
		})
		v, ok := f.answer(p, "Visit Information", "visit_information/visit_number")
		if !ok {
			got = append(got, 0)
			continue
		}
		n, _ := v.Long()
		got = append(got, n)
	}
	assert.Equal(t, []int64{1, 2, 4, 0}, got, "numbers follow the configured order and run out")

	// Switching stream keeps the numbers already used by any stream.
	f.commit(func(tx domain.Transaction) error {
		f.form(tx, "Study Stream", tx.Node(patient.Path()), map[string]domain.Property{"stream": domain.StringValue("High Touch")})
		return nil
	})
	var p string
	f.commit(func(tx domain.Transaction) error {
		p = f.form(tx, "Visit Information", tx.Node(patient.Path()), nil)
		return nil
	})
	v, ok := f.answer(p, "Visit Information", "visit_information/visit_number")
	require.True(t, ok)
	n, _ := v.Long()
	assert.Equal(t, int64(3), n)
}

func TestVisitNumberIsNeverOverwritten(t *testing.T) {
	f := newFixture(t, NewVisitNumberEditor([]VisitNumberConfig{visitNumberConfig()}))
	var patient domain.NodeState
	var manual string
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "1001")
		f.form(tx, "Study Stream", patient, map[string]domain.Property{"stream": domain.StringValue("Low Touch")})
		return nil
	})
	f.commit(func(tx domain.Transaction) error {
		manual = f.form(tx, "Visit Information", tx.Node(patient.Path()), map[string]domain.Property{
			"visit_information/visit_number": domain.LongValue(2),
		})
		return nil
	})
	v, _ := f.answer(manual, "Visit Information", "visit_information/visit_number")
	n, _ := v.Long()
	assert.Equal(t, int64(2), n)

	var next string
	f.commit(func(tx domain.Transaction) error {
		next = f.form(tx, "Visit Information", tx.Node(patient.Path()), nil)
		return nil
	})
	v, _ = f.answer(next, "Visit Information", "visit_information/visit_number")
	n, _ = v.Long()
	assert.Equal(t, int64(1), n, "2 is taken by the manual entry")

	// Editing the form later does not reassign the number.
	f.commit(func(tx domain.Transaction) error {
		return tx.SetProperty(next, "note", domain.StringValue("edited"))
	})
	v, _ = f.answer(next, "Visit Information", "visit_information/visit_number")
	n, _ = v.Long()
	assert.Equal(t, int64(1), n)
}

func TestVisitNumberIgnoresStudyStreamFromSameCommit(t *testing.T) {
	f := newFixture(t, NewVisitNumberEditor([]VisitNumberConfig{visitNumberConfig()}))
	var visit string
	f.commit(func(tx domain.Transaction) error {
		patient := f.subject(tx, domain.NodeState{}, "1002")
		f.form(tx, "Study Stream", patient, map[string]domain.Property{"stream": domain.StringValue("Low Touch")})
		visit = f.form(tx, "Visit Information", patient, nil)
		return nil
	})
	_, ok := f.answer(visit, "Visit Information", "visit_information/visit_number")
	assert.False(t, ok, "the stream must come from an already committed form")
}

func TestVisitNumberUsesAncestorStudyStream(t *testing.T) {
	cfg := visitNumberConfig()
	f := newFixture(t, NewVisitNumberEditor([]VisitNumberConfig{cfg}))
	var patient domain.NodeState
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "1003")
		f.form(tx, "Study Stream", patient, map[string]domain.Property{"stream": domain.StringValue("High Touch")})
		return nil
	})
	var visitForm string
	f.commit(func(tx domain.Transaction) error {
		visit := f.subject(tx, tx.Node(patient.Path()), "V1")
		visitForm = f.form(tx, "Visit Information", visit, nil)
		return nil
	})
	v, ok := f.answer(visitForm, "Visit Information", "visit_information/visit_number")
	require.True(t, ok)
	n, _ := v.Long()
	assert.Equal(t, int64(1), n)
}

func TestPauseResumeAlternatesAndCarriesIndex(t *testing.T) {
	f := newFixture(t, NewPauseResumeEditor(DefaultPauseResumeConfig()))
	var patient domain.NodeState
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "2001")
		return nil
	})
	var statuses []string
	var indexes []int64
	for i := 0; i < 5; i++ {
		var p string
		f.commit(func(tx domain.Transaction) error {
			p = f.form(tx, "Pause-Resume Status", tx.Node(patient.Path()), nil)
			return nil
		})
		s, _ := f.answer(p, "Pause-Resume Status", "enrollment_status")
		idx, _ := f.answer(p, "Pause-Resume Status", "pause_resume_index")
		n, _ := idx.Long()
		statuses = append(statuses, s.String())
		indexes = append(indexes, n)
	}
	assert.Equal(t, []string{StatusPaused, StatusResumed, StatusPaused, StatusResumed, StatusPaused}, statuses)
	assert.Equal(t, []int64{1, 1, 2, 2, 3}, indexes)
}

func TestPauseResumeSubjectsAreIndependent(t *testing.T) {
	f := newFixture(t, NewPauseResumeEditor(DefaultPauseResumeConfig()))
	var a, b domain.NodeState
	f.commit(func(tx domain.Transaction) error {
		a = f.subject(tx, domain.NodeState{}, "A")
		b = f.subject(tx, domain.NodeState{}, "B")
		return nil
	})
	var pa, pb string
	f.commit(func(tx domain.Transaction) error {
		pa = f.form(tx, "Pause-Resume Status", tx.Node(a.Path()), nil)
		return nil
	})
	f.commit(func(tx domain.Transaction) error {
		pb = f.form(tx, "Pause-Resume Status", tx.Node(b.Path()), nil)
		return nil
	})
	sa, _ := f.answer(pa, "Pause-Resume Status", "enrollment_status")
	sb, _ := f.answer(pb, "Pause-Resume Status", "enrollment_status")
	assert.Equal(t, StatusPaused, sa.String())
	assert.Equal(t, StatusPaused, sb.String())
}

func TestSubjectIdentifiersAndParents(t *testing.T) {
	f := newFixture(t, NewSubjectParentEditor(), NewSubjectFullIdentifierEditor())
	var patient, visit, sub domain.NodeState
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "P1")
		visit = f.subject(tx, patient, "V1")
		return nil
	})
	f.commit(func(tx domain.Transaction) error {
		s, err := forms.CreateSubject(tx, tx.Node(visit.Path()), tx.Node("/SubjectTypes/Patient/Visit"), "S1")
		sub = s
		return err
	})

	full := func(p string) string {
		v, _ := f.node(p).Property(domain.PropFullIdentifier)
		return v.String()
	}
	assert.Equal(t, "P1", full(patient.Path()))
	assert.Equal(t, "P1 / V1", full(visit.Path()))
	assert.Equal(t, "P1 / V1 / S1", full(sub.Path()))

	parents, ok := f.node(visit.Path()).Property(domain.PropParents)
	require.True(t, ok)
	assert.Equal(t, patient.Identifier(), parents.String())
	assert.False(t, f.node(patient.Path()).HasProperty(domain.PropParents))

	f.commit(func(tx domain.Transaction) error {
		return tx.SetProperty(patient.Path(), domain.PropIdentifier, domain.StringValue("P2"))
	})
	assert.Equal(t, "P2", full(patient.Path()))
	assert.Equal(t, "P2 / V1", full(visit.Path()), "descendants are recomputed in the same commit")
	assert.Equal(t, "P2 / V1 / S1", full(sub.Path()))
}

func TestRelatedSubjectsAndCompletion(t *testing.T) {
	f := newFixture(t, NewRelatedSubjectsEditor(), NewCompletionStatusEditor())
	var patient, visit domain.NodeState
	var form string
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "P1")
		visit = f.subject(tx, patient, "V1")
		form = f.form(tx, "Visit Information", visit, nil)
		return nil
	})
	related, _ := f.node(form).Property(domain.PropRelatedSubjects)
	assert.Equal(t, []string{visit.Identifier(), patient.Identifier()}, related.Strings())

	flags, _ := f.node(form).Property(domain.PropStatusFlags)
	assert.Equal(t, []string{StatusIncomplete}, flags.Strings())

	f.commit(func(tx domain.Transaction) error {
		_, err := forms.SetAnswer(tx, form, tx.Node("/Questionnaires/Visit Information"), "time", domain.DateValue(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)))
		return err
	})
	assert.False(t, f.node(form).HasProperty(domain.PropStatusFlags))
}

func TestEditorWritesOnOneFormAreMerged(t *testing.T) {
	f := newFixture(t,
		NewVisitNumberEditor([]VisitNumberConfig{visitNumberConfig()}),
		NewCompletionStatusEditor(),
	)
	var patient domain.NodeState
	f.commit(func(tx domain.Transaction) error {
		patient = f.subject(tx, domain.NodeState{}, "1001")
		f.form(tx, "Study Stream", patient, map[string]domain.Property{"stream": domain.StringValue("Low Touch")})
		return nil
	})
	var form string
	f.commit(func(tx domain.Transaction) error {
		form = f.form(tx, "Visit Information", tx.Node(patient.Path()), map[string]domain.Property{
			"time": domain.DateValue(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)),
		})
		return nil
	})
	v, ok := f.answer(form, "Visit Information", "visit_information/visit_number")
	require.True(t, ok)
	n, _ := v.Long()
	assert.Equal(t, int64(1), n)
	assert.False(t, f.node(form).HasProperty(domain.PropStatusFlags))
}
