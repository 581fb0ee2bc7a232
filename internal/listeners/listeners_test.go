package listeners

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"cards/internal/editors"
	"cards/internal/forms"
	"cards/internal/infra/persistence/memory"
	"cards/internal/mail"
	"cards/internal/mail/mocks"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"
)

const listenerQuestionnaires = `
- name: Pause-Resume Status
  questions:
    - name: enrollment_status
    - name: pause_resume_index
      dataType: long
- name: PHQ
  questions:
    - name: phq9_score
      dataType: long
    - name: comment
- name: Visit information
  questions:
    - name: clinic
`

func newStore(t *testing.T, providers ...domain.EditorProvider) *memory.Store {
	t.Helper()
	hooks := domain.NewCommitHookEngine()
	for _, p := range providers {
		hooks.Register(p)
	}
	store := memory.NewStore(hooks)
	var mu sync.Mutex
	cur := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Minute)
		return cur
	})
	defs, err := forms.ParseQuestionnaires([]byte(listenerQuestionnaires))
	require.NoError(t, err)
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, d := range defs {
			if _, err := forms.InstallQuestionnaire(tx, d); err != nil {
				return err
			}
		}
		return forms.InstallSubjectTypes(tx, []forms.SubjectTypeDef{{Name: "Patient", Children: []forms.SubjectTypeDef{{Name: "Visit"}}}})
	})
	require.NoError(t, err)
	return store
}

// commit runs fn and returns the committed change list.
func commit(t *testing.T, store *memory.Store, fn func(tx domain.Transaction) error) []domain.Change {
	t.Helper()
	_, changes, err := store.Commit(context.Background(), fn)
	require.NoError(t, err)
	return changes
}

func createForm(tx domain.Transaction, questionnaire string, subject domain.NodeState, answers map[string]domain.Property) (string, error) {
	q := tx.Node("/Questionnaires/" + questionnaire)
	form, err := forms.Create(tx, q, subject)
	if err != nil {
		return "", err
	}
	for rel, v := range answers {
		if _, err := forms.SetAnswer(tx, form.Path(), q, rel, v); err != nil {
			return "", err
		}
	}
	return form.Path(), nil
}

// flakyStore fails the first writes with a version conflict.
type flakyStore struct {
	*memory.Store
	mu     sync.Mutex
	fails  int
	writes int
}

func (s *flakyStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	s.writes++
	fail := s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return domain.Result{}, fmt.Errorf("checkin raced: %w", domain.ErrVersion)
	}
	return s.Store.RunInTransaction(ctx, fn)
}

type ResumeReferenceSuite struct {
	suite.Suite
	store   *memory.Store
	patient domain.NodeState
	pause   string
	resume  string
	changes []domain.Change
}

func TestResumeReferenceSuite(t *testing.T) {
	suite.Run(t, new(ResumeReferenceSuite))
}

func (s *ResumeReferenceSuite) SetupTest() {
	s.store = newStore(s.T(), editors.NewPauseResumeEditor(editors.DefaultPauseResumeConfig()))
	commit(s.T(), s.store, func(tx domain.Transaction) error {
		var err error
		s.patient, err = forms.CreateSubject(tx, domain.NodeState{}, tx.Node("/SubjectTypes/Patient"), "1001")
		if err != nil {
			return err
		}
		s.pause, err = createForm(tx, "Pause-Resume Status", s.patient, nil)
		return err
	})
	s.changes = commit(s.T(), s.store, func(tx domain.Transaction) error {
		var err error
		s.resume, err = createForm(tx, "Pause-Resume Status", tx.Node(s.patient.Path()), nil)
		return err
	})
}

func (s *ResumeReferenceSuite) references(formPath string) []string {
	var out []string
	_ = s.store.View(context.Background(), func(v domain.TransactionView) error {
		for _, c := range v.Node(formPath).Children() {
			if c.IsNodeType(domain.NodeTypeFormReference) {
				ref, _ := c.Property(domain.PropReference)
				out = append(out, v.ByIdentifier(ref.String()).Path())
			}
		}
		return nil
	})
	return out
}

func (s *ResumeReferenceSuite) TestLinksPauseAndResumeBothWays() {
	l := NewResumeFormReferenceListener(s.store, editors.DefaultPauseResumeConfig(), nil)
	s.Require().NoError(l.OnChange(context.Background(), s.changes))
	s.Equal([]string{s.resume}, s.references(s.pause))
	s.Equal([]string{s.pause}, s.references(s.resume))

	s.Require().NoError(l.OnChange(context.Background(), s.changes))
	s.Len(s.references(s.pause), 1, "linking is idempotent")
}

func (s *ResumeReferenceSuite) TestChecksInFormsAgainAfterLinking() {
	commit(s.T(), s.store, func(tx domain.Transaction) error { return tx.Checkin(s.pause) })
	l := NewResumeFormReferenceListener(s.store, editors.DefaultPauseResumeConfig(), nil)
	s.Require().NoError(l.OnChange(context.Background(), s.changes))
	s.Equal([]string{s.resume}, s.references(s.pause))
	_ = s.store.View(context.Background(), func(v domain.TransactionView) error {
		out, _ := v.Node(s.pause).Property(domain.PropIsCheckedOut)
		s.False(out.Bool())
		return nil
	})
}

func (s *ResumeReferenceSuite) TestRetriesVersionConflictOnce() {
	flaky := &flakyStore{Store: s.store, fails: 1}
	l := NewResumeFormReferenceListener(flaky, editors.DefaultPauseResumeConfig(), nil)
	s.Require().NoError(l.OnChange(context.Background(), s.changes))
	s.Equal(2, flaky.writes)
	s.Len(s.references(s.pause), 1)

	s.SetupTest()
	flaky = &flakyStore{Store: s.store, fails: 2}
	l = NewResumeFormReferenceListener(flaky, editors.DefaultPauseResumeConfig(), nil)
	err := l.OnChange(context.Background(), s.changes)
	s.Require().ErrorIs(err, domain.ErrVersion)
	s.Equal(2, flaky.writes)
	s.Empty(s.references(s.pause))
}

func (s *ResumeReferenceSuite) TestIgnoresPauseForms() {
	l := NewResumeFormReferenceListener(s.store, editors.DefaultPauseResumeConfig(), nil)
	third := commit(s.T(), s.store, func(tx domain.Transaction) error {
		_, err := createForm(tx, "Pause-Resume Status", tx.Node(s.patient.Path()), nil)
		return err
	})
	s.Require().NoError(l.OnChange(context.Background(), third))
	s.Empty(s.references(s.pause))
}

type EmailAlertSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	sender *mocks.MockSender
	store  *memory.Store
	visit  domain.NodeState
	cfg    AlertConfig
}

func TestEmailAlertSuite(t *testing.T) {
	suite.Run(t, new(EmailAlertSuite))
}

func (s *EmailAlertSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.sender = mocks.NewMockSender(s.ctrl)
	s.store = newStore(s.T())
	s.cfg = AlertConfig{
		From:                "cards@example.com",
		BaseURL:             "https://cards.example.com/",
		ClinicQuestionnaire: "/Questionnaires/Visit information",
		ClinicQuestion:      "clinic",
		Rules: []AlertRule{{
			Name:          "severe-depression",
			Questionnaire: "/Questionnaires/PHQ",
			Question:      "phq9_score",
			Conditions:    []string{"phq9_score >= 20"},
			Recipients:    []string{"fallback@example.com"},
			Subject:       "PHQ alert for {{subject}} at {{clinicName}}",
		}},
	}
	commit(s.T(), s.store, func(tx domain.Transaction) error {
		if _, err := tx.EnsureNode("/Proms", domain.NodeTypeClinicFolder); err != nil {
			return err
		}
		clinic, err := tx.AddNode("/Proms", "cardiology", domain.NodeTypeClinicMapping)
		if err != nil {
			return err
		}
		if err := tx.SetProperty(clinic.Path(), domain.PropDisplayName, domain.StringValue("Cardiology")); err != nil {
			return err
		}
		if err := tx.SetProperty(clinic.Path(), PropAlertEmail, domain.StringValue("alerts@example.com")); err != nil {
			return err
		}
		patient, err := forms.CreateSubject(tx, domain.NodeState{}, tx.Node("/SubjectTypes/Patient"), "1001")
		if err != nil {
			return err
		}
		if err := tx.SetProperty(patient.Path(), domain.PropFullIdentifier, domain.StringValue("1001")); err != nil {
			return err
		}
		s.visit, err = forms.CreateSubject(tx, patient, tx.Node("/SubjectTypes/Patient/Visit"), "V1")
		if err != nil {
			return err
		}
		if err := tx.SetProperty(s.visit.Path(), domain.PropFullIdentifier, domain.StringValue("1001 / V1")); err != nil {
			return err
		}
		_, err = createForm(tx, "Visit information", s.visit, map[string]domain.Property{"clinic": domain.StringValue("/Proms/cardiology")})
		return err
	})
}

func (s *EmailAlertSuite) answer(score int64) []domain.Change {
	return commit(s.T(), s.store, func(tx domain.Transaction) error {
		_, err := createForm(tx, "PHQ", tx.Node(s.visit.Path()), map[string]domain.Property{"phq9_score": domain.LongValue(score)})
		return err
	})
}

func (s *EmailAlertSuite) TestSendsAlertToClinicAddress() {
	m := metrics.New()
	l, err := NewEmailAlertEventListener(s.store, s.sender, s.cfg, m, nil)
	s.Require().NoError(err)
	var got mail.Message
	s.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg mail.Message) error {
		got = msg
		return nil
	}).Times(1)

	s.Require().NoError(l.OnChange(context.Background(), s.answer(21)))
	s.Equal([]string{"alerts@example.com"}, got.To)
	s.Equal("PHQ alert for 1001 / V1 at Cardiology", got.Subject)
	s.Contains(got.Text, "https://cards.example.com/content.html/Forms/")
	s.Contains(got.Text, "with 21")
}

func (s *EmailAlertSuite) TestSkipsAnswersBelowThreshold() {
	l, err := NewEmailAlertEventListener(s.store, s.sender, s.cfg, nil, nil)
	s.Require().NoError(err)
	s.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Times(0)
	s.Require().NoError(l.OnChange(context.Background(), s.answer(5)))
}

func (s *EmailAlertSuite) TestFallsBackToRuleRecipients() {
	commit(s.T(), s.store, func(tx domain.Transaction) error {
		return tx.RemoveProperty("/Proms/cardiology", PropAlertEmail)
	})
	l, err := NewEmailAlertEventListener(s.store, s.sender, s.cfg, nil, nil)
	s.Require().NoError(err)
	s.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg mail.Message) error {
		s.Equal([]string{"fallback@example.com"}, msg.To)
		return nil
	})
	s.Require().NoError(l.OnChange(context.Background(), s.answer(25)))
}

func (s *EmailAlertSuite) TestRejectsInvalidConditions() {
	cfg := s.cfg
	cfg.Rules = []AlertRule{{Name: "bad", Conditions: []string{"no operator"}}}
	_, err := NewEmailAlertEventListener(s.store, s.sender, cfg, nil, nil)
	s.Error(err)
}
