package proms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cards/internal/core"
	"cards/internal/editors"
	"cards/internal/forms"
	"cards/internal/infra/persistence/memory"
	"cards/internal/listeners"
	"cards/internal/mail"
	"cards/internal/observation"
	"cards/pkg/domain"
)

func newService(t *testing.T) *core.Service {
	t.Helper()
	svc := core.NewService(memory.NewStore(nil))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		stop, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = svc.Stop(stop)
		cancel()
	})
	return svc
}

func TestBundledDefinitionsDecode(t *testing.T) {
	qs, err := Questionnaires()
	require.NoError(t, err)
	names := make([]string, 0, len(qs))
	for _, q := range qs {
		names = append(names, q.Name)
	}
	assert.Equal(t, []string{"Patient information", "Visit information", "Pause-Resume Status"}, names)

	types, err := SubjectTypes()
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "Patient", types[0].Name)
	require.Len(t, types[0].Children, 1)
	assert.Equal(t, "Visit", types[0].Children[0].Name)
}

func TestInstallRegistersContentModel(t *testing.T) {
	svc := newService(t)
	p := New(Config{PauseResume: editors.DefaultPauseResumeConfig()}, WithStore(svc))

	meta, err := svc.InstallPlugin(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "proms", meta.Name)
	assert.Equal(t, []string{"subject-parent", "subject-full-identifier", "related-subjects", "completion-status", "pause-resume"}, meta.Editors)
	assert.Equal(t, []string{"resume-form-reference"}, meta.Listeners)

	_, err = svc.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		patient, err := forms.CreateSubject(tx, domain.NodeState{}, tx.Node("/SubjectTypes/Patient"), "MRN-1")
		if err != nil {
			return err
		}
		_, err = forms.CreateSubject(tx, patient, tx.Node("/SubjectTypes/Patient/Visit"), "CSN-9")
		return err
	})
	require.NoError(t, err)

	require.NoError(t, svc.View(context.Background(), func(v domain.TransactionView) error {
		for _, q := range []string{"Patient information", "Visit information", "Pause-Resume Status"} {
			assert.True(t, v.Node(forms.QuestionnairesRoot+"/"+q).Exists(), q)
		}
		visits, err := v.Query(domain.Query{NodeType: domain.NodeTypeSubject, Where: []domain.Condition{
			domain.Where(domain.PropIdentifier, domain.OpEq, domain.StringValue("CSN-9")),
		}})
		require.NoError(t, err)
		require.Len(t, visits, 1)
		full, _ := visits[0].Property(domain.PropFullIdentifier)
		assert.Equal(t, "MRN-1"+editors.FullIdentifierSeparator+"CSN-9", full.String())
		return nil
	}))

	_, err = svc.InstallPlugin(context.Background(), New(Config{}))
	assert.Error(t, err)
}

func TestOptionalListeners(t *testing.T) {
	svc := newService(t)
	published := observation.ListenerFunc{ID: "kafka-publisher", Fn: func(context.Context, []domain.Change) error { return nil }}
	cfg := Config{
		PauseResume:  editors.DefaultPauseResumeConfig(),
		VisitNumbers: []editors.VisitNumberConfig{{Questionnaire: "/Questionnaires/Visit information", VisitNumberQuestion: "visit_number"}},
		Alerts: listeners.AlertConfig{Rules: []listeners.AlertRule{{
			Name: "distress", Questionnaire: "/Questionnaires/PHQ9", Question: "score",
			Conditions: []string{"score >= 20"}, Recipients: []string{"clinic@example.com"},
		}}},
	}
	meta, err := svc.InstallPlugin(context.Background(), New(cfg, WithStore(svc), WithMailer(mail.NewMemorySender()), WithPublisher(published)))
	require.NoError(t, err)
	assert.Contains(t, meta.Editors, "visit-number")
	assert.Equal(t, []string{"resume-form-reference", "email-alert", "kafka-publisher"}, meta.Listeners)
}

func TestInvalidAlertRuleFailsRegistration(t *testing.T) {
	svc := newService(t)
	cfg := Config{Alerts: listeners.AlertConfig{Rules: []listeners.AlertRule{{Name: "bad", Conditions: []string{"score matches ("}}}}}
	_, err := svc.InstallPlugin(context.Background(), New(cfg, WithStore(svc), WithMailer(mail.NewMemorySender())))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert rule bad")
	assert.Empty(t, svc.InstalledPlugins())
}
