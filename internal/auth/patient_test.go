package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cards/internal/forms"
	"cards/internal/infra/persistence/memory"
	"cards/pkg/domain"
)

const signInQuestionnaires = `
- name: Patient information
  questions:
    - name: health_card
    - name: date_of_birth
      dataType: date
- name: Visit information
  questions:
    - name: time
      dataType: date
    - name: status
    - name: clinic
`

type signInVisit struct {
	id     string
	when   time.Time
	status string
}

func seedPatient(t *testing.T, store *memory.Store, visits ...signInVisit) {
	t.Helper()
	defs, err := forms.ParseQuestionnaires([]byte(signInQuestionnaires))
	require.NoError(t, err)
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		qs := map[string]domain.NodeState{}
		for _, d := range defs {
			q, err := forms.InstallQuestionnaire(tx, d)
			if err != nil {
				return err
			}
			qs[d.Name] = q
		}
		if err := forms.InstallSubjectTypes(tx, []forms.SubjectTypeDef{{Name: "Patient", Children: []forms.SubjectTypeDef{{Name: "Visit"}}}}); err != nil {
			return err
		}
		clinic, err := forms.CreateClinic(tx, forms.Clinic{Name: "cardio-7", DisplayName: "Cardiology", SidebarLabel: "Cardio", Survey: "Cardiology", TokenLifetime: 3})
		if err != nil {
			return err
		}
		patient, err := forms.CreateSubject(tx, domain.NodeState{}, tx.Node("/SubjectTypes/Patient"), "1001")
		if err != nil {
			return err
		}
		info, err := forms.Create(tx, qs["Patient information"], patient)
		if err != nil {
			return err
		}
		if _, err := forms.SetAnswer(tx, info.Path(), qs["Patient information"], "health_card", domain.StringValue("HC-55")); err != nil {
			return err
		}
		if _, err := forms.SetAnswer(tx, info.Path(), qs["Patient information"], "date_of_birth", domain.DateValue(time.Date(1970, 5, 17, 0, 0, 0, 0, time.UTC))); err != nil {
			return err
		}
		for _, vis := range visits {
			visit, err := forms.CreateSubject(tx, patient, tx.Node("/SubjectTypes/Patient/Visit"), vis.id)
			if err != nil {
				return err
			}
			vf, err := forms.Create(tx, qs["Visit information"], visit)
			if err != nil {
				return err
			}
			status := vis.status
			if status == "" {
				status = "planned"
			}
			for rel, val := range map[string]domain.Property{
				"time":   domain.DateValue(vis.when),
				"status": domain.StringValue(status),
				"clinic": domain.StringValue(clinic.Path()),
			} {
				if _, err := forms.SetAnswer(tx, vf.Path(), qs["Visit information"], rel, val); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func newAuthenticator(t *testing.T, now time.Time, visits ...signInVisit) (*PatientAuthenticator, *TokenManager) {
	t.Helper()
	store := memory.NewStore(nil)
	seedPatient(t, store, visits...)
	tokens, err := NewTokenManager("patient-sign-in-test-key", "cards", WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return NewPatientAuthenticator(store, tokens, DefaultPatientConfig()), tokens
}

func TestAuthenticateSingleVisitIssuesToken(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	visitDay := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	a, tokens := newAuthenticator(t, now, signInVisit{id: "V1", when: visitDay})

	s, err := a.Authenticate(context.Background(), Credentials{MRN: "1001", DateOfBirth: "1970-05-17"})
	require.NoError(t, err)
	require.Len(t, s.Visits, 1)
	assert.Equal(t, "V1", s.Visits[0].Identifier)
	assert.Equal(t, "Cardiology", s.Visits[0].Clinic)
	require.NotEmpty(t, s.Token)
	assert.Equal(t, s.Visits[0].Path, s.Visit)

	claims, err := tokens.Validate(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, KindPatient, claims.Kind)
	assert.Equal(t, s.Patient, claims.Patient)
	assert.True(t, claims.ExpiresAt.Time.Equal(EndOfDay(visitDay).AddDate(0, 0, 3)))

	byCard, err := a.Authenticate(context.Background(), Credentials{HealthCard: "hc-55", DateOfBirth: "1970-05-17"})
	require.NoError(t, err)
	assert.Equal(t, s.Patient, byCard.Patient)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a, _ := newAuthenticator(t, now, signInVisit{id: "V1", when: now.Add(48 * time.Hour)})
	ctx := context.Background()
	for name, c := range map[string]Credentials{
		"no identifier":    {DateOfBirth: "1970-05-17"},
		"unknown mrn":      {MRN: "9999", DateOfBirth: "1970-05-17"},
		"wrong birthday":   {MRN: "1001", DateOfBirth: "1970-05-18"},
		"unknown card":     {HealthCard: "HC-00", DateOfBirth: "1970-05-17"},
		"foreign visit":    {MRN: "1001", DateOfBirth: "1970-05-17", Visit: "V9"},
		"missing birthday": {MRN: "1001"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(ctx, c)
			require.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestAuthenticateSeveralVisitsNeedsSelection(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a, _ := newAuthenticator(t, now,
		signInVisit{id: "V2", when: now.Add(72 * time.Hour)},
		signInVisit{id: "V1", when: now.Add(24 * time.Hour)},
		signInVisit{id: "V3", when: now.Add(96 * time.Hour), status: "Cancelled"},
		signInVisit{id: "V0", when: now.AddDate(0, 0, -30)},
	)
	ctx := context.Background()

	s, err := a.Authenticate(ctx, Credentials{MRN: "1001", DateOfBirth: "1970-05-17"})
	require.NoError(t, err)
	assert.Empty(t, s.Token)
	ids := []string{}
	for _, v := range s.Visits {
		ids = append(ids, v.Identifier)
	}
	assert.Equal(t, []string{"V0", "V1", "V2"}, ids)

	s, err = a.Authenticate(ctx, Credentials{MRN: "1001", DateOfBirth: "1970-05-17", Visit: "V2"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)

	_, err = a.Authenticate(ctx, Credentials{MRN: "1001", DateOfBirth: "1970-05-17", Visit: "V0"})
	require.ErrorIs(t, err, ErrExpired)
}
