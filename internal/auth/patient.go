package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"cards/internal/forms"
	"cards/pkg/domain"
)

// ErrInvalidCredentials reports a patient lookup that matched nobody or a
// date of birth that did not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// PatientConfig locates the patient and visit answers checked at sign-in.
type PatientConfig struct {
	PatientType          string   `yaml:"patientType"`
	PatientQuestionnaire string   `yaml:"patientQuestionnaire"`
	HealthCardQuestion   string   `yaml:"healthCardQuestion"`
	DateOfBirthQuestion  string   `yaml:"dateOfBirthQuestion"`
	VisitQuestionnaire   string   `yaml:"visitQuestionnaire"`
	VisitDateQuestion    string   `yaml:"visitDateQuestion"`
	VisitStatusQuestion  string   `yaml:"visitStatusQuestion"`
	ClinicQuestion       string   `yaml:"clinicQuestion"`
	CancelledStatuses    []string `yaml:"cancelledStatuses"`
}

// DefaultPatientConfig matches the questionnaires written by the importer.
func DefaultPatientConfig() PatientConfig {
	return PatientConfig{
		PatientType:          "/SubjectTypes/Patient",
		PatientQuestionnaire: "/Questionnaires/Patient information",
		HealthCardQuestion:   "health_card",
		DateOfBirthQuestion:  "date_of_birth",
		VisitQuestionnaire:   "/Questionnaires/Visit information",
		VisitDateQuestion:    "time",
		VisitStatusQuestion:  "status",
		ClinicQuestion:       "clinic",
		CancelledStatuses:    []string{"cancelled", "canceled"},
	}
}

// Credentials identify a patient by MRN or health card plus date of birth,
// optionally selecting one visit.
type Credentials struct {
	MRN         string
	HealthCard  string
	DateOfBirth string
	Visit       string
}

// VisitSummary describes one visit offered to a signed-in patient.
type VisitSummary struct {
	Path       string    `json:"path"`
	Identifier string    `json:"identifier"`
	Date       time.Time `json:"date"`
	Clinic     string    `json:"clinic,omitempty"`
	Status     string    `json:"status,omitempty"`

	expires time.Time
}

// Session is the outcome of a successful sign-in. Token is empty when the
// patient has several visits and none was selected.
type Session struct {
	Patient string         `json:"patient"`
	Visits  []VisitSummary `json:"visits"`
	Visit   string         `json:"visit,omitempty"`
	Token   string         `json:"-"`
	Claims  *Claims        `json:"-"`
}

// Viewer reads committed content.
type Viewer interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// PatientAuthenticator checks patient credentials against their Patient
// Information form and issues a visit token.
type PatientAuthenticator struct {
	store  Viewer
	tokens *TokenManager
	cfg    PatientConfig
}

// NewPatientAuthenticator builds an authenticator.
func NewPatientAuthenticator(store Viewer, tokens *TokenManager, cfg PatientConfig) *PatientAuthenticator {
	return &PatientAuthenticator{store: store, tokens: tokens, cfg: cfg}
}

// Authenticate validates c and, when a visit is selected or only one is
// available, issues a token for it.
func (a *PatientAuthenticator) Authenticate(ctx context.Context, c Credentials) (Session, error) {
	if strings.TrimSpace(c.MRN) == "" && strings.TrimSpace(c.HealthCard) == "" {
		return Session{}, ErrInvalidCredentials
	}
	var session Session
	err := a.store.View(ctx, func(v domain.TransactionView) error {
		patient, err := a.findPatient(v, c)
		if err != nil {
			return err
		}
		session.Patient = patient.Path()
		session.Visits = a.visits(v, patient)
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	var chosen *VisitSummary
	switch {
	case c.Visit != "":
		for i := range session.Visits {
			vs := &session.Visits[i]
			if vs.Path == c.Visit || vs.Identifier == c.Visit {
				chosen = vs
				break
			}
		}
		if chosen == nil {
			return Session{}, ErrInvalidCredentials
		}
	case len(session.Visits) == 1:
		chosen = &session.Visits[0]
	default:
		return session, nil
	}
	if !chosen.expires.After(a.tokens.now()) {
		return Session{}, ErrExpired
	}
	token, claims, err := a.tokens.IssuePatient(session.Patient, chosen.Path, chosen.expires)
	if err != nil {
		return Session{}, err
	}
	session.Visit, session.Token, session.Claims = chosen.Path, token, claims
	return session, nil
}

func (a *PatientAuthenticator) findPatient(v domain.TransactionView, c Credentials) (domain.NodeState, error) {
	pq := v.Node(a.cfg.PatientQuestionnaire)
	var patient, info domain.NodeState
	if mrn := strings.TrimSpace(c.MRN); mrn != "" {
		p, err := forms.FindSubject(v, v.Node(a.cfg.PatientType), domain.NodeState{}, mrn)
		if err != nil {
			return domain.NodeState{}, ErrInvalidCredentials
		}
		patient, info = p, forms.LatestForm(v, pq, p)
	} else {
		if !pq.Exists() {
			return domain.NodeState{}, ErrInvalidCredentials
		}
		found, err := v.Query(domain.Query{
			NodeType: domain.NodeTypeForm,
			Where:    []domain.Condition{domain.Where(domain.PropQuestionnaire, domain.OpEq, domain.ReferenceValue(pq.Identifier()))},
		})
		if err != nil {
			return domain.NodeState{}, err
		}
		card := strings.TrimSpace(c.HealthCard)
		for _, f := range found {
			if strings.EqualFold(forms.AnswerText(f, pq, a.cfg.HealthCardQuestion), card) {
				patient, info = forms.SubjectOf(f), f
				break
			}
		}
	}
	if !patient.Exists() || !info.Exists() {
		return domain.NodeState{}, ErrInvalidCredentials
	}
	dob, ok := forms.AnswerValue(info, forms.FindQuestion(pq, a.cfg.DateOfBirthQuestion).Identifier())
	if !ok {
		return domain.NodeState{}, ErrInvalidCredentials
	}
	when, ok := dob.Date()
	if !ok || when.Format(time.DateOnly) != strings.TrimSpace(c.DateOfBirth) {
		return domain.NodeState{}, ErrInvalidCredentials
	}
	return patient, nil
}

// visits lists the patient's non-cancelled visits with a date, oldest first.
func (a *PatientAuthenticator) visits(v domain.TransactionView, patient domain.NodeState) []VisitSummary {
	vq := v.Node(a.cfg.VisitQuestionnaire)
	dateQ := forms.FindQuestion(vq, a.cfg.VisitDateQuestion)
	var out []VisitSummary
	for _, child := range patient.Children() {
		if !child.IsNodeType(domain.NodeTypeSubject) {
			continue
		}
		form := forms.LatestForm(v, vq, child)
		if !form.Exists() {
			continue
		}
		raw, ok := forms.AnswerValue(form, dateQ.Identifier())
		if !ok {
			continue
		}
		when, ok := raw.Date()
		if !ok {
			continue
		}
		status := forms.AnswerText(form, vq, a.cfg.VisitStatusQuestion)
		if slices.Contains(a.cfg.CancelledStatuses, strings.ToLower(status)) {
			continue
		}
		clinic := forms.ClinicOf(v, form, vq, a.cfg.ClinicQuestion)
		display, _ := clinic.Property(domain.PropDisplayName)
		id, _ := child.Property(domain.PropIdentifier)
		out = append(out, VisitSummary{
			Path:       child.Path(),
			Identifier: id.String(),
			Date:       when,
			Clinic:     display.String(),
			Status:     status,
			expires:    VisitTokenExpiry(when, clinic),
		})
	}
	slices.SortFunc(out, func(x, y VisitSummary) int { return x.Date.Compare(y.Date) })
	return out
}
