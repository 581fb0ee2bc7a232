// Package notifications sends the scheduled survey invitations for upcoming
// visits.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cards/internal/auth"
	"cards/internal/forms"
	"cards/internal/mail"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"
)

// Template is one invitation sent DaysBefore days ahead of a visit. Subject,
// Text and HTML may use {{surveysLink}}, {{unsubscribeLink}}, {{name}},
// {{date}} and {{clinicName}}.
type Template struct {
	Name       string `yaml:"name"`
	DaysBefore int    `yaml:"daysBefore"`
	Subject    string `yaml:"subject"`
	Text       string `yaml:"text"`
	HTML       string `yaml:"html"`
}

// Config locates the visit and patient answers the task reads.
type Config struct {
	From                 string     `yaml:"from"`
	BaseURL              string     `yaml:"baseUrl"`
	VisitQuestionnaire   string     `yaml:"visitQuestionnaire"`
	VisitDateQuestion    string     `yaml:"visitDateQuestion"`
	VisitStatusQuestion  string     `yaml:"visitStatusQuestion"`
	CancelledStatuses    []string   `yaml:"cancelledStatuses"`
	ClinicQuestion       string     `yaml:"clinicQuestion"`
	PatientQuestionnaire string     `yaml:"patientQuestionnaire"`
	EmailQuestion        string     `yaml:"emailQuestion"`
	FirstNameQuestion    string     `yaml:"firstNameQuestion"`
	LastNameQuestion     string     `yaml:"lastNameQuestion"`
	UnsubscribedQuestion string     `yaml:"unsubscribedQuestion"`
	Concurrency          int        `yaml:"concurrency"`
	Templates            []Template `yaml:"templates"`
}

// DefaultConfig matches the questionnaires written by the importer.
func DefaultConfig() Config {
	return Config{
		From:                 "cards@localhost",
		BaseURL:              "http://localhost:8080",
		VisitQuestionnaire:   "/Questionnaires/Visit information",
		VisitDateQuestion:    "time",
		VisitStatusQuestion:  "status",
		CancelledStatuses:    []string{"cancelled", "canceled"},
		ClinicQuestion:       "clinic",
		PatientQuestionnaire: "/Questionnaires/Patient information",
		EmailQuestion:        "email",
		FirstNameQuestion:    "first_name",
		LastNameQuestion:     "last_name",
		UnsubscribedQuestion: "email_unsubscribed",
		Concurrency:          4,
		Templates: []Template{{
			Name:       "reminder",
			DaysBefore: 3,
			Subject:    "Your upcoming appointment at {{clinicName}}",
			Text: "Dear {{name}},\n\nPlease complete your questionnaires before your appointment on {{date}}:\n" +
				"{{surveysLink}}\n\nTo stop receiving these e-mails: {{unsubscribeLink}}\n",
		}},
	}
}

// Store reads content and records notification times.
type Store interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
	RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error)
}

// TokenIssuer mints the patient tokens embedded in survey links.
type TokenIssuer interface {
	IssuePatient(patient, visit string, expires time.Time) (string, *auth.Claims, error)
}

// GeneralNotificationsTask e-mails patients ahead of their visits.
type GeneralNotificationsTask struct {
	store   Store
	sender  mail.Sender
	tokens  TokenIssuer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures the task.
type Option func(*GeneralNotificationsTask)

// WithLogger sets the task logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *GeneralNotificationsTask) { t.logger = logger.OrDiscard(l) }
}

// WithMetrics counts sent e-mails.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *GeneralNotificationsTask) { t.metrics = m }
}

// WithClock overrides the time source; its location defines "today".
func WithClock(now func() time.Time) Option {
	return func(t *GeneralNotificationsTask) { t.now = now }
}

// NewGeneralNotificationsTask builds the task.
func NewGeneralNotificationsTask(store Store, sender mail.Sender, tokens TokenIssuer, cfg Config, opts ...Option) *GeneralNotificationsTask {
	t := &GeneralNotificationsTask{store: store, sender: sender, tokens: tokens, cfg: cfg, logger: logger.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("task", "notifications")
	return t
}

// notification is one e-mail ready to send.
type notification struct {
	template string
	patient  string
	msg      mail.Message
}

// Run sends every template's invitations and returns how many were sent.
// A failed send is logged and does not stop the others.
func (t *GeneralNotificationsTask) Run(ctx context.Context) (int, error) {
	var pending []notification
	err := t.store.View(ctx, func(v domain.TransactionView) error {
		for _, tpl := range t.cfg.Templates {
			found, err := t.collect(v, tpl)
			if err != nil {
				return fmt.Errorf("template %s: %w", tpl.Name, err)
			}
			pending = append(pending, found...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		notified []string
		perTpl   = map[string]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := t.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, n := range pending {
		n := n
		g.Go(func() error {
			if err := t.sender.Send(gctx, n.msg); err != nil {
				t.logger.Warn("notification not sent", "template", n.template, "subject", n.patient, "error", err)
				return nil
			}
			mu.Lock()
			notified = append(notified, n.patient)
			perTpl[n.template]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for name, count := range perTpl {
		t.metrics.AddEmailsSent(name, count)
		t.logger.Info("notifications sent", "template", name, "count", count)
	}
	if len(notified) == 0 {
		return 0, nil
	}
	if err := t.markNotified(ctx, notified); err != nil {
		return len(notified), err
	}
	return len(notified), nil
}

// Job adapts Run to the scheduler.
func (t *GeneralNotificationsTask) Job(ctx context.Context) error {
	_, err := t.Run(ctx)
	return err
}

func (t *GeneralNotificationsTask) markNotified(ctx context.Context, patients []string) error {
	slices.Sort(patients)
	patients = slices.Compact(patients)
	stamp := domain.DateValue(t.now())
	_, err := t.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, p := range patients {
			if !tx.Node(p).Exists() {
				continue
			}
			if err := tx.SetProperty(p, forms.PropLastNotified, stamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record notification times: %w", err)
	}
	return nil
}

func (t *GeneralNotificationsTask) collect(v domain.TransactionView, tpl Template) ([]notification, error) {
	vq := v.Node(t.cfg.VisitQuestionnaire)
	if !vq.Exists() {
		return nil, domain.NotFoundError{Kind: "questionnaire", ID: t.cfg.VisitQuestionnaire}
	}
	dateQ := forms.FindQuestion(vq, t.cfg.VisitDateQuestion)
	if !dateQ.Exists() {
		return nil, domain.NotFoundError{Kind: "question", ID: t.cfg.VisitDateQuestion}
	}
	visits, err := v.Query(domain.Query{
		NodeType: domain.NodeTypeForm,
		Where:    []domain.Condition{domain.Where(domain.PropQuestionnaire, domain.OpEq, domain.ReferenceValue(vq.Identifier()))},
		OrderBy:  domain.PropCreated,
	})
	if err != nil {
		return nil, err
	}

	now := t.now()
	day := now.AddDate(0, 0, tpl.DaysBefore)
	var out []notification
	for _, form := range visits {
		raw, ok := forms.AnswerValue(form, dateQ.Identifier())
		if !ok {
			continue
		}
		when, ok := raw.Date()
		if !ok || !sameDay(when.In(now.Location()), day) {
			continue
		}
		status := strings.ToLower(forms.AnswerText(form, vq, t.cfg.VisitStatusQuestion))
		if slices.Contains(t.cfg.CancelledStatuses, status) {
			continue
		}
		n, ok := t.prepare(v, tpl, form, vq, when.In(now.Location()))
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *GeneralNotificationsTask) prepare(v domain.TransactionView, tpl Template, form, vq domain.NodeState, when time.Time) (notification, bool) {
	visit := forms.SubjectOf(form)
	patient := visit.Ancestor(domain.NodeTypeSubject)
	if !patient.Exists() {
		patient = visit
	}
	log := t.logger.With("template", tpl.Name, "subject", visit.Path())

	pq := v.Node(t.cfg.PatientQuestionnaire)
	info := forms.LatestForm(v, pq, patient)
	if !info.Exists() {
		log.Debug("no patient information")
		return notification{}, false
	}
	if unsub, ok := forms.AnswerValue(info, forms.FindQuestion(pq, t.cfg.UnsubscribedQuestion).Identifier()); ok {
		if n, _ := unsub.Long(); n == 1 {
			log.Debug("patient unsubscribed")
			return notification{}, false
		}
	}
	email := forms.AnswerText(info, pq, t.cfg.EmailQuestion)
	if email == "" {
		log.Debug("patient has no e-mail address")
		return notification{}, false
	}

	clinic := forms.ClinicOf(v, form, vq, t.cfg.ClinicQuestion)
	expires := auth.VisitTokenExpiry(when, clinic)
	display, _ := clinic.Property(domain.PropDisplayName)
	clinicName := display.String()
	token, _, err := t.tokens.IssuePatient(patient.Path(), visit.Path(), expires)
	if err != nil {
		log.Warn("cannot issue patient token", "error", err)
		return notification{}, false
	}

	base := strings.TrimSuffix(t.cfg.BaseURL, "/")
	q := url.Values{"auth_token": {token}}.Encode()
	name := strings.TrimSpace(forms.AnswerText(info, pq, t.cfg.FirstNameQuestion) + " " + forms.AnswerText(info, pq, t.cfg.LastNameQuestion))
	vars := map[string]string{
		"surveysLink":     base + "/Survey.html?" + q,
		"unsubscribeLink": base + "/Survey.html/unsubscribe?" + q,
		"name":            name,
		"date":            when.Format("2006-01-02 15:04"),
		"clinicName":      clinicName,
	}
	msg := mail.Message{
		From:    t.cfg.From,
		To:      []string{email},
		Subject: mail.Expand(tpl.Subject, vars),
		Text:    mail.Expand(tpl.Text, vars),
		HTML:    mail.Expand(tpl.HTML, vars),
	}
	return notification{template: tpl.Name, patient: patient.Path(), msg: msg}, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
