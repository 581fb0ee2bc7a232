package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"cards/internal/condition"
	"cards/internal/forms"
	"cards/internal/mail"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"
)

// PropAlertEmail names the clinic mapping property holding the address that
// receives answer alerts.
const PropAlertEmail = "alertEmail"

// AlertRule e-mails an alert when the trigger question of a questionnaire is
// answered and the form's answers satisfy every condition. Conditions name
// questions by node name, e.g. "phq9_score >= 20".
type AlertRule struct {
	Name          string   `yaml:"name"`
	Questionnaire string   `yaml:"questionnaire"`
	Question      string   `yaml:"question"`
	Conditions    []string `yaml:"conditions"`
	Recipients    []string `yaml:"recipients"`
	Subject       string   `yaml:"subject"`
	Text          string   `yaml:"text"`
	HTML          string   `yaml:"html"`
}

// AlertConfig configures the EmailAlertEventListener.
type AlertConfig struct {
	From                string      `yaml:"from"`
	BaseURL             string      `yaml:"baseUrl"`
	ClinicQuestionnaire string      `yaml:"clinicQuestionnaire"`
	ClinicQuestion      string      `yaml:"clinicQuestion"`
	Rules               []AlertRule `yaml:"rules"`
}

type compiledRule struct {
	AlertRule
	conditions condition.List
}

// EmailAlertEventListener sends answer alerts to the clinic of the visit the
// form belongs to, or to the rule's recipients when no clinic address is
// known.
type EmailAlertEventListener struct {
	store   Store
	sender  mail.Sender
	cfg     AlertConfig
	rules   []compiledRule
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEmailAlertEventListener parses the rule conditions and builds the
// listener.
func NewEmailAlertEventListener(store Store, sender mail.Sender, cfg AlertConfig, m *metrics.Metrics, l *slog.Logger) (*EmailAlertEventListener, error) {
	out := &EmailAlertEventListener{store: store, sender: sender, cfg: cfg, metrics: m, logger: logger.OrDiscard(l).With("listener", "email-alert")}
	for _, r := range cfg.Rules {
		cs, err := condition.ParseList(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("alert rule %s: %w", r.Name, err)
		}
		out.rules = append(out.rules, compiledRule{AlertRule: r, conditions: cs})
	}
	return out, nil
}

// Name implements observation.Listener.
func (l *EmailAlertEventListener) Name() string { return "email-alert" }

// answerValues exposes a form's answers to conditions keyed by question name.
type answerValues map[string]string

func (a answerValues) Get(name string) (string, bool) {
	v, ok := a[name]
	return v, ok
}

func formValues(form, questionnaire domain.NodeState) answerValues {
	out := answerValues{}
	for _, q := range forms.Questions(questionnaire) {
		if v, ok := forms.AnswerValue(form, q.Identifier()); ok {
			out[q.Name()] = strings.Join(v.Values, ";")
		}
	}
	return out
}

// OnChange implements observation.Listener.
func (l *EmailAlertEventListener) OnChange(ctx context.Context, changes []domain.Change) error {
	if len(l.rules) == 0 {
		return nil
	}
	var msgs []mail.Message
	err := l.store.View(ctx, func(v domain.TransactionView) error {
		for _, rule := range l.rules {
			q := v.Node(rule.Questionnaire)
			trigger := forms.FindQuestion(q, rule.Question)
			if !trigger.Exists() {
				continue
			}
			for _, formPath := range answeredForms(v, changes, trigger.Identifier()) {
				form := v.Node(formPath)
				values := formValues(form, q)
				if !rule.conditions.Matches(values) {
					continue
				}
				msg, err := l.message(v, rule, form, values[trigger.Name()])
				if err != nil {
					l.logger.Warn("alert not sent", "form", formPath, "rule", rule.Name, "error", err)
					continue
				}
				msgs = append(msgs, msg)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, msg := range msgs {
		if err := l.sender.Send(ctx, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		l.metrics.AddEmailsSent(l.Name(), 1)
	}
	return errors.Join(errs...)
}

// answeredForms lists the forms in which an answer to the question was
// created or had its value changed.
func answeredForms(v domain.TransactionView, changes []domain.Change, questionID string) []string {
	var out []string
	for _, c := range changes {
		if c.After == nil || !domain.IsNodeType(c.After, domain.NodeTypeAnswer) {
			continue
		}
		if q := c.After.Properties[domain.PropQuestion]; q.String() != questionID {
			continue
		}
		if c.Action == domain.ActionUpdate && !slices.Contains(c.Properties, domain.PropValue) {
			continue
		}
		if val := c.After.Properties[domain.PropValue]; len(val.Values) == 0 {
			continue
		}
		form := v.Node(c.Path).Ancestor(domain.NodeTypeForm)
		if form.Exists() && !slices.Contains(out, form.Path()) {
			out = append(out, form.Path())
		}
	}
	return out
}

func (l *EmailAlertEventListener) message(v domain.TransactionView, rule compiledRule, form domain.NodeState, value string) (mail.Message, error) {
	subject := forms.SubjectOf(form)
	to := rule.Recipients
	clinicName := ""
	if clinic := l.clinicOf(v, subject); clinic.Exists() {
		name, _ := clinic.Property(domain.PropDisplayName)
		clinicName = name.String()
		if addr, ok := clinic.Property(PropAlertEmail); ok && addr.String() != "" {
			to = addr.Strings()
		}
	}
	if len(to) == 0 {
		return mail.Message{}, errors.New("no alert recipient")
	}
	full, _ := subject.Property(domain.PropFullIdentifier)
	id := full.String()
	if id == "" {
		ident, _ := subject.Property(domain.PropIdentifier)
		id = ident.String()
	}
	vars := map[string]string{
		"subject":    id,
		"form":       form.Path(),
		"link":       strings.TrimRight(l.cfg.BaseURL, "/") + "/content.html" + form.Path(),
		"value":      value,
		"question":   rule.Question,
		"rule":       rule.Name,
		"clinicName": clinicName,
	}
	subjectLine := rule.Subject
	if subjectLine == "" {
		subjectLine = "Alert for {{subject}}"
	}
	text := rule.Text
	if text == "" && rule.HTML == "" {
		text = "Patient {{subject}} answered {{question}} with {{value}}.\n{{link}}\n"
	}
	return mail.Message{
		From:    l.cfg.From,
		To:      to,
		Subject: mail.Expand(subjectLine, vars),
		Text:    mail.Expand(text, vars),
		HTML:    mail.Expand(rule.HTML, vars),
	}, nil
}

// clinicOf finds the clinic mapping recorded on the Visit Information form of
// the subject or its nearest ancestor that has one.
func (l *EmailAlertEventListener) clinicOf(v domain.TransactionView, subject domain.NodeState) domain.NodeState {
	if l.cfg.ClinicQuestionnaire == "" || l.cfg.ClinicQuestion == "" {
		return domain.NodeState{}
	}
	q := v.Node(l.cfg.ClinicQuestionnaire)
	question := forms.FindQuestion(q, l.cfg.ClinicQuestion)
	if !question.Exists() {
		return domain.NodeState{}
	}
	for _, s := range forms.SubjectChain(subject) {
		found, err := forms.FormsFor(v, q.Identifier(), s.Identifier())
		if err != nil {
			continue
		}
		for i := len(found) - 1; i >= 0; i-- {
			val, ok := forms.AnswerValue(found[i], question.Identifier())
			if !ok {
				continue
			}
			ref := val.String()
			clinic := v.Node(ref)
			if !clinic.Exists() {
				clinic = v.ByIdentifier(ref)
			}
			if clinic.IsNodeType(domain.NodeTypeClinicMapping) {
				return clinic
			}
		}
	}
	return domain.NodeState{}
}
