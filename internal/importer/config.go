package importer

import (
	"fmt"
	"log/slog"
	"time"
)

// MapperConfig configures a ConfiguredGenericMapper.
type MapperConfig struct {
	Name       string   `yaml:"name"`
	Conditions []string `yaml:"conditions"`
	Column     string   `yaml:"column"`
	Value      string   `yaml:"value"`
	Priority   int      `yaml:"priority"`
}

// DiscardConfig configures a ConfiguredDiscardFilter.
type DiscardConfig struct {
	Name       string   `yaml:"name"`
	Conditions []string `yaml:"conditions"`
	Priority   int      `yaml:"priority"`
}

// UnsubscribedConfig names the Patient Information questions consulted by
// the UnsubscribedFilter. Empty questions disable the check.
type UnsubscribedConfig struct {
	Questionnaire        string `yaml:"questionnaire"`
	UnsubscribedQuestion string `yaml:"unsubscribedQuestion"`
	ConsentQuestion      string `yaml:"consentQuestion"`
}

// FormMapping maps the answers of one questionnaire to feed columns; keys
// are question paths relative to the questionnaire.
type FormMapping struct {
	Questionnaire string            `yaml:"questionnaire"`
	Answers       map[string]string `yaml:"answers"`
}

// Config describes one clinic feed.
type Config struct {
	PatientType     string `yaml:"patientType"`
	VisitType       string `yaml:"visitType"`
	PatientIDColumn string `yaml:"patientIdColumn"`
	VisitIDColumn   string `yaml:"visitIdColumn"`
	VisitDateColumn string `yaml:"visitDateColumn"`
	ClinicColumn    string `yaml:"clinicColumn"`
	UpdatedColumn   string `yaml:"updatedColumn"`
	ClinicMappings  string `yaml:"clinicMappings"`
	Location        string `yaml:"location"`

	PatientForm FormMapping `yaml:"patientForm"`
	VisitForm   FormMapping `yaml:"visitForm"`

	DateColumns     []string           `yaml:"dateColumns"`
	Mappers         []MapperConfig     `yaml:"mappers"`
	Discards        []DiscardConfig    `yaml:"discards"`
	Unsubscribed    UnsubscribedConfig `yaml:"unsubscribed"`
	RecentVisitDays int                `yaml:"recentVisitDays"`
}

// DefaultConfig returns the column layout of the Clarity encounter view.
func DefaultConfig() Config {
	return Config{
		PatientType:     "/SubjectTypes/Patient",
		VisitType:       "/SubjectTypes/Patient/Visit",
		PatientIDColumn: "PAT_MRN_ID",
		VisitIDColumn:   "PAT_ENC_CSN_ID",
		VisitDateColumn: "ENCOUNTER_DATE",
		ClinicColumn:    "DISCH_DEPT_NAME",
		UpdatedColumn:   "UPDATE_DATE",
		ClinicMappings:  defaultClinicMappingDir,
		PatientForm: FormMapping{
			Questionnaire: "/Questionnaires/Patient information",
			Answers: map[string]string{
				"first_name":    "PAT_FIRST_NAME",
				"last_name":     "PAT_LAST_NAME",
				"date_of_birth": "BIRTH_DATE",
				"email":         "EMAIL_ADDRESS",
				"health_card":   "PRIMARY_HEALTH_CARD",
				"sex":           "SEX",
			},
		},
		VisitForm: FormMapping{
			Questionnaire: "/Questionnaires/Visit information",
			Answers: map[string]string{
				"time":   "ENCOUNTER_DATE",
				"status": "ENCOUNTER_STATUS",
				"clinic": MetaClinic,
			},
		},
		DateColumns: []string{"ENCOUNTER_DATE", "BIRTH_DATE", "UPDATE_DATE"},
		Unsubscribed: UnsubscribedConfig{
			Questionnaire:        "/Questionnaires/Patient information",
			UnsubscribedQuestion: "email_unsubscribed",
			ConsentQuestion:      "email_ok",
		},
		RecentVisitDays: 7,
	}
}

// Processors builds the processor chain described by the configuration.
func (c Config) Processors(store Viewer, now func() time.Time, l *slog.Logger) ([]Processor, error) {
	loc := time.Local
	if c.Location != "" {
		var err error
		if loc, err = time.LoadLocation(c.Location); err != nil {
			return nil, fmt.Errorf("import location: %w", err)
		}
	}
	var out []Processor
	for i, m := range c.Mappers {
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("mapper-%d", i+1)
		}
		p, err := NewConfiguredGenericMapper(name, m.Conditions, m.Column, m.Value, m.Priority)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	for i, d := range c.Discards {
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("discard-%d", i+1)
		}
		p, err := NewConfiguredDiscardFilter(name, d.Conditions, d.Priority)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(c.DateColumns) > 0 {
		out = append(out, NewDateFormatter(c.DateColumns, loc, l))
	}
	if c.ClinicColumn != "" {
		out = append(out, NewClinicMapper(store, c.ClinicColumn, c.ClinicMappings, l))
	}
	out = append(out,
		NewUnsubscribedFilter(store, c, l),
		NewDiscardDuplicatesFilter(c.PatientType, c.PatientIDColumn),
		NewDiscardExistingVisitsFilter(store, c, l),
	)
	if c.RecentVisitDays > 0 {
		out = append(out, NewRecentVisitDiscardFilter(store, c, time.Duration(c.RecentVisitDays)*24*time.Hour, now, l))
	}
	return out, nil
}
