package forms

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"cards/pkg/domain"
)

// OptionDef is one answer option of a question.
type OptionDef struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

// QuestionDef describes a question node.
type QuestionDef struct {
	Name       string      `yaml:"name"`
	Text       string      `yaml:"text"`
	DataType   string      `yaml:"dataType"`
	MinAnswers int64       `yaml:"minAnswers"`
	MaxAnswers int64       `yaml:"maxAnswers"`
	Options    []OptionDef `yaml:"options"`
}

// SectionDef describes a section node and its content.
type SectionDef struct {
	Name      string        `yaml:"name"`
	Label     string        `yaml:"label"`
	Questions []QuestionDef `yaml:"questions"`
	Sections  []SectionDef  `yaml:"sections"`
}

// QuestionnaireDef describes a questionnaire installed below /Questionnaires.
type QuestionnaireDef struct {
	Name      string        `yaml:"name"`
	Title     string        `yaml:"title"`
	Questions []QuestionDef `yaml:"questions"`
	Sections  []SectionDef  `yaml:"sections"`
}

// SubjectTypeDef describes a subject type; children nest below their parent.
type SubjectTypeDef struct {
	Name     string           `yaml:"name"`
	Label    string           `yaml:"label"`
	Order    int64            `yaml:"order"`
	Children []SubjectTypeDef `yaml:"children"`
}

// ParseQuestionnaires decodes a YAML list of questionnaire definitions.
func ParseQuestionnaires(data []byte) ([]QuestionnaireDef, error) {
	var defs []QuestionnaireDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("decode questionnaires: %w", err)
	}
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("decode questionnaires: questionnaire without name")
		}
	}
	return defs, nil
}

// ParseSubjectTypes decodes a YAML list of subject type definitions.
func ParseSubjectTypes(data []byte) ([]SubjectTypeDef, error) {
	var defs []SubjectTypeDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("decode subject types: %w", err)
	}
	return defs, nil
}

// InstallQuestionnaire creates the questionnaire if it does not exist yet and
// returns it. Existing questionnaires are left untouched.
func InstallQuestionnaire(tx domain.Transaction, def QuestionnaireDef) (domain.NodeState, error) {
	p := domain.JoinPath(QuestionnairesRoot, def.Name)
	if n := tx.Node(p); n.Exists() {
		return n, nil
	}
	q, err := tx.EnsureNode(p, domain.NodeTypeQuestionnaire)
	if err != nil {
		return domain.NodeState{}, err
	}
	title := def.Title
	if title == "" {
		title = def.Name
	}
	if err := tx.SetProperty(p, domain.PropTitle, domain.StringValue(title)); err != nil {
		return domain.NodeState{}, err
	}
	if err := installContent(tx, q.Path(), def.Questions, def.Sections); err != nil {
		return domain.NodeState{}, fmt.Errorf("install questionnaire %s: %w", def.Name, err)
	}
	return tx.Node(p), nil
}

func installContent(tx domain.Transaction, parent string, questions []QuestionDef, sections []SectionDef) error {
	for _, q := range questions {
		if err := installQuestion(tx, parent, q); err != nil {
			return err
		}
	}
	for _, s := range sections {
		n, err := tx.AddNode(parent, s.Name, domain.NodeTypeSection)
		if err != nil {
			return err
		}
		if s.Label != "" {
			if err := tx.SetProperty(n.Path(), domain.PropLabel, domain.StringValue(s.Label)); err != nil {
				return err
			}
		}
		if err := installContent(tx, n.Path(), s.Questions, s.Sections); err != nil {
			return err
		}
	}
	return nil
}

func installQuestion(tx domain.Transaction, parent string, def QuestionDef) error {
	n, err := tx.AddNode(parent, def.Name, domain.NodeTypeQuestion)
	if err != nil {
		return err
	}
	text := def.Text
	if text == "" {
		text = def.Name
	}
	dataType := def.DataType
	if dataType == "" {
		dataType = string(domain.AnswerText)
	}
	if _, ok := domain.AnswerKindForDataType(dataType); !ok {
		return fmt.Errorf("question %s: unknown data type %q", def.Name, dataType)
	}
	props := map[string]domain.Property{
		domain.PropText:     domain.StringValue(text),
		domain.PropDataType: domain.StringValue(strings.ToLower(dataType)),
	}
	if def.MinAnswers > 0 {
		props[domain.PropMinAnswers] = domain.LongValue(def.MinAnswers)
	}
	if def.MaxAnswers > 0 {
		props[domain.PropMaxAnswers] = domain.LongValue(def.MaxAnswers)
	}
	for name, v := range props {
		if err := tx.SetProperty(n.Path(), name, v); err != nil {
			return err
		}
	}
	for i, o := range def.Options {
		name := fmt.Sprintf("option%d", i+1)
		opt, err := tx.AddNode(n.Path(), name, domain.NodeTypeAnswerOption)
		if err != nil {
			return err
		}
		label := o.Label
		if label == "" {
			label = o.Value
		}
		if err := tx.SetProperty(opt.Path(), domain.PropValue, domain.StringValue(o.Value)); err != nil {
			return err
		}
		if err := tx.SetProperty(opt.Path(), domain.PropLabel, domain.StringValue(label)); err != nil {
			return err
		}
		if err := tx.SetProperty(opt.Path(), domain.PropDefaultOrder, domain.LongValue(int64(i+1))); err != nil {
			return err
		}
	}
	return nil
}

// InstallSubjectTypes creates the subject type hierarchy below /SubjectTypes,
// skipping types that already exist.
func InstallSubjectTypes(tx domain.Transaction, defs []SubjectTypeDef) error {
	if _, err := tx.EnsureNode(SubjectTypesRoot, domain.NodeTypeFolder); err != nil {
		return err
	}
	return installSubjectTypes(tx, SubjectTypesRoot, defs)
}

func installSubjectTypes(tx domain.Transaction, parent string, defs []SubjectTypeDef) error {
	for _, d := range defs {
		p := domain.JoinPath(parent, d.Name)
		if !tx.Node(p).Exists() {
			if _, err := tx.AddNode(parent, d.Name, domain.NodeTypeSubjectType); err != nil {
				return err
			}
			label := d.Label
			if label == "" {
				label = d.Name
			}
			if err := tx.SetProperty(p, domain.PropLabel, domain.StringValue(label)); err != nil {
				return err
			}
			if err := tx.SetProperty(p, domain.PropDefaultOrder, domain.LongValue(d.Order)); err != nil {
				return err
			}
		}
		if err := installSubjectTypes(tx, p, d.Children); err != nil {
			return err
		}
	}
	return nil
}
