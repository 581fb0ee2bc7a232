// Package forms holds the lookups shared by editors, listeners, importers and
// serializers that work on questionnaires, forms and answers.
package forms

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cards/pkg/domain"
)

const (
	// FormsRoot is where forms are created.
	FormsRoot = "/Forms"
	// SubjectsRoot is where top-level subjects are created.
	SubjectsRoot = "/Subjects"
	// QuestionnairesRoot holds questionnaire definitions.
	QuestionnairesRoot = "/Questionnaires"
	// SubjectTypesRoot holds subject type definitions.
	SubjectTypesRoot = "/SubjectTypes"

	// PropLastNotified records on a patient subject when the last survey
	// invitation was sent.
	PropLastNotified = "lastNotified"
	// PropSourceUpdated records on an imported visit the feed's last update
	// time for that visit.
	PropSourceUpdated = "sourceUpdated"
)

// QuestionnaireOf returns the questionnaire a form answers.
func QuestionnaireOf(form domain.NodeState) domain.NodeState {
	return form.Resolve(domain.PropQuestionnaire)
}

// SubjectOf returns the subject a form is about.
func SubjectOf(form domain.NodeState) domain.NodeState {
	return form.Resolve(domain.PropSubject)
}

// FindQuestion resolves a slash separated path of section and question names
// relative to the questionnaire, e.g. "visit_information/visit_number".
func FindQuestion(questionnaire domain.NodeState, rel string) domain.NodeState {
	cur := questionnaire
	for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
		if seg == "" {
			continue
		}
		cur = cur.Child(seg)
		if !cur.Exists() {
			return domain.NodeState{}
		}
	}
	if !cur.IsNodeType(domain.NodeTypeQuestion) {
		return domain.NodeState{}
	}
	return cur
}

// FindAnswer searches n (a form or answer section) depth-first for the
// answer to the question with the given identifier.
func FindAnswer(n domain.NodeState, questionID string) domain.NodeState {
	if questionID == "" {
		return domain.NodeState{}
	}
	for _, c := range n.Children() {
		switch {
		case c.IsNodeType(domain.NodeTypeAnswer):
			if q, _ := c.Property(domain.PropQuestion); q.String() == questionID {
				return c
			}
		case c.IsNodeType(domain.NodeTypeAnswerSection):
			if a := FindAnswer(c, questionID); a.Exists() {
				return a
			}
		}
	}
	return domain.NodeState{}
}

// AnswerValue returns the value of the answer to questionID in form.
func AnswerValue(form domain.NodeState, questionID string) (domain.Property, bool) {
	a := FindAnswer(form, questionID)
	if !a.Exists() {
		return domain.Property{}, false
	}
	v, ok := a.Property(domain.PropValue)
	if !ok || len(v.Values) == 0 {
		return domain.Property{}, false
	}
	return v, true
}

// AnswerText returns the first value of the answer to the question at rel.
func AnswerText(form, questionnaire domain.NodeState, rel string) string {
	q := FindQuestion(questionnaire, rel)
	if !q.Exists() {
		return ""
	}
	v, _ := AnswerValue(form, q.Identifier())
	return v.String()
}

// Questions returns every question of a questionnaire in document order.
func Questions(questionnaire domain.NodeState) []domain.NodeState {
	var out []domain.NodeState
	questionnaire.Descendants(func(n domain.NodeState) bool {
		switch {
		case n.IsNodeType(domain.NodeTypeQuestion):
			out = append(out, n)
			return false
		case n.IsNodeType(domain.NodeTypeSection):
			return true
		}
		return false
	})
	return out
}

// QuestionKind returns the answer kind for a question, defaulting to text.
func QuestionKind(question domain.NodeState) domain.AnswerKind {
	dt, _ := question.Property(domain.PropDataType)
	if k, ok := domain.AnswerKindForDataType(dt.String()); ok {
		return k
	}
	return domain.AnswerText
}

// SubjectChain returns the subject followed by its ancestor subjects,
// nearest first.
func SubjectChain(subject domain.NodeState) []domain.NodeState {
	if !subject.Exists() {
		return nil
	}
	out := []domain.NodeState{subject}
	for a := subject.Ancestor(domain.NodeTypeSubject); a.Exists(); a = a.Ancestor(domain.NodeTypeSubject) {
		out = append(out, a)
	}
	return out
}

// FormsFor returns the forms of a questionnaire for a subject, oldest first.
func FormsFor(q domain.Querier, questionnaireID, subjectID string) ([]domain.NodeState, error) {
	return q.Query(domain.Query{
		NodeType: domain.NodeTypeForm,
		Where: []domain.Condition{
			domain.Where(domain.PropQuestionnaire, domain.OpEq, domain.ReferenceValue(questionnaireID)),
			domain.Where(domain.PropSubject, domain.OpEq, domain.ReferenceValue(subjectID)),
		},
		OrderBy: domain.PropCreated,
	})
}

// childMatching finds the child of the given type whose reference property
// points at id.
func childMatching(children []domain.NodeState, nodeType, property, id string) domain.NodeState {
	for _, c := range children {
		if !c.IsNodeType(nodeType) {
			continue
		}
		if ref, _ := c.Property(property); ref.String() == id {
			return c
		}
	}
	return domain.NodeState{}
}

// answerPath splits rel into the section nodes leading to the question and
// the question itself.
func answerPath(questionnaire domain.NodeState, rel string) ([]domain.NodeState, domain.NodeState, error) {
	question := FindQuestion(questionnaire, rel)
	if !question.Exists() {
		return nil, domain.NodeState{}, domain.NotFoundError{Kind: "question", ID: questionnaire.Path() + "/" + rel}
	}
	var sections []domain.NodeState
	for p := question.Parent(); p.Exists() && p.Path() != questionnaire.Path(); p = p.Parent() {
		if p.IsNodeType(domain.NodeTypeSection) {
			sections = append([]domain.NodeState{p}, sections...)
		}
	}
	return sections, question, nil
}

// MaterializeAnswer returns the builder of the answer to the question at rel
// inside the form, creating the answer sections and the answer when they do
// not exist yet. Existing nodes are matched by section and question
// identifier, never by name.
func MaterializeAnswer(form *domain.NodeBuilder, questionnaire domain.NodeState, rel string) (*domain.NodeBuilder, error) {
	sections, question, err := answerPath(questionnaire, rel)
	if err != nil {
		return nil, err
	}
	cur := form
	for _, s := range sections {
		match := childMatching(cur.State().Children(), domain.NodeTypeAnswerSection, domain.PropSection, s.Identifier())
		if match.Exists() {
			cur = cur.At(match.Path())
			continue
		}
		next, err := cur.ChildNode(uuid.NewString(), domain.NodeTypeAnswerSection)
		if err != nil {
			return nil, fmt.Errorf("create answer section for %s: %w", s.Path(), err)
		}
		if err := next.SetProperty(domain.PropSection, domain.ReferenceValue(s.Identifier())); err != nil {
			return nil, err
		}
		cur = next
	}
	match := childMatching(cur.State().Children(), domain.NodeTypeAnswer, domain.PropQuestion, question.Identifier())
	if match.Exists() {
		return cur.At(match.Path()), nil
	}
	answer, err := cur.ChildNode(uuid.NewString(), QuestionKind(question).NodeType())
	if err != nil {
		return nil, fmt.Errorf("create answer for %s: %w", question.Path(), err)
	}
	if err := answer.SetProperty(domain.PropQuestion, domain.ReferenceValue(question.Identifier())); err != nil {
		return nil, err
	}
	return answer, nil
}

// SetAnswer is MaterializeAnswer for code running inside a transaction: it
// writes value into the answer to the question at rel, creating the
// intermediate nodes as needed, and returns the answer path.
func SetAnswer(tx domain.Transaction, formPath string, questionnaire domain.NodeState, rel string, value domain.Property) (string, error) {
	sections, question, err := answerPath(questionnaire, rel)
	if err != nil {
		return "", err
	}
	cur := tx.Node(formPath)
	if !cur.Exists() {
		return "", domain.NotFoundError{Kind: "form", ID: formPath}
	}
	for _, s := range sections {
		match := childMatching(cur.Children(), domain.NodeTypeAnswerSection, domain.PropSection, s.Identifier())
		if !match.Exists() {
			match, err = tx.AddNode(cur.Path(), uuid.NewString(), domain.NodeTypeAnswerSection)
			if err != nil {
				return "", err
			}
			if err := tx.SetProperty(match.Path(), domain.PropSection, domain.ReferenceValue(s.Identifier())); err != nil {
				return "", err
			}
		}
		cur = match
	}
	answer := childMatching(cur.Children(), domain.NodeTypeAnswer, domain.PropQuestion, question.Identifier())
	if !answer.Exists() {
		answer, err = tx.AddNode(cur.Path(), uuid.NewString(), QuestionKind(question).NodeType())
		if err != nil {
			return "", err
		}
		if err := tx.SetProperty(answer.Path(), domain.PropQuestion, domain.ReferenceValue(question.Identifier())); err != nil {
			return "", err
		}
	}
	if err := tx.SetProperty(answer.Path(), domain.PropValue, value); err != nil {
		return "", err
	}
	return answer.Path(), nil
}

// Create adds an empty form for the questionnaire and subject below /Forms.
func Create(tx domain.Transaction, questionnaire, subject domain.NodeState) (domain.NodeState, error) {
	if !questionnaire.Exists() {
		return domain.NodeState{}, domain.NotFoundError{Kind: "questionnaire", ID: questionnaire.Path()}
	}
	if !subject.Exists() {
		return domain.NodeState{}, domain.NotFoundError{Kind: "subject", ID: subject.Path()}
	}
	if _, err := tx.EnsureNode(FormsRoot, domain.NodeTypeFormsHomepage); err != nil {
		return domain.NodeState{}, err
	}
	form, err := tx.AddNode(FormsRoot, uuid.NewString(), domain.NodeTypeForm)
	if err != nil {
		return domain.NodeState{}, err
	}
	if err := tx.SetProperty(form.Path(), domain.PropQuestionnaire, domain.ReferenceValue(questionnaire.Identifier())); err != nil {
		return domain.NodeState{}, err
	}
	if err := tx.SetProperty(form.Path(), domain.PropSubject, domain.ReferenceValue(subject.Identifier())); err != nil {
		return domain.NodeState{}, err
	}
	return tx.Node(form.Path()), nil
}

// CreateSubject adds a subject of the given type. Top-level subjects go
// below /Subjects; child subjects below their parent subject.
func CreateSubject(tx domain.Transaction, parent domain.NodeState, subjectType domain.NodeState, identifier string) (domain.NodeState, error) {
	if !subjectType.Exists() {
		return domain.NodeState{}, domain.NotFoundError{Kind: "subject type", ID: subjectType.Path()}
	}
	under := SubjectsRoot
	if parent.Exists() {
		under = parent.Path()
	} else if _, err := tx.EnsureNode(SubjectsRoot, domain.NodeTypeSubjectsHomepage); err != nil {
		return domain.NodeState{}, err
	}
	s, err := tx.AddNode(under, uuid.NewString(), domain.NodeTypeSubject)
	if err != nil {
		return domain.NodeState{}, err
	}
	if err := tx.SetProperty(s.Path(), domain.PropType, domain.ReferenceValue(subjectType.Identifier())); err != nil {
		return domain.NodeState{}, err
	}
	if err := tx.SetProperty(s.Path(), domain.PropIdentifier, domain.StringValue(identifier)); err != nil {
		return domain.NodeState{}, err
	}
	return tx.Node(s.Path()), nil
}

// FindSubject returns the subject of the given type with the identifier,
// optionally restricted to the children of parent.
func FindSubject(q domain.Querier, subjectType domain.NodeState, parent domain.NodeState, identifier string) (domain.NodeState, error) {
	query := domain.Query{
		NodeType: domain.NodeTypeSubject,
		Where: []domain.Condition{
			domain.Where(domain.PropType, domain.OpEq, domain.ReferenceValue(subjectType.Identifier())),
			domain.Where(domain.PropIdentifier, domain.OpEq, domain.StringValue(identifier)),
		},
	}
	if parent.Exists() {
		query.Under = parent.Path()
	}
	found, err := q.Query(query)
	if err != nil {
		return domain.NodeState{}, err
	}
	for _, s := range found {
		if !parent.Exists() || s.Parent().Path() == parent.Path() {
			return s, nil
		}
	}
	return domain.NodeState{}, domain.NotFoundError{Kind: "subject", ID: identifier}
}
