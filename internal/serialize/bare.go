package serialize

import (
	"strings"

	"cards/internal/forms"
	"cards/pkg/domain"
)

// isMeta reports whether a key is repository bookkeeping.
func isMeta(key string) bool {
	return strings.HasPrefix(key, "jcr:") || strings.HasPrefix(key, "sling:") || strings.HasPrefix(key, "@")
}

func stripMeta(json map[string]any) {
	for k := range json {
		if isMeta(k) {
			delete(json, k)
		}
	}
}

func isFormContent(n domain.NodeState) bool {
	return n.IsNodeType(domain.NodeTypeForm) ||
		n.IsNodeType(domain.NodeTypeAnswerSection) ||
		n.IsNodeType(domain.NodeTypeAnswer)
}

// formOf returns the form containing n, or n itself.
func formOf(n domain.NodeState) domain.NodeState {
	if n.IsNodeType(domain.NodeTypeForm) {
		return n
	}
	return n.Ancestor(domain.NodeTypeForm)
}

// subjectLabel is the subject's full identifier, falling back to its
// identifier.
func subjectLabel(s domain.NodeState) string {
	if v, ok := s.Property(domain.PropFullIdentifier); ok && v.String() != "" {
		return v.String()
	}
	v, _ := s.Property(domain.PropIdentifier)
	return v.String()
}

// BareFormProcessor strips metadata from forms and flattens their sections
// into a single map keyed by question text.
type BareFormProcessor struct{ Base }

// NewBareFormProcessor returns the bare processor.
func NewBareFormProcessor() *BareFormProcessor {
	return &BareFormProcessor{Base{ID: bareName, Order: 90}}
}

// CanProcess implements Processor.
func (BareFormProcessor) CanProcess(n domain.NodeState) bool { return isFormContent(n) }

// ProcessProperty implements Processor.
func (BareFormProcessor) ProcessProperty(_ *Pass, n domain.NodeState, name string, value any) any {
	if isMeta(name) {
		return nil
	}
	if !n.IsNodeType(domain.NodeTypeForm) {
		return value
	}
	switch name {
	case domain.PropQuestionnaire:
		q := forms.QuestionnaireOf(n)
		if t, ok := q.Property(domain.PropTitle); ok {
			return t.String()
		}
		return q.Name()
	case domain.PropSubject:
		return subjectLabel(forms.SubjectOf(n))
	case domain.PropRelatedSubjects:
		return nil
	}
	return value
}

// ProcessChild implements Processor.
func (BareFormProcessor) ProcessChild(p *Pass, _, child domain.NodeState, _ any) any {
	if child.IsNodeType(domain.NodeTypeAnswer) {
		qref, _ := child.Property(domain.PropQuestion)
		question := p.Querier.ByIdentifier(qref.String())
		if v, ok := displayedValue(p, child); ok {
			p.Collect(bareName, formOf(child).Path(), Entry{Key: questionLabel(question), Value: v})
		}
	}
	return nil
}

// Leave implements Processor.
func (BareFormProcessor) Leave(p *Pass, n domain.NodeState, json map[string]any) {
	stripMeta(json)
	if !n.IsNodeType(domain.NodeTypeForm) {
		return
	}
	for _, e := range p.Collected(bareName, n.Path()) {
		json[e.Key] = e.Value
	}
}

// End implements Processor.
func (BareFormProcessor) End(p *Pass) { delete(p.ChildrenJSONs, bareName) }

// BareSubjectProcessor strips metadata from subjects, labels their type and
// parent, and keys child subjects by identifier.
type BareSubjectProcessor struct{ Base }

// NewBareSubjectProcessor returns the bareSubject processor.
func NewBareSubjectProcessor() *BareSubjectProcessor {
	return &BareSubjectProcessor{Base{ID: bareSubjectName, Order: 90}}
}

// CanProcess implements Processor.
func (BareSubjectProcessor) CanProcess(n domain.NodeState) bool {
	return n.IsNodeType(domain.NodeTypeSubject)
}

// ProcessProperty implements Processor.
func (BareSubjectProcessor) ProcessProperty(_ *Pass, n domain.NodeState, name string, value any) any {
	if isMeta(name) {
		return nil
	}
	switch name {
	case domain.PropType:
		t := n.Resolve(domain.PropType)
		if l, ok := t.Property(domain.PropLabel); ok && l.String() != "" {
			return l.String()
		}
		return t.Name()
	case domain.PropParents:
		parent := n.Resolve(domain.PropParents)
		if !parent.Exists() {
			return nil
		}
		return subjectLabel(parent)
	}
	return value
}

// ProcessChild implements Processor.
func (BareSubjectProcessor) ProcessChild(p *Pass, n, child domain.NodeState, value any) any {
	if !child.IsNodeType(domain.NodeTypeSubject) {
		return value
	}
	id, _ := child.Property(domain.PropIdentifier)
	p.Collect(bareSubjectName, n.Path(), Entry{Key: id.String(), Value: value})
	return nil
}

// Leave implements Processor.
func (BareSubjectProcessor) Leave(p *Pass, n domain.NodeState, json map[string]any) {
	stripMeta(json)
	for _, e := range p.Collected(bareSubjectName, n.Path()) {
		json[e.Key] = e.Value
	}
}

// End implements Processor.
func (BareSubjectProcessor) End(p *Pass) { delete(p.ChildrenJSONs, bareSubjectName) }

// ToEpicFormProcessor rewrites forms into the flat answer list accepted by
// the Epic flowsheet import: sections are dropped and answers are keyed by
// question name.
type ToEpicFormProcessor struct{ Base }

// NewToEpicFormProcessor returns the toEpic processor.
func NewToEpicFormProcessor() *ToEpicFormProcessor {
	return &ToEpicFormProcessor{Base{ID: toEpicName, Order: 100}}
}

// CanProcess implements Processor.
func (ToEpicFormProcessor) CanProcess(n domain.NodeState) bool { return isFormContent(n) }

// ProcessChild implements Processor.
func (ToEpicFormProcessor) ProcessChild(p *Pass, _, child domain.NodeState, _ any) any {
	if child.IsNodeType(domain.NodeTypeAnswer) {
		qref, _ := child.Property(domain.PropQuestion)
		question := p.Querier.ByIdentifier(qref.String())
		if v, ok := displayedValue(p, child); ok {
			p.Collect(toEpicName, formOf(child).Path(), Entry{Key: question.Name(), Value: v})
		}
	}
	return nil
}

// Leave implements Processor.
func (ToEpicFormProcessor) Leave(p *Pass, n domain.NodeState, json map[string]any) {
	if !n.IsNodeType(domain.NodeTypeForm) {
		return
	}
	for k := range json {
		delete(json, k)
	}
	chain := forms.SubjectChain(forms.SubjectOf(n))
	if len(chain) > 0 {
		top, _ := chain[len(chain)-1].Property(domain.PropIdentifier)
		json["patientId"] = top.String()
		if len(chain) > 1 {
			own, _ := chain[0].Property(domain.PropIdentifier)
			json["encounterId"] = own.String()
		}
	}
	q := forms.QuestionnaireOf(n)
	title, _ := q.Property(domain.PropTitle)
	json["questionnaire"] = title.String()
	if modified, ok := n.Property(domain.PropLastModified); ok {
		json["lastModified"] = modified.String()
	}
	answers := []map[string]any{}
	for _, e := range p.Collected(toEpicName, n.Path()) {
		answers = append(answers, map[string]any{"question": e.Key, "answer": e.Value})
	}
	json["answers"] = answers
}

// End implements Processor.
func (ToEpicFormProcessor) End(p *Pass) { delete(p.ChildrenJSONs, toEpicName) }
