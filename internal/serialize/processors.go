package serialize

import (
	"cards/pkg/domain"
)

// Processor names usable as selectors.
const (
	identifyName    = "identify"
	propertiesName  = "properties"
	deepName        = "deep"
	dereferenceName = "dereference"
	labelsName      = "labels"
	bareName        = "bare"
	bareSubjectName = "bareSubject"
	toEpicName      = "toEpic"
	csvName         = "csv"
)

// IdentifyProcessor adds @path and @name to every node.
type IdentifyProcessor struct{ Base }

// NewIdentifyProcessor returns the default identify processor.
func NewIdentifyProcessor() *IdentifyProcessor {
	return &IdentifyProcessor{Base{ID: identifyName, Order: 0, ByDefault: true}}
}

// Enter implements Processor.
func (IdentifyProcessor) Enter(_ *Pass, n domain.NodeState, json map[string]any) {
	json["@path"] = n.Path()
	json["@name"] = n.Name()
}

// PropertiesProcessor converts stored properties to JSON values, rendering
// references as the referenced node's path.
type PropertiesProcessor struct{ Base }

// NewPropertiesProcessor returns the default properties processor.
func NewPropertiesProcessor() *PropertiesProcessor {
	return &PropertiesProcessor{Base{ID: propertiesName, Order: 10, ByDefault: true}}
}

// ProcessProperty implements Processor.
func (PropertiesProcessor) ProcessProperty(p *Pass, _ domain.NodeState, _ string, value any) any {
	prop, ok := value.(domain.Property)
	if !ok {
		return value
	}
	if !prop.IsReference() {
		return prop.Value()
	}
	paths := make([]any, len(prop.Values))
	for i, id := range prop.Values {
		if target := p.Querier.ByIdentifier(id); target.Exists() {
			paths[i] = target.Path()
		} else {
			paths[i] = id
		}
	}
	if prop.Multiple {
		return paths
	}
	if len(paths) == 0 {
		return nil
	}
	return paths[0]
}

// referenceTargets resolves a reference or path property of n.
func referenceTargets(p *Pass, n domain.NodeState, name string) ([]domain.NodeState, bool, bool) {
	prop, ok := n.Property(name)
	if !ok || name == domain.PropUUID {
		return nil, false, false
	}
	var targets []domain.NodeState
	switch {
	case prop.IsReference():
		for _, id := range prop.Values {
			targets = append(targets, p.Querier.ByIdentifier(id))
		}
	case prop.Type == domain.TypePath:
		for _, path := range prop.Values {
			targets = append(targets, p.Querier.Node(path))
		}
	default:
		return nil, false, false
	}
	return targets, prop.Multiple, true
}

// expand replaces resolvable targets with their serialization. Targets that
// are missing or already being serialized keep their current value.
func expand(p *Pass, targets []domain.NodeState, multiple bool, value any) any {
	current, _ := value.([]any)
	out := make([]any, len(targets))
	for i, t := range targets {
		switch {
		case t.Exists() && !p.InProgress(t.Path()):
			out[i] = p.Dereference(t)
		case i < len(current):
			out[i] = current[i]
		case !multiple:
			out[i] = value
		default:
			out[i] = t.Path()
		}
	}
	if multiple {
		return out
	}
	if len(out) == 0 {
		return value
	}
	return out[0]
}

// DereferenceProcessor replaces reference and path properties of the
// requested node and its children with the referenced node's serialization.
// Nodes reached through a dereference are not dereferenced again.
type DereferenceProcessor struct{ Base }

// NewDereferenceProcessor returns the default dereference processor.
func NewDereferenceProcessor() *DereferenceProcessor {
	return &DereferenceProcessor{Base{ID: dereferenceName, Order: 50, ByDefault: true}}
}

// ProcessProperty implements Processor.
func (DereferenceProcessor) ProcessProperty(p *Pass, n domain.NodeState, name string, value any) any {
	if p.Nested() > 0 {
		return value
	}
	if _, done := value.(map[string]any); done {
		return value
	}
	targets, multiple, ok := referenceTargets(p, n, name)
	if !ok {
		return value
	}
	return expand(p, targets, multiple, value)
}

// DeepProcessor dereferences recursively, including inside dereferenced
// nodes. A node already on the serialization path is left as its path.
type DeepProcessor struct{ Base }

// NewDeepProcessor returns the deep processor.
func NewDeepProcessor() *DeepProcessor {
	return &DeepProcessor{Base{ID: deepName, Order: 45}}
}

// ProcessProperty implements Processor.
func (DeepProcessor) ProcessProperty(p *Pass, n domain.NodeState, name string, value any) any {
	targets, multiple, ok := referenceTargets(p, n, name)
	if !ok {
		return value
	}
	return expand(p, targets, multiple, value)
}

// LabelsProcessor adds displayedValue to answers: the option labels for
// answers to questions with options, the raw value otherwise.
type LabelsProcessor struct{ Base }

// NewLabelsProcessor returns the labels processor.
func NewLabelsProcessor() *LabelsProcessor {
	return &LabelsProcessor{Base{ID: labelsName, Order: 60}}
}

// CanProcess implements Processor.
func (LabelsProcessor) CanProcess(n domain.NodeState) bool {
	return n.IsNodeType(domain.NodeTypeAnswer)
}

// Leave implements Processor.
func (LabelsProcessor) Leave(p *Pass, n domain.NodeState, json map[string]any) {
	if dv, ok := displayedValue(p, n); ok {
		json["displayedValue"] = dv
	}
}

// displayedValue renders an answer for humans.
func displayedValue(p *Pass, answer domain.NodeState) (any, bool) {
	value, ok := answer.Property(domain.PropValue)
	if !ok || len(value.Values) == 0 {
		return nil, false
	}
	qref, _ := answer.Property(domain.PropQuestion)
	question := p.Querier.ByIdentifier(qref.String())
	labels := optionLabels(question)
	render := func(i int) any {
		if l, ok := labels[value.Values[i]]; ok {
			return l
		}
		if value.IsReference() {
			if t := p.Querier.ByIdentifier(value.Values[i]); t.Exists() {
				return t.Path()
			}
		}
		return domain.Property{Type: value.Type, Values: value.Values[i : i+1]}.Value()
	}
	if value.Multiple {
		out := make([]any, len(value.Values))
		for i := range value.Values {
			out[i] = render(i)
		}
		return out, true
	}
	return render(0), true
}

func optionLabels(question domain.NodeState) map[string]string {
	out := map[string]string{}
	for _, c := range question.Children() {
		if !c.IsNodeType(domain.NodeTypeAnswerOption) {
			continue
		}
		v, _ := c.Property(domain.PropValue)
		l, _ := c.Property(domain.PropLabel)
		if l.String() != "" {
			out[v.String()] = l.String()
		}
	}
	return out
}

// questionLabel is the question's text, falling back to its name.
func questionLabel(question domain.NodeState) string {
	if t, ok := question.Property(domain.PropText); ok && t.String() != "" {
		return t.String()
	}
	return question.Name()
}
