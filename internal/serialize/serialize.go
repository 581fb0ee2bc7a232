// Package serialize renders content nodes to JSON (and questionnaires to CSV)
// through a chain of processors selected per request, e.g.
// "/Forms/f1.bare.labels.json" or "/Questionnaires/PHQ.-labels.csv".
package serialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var (
	// ErrIncompatible reports a selector combination that cannot be served.
	ErrIncompatible = errors.New("incompatible serialization selectors")
	// ErrFormat reports an unsupported output format.
	ErrFormat = errors.New("unsupported serialization format")
)

// Processor is one step of the serialization chain. Processors run in
// ascending priority; ProcessProperty and ProcessChild receive the output of
// the previous processor and return nil to drop the entry.
type Processor interface {
	Name() string
	Priority() int
	IsEnabledByDefault() bool
	CanProcess(n domain.NodeState) bool
	Start(p *Pass)
	Enter(p *Pass, n domain.NodeState, json map[string]any)
	ProcessProperty(p *Pass, n domain.NodeState, name string, value any) any
	ProcessChild(p *Pass, n, child domain.NodeState, value any) any
	Leave(p *Pass, n domain.NodeState, json map[string]any)
	End(p *Pass)
}

// Base provides pass-through defaults for processors.
type Base struct {
	ID        string
	Order     int
	ByDefault bool
}

func (b Base) Name() string { return b.ID }

func (b Base) Priority() int { return b.Order }

func (b Base) IsEnabledByDefault() bool { return b.ByDefault }

func (Base) CanProcess(domain.NodeState) bool { return true }

func (Base) Start(*Pass) {}

func (Base) Enter(*Pass, domain.NodeState, map[string]any) {}

func (Base) ProcessProperty(_ *Pass, _ domain.NodeState, _ string, value any) any { return value }

func (Base) ProcessChild(_ *Pass, _, _ domain.NodeState, value any) any { return value }

func (Base) Leave(*Pass, domain.NodeState, map[string]any) {}

func (Base) End(*Pass) {}

// Pass is the state of one serialization request. Processors keep their
// per-request aggregation here, never on the processor itself.
type Pass struct {
	Querier    domain.Querier
	Root       domain.NodeState
	Format     string
	processors []Processor

	stack  []string
	nested int

	// ChildrenJSONs collects child output re-homed by format-changing
	// processors, keyed by processor name then by the collecting node path.
	ChildrenJSONs map[string]map[string][]Entry
	values        map[string]any
}

// Entry is one collected key/value pair.
type Entry struct {
	Key   string
	Value any
}

// Enabled reports whether the named processor takes part in the pass.
func (p *Pass) Enabled(name string) bool {
	return slices.ContainsFunc(p.processors, func(pr Processor) bool { return pr.Name() == name })
}

// Nested reports how many dereferences deep the current node is.
func (p *Pass) Nested() int { return p.nested }

// InProgress reports whether path is currently being serialized higher up.
func (p *Pass) InProgress(path string) bool { return slices.Contains(p.stack, path) }

// Collect records an entry under the processor and collecting node.
func (p *Pass) Collect(processor, node string, e Entry) {
	if p.ChildrenJSONs == nil {
		p.ChildrenJSONs = map[string]map[string][]Entry{}
	}
	byNode := p.ChildrenJSONs[processor]
	if byNode == nil {
		byNode = map[string][]Entry{}
		p.ChildrenJSONs[processor] = byNode
	}
	byNode[node] = append(byNode[node], e)
}

// Collected returns the entries collected for a node.
func (p *Pass) Collected(processor, node string) []Entry {
	return p.ChildrenJSONs[processor][node]
}

// Set stores a per-pass value.
func (p *Pass) Set(key string, v any) {
	if p.values == nil {
		p.values = map[string]any{}
	}
	p.values[key] = v
}

// Get reads a per-pass value.
func (p *Pass) Get(key string) any { return p.values[key] }

// Dereference serializes a referenced node one level deeper.
func (p *Pass) Dereference(n domain.NodeState) map[string]any {
	p.nested++
	defer func() { p.nested-- }()
	return p.serialize(n)
}

func (p *Pass) serialize(n domain.NodeState) map[string]any {
	p.stack = append(p.stack, n.Path())
	defer func() { p.stack = p.stack[:len(p.stack)-1] }()

	active := make([]Processor, 0, len(p.processors))
	for _, pr := range p.processors {
		if pr.CanProcess(n) {
			active = append(active, pr)
		}
	}
	json := map[string]any{}
	for _, pr := range active {
		pr.Enter(p, n, json)
	}
	props := n.Properties()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		var v any = props[name]
		for _, pr := range active {
			if v = pr.ProcessProperty(p, n, name, v); v == nil {
				break
			}
		}
		if v == nil {
			continue
		}
		if raw, ok := v.(domain.Property); ok {
			v = raw.Value()
		}
		json[name] = v
	}
	for _, child := range n.Children() {
		var v any = p.serialize(child)
		for _, pr := range active {
			if v = pr.ProcessChild(p, n, child, v); v == nil {
				break
			}
		}
		if v != nil {
			json[child.Name()] = v
		}
	}
	for i := len(active) - 1; i >= 0; i-- {
		active[i].Leave(p, n, json)
	}
	return json
}

// Request is a parsed serialization address.
type Request struct {
	Path      string
	Selectors []string
	Format    string
}

// ParseRequest splits "/Forms/f1.bare.deep.json" into the node path, the
// selectors and the format. Dots before the final path segment are kept.
func ParseRequest(raw string) (Request, error) {
	dir, last := "", raw
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		dir, last = raw[:i], raw[i+1:]
	}
	parts := strings.Split(last, ".")
	if len(parts) < 2 {
		return Request{}, fmt.Errorf("%w: missing extension in %q", ErrFormat, raw)
	}
	format := parts[len(parts)-1]
	if format != FormatJSON && format != FormatCSV {
		return Request{}, fmt.Errorf("%w: %q", ErrFormat, format)
	}
	p := dir + "/" + parts[0]
	if dir == "" && parts[0] == "" {
		p = "/"
	}
	clean, err := domain.CleanPath(p)
	if err != nil {
		return Request{}, err
	}
	var selectors []string
	for _, s := range parts[1 : len(parts)-1] {
		if s != "" {
			selectors = append(selectors, s)
		}
	}
	return Request{Path: clean, Selectors: selectors, Format: format}, nil
}

// Serializer owns the registered processors.
type Serializer struct {
	processors []Processor
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the serializer logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) { s.logger = logger.OrDiscard(l) }
}

// WithMetrics records serialization latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Serializer) { s.metrics = m }
}

// WithProcessors registers additional processors.
func WithProcessors(ps ...Processor) Option {
	return func(s *Serializer) { s.processors = append(s.processors, ps...) }
}

// New builds a serializer with the built-in processors.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		processors: DefaultProcessors(),
		logger:     logger.Discard(),
		tracer:     otel.Tracer("cards/serialize"),
	}
	for _, opt := range opts {
		opt(s)
	}
	slices.SortStableFunc(s.processors, func(a, b Processor) int { return a.Priority() - b.Priority() })
	return s
}

// DefaultProcessors returns fresh instances of the built-in processors.
func DefaultProcessors() []Processor {
	return []Processor{
		NewIdentifyProcessor(),
		NewPropertiesProcessor(),
		NewDeepProcessor(),
		NewDereferenceProcessor(),
		NewLabelsProcessor(),
		NewBareFormProcessor(),
		NewBareSubjectProcessor(),
		NewToEpicFormProcessor(),
		NewCSVProcessor(),
	}
}

// Processors lists the registered processor names in execution order.
func (s *Serializer) Processors() []string {
	out := make([]string, len(s.processors))
	for i, p := range s.processors {
		out[i] = p.Name()
	}
	return out
}

// Enabled resolves selectors against the defaults: a name enables a
// processor, "-name" disables one. Unknown selectors are ignored.
func (s *Serializer) Enabled(selectors []string) ([]Processor, error) {
	on := map[string]bool{}
	for _, p := range s.processors {
		on[p.Name()] = p.IsEnabledByDefault()
	}
	for _, sel := range selectors {
		if name, ok := strings.CutPrefix(sel, "-"); ok {
			if _, known := on[name]; known {
				on[name] = false
			}
			continue
		}
		if _, known := on[sel]; known {
			on[sel] = true
		}
	}
	if on[bareName] && on[toEpicName] {
		return nil, fmt.Errorf("%w: %s cannot be combined with %s", ErrIncompatible, toEpicName, bareName)
	}
	var out []Processor
	for _, p := range s.processors {
		if on[p.Name()] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Serialize renders n as a JSON-ready map.
func (s *Serializer) Serialize(ctx context.Context, q domain.Querier, n domain.NodeState, selectors []string) (map[string]any, error) {
	out, _, err := s.run(ctx, q, n, selectors, FormatJSON)
	return out, err
}

func (s *Serializer) run(ctx context.Context, q domain.Querier, n domain.NodeState, selectors []string, format string) (map[string]any, *Pass, error) {
	_, span := s.tracer.Start(ctx, "serialize", trace.WithAttributes(
		attribute.String("cards.path", n.Path()),
		attribute.String("cards.format", format),
		attribute.StringSlice("cards.selectors", selectors),
	))
	defer span.End()
	start := time.Now()

	if !n.Exists() {
		err := domain.NotFoundError{Kind: "node", ID: n.Path()}
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	procs, err := s.Enabled(selectors)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	pass := &Pass{Querier: q, Root: n, Format: format, processors: procs}
	for _, p := range procs {
		p.Start(pass)
	}
	out := pass.serialize(n)
	for _, p := range procs {
		p.End(pass)
	}
	s.metrics.ObserveSerialize(format, time.Since(start))
	s.logger.Debug("serialized", "path", n.Path(), "format", format, "processors", len(procs))
	return out, pass, nil
}
