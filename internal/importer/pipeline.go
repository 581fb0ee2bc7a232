// Package importer turns rows from clinic feeds (Clarity, Epic, Torch) into
// patients, visits and visit forms through a priority ordered chain of
// mappers and discard filters.
package importer

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Row is one imported record keyed by column name. Keys starting with "@"
// carry values computed by processors rather than read from the feed.
type Row map[string]string

// Meta columns written by processors.
const (
	MetaClinic     = "@clinic"
	MetaSupersedes = "@supersedes"
)

// Get implements condition.Values.
func (r Row) Get(name string) (string, bool) {
	v, ok := r[name]
	return v, ok
}

// Value returns the trimmed value of a column.
func (r Row) Value(name string) string { return strings.TrimSpace(r[name]) }

// Clone returns a copy of the row.
func (r Row) Clone() Row { return maps.Clone(r) }

// Processor transforms a row or discards it by returning nil.
type Processor interface {
	Name() string
	Priority() int
	Process(ctx context.Context, batch *Batch, row Row) Row
}

// Batch holds state shared by the rows of one import run. It is released
// when the run ends.
type Batch struct {
	ID      string
	Started time.Time

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewBatch starts a batch.
func NewBatch(now time.Time) *Batch {
	return &Batch{ID: uuid.NewString(), Started: now, seen: map[string]map[string]struct{}{}}
}

// Seen records value in the named set and reports whether it was already
// present.
func (b *Batch) Seen(set, value string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen == nil {
		b.seen = map[string]map[string]struct{}{}
	}
	s, ok := b.seen[set]
	if !ok {
		s = map[string]struct{}{}
		b.seen[set] = s
	}
	if _, dup := s[value]; dup {
		return true
	}
	s[value] = struct{}{}
	return false
}

// Release drops the batch state.
func (b *Batch) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = nil
}

// Pipeline applies processors in ascending priority. Processors with equal
// priority keep their registration order.
type Pipeline struct {
	processors []Processor
}

// NewPipeline sorts the processors by priority.
func NewPipeline(processors ...Processor) *Pipeline {
	ps := slices.Clone(processors)
	slices.SortStableFunc(ps, func(a, b Processor) int { return a.Priority() - b.Priority() })
	return &Pipeline{processors: ps}
}

// Processors returns the processors in execution order.
func (p *Pipeline) Processors() []Processor { return slices.Clone(p.processors) }

// Run folds the row through every processor. A nil result discards the row
// and stops the fold; the name of the discarding processor is returned.
func (p *Pipeline) Run(ctx context.Context, batch *Batch, row Row) (Row, string) {
	cur := row.Clone()
	for _, proc := range p.processors {
		if ctx.Err() != nil {
			return nil, "cancelled"
		}
		cur = proc.Process(ctx, batch, cur)
		if cur == nil {
			return nil, proc.Name()
		}
	}
	return cur, ""
}
