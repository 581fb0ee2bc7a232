package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cards/internal/condition"
	"cards/internal/platform/logger"
	"cards/pkg/domain"
)

// Default processor priorities. Filters that consult the repository run
// after the cheaper row-only processors, and each relies on the ones before
// it having removed conflicting rows.
const (
	PriorityMapper          = 10
	PriorityDates           = 20
	PriorityClinic          = 30
	PriorityDiscard         = 40
	PriorityUnsubscribed    = 50
	PriorityDuplicates      = 60
	PriorityExistingVisits  = 70
	PriorityRecentVisit     = 80
	defaultClinicMappingDir = "/Proms"
)

// Viewer reads committed repository state.
type Viewer interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// ConfiguredGenericMapper sets Column to Value on rows matching every
// condition.
type ConfiguredGenericMapper struct {
	name       string
	priority   int
	conditions condition.List
	column     string
	value      string
}

// NewConfiguredGenericMapper parses the conditions and builds the mapper.
// A zero priority selects PriorityMapper.
func NewConfiguredGenericMapper(name string, conditions []string, column, value string, priority int) (*ConfiguredGenericMapper, error) {
	cs, err := condition.ParseList(conditions)
	if err != nil {
		return nil, fmt.Errorf("mapper %s: %w", name, err)
	}
	if column == "" {
		return nil, fmt.Errorf("mapper %s: column is required", name)
	}
	if priority == 0 {
		priority = PriorityMapper
	}
	return &ConfiguredGenericMapper{name: name, priority: priority, conditions: cs, column: column, value: value}, nil
}

func (m *ConfiguredGenericMapper) Name() string  { return m.name }
func (m *ConfiguredGenericMapper) Priority() int { return m.priority }

// Process implements Processor.
func (m *ConfiguredGenericMapper) Process(_ context.Context, _ *Batch, row Row) Row {
	if m.conditions.Matches(row) {
		row[m.column] = m.value
	}
	return row
}

// ConfiguredDiscardFilter drops rows matching every condition.
type ConfiguredDiscardFilter struct {
	name       string
	priority   int
	conditions condition.List
}

// NewConfiguredDiscardFilter parses the conditions and builds the filter.
func NewConfiguredDiscardFilter(name string, conditions []string, priority int) (*ConfiguredDiscardFilter, error) {
	cs, err := condition.ParseList(conditions)
	if err != nil {
		return nil, fmt.Errorf("discard filter %s: %w", name, err)
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("discard filter %s: at least one condition is required", name)
	}
	if priority == 0 {
		priority = PriorityDiscard
	}
	return &ConfiguredDiscardFilter{name: name, priority: priority, conditions: cs}, nil
}

func (f *ConfiguredDiscardFilter) Name() string  { return f.name }
func (f *ConfiguredDiscardFilter) Priority() int { return f.priority }

// Process implements Processor.
func (f *ConfiguredDiscardFilter) Process(_ context.Context, _ *Batch, row Row) Row {
	if f.conditions.Matches(row) {
		return nil
	}
	return row
}

var feedDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006 3:04 PM",
	"2006-01-02",
	"01/02/2006",
}

// DateFormatter rewrites the configured date columns into RFC3339 in the
// given location. Unparseable values are left as they are.
type DateFormatter struct {
	columns  []string
	location *time.Location
	logger   *slog.Logger
}

// NewDateFormatter builds the formatter; a nil location means time.Local.
func NewDateFormatter(columns []string, location *time.Location, l *slog.Logger) *DateFormatter {
	if location == nil {
		location = time.Local
	}
	return &DateFormatter{columns: columns, location: location, logger: logger.OrDiscard(l)}
}

func (d *DateFormatter) Name() string  { return "date-formatter" }
func (d *DateFormatter) Priority() int { return PriorityDates }

// Process implements Processor.
func (d *DateFormatter) Process(_ context.Context, _ *Batch, row Row) Row {
	for _, col := range d.columns {
		raw := row.Value(col)
		if raw == "" {
			continue
		}
		t, err := parseFeedDate(raw, d.location)
		if err != nil {
			d.logger.Warn("unparseable date", "column", col, "value", raw)
			continue
		}
		row[col] = t.Format(time.RFC3339)
	}
	return row
}

func parseFeedDate(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range feedDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

// ClinicMapper resolves the clinic column to the path of the matching
// cards:ClinicMapping and stores it in MetaClinic. Rows for clinics without a
// mapping are discarded.
type ClinicMapper struct {
	store  Viewer
	column string
	under  string
	logger *slog.Logger
}

// NewClinicMapper builds the mapper; under defaults to /Proms.
func NewClinicMapper(store Viewer, column, under string, l *slog.Logger) *ClinicMapper {
	if under == "" {
		under = defaultClinicMappingDir
	}
	return &ClinicMapper{store: store, column: column, under: under, logger: logger.OrDiscard(l)}
}

func (c *ClinicMapper) Name() string  { return "clinic-mapper" }
func (c *ClinicMapper) Priority() int { return PriorityClinic }

// Process implements Processor.
func (c *ClinicMapper) Process(ctx context.Context, _ *Batch, row Row) Row {
	clinic := row.Value(c.column)
	if clinic == "" {
		return nil
	}
	var found string
	err := c.store.View(ctx, func(v domain.TransactionView) error {
		res, err := v.Query(domain.Query{
			NodeType: domain.NodeTypeClinicMapping,
			Under:    c.under,
			Where:    []domain.Condition{domain.Where(domain.PropClinicName, domain.OpEq, domain.StringValue(clinic))},
			Limit:    1,
		})
		if err != nil {
			return err
		}
		if len(res) > 0 {
			found = res[0].Path()
		}
		return nil
	})
	if err != nil {
		c.logger.Error("clinic lookup failed", "clinic", clinic, "error", err)
		return nil
	}
	if found == "" {
		c.logger.Debug("no clinic mapping", "clinic", clinic)
		return nil
	}
	row[MetaClinic] = found
	return row
}

// splitList splits a semicolon separated meta value.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
