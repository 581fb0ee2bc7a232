package importer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	name     string
	priority int
	fn       func(Row) Row
}

func (s stubProcessor) Name() string  { return s.name }
func (s stubProcessor) Priority() int { return s.priority }
func (s stubProcessor) Process(_ context.Context, _ *Batch, row Row) Row {
	return s.fn(row)
}

func TestConfiguredGenericMapperSetsColumnWhenConditionsHold(t *testing.T) {
	m, err := NewConfiguredGenericMapper("adult", []string{"AGE >= 18"}, "STATUS", "Adult", 0)
	require.NoError(t, err)
	assert.Equal(t, PriorityMapper, m.Priority())

	batch := NewBatch(time.Now())
	got := m.Process(context.Background(), batch, Row{"AGE": "20"})
	assert.Equal(t, Row{"AGE": "20", "STATUS": "Adult"}, got)

	got = m.Process(context.Background(), batch, Row{"AGE": "10"})
	assert.Equal(t, Row{"AGE": "10"}, got)

	_, err = NewConfiguredGenericMapper("broken", []string{"AGE"}, "STATUS", "x", 0)
	assert.Error(t, err)
}

func TestConfiguredDiscardFilterDropsMatchingRows(t *testing.T) {
	f, err := NewConfiguredDiscardFilter("test-patients", []string{"PAT_MRN_ID matches 9+", "CLINIC is not empty"}, 0)
	require.NoError(t, err)
	batch := NewBatch(time.Now())
	assert.Nil(t, f.Process(context.Background(), batch, Row{"PAT_MRN_ID": "999", "CLINIC": "x"}))
	assert.NotNil(t, f.Process(context.Background(), batch, Row{"PAT_MRN_ID": "999"}))
	assert.NotNil(t, f.Process(context.Background(), batch, Row{"PAT_MRN_ID": "123", "CLINIC": "x"}))

	_, err = NewConfiguredDiscardFilter("empty", nil, 0)
	assert.Error(t, err)
}

func TestPipelineRunsInPriorityOrderAndStopsOnDiscard(t *testing.T) {
	var order []string
	record := func(name string, drop bool) func(Row) Row {
		return func(r Row) Row {
			order = append(order, name)
			if drop {
				return nil
			}
			r[name] = "1"
			return r
		}
	}
	p := NewPipeline(
		stubProcessor{name: "late", priority: 90, fn: record("late", false)},
		stubProcessor{name: "first", priority: 10, fn: record("first", false)},
		stubProcessor{name: "second", priority: 10, fn: record("second", false)},
	)
	in := Row{"A": "x"}
	out, by := p.Run(context.Background(), NewBatch(time.Now()), in)
	require.NotNil(t, out)
	assert.Empty(t, by)
	assert.Equal(t, []string{"first", "second", "late"}, order)
	assert.Equal(t, Row{"A": "x"}, in, "input row must not be modified")

	order = nil
	p = NewPipeline(
		stubProcessor{name: "drop", priority: 50, fn: record("drop", true)},
		stubProcessor{name: "never", priority: 60, fn: record("never", false)},
	)
	out, by = p.Run(context.Background(), NewBatch(time.Now()), Row{})
	assert.Nil(t, out)
	assert.Equal(t, "drop", by)
	assert.Equal(t, []string{"drop"}, order)
}

func TestDiscardDuplicatesFilterKeepsFirstRowPerBatch(t *testing.T) {
	f := NewDiscardDuplicatesFilter("/SubjectTypes/Patient", "PAT_MRN_ID")
	batch := NewBatch(time.Now())
	ctx := context.Background()
	assert.NotNil(t, f.Process(ctx, batch, Row{"PAT_MRN_ID": "100", "CSN": "1"}))
	assert.Nil(t, f.Process(ctx, batch, Row{"PAT_MRN_ID": "100", "CSN": "2"}))
	assert.NotNil(t, f.Process(ctx, batch, Row{"PAT_MRN_ID": "200", "CSN": "3"}))

	fresh := NewBatch(time.Now())
	assert.NotNil(t, f.Process(ctx, fresh, Row{"PAT_MRN_ID": "100", "CSN": "1"}), "seen sets do not leak across batches")
}

func TestDateFormatterNormalisesColumns(t *testing.T) {
	d := NewDateFormatter([]string{"WHEN", "BIRTH"}, time.UTC, nil)
	out := d.Process(context.Background(), NewBatch(time.Now()), Row{
		"WHEN":  "03/05/2024 10:30",
		"BIRTH": "1980-01-02",
		"OTHER": "03/05/2024",
	})
	assert.Equal(t, "2024-03-05T10:30:00Z", out["WHEN"])
	assert.Equal(t, "1980-01-02T00:00:00Z", out["BIRTH"])
	assert.Equal(t, "03/05/2024", out["OTHER"])

	out = d.Process(context.Background(), NewBatch(time.Now()), Row{"WHEN": "soon"})
	assert.Equal(t, "soon", out["WHEN"])
}

func TestReadCSVUsesHeaderAsKeys(t *testing.T) {
	var rows []Row
	err := readCSV(context.Background(), strings.NewReader("\ufeffA, B\n1,2\n3\n"), 0, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{{"A": "1", "B": "2"}, {"A": "3"}}, rows)
}
