package serialize

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"cards/internal/forms"
	"cards/pkg/domain"
)

// CSVProcessor tabulates the forms of a questionnaire: one header row of
// question labels, then one row per form, oldest first.
type CSVProcessor struct{ Base }

// NewCSVProcessor returns the csv processor.
func NewCSVProcessor() *CSVProcessor {
	return &CSVProcessor{Base{ID: csvName, Order: 110}}
}

// CanProcess implements Processor.
func (CSVProcessor) CanProcess(n domain.NodeState) bool {
	return n.IsNodeType(domain.NodeTypeQuestionnaire)
}

// Leave implements Processor.
func (CSVProcessor) Leave(p *Pass, n domain.NodeState, _ map[string]any) {
	if n.Path() != p.Root.Path() {
		return
	}
	questions := forms.Questions(n)
	header := []string{"Identifier", "Created"}
	for _, q := range questions {
		header = append(header, questionLabel(q))
	}
	rows := [][]string{header}
	found, err := p.Querier.Query(domain.Query{
		NodeType: domain.NodeTypeForm,
		Where:    []domain.Condition{domain.Where(domain.PropQuestionnaire, domain.OpEq, domain.ReferenceValue(n.Identifier()))},
		OrderBy:  domain.PropCreated,
	})
	if err != nil {
		p.Set(csvName+":error", err)
		return
	}
	for _, form := range found {
		created, _ := form.Property(domain.PropCreated)
		row := []string{subjectLabel(forms.SubjectOf(form)), created.String()}
		for _, q := range questions {
			row = append(row, cell(p, forms.FindAnswer(form, q.Identifier())))
		}
		rows = append(rows, row)
	}
	p.Set(csvName, rows)
}

func cell(p *Pass, answer domain.NodeState) string {
	if !answer.Exists() {
		return ""
	}
	v, ok := displayedValue(p, answer)
	if !ok {
		return ""
	}
	if list, ok := v.([]any); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ";")
	}
	return fmt.Sprint(v)
}

// Rows renders a questionnaire's forms as CSV records.
func (s *Serializer) Rows(ctx context.Context, q domain.Querier, n domain.NodeState, selectors []string) ([][]string, error) {
	if n.Exists() && !n.IsNodeType(domain.NodeTypeQuestionnaire) {
		return nil, fmt.Errorf("%w: csv is only available for questionnaires", ErrFormat)
	}
	_, pass, err := s.run(ctx, q, n, append(append([]string(nil), selectors...), csvName), FormatCSV)
	if err != nil {
		return nil, err
	}
	if err, ok := pass.Get(csvName + ":error").(error); ok {
		return nil, err
	}
	rows, _ := pass.Get(csvName).([][]string)
	return rows, nil
}

// WriteCSV writes the CSV rendering of a questionnaire to w.
func (s *Serializer) WriteCSV(ctx context.Context, q domain.Querier, n domain.NodeState, selectors []string, w io.Writer) error {
	rows, err := s.Rows(ctx, q, n, selectors)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
