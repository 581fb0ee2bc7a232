package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"cards/pkg/domain"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.records = append(f.records, rs...)
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func node(path, primaryType, uuid string) *domain.Node {
	return &domain.Node{
		Path:        path,
		PrimaryType: primaryType,
		Properties:  map[string]domain.Property{domain.PropUUID: domain.StringValue(uuid)},
	}
}

func TestPublisherWritesOneRecordPerRelevantChange(t *testing.T) {
	fake := &fakeProducer{}
	p := NewPublisher(fake, Config{Topic: "cards.changes"}, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }

	changes := []domain.Change{
		{Path: "/Forms/f1", Action: domain.ActionCreate, After: node("/Forms/f1", domain.NodeTypeForm, "u-f1")},
		{Path: "/Forms/f1/a1", Action: domain.ActionUpdate, Before: node("/Forms/f1/a1", domain.NodeTypeLongAnswer, "u-a1"), After: node("/Forms/f1/a1", domain.NodeTypeLongAnswer, "u-a1"), Properties: []string{"value"}},
		{Path: "/Questionnaires/q", Action: domain.ActionUpdate, After: node("/Questionnaires/q", domain.NodeTypeQuestionnaire, "u-q")},
		{Path: "/Subjects/s1", Action: domain.ActionDelete, Before: node("/Subjects/s1", domain.NodeTypeSubject, "u-s1")},
	}
	require.NoError(t, p.OnChange(context.Background(), changes))
	require.Len(t, fake.records, 3)

	keys := make([]string, 0, len(fake.records))
	for _, r := range fake.records {
		assert.Equal(t, "cards.changes", r.Topic)
		keys = append(keys, string(r.Key))
	}
	assert.Equal(t, []string{"/Forms/f1", "/Forms/f1/a1", "/Subjects/s1"}, keys)

	var ev Event
	require.NoError(t, json.Unmarshal(fake.records[1].Value, &ev))
	assert.Equal(t, domain.ActionUpdate, ev.Action)
	assert.Equal(t, "u-a1", ev.Identifier)
	assert.Equal(t, domain.NodeTypeLongAnswer, ev.PrimaryType)
	assert.Equal(t, []string{"value"}, ev.Properties)

	var deleted Event
	require.NoError(t, json.Unmarshal(fake.records[2].Value, &deleted))
	assert.Equal(t, domain.ActionDelete, deleted.Action)
	assert.Equal(t, "u-s1", deleted.Identifier)
	assert.Equal(t, "delete", string(fake.records[2].Headers[0].Value))
}

func TestPublisherSkipsIrrelevantCommits(t *testing.T) {
	fake := &fakeProducer{}
	p := NewPublisher(fake, Config{Topic: "t", NodeTypes: []string{domain.NodeTypeSubject}}, nil)
	err := p.OnChange(context.Background(), []domain.Change{
		{Path: "/Forms/f1", Action: domain.ActionCreate, After: node("/Forms/f1", domain.NodeTypeForm, "u")},
	})
	require.NoError(t, err)
	assert.Empty(t, fake.records)
	assert.Equal(t, "kafka-publisher", p.Name())
}

func TestPublisherReportsProduceFailure(t *testing.T) {
	fake := &fakeProducer{err: errors.New("broker down")}
	p := NewPublisher(fake, Config{Topic: "t"}, nil)
	err := p.OnChange(context.Background(), []domain.Change{
		{Path: "/Forms/f1", Action: domain.ActionCreate, After: node("/Forms/f1", domain.NodeTypeForm, "u")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewClientRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewClient(Config{Topic: "t"})
	require.Error(t, err)
	_, err = NewClient(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
}
