// Package events publishes committed content changes to Kafka so that
// downstream systems can follow form and subject activity.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"cards/internal/platform/logger"
	"cards/pkg/domain"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"clientId"`
	// NodeTypes restricts published changes; empty publishes forms, answers
	// and subjects.
	NodeTypes []string `yaml:"nodeTypes"`
}

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Event is the JSON value of a published record.
type Event struct {
	Action      domain.Action `json:"action"`
	Path        string        `json:"path"`
	Identifier  string        `json:"identifier,omitempty"`
	PrimaryType string        `json:"primaryType"`
	Properties  []string      `json:"properties,omitempty"`
	At          time.Time     `json:"at"`
}

// Publisher is a post-commit listener writing one record per change, keyed
// by node path.
type Publisher struct {
	producer Producer
	topic    string
	types    []string
	logger   *slog.Logger
	now      func() time.Time
}

// NewClient connects a franz-go client producing to cfg.Topic.
func NewClient(cfg Config) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cards"
	}
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
}

// NewPublisher builds the listener.
func NewPublisher(p Producer, cfg Config, l *slog.Logger) *Publisher {
	types := cfg.NodeTypes
	if len(types) == 0 {
		types = []string{domain.NodeTypeForm, domain.NodeTypeAnswer, domain.NodeTypeSubject}
	}
	return &Publisher{producer: p, topic: cfg.Topic, types: types, logger: logger.OrDiscard(l).With("listener", "kafka-publisher"), now: time.Now}
}

// Name implements observation.Listener.
func (p *Publisher) Name() string { return "kafka-publisher" }

// OnChange implements observation.Listener.
func (p *Publisher) OnChange(ctx context.Context, changes []domain.Change) error {
	records := make([]*kgo.Record, 0, len(changes))
	at := p.now().UTC()
	for _, c := range changes {
		n := c.After
		if n == nil {
			n = c.Before
		}
		if n == nil || !p.publishes(n) {
			continue
		}
		ev := Event{Action: c.Action, Path: c.Path, PrimaryType: n.PrimaryType, Properties: c.Properties, At: at}
		if id, ok := n.Properties[domain.PropUUID]; ok {
			ev.Identifier = id.String()
		}
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event for %s: %w", c.Path, err)
		}
		records = append(records, &kgo.Record{
			Topic:   p.topic,
			Key:     []byte(c.Path),
			Value:   value,
			Headers: []kgo.RecordHeader{{Key: "action", Value: []byte(c.Action)}},
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := p.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("publish %d changes: %w", len(records), err)
	}
	p.logger.Debug("changes published", "count", len(records))
	return nil
}

func (p *Publisher) publishes(n *domain.Node) bool {
	return slices.ContainsFunc(p.types, func(t string) bool { return domain.IsNodeType(n, t) })
}
