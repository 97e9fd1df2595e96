// Package kafka forwards monitor events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"

	"github.com/coachpo/pricemesh/errs"
	"github.com/coachpo/pricemesh/internal/schema"
)

const defaultClientID = "pricemesh"

// Config describes the Kafka producer connection.
type Config struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"clientId"`
}

// Publisher delivers monitor events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
	Close() error
}

// NewPublisher returns a producer-backed publisher, or a noop one when the
// integration is disabled.
func NewPublisher(cfg Config) (Publisher, error) {
	if !cfg.Enabled {
		return noopPublisher{}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errs.New("", errs.KindPermanent, errs.WithOp("kafka/new"), errs.WithMessage("brokers required"))
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errs.New("", errs.KindPermanent, errs.WithOp("kafka/new"), errs.WithMessage("topic required"))
	}

	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if sc.ClientID == "" {
		sc.ClientID = defaultClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3
	sc.Producer.Compression = sarama.CompressionSnappy
	// SyncProducer requires success returns.
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &syncPublisher{producer: producer, topic: cfg.Topic}, nil
}

type syncPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func (p *syncPublisher) Publish(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("kafka publish context: %w", err)
		}
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.EventID, err)
	}
	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(messageKey(evt)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
	}
	if !evt.EmittedAt.IsZero() {
		message.Timestamp = evt.EmittedAt
	}
	if _, _, err := p.producer.SendMessage(message); err != nil {
		return errs.New("", errs.KindTransient, errs.WithOp("kafka/publish"), errs.WithMessage("send event"), errs.WithCause(err))
	}
	return nil
}

func (p *syncPublisher) Close() error {
	return p.producer.Close()
}

// messageKey keeps all events for one reference on the same partition.
func messageKey(evt *schema.Event) string {
	switch {
	case evt.PriceChange != nil && evt.PriceChange.Reference != "":
		return evt.PriceChange.Reference
	case evt.Degraded != nil && evt.Degraded.Reference != "":
		return evt.Degraded.Reference
	default:
		return evt.EventID
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *schema.Event) error { return nil }
func (noopPublisher) Close() error                                 { return nil }
