/*
publisher.go - Notification sinks

PURPOSE:
  A Publisher delivers committed workflow events to subscribers. Delivery is
  at-least-once: the relay may hand the same event to a sink again after a
  partial failure, so consumers deduplicate on Event.ID.

SINKS:
  LogPublisher    writes each event as a structured log line (development)
  KafkaPublisher  produces one record per event, keyed by workflow id
  RedisPublisher  PUBLISHes each event's JSON on a channel
  Fanout          delivers to several sinks concurrently

SEE ALSO:
  - relay.go: drains the outbox into a Publisher
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/lcfs/compliance-ledger/ledger"
)

type Publisher interface {
	Publish(ctx context.Context, events []ledger.Event) error
	Close() error
}

func encode(ev ledger.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	return b, nil
}

// =============================================================================
// LOG
// =============================================================================

type LogPublisher struct {
	logger logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events []ledger.Event) error {
	for _, ev := range events {
		p.logger.WithFields(logrus.Fields{
			"event_id":      ev.ID,
			"workflow":      ev.WorkflowType,
			"workflow_id":   ev.WorkflowID,
			"from":          ev.FromState,
			"to":            ev.ToState,
			"actor":         ev.Actor,
			"organizations": ev.AffectedOrganizationIDs,
		}).Info("workflow event")
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// =============================================================================
// KAFKA
// =============================================================================

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type KafkaPublisher struct {
	client producer
	topic  string
}

// NewKafkaPublisher connects to brokers. Records are produced with
// idempotent writes and acks from all in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// NewKafkaPublisherWithProducer wraps an existing producer, typically a
// *kgo.Client shared with other components.
func NewKafkaPublisherWithProducer(p producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: p, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		value, err := encode(ev)
		if err != nil {
			return err
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(ev.WorkflowID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "event_id", Value: []byte(ev.ID)},
				{Key: "workflow_type", Value: []byte(ev.WorkflowType)},
			},
		})
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d events: %w", len(records), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher dials addr (host:port or a redis:// URL) and pings it.
func NewRedisPublisher(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisPublisherWithClient(client, channel), nil
}

func NewRedisPublisherWithClient(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends every event in one pipeline. Subscribers on the channel
// receive the event JSON.
func (p *RedisPublisher) Publish(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, ev := range events {
		payload, err := encode(ev)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, p.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(events), err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

// =============================================================================
// FANOUT
// =============================================================================

// Fanout delivers to every sink concurrently and fails if any sink fails.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, events []ledger.Event) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range f {
		g.Go(func() error { return p.Publish(ctx, events) })
	}
	return g.Wait()
}

func (f Fanout) Close() error {
	var first error
	for _, p := range f {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
