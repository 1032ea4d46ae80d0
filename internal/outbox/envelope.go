package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Envelope is the bus message shape. Consumers deduplicate by EventID and
// order by Sequence within one aggregate; no cross-aggregate order is
// promised.
type Envelope struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	TenantID      string          `json:"tenant_id"`
	Sequence      uint64          `json:"sequence_number"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Bus abstracts the downstream event bus.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
}

// KafkaBus publishes envelopes to a Kafka topic, keyed by aggregate id so a
// single partition carries each aggregate's stream in order.
type KafkaBus struct {
	writer *kafka.Writer
}

func NewKafkaBus(writer *kafka.Writer) *KafkaBus {
	return &KafkaBus{writer: writer}
}

func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: value,
		Time:  time.Now(),
	})
}
