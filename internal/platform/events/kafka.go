package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to one topic, keyed by Event.Key.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           5 * time.Second,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func message(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := message(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to kafka: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
