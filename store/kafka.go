package store

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"perpkeeper/logger"
	"perpkeeper/models"
)

// KafkaFeed publishes domain events to a topic, one message per event,
// keyed by market so per-market ordering survives partitioning.
type KafkaFeed struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaFeed(brokers []string, topic string) (*KafkaFeed, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kf := &KafkaFeed{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger(),
	}
	kf.log.WithComponent("kafka_feed").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Debug("kafka feed initialized")
	return kf, nil
}

func eventMessages(events []models.DomainEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.Market), Value: data})
	}
	return msgs, nil
}

// SaveEvents publishes the batch.
func (kf *KafkaFeed) SaveEvents(ctx context.Context, events []models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := eventMessages(events)
	if err != nil {
		return err
	}
	if err := kf.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}
	size := 0
	for _, m := range msgs {
		size += len(m.Value)
	}
	logger.IncrementStoreWrite("kafka", size)
	kf.log.WithComponent("kafka_feed").WithFields(logger.Fields{
		"events": len(events),
	}).Debug("events published")
	return nil
}

// SaveLogs publishes scraped program log lines, keyed by transaction
// signature.
func (kf *KafkaFeed) SaveLogs(ctx context.Context, lines []models.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(lines))
	for _, line := range lines {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("marshal log line: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(line.Signature), Value: data})
	}
	if err := kf.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}
	kf.log.WithComponent("kafka_feed").WithFields(logger.Fields{
		"lines": len(lines),
	}).Debug("program logs published")
	return nil
}

func (kf *KafkaFeed) Close() {
	kf.writer.Close()
}
