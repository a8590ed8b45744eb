package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/help-matching/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer publishes location reports keyed by user id so one user's
// reports stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, r models.LocationReport) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := EncodeLocationReport(r)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.UserID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func EncodeLocationReport(r models.LocationReport) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeLocationReport parses and checks a message from the location topic.
func DecodeLocationReport(b []byte) (models.LocationReport, error) {
	var r models.LocationReport
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode location report: %w", err)
	}
	if r.UserID == "" {
		return r, fmt.Errorf("decode location report: missing user_id")
	}
	if err := r.Position.Validate(); err != nil {
		return r, fmt.Errorf("decode location report: %w", err)
	}
	return r, nil
}
