package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/models"
)

const publishTimeout = 2 * time.Second

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes confirmed location writes keyed by driver id, so
// one driver's events stay ordered within a partition.
type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// PublishLocation implements location.Publisher.
func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b, Time: ev.SentAt})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocationEvent parses a message produced by PublishLocation.
func DecodeLocationEvent(m kafka.Message) (models.LocationEvent, error) {
	var ev models.LocationEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, err
	}
	if ev.DriverID == "" {
		ev.DriverID = string(m.Key)
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = m.Time
	}
	return ev, nil
}
