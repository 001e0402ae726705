package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaExporter is a listener publishing committed change records to a
// Kafka topic, keyed by resource public id.
type KafkaExporter struct {
	BaseListener
	writer *kafka.Writer
}

// NewKafkaExporter connects a writer to the given brokers and topic.
func NewKafkaExporter(brokers []string, topic string) *KafkaExporter {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaExporter{writer: writer}
}

// OnChange publishes the change record. Errors bubble up to the bus, which
// logs and swallows them; delivery to Kafka is best-effort.
func (k *KafkaExporter) OnChange(ctx context.Context, change ChangeEvent) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.PublicID),
		Value: payload,
		Time:  change.Time,
	})
}

// Close shuts the producer down.
func (k *KafkaExporter) Close() error {
	log.Debug().Msg("Closing Kafka change exporter")
	return k.writer.Close()
}
