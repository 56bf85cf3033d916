/*Package telemetry forwards raw device telemetry to Kafka.

Telemetry is not interpreted by this backend; consumers downstream own the
payload schema.
*/
package telemetry

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaForwarder writes telemetry payloads to a Kafka topic, keyed by the
// originating MQTT topic so one device's readings stay in one partition.
type KafkaForwarder struct {
	writer *kafka.Writer
}

// NewKafkaForwarder returns a forwarder writing to the given brokers and
// topic.
func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Forward implements handler.Forwarder
func (f *KafkaForwarder) Forward(ctx context.Context, topic string, payload []byte) error {
	return f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
