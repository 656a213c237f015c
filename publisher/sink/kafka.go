package sink

import (
	"context"
	"errors"
	"time"

	"github.com/ao-apps/aoserv-master/cfg"
	"github.com/ao-apps/aoserv-master/publisher"
	"github.com/segmentio/kafka-go"
)

// Invalidation events are a few hundred bytes, so batches stay small.
const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20

	kafkaWriteTimeout = 10 * time.Second
	originHeader      = "aoserv-origin"
)

func init() {
	publisher.RegisterSink("kafka", func(c cfg.SinkConfiguration) (publisher.Sink, error) {
		kc := DefaultKafkaConfig(c.Brokers)
		kc.BatchTimeout = time.Duration(c.BatchTimeout) * time.Millisecond
		kc.Origin = c.Name
		return NewKafkaSink(kc)
	})
}

// KafkaConfig tunes the Kafka writer behind one sink.
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
	// BatchTimeout flushes partial batches; zero keeps the library default.
	BatchTimeout time.Duration
	// Origin is stamped on every message so consumers can tell masters apart.
	Origin string
}

// DefaultKafkaConfig acknowledges on all replicas and creates per-table
// topics on first use.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaSink writes mirrored invalidations to one topic per table.
type KafkaSink struct {
	writer *kafka.Writer
	origin string
}

// NewKafkaSink builds the writer. Brokers are contacted lazily on the first
// publish.
func NewKafkaSink(c KafkaConfig) (*KafkaSink, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker address")
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultKafkaBatchSize
	}
	if c.BatchBytes == 0 {
		c.BatchBytes = DefaultKafkaBatchBytes
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(c.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              c.BatchSize,
			BatchBytes:             c.BatchBytes,
			BatchTimeout:           c.BatchTimeout,
			RequiredAcks:           c.RequiredAcks,
			AllowAutoTopicCreation: c.AutoCreateTopics,
			WriteTimeout:           kafkaWriteTimeout,
		},
		origin: c.Origin,
	}, nil
}

// Publish writes synchronously; the worker owns retries.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	if k.origin != "" {
		msg.Headers = []kafka.Header{{Key: originHeader, Value: []byte(k.origin)}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
