package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type messageProducer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

type messageConsumer interface {
	ReadMessage(ctx context.Context) (*kafka.Message, error)
	Close() error
}

// Kafka publishes events keyed by customer id, so one customer's events stay
// ordered within a partition, and consumes them with a consumer group.
type Kafka struct {
	topic    string
	producer messageProducer
	consumer messageConsumer
	logger   *zap.Logger
}

type KafkaConfig struct {
	Broker  string
	Topic   string
	GroupID string
}

// DialKafka checks that the broker accepts connections.
func DialKafka(ctx context.Context, broker string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", broker, err)
	}
	return conn.Close()
}

func NewKafka(cfg KafkaConfig, tp trace.TracerProvider, logger *zap.Logger) (*Kafka, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "ledger.customer-activity"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "customer-aggregate"
	}

	baseWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Broker),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    1,
	}
	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(cfg.Topic),
				attribute.String("messaging.kafka.client_id", "kasirledger"),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka writer: %w", err)
	}

	baseReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{cfg.Broker},
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	reader, err := otelkafka.NewReader(baseReader)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("kafka reader: %w", err)
	}

	return &Kafka{topic: cfg.Topic, producer: writer, consumer: reader, logger: logger}, nil
}

func (k *Kafka) Publish(ctx context.Context, event CustomerActivity) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	return k.producer.WriteMessage(ctx, kafka.Message{
		Key:   []byte(event.CustomerID),
		Value: payload,
	})
}

// Consume reads messages until ctx is cancelled.
func (k *Kafka) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := k.consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("kafka read failed", zap.String("topic", k.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := decode(msg.Value)
		if err != nil {
			k.logger.Warn("dropping malformed kafka message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}
		dispatch(ctx, handler, event, k.logger)
	}
}

func (k *Kafka) Close() error {
	return errors.Join(k.producer.Close(), k.consumer.Close())
}
