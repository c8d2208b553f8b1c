package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"nidsguard/internal/config"
	"nidsguard/internal/logging"
	"nidsguard/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafka returns nil when the sink is disabled.
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *Kafka {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Info("kafka publish enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Kafka{w: w, topic: cfg.Topic, logger: logger}
}

func (k *Kafka) Name() string {
	return "kafka"
}

// Publish keys each message by model id so one model's results stay on one
// partition, in order.
func (k *Kafka) Publish(ctx context.Context, res model.PredictionResult) error {
	value, err := encode(res)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(res.ModelID),
		Value: value,
		Time:  res.ProducedAt,
		Headers: []kafka.Header{
			{Key: "label", Value: []byte(res.Label)},
			{Key: "source", Value: []byte(res.Source)},
		},
	})
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
