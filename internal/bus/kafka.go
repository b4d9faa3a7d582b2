package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	MaxBuffered int // records held while the broker is unreachable; default 10000
	Logger      zerolog.Logger
}

// Kafka produces every envelope to one topic, keyed by subject so records of
// one envelope type stay on one partition.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10000
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordDeliveryTimeout(10*time.Second),
		kgo.ProducerBatchMaxBytes(1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	k := &Kafka{
		client: client,
		topic:  cfg.Topic,
		logger: cfg.Logger.With().Str("component", "mirror_kafka").Logger(),
	}
	k.logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka mirror producer created")
	return k, nil
}

// Publish enqueues the record and returns at once. A full buffer drops the
// record instead of waiting for the broker; drops and delivery errors surface
// in the log from the produce callback.
func (k *Kafka) Publish(ctx context.Context, subject string, data []byte) error {
	rec := &kgo.Record{Key: []byte(subject), Value: data}
	k.client.TryProduce(ctx, rec, func(r *kgo.Record, err error) {
		switch {
		case err == nil:
		case errors.Is(err, kgo.ErrMaxBuffered):
			k.logger.Warn().Str("subject", string(r.Key)).Msg("Kafka mirror buffer full, record dropped")
		default:
			k.logger.Warn().Err(err).Str("subject", string(r.Key)).Msg("Kafka produce failed")
		}
	})
	return nil
}

// Close flushes outstanding records for up to 5s, then closes the client.
func (k *Kafka) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := k.client.Flush(ctx)
	k.client.Close()
	if err != nil {
		return fmt.Errorf("flush kafka: %w", err)
	}
	return nil
}
