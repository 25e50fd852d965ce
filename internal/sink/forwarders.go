package sink

import (
	"context"
	"fmt"

	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/internal/dlq"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/pkg/types"
)

// BuildForwarders constructs the configured record forwarders and their
// shared dead letter queue. A forwarder whose destination is down at
// startup is skipped with a warning rather than aborting the session;
// collection never depends on a dashboard broker being up.
func BuildForwarders(cfg *config.ForwardersConfig, logger *logging.Logger) ([]Forwarder, *dlq.DeadLetterQueue, error) {
	if cfg == nil {
		return nil, nil, nil
	}

	var forwarders []Forwarder

	if kc := cfg.Kafka; kc != nil {
		kafkaConfig := DefaultKafkaConfig()
		kafkaConfig.Brokers = kc.Brokers
		if kc.Topic != "" {
			kafkaConfig.Topic = kc.Topic
		}
		kafkaConfig.RequiredAcks = kc.RequiredAcks
		kafkaConfig.CompressionCodec = kc.CompressionCodec
		if kc.MaxMessageBytes > 0 {
			kafkaConfig.MaxMessageBytes = kc.MaxMessageBytes
		}
		if kc.BatchSize > 0 {
			kafkaConfig.BatchSize = kc.BatchSize
		}
		if kc.FlushInterval > 0 {
			kafkaConfig.FlushInterval = kc.FlushInterval
		}
		kafkaConfig.SASLEnabled = kc.SASLEnabled
		kafkaConfig.SASLMechanism = kc.SASLMechanism
		kafkaConfig.SASLUsername = kc.SASLUsername
		kafkaConfig.SASLPassword = kc.SASLPassword
		kafkaConfig.EnableTLS = kc.EnableTLS

		if f, err := NewKafkaForwarder(kafkaConfig); err != nil {
			logger.Warn().Err(err).Msg("Kafka forwarder unavailable, continuing without it")
		} else {
			forwarders = append(forwarders, f)
			logger.Info().Strs("brokers", kc.Brokers).Str("topic", kafkaConfig.Topic).Msg("Kafka forwarder attached")
		}
	}

	if ec := cfg.Elasticsearch; ec != nil {
		elasticConfig := DefaultElasticConfig()
		if len(ec.Addresses) > 0 {
			elasticConfig.Addresses = ec.Addresses
		}
		if ec.Index != "" {
			elasticConfig.Index = ec.Index
		}
		elasticConfig.Username = ec.Username
		elasticConfig.Password = ec.Password
		elasticConfig.CloudID = ec.CloudID
		elasticConfig.APIKey = ec.APIKey
		if ec.BatchSize > 0 {
			elasticConfig.BatchSize = ec.BatchSize
		}
		if ec.FlushInterval > 0 {
			elasticConfig.FlushInterval = ec.FlushInterval
		}
		elasticConfig.MaxRetries = ec.MaxRetries

		if f, err := NewElasticForwarder(elasticConfig); err != nil {
			logger.Warn().Err(err).Msg("Elasticsearch forwarder unavailable, continuing without it")
		} else {
			forwarders = append(forwarders, f)
			logger.Info().Str("index", elasticConfig.Index).Msg("Elasticsearch forwarder attached")
		}
	}

	var queue *dlq.DeadLetterQueue
	if dc := cfg.DeadLetter; dc != nil && dc.Enabled && len(forwarders) > 0 {
		var err error
		queue, err = dlq.New(dlq.Config{
			Dir:           dc.Dir,
			MaxSize:       dc.MaxSize,
			MaxAge:        dc.MaxAge,
			FlushInterval: dc.FlushInterval,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open dead letter queue: %w", err)
		}
	}

	return forwarders, queue, nil
}

// ReplayDeadLetters re-sends spilled records to the forwarder each one
// originally failed on. Called once at startup, before collection, so a
// recovered broker receives last session's backlog first.
func ReplayDeadLetters(ctx context.Context, queue *dlq.DeadLetterQueue, forwarders []Forwarder, logger *logging.Logger) {
	if queue == nil || len(forwarders) == 0 || queue.Size() == 0 {
		return
	}

	byName := make(map[string]Forwarder, len(forwarders))
	for _, f := range forwarders {
		byName[f.Name()] = f
	}

	replayed, err := queue.Replay(ctx, func(ctx context.Context, name string, rec *types.Record) error {
		f, ok := byName[name]
		if !ok {
			return fmt.Errorf("forwarder %s not configured", name)
		}
		return f.Forward(ctx, rec)
	})

	if err != nil {
		logger.Warn().Err(err).Int("replayed", replayed).Msg("Dead letter replay interrupted")
		return
	}

	if replayed > 0 {
		logger.Info().Int("replayed", replayed).Int("remaining", queue.Size()).Msg("Replayed dead letter backlog")
	}
}

// CloseForwarders flushes and closes every forwarder, logging failures
// instead of propagating them.
func CloseForwarders(forwarders []Forwarder, logger *logging.Logger) {
	for _, f := range forwarders {
		if err := f.Close(); err != nil {
			logger.Warn().Err(err).Str("forwarder", f.Name()).Msg("Failed to close forwarder")
		}
	}
}
