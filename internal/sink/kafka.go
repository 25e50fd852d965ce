package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/xmesh/meshcollect/pkg/types"
)

// KafkaConfig configures the Kafka record forwarder
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string

	// Topic is the topic records are published to
	Topic string

	// ClientID identifies this collector to the brokers
	ClientID string

	// RequiredAcks controls write durability (0, 1, -1)
	RequiredAcks int16

	// CompressionCodec is one of none, gzip, snappy, lz4, zstd
	CompressionCodec string

	// MaxMessageBytes is the maximum permitted message size
	MaxMessageBytes int

	// Version pins the Kafka protocol version
	Version string

	// BatchSize is the number of records to batch before sending
	BatchSize int

	// FlushInterval is how often to flush a partial batch
	FlushInterval time.Duration

	// SASL authentication
	SASLEnabled   bool
	SASLMechanism string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string
	SASLPassword  string

	// EnableTLS enables TLS for broker connections
	EnableTLS bool
}

// DefaultKafkaConfig returns default Kafka forwarder configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:           "meshcollect.records",
		ClientID:        "meshcollect",
		RequiredAcks:    1,
		MaxMessageBytes: 1000000,
		BatchSize:       100,
		FlushInterval:   time.Second,
	}
}

// KafkaForwarder publishes closed records to a Kafka topic as JSON.
// Messages are keyed by channel name under the hash partitioner, so one
// channel's records land in one partition and keep their order.
type KafkaForwarder struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	batcher  *Batcher
	metrics  *Metrics
	mu       sync.RWMutex
	closed   atomic.Bool
}

// NewKafkaForwarder creates a new Kafka forwarder
func NewKafkaForwarder(config KafkaConfig) (*KafkaForwarder, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	// Hash partitioning on the channel key preserves per-channel order.
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}

	switch config.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if config.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword

		switch config.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if config.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	f := &KafkaForwarder{
		config:   config,
		producer: producer,
		metrics:  &Metrics{},
	}

	if config.BatchSize > 1 {
		f.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  config.BatchSize,
			MaxBatchBytes: config.MaxMessageBytes * config.BatchSize,
			FlushInterval: config.FlushInterval,
		}, f.sendBatchInternal)
	}

	return f, nil
}

// Forward ships a single record to Kafka
func (k *KafkaForwarder) Forward(ctx context.Context, rec *types.Record) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka forwarder is closed")
	}

	if k.batcher != nil {
		return k.batcher.Add(ctx, rec)
	}

	return k.sendSingle(ctx, rec)
}

// ForwardBatch ships a batch of records to Kafka
func (k *KafkaForwarder) ForwardBatch(ctx context.Context, recs []*types.Record) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka forwarder is closed")
	}

	return k.sendBatchInternal(ctx, recs)
}

// sendSingle sends a single record without batching
func (k *KafkaForwarder) sendSingle(ctx context.Context, rec *types.Record) error {
	msg, size, err := k.buildMessage(rec)
	if err != nil {
		atomic.AddInt64(&k.metrics.WriteErrors, 1)
		k.metrics.LastError = err.Error()
		k.metrics.LastErrorTime = time.Now()
		return err
	}

	startTime := time.Now()
	_, _, err = k.producer.SendMessage(msg)
	latency := time.Since(startTime)

	if err != nil {
		atomic.AddInt64(&k.metrics.WriteErrors, 1)
		k.metrics.LastError = err.Error()
		k.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("failed to send record to Kafka: %w", err)
	}

	atomic.AddInt64(&k.metrics.RecordsWritten, 1)
	atomic.AddInt64(&k.metrics.BytesWritten, int64(size))
	k.metrics.LastWriteTime = time.Now()

	k.mu.Lock()
	k.metrics.AvgLatency = (k.metrics.AvgLatency + latency) / 2
	k.mu.Unlock()

	return nil
}

// sendBatchInternal sends a batch of records. The sync producer has no
// native batch API, so messages go out one by one.
func (k *KafkaForwarder) sendBatchInternal(ctx context.Context, recs []*types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	startTime := time.Now()
	var totalBytes int64
	var failedCount int64

	for _, rec := range recs {
		msg, size, err := k.buildMessage(rec)
		if err != nil {
			failedCount++
			k.metrics.LastError = err.Error()
			k.metrics.LastErrorTime = time.Now()
			continue
		}

		if _, _, err := k.producer.SendMessage(msg); err != nil {
			failedCount++
			k.metrics.LastError = err.Error()
			k.metrics.LastErrorTime = time.Now()
			continue
		}
		totalBytes += int64(size)
	}

	latency := time.Since(startTime)
	successCount := int64(len(recs)) - failedCount

	atomic.AddInt64(&k.metrics.RecordsWritten, successCount)
	atomic.AddInt64(&k.metrics.WriteErrors, failedCount)
	atomic.AddInt64(&k.metrics.BytesWritten, totalBytes)
	atomic.AddInt64(&k.metrics.BatchesSent, 1)
	k.metrics.LastWriteTime = time.Now()

	k.mu.Lock()
	if k.metrics.BatchesSent > 0 {
		k.metrics.AvgBatchSize = float64(k.metrics.RecordsWritten) / float64(k.metrics.BatchesSent)
	}
	k.metrics.AvgLatency = (k.metrics.AvgLatency + latency) / 2
	k.mu.Unlock()

	if failedCount > 0 {
		return fmt.Errorf("%d out of %d records failed to send", failedCount, len(recs))
	}

	return nil
}

// buildMessage creates a Kafka producer message from a closed record
func (k *KafkaForwarder) buildMessage(rec *types.Record) (*sarama.ProducerMessage, int, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.config.Topic,
		Key:   sarama.StringEncoder(rec.Channel),
		Value: sarama.ByteEncoder(value),
	}

	return msg, len(value), nil
}

// Close closes the Kafka forwarder
func (k *KafkaForwarder) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	// Stop batcher first so the final flush still has a producer
	if k.batcher != nil {
		if err := k.batcher.Stop(); err != nil {
			return err
		}
	}

	if k.producer != nil {
		return k.producer.Close()
	}

	return nil
}

// Name returns the forwarder name
func (k *KafkaForwarder) Name() string {
	return "kafka"
}

// Metrics returns the current metrics
func (k *KafkaForwarder) Metrics() *Metrics {
	k.mu.RLock()
	defer k.mu.RUnlock()

	metricsCopy := *k.metrics
	return &metricsCopy
}
