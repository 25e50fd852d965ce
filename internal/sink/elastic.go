package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/xmesh/meshcollect/internal/pool"
	"github.com/xmesh/meshcollect/pkg/types"
)

// ElasticConfig configures the Elasticsearch record forwarder
type ElasticConfig struct {
	// Addresses is the list of Elasticsearch node URLs
	Addresses []string

	// Index is the index name records are written to
	Index string

	// IndexRotation adds a time suffix to the index (daily, weekly,
	// monthly, none)
	IndexRotation string

	// Username and Password for basic authentication
	Username string
	Password string

	// CloudID for Elastic Cloud
	CloudID string

	// APIKey for authentication
	APIKey string

	// BatchSize is the number of records per bulk request
	BatchSize int

	// FlushInterval is how often to flush a partial batch
	FlushInterval time.Duration

	// MaxRetries caps the client's own request retries
	MaxRetries int
}

// DefaultElasticConfig returns default Elasticsearch forwarder configuration
func DefaultElasticConfig() ElasticConfig {
	return ElasticConfig{
		Addresses:     []string{"http://localhost:9200"},
		Index:         "meshcollect-records",
		IndexRotation: "daily",
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// ElasticForwarder ships closed records to Elasticsearch, batched
// through the Bulk API.
type ElasticForwarder struct {
	config  ElasticConfig
	client  *elasticsearch.Client
	batcher *Batcher
	metrics *Metrics
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewElasticForwarder creates a new Elasticsearch forwarder and verifies
// the cluster is reachable.
func NewElasticForwarder(config ElasticConfig) (*ElasticForwarder, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	esConfig := elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	}

	if config.MaxRetries > 0 {
		esConfig.MaxRetries = config.MaxRetries
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	f := &ElasticForwarder{
		config:  config,
		client:  client,
		metrics: &Metrics{},
	}

	if config.BatchSize > 1 {
		f.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  config.BatchSize,
			MaxBatchBytes: 10 * 1024 * 1024,
			FlushInterval: config.FlushInterval,
		}, f.sendBatchInternal)
	}

	return f, nil
}

// Forward ships a single record to Elasticsearch
func (e *ElasticForwarder) Forward(ctx context.Context, rec *types.Record) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch forwarder is closed")
	}

	if e.batcher != nil {
		return e.batcher.Add(ctx, rec)
	}

	return e.sendSingle(ctx, rec)
}

// ForwardBatch ships a batch of records to Elasticsearch
func (e *ElasticForwarder) ForwardBatch(ctx context.Context, recs []*types.Record) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch forwarder is closed")
	}

	return e.sendBatchInternal(ctx, recs)
}

// sendSingle indexes a single record without batching
func (e *ElasticForwarder) sendSingle(ctx context.Context, rec *types.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		atomic.AddInt64(&e.metrics.WriteErrors, 1)
		e.metrics.LastError = err.Error()
		e.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	startTime := time.Now()

	req := esapi.IndexRequest{
		Index:   e.indexFor(rec),
		Body:    bytes.NewReader(doc),
		Refresh: "false",
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		atomic.AddInt64(&e.metrics.WriteErrors, 1)
		e.metrics.LastError = err.Error()
		e.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("failed to index record: %w", err)
	}
	defer res.Body.Close()

	latency := time.Since(startTime)

	if res.IsError() {
		atomic.AddInt64(&e.metrics.WriteErrors, 1)
		e.metrics.LastError = res.Status()
		e.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	atomic.AddInt64(&e.metrics.RecordsWritten, 1)
	atomic.AddInt64(&e.metrics.BytesWritten, int64(len(doc)))
	e.metrics.LastWriteTime = time.Now()

	e.mu.Lock()
	e.metrics.AvgLatency = (e.metrics.AvgLatency + latency) / 2
	e.mu.Unlock()

	return nil
}

// sendBatchInternal indexes a batch of records through the Bulk API
func (e *ElasticForwarder) sendBatchInternal(ctx context.Context, recs []*types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	startTime := time.Now()

	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	var totalBytes int64
	for _, rec := range recs {
		meta := fmt.Sprintf(`{"index":{"_index":%q}}`, e.indexFor(rec))

		docJSON, err := json.Marshal(rec)
		if err != nil {
			atomic.AddInt64(&e.metrics.WriteErrors, 1)
			continue
		}

		buf.WriteString(meta)
		buf.WriteByte('\n')
		buf.Write(docJSON)
		buf.WriteByte('\n')

		totalBytes += int64(len(docJSON))
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		atomic.AddInt64(&e.metrics.WriteErrors, int64(len(recs)))
		e.metrics.LastError = err.Error()
		e.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	latency := time.Since(startTime)

	if res.IsError() {
		atomic.AddInt64(&e.metrics.WriteErrors, int64(len(recs)))
		e.metrics.LastError = res.Status()
		e.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("bulk request returned error: %s", res.Status())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int    `json:"status"`
			Error  string `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		atomic.AddInt64(&e.metrics.WriteErrors, int64(len(recs)))
		e.metrics.LastError = err.Error()
		e.metrics.LastErrorTime = time.Now()
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}

	var failedCount int64
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, doc := range item {
				if doc.Status >= 400 {
					failedCount++
					e.metrics.LastError = doc.Error
					e.metrics.LastErrorTime = time.Now()
				}
			}
		}
	}

	successCount := int64(len(recs)) - failedCount

	atomic.AddInt64(&e.metrics.RecordsWritten, successCount)
	atomic.AddInt64(&e.metrics.WriteErrors, failedCount)
	atomic.AddInt64(&e.metrics.BytesWritten, totalBytes)
	atomic.AddInt64(&e.metrics.BatchesSent, 1)
	e.metrics.LastWriteTime = time.Now()

	e.mu.Lock()
	if e.metrics.BatchesSent > 0 {
		e.metrics.AvgBatchSize = float64(e.metrics.RecordsWritten) / float64(e.metrics.BatchesSent)
	}
	e.metrics.AvgLatency = (e.metrics.AvgLatency + latency) / 2
	e.mu.Unlock()

	if failedCount > 0 {
		return fmt.Errorf("%d out of %d records failed to index", failedCount, len(recs))
	}

	return nil
}

// indexFor returns the index name for a record, applying time-based
// rotation from the record's own timestamp.
func (e *ElasticForwarder) indexFor(rec *types.Record) string {
	if e.config.IndexRotation == "none" || e.config.IndexRotation == "" {
		return e.config.Index
	}

	timestamp := rec.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var suffix string
	switch e.config.IndexRotation {
	case "weekly":
		year, week := timestamp.ISOWeek()
		suffix = fmt.Sprintf("%d.%02d", year, week)
	case "monthly":
		suffix = timestamp.Format("2006.01")
	default: // daily
		suffix = timestamp.Format("2006.01.02")
	}

	return fmt.Sprintf("%s-%s", e.config.Index, suffix)
}

// Close closes the Elasticsearch forwarder
func (e *ElasticForwarder) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if e.batcher != nil {
		return e.batcher.Stop()
	}

	return nil
}

// Name returns the forwarder name
func (e *ElasticForwarder) Name() string {
	return "elasticsearch"
}

// Metrics returns the current metrics
func (e *ElasticForwarder) Metrics() *Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	metricsCopy := *e.metrics
	return &metricsCopy
}
