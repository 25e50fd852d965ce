package sink

import (
	"context"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

// BatcherConfig configures the batching behavior
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	FlushInterval time.Duration
}

// Batcher accumulates records and flushes them in batches, either when
// the batch fills or when the flush interval elapses.
type Batcher struct {
	config  BatcherConfig
	records []*types.Record
	size    int
	mu      sync.Mutex
	flushFn func(ctx context.Context, recs []*types.Record) error
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBatcher creates a new batcher
func NewBatcher(config BatcherConfig, flushFn func(ctx context.Context, recs []*types.Record) error) *Batcher {
	b := &Batcher{
		config:  config,
		records: make([]*types.Record, 0, config.MaxBatchSize),
		flushFn: flushFn,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go b.flushLoop()

	return b
}

// Add adds a record to the batch
func (b *Batcher) Add(ctx context.Context, rec *types.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, rec)
	b.size += len(rec.Raw)

	// Flush if batch is full
	if len(b.records) >= b.config.MaxBatchSize || b.size >= b.config.MaxBatchBytes {
		return b.flushLocked(ctx)
	}

	return nil
}

// Flush forces a flush of the current batch
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// flushLocked flushes the current batch (must be called with lock held)
func (b *Batcher) flushLocked(ctx context.Context) error {
	if len(b.records) == 0 {
		return nil
	}

	toFlush := make([]*types.Record, len(b.records))
	copy(toFlush, b.records)

	b.records = b.records[:0]
	b.size = 0

	// Flush without holding the lock
	b.mu.Unlock()
	err := b.flushFn(ctx, toFlush)
	b.mu.Lock()

	return err
}

// flushLoop periodically flushes the batch
func (b *Batcher) flushLoop() {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()
	defer close(b.doneCh)

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.stopCh:
			// Final flush on shutdown
			b.Flush(context.Background())
			return
		}
	}
}

// Stop stops the batcher and flushes remaining records
func (b *Batcher) Stop() error {
	close(b.stopCh)
	<-b.doneCh
	return nil
}

// Size returns the current number of records in the batch
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
