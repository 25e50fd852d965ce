// Package dlq stores records that a forwarder failed to ship so they
// can be replayed once the destination recovers. The queue lives in
// memory and is persisted to disk on an interval and at close.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

var (
	ErrClosed = errors.New("dead letter queue is closed")
	ErrFull   = errors.New("dead letter queue is full")
)

// Config holds configuration for the dead letter queue
type Config struct {
	Dir           string
	MaxSize       int64 // Maximum number of entries
	MaxAge        time.Duration
	MaxRetries    int // Replay attempts before an entry is dropped
	FlushInterval time.Duration
}

// Entry is one failed record with the context of its failure
type Entry struct {
	Record    *types.Record `json:"record"`
	Forwarder string        `json:"forwarder"`
	Error     string        `json:"error"`
	Timestamp time.Time     `json:"timestamp"`
	Retries   int           `json:"retries"`
}

// DeadLetterQueue stores failed records for later replay or inspection
type DeadLetterQueue struct {
	config Config

	mu      sync.RWMutex
	entries []*Entry
	closed  bool
	closeCh chan struct{}

	// Metrics
	enqueued uint64
	dequeued uint64
	replayed uint64
	dropped  uint64
}

// New creates a dead letter queue rooted at config.Dir, loading any
// entries a previous run left behind.
func New(config Config) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("dead letter queue directory is required")
	}

	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}

	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}

	q := &DeadLetterQueue{
		config:  config,
		entries: make([]*Entry, 0),
		closeCh: make(chan struct{}),
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("failed to load dead letter queue: %w", err)
	}

	go q.flushLoop()
	go q.cleanupLoop()

	return q, nil
}

// Enqueue adds a failed record to the queue
func (q *DeadLetterQueue) Enqueue(rec *types.Record, forwarder string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if int64(len(q.entries)) >= q.config.MaxSize {
		atomic.AddUint64(&q.dropped, 1)
		return ErrFull
	}

	entry := &Entry{
		Record:    rec,
		Forwarder: forwarder,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}

	q.entries = append(q.entries, entry)
	atomic.AddUint64(&q.enqueued, 1)

	return nil
}

// Dequeue removes and returns the oldest entry, or nil when empty
func (q *DeadLetterQueue) Dequeue() (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if len(q.entries) == 0 {
		return nil, nil
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	atomic.AddUint64(&q.dequeued, 1)

	return entry, nil
}

// Peek returns the oldest entry without removing it
func (q *DeadLetterQueue) Peek() (*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrClosed
	}

	if len(q.entries) == 0 {
		return nil, nil
	}

	return q.entries[0], nil
}

// Entries returns a copy of all queued entries
func (q *DeadLetterQueue) Entries() ([]*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrClosed
	}

	entries := make([]*Entry, len(q.entries))
	copy(entries, q.entries)

	return entries, nil
}

// Size returns the number of queued entries
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.entries)
}

// Replay drains the queue through send, one entry per call. Entries
// that fail again are requeued with an incremented retry count; entries
// that have exhausted the retry budget are dropped. Requeued failures
// are not retried within the same pass.
func (q *DeadLetterQueue) Replay(ctx context.Context, send func(ctx context.Context, forwarder string, rec *types.Record) error) (int, error) {
	replayed := 0

	for n := q.Size(); n > 0; n-- {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		entry, err := q.Dequeue()
		if err != nil {
			return replayed, err
		}
		if entry == nil {
			break
		}

		if err := send(ctx, entry.Forwarder, entry.Record); err != nil {
			entry.Retries++
			if entry.Retries >= q.config.MaxRetries {
				atomic.AddUint64(&q.dropped, 1)
				continue
			}
			if reqErr := q.requeue(entry); reqErr != nil {
				return replayed, reqErr
			}
			continue
		}

		replayed++
		atomic.AddUint64(&q.replayed, 1)
	}

	return replayed, nil
}

// requeue puts a failed entry back at the tail
func (q *DeadLetterQueue) requeue(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	entry.Timestamp = time.Now()
	q.entries = append(q.entries, entry)
	return nil
}

// Clear removes all entries
func (q *DeadLetterQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.entries = q.entries[:0]
	return q.flush()
}

// Flush persists all entries to disk
func (q *DeadLetterQueue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.flush()
}

// Close flushes remaining entries and stops the background loops
func (q *DeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.closed = true
	close(q.closeCh)

	return q.flush()
}

// Metrics returns queue statistics
func (q *DeadLetterQueue) Metrics() QueueMetrics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return QueueMetrics{
		Enqueued:    atomic.LoadUint64(&q.enqueued),
		Dequeued:    atomic.LoadUint64(&q.dequeued),
		Replayed:    atomic.LoadUint64(&q.replayed),
		Dropped:     atomic.LoadUint64(&q.dropped),
		CurrentSize: len(q.entries),
		MaxSize:     q.config.MaxSize,
	}
}

// flush persists entries to disk (must be called with lock held)
func (q *DeadLetterQueue) flush() error {
	filename := filepath.Join(q.config.Dir, "dlq.json")

	// Write to a temp file first, then rename into place
	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range q.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// load reads entries persisted by a previous run
func (q *DeadLetterQueue) load() error {
	filename := filepath.Join(q.config.Dir, "dlq.json")

	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open dead letter file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		q.entries = append(q.entries, &entry)
	}

	return nil
}

// flushLoop periodically persists entries to disk
func (q *DeadLetterQueue) flushLoop() {
	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			_ = q.flush()
			q.mu.Unlock()
		case <-q.closeCh:
			return
		}
	}
}

// cleanupLoop periodically removes entries older than MaxAge
func (q *DeadLetterQueue) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.cleanup()
		case <-q.closeCh:
			return
		}
	}
}

func (q *DeadLetterQueue) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	cutoff := time.Now().Add(-q.config.MaxAge)
	var remaining []*Entry

	for _, entry := range q.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		} else {
			atomic.AddUint64(&q.dropped, 1)
		}
	}

	q.entries = remaining
}

// QueueMetrics holds dead letter queue statistics
type QueueMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Replayed    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
}

// Utilization returns the queue utilization percentage (0-100)
func (m QueueMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
