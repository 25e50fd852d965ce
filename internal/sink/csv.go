package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

// CSVSink appends closed records to one CSV file per channel. The column
// set is fixed at creation time: arrival timestamp, channel, role, kind,
// the profile's field columns, and the raw contributing line last.
type CSVSink struct {
	channel string
	path    string
	columns []string

	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	metrics *Metrics
	closed  atomic.Bool
}

// NewCSVSink opens the channel's record log under dir, creating it if
// needed. The header row is written only when the file is empty, so a
// collector restart keeps appending below the existing rows.
func NewCSVSink(dir, channel string, columns []string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}

	path := filepath.Join(dir, channel+".csv")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}

	s := &CSVSink{
		channel: channel,
		path:    path,
		columns: columns,
		file:    file,
		writer:  csv.NewWriter(file),
		metrics: &Metrics{},
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat record log: %w", err)
	}
	if info.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *CSVSink) writeHeader() error {
	header := make([]string, 0, len(s.columns)+5)
	header = append(header, "timestamp", "channel", "role", "kind")
	header = append(header, s.columns...)
	header = append(header, "raw")

	if err := s.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return s.file.Sync()
}

// Append writes one record as a CSV row. It does not return until the
// row is flushed and synced, so a crash loses at most the in-flight
// record. Absent fields are written as empty cells.
func (s *CSVSink) Append(ctx context.Context, rec *types.Record) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}

	row := make([]string, 0, len(s.columns)+5)
	row = append(row,
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.Channel,
		rec.Role,
		rec.Kind,
	)
	for _, col := range s.columns {
		row = append(row, rec.Fields[col].Text)
	}
	row = append(row, rec.Raw)

	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Write(row); err != nil {
		return s.fail(err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return s.fail(err)
	}
	if err := s.file.Sync(); err != nil {
		return s.fail(err)
	}

	latency := time.Since(start)

	var rowBytes int64
	for _, cell := range row {
		rowBytes += int64(len(cell)) + 1
	}

	atomic.AddInt64(&s.metrics.RecordsWritten, 1)
	atomic.AddInt64(&s.metrics.BytesWritten, rowBytes)
	s.metrics.LastWriteTime = time.Now()
	s.metrics.AvgLatency = (s.metrics.AvgLatency + latency) / 2

	return nil
}

// fail records the write error. Caller holds the lock.
func (s *CSVSink) fail(err error) error {
	atomic.AddInt64(&s.metrics.WriteErrors, 1)
	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
	return fmt.Errorf("failed to append record: %w", err)
}

// Close flushes and closes the record log.
func (s *CSVSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush record log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to sync record log: %w", err)
	}
	return s.file.Close()
}

// Path returns the record log's location on disk.
func (s *CSVSink) Path() string {
	return s.path
}

// Name returns the sink name.
func (s *CSVSink) Name() string {
	return "csv"
}

// Metrics returns the current metrics.
func (s *CSVSink) Metrics() *Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricsCopy := *s.metrics
	return &metricsCopy
}
