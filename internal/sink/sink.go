package sink

import (
	"context"
	"errors"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

// ErrSinkClosed is returned by Append once a sink has been closed.
var ErrSinkClosed = errors.New("sink is closed")

// Sink is the durable destination for one channel's closed records.
// Append does not return until the record is on stable storage, and the
// file preserves the arrival order of records from that channel.
type Sink interface {
	// Append writes a single closed record.
	Append(ctx context.Context, rec *types.Record) error

	// Close flushes buffered state and releases resources.
	Close() error

	// Name returns the sink name.
	Name() string

	// Metrics returns the current metrics for this sink.
	Metrics() *Metrics
}

// Forwarder ships closed records to a best-effort secondary destination.
// Forwarders may buffer internally; they are shared across channels and
// must be safe for concurrent use.
type Forwarder interface {
	// Forward ships a single record.
	Forward(ctx context.Context, rec *types.Record) error

	// ForwardBatch ships a batch of records.
	ForwardBatch(ctx context.Context, recs []*types.Record) error

	// Close flushes buffered records and releases resources.
	Close() error

	// Name returns the forwarder name.
	Name() string

	// Metrics returns the current metrics for this forwarder.
	Metrics() *Metrics
}

// Metrics tracks throughput and health for a sink or forwarder
type Metrics struct {
	RecordsWritten int64         `json:"records_written"`
	WriteErrors    int64         `json:"write_errors"`
	BytesWritten   int64         `json:"bytes_written"`
	BatchesSent    int64         `json:"batches_sent"`
	LastWriteTime  time.Time     `json:"last_write_time"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorTime  time.Time     `json:"last_error_time,omitempty"`
	AvgBatchSize   float64       `json:"avg_batch_size"`
	AvgLatency     time.Duration `json:"avg_latency"`
}
