// Package metrics exposes the collector's Prometheus surface: counters
// and gauges for every pipeline stage plus the field-gauge bridge that
// mirrors closed-record fields onto live metrics.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "meshcollect"

// Collector provides a central place for all pipeline metrics
type Collector struct {
	// Source metrics
	SourceLinesRead    *prometheus.CounterVec
	SourceBytesRead    *prometheus.CounterVec
	SourceLinesDropped *prometheus.CounterVec
	SourceReadTimeouts *prometheus.CounterVec
	SourceErrors       *prometheus.CounterVec

	// Extract metrics
	ExtractFieldsTotal    *prometheus.CounterVec
	ExtractLinesUnmatched *prometheus.CounterVec
	ExtractDuration       *prometheus.HistogramVec

	// Assemble metrics
	AssembleRecordsClosed  *prometheus.CounterVec
	AssembleRecordsDropped *prometheus.CounterVec
	AssembleOpenRecords    *prometheus.GaugeVec

	// Sink metrics
	SinkRecordsWritten *prometheus.CounterVec
	SinkWriteErrors    *prometheus.CounterVec
	SinkBytesWritten   *prometheus.CounterVec
	SinkAppendDuration *prometheus.HistogramVec

	// Forwarder metrics, under the sink subsystem
	ForwardRecords    *prometheus.CounterVec
	ForwardErrors     *prometheus.CounterVec
	ForwardBatchSize  *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	DeadLetterSize    prometheus.Gauge
	DeadLetterDropped prometheus.Counter

	// Worker metrics
	WorkerPhase   *prometheus.GaugeVec
	WorkerRetries *prometheus.CounterVec

	// Session metrics
	SessionChannels        prometheus.Gauge
	SessionHealthyChannels prometheus.Gauge
	SessionDurationSeconds prometheus.Gauge

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector with a private registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initSourceMetrics()
	c.initExtractMetrics()
	c.initAssembleMetrics()
	c.initSinkMetrics()
	c.initForwardMetrics()
	c.initWorkerMetrics()
	c.initSessionMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initSourceMetrics() {
	c.SourceLinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_read_total",
			Help:      "Total number of lines read from a channel",
		},
		[]string{"channel", "source_type"},
	)

	c.SourceBytesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from a channel",
		},
		[]string{"channel", "source_type"},
	)

	c.SourceLinesDropped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_dropped_total",
			Help:      "Total number of lines dropped before processing",
		},
		[]string{"channel", "reason"},
	)

	c.SourceReadTimeouts = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "read_timeouts_total",
			Help:      "Total number of read timeouts while polling a channel",
		},
		[]string{"channel"},
	)

	c.SourceErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Total number of channel read errors",
		},
		[]string{"channel"},
	)
}

func (c *Collector) initExtractMetrics() {
	c.ExtractFieldsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "fields_total",
			Help:      "Total number of field updates extracted from lines",
		},
		[]string{"channel", "kind"},
	)

	c.ExtractLinesUnmatched = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "lines_unmatched_total",
			Help:      "Total number of lines that matched no extraction pattern",
		},
		[]string{"channel"},
	)

	c.ExtractDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "duration_seconds",
			Help:      "Time taken to extract fields from one line",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to ~16ms
		},
		[]string{"channel"},
	)
}

func (c *Collector) initAssembleMetrics() {
	c.AssembleRecordsClosed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assemble",
			Name:      "records_closed_total",
			Help:      "Total number of records closed and emitted",
		},
		[]string{"channel", "kind"},
	)

	c.AssembleRecordsDropped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assemble",
			Name:      "records_dropped_total",
			Help:      "Total number of open records discarded without closing",
		},
		[]string{"channel", "kind", "reason"},
	)

	c.AssembleOpenRecords = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assemble",
			Name:      "open_records",
			Help:      "Current number of records accumulating on a channel",
		},
		[]string{"channel"},
	)
}

func (c *Collector) initSinkMetrics() {
	c.SinkRecordsWritten = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "records_written_total",
			Help:      "Total number of records appended to durable storage",
		},
		[]string{"channel", "sink_type"},
	)

	c.SinkWriteErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "write_errors_total",
			Help:      "Total number of failed sink appends",
		},
		[]string{"channel", "sink_type"},
	)

	c.SinkBytesWritten = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "bytes_written_total",
			Help:      "Total bytes appended to durable storage",
		},
		[]string{"channel", "sink_type"},
	)

	c.SinkAppendDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "append_duration_seconds",
			Help:      "Time taken to durably append one record",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~400ms
		},
		[]string{"sink_type"},
	)
}

func (c *Collector) initForwardMetrics() {
	c.ForwardRecords = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "records_forwarded_total",
			Help:      "Total number of records forwarded to a live destination",
		},
		[]string{"forwarder"},
	)

	c.ForwardErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "forward_errors_total",
			Help:      "Total number of failed forwards",
		},
		[]string{"forwarder"},
	)

	c.ForwardBatchSize = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "forward_batch_size",
			Help:      "Number of records in each forwarded batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 2048
		},
		[]string{"forwarder"},
	)

	c.BreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "breaker_state",
			Help:      "Forwarder circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"forwarder"},
	)

	c.DeadLetterSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dead_letter_size",
			Help:      "Current number of records parked in the dead letter queue",
		},
	)

	c.DeadLetterDropped = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dead_letter_dropped_total",
			Help:      "Total number of records the dead letter queue gave up on",
		},
	)
}

func (c *Collector) initWorkerMetrics() {
	c.WorkerPhase = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "phase",
			Help:      "Channel worker phase (0=starting, 1=running, 2=draining, 3=stopped, 4=failed)",
		},
		[]string{"channel"},
	)

	c.WorkerRetries = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Total number of source reopen attempts",
		},
		[]string{"channel"},
	)
}

func (c *Collector) initSessionMetrics() {
	c.SessionChannels = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "channels",
			Help:      "Number of channels configured for the session",
		},
	)

	c.SessionHealthyChannels = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "healthy_channels",
			Help:      "Number of channels currently running",
		},
	)

	c.SessionDurationSeconds = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Seconds elapsed since the session started",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})

	go c.collectLoop(c.stopCh)
}

// Stop stops the periodic system metrics collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	c.started = false
	close(c.stopCh)
}

func (c *Collector) collectLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collectSystemMetrics()
		case <-stop:
			return
		}
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if len(m.PauseNs) > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
