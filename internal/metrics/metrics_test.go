package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/pkg/types"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if c.registry == nil {
		t.Error("registry is nil")
	}

	if c.SourceLinesRead == nil {
		t.Error("SourceLinesRead is nil")
	}

	if c.AssembleRecordsClosed == nil {
		t.Error("AssembleRecordsClosed is nil")
	}

	if c.SinkAppendDuration == nil {
		t.Error("SinkAppendDuration is nil")
	}
}

func TestSourceMetrics(t *testing.T) {
	c := NewCollector()

	c.SourceLinesRead.WithLabelValues("node-a", "device").Add(100)

	metric := &dto.Metric{}
	if err := c.SourceLinesRead.WithLabelValues("node-a", "device").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 100 {
		t.Errorf("Expected 100, got %f", metric.Counter.GetValue())
	}
}

func TestAssembleMetrics(t *testing.T) {
	c := NewCollector()

	c.AssembleRecordsClosed.WithLabelValues("node-a", "monitoring").Add(50)
	c.AssembleRecordsDropped.WithLabelValues("node-a", "monitoring", "teardown").Add(1)
	c.AssembleOpenRecords.WithLabelValues("node-a").Set(2)

	metric := &dto.Metric{}
	if err := c.AssembleRecordsClosed.WithLabelValues("node-a", "monitoring").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 50 {
		t.Errorf("Expected 50, got %f", metric.Counter.GetValue())
	}
}

func TestSinkMetrics(t *testing.T) {
	c := NewCollector()

	c.SinkRecordsWritten.WithLabelValues("node-a", "csv").Add(1000)
	c.SinkBytesWritten.WithLabelValues("node-a", "csv").Add(50000)
	c.SinkAppendDuration.WithLabelValues("csv").Observe(0.002)
	c.ForwardBatchSize.WithLabelValues("kafka").Observe(100)

	metric := &dto.Metric{}
	if err := c.SinkRecordsWritten.WithLabelValues("node-a", "csv").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 1000 {
		t.Errorf("Expected 1000, got %f", metric.Counter.GetValue())
	}
}

func TestWorkerMetrics(t *testing.T) {
	c := NewCollector()

	c.WorkerPhase.WithLabelValues("node-a").Set(1) // Running
	c.WorkerRetries.WithLabelValues("node-a").Add(2)

	metric := &dto.Metric{}
	if err := c.WorkerPhase.WithLabelValues("node-a").(prometheus.Gauge).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() != 1 {
		t.Errorf("Expected 1, got %f", metric.Gauge.GetValue())
	}
}

func TestSystemMetrics(t *testing.T) {
	c := NewCollector()

	c.collectSystemMetrics()

	metric := &dto.Metric{}
	if err := c.SystemGoroutines.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", metric.Gauge.GetValue())
	}

	if err := c.SystemMemAlloc.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive memory allocation, got %f", metric.Gauge.GetValue())
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	if c.started {
		t.Error("Collector should not be started initially")
	}

	c.Start()

	if !c.started {
		t.Error("Collector should be started after Start()")
	}

	time.Sleep(50 * time.Millisecond)

	c.Stop()

	if c.started {
		t.Error("Collector should not be started after Stop()")
	}

	// Stop again must not panic.
	c.Stop()
}

func TestHealthMetrics(t *testing.T) {
	c := NewCollector()

	c.HealthStatus.WithLabelValues("node-a").Set(1) // Healthy

	metric := &dto.Metric{}
	if err := c.HealthStatus.WithLabelValues("node-a").(prometheus.Gauge).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() != 1 {
		t.Errorf("Expected 1, got %f", metric.Gauge.GetValue())
	}
}

func numField(v float64) types.FieldValue {
	return types.FieldValue{Text: "x", Number: v, Numeric: true}
}

func monitoringRecord(dutyCycle float64) *types.Record {
	return &types.Record{
		Channel: "node-a",
		Kind:    "monitoring",
		Fields: map[string]types.FieldValue{
			"duty_cycle_pct": numField(dutyCycle),
			"queue_dropped":  numField(3),
			"packet_source":  {Text: "0x1A2B"},
		},
	}
}

func TestFieldGaugesObserve(t *testing.T) {
	registry := prometheus.NewRegistry()
	rules := []config.FieldGaugeRule{
		{Name: "duty_cycle_pct", Type: "gauge", Field: "duty_cycle_pct", Help: "Last reported duty cycle"},
		{Name: "queue_dropped", Type: "counter", Field: "queue_dropped", Help: "Queue drops seen"},
	}

	fg, err := NewFieldGauges(registry, rules)
	if err != nil {
		t.Fatalf("NewFieldGauges failed: %v", err)
	}
	if fg.Rules() != 2 {
		t.Fatalf("expected 2 rules, got %d", fg.Rules())
	}

	fg.Observe(monitoringRecord(12.5))
	fg.Observe(monitoringRecord(14.0))

	metric := &dto.Metric{}
	if err := fg.rules[0].gauge.WithLabelValues("node-a", "monitoring").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 14.0 {
		t.Errorf("Expected gauge to hold last value 14.0, got %f", metric.Gauge.GetValue())
	}

	if err := fg.rules[1].counter.WithLabelValues("node-a", "monitoring").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 6 {
		t.Errorf("Expected counter 6, got %f", metric.Counter.GetValue())
	}
}

func TestFieldGaugesKindFilter(t *testing.T) {
	registry := prometheus.NewRegistry()
	rules := []config.FieldGaugeRule{
		{Name: "duty_cycle_pct", Type: "gauge", Field: "duty_cycle_pct", Kinds: []string{"heartbeat"}, Help: "filtered"},
	}

	fg, err := NewFieldGauges(registry, rules)
	if err != nil {
		t.Fatalf("NewFieldGauges failed: %v", err)
	}

	fg.Observe(monitoringRecord(12.5))

	metric := &dto.Metric{}
	if err := fg.rules[0].gauge.WithLabelValues("node-a", "monitoring").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 0 {
		t.Errorf("Expected kind filter to skip record, got %f", metric.Gauge.GetValue())
	}
}

func TestFieldGaugesSkipsNonNumeric(t *testing.T) {
	registry := prometheus.NewRegistry()
	rules := []config.FieldGaugeRule{
		{Name: "packet_source", Type: "counter", Field: "packet_source", Help: "not numeric"},
	}

	fg, err := NewFieldGauges(registry, rules)
	if err != nil {
		t.Fatalf("NewFieldGauges failed: %v", err)
	}

	// Must not panic on a hex address that fails to parse.
	fg.Observe(monitoringRecord(12.5))
}

func TestFieldGaugesRejectsUnknownType(t *testing.T) {
	registry := prometheus.NewRegistry()
	rules := []config.FieldGaugeRule{
		{Name: "x", Type: "summary", Field: "x", Help: "bad"},
	}

	if _, err := NewFieldGauges(registry, rules); err == nil {
		t.Error("expected error for unknown metric type")
	}
}

func TestFieldGaugesRejectsDuplicateName(t *testing.T) {
	registry := prometheus.NewRegistry()
	rules := []config.FieldGaugeRule{
		{Name: "dup", Type: "gauge", Field: "a", Help: "first"},
		{Name: "dup", Type: "gauge", Field: "b", Help: "second"},
	}

	if _, err := NewFieldGauges(registry, rules); err == nil {
		t.Error("expected error for duplicate metric name")
	}
}
