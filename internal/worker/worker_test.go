package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/xmesh/meshcollect/internal/extract"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/metrics"
	"github.com/xmesh/meshcollect/internal/reliability"
	"github.com/xmesh/meshcollect/internal/sink"
	"github.com/xmesh/meshcollect/internal/source"
	"github.com/xmesh/meshcollect/pkg/types"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: io.Discard})
}

// fakeSource serves scripted line batches: batch i is readable after the
// i-th successful Open, and afterBatch[i] is returned once batch i is
// drained. A nil afterBatch entry means ErrTimeout until drained.
type fakeSource struct {
	channel string

	mu         sync.Mutex
	openErrs   []error
	batches    [][]string
	afterBatch []error
	opens      int
	goodOpens  int
	closes     int
	cursor     int
}

func (f *fakeSource) Name() string { return f.channel }

func (f *fakeSource) Type() string { return "fake" }

func (f *fakeSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.opens
	f.opens++
	if call < len(f.openErrs) && f.openErrs[call] != nil {
		return f.openErrs[call]
	}
	f.goodOpens++
	f.cursor = 0
	return nil
}

func (f *fakeSource) NextLine(timeout time.Duration) (*types.Line, error) {
	f.mu.Lock()
	batch := f.goodOpens - 1
	var lines []string
	if batch >= 0 && batch < len(f.batches) {
		lines = f.batches[batch]
	}
	if f.cursor < len(lines) {
		text := lines[f.cursor]
		f.cursor++
		f.mu.Unlock()
		return &types.Line{Channel: f.channel, Text: text, ReadAt: time.Now()}, nil
	}
	var after error
	if batch >= 0 && batch < len(f.afterBatch) {
		after = f.afterBatch[batch]
	}
	f.mu.Unlock()
	if after != nil {
		return nil, after
	}
	time.Sleep(timeout)
	return nil, source.ErrTimeout
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// consumed reports how many lines of the current batch NextLine has
// handed out. The worker processes a handed-out line before it checks
// for drain, so consumed == len(batch) means the batch will be fully
// counted.
func (f *fakeSource) consumed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// memorySink records appends in arrival order.
type memorySink struct {
	mu      sync.Mutex
	records []*types.Record
	failOn  int // 1-based append index to start failing at, 0 = never
	appends int
	closed  bool
}

func (s *memorySink) Append(ctx context.Context, rec *types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failOn > 0 && s.appends >= s.failOn {
		return errors.New("disk full")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Metrics() *sink.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &sink.Metrics{RecordsWritten: int64(len(s.records))}
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memorySink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Kind
	}
	return out
}

func newTestWorker(t *testing.T, src source.Source, s sink.Sink, retry reliability.RetryConfig, collector *metrics.Collector) *Worker {
	t.Helper()
	profile, err := extract.ProfileByName("multinode")
	if err != nil {
		t.Fatalf("ProfileByName: %v", err)
	}
	w, err := New(Config{
		Channel:     "node-a",
		Role:        "relay",
		Source:      src,
		Extractor:   extract.NewExtractor(profile),
		Sink:        s,
		ReadTimeout: 10 * time.Millisecond,
		Retry:       retry,
		Metrics:     collector,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func joinWorker(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerCollectsRecords(t *testing.T) {
	src := &fakeSource{
		channel: "node-a",
		batches: [][]string{{
			"==== Network Monitoring Stats ====",
			"Channel: 12.5% duty-cycle, 42 TX, 0 violations",
			"Memory: 210/320 KB free, Min: 180 KB, Peak: 240 KB",
			"Queue: 120 enqueued, 3 dropped (2.4%), max depth: 8",
			"TX: Seq=7",
			"mesh_task: tick",
			"RX: Seq=9 From=1A2B",
		}},
	}
	snk := &memorySink{}
	w := newTestWorker(t, src, snk, reliability.RetryConfig{}, nil)

	w.Start(context.Background())
	waitFor(t, "records", func() bool { return snk.count() == 3 })
	w.Drain()
	joinWorker(t, w)

	wantKinds := []string{"monitoring", "tx", "rx"}
	gotKinds := snk.kinds()
	if len(gotKinds) != len(wantKinds) {
		t.Fatalf("got %d records, want %d", len(gotKinds), len(wantKinds))
	}
	for i, kind := range wantKinds {
		if gotKinds[i] != kind {
			t.Errorf("record %d kind = %s, want %s", i, gotKinds[i], kind)
		}
	}

	if got := w.Phase(); got != PhaseStopped {
		t.Errorf("phase = %s, want stopped", got)
	}

	snap := w.Snapshot()
	if snap.LinesRead != 7 {
		t.Errorf("LinesRead = %d, want 7", snap.LinesRead)
	}
	if snap.Records["monitoring"] != 1 {
		t.Errorf("monitoring records = %d, want 1", snap.Records["monitoring"])
	}
	if snap.MaxDutyCyclePct != 12.5 {
		t.Errorf("MaxDutyCyclePct = %v, want 12.5", snap.MaxDutyCyclePct)
	}
	if len(snap.PacketSources) != 1 || snap.PacketSources[0] != "1A2B" {
		t.Errorf("PacketSources = %v, want [1A2B]", snap.PacketSources)
	}

	summary := w.Summary()
	if summary.Liveness != types.LivenessAlive {
		t.Errorf("liveness = %s, want alive", summary.Liveness)
	}
	if summary.Reason != "" {
		t.Errorf("reason = %q, want empty", summary.Reason)
	}

	if !snk.closed {
		t.Error("sink was not closed at teardown")
	}
	if src.closeCount() == 0 {
		t.Error("source was not closed at teardown")
	}
}

func TestWorkerSinkFailureIsFatal(t *testing.T) {
	src := &fakeSource{
		channel: "node-a",
		batches: [][]string{{"TX: Seq=1"}},
	}
	snk := &memorySink{failOn: 1}
	w := newTestWorker(t, src, snk, reliability.RetryConfig{}, nil)

	w.Start(context.Background())
	joinWorker(t, w)

	if got := w.Phase(); got != PhaseFailed {
		t.Fatalf("phase = %s, want failed", got)
	}
	summary := w.Summary()
	if summary.Liveness != types.LivenessDead {
		t.Errorf("liveness = %s, want dead", summary.Liveness)
	}
	if !strings.Contains(summary.Reason, "failed to append record") {
		t.Errorf("reason = %q, want append failure", summary.Reason)
	}
	if !snk.closed {
		t.Error("sink was not closed after failure")
	}
}

func TestWorkerOpenFailureIsFatal(t *testing.T) {
	src := &fakeSource{
		channel:  "node-a",
		openErrs: []error{errors.New("no such device")},
	}
	w := newTestWorker(t, src, &memorySink{}, reliability.RetryConfig{}, nil)

	w.Start(context.Background())
	joinWorker(t, w)

	summary := w.Summary()
	if summary.Liveness != types.LivenessDead {
		t.Fatalf("liveness = %s, want dead", summary.Liveness)
	}
	if !strings.Contains(summary.Reason, "failed to open source") {
		t.Errorf("reason = %q, want open failure", summary.Reason)
	}
}

func TestWorkerReopensAfterTransportError(t *testing.T) {
	transportErr := &source.ChannelError{
		Channel: "node-a",
		Op:      "read",
		Err:     errors.New("device unplugged"),
	}
	src := &fakeSource{
		channel:    "node-a",
		batches:    [][]string{{"TX: Seq=1"}, {"TX: Seq=2"}},
		afterBatch: []error{transportErr},
	}
	snk := &memorySink{}
	retry := reliability.RetryConfig{MaxRetries: 3, InitialBackoff: 5 * time.Millisecond}
	w := newTestWorker(t, src, snk, retry, nil)

	w.Start(context.Background())
	waitFor(t, "reopened records", func() bool { return snk.count() == 2 })
	w.Drain()
	joinWorker(t, w)

	if got := w.Retries(); got != 1 {
		t.Errorf("retries = %d, want 1", got)
	}
	summary := w.Summary()
	if summary.Liveness != types.LivenessDegraded {
		t.Fatalf("liveness = %s, want degraded", summary.Liveness)
	}
	if !strings.Contains(summary.Reason, "transport reopened") {
		t.Errorf("reason = %q, want reopen note", summary.Reason)
	}
	if src.closeCount() < 2 {
		t.Errorf("source closed %d times, want at least 2", src.closeCount())
	}
}

func TestWorkerRetryExhaustion(t *testing.T) {
	transportErr := &source.ChannelError{
		Channel: "node-a",
		Op:      "read",
		Err:     errors.New("device unplugged"),
	}
	openErr := errors.New("still unplugged")
	src := &fakeSource{
		channel:    "node-a",
		batches:    [][]string{{}},
		afterBatch: []error{transportErr},
		openErrs:   []error{nil, openErr, openErr, openErr},
	}
	retry := reliability.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	w := newTestWorker(t, src, &memorySink{}, retry, nil)

	w.Start(context.Background())
	joinWorker(t, w)

	if got := w.Retries(); got != 3 {
		t.Errorf("retries = %d, want 3", got)
	}
	summary := w.Summary()
	if summary.Liveness != types.LivenessDead {
		t.Fatalf("liveness = %s, want dead", summary.Liveness)
	}
	if !strings.Contains(summary.Reason, "failed to reopen source") {
		t.Errorf("reason = %q, want reopen failure", summary.Reason)
	}
}

func TestWorkerDrainDiscardsOpenRecords(t *testing.T) {
	src := &fakeSource{
		channel: "node-a",
		batches: [][]string{{
			"==== Network Monitoring Stats ====",
			"Channel: 3.1% duty-cycle, 7 TX, 0 violations",
		}},
	}
	snk := &memorySink{}
	w := newTestWorker(t, src, snk, reliability.RetryConfig{}, nil)

	w.Start(context.Background())
	waitFor(t, "lines consumed", func() bool { return src.consumed() == 2 })
	w.Drain()
	joinWorker(t, w)

	if got := snk.count(); got != 0 {
		t.Fatalf("sink got %d records, want 0", got)
	}
	snap := w.Snapshot()
	if snap.LinesRead != 2 {
		t.Errorf("LinesRead = %d, want 2", snap.LinesRead)
	}
	if snap.DroppedIncomplete["monitoring"] != 1 {
		t.Errorf("dropped monitoring = %d, want 1", snap.DroppedIncomplete["monitoring"])
	}
	if summary := w.Summary(); summary.Liveness != types.LivenessAlive {
		t.Errorf("liveness = %s, want alive", summary.Liveness)
	}
}

func TestWorkerDrainDuringRetryBackoff(t *testing.T) {
	transportErr := &source.ChannelError{
		Channel: "node-a",
		Op:      "read",
		Err:     errors.New("listener closed"),
	}
	openErrs := []error{nil}
	for i := 0; i < 12; i++ {
		openErrs = append(openErrs, errors.New("connection refused"))
	}
	src := &fakeSource{
		channel:    "node-a",
		batches:    [][]string{{}},
		afterBatch: []error{transportErr},
		openErrs:   openErrs,
	}
	retry := reliability.RetryConfig{MaxRetries: 10, InitialBackoff: 150 * time.Millisecond}
	w := newTestWorker(t, src, &memorySink{}, retry, nil)

	w.Start(context.Background())
	waitFor(t, "first retry", func() bool { return w.Retries() >= 1 })
	w.Drain()
	joinWorker(t, w)

	if got := w.Phase(); got != PhaseStopped {
		t.Fatalf("phase = %s, want stopped", got)
	}
	summary := w.Summary()
	if summary.Liveness != types.LivenessDegraded {
		t.Fatalf("liveness = %s, want degraded", summary.Liveness)
	}
	if summary.Reason != "transport down at session end" {
		t.Errorf("reason = %q, want transport down note", summary.Reason)
	}
}

func TestWorkerSummaryWhileRunning(t *testing.T) {
	src := &fakeSource{channel: "node-a", batches: [][]string{{}}}
	w := newTestWorker(t, src, &memorySink{}, reliability.RetryConfig{}, nil)

	w.Start(context.Background())
	waitFor(t, "running", func() bool { return w.Phase() == PhaseRunning })

	summary := w.Summary()
	if summary.Liveness != types.LivenessAbandoned {
		t.Errorf("liveness = %s, want abandoned", summary.Liveness)
	}
	if !strings.Contains(summary.Reason, "did not stop") {
		t.Errorf("reason = %q, want did-not-stop note", summary.Reason)
	}

	w.Drain()
	joinWorker(t, w)
}

func TestWorkerHealthCheck(t *testing.T) {
	src := &fakeSource{channel: "node-a", batches: [][]string{{"TX: Seq=1"}}}
	w := newTestWorker(t, src, &memorySink{}, reliability.RetryConfig{}, nil)
	check := w.HealthCheck()

	w.Start(context.Background())
	waitFor(t, "running", func() bool { return w.Phase() == PhaseRunning })

	if got := check(context.Background()); got.Status != "healthy" {
		t.Errorf("running status = %s, want healthy", got.Status)
	}

	w.Drain()
	joinWorker(t, w)

	result := check(context.Background())
	if result.Status != "degraded" {
		t.Errorf("stopped status = %s, want degraded", result.Status)
	}
	if result.Metadata["phase"] != "stopped" {
		t.Errorf("phase metadata = %v, want stopped", result.Metadata["phase"])
	}

	failed := newTestWorker(t, &fakeSource{
		channel:  "node-a",
		openErrs: []error{errors.New("no such device")},
	}, &memorySink{}, reliability.RetryConfig{}, nil)
	failed.Start(context.Background())
	joinWorker(t, failed)

	if got := failed.HealthCheck()(context.Background()); got.Status != "unhealthy" {
		t.Errorf("failed status = %s, want unhealthy", got.Status)
	}
}

func TestWorkerPublishesMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	src := &fakeSource{
		channel: "node-a",
		batches: [][]string{{"TX: Seq=1", "RX: Seq=2 From=BEEF"}},
	}
	snk := &memorySink{}
	w := newTestWorker(t, src, snk, reliability.RetryConfig{}, collector)

	w.Start(context.Background())
	waitFor(t, "records", func() bool { return snk.count() == 2 })
	w.Drain()
	joinWorker(t, w)

	lines, err := collector.SourceLinesRead.GetMetricWithLabelValues("node-a", "fake")
	if err != nil {
		t.Fatalf("SourceLinesRead: %v", err)
	}
	metric := &dto.Metric{}
	if err := lines.Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("lines read = %v, want 2", got)
	}

	phase, err := collector.WorkerPhase.GetMetricWithLabelValues("node-a")
	if err != nil {
		t.Fatalf("WorkerPhase: %v", err)
	}
	metric.Reset()
	if err := phase.Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != float64(PhaseStopped) {
		t.Errorf("phase gauge = %v, want %v", got, float64(PhaseStopped))
	}

	written, err := collector.SinkRecordsWritten.GetMetricWithLabelValues("node-a", "memory")
	if err != nil {
		t.Fatalf("SinkRecordsWritten: %v", err)
	}
	metric.Reset()
	if err := written.Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("records written = %v, want 2", got)
	}
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	src := &fakeSource{channel: "node-a", batches: [][]string{{}}}
	w := newTestWorker(t, src, &memorySink{}, reliability.RetryConfig{}, nil)

	w.Start(context.Background())
	w.Start(context.Background())
	waitFor(t, "running", func() bool { return w.Phase() == PhaseRunning })

	w.Drain()
	w.Drain()
	joinWorker(t, w)

	src.mu.Lock()
	opens := src.opens
	src.mu.Unlock()
	if opens != 1 {
		t.Errorf("source opened %d times, want 1", opens)
	}
}
