package dlq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

func testRecord(seq int) *types.Record {
	return &types.Record{
		Channel:   "node-a",
		Kind:      "rx",
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Fields: map[string]types.FieldValue{
			"packet_seq": {Text: fmt.Sprintf("%d", seq), Number: float64(seq), Numeric: true},
		},
		Raw: fmt.Sprintf("RX: Seq=%d From=A3F2", seq),
	}
}

func newQueue(t *testing.T, dir string) *DeadLetterQueue {
	t.Helper()

	q, err := New(Config{Dir: dir, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

func TestEnqueueDequeue(t *testing.T) {
	q := newQueue(t, t.TempDir())
	defer q.Close()

	cause := errors.New("broker down")
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(testRecord(i), "kafka", cause); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	if q.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", q.Size())
	}

	entry, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if entry.Record.Field("packet_seq") != "0" {
		t.Errorf("dequeue order wrong: got seq %s, want 0", entry.Record.Field("packet_seq"))
	}
	if entry.Forwarder != "kafka" || entry.Error != "broker down" {
		t.Errorf("entry context lost: %+v", entry)
	}

	if q.Size() != 2 {
		t.Errorf("Size() after dequeue = %d, want 2", q.Size())
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newQueue(t, t.TempDir())
	defer q.Close()

	entry, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry from empty queue")
	}
}

func TestEnqueueFull(t *testing.T) {
	q, err := New(Config{Dir: t.TempDir(), MaxSize: 2, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	cause := errors.New("down")
	q.Enqueue(testRecord(0), "kafka", cause)
	q.Enqueue(testRecord(1), "kafka", cause)

	if err := q.Enqueue(testRecord(2), "kafka", cause); !errors.Is(err, ErrFull) {
		t.Errorf("Enqueue() on full queue error = %v, want ErrFull", err)
	}

	m := q.Metrics()
	if m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	q := newQueue(t, dir)
	q.Enqueue(testRecord(42), "elasticsearch", errors.New("cluster red"))
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	q2 := newQueue(t, dir)
	defer q2.Close()

	if q2.Size() != 1 {
		t.Fatalf("Size() after reopen = %d, want 1", q2.Size())
	}

	entry, _ := q2.Peek()
	if entry.Record.Field("packet_seq") != "42" {
		t.Errorf("reloaded record lost fields: %+v", entry.Record)
	}
	if entry.Forwarder != "elasticsearch" {
		t.Errorf("reloaded entry forwarder = %q", entry.Forwarder)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	q := newQueue(t, t.TempDir())
	q.Close()

	if err := q.Enqueue(testRecord(0), "kafka", errors.New("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after close error = %v, want ErrClosed", err)
	}
	if _, err := q.Dequeue(); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue() after close error = %v, want ErrClosed", err)
	}
}

func TestReplaySendsAndDrains(t *testing.T) {
	q := newQueue(t, t.TempDir())
	defer q.Close()

	for i := 0; i < 3; i++ {
		q.Enqueue(testRecord(i), "kafka", errors.New("down"))
	}

	var sent []string
	replayed, err := q.Replay(context.Background(), func(ctx context.Context, forwarder string, rec *types.Record) error {
		sent = append(sent, rec.Field("packet_seq"))
		return nil
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if replayed != 3 {
		t.Errorf("replayed = %d, want 3", replayed)
	}
	if q.Size() != 0 {
		t.Errorf("Size() after replay = %d, want 0", q.Size())
	}
	for i, seq := range sent {
		if seq != fmt.Sprintf("%d", i) {
			t.Errorf("replay order wrong at %d: %s", i, seq)
		}
	}
}

func TestReplayRequeuesFailures(t *testing.T) {
	q := newQueue(t, t.TempDir())
	defer q.Close()

	q.Enqueue(testRecord(0), "kafka", errors.New("down"))

	replayed, err := q.Replay(context.Background(), func(ctx context.Context, forwarder string, rec *types.Record) error {
		return errors.New("still down")
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if replayed != 0 {
		t.Errorf("replayed = %d, want 0", replayed)
	}
	if q.Size() != 1 {
		t.Errorf("Size() = %d, want 1 (failed entry requeued)", q.Size())
	}

	entry, _ := q.Peek()
	if entry.Retries != 1 {
		t.Errorf("Retries = %d, want 1", entry.Retries)
	}
}

func TestReplayDropsExhaustedEntries(t *testing.T) {
	q, err := New(Config{Dir: t.TempDir(), MaxRetries: 2, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	q.Enqueue(testRecord(0), "kafka", errors.New("down"))

	fail := func(ctx context.Context, forwarder string, rec *types.Record) error {
		return errors.New("still down")
	}

	// Two failed passes exhaust the budget.
	q.Replay(context.Background(), fail)
	q.Replay(context.Background(), fail)

	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 (entry dropped after retry budget)", q.Size())
	}
	if m := q.Metrics(); m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
}

func TestMetricsUtilization(t *testing.T) {
	m := QueueMetrics{CurrentSize: 25, MaxSize: 100}
	if got := m.Utilization(); got != 25.0 {
		t.Errorf("Utilization() = %v, want 25.0", got)
	}

	empty := QueueMetrics{}
	if got := empty.Utilization(); got != 0 {
		t.Errorf("Utilization() with zero max = %v, want 0", got)
	}
}
