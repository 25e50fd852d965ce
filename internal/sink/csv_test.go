package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/xmesh/meshcollect/pkg/types"
)

func record(channel, kind string, fields map[string]string, raw string) *types.Record {
	rec := &types.Record{
		Channel:   channel,
		Role:      "node",
		Kind:      kind,
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Fields:    make(map[string]types.FieldValue, len(fields)),
		Raw:       raw,
	}
	for k, v := range fields {
		rec.Fields[k] = types.FieldValue{Text: v}
	}
	return rec
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open record log: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to read record log: %v", err)
	}
	return rows
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	columns := []string{"duty_cycle_pct", "memory_free_kb"}

	s, err := NewCSVSink(dir, "node-a", columns)
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}

	rec := record("node-a", "monitoring", map[string]string{
		"duty_cycle_pct": "12.5",
		"memory_free_kb": "142",
	}, "Memory: 142 KB free")

	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readRows(t, s.Path())
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}

	wantHeader := []string{"timestamp", "channel", "role", "kind", "duty_cycle_pct", "memory_free_kb", "raw"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], col)
		}
	}

	row := rows[1]
	if row[1] != "node-a" || row[2] != "node" || row[3] != "monitoring" {
		t.Errorf("unexpected identity cells: %v", row[:4])
	}
	if row[4] != "12.5" || row[5] != "142" {
		t.Errorf("unexpected field cells: %v", row[4:6])
	}
	if row[6] != "Memory: 142 KB free" {
		t.Errorf("raw cell = %q", row[6])
	}
}

func TestCSVSinkEmptyCellForAbsentField(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCSVSink(dir, "node-a", []string{"packet_seq", "packet_source", "packet_hops"})
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}

	rec := record("node-a", "rx", map[string]string{
		"packet_seq":    "17",
		"packet_source": "A3F2",
	}, "RX: Seq=17 From=A3F2")

	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Close()

	rows := readRows(t, s.Path())
	row := rows[1]
	if row[4] != "17" || row[5] != "A3F2" {
		t.Errorf("unexpected field cells: %v", row[4:6])
	}
	if row[6] != "" {
		t.Errorf("absent field should be empty, got %q", row[6])
	}
}

func TestCSVSinkPreservesAppendOrder(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCSVSink(dir, "node-a", []string{"packet_seq"})
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}

	for i := 0; i < 50; i++ {
		rec := record("node-a", "rx", map[string]string{
			"packet_seq": fmt.Sprintf("%d", i),
		}, "")
		if err := s.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
	s.Close()

	rows := readRows(t, s.Path())
	if len(rows) != 51 {
		t.Fatalf("expected 51 rows, got %d", len(rows))
	}
	for i, row := range rows[1:] {
		if row[4] != fmt.Sprintf("%d", i) {
			t.Fatalf("row %d out of order: packet_seq = %q", i, row[4])
		}
	}
}

func TestCSVSinkRowVisibleBeforeClose(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCSVSink(dir, "node-a", []string{"packet_seq"})
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}
	defer s.Close()

	rec := record("node-a", "rx", map[string]string{"packet_seq": "1"}, "")
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Append flushes before returning, so the row must already be on disk.
	rows := readRows(t, s.Path())
	if len(rows) != 2 {
		t.Fatalf("expected flushed row before Close, got %d rows", len(rows))
	}
}

func TestCSVSinkAppendAfterClose(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCSVSink(dir, "node-a", []string{"packet_seq"})
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}
	s.Close()

	err = s.Append(context.Background(), record("node-a", "rx", nil, ""))
	if !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Append() after Close error = %v, want ErrSinkClosed", err)
	}
}

func TestCSVSinkReopenKeepsAppending(t *testing.T) {
	dir := t.TempDir()
	columns := []string{"packet_seq"}

	s, err := NewCSVSink(dir, "node-a", columns)
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}
	s.Append(context.Background(), record("node-a", "rx", map[string]string{"packet_seq": "1"}, ""))
	s.Close()

	s2, err := NewCSVSink(dir, "node-a", columns)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	s2.Append(context.Background(), record("node-a", "rx", map[string]string{"packet_seq": "2"}, ""))
	s2.Close()

	rows := readRows(t, s2.Path())
	if len(rows) != 3 {
		t.Fatalf("expected one header and two rows after reopen, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Errorf("first row should be the header, got %v", rows[0])
	}
	if rows[1][4] != "1" || rows[2][4] != "2" {
		t.Errorf("rows out of order after reopen: %v %v", rows[1][4], rows[2][4])
	}
}

func TestCSVSinkMetrics(t *testing.T) {
	dir := t.TempDir()

	s, err := NewCSVSink(dir, "node-a", []string{"packet_seq"})
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Append(context.Background(), record("node-a", "rx", map[string]string{"packet_seq": "9"}, "RX"))
	}

	m := s.Metrics()
	if m.RecordsWritten != 3 {
		t.Errorf("RecordsWritten = %d, want 3", m.RecordsWritten)
	}
	if m.BytesWritten == 0 {
		t.Errorf("BytesWritten should be non-zero")
	}
	if m.WriteErrors != 0 {
		t.Errorf("WriteErrors = %d, want 0", m.WriteErrors)
	}
}
