package benchmark

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/xmesh/meshcollect/internal/assemble"
	"github.com/xmesh/meshcollect/internal/buffer"
	"github.com/xmesh/meshcollect/internal/extract"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/pool"
	"github.com/xmesh/meshcollect/internal/stats"
	"github.com/xmesh/meshcollect/pkg/types"
)

// firmwareLines is one monitoring block plus packet events, the mix a
// relay node prints at steady state.
var firmwareLines = []string{
	"==== Network Monitoring Stats ====",
	"Channel: 12.5% duty-cycle, 42 TX, 0 violations",
	"Memory: 210/320 KB free, Min: 180 KB, Peak: 240 KB",
	"Queue: 120 enqueued, 3 dropped (2.4%), max depth: 8",
	"Routing table: 12 entries",
	"TX: Seq=120",
	"RX: Seq=88 From=1A2B",
}

func benchLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: io.Discard})
}

// BenchmarkExtractStatLine benchmarks extraction from a matching stat line
func BenchmarkExtractStatLine(b *testing.B) {
	e := extract.NewExtractor(extract.Multinode())
	line := "Channel: 12.5% duty-cycle, 42 TX, 0 violations"

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		updates, _ := e.Extract(line)
		if len(updates) == 0 {
			b.Fatal("line did not match")
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}

// BenchmarkExtractNoise benchmarks the rejection path; most serial output
// matches nothing
func BenchmarkExtractNoise(b *testing.B) {
	e := extract.NewExtractor(extract.Multinode())
	line := "I (4482) mesh: layer change, new layer 2"

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		updates, headers := e.Extract(line)
		if len(updates) != 0 || len(headers) != 0 {
			b.Fatal("noise line matched")
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}

// BenchmarkAssemble benchmarks record assembly over the steady-state line mix
func BenchmarkAssemble(b *testing.B) {
	e := extract.NewExtractor(extract.Multinode())
	acc := assemble.NewAccumulator("bench", "relay", e.Profile(), benchLogger())

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		text := firmwareLines[i%len(firmwareLines)]
		line := &types.Line{Channel: "bench", Text: text, ReadAt: time.Now()}
		updates, headers := e.Extract(text)
		acc.Apply(line, updates, headers)
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}

// BenchmarkRingBufferEnqueue benchmarks ring buffer enqueue
func BenchmarkRingBufferEnqueue(b *testing.B) {
	cfg := buffer.RingBufferConfig{
		Size:                 1024 * 1024,
		BackpressureStrategy: buffer.BackpressureDrop,
	}

	rb, err := buffer.NewRingBuffer(cfg)
	if err != nil {
		b.Fatal(err)
	}

	line := &types.Line{
		Channel: "bench",
		Text:    "TX: Seq=120",
		ReadAt:  time.Now(),
	}

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = rb.Enqueue(ctx, line)
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}

// BenchmarkRingBufferEnqueueDequeue benchmarks concurrent enqueue/dequeue
func BenchmarkRingBufferEnqueueDequeue(b *testing.B) {
	cfg := buffer.RingBufferConfig{
		Size:                 1024 * 1024,
		BackpressureStrategy: buffer.BackpressureBlock,
	}

	rb, err := buffer.NewRingBuffer(cfg)
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	// Start dequeue goroutine
	go func() {
		for i := 0; i < b.N; i++ {
			_, _ = rb.Dequeue(ctx)
		}
	}()

	// Enqueue
	for i := 0; i < b.N; i++ {
		line := pool.GetLine()
		line.Channel = "bench"
		line.Text = fmt.Sprintf("RX: Seq=%d From=1A2B", i)
		line.ReadAt = time.Now()

		_ = rb.Enqueue(ctx, line)
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}

// BenchmarkLinePooling benchmarks line pooling
func BenchmarkLinePooling(b *testing.B) {
	b.Run("WithoutPool", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			line := &types.Line{
				Channel: "bench",
				Text:    "TX: Seq=120",
				ReadAt:  time.Now(),
			}
			_ = line
		}
	})

	b.Run("WithPool", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			line := pool.GetLine()
			line.Channel = "bench"
			line.Text = "TX: Seq=120"
			line.ReadAt = time.Now()
			pool.PutLine(line)
		}
	})
}

// BenchmarkByteBufferPooling benchmarks byte buffer pooling
func BenchmarkByteBufferPooling(b *testing.B) {
	data := []byte(`{"channel":"bench","kind":"packet","seq":120}`)

	b.Run("WithoutPool", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			var buf []byte
			buf = append(buf, data...)
			_ = buf
		}
	})

	b.Run("WithPool", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			buf := pool.GetByteBuffer()
			buf.Write(data)
			pool.PutByteBuffer(buf)
		}
	})
}

// BenchmarkParallelExtract benchmarks extraction with different worker counts
func BenchmarkParallelExtract(b *testing.B) {
	e := extract.NewExtractor(extract.Multinode())
	line := "RX: Seq=88 From=1A2B"

	for _, workers := range []int{1, 2, 4, 8, 16} {
		b.Run(fmt.Sprintf("Workers-%d", workers), func(b *testing.B) {
			b.ReportAllocs()
			b.SetParallelism(workers)
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					_, _ = e.Extract(line)
				}
			})
			b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
		})
	}
}

// BenchmarkEndToEnd benchmarks the full per-line path: extract, assemble,
// aggregate
func BenchmarkEndToEnd(b *testing.B) {
	e := extract.NewExtractor(extract.Multinode())
	acc := assemble.NewAccumulator("bench", "relay", e.Profile(), benchLogger())
	agg := stats.New("bench")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		text := firmwareLines[i%len(firmwareLines)]
		line := pool.GetLine()
		line.Channel = "bench"
		line.Text = text
		line.ReadAt = time.Now()

		agg.AddLines(1)
		updates, headers := e.Extract(text)
		for _, rec := range acc.Apply(line, updates, headers) {
			agg.Observe(rec)
		}
		pool.PutLine(line)
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}

// BenchmarkHighThroughput simulates many channels draining at once
func BenchmarkHighThroughput(b *testing.B) {
	logger := benchLogger()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		// Each goroutine models one channel worker with its own
		// extractor and accumulator.
		e := extract.NewExtractor(extract.Multinode())
		acc := assemble.NewAccumulator("bench", "relay", e.Profile(), logger)

		i := 0
		for pb.Next() {
			text := firmwareLines[i%len(firmwareLines)]
			line := pool.GetLine()
			line.Channel = "bench"
			line.Text = text
			line.ReadAt = time.Now()

			updates, headers := e.Extract(text)
			acc.Apply(line, updates, headers)
			pool.PutLine(line)
			i++
		}
	})

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "lines/sec")
}
