package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xmesh/meshcollect/internal/logging"
)

var (
	outDir         = flag.String("out", "./lines", "Directory for per-channel line files")
	address        = flag.String("addr", "", "Stream to this TCP address instead of files")
	channels       = flag.Int("channels", 2, "Number of emitting channels")
	profileName    = flag.String("profile", "multinode", "Firmware build to imitate (multinode, gateway, singlenode)")
	rate           = flag.Int("rate", 50, "Lines per second per channel")
	duration       = flag.Int("duration", 60, "Run duration in seconds")
	noisePct       = flag.Int("noise", 20, "Percentage of unstructured firmware noise lines")
	reportInterval = flag.Int("interval", 5, "Report interval in seconds")
)

// Stats tracks generator statistics
type Stats struct {
	linesWritten  uint64
	blocksWritten uint64
	eventsWritten uint64
	noiseWritten  uint64
	writeErrors   uint64
	startTime     time.Time
}

func (s *Stats) Report() {
	elapsed := time.Since(s.startTime).Seconds()
	lines := atomic.LoadUint64(&s.linesWritten)
	blocks := atomic.LoadUint64(&s.blocksWritten)
	events := atomic.LoadUint64(&s.eventsWritten)
	noise := atomic.LoadUint64(&s.noiseWritten)
	writeErrors := atomic.LoadUint64(&s.writeErrors)

	fmt.Printf("\n=== Line Generator Statistics ===\n")
	fmt.Printf("Duration: %.2f seconds\n", elapsed)
	fmt.Printf("Lines Written: %d (%.0f/sec)\n", lines, float64(lines)/elapsed)
	fmt.Printf("Monitoring Blocks: %d\n", blocks)
	fmt.Printf("Packet Events: %d\n", events)
	fmt.Printf("Noise Lines: %d\n", noise)
	fmt.Printf("Write Errors: %d\n", writeErrors)
	fmt.Printf("=================================\n\n")
}

func main() {
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	fmt.Printf("Starting line generator...\n")
	fmt.Printf("Profile: %s\n", *profileName)
	fmt.Printf("Channels: %d\n", *channels)
	fmt.Printf("Rate: %d lines/sec per channel\n", *rate)
	fmt.Printf("Duration: %d seconds\n", *duration)
	fmt.Printf("Noise: %d%%\n", *noisePct)
	if *address != "" {
		fmt.Printf("Target: tcp %s\n\n", *address)
	} else {
		fmt.Printf("Target: %s\n\n", *outDir)
	}

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	emit, ok := emitters[*profileName]
	if !ok {
		return fmt.Errorf("unsupported profile: %s", *profileName)
	}

	stats := &Stats{
		startTime: time.Now(),
	}

	// Start periodic reporting
	go func() {
		ticker := time.NewTicker(time.Duration(*reportInterval) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.Report()
			}
		}
	}()

	// Start one emitter per channel
	var wg sync.WaitGroup
	closers := make([]io.Closer, 0, *channels)

	for i := 0; i < *channels; i++ {
		name := fmt.Sprintf("%s-%02d", *profileName, i+1)
		target, err := openTarget(name)
		if err != nil {
			return err
		}
		closers = append(closers, target)

		wg.Add(1)
		go func(id int, w io.Writer) {
			defer wg.Done()
			runEmitter(ctx, id, w, emit, stats)
		}(i, target)
	}

	// Wait for duration or signal
	select {
	case <-time.After(time.Duration(*duration) * time.Second):
		logger.Info().Msg("Run duration reached")
	case <-sigCh:
		logger.Info().Msg("Received shutdown signal")
	}

	cancel()
	wg.Wait()

	for _, c := range closers {
		c.Close()
	}

	// Final report
	stats.Report()

	return nil
}

// openTarget opens the write side of one channel: a TCP connection when
// -addr is set, otherwise an append-mode file under the output directory.
func openTarget(name string) (io.WriteCloser, error) {
	if *address != "" {
		conn, err := net.Dial("tcp", *address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", *address, err)
		}
		return conn, nil
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(*outDir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

func runEmitter(ctx context.Context, id int, w io.Writer, emit emitterFunc, stats *Stats) {
	st := &emitterState{id: id}

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var lines []string
			if rand.Intn(100) < *noisePct {
				lines = []string{noiseLines[rand.Intn(len(noiseLines))]}
				atomic.AddUint64(&stats.noiseWritten, 1)
			} else {
				lines = emit(st)
				if len(lines) > 1 {
					atomic.AddUint64(&stats.blocksWritten, 1)
				} else {
					atomic.AddUint64(&stats.eventsWritten, 1)
				}
			}

			for _, line := range lines {
				if _, err := fmt.Fprintln(w, line); err != nil {
					atomic.AddUint64(&stats.writeErrors, 1)
					continue
				}
				atomic.AddUint64(&stats.linesWritten, 1)
			}
		}
	}
}

// emitterFunc returns the firmware lines for one tick of one channel.
type emitterFunc func(st *emitterState) []string

type emitterState struct {
	id   int
	seq  uint64
	tick uint64
}

var emitters = map[string]emitterFunc{
	"multinode":  emitMultinode,
	"gateway":    emitGateway,
	"singlenode": emitSinglenode,
}

// Firmware lines that carry no record fields. Real serial captures are
// mostly this.
var noiseLines = []string{
	"mesh_task: tick",
	"I (4482) mesh: layer change, new layer 2",
	"wifi: bcn_timeout, ap_probe_send_start",
	"I (9302) mesh_net: parent connected, rssi -68",
	"task_wdt: feeding watchdog",
	"D (1240) radio: cad done, channel clear",
}

// monitoringBlock prints the periodic stats block shared by the node and
// gateway builds.
func monitoringBlock() []string {
	free := 96 + rand.Intn(64)
	enqueued := 500 + rand.Intn(1500)
	dropped := rand.Intn(20)
	dropRate := float64(dropped) / float64(enqueued) * 100

	return []string{
		"==== Network Monitoring Stats ====",
		fmt.Sprintf("Channel: %.1f%% duty-cycle, %d TX, %d violations",
			float64(rand.Intn(250))/10, rand.Intn(200), rand.Intn(3)),
		fmt.Sprintf("Memory: %d/256 KB free, Min: %d KB, Peak: %d KB",
			free, free-rand.Intn(32), 256-rand.Intn(40)),
		fmt.Sprintf("Queue: %d enqueued, %d dropped (%.1f%%), max depth: %d",
			enqueued, dropped, dropRate, 4+rand.Intn(28)),
		fmt.Sprintf("Routing table: %d entries", 4+rand.Intn(24)),
	}
}

func emitMultinode(st *emitterState) []string {
	st.tick++
	if st.tick%25 == 0 {
		return monitoringBlock()
	}

	st.seq++
	if rand.Intn(3) == 0 {
		return []string{fmt.Sprintf("RX: Seq=%d From=%04X", st.seq, 0x1A00+rand.Intn(0xFF))}
	}
	return []string{fmt.Sprintf("TX: Seq=%d", st.seq)}
}

func emitGateway(st *emitterState) []string {
	st.tick++
	if st.tick%25 == 0 {
		return monitoringBlock()
	}

	st.seq++
	source := fmt.Sprintf("%04X", 0xAB00+rand.Intn(0xFF))
	hops := 1 + rand.Intn(4)

	if rand.Intn(2) == 0 {
		return []string{fmt.Sprintf("RX: Seq=%d From=%s Hops=%d", st.seq, source, hops)}
	}
	return []string{fmt.Sprintf("GATEWAY: Packet %d from %s received (hops=%d, RSSI=%d dBm)",
		st.seq, source, hops, -60-rand.Intn(40))}
}

func emitSinglenode(st *emitterState) []string {
	st.tick++

	switch st.tick % 8 {
	case 0:
		return []string{fmt.Sprintf("[%d] Heartbeat - Node %04X (S) - Uptime: %d sec",
			st.tick, 0x5A00+st.id, st.tick*2)}
	case 3:
		return []string{fmt.Sprintf("Link quality: SNR=%d dB, Est.RSSI=%d dBm",
			5+rand.Intn(10), -90+rand.Intn(30))}
	case 6:
		// One neighbor table row: ADDR | RSSI | SNR | ETX
		return []string{fmt.Sprintf("%04X  | %d | %d | %.2f",
			0x5B00+rand.Intn(16), -80-rand.Intn(15), 3+rand.Intn(9), 1+float64(rand.Intn(300))/100)}
	default:
		st.seq++
		return []string{fmt.Sprintf("RX: Seq=%d From=%04X Hops=%d Value=%.1f",
			st.seq, 0x5A00+rand.Intn(16), 1+rand.Intn(3), 20+float64(rand.Intn(100))/10)}
	}
}
