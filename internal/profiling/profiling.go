// Package profiling exposes pprof and runtime statistics for soak
// tests, where a collector runs against dozens of channels for hours.
package profiling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/xmesh/meshcollect/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Enabled            bool
	Address            string
	CPUProfilePath     string
	MemProfilePath     string
	BlockProfile       bool
	MutexProfile       bool
	GoroutineThreshold int
}

// Profiler manages performance profiling
type Profiler struct {
	config Config
	logger *logging.Logger
	server *http.Server

	cpuFile *os.File

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) (*Profiler, error) {
	if logger == nil {
		logger = logging.Global()
	}

	if config.Address == "" {
		config.Address = "localhost:6060"
	}

	if config.GoroutineThreshold == 0 {
		config.GoroutineThreshold = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
		ctx:    ctx,
		cancel: cancel,
	}

	return p, nil
}

// Start begins profiling
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		p.logger.Debug().Msg("Profiling disabled")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
		p.logger.Info().Msg("Block profiling enabled")
	}

	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
		p.logger.Info().Msg("Mutex profiling enabled")
	}

	if p.config.CPUProfilePath != "" {
		if err := p.startCPUProfile(); err != nil {
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
	}

	if p.config.Address != "" {
		mux := http.NewServeMux()

		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		mux.HandleFunc("/debug/stats", p.statsHandler)
		mux.HandleFunc("/debug/gc", p.gcHandler)

		p.server = &http.Server{
			Addr:    p.config.Address,
			Handler: mux,
		}

		go func() {
			p.logger.Info().Str("address", p.config.Address).Msg("Starting profiling HTTP server")
			if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				p.logger.Error().Err(err).Msg("Profiling server error")
			}
		}()
	}

	go p.monitorGoroutines()

	p.logger.Info().Msg("Profiling started")
	return nil
}

// Stop stops profiling
func (p *Profiler) Stop() error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancel()

	if p.cpuFile != nil {
		runtimepprof.StopCPUProfile()
		p.cpuFile.Close()
		p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
	}

	if p.config.MemProfilePath != "" {
		if err := p.writeMemProfile(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to write memory profile")
		}
	}

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Failed to shutdown profiling server")
		}
	}

	p.logger.Info().Msg("Profiling stopped")
	return nil
}

// startCPUProfile starts CPU profiling
func (p *Profiler) startCPUProfile() error {
	f, err := os.Create(p.config.CPUProfilePath)
	if err != nil {
		return err
	}

	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}

	p.cpuFile = f
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	return nil
}

// writeMemProfile writes memory profile to file
func (p *Profiler) writeMemProfile() error {
	f, err := os.Create(p.config.MemProfilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	runtime.GC() // Get up-to-date statistics

	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return err
	}

	p.logger.Info().Str("path", p.config.MemProfilePath).Msg("Memory profile saved")
	return nil
}

// monitorGoroutines warns when the goroutine count grows past the
// threshold, which on this pipeline usually means stuck source readers.
func (p *Profiler) monitorGoroutines() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			count := runtime.NumGoroutine()
			if count > p.config.GoroutineThreshold {
				p.logger.Warn().
					Int("goroutines", count).
					Int("threshold", p.config.GoroutineThreshold).
					Msg("High goroutine count detected")
			} else {
				p.logger.Debug().Int("goroutines", count).Msg("Goroutine count")
			}
		}
	}
}

// statsHandler returns runtime statistics
func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fmt.Fprintf(w, "Runtime Statistics\n")
	fmt.Fprintf(w, "==================\n\n")
	fmt.Fprintf(w, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(w, "GOMAXPROCS: %d\n\n", runtime.GOMAXPROCS(0))

	fmt.Fprintf(w, "Memory Statistics\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Alloc: %d MB\n", m.Alloc/1024/1024)
	fmt.Fprintf(w, "TotalAlloc: %d MB\n", m.TotalAlloc/1024/1024)
	fmt.Fprintf(w, "Sys: %d MB\n", m.Sys/1024/1024)
	fmt.Fprintf(w, "HeapAlloc: %d MB\n", m.HeapAlloc/1024/1024)
	fmt.Fprintf(w, "HeapInuse: %d MB\n", m.HeapInuse/1024/1024)
	fmt.Fprintf(w, "HeapReleased: %d MB\n", m.HeapReleased/1024/1024)
	fmt.Fprintf(w, "HeapObjects: %d\n\n", m.HeapObjects)

	fmt.Fprintf(w, "GC Statistics\n")
	fmt.Fprintf(w, "=============\n\n")
	fmt.Fprintf(w, "NumGC: %d\n", m.NumGC)
	fmt.Fprintf(w, "PauseTotalNs: %d ms\n", m.PauseTotalNs/1000000)
	if m.NumGC > 0 {
		fmt.Fprintf(w, "LastGC: %s\n", time.Unix(0, int64(m.LastGC)).Format(time.RFC3339))
		fmt.Fprintf(w, "PauseNs (last): %d µs\n", m.PauseNs[(m.NumGC+255)%256]/1000)
	}
}

// gcHandler triggers garbage collection
func (p *Profiler) gcHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	beforeAlloc := m.Alloc

	runtime.GC()

	runtime.ReadMemStats(&m)
	afterAlloc := m.Alloc

	fmt.Fprintf(w, "Garbage Collection Triggered\n")
	fmt.Fprintf(w, "============================\n\n")
	fmt.Fprintf(w, "Memory before GC: %d MB\n", beforeAlloc/1024/1024)
	fmt.Fprintf(w, "Memory after GC: %d MB\n", afterAlloc/1024/1024)
	if beforeAlloc > afterAlloc {
		fmt.Fprintf(w, "Memory freed: %d MB\n", (beforeAlloc-afterAlloc)/1024/1024)
	}
}
