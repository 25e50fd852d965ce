// Package worker runs one channel's collection pipeline. A worker is a
// single goroutine that owns its line source, extractor, accumulator,
// sink and statistics exclusively; workers share nothing. The only data
// crossing a worker boundary is the immutable stats snapshot, published
// through an atomic pointer after every closed record and once at
// teardown, so the session can read the latest state even from a worker
// it later abandons.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xmesh/meshcollect/internal/assemble"
	"github.com/xmesh/meshcollect/internal/extract"
	"github.com/xmesh/meshcollect/internal/health"
	"github.com/xmesh/meshcollect/internal/journal"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/metrics"
	"github.com/xmesh/meshcollect/internal/pool"
	"github.com/xmesh/meshcollect/internal/reliability"
	"github.com/xmesh/meshcollect/internal/sink"
	"github.com/xmesh/meshcollect/internal/source"
	"github.com/xmesh/meshcollect/internal/stats"
	"github.com/xmesh/meshcollect/pkg/types"
)

// Phase is a worker's lifecycle state. Starting, Running and Draining
// may each transition to Failed; Stopped and Failed are terminal.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config assembles one worker. Source, Extractor and Sink are required;
// Journal, Metrics and FieldGauges are optional.
type Config struct {
	Channel string
	Role    string

	Source    source.Source
	Extractor *extract.Extractor
	Sink      sink.Sink
	Journal   *journal.Journal

	ReadTimeout      time.Duration
	ProgressInterval time.Duration
	Retry            reliability.RetryConfig

	Metrics     *metrics.Collector
	FieldGauges *metrics.FieldGauges
	Logger      *logging.Logger
}

// hotPath holds the per-line metric children resolved once at
// construction, so the read loop never goes through a label lookup.
type hotPath struct {
	lines       prometheus.Counter
	bytes       prometheus.Counter
	timeouts    prometheus.Counter
	unmatched   prometheus.Counter
	extractDur  prometheus.Observer
	openRecords prometheus.Gauge
}

// Worker collects one channel for the lifetime of a session.
type Worker struct {
	channel string
	role    string

	source      source.Source
	extractor   *extract.Extractor
	accumulator *assemble.Accumulator
	sink        sink.Sink
	sinkType    string
	journal     *journal.Journal
	aggregator  *stats.Aggregator

	readTimeout      time.Duration
	progressInterval time.Duration
	retry            reliability.RetryConfig

	collector   *metrics.Collector
	fieldGauges *metrics.FieldGauges
	hot         *hotPath
	logger      *logging.Logger

	phase    atomic.Int32
	retries  atomic.Int64
	reopens  atomic.Int64
	snapshot atomic.Pointer[types.ChannelStats]

	failMu  sync.Mutex
	failure string

	// journalDown suppresses repeated journal warnings once raw
	// capture has broken for the session.
	journalDown bool
	dropsFolded uint64

	started   atomic.Bool
	drainOnce sync.Once
	drainCh   chan struct{}
	done      chan struct{}
}

// New builds a worker around an already-opened set of pipeline parts.
// The source itself is opened by Start, not here, so a slow transport
// cannot stall session construction.
func New(cfg Config) (*Worker, error) {
	if cfg.Channel == "" {
		return nil, errors.New("worker has no channel name")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("channel %s: worker has no source", cfg.Channel)
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("channel %s: worker has no extractor", cfg.Channel)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("channel %s: worker has no sink", cfg.Channel)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	logger := cfg.Logger.WithComponent("worker").WithChannel(cfg.Channel)

	w := &Worker{
		channel:          cfg.Channel,
		role:             cfg.Role,
		source:           cfg.Source,
		extractor:        cfg.Extractor,
		accumulator:      assemble.NewAccumulator(cfg.Channel, cfg.Role, cfg.Extractor.Profile(), cfg.Logger),
		sink:             cfg.Sink,
		sinkType:         sinkTypeOf(cfg.Sink),
		journal:          cfg.Journal,
		aggregator:       stats.New(cfg.Channel),
		readTimeout:      cfg.ReadTimeout,
		progressInterval: cfg.ProgressInterval,
		retry:            cfg.Retry,
		collector:        cfg.Metrics,
		fieldGauges:      cfg.FieldGauges,
		logger:           logger,
		drainCh:          make(chan struct{}),
		done:             make(chan struct{}),
	}

	if cfg.Metrics != nil {
		w.hot = &hotPath{
			lines:       cfg.Metrics.SourceLinesRead.WithLabelValues(cfg.Channel, cfg.Source.Type()),
			bytes:       cfg.Metrics.SourceBytesRead.WithLabelValues(cfg.Channel, cfg.Source.Type()),
			timeouts:    cfg.Metrics.SourceReadTimeouts.WithLabelValues(cfg.Channel),
			unmatched:   cfg.Metrics.ExtractLinesUnmatched.WithLabelValues(cfg.Channel),
			extractDur:  cfg.Metrics.ExtractDuration.WithLabelValues(cfg.Channel),
			openRecords: cfg.Metrics.AssembleOpenRecords.WithLabelValues(cfg.Channel),
		}
	}

	w.setPhase(PhaseStarting)
	w.snapshot.Store(w.aggregator.Snapshot())
	return w, nil
}

func sinkTypeOf(s sink.Sink) string {
	if named, ok := s.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "sink"
}

// Release closes the worker's sink, journal and source without running
// it, for workers built by a session that failed construction. No-op
// once the worker has started; teardown then belongs to the run.
func (w *Worker) Release() {
	if w.started.Load() {
		return
	}
	_ = w.sink.Close()
	if w.journal != nil {
		_ = w.journal.Close()
	}
	_ = w.source.Close()
}

// Start launches the collection goroutine. The worker stops when ctx is
// cancelled or Drain is called, whichever comes first.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-w.drainCh:
		case <-runCtx.Done():
		}
		cancel()
	}()
	go w.run(runCtx)
}

// Drain asks the worker to stop after the current line. It returns
// immediately; the caller joins on Done.
func (w *Worker) Drain() {
	w.drainOnce.Do(func() { close(w.drainCh) })
}

// Done is closed once the worker has fully torn down.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Channel returns the channel this worker collects.
func (w *Worker) Channel() string {
	return w.channel
}

// SourceType returns the channel's source adapter type.
func (w *Worker) SourceType() string {
	return w.source.Type()
}

// Phase returns the worker's current lifecycle state.
func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

// Retries returns how many source reopen attempts the worker has made.
func (w *Worker) Retries() int64 {
	return w.retries.Load()
}

// Snapshot returns the latest published stats snapshot. Safe to call
// from any goroutine at any time, including after the worker has been
// abandoned.
func (w *Worker) Snapshot() *types.ChannelStats {
	return w.snapshot.Load()
}

// FailureReason returns what killed the worker, or "" while healthy.
func (w *Worker) FailureReason() string {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	return w.failure
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	if err := w.source.Open(ctx); err != nil {
		w.fail("failed to open source", err)
		w.finish()
		return
	}

	w.logger.Info().
		Str("source", w.source.Type()).
		Str("profile", w.extractor.Profile().Name).
		Msg("Channel collection started")
	w.setPhase(PhaseRunning)

	w.loop(ctx)
	w.finish()
}

// loop reads lines until drain or failure. The bounded source read is
// the sole suspension point, so the read timeout caps how long a drain
// request can go unnoticed.
func (w *Worker) loop(ctx context.Context) {
	progress := time.NewTicker(w.progressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setPhase(PhaseDraining)
			return
		default:
		}
		select {
		case <-progress.C:
			w.logProgress()
		default:
		}

		line, err := w.source.NextLine(w.readTimeout)
		if err != nil {
			if errors.Is(err, source.ErrTimeout) {
				if w.hot != nil {
					w.hot.timeouts.Inc()
				}
				continue
			}
			var cherr *source.ChannelError
			if errors.As(err, &cherr) {
				if w.reopen(ctx, cherr) {
					continue
				}
				return
			}
			w.fail("failed to read line", err)
			return
		}

		if err := w.process(ctx, line); err != nil {
			w.fail("failed to append record", err)
			return
		}
	}
}

// process journals, extracts and accumulates one line, appending any
// records the line completed. The returned error is a primary sink
// failure and is fatal to the worker.
func (w *Worker) process(ctx context.Context, line *types.Line) error {
	defer pool.PutLine(line)

	if w.journal != nil {
		if err := w.journal.Append(line); err != nil && !w.journalDown {
			w.journalDown = true
			w.logger.Warn().Err(err).Msg("Journal append failed, raw capture disabled")
		}
	}

	w.aggregator.AddLines(1)
	if w.hot != nil {
		w.hot.lines.Inc()
		w.hot.bytes.Add(float64(len(line.Text)))
	}

	start := time.Now()
	updates, headerKinds := w.extractor.Extract(line.Text)
	if w.hot != nil {
		w.hot.extractDur.Observe(time.Since(start).Seconds())
	}

	if len(updates) == 0 && len(headerKinds) == 0 {
		if w.hot != nil {
			w.hot.unmatched.Inc()
		}
		return nil
	}
	if w.collector != nil {
		for i := range updates {
			w.collector.ExtractFieldsTotal.WithLabelValues(w.channel, updates[i].Kind).Inc()
		}
	}

	for _, rec := range w.accumulator.Apply(line, updates, headerKinds) {
		if err := w.appendRecord(ctx, rec); err != nil {
			return err
		}
	}
	if w.hot != nil {
		w.hot.openRecords.Set(float64(w.accumulator.OpenCount()))
	}
	return nil
}

// appendRecord hands one closed record to the sink and then to the
// stats aggregator, in that order, and publishes a fresh snapshot.
func (w *Worker) appendRecord(ctx context.Context, rec *types.Record) error {
	start := time.Now()
	if err := w.sink.Append(ctx, rec); err != nil {
		if w.collector != nil {
			w.collector.SinkWriteErrors.WithLabelValues(w.channel, w.sinkType).Inc()
		}
		return err
	}

	w.aggregator.Observe(rec)
	if w.fieldGauges != nil {
		w.fieldGauges.Observe(rec)
	}
	if w.collector != nil {
		w.collector.SinkAppendDuration.WithLabelValues(w.sinkType).Observe(time.Since(start).Seconds())
		w.collector.SinkRecordsWritten.WithLabelValues(w.channel, w.sinkType).Inc()
		w.collector.AssembleRecordsClosed.WithLabelValues(w.channel, rec.Kind).Inc()
	}

	w.snapshot.Store(w.aggregator.Snapshot())
	return nil
}

// reopen closes the failed transport and retries Open under the
// configured backoff. Returns true once the source is reading again;
// false when the worker should exit, with the phase already set.
func (w *Worker) reopen(ctx context.Context, cause *source.ChannelError) bool {
	w.foldSourceDrops()
	if w.collector != nil {
		w.collector.SourceErrors.WithLabelValues(w.channel).Inc()
	}
	w.logger.Warn().
		Err(cause.Err).
		Str("op", cause.Op).
		Msg("Channel transport failed, reopening")

	_ = w.source.Close()

	err := reliability.Retry(ctx, w.retry, func(ctx context.Context) error {
		w.retries.Add(1)
		if w.collector != nil {
			w.collector.WorkerRetries.WithLabelValues(w.channel).Inc()
		}
		return w.source.Open(ctx)
	})
	if err == nil {
		w.reopens.Add(1)
		w.dropsFolded = 0
		w.logger.Info().
			Int64("attempts", w.retries.Load()).
			Msg("Channel transport reopened")
		return true
	}

	if ctx.Err() != nil {
		// Drain arrived while the reopen was backing off.
		w.setPhase(PhaseDraining)
		return false
	}
	w.fail("failed to reopen source", err)
	return false
}

// finish tears the pipeline down: discard still-open records, close the
// sink, release the source, publish the final snapshot. Runs exactly
// once, from the worker goroutine.
func (w *Worker) finish() {
	superseded := w.accumulator.Dropped()
	dropped := w.accumulator.DiscardOpen()
	w.aggregator.SetDropped(dropped)

	if w.collector != nil {
		for kind, n := range superseded {
			w.collector.AssembleRecordsDropped.WithLabelValues(w.channel, kind, "superseded").Add(float64(n))
		}
		for kind, n := range dropped {
			if incomplete := n - superseded[kind]; incomplete > 0 {
				w.collector.AssembleRecordsDropped.WithLabelValues(w.channel, kind, "incomplete").Add(float64(incomplete))
			}
		}
	}
	if w.hot != nil {
		w.hot.openRecords.Set(0)
	}

	w.foldSourceDrops()
	w.foldSinkBytes()

	if err := w.sink.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to close record sink")
	}
	if w.journal != nil {
		if err := w.journal.Close(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to close journal")
		}
	}
	if err := w.source.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to close source")
	}

	if w.Phase() != PhaseFailed {
		w.setPhase(PhaseStopped)
	}

	snap := w.aggregator.Snapshot()
	w.snapshot.Store(snap)

	w.logger.Info().
		Int64("lines", snap.LinesRead).
		Int64("records", snap.TotalRecords()).
		Str("phase", w.Phase().String()).
		Msg("Channel collection finished")
}

// foldSourceDrops moves the ring's backpressure drop count into the
// metric. Called before a reopen discards the ring and once at
// teardown.
func (w *Worker) foldSourceDrops() {
	if w.collector == nil {
		return
	}
	counted, ok := w.source.(interface{ Dropped() uint64 })
	if !ok {
		return
	}
	total := counted.Dropped()
	if total > w.dropsFolded {
		delta := total - w.dropsFolded
		w.collector.SourceLinesDropped.WithLabelValues(w.channel, "backpressure").Add(float64(delta))
		w.dropsFolded = total
		w.logger.Warn().
			Uint64("dropped", delta).
			Msg("Source buffer dropped lines under backpressure")
	}
}

// foldSinkBytes copies the sink's byte counter into the metric once at
// teardown.
func (w *Worker) foldSinkBytes() {
	if w.collector == nil {
		return
	}
	metered, ok := w.sink.(interface{ Metrics() *sink.Metrics })
	if !ok {
		return
	}
	if m := metered.Metrics(); m.BytesWritten > 0 {
		w.collector.SinkBytesWritten.WithLabelValues(w.channel, w.sinkType).Add(float64(m.BytesWritten))
	}
}

func (w *Worker) logProgress() {
	snap := w.aggregator.Snapshot()
	w.snapshot.Store(snap)
	w.logger.Info().
		Int64("lines", snap.LinesRead).
		Int64("records", snap.TotalRecords()).
		Strs("open_kinds", w.accumulator.OpenKinds()).
		Msg("Collection progress")
}

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(int32(p))
	if w.collector != nil {
		w.collector.WorkerPhase.WithLabelValues(w.channel).Set(float64(p))
	}
}

func (w *Worker) fail(reason string, err error) {
	w.failMu.Lock()
	if w.failure == "" {
		w.failure = fmt.Sprintf("%s: %v", reason, err)
	}
	w.failMu.Unlock()
	w.setPhase(PhaseFailed)
	w.logger.Error().Err(err).Str("reason", reason).Msg("Channel collection failed")
}

// Summary maps the worker's final state onto its session summary entry.
// A worker that recovered from transport failures is degraded rather
// than alive; one still mid-retry when the session gave up is degraded
// with the transport named. The session overrides liveness to abandoned
// for workers that never stopped.
func (w *Worker) Summary() types.ChannelSummary {
	s := types.ChannelSummary{
		Channel: w.channel,
		Role:    w.role,
		Stats:   *w.Snapshot(),
	}

	switch w.Phase() {
	case PhaseFailed:
		s.Liveness = types.LivenessDead
		s.Reason = w.FailureReason()
	case PhaseStopped:
		switch {
		case w.reopens.Load() > 0:
			s.Liveness = types.LivenessDegraded
			s.Reason = fmt.Sprintf("transport reopened %d times", w.reopens.Load())
		case w.retries.Load() > 0:
			s.Liveness = types.LivenessDegraded
			s.Reason = "transport down at session end"
		default:
			s.Liveness = types.LivenessAlive
		}
	default:
		s.Liveness = types.LivenessAbandoned
		s.Reason = fmt.Sprintf("worker did not stop, last phase %s", w.Phase())
	}
	return s
}

// HealthCheck exposes the worker on the health endpoint. Running maps
// to healthy, a failed worker to unhealthy, everything else to
// degraded.
func (w *Worker) HealthCheck() health.HealthCheck {
	return health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		snap := w.Snapshot()
		meta := map[string]interface{}{
			"phase":      w.Phase().String(),
			"lines_read": snap.LinesRead,
			"records":    snap.TotalRecords(),
		}
		switch w.Phase() {
		case PhaseRunning:
			return health.StatusHealthy, "channel is collecting", meta
		case PhaseFailed:
			return health.StatusUnhealthy, w.FailureReason(), meta
		case PhaseDraining:
			return health.StatusDegraded, "channel is draining", meta
		case PhaseStopped:
			return health.StatusDegraded, "channel stopped", meta
		default:
			return health.StatusDegraded, "channel is starting", meta
		}
	})
}
