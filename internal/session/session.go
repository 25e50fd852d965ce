// Package session coordinates one bounded collection run: it builds a
// worker per configured channel, starts them, waits for the session
// duration to elapse or the context to be cancelled, drains every
// worker under a shared grace deadline, and assembles the session
// summary from each worker's final snapshot. Workers that do not stop
// within the grace period are abandoned, not force-killed; their last
// published snapshot still makes it into the summary.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xmesh/meshcollect/internal/checkpoint"
	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/internal/dlq"
	"github.com/xmesh/meshcollect/internal/extract"
	"github.com/xmesh/meshcollect/internal/health"
	"github.com/xmesh/meshcollect/internal/journal"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/metrics"
	"github.com/xmesh/meshcollect/internal/reliability"
	"github.com/xmesh/meshcollect/internal/sink"
	"github.com/xmesh/meshcollect/internal/source"
	"github.com/xmesh/meshcollect/internal/tracing"
	"github.com/xmesh/meshcollect/internal/worker"
	"github.com/xmesh/meshcollect/pkg/types"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateDone
)

// Dependencies carries the shared infrastructure the session wires into
// every channel. All fields are optional; a zero value runs a bare
// CSV-only session.
type Dependencies struct {
	Forwarders  []sink.Forwarder
	DeadLetters *dlq.DeadLetterQueue
	Checkpoints *checkpoint.Manager
	Metrics     *metrics.Collector
	FieldGauges *metrics.FieldGauges
	Health      *health.Checker
	Tracer      trace.Tracer
	Logger      *logging.Logger
}

// Session owns the workers of one collection run.
type Session struct {
	config    *config.Config
	workers   []*worker.Worker
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *logging.Logger
	root      *logging.Logger
	state     atomic.Int32
}

// New builds the per-channel pipelines. Construction is fail-fast: a
// channel whose profile, sink or journal cannot be set up aborts the
// whole session before any worker starts. Source transports are not
// opened here; that is each worker's Starting phase.
func New(cfg *config.Config, deps Dependencies) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Global()
	}

	// Children tag their own component; handing them the session's
	// tagged logger would stack duplicate component fields.
	s := &Session{
		config:    cfg,
		collector: deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger.WithComponent("session"),
		root:      logger,
	}

	for _, ch := range cfg.Channels {
		w, err := s.buildWorker(ch, deps)
		if err != nil {
			for _, built := range s.workers {
				built.Release()
			}
			return nil, err
		}
		s.workers = append(s.workers, w)
		if deps.Health != nil {
			deps.Health.Register("channel:"+ch.Name, w.HealthCheck())
		}
	}

	if deps.Health != nil {
		deps.Health.Register("session", s.HealthCheck())
	}
	return s, nil
}

func (s *Session) buildWorker(ch config.ChannelConfig, deps Dependencies) (*worker.Worker, error) {
	profile, err := extract.ProfileByName(ch.Profile)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
	}
	profile, err = profile.WithPredicates(ch.Predicates)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
	}

	src, err := source.FromConfig(ch, deps.Checkpoints, s.root)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
	}

	csv, err := sink.NewCSVSink(s.config.SessionDir(), ch.Name, profile.Columns)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
	}

	var recordSink sink.Sink = csv
	if len(deps.Forwarders) > 0 {
		recordSink = sink.NewTeeSink(csv, deps.Forwarders, deps.DeadLetters, s.root)
	}

	var jnl *journal.Journal
	if jc := s.config.Journal; jc != nil && jc.Enabled {
		// Each channel gets its own segment directory; segment names
		// carry no channel component.
		jnl, err = journal.Open(ch.Name, journal.Config{
			Dir:          filepath.Join(jc.Dir, ch.Name),
			SegmentSize:  jc.SegmentSize,
			MaxSegments:  jc.MaxSegments,
			SyncInterval: jc.SyncInterval,
		})
		if err != nil {
			_ = csv.Close()
			_ = src.Close()
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
	}

	var retry reliability.RetryConfig
	if rc := s.config.Retry; rc != nil {
		retry = reliability.RetryConfig{
			MaxRetries:     rc.MaxRetries,
			InitialBackoff: rc.InitialBackoff,
			MaxBackoff:     rc.MaxBackoff,
			Multiplier:     rc.Multiplier,
			Jitter:         rc.Jitter,
		}
	}

	return worker.New(worker.Config{
		Channel:          ch.Name,
		Role:             ch.Role,
		Source:           src,
		Extractor:        extract.NewExtractor(profile),
		Sink:             recordSink,
		Journal:          jnl,
		ReadTimeout:      ch.ReadTimeout,
		ProgressInterval: s.config.Session.ProgressInterval,
		Retry:            retry,
		Metrics:          deps.Metrics,
		FieldGauges:      deps.FieldGauges,
		Logger:           s.root,
	})
}

// Workers returns the session's workers in configuration order.
func (s *Session) Workers() []*worker.Worker {
	return s.workers
}

// Run executes the session: start, wait, drain, join, summarize. It
// always returns a summary, even when every channel failed; the error
// reports only a failure to persist summary.json, which the caller may
// treat as non-fatal since the summary is also returned and logged.
func (s *Session) Run(ctx context.Context) (*types.SessionSummary, error) {
	start := time.Now()
	s.state.Store(stateRunning)

	if s.collector != nil {
		s.collector.SessionChannels.Set(float64(len(s.workers)))
	}

	runCtx := ctx
	if s.tracer != nil {
		var span trace.Span
		runCtx, span = tracing.TraceSession(ctx, s.tracer, s.config.Session.Name, len(s.workers))
		defer span.End()
	}

	spans := make([]trace.Span, len(s.workers))
	for i, w := range s.workers {
		if s.tracer != nil {
			_, spans[i] = tracing.TraceChannel(runCtx, s.tracer, w.Channel(), w.SourceType())
		}
		w.Start(runCtx)
	}

	s.logger.Info().
		Int("channels", len(s.workers)).
		Dur("duration", s.config.Session.Duration).
		Str("output_dir", s.config.SessionDir()).
		Msg("Collection session started")

	timer := time.NewTimer(s.config.Session.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.logger.Info().Msg("Session duration elapsed, draining channels")
	case <-ctx.Done():
		s.logger.Info().Msg("Session cancelled, draining channels")
	}

	for _, w := range s.workers {
		w.Drain()
	}

	deadline := time.Now().Add(s.config.Session.GracePeriod)
	for i, w := range s.workers {
		if !joinWorker(w, deadline) {
			s.logger.Warn().
				Str("channel", w.Channel()).
				Str("phase", w.Phase().String()).
				Msg("Channel did not drain within grace period, abandoning")
		}
		if spans[i] != nil {
			cs := w.Summary()
			spans[i].SetAttributes(
				attribute.String("channel.liveness", string(cs.Liveness)),
				attribute.Int64("channel.records", cs.Stats.TotalRecords()),
			)
			spans[i].End()
		}
	}

	summary := s.summarize(start)
	if s.collector != nil {
		s.collector.SessionHealthyChannels.Set(float64(summary.HealthyChannels))
		s.collector.SessionDurationSeconds.Set(summary.Duration.Seconds())
	}
	s.logOutcome(summary)

	err := s.writeSummary(summary)
	s.state.Store(stateDone)
	return summary, err
}

// joinWorker waits for one worker under the shared drain deadline.
func joinWorker(w *worker.Worker, deadline time.Time) bool {
	wait := time.Until(deadline)
	if wait <= 0 {
		select {
		case <-w.Done():
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-w.Done():
		return true
	case <-timer.C:
		return false
	}
}

// summarize folds every worker's final snapshot and liveness into the
// session summary. A channel counts as healthy only when it ended
// alive; degraded channels delivered data but are reported separately.
func (s *Session) summarize(start time.Time) *types.SessionSummary {
	summary := &types.SessionSummary{
		StartedAt: start,
		EndedAt:   time.Now(),
		Channels:  make([]types.ChannelSummary, 0, len(s.workers)),
	}
	summary.Duration = summary.EndedAt.Sub(summary.StartedAt)

	for _, w := range s.workers {
		cs := w.Summary()
		summary.Channels = append(summary.Channels, cs)
		summary.TotalRecords += cs.Stats.TotalRecords()
		summary.TotalLines += cs.Stats.LinesRead
		if cs.Liveness == types.LivenessAlive {
			summary.HealthyChannels++
		}
	}
	summary.Sort()
	return summary
}

func (s *Session) logOutcome(summary *types.SessionSummary) {
	for _, cs := range summary.Channels {
		evt := s.logger.Info().
			Str("channel", cs.Channel).
			Str("liveness", string(cs.Liveness)).
			Int64("records", cs.Stats.TotalRecords()).
			Int64("lines", cs.Stats.LinesRead)
		if cs.Reason != "" {
			evt = evt.Str("reason", cs.Reason)
		}
		evt.Msg("Channel outcome")
	}

	s.logger.Info().
		Int("healthy", summary.HealthyChannels).
		Int("channels", len(summary.Channels)).
		Int64("records", summary.TotalRecords).
		Int64("lines", summary.TotalLines).
		Dur("elapsed", summary.Duration).
		Msg("Collection session finished")
}

// writeSummary persists summary.json into the session directory. The
// temp-then-rename dance keeps a crashed write from leaving a truncated
// summary, and the .tmp suffix keeps the artifact uploader from
// shipping one.
func (s *Session) writeSummary(summary *types.SessionSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	dir := s.config.SessionDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(dir, "summary.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Session summary written")
	return nil
}

// HealthCheck exposes the session on the health endpoint. The session
// is healthy only while collecting; before start and after completion
// it reports degraded so the readiness probe flips accordingly.
func (s *Session) HealthCheck() health.HealthCheck {
	return health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		meta := map[string]interface{}{"channels": len(s.workers)}
		switch s.state.Load() {
		case stateRunning:
			return health.StatusHealthy, "session is collecting", meta
		case stateDone:
			return health.StatusDegraded, "session complete", meta
		default:
			return health.StatusDegraded, "session not started", meta
		}
	})
}
