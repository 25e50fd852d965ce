package sink

import (
	"context"

	"github.com/xmesh/meshcollect/internal/dlq"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/reliability"
	"github.com/xmesh/meshcollect/pkg/types"
)

// TeeSink writes every record to the durable primary first, then offers
// it to each forwarder behind that forwarder's circuit breaker. A
// primary failure is returned to the caller; forwarder failures spill
// to the dead letter queue and are never returned.
type TeeSink struct {
	primary    Sink
	forwarders []*guarded
	queue      *dlq.DeadLetterQueue
	logger     *logging.Logger
}

// guarded pairs a forwarder with its circuit breaker. The breaker is
// per tee, so one stalled channel cannot trip forwarding for the rest.
type guarded struct {
	forwarder Forwarder
	breaker   *reliability.CircuitBreaker
}

// NewTeeSink wraps primary with best-effort fan-out. The forwarders and
// queue are shared across channels and stay open when the tee closes;
// queue may be nil, in which case failed forwards are only counted.
func NewTeeSink(primary Sink, forwarders []Forwarder, queue *dlq.DeadLetterQueue, logger *logging.Logger) *TeeSink {
	logger = logger.WithComponent("sink-tee")
	t := &TeeSink{
		primary: primary,
		queue:   queue,
		logger:  logger,
	}

	for _, f := range forwarders {
		name := f.Name()
		t.forwarders = append(t.forwarders, &guarded{
			forwarder: f,
			breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
				OnStateChange: func(from, to reliability.State) {
					logger.Warn().
						Str("forwarder", name).
						Str("from", from.String()).
						Str("to", to.String()).
						Msg("Forwarder circuit state changed")
				},
			}),
		})
	}

	return t
}

// Append writes the record durably, then fans it out.
func (t *TeeSink) Append(ctx context.Context, rec *types.Record) error {
	if err := t.primary.Append(ctx, rec); err != nil {
		return err
	}

	for _, g := range t.forwarders {
		err := g.breaker.Execute(ctx, func() error {
			return g.forwarder.Forward(ctx, rec)
		})
		if err == nil {
			continue
		}

		t.logger.Debug().
			Err(err).
			Str("forwarder", g.forwarder.Name()).
			Str("channel", rec.Channel).
			Str("kind", rec.Kind).
			Msg("Forward failed, spilling to dead letter queue")

		if t.queue != nil {
			if qErr := t.queue.Enqueue(rec, g.forwarder.Name(), err); qErr != nil {
				t.logger.Warn().
					Err(qErr).
					Str("forwarder", g.forwarder.Name()).
					Msg("Failed to spill record to dead letter queue")
			}
		}
	}

	return nil
}

// Close closes the primary. Shared forwarders and the queue are closed
// by their owner after every channel has drained.
func (t *TeeSink) Close() error {
	return t.primary.Close()
}

// Name returns the sink name.
func (t *TeeSink) Name() string {
	return "tee"
}

// Metrics returns the primary's metrics; forwarders report their own.
func (t *TeeSink) Metrics() *Metrics {
	return t.primary.Metrics()
}
