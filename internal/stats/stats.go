package stats

import (
	"sort"

	"github.com/xmesh/meshcollect/pkg/types"
)

// Field names the aggregator watches on closed records.
const (
	fieldDutyCycle    = "duty_cycle_pct"
	fieldMemoryFree   = "memory_free_kb"
	fieldQueueDropped = "queue_dropped"
	fieldViolations   = "violations"
	fieldPacketSource = "packet_source"
)

// Aggregator keeps one channel's running statistics. Extrema are seeded
// from the first observation rather than compared against a sentinel, so
// a genuine zero survives. Drop and violation counters are cumulative
// firmware totals: the latest value wins, it is not summed. Owned by a
// single worker; not safe for concurrent use.
type Aggregator struct {
	channel string

	linesRead  int64
	records    map[string]int64
	dropped    map[string]int64
	sources    map[string]struct{}
	seededDuty bool
	seededMem  bool
	maxDuty    float64
	minMemory  float64
	queueDrops float64
	violations float64
}

// New creates an aggregator for one channel.
func New(channel string) *Aggregator {
	return &Aggregator{
		channel: channel,
		records: make(map[string]int64),
		dropped: make(map[string]int64),
		sources: make(map[string]struct{}),
	}
}

// AddLines counts lines handed to the extractor.
func (a *Aggregator) AddLines(n int64) {
	a.linesRead += n
}

// Observe folds one closed record into the running statistics.
func (a *Aggregator) Observe(rec *types.Record) {
	a.records[rec.Kind]++

	if v, ok := numeric(rec, fieldDutyCycle); ok {
		if !a.seededDuty || v > a.maxDuty {
			a.maxDuty = v
		}
		a.seededDuty = true
	}
	if v, ok := numeric(rec, fieldMemoryFree); ok {
		if !a.seededMem || v < a.minMemory {
			a.minMemory = v
		}
		a.seededMem = true
	}
	if v, ok := numeric(rec, fieldQueueDropped); ok {
		a.queueDrops = v
	}
	if v, ok := numeric(rec, fieldViolations); ok {
		a.violations = v
	}
	if src := rec.Field(fieldPacketSource); src != "" {
		a.sources[src] = struct{}{}
	}
}

// SetDropped replaces the per-kind dropped-incomplete counts with the
// accumulator's totals.
func (a *Aggregator) SetDropped(dropped map[string]int64) {
	a.dropped = make(map[string]int64, len(dropped))
	for k, v := range dropped {
		a.dropped[k] = v
	}
}

// Snapshot returns an immutable copy of the running statistics.
func (a *Aggregator) Snapshot() *types.ChannelStats {
	s := &types.ChannelStats{
		Channel:         a.channel,
		LinesRead:       a.linesRead,
		Records:         make(map[string]int64, len(a.records)),
		Seeded:          a.seededDuty || a.seededMem,
		MaxDutyCyclePct: a.maxDuty,
		MinMemoryFreeKB: a.minMemory,
		QueueDropped:    a.queueDrops,
		Violations:      a.violations,
	}
	for k, v := range a.records {
		s.Records[k] = v
	}
	if len(a.dropped) > 0 {
		s.DroppedIncomplete = make(map[string]int64, len(a.dropped))
		for k, v := range a.dropped {
			s.DroppedIncomplete[k] = v
		}
	}
	if len(a.sources) > 0 {
		s.PacketSources = make([]string, 0, len(a.sources))
		for src := range a.sources {
			s.PacketSources = append(s.PacketSources, src)
		}
		sort.Strings(s.PacketSources)
	}
	return s
}

func numeric(rec *types.Record, name string) (float64, bool) {
	v, ok := rec.Fields[name]
	if !ok || !v.Numeric {
		return 0, false
	}
	return v.Number, true
}
