package assemble

import (
	"sort"
	"time"

	"github.com/xmesh/meshcollect/internal/extract"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/pkg/types"
)

// Accumulator reassembles records from the partial field updates of one
// channel. Each record kind has its own open slot, so a packet record is
// never blocked behind an in-progress monitoring record. Owned by a
// single worker; not safe for concurrent use.
type Accumulator struct {
	channel string
	role    string
	profile *extract.Profile
	logger  *logging.Logger

	open    map[string]*types.Record
	dropped map[string]int64
}

// NewAccumulator creates an accumulator for one channel.
func NewAccumulator(channel, role string, profile *extract.Profile, logger *logging.Logger) *Accumulator {
	return &Accumulator{
		channel: channel,
		role:    role,
		profile: profile,
		logger:  logger.WithComponent("assemble").WithChannel(channel),
		open:    make(map[string]*types.Record),
		dropped: make(map[string]int64),
	}
}

// Apply folds one line's extraction results into the per-kind open
// records and returns the records the line completed, in the order their
// kinds were touched.
//
// A header opens a fresh record of its kind, discarding any unfinished
// one. A field update lands on the kind's open record, overwriting an
// existing value; with no open record, headerless kinds open directly on
// the update while header-requiring kinds drop it silently.
func (a *Accumulator) Apply(line *types.Line, updates []types.FieldUpdate, headerKinds []string) []*types.Record {
	var touched []string
	touch := func(kind string) {
		for _, k := range touched {
			if k == kind {
				return
			}
		}
		touched = append(touched, kind)
	}

	for _, kind := range headerKinds {
		if prev, ok := a.open[kind]; ok {
			a.dropped[kind]++
			a.logger.Debug().
				Str("kind", kind).
				Int("fields", len(prev.Fields)).
				Msg("Discarding unfinished record on new header")
		}
		a.open[kind] = a.newRecord(kind, line)
		touch(kind)
	}

	for _, u := range updates {
		rec, ok := a.open[u.Kind]
		if !ok {
			spec, known := a.profile.Kinds[u.Kind]
			if !known || !spec.Headerless {
				// No open record and no header context.
				continue
			}
			rec = a.newRecord(u.Kind, line)
			a.open[u.Kind] = rec
		}
		rec.Fields[u.Name] = u.Value
		rec.Raw = line.Text
		touch(u.Kind)
	}

	var closed []*types.Record
	for _, kind := range touched {
		rec, ok := a.open[kind]
		if !ok {
			continue
		}
		if rec.Has(a.profile.Kinds[kind].Required...) {
			delete(a.open, kind)
			closed = append(closed, rec)
		}
	}
	return closed
}

func (a *Accumulator) newRecord(kind string, line *types.Line) *types.Record {
	ts := line.ReadAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &types.Record{
		Channel:   a.channel,
		Role:      a.role,
		Kind:      kind,
		Timestamp: ts,
		Fields:    make(map[string]types.FieldValue, 8),
		Raw:       line.Text,
	}
}

// DiscardOpen drops every still-open record at teardown and returns the
// cumulative per-kind dropped-incomplete counts.
func (a *Accumulator) DiscardOpen() map[string]int64 {
	for kind, rec := range a.open {
		a.dropped[kind]++
		a.logger.Debug().
			Str("kind", kind).
			Int("fields", len(rec.Fields)).
			Msg("Discarding unfinished record at teardown")
		delete(a.open, kind)
	}
	return a.Dropped()
}

// Dropped returns a copy of the per-kind dropped-incomplete counts.
func (a *Accumulator) Dropped() map[string]int64 {
	out := make(map[string]int64, len(a.dropped))
	for k, v := range a.dropped {
		out[k] = v
	}
	return out
}

// OpenCount reports how many kinds currently hold an unfinished record.
func (a *Accumulator) OpenCount() int {
	return len(a.open)
}

// OpenKinds lists the kinds with an unfinished record, sorted for stable
// progress output.
func (a *Accumulator) OpenKinds() []string {
	kinds := make([]string, 0, len(a.open))
	for k := range a.open {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
