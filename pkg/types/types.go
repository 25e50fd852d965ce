package types

import (
	"sort"
	"time"
)

// Line is a single decoded unit of input text read from one channel.
// Lines are ephemeral; only their derived effects are persisted.
type Line struct {
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	ReadAt  time.Time `json:"read_at"`
}

// FieldValue carries the exact text captured from a line and, when the
// field is numeric, the parsed number.
type FieldValue struct {
	Text    string  `json:"text"`
	Number  float64 `json:"number,omitempty"`
	Numeric bool    `json:"numeric,omitempty"`
}

// FieldUpdate is a typed key/value fact extracted from one line,
// destined for the open record of the named kind.
type FieldUpdate struct {
	Kind  string
	Name  string
	Value FieldValue
}

// Record is a set of named fields assembled from one or more lines on a
// single channel. Timestamp is set when the record begins accumulating.
// Raw holds the text of the last line that contributed to it.
type Record struct {
	Channel   string                `json:"channel"`
	Role      string                `json:"role,omitempty"`
	Kind      string                `json:"kind"`
	Timestamp time.Time             `json:"timestamp"`
	Fields    map[string]FieldValue `json:"fields"`
	Raw       string                `json:"raw,omitempty"`
}

// Clone returns a deep copy so the emitted record stays immutable while
// the accumulator reuses its open state.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]FieldValue, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Field returns the captured text for a field name, or "" when absent.
func (r *Record) Field(name string) string {
	return r.Fields[name].Text
}

// Has reports whether the record carries a value for every named field.
func (r *Record) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := r.Fields[n]; !ok {
			return false
		}
	}
	return true
}

// FilePosition tracks a tail source's resume offset
type FilePosition struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  uint64 `json:"inode"`
}

// Liveness is a channel's final outcome in the session summary.
type Liveness string

const (
	LivenessAlive     Liveness = "alive"
	LivenessDegraded  Liveness = "degraded"
	LivenessDead      Liveness = "dead"
	LivenessAbandoned Liveness = "abandoned"
)

// ChannelStats is an immutable snapshot of one channel's running
// statistics. Extrema are seeded from the first observation; Seeded
// distinguishes "never observed" from a genuine zero.
type ChannelStats struct {
	Channel           string           `json:"channel"`
	LinesRead         int64            `json:"lines_read"`
	Records           map[string]int64 `json:"records"`
	DroppedIncomplete map[string]int64 `json:"dropped_incomplete,omitempty"`
	Seeded            bool             `json:"seeded"`
	MaxDutyCyclePct   float64          `json:"max_duty_cycle_pct"`
	MinMemoryFreeKB   float64          `json:"min_memory_free_kb"`
	QueueDropped      float64          `json:"queue_dropped"`
	Violations        float64          `json:"violations"`
	PacketSources     []string         `json:"packet_sources,omitempty"`
}

// TotalRecords sums the per-kind record counts.
func (s *ChannelStats) TotalRecords() int64 {
	var n int64
	for _, c := range s.Records {
		n += c
	}
	return n
}

// ChannelSummary is one channel's final stats and liveness outcome.
type ChannelSummary struct {
	Channel  string       `json:"channel"`
	Role     string       `json:"role,omitempty"`
	Liveness Liveness     `json:"liveness"`
	Reason   string       `json:"reason,omitempty"`
	Stats    ChannelStats `json:"stats"`
}

// SessionSummary aggregates every channel's outcome for one collection
// session. Produced once at session end and read-only thereafter.
type SessionSummary struct {
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         time.Time        `json:"ended_at"`
	Duration        time.Duration    `json:"duration"`
	Channels        []ChannelSummary `json:"channels"`
	HealthyChannels int              `json:"healthy_channels"`
	TotalRecords    int64            `json:"total_records"`
	TotalLines      int64            `json:"total_lines"`
}

// Sort orders channel summaries by channel name so summary output is
// stable across runs.
func (s *SessionSummary) Sort() {
	sort.Slice(s.Channels, func(i, j int) bool {
		return s.Channels[i].Channel < s.Channels[j].Channel
	})
}
