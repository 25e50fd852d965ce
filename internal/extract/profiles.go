package extract

import (
	"fmt"
	"regexp"
	"sort"
)

// Built-in profiles for the xMESH firmware variants. Patterns follow the
// diagnostic output of the node, gateway and single-node builds.
var builtins = map[string]func() *Profile{
	"multinode":  Multinode,
	"gateway":    Gateway,
	"singlenode": Singlenode,
}

// ProfileByName returns a fresh instance of a built-in profile
func ProfileByName(name string) (*Profile, error) {
	ctor, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return ctor(), nil
}

// ProfileNames lists the built-in profile names in sorted order
func ProfileNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Multinode matches the periodic monitoring block plus TX/RX packet
// events printed by mesh relay and sensor nodes
func Multinode() *Profile {
	return &Profile{
		Name: "multinode",
		Headers: []HeaderRule{
			{Kind: "monitoring", Pattern: regexp.MustCompile(`==== Network Monitoring Stats ====`)},
		},
		Matchers: []Matcher{
			{
				Name:    "channel",
				Kind:    "monitoring",
				Pattern: regexp.MustCompile(`Channel: ([\d.]+)% duty-cycle, (\d+) TX, (\d+) violations`),
				Fields: []Field{
					{Name: "duty_cycle_pct", Numeric: true},
					{Name: "tx_count", Numeric: true},
					{Name: "violations", Numeric: true},
				},
			},
			{
				Name:    "memory",
				Kind:    "monitoring",
				Pattern: regexp.MustCompile(`Memory: (\d+)/(\d+) KB free, Min: (\d+) KB, Peak: (\d+) KB`),
				Fields: []Field{
					{Name: "memory_free_kb", Numeric: true},
					{Name: "memory_total_kb", Numeric: true},
					{Name: "memory_min_kb", Numeric: true},
					{Name: "memory_peak_kb", Numeric: true},
				},
			},
			{
				Name:    "queue",
				Kind:    "monitoring",
				Pattern: regexp.MustCompile(`Queue: (\d+) enqueued, (\d+) dropped \(([\d.]+)%\), max depth: (\d+)`),
				Fields: []Field{
					{Name: "queue_enqueued", Numeric: true},
					{Name: "queue_dropped", Numeric: true},
					{Name: "queue_drop_rate_pct", Numeric: true},
					{Name: "queue_max_depth", Numeric: true},
				},
			},
			{
				Name:    "routing",
				Kind:    "monitoring",
				Pattern: regexp.MustCompile(`Routing table: (\d+) entries`),
				Fields: []Field{
					{Name: "routing_table_entries", Numeric: true},
				},
			},
			{
				Name:    "tx",
				Kind:    "tx",
				Pattern: regexp.MustCompile(`TX: Seq=(\d+)`),
				Fields: []Field{
					{Name: "packet_seq", Numeric: true},
				},
			},
			{
				Name:    "rx",
				Kind:    "rx",
				Pattern: regexp.MustCompile(`RX: Seq=(\d+) From=([A-F0-9]+)`),
				Fields: []Field{
					{Name: "packet_seq", Numeric: true},
					{Name: "packet_source"},
				},
			},
		},
		Kinds: map[string]KindSpec{
			"monitoring": {Required: []string{"duty_cycle_pct", "memory_free_kb", "queue_enqueued"}},
			"tx":         {Required: []string{"packet_seq"}, Headerless: true},
			"rx":         {Required: []string{"packet_seq", "packet_source"}, Headerless: true},
		},
		Columns: []string{
			"duty_cycle_pct", "tx_count", "violations",
			"memory_free_kb", "memory_total_kb", "memory_min_kb", "memory_peak_kb",
			"queue_enqueued", "queue_dropped", "queue_drop_rate_pct", "queue_max_depth",
			"routing_table_entries",
			"packet_seq", "packet_source",
		},
	}
}

// Gateway matches the gateway build: the same monitoring block plus
// packet arrivals in either the GATEWAY or the RX print format
func Gateway() *Profile {
	p := Multinode()
	p.Name = "gateway"

	// Swap the node packet matchers for the gateway arrival formats.
	matchers := make([]Matcher, 0, len(p.Matchers))
	for _, m := range p.Matchers {
		if m.Kind == "monitoring" {
			matchers = append(matchers, m)
		}
	}
	p.Matchers = append(matchers,
		Matcher{
			Name:    "gateway_packet",
			Kind:    "packet",
			Pattern: regexp.MustCompile(`GATEWAY: Packet (\d+) from ([A-F0-9]+) received \(hops=(\d+)`),
			Fields: []Field{
				{Name: "packet_seq", Numeric: true},
				{Name: "packet_source"},
				{Name: "packet_hops", Numeric: true},
			},
		},
		Matcher{
			Name:    "rx_packet",
			Kind:    "packet",
			Pattern: regexp.MustCompile(`RX: Seq=(\d+) From=([A-F0-9]+) Hops=(\d+)`),
			Fields: []Field{
				{Name: "packet_seq", Numeric: true},
				{Name: "packet_source"},
				{Name: "packet_hops", Numeric: true},
			},
		},
	)

	p.Kinds = map[string]KindSpec{
		"monitoring": {Required: []string{"duty_cycle_pct", "memory_free_kb"}},
		"packet":     {Required: []string{"packet_seq", "packet_source"}, Headerless: true},
	}
	p.Columns = []string{
		"duty_cycle_pct", "tx_count", "violations",
		"memory_free_kb", "memory_total_kb", "memory_min_kb", "memory_peak_kb",
		"queue_enqueued", "queue_dropped", "queue_drop_rate_pct", "queue_max_depth",
		"routing_table_entries",
		"packet_seq", "packet_source", "packet_hops",
	}
	return p
}

// Singlenode matches the point-to-point test build: per-packet RX lines
// with payload values, link quality prints, the neighbor table dump and
// heartbeats. Every kind is headerless.
func Singlenode() *Profile {
	return &Profile{
		Name: "singlenode",
		Matchers: []Matcher{
			{
				Name:    "rx",
				Kind:    "rx",
				Pattern: regexp.MustCompile(`RX: Seq=(\d+) From=([A-F0-9]+) Hops=(\d+) Value=([\d.]+)`),
				Fields: []Field{
					{Name: "packet_seq", Numeric: true},
					{Name: "packet_source"},
					{Name: "packet_hops", Numeric: true},
					{Name: "value", Numeric: true},
				},
			},
			{
				Name:    "link_quality",
				Kind:    "link",
				Pattern: regexp.MustCompile(`Link quality: SNR=(-?\d+) dB, Est\.RSSI=(-?\d+) dBm`),
				Fields: []Field{
					{Name: "snr_db", Numeric: true},
					{Name: "rssi_dbm", Numeric: true},
				},
			},
			{
				// One row of the firmware's neighbor table:
				// ADDR | RSSI | SNR | ETX
				Name:    "link_metrics",
				Kind:    "link",
				Pattern: regexp.MustCompile(`([A-F0-9]+)\s+\|\s*(-?\d+)\s+\|\s*(-?\d+)\s+\|\s*([\d.]+)`),
				Fields: []Field{
					{Name: "neighbor_addr"},
					{Name: "rssi_dbm", Numeric: true},
					{Name: "snr_db", Numeric: true},
					{Name: "link_cost", Numeric: true},
				},
			},
			{
				Name:    "heartbeat",
				Kind:    "heartbeat",
				Pattern: regexp.MustCompile(`\[(\d+)\] Heartbeat - Node ([A-F0-9]+) \(([GSR])\) - Uptime: (\d+) sec`),
				Fields: []Field{
					{Name: "heartbeat_seq", Numeric: true},
					{Name: "node_addr"},
					{Name: "node_role"},
					{Name: "uptime_sec", Numeric: true},
				},
			},
		},
		Kinds: map[string]KindSpec{
			"rx":        {Required: []string{"packet_seq", "packet_source"}, Headerless: true},
			"link":      {Required: []string{"snr_db", "rssi_dbm"}, Headerless: true},
			"heartbeat": {Required: []string{"uptime_sec"}, Headerless: true},
		},
		Columns: []string{
			"packet_seq", "packet_source", "packet_hops", "value",
			"snr_db", "rssi_dbm", "neighbor_addr", "link_cost",
			"heartbeat_seq", "node_addr", "node_role", "uptime_sec",
		},
	}
}
