package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/pkg/types"
)

// fieldLabels are attached to every bridged metric so dashboards can
// split by channel and record kind.
var fieldLabels = []string{"channel", "kind"}

// FieldGauges mirrors fields of closed records onto live Prometheus
// metrics, so duty cycle or queue drops can be watched while a test
// is still running.
type FieldGauges struct {
	rules []fieldRule
}

type fieldRule struct {
	field   string
	kinds   map[string]bool
	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec
	hist    *prometheus.HistogramVec
}

// NewFieldGauges registers one metric per configured rule on the given
// registry. Rule names must be unique; an unknown type or a duplicate
// registration is a configuration error.
func NewFieldGauges(registry *prometheus.Registry, rules []config.FieldGaugeRule) (*FieldGauges, error) {
	fg := &FieldGauges{}

	for _, rc := range rules {
		r := fieldRule{field: rc.Field}
		if len(rc.Kinds) > 0 {
			r.kinds = make(map[string]bool, len(rc.Kinds))
			for _, k := range rc.Kinds {
				r.kinds[k] = true
			}
		}

		var collector prometheus.Collector
		switch rc.Type {
		case "counter":
			r.counter = prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "field",
					Name:      rc.Name,
					Help:      rc.Help,
				},
				fieldLabels,
			)
			collector = r.counter

		case "gauge":
			r.gauge = prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Subsystem: "field",
					Name:      rc.Name,
					Help:      rc.Help,
				},
				fieldLabels,
			)
			collector = r.gauge

		case "histogram":
			buckets := rc.Buckets
			if buckets == nil {
				buckets = prometheus.DefBuckets
			}
			r.hist = prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: "field",
					Name:      rc.Name,
					Help:      rc.Help,
					Buckets:   buckets,
				},
				fieldLabels,
			)
			collector = r.hist

		default:
			return nil, fmt.Errorf("unsupported field gauge type: %s", rc.Type)
		}

		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register field gauge %s: %w", rc.Name, err)
		}

		fg.rules = append(fg.rules, r)
	}

	return fg, nil
}

// Observe feeds one closed record through every matching rule. Records
// without the rule's field, or with a value that is not numeric, are
// skipped.
func (f *FieldGauges) Observe(rec *types.Record) {
	for i := range f.rules {
		r := &f.rules[i]
		if r.kinds != nil && !r.kinds[rec.Kind] {
			continue
		}

		fv, ok := rec.Fields[r.field]
		if !ok {
			continue
		}

		value := fv.Number
		if !fv.Numeric {
			parsed, err := strconv.ParseFloat(fv.Text, 64)
			if err != nil {
				continue
			}
			value = parsed
		}

		labels := prometheus.Labels{"channel": rec.Channel, "kind": rec.Kind}

		switch {
		case r.counter != nil:
			// Counters reject negative deltas; a field like rssi_dbm
			// must not panic the worker.
			if value < 0 {
				continue
			}
			r.counter.With(labels).Add(value)
		case r.gauge != nil:
			r.gauge.With(labels).Set(value)
		case r.hist != nil:
			r.hist.With(labels).Observe(value)
		}
	}
}

// Rules reports how many rules are active.
func (f *FieldGauges) Rules() int {
	return len(f.rules)
}
