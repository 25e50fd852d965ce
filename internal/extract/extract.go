package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/xmesh/meshcollect/pkg/types"
)

// Field names one capture group of a matcher pattern
type Field struct {
	Name    string
	Numeric bool
}

// Matcher recognizes one categorical shape of line and yields partial
// field updates for its kind. Matchers are independent: every matcher is
// tested against every line, so a single line may contribute to more
// than one kind.
type Matcher struct {
	Name    string
	Kind    string
	Pattern *regexp.Regexp
	Fields  []Field
}

// HeaderRule recognizes a line that begins a new record of a kind. A
// header produces no field updates of its own.
type HeaderRule struct {
	Kind    string
	Pattern *regexp.Regexp
}

// KindSpec describes one record kind of a profile
type KindSpec struct {
	// Required is the completeness predicate: a record closes when every
	// listed field is present.
	Required []string
	// Headerless kinds open on their first field update instead of a
	// header signal.
	Headerless bool
}

// Profile bundles the header rules, matchers, kind predicates and CSV
// columns of one firmware line grammar
type Profile struct {
	Name     string
	Headers  []HeaderRule
	Matchers []Matcher
	Kinds    map[string]KindSpec
	Columns  []string
}

// WithPredicates returns a copy of the profile with the required-field
// sets of the named kinds replaced
func (p *Profile) WithPredicates(overrides map[string][]string) (*Profile, error) {
	if len(overrides) == 0 {
		return p, nil
	}

	c := *p
	c.Kinds = make(map[string]KindSpec, len(p.Kinds))
	for k, v := range p.Kinds {
		c.Kinds[k] = v
	}

	for kind, required := range overrides {
		spec, ok := c.Kinds[kind]
		if !ok {
			return nil, fmt.Errorf("profile %s has no kind %s", p.Name, kind)
		}
		spec.Required = required
		c.Kinds[kind] = spec
	}

	return &c, nil
}

// Stats tracks extractor counters
type Stats struct {
	Matched   uint64
	Unmatched uint64
}

// Extractor applies a profile's matchers to lines
type Extractor struct {
	profile *Profile

	matched   uint64
	unmatched uint64
}

// NewExtractor creates an extractor for the given profile
func NewExtractor(profile *Profile) *Extractor {
	return &Extractor{profile: profile}
}

// Profile returns the extractor's profile
func (e *Extractor) Profile() *Profile {
	return e.profile
}

// Extract runs every matcher against the line and returns the field
// updates plus the kinds whose header the line carries. A matcher whose
// numeric field fails to parse discards that matcher's entire
// contribution; other matchers' results are unaffected.
func (e *Extractor) Extract(text string) ([]types.FieldUpdate, []string) {
	var updates []types.FieldUpdate
	var headerKinds []string

	for i := range e.profile.Headers {
		h := &e.profile.Headers[i]
		if h.Pattern.MatchString(text) {
			headerKinds = append(headerKinds, h.Kind)
		}
	}

	for i := range e.profile.Matchers {
		m := &e.profile.Matchers[i]
		groups := m.Pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		contribution, ok := m.updates(groups)
		if !ok {
			continue
		}
		updates = append(updates, contribution...)
	}

	if len(updates) > 0 || len(headerKinds) > 0 {
		atomic.AddUint64(&e.matched, 1)
	} else {
		atomic.AddUint64(&e.unmatched, 1)
	}

	return updates, headerKinds
}

// Stats returns the extractor's counters
func (e *Extractor) Stats() Stats {
	return Stats{
		Matched:   atomic.LoadUint64(&e.matched),
		Unmatched: atomic.LoadUint64(&e.unmatched),
	}
}

// updates converts one regexp match into field updates. Returns false
// when a numeric capture does not parse; the caller then drops the
// whole contribution.
func (m *Matcher) updates(groups []string) ([]types.FieldUpdate, bool) {
	if len(groups) < len(m.Fields)+1 {
		return nil, false
	}

	out := make([]types.FieldUpdate, 0, len(m.Fields))
	for i, f := range m.Fields {
		captured := groups[i+1]
		value := types.FieldValue{Text: captured}
		if f.Numeric {
			n, err := strconv.ParseFloat(captured, 64)
			if err != nil {
				return nil, false
			}
			value.Number = n
			value.Numeric = true
		}
		out = append(out, types.FieldUpdate{Kind: m.Kind, Name: f.Name, Value: value})
	}

	return out, true
}
