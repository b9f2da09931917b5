package grouping

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// LCPElement is the consensus LCP of a group. XPath is empty when the consensus
// comes from the external background image signal, in which case External is set.
type LCPElement struct {
	XPath    string
	Element  *urlmetric.Element
	External *urlmetric.ExternalLCP
	// Votes is the number of valid records that reported this LCP.
	Votes int
}

// Key identifies the LCP for comparisons across groups.
func (l *LCPElement) Key() string {
	if l.XPath != "" {
		return l.XPath
	}
	if l.External != nil {
		return "external:" + l.External.Key()
	}
	return ""
}

// Group holds the URL Metrics whose viewport width lies within
// [MinimumViewportWidth, MaximumViewportWidth]. It is not safe for concurrent use.
type Group struct {
	min        int
	max        int
	sampleSize int
	policy     FreshnessPolicy
	now        func() time.Time

	metrics []*urlmetric.URLMetric

	lcp         *LCPElement
	lcpComputed bool
	// lcpAt is the clock reading the cached LCP was computed at. Freshness
	// depends on it, so a different reading invalidates the cache.
	lcpAt time.Time
}

// NewGroup creates an empty group. max may be Unbounded.
func NewGroup(min, max, sampleSize int, policy FreshnessPolicy, opts ...Option) (*Group, error) {
	if min < 0 {
		return nil, &ConfigError{Param: "minimum_viewport_width", Reason: "must be >= 0"}
	}
	if max < min {
		return nil, &ConfigError{Param: "maximum_viewport_width", Reason: fmt.Sprintf("must be >= minimum_viewport_width (%d)", min)}
	}
	if sampleSize <= 0 {
		return nil, &ConfigError{Param: "sample_size", Reason: "must be > 0"}
	}
	if policy.ttl < 0 {
		return nil, &ConfigError{Param: "freshness_ttl", Reason: "must be >= 0"}
	}
	o := newOptions(opts)
	return &Group{
		min:        min,
		max:        max,
		sampleSize: sampleSize,
		policy:     policy,
		now:        o.now,
	}, nil
}

// MinimumViewportWidth returns the inclusive lower bound.
func (g *Group) MinimumViewportWidth() int { return g.min }

// MaximumViewportWidth returns the inclusive upper bound, or Unbounded.
func (g *Group) MaximumViewportWidth() int { return g.max }

// SampleSize returns the number of fresh records needed for completeness.
func (g *Group) SampleSize() int { return g.sampleSize }

// FreshnessTTL returns the freshness TTL.
func (g *Group) FreshnessTTL() time.Duration { return g.policy.ttl }

// Range returns the group's viewport width range.
func (g *Group) Range() Range { return Range{Min: g.min, Max: g.max} }

// IsViewportWidthInRange reports whether width falls within the group.
func (g *Group) IsViewportWidthInRange(width int) bool {
	return width >= g.min && width <= g.max
}

// Add appends m to the group. When the group holds more than sample size
// records afterwards, the oldest records are evicted.
func (g *Group) Add(m *urlmetric.URLMetric) error {
	if !g.IsViewportWidthInRange(m.Viewport.Width) {
		return &RangeError{Width: m.Viewport.Width, Min: g.min, Max: g.max}
	}

	g.ClearCache()
	m.OnChange(g.ClearCache)
	g.metrics = append(g.metrics, m)

	if len(g.metrics) > g.sampleSize {
		slices.SortStableFunc(g.metrics, func(a, b *urlmetric.URLMetric) int {
			switch {
			case a.Timestamp > b.Timestamp:
				return -1
			case a.Timestamp < b.Timestamp:
				return 1
			}
			return 0
		})
		clear(g.metrics[g.sampleSize:])
		g.metrics = g.metrics[:g.sampleSize]
	}
	return nil
}

// ClearCache drops derived state. It is called on add and whenever a member
// record changes.
func (g *Group) ClearCache() {
	g.lcp = nil
	g.lcpComputed = false
	g.lcpAt = time.Time{}
}

// Count returns the number of records held, stale ones included.
func (g *Group) Count() int { return len(g.metrics) }

// URLMetrics returns the records held by the group.
func (g *Group) URLMetrics() []*urlmetric.URLMetric {
	return slices.Clone(g.metrics)
}

// IsComplete reports whether the group holds at least sample size records that
// are fresh and match the current ETag.
func (g *Group) IsComplete() bool {
	return len(g.validMetrics()) >= g.sampleSize
}

func (g *Group) validMetrics() []*urlmetric.URLMetric {
	return g.validMetricsAt(g.now())
}

func (g *Group) validMetricsAt(now time.Time) []*urlmetric.URLMetric {
	valid := make([]*urlmetric.URLMetric, 0, len(g.metrics))
	for _, m := range g.metrics {
		if g.policy.IsValid(m, now) {
			valid = append(valid, m)
		}
	}
	return valid
}

type vote struct {
	key   string
	count int
	lcp   LCPElement
}

// LCPElement returns the element that a strict majority of valid records report
// as LCP. Ties between equally common candidates go to the one seen first. When
// no XPath wins, the external background image signal is tallied the same way.
// It returns nil when there is no majority.
func (g *Group) LCPElement() *LCPElement {
	now := g.now()
	if g.lcpComputed && g.lcpAt.Equal(now) {
		return g.lcp
	}
	g.lcp = g.computeLCPElement(now)
	g.lcpComputed = true
	g.lcpAt = now
	return g.lcp
}

func (g *Group) computeLCPElement(now time.Time) *LCPElement {
	valid := g.validMetricsAt(now)
	if len(valid) == 0 {
		return nil
	}

	var byXPath, byExternal []*vote
	for _, m := range valid {
		if e := m.LCPElement(); e != nil {
			byXPath = tally(byXPath, e.XPath, LCPElement{XPath: e.XPath, Element: e})
		}
		if x, ok := m.ExternalLCP(); ok {
			byExternal = tally(byExternal, x.Key(), LCPElement{External: x})
		}
	}

	for _, votes := range [][]*vote{byXPath, byExternal} {
		if w := winner(votes); w != nil && w.count*2 > len(valid) {
			lcp := w.lcp
			lcp.Votes = w.count
			return &lcp
		}
	}
	return nil
}

func tally(votes []*vote, key string, lcp LCPElement) []*vote {
	for _, v := range votes {
		if v.key == key {
			v.count++
			return votes
		}
	}
	return append(votes, &vote{key: key, count: 1, lcp: lcp})
}

func winner(votes []*vote) *vote {
	var best *vote
	for _, v := range votes {
		if best == nil || v.count > best.count {
			best = v
		}
	}
	return best
}

// MediaQuery returns the CSS media query matching the group's range, or an empty
// string when the group covers every width.
func (g *Group) MediaQuery() string {
	return MediaQuery(g.min, g.max)
}

// MediaQuery builds a media query for the inclusive width range [min, max].
func MediaQuery(min, max int) string {
	if min > max {
		return ""
	}
	var parts []string
	if min > 0 {
		parts = append(parts, fmt.Sprintf("(min-width: %dpx)", min))
	}
	if max != Unbounded {
		parts = append(parts, fmt.Sprintf("(max-width: %dpx)", max))
	}
	return strings.Join(parts, " and ")
}
