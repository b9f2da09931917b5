// Package grouping buckets URL Metrics for one page into viewport width groups
// and answers the questions a renderer asks about them: which groups still need
// samples, which element is the LCP per group and across groups, and whether an
// element was ever visible in an initial viewport.
//
// A Collection is rebuilt from storage for every request and is not safe for
// concurrent use.
package grouping

import (
	"fmt"
	"sort"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// DefaultSampleSize is the number of fresh records a group needs to be complete.
const DefaultSampleSize = 3

// Collection owns the groups for one page key.
type Collection struct {
	breakpoints []int
	sampleSize  int
	policy      FreshnessPolicy
	groups      []*Group
}

// NewCollection partitions breakpoints into groups and distributes records into
// them. Records beyond a group's sample size are evicted oldest first, so
// construction never fails because a group is complete.
func NewCollection(records []*urlmetric.URLMetric, etag string, breakpoints []int, sampleSize int, ttl time.Duration, opts ...Option) (*Collection, error) {
	if etag == "" {
		return nil, &ConfigError{Param: "current_etag", Reason: "must not be empty"}
	}
	if sampleSize <= 0 {
		return nil, &ConfigError{Param: "sample_size", Reason: "must be > 0"}
	}
	policy, err := NewFreshnessPolicy(etag, ttl)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	c := &Collection{
		breakpoints: NormalizeBreakpoints(breakpoints),
		sampleSize:  sampleSize,
		policy:      policy,
	}
	for _, r := range Partition(c.breakpoints) {
		g, err := NewGroup(r.Min, r.Max, sampleSize, policy, WithClock(o.now))
		if err != nil {
			return nil, err
		}
		c.groups = append(c.groups, g)
	}

	for _, m := range records {
		g, err := c.GroupForViewportWidth(m.Viewport.Width)
		if err != nil {
			return nil, fmt.Errorf("distribute url metric %s: %w", m.UUID, err)
		}
		if err := g.Add(m); err != nil {
			return nil, fmt.Errorf("distribute url metric %s: %w", m.UUID, err)
		}
	}
	return c, nil
}

// Breakpoints returns the normalized breakpoints.
func (c *Collection) Breakpoints() []int { return append([]int(nil), c.breakpoints...) }

// SampleSize returns the per-group sample size.
func (c *Collection) SampleSize() int { return c.sampleSize }

// FreshnessTTL returns the freshness TTL.
func (c *Collection) FreshnessTTL() time.Duration { return c.policy.ttl }

// CurrentETag returns the ETag records must match to be valid.
func (c *Collection) CurrentETag() string { return c.policy.etag }

// Add stores m in its group. It fails with a CapacityError when that group is
// already complete.
func (c *Collection) Add(m *urlmetric.URLMetric) error {
	g, err := c.GroupForViewportWidth(m.Viewport.Width)
	if err != nil {
		return err
	}
	if g.IsComplete() {
		return &CapacityError{Min: g.min, Max: g.max}
	}
	return g.Add(m)
}

// GroupForViewportWidth returns the group whose range contains width.
func (c *Collection) GroupForViewportWidth(width int) (*Group, error) {
	if width < 0 {
		return nil, fmt.Errorf("%w: viewport width %d is negative", ErrInvalidArgument, width)
	}
	i := sort.Search(len(c.groups), func(i int) bool { return c.groups[i].max >= width })
	if i == len(c.groups) || !c.groups[i].IsViewportWidthInRange(width) {
		// Unreachable: groups cover [0, Unbounded].
		return nil, &RangeError{Width: width, Min: 0, Max: Unbounded}
	}
	return c.groups[i], nil
}

// Groups returns the groups in ascending width order.
func (c *Collection) Groups() []*Group {
	return append([]*Group(nil), c.groups...)
}

// FirstGroup returns the group for the narrowest viewports.
func (c *Collection) FirstGroup() *Group { return c.groups[0] }

// LastGroup returns the group for the widest viewports.
func (c *Collection) LastGroup() *Group { return c.groups[len(c.groups)-1] }

// URLMetrics returns every record held by the collection.
func (c *Collection) URLMetrics() []*urlmetric.URLMetric {
	var out []*urlmetric.URLMetric
	for _, g := range c.groups {
		out = append(out, g.metrics...)
	}
	return out
}

// GroupsByLCPElement returns every group whose LCP element is at xpath. Groups
// whose LCP is an external background image have no XPath and never match.
func (c *Collection) GroupsByLCPElement(xpath string) []*Group {
	if xpath == "" {
		return nil
	}
	var out []*Group
	for _, g := range c.groups {
		if lcp := g.LCPElement(); lcp != nil && lcp.XPath == xpath {
			out = append(out, g)
		}
	}
	return out
}

// CommonLCPElement returns the LCP element shared by every populated group. It
// returns nil when no group is populated, or when any populated group has no LCP
// element or a different one.
func (c *Collection) CommonLCPElement() *LCPElement {
	var common *LCPElement
	for _, g := range c.groups {
		if g.Count() == 0 {
			continue
		}
		lcp := g.LCPElement()
		if lcp == nil {
			return nil
		}
		if common == nil {
			common = lcp
			continue
		}
		if common.Key() != lcp.Key() {
			return nil
		}
	}
	return common
}

// IsAnyGroupPopulated reports whether any group holds a record.
func (c *Collection) IsAnyGroupPopulated() bool {
	for _, g := range c.groups {
		if g.Count() > 0 {
			return true
		}
	}
	return false
}

// IsEveryGroupPopulated reports whether every group holds at least one record.
func (c *Collection) IsEveryGroupPopulated() bool {
	for _, g := range c.groups {
		if g.Count() == 0 {
			return false
		}
	}
	return true
}

// IsEveryGroupComplete reports whether every group is complete.
func (c *Collection) IsEveryGroupComplete() bool {
	for _, g := range c.groups {
		if !g.IsComplete() {
			return false
		}
	}
	return true
}

// ElementMaxIntersectionRatio returns the largest intersection ratio reported
// for xpath by a valid record. ok is false when no valid record observed it.
func (c *Collection) ElementMaxIntersectionRatio(xpath string) (ratio float64, ok bool) {
	c.eachValidElement(xpath, func(_ *urlmetric.URLMetric, e *urlmetric.Element) bool {
		if !ok || e.IntersectionRatio > ratio {
			ratio = e.IntersectionRatio
			ok = true
		}
		return true
	})
	return ratio, ok
}

// IsElementPositionedInAnyInitialViewport reports whether any valid record saw
// the element intersecting the viewport, or with its top edge above the bottom
// of the initial viewport. known is false when no valid record observed it.
func (c *Collection) IsElementPositionedInAnyInitialViewport(xpath string) (positioned, known bool) {
	c.eachValidElement(xpath, func(m *urlmetric.URLMetric, e *urlmetric.Element) bool {
		known = true
		if e.IntersectionRatio > 0 || e.BoundingClientRect.Top < float64(m.Viewport.Height) {
			positioned = true
		}
		return !positioned
	})
	return positioned, known
}

// eachValidElement calls fn for every element at xpath in a valid record until
// fn returns false.
func (c *Collection) eachValidElement(xpath string, fn func(*urlmetric.URLMetric, *urlmetric.Element) bool) {
	for _, g := range c.groups {
		for _, m := range g.validMetrics() {
			for _, e := range m.Elements {
				if e.XPath == xpath && !fn(m, e) {
					return
				}
			}
		}
	}
}
