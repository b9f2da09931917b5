// Package urlmetric defines the URL Metric record: a single real-user observation
// of one page load at one viewport size.
//
// A URLMetric is created once from a client payload through a Schema, which
// validates it strictly, and is treated as immutable afterwards. The only
// permitted mutation is removing a non-required property with Unset, which
// notifies whoever registered interest through OnChange (the owning group).
//
// Additional named properties may be attached to the root of a record or to
// individual elements when they have been registered on the Schema. Values of
// such properties are kept as raw JSON and are ignored by the core.
package urlmetric

import (
	"encoding/json"
	"math"
	"time"
)

// ExternalBackgroundImageProperty is the root extension property that reports an
// LCP image which was only found as a CSS background image.
const ExternalBackgroundImageProperty = "lcpElementExternalBackgroundImage"

// DOMRect is the geometry of an element as reported by the browser.
type DOMRect struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// Viewport is the visible browser window size at observation time.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AspectRatio returns width divided by height, or 0 when height is not positive.
func (v Viewport) AspectRatio() float64 {
	if v.Height <= 0 {
		return 0
	}
	return float64(v.Width) / float64(v.Height)
}

// Element is the observation of one DOM element within a URL Metric.
type Element struct {
	XPath              string  `json:"xpath"`
	IsLCP              bool    `json:"isLCP"`
	IsLCPCandidate     bool    `json:"isLCPCandidate"`
	IntersectionRatio  float64 `json:"intersectionRatio"`
	IntersectionRect   DOMRect `json:"intersectionRect"`
	BoundingClientRect DOMRect `json:"boundingClientRect"`

	// Extra holds registered extension properties keyed by name.
	Extra map[string]json.RawMessage `json:"-"`

	metric *URLMetric
}

// URLMetric returns the record this element belongs to, or nil for a detached element.
func (e *Element) URLMetric() *URLMetric {
	return e.metric
}

// Get returns the raw value of an extension property.
func (e *Element) Get(key string) (json.RawMessage, bool) {
	v, ok := e.Extra[key]
	return v, ok
}

// Unset removes an extension property from the element. Core properties cannot
// be removed.
func (e *Element) Unset(key string) error {
	if elementCoreKeys[key] {
		return &ValidationError{Field: "elements[]." + key, Reason: "property is required"}
	}
	if _, ok := e.Extra[key]; !ok {
		return nil
	}
	delete(e.Extra, key)
	if e.metric != nil {
		e.metric.changed()
	}
	return nil
}

// ExternalLCP describes an LCP image that is not addressable by XPath, such as a
// CSS background image, identified by the tag, id and class of the node that
// carries it.
type ExternalLCP struct {
	URL   string `json:"url"`
	Tag   string `json:"tag"`
	ID    string `json:"id"`
	Class string `json:"class"`
}

// Key identifies the external LCP node for tallying.
func (x ExternalLCP) Key() string {
	return x.Tag + "#" + x.ID + "." + x.Class + " " + x.URL
}

// URLMetric is one observation of a page load at one viewport size.
type URLMetric struct {
	UUID      string     `json:"uuid,omitempty"`
	URL       string     `json:"url"`
	ETag      string     `json:"etag,omitempty"`
	Viewport  Viewport   `json:"viewport"`
	Timestamp float64    `json:"timestamp"`
	Elements  []*Element `json:"elements"`

	// Extra holds registered extension properties keyed by name.
	Extra map[string]json.RawMessage `json:"-"`

	onChange []func()
}

// Time returns the timestamp as a time.Time.
func (m *URLMetric) Time() time.Time {
	sec, frac := math.Modf(m.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Get returns the raw value of a root extension property.
func (m *URLMetric) Get(key string) (json.RawMessage, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// Unset removes a root extension property. Core properties cannot be removed.
func (m *URLMetric) Unset(key string) error {
	if rootCoreKeys[key] {
		return &ValidationError{Field: key, Reason: "property is required"}
	}
	if _, ok := m.Extra[key]; !ok {
		return nil
	}
	delete(m.Extra, key)
	m.changed()
	return nil
}

// OnChange registers fn to be called whenever a property of the record or one of
// its elements is unset.
func (m *URLMetric) OnChange(fn func()) {
	m.onChange = append(m.onChange, fn)
}

func (m *URLMetric) changed() {
	for _, fn := range m.onChange {
		fn()
	}
}

// LCPElement returns the element reported as LCP, if any.
func (m *URLMetric) LCPElement() *Element {
	for _, e := range m.Elements {
		if e.IsLCP {
			return e
		}
	}
	return nil
}

// Element returns the first element observed at xpath.
func (m *URLMetric) Element(xpath string) *Element {
	for _, e := range m.Elements {
		if e.XPath == xpath {
			return e
		}
	}
	return nil
}

// ExternalLCP returns the external background image LCP signal, if one was
// attached through the ExternalBackgroundImageProperty extension.
func (m *URLMetric) ExternalLCP() (*ExternalLCP, bool) {
	raw, ok := m.Extra[ExternalBackgroundImageProperty]
	if !ok {
		return nil, false
	}
	var x ExternalLCP
	if err := json.Unmarshal(raw, &x); err != nil {
		return nil, false
	}
	return &x, true
}

// adopt links the elements back to their record.
func (m *URLMetric) adopt() {
	for _, e := range m.Elements {
		e.metric = m
	}
}

var rootCoreKeys = map[string]bool{
	"uuid":      true,
	"url":       true,
	"etag":      true,
	"viewport":  true,
	"timestamp": true,
	"elements":  true,
}

var elementCoreKeys = map[string]bool{
	"xpath":              true,
	"isLCP":              true,
	"isLCPCandidate":     true,
	"intersectionRatio":  true,
	"intersectionRect":   true,
	"boundingClientRect": true,
}

var domRectKeys = []string{"width", "height", "x", "y", "top", "right", "bottom", "left"}
