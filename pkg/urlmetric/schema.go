package urlmetric

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// DefaultMinAspectRatio accommodates a 21:9 phone rotated to portrait (9:21).
	DefaultMinAspectRatio = 0.4
	// DefaultMaxAspectRatio accommodates a 21:9 phone in landscape.
	DefaultMaxAspectRatio = 2.5
)

var xpathPattern = regexp.MustCompile(`^(/\*\[\d+\]\[self::[A-Za-z0-9_:-]+\])+$`)

// Property describes a registered extension property. Validate receives the raw
// JSON value and returns an error when it is malformed.
type Property struct {
	Description string
	Validate    func(value gjson.Result) error
}

// Stamp carries the read-only fields that the server assigns to a submitted
// URL Metric. Client-supplied values for these fields are discarded.
type Stamp struct {
	UUID      string
	ETag      string
	Timestamp float64
}

// Option configures a Schema.
type Option func(*Schema)

// WithAspectRatioBounds sets the inclusive viewport aspect ratio bounds.
func WithAspectRatioBounds(min, max float64) Option {
	return func(s *Schema) {
		s.minAspectRatio = min
		s.maxAspectRatio = max
	}
}

// Schema validates URL Metric payloads and holds the registry of extension
// properties. Register extensions at startup, before the schema is shared
// between goroutines.
type Schema struct {
	minAspectRatio float64
	maxAspectRatio float64
	root           map[string]Property
	element        map[string]Property
}

// NewSchema creates a schema with the default aspect ratio bounds and no
// extension properties.
func NewSchema(opts ...Option) *Schema {
	s := &Schema{
		minAspectRatio: DefaultMinAspectRatio,
		maxAspectRatio: DefaultMaxAspectRatio,
		root:           make(map[string]Property),
		element:        make(map[string]Property),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AspectRatioBounds returns the configured minimum and maximum aspect ratios.
func (s *Schema) AspectRatioBounds() (float64, float64) {
	return s.minAspectRatio, s.maxAspectRatio
}

// RegisterRootProperty registers an extension property on the URL Metric root.
func (s *Schema) RegisterRootProperty(name string, p Property) error {
	return register(s.root, rootCoreKeys, name, p)
}

// RegisterElementProperty registers an extension property on each element.
func (s *Schema) RegisterElementProperty(name string, p Property) error {
	return register(s.element, elementCoreKeys, name, p)
}

func register(into map[string]Property, core map[string]bool, name string, p Property) error {
	if name == "" {
		return errors.New("property name cannot be empty")
	}
	if core[name] {
		return fmt.Errorf("property %q is a core property and cannot be extended", name)
	}
	if _, exists := into[name]; exists {
		return fmt.Errorf("property %q is already registered", name)
	}
	into[name] = p
	return nil
}

// Parse strictly validates a complete URL Metric, including its read-only
// fields. It is used for fixtures and trusted imports.
func (s *Schema) Parse(data []byte) (*URLMetric, error) {
	return s.parse(data, nil)
}

// ParseSubmission strictly validates a client-submitted URL Metric. Read-only
// fields in the payload are ignored and replaced by the stamp.
func (s *Schema) ParseSubmission(data []byte, stamp Stamp) (*URLMetric, error) {
	return s.parse(data, &stamp)
}

func (s *Schema) parse(data []byte, stamp *Stamp) (*URLMetric, error) {
	if !gjson.ValidBytes(data) {
		return nil, invalid("", "payload is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, invalid("", "payload must be a JSON object")
	}
	if err := s.checkRoot(root, stamp != nil); err != nil {
		return nil, err
	}

	if stamp != nil {
		var err error
		if data, err = stripReadOnly(data); err != nil {
			return nil, invalid("", "decode: %v", err)
		}
	}

	m := &URLMetric{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, invalid("", "decode: %v", err)
	}
	if stamp != nil {
		m.UUID = stamp.UUID
		m.ETag = stamp.ETag
		m.Timestamp = stamp.Timestamp
	}

	if err := s.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// checkRoot verifies the raw JSON shape: known keys, JSON types and required
// keys. Numeric ranges are checked by Validate.
func (s *Schema) checkRoot(root gjson.Result, submission bool) error {
	seen := make(map[string]bool)
	var err error
	root.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		seen[k] = true
		switch k {
		case "uuid", "etag":
			if !submission {
				err = expectType(k, value, gjson.String)
			}
		case "timestamp":
			if !submission {
				err = expectType(k, value, gjson.Number)
			}
		case "url":
			err = expectType(k, value, gjson.String)
		case "viewport":
			err = checkViewport(value)
		case "elements":
			err = s.checkElements(value)
		default:
			if _, ok := s.root[k]; !ok {
				err = invalid(k, "unknown property")
			}
		}
		return err == nil
	})
	if err != nil {
		return err
	}

	required := []string{"url", "viewport", "elements"}
	if !submission {
		required = append(required, "timestamp")
	}
	for _, k := range required {
		if !seen[k] {
			return invalid(k, "property is required")
		}
	}
	return nil
}

func checkViewport(v gjson.Result) error {
	if !v.IsObject() {
		return invalid("viewport", "must be an object")
	}
	seen := make(map[string]bool)
	var err error
	v.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		seen[k] = true
		switch k {
		case "width", "height":
			if !isInteger(value) {
				err = invalid("viewport."+k, "must be an integer")
			}
		default:
			err = invalid("viewport."+k, "unknown property")
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	for _, k := range []string{"width", "height"} {
		if !seen[k] {
			return invalid("viewport."+k, "property is required")
		}
	}
	return nil
}

func (s *Schema) checkElements(v gjson.Result) error {
	if !v.IsArray() {
		return invalid("elements", "must be an array")
	}
	for i, el := range v.Array() {
		field := fmt.Sprintf("elements[%d]", i)
		if !el.IsObject() {
			return invalid(field, "must be an object")
		}
		seen := make(map[string]bool)
		var err error
		el.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			seen[k] = true
			switch k {
			case "xpath":
				err = expectType(field+".xpath", value, gjson.String)
			case "isLCP", "isLCPCandidate":
				if value.Type != gjson.True && value.Type != gjson.False {
					err = invalid(field+"."+k, "must be a boolean")
				}
			case "intersectionRatio":
				err = expectType(field+"."+k, value, gjson.Number)
			case "intersectionRect", "boundingClientRect":
				err = checkRect(field+"."+k, value)
			default:
				if _, ok := s.element[k]; !ok {
					err = invalid(field+"."+k, "unknown property")
				}
			}
			return err == nil
		})
		if err != nil {
			return err
		}
		for k := range elementCoreKeys {
			if !seen[k] {
				return invalid(field+"."+k, "property is required")
			}
		}
	}
	return nil
}

func checkRect(field string, v gjson.Result) error {
	if !v.IsObject() {
		return invalid(field, "must be an object")
	}
	seen := make(map[string]bool)
	var err error
	v.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !isRectKey(k) {
			err = invalid(field+"."+k, "unknown property")
			return false
		}
		seen[k] = true
		err = expectType(field+"."+k, value, gjson.Number)
		return err == nil
	})
	if err != nil {
		return err
	}
	for _, k := range domRectKeys {
		if !seen[k] {
			return invalid(field+"."+k, "property is required")
		}
	}
	return nil
}

// Validate checks the semantic constraints of a record: URL format, viewport
// bounds and aspect ratio, XPath format, numeric ranges, the single-LCP
// invariant and registered extension values.
func (s *Schema) Validate(m *URLMetric) error {
	if m == nil {
		return invalid("", "url metric is nil")
	}
	if err := validateURL(m.URL); err != nil {
		return err
	}
	if m.UUID != "" {
		if _, err := uuid.Parse(m.UUID); err != nil {
			return invalid("uuid", "must be a UUID")
		}
	}
	if m.ETag != "" && strings.TrimSpace(m.ETag) != m.ETag {
		return invalid("etag", "must not contain surrounding whitespace")
	}
	if m.Timestamp <= 0 || !isFinite(m.Timestamp) {
		return invalid("timestamp", "must be a positive number")
	}

	if m.Viewport.Width <= 0 {
		return invalid("viewport.width", "must be greater than zero")
	}
	if m.Viewport.Height <= 0 {
		return invalid("viewport.height", "must be greater than zero")
	}
	ratio := m.Viewport.AspectRatio()
	if ratio < s.minAspectRatio || ratio > s.maxAspectRatio {
		return invalid("viewport", "aspect ratio %.3f is not between %.3f and %.3f", ratio, s.minAspectRatio, s.maxAspectRatio)
	}

	lcpCount := 0
	for i, e := range m.Elements {
		field := fmt.Sprintf("elements[%d]", i)
		if e == nil {
			return invalid(field, "must not be null")
		}
		if !xpathPattern.MatchString(e.XPath) {
			return invalid(field+".xpath", "does not match the expected pattern")
		}
		if !isFinite(e.IntersectionRatio) || e.IntersectionRatio < 0 || e.IntersectionRatio > 1 {
			return invalid(field+".intersectionRatio", "must be between 0 and 1")
		}
		if err := validateRect(field+".intersectionRect", e.IntersectionRect); err != nil {
			return err
		}
		if err := validateRect(field+".boundingClientRect", e.BoundingClientRect); err != nil {
			return err
		}
		if e.IsLCP {
			lcpCount++
		}
		if err := validateExtra(field, s.element, e.Extra); err != nil {
			return err
		}
	}
	if lcpCount > 1 {
		return invalid("elements", "at most one element may be the LCP element, saw %d", lcpCount)
	}

	if err := validateExtra("", s.root, m.Extra); err != nil {
		return err
	}

	m.adopt()
	return nil
}

func stripReadOnly(data []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	delete(obj, "uuid")
	delete(obj, "etag")
	delete(obj, "timestamp")
	return json.Marshal(obj)
}

func validateURL(raw string) error {
	if raw == "" {
		return invalid("url", "must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url", "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid("url", "host is required")
	}
	return nil
}

func validateRect(field string, r DOMRect) error {
	for i, v := range []float64{r.Width, r.Height, r.X, r.Y, r.Top, r.Right, r.Bottom, r.Left} {
		if !isFinite(v) {
			return invalid(field+"."+domRectKeys[i], "must be a finite number")
		}
	}
	if r.Width < 0 {
		return invalid(field+".width", "must not be negative")
	}
	if r.Height < 0 {
		return invalid(field+".height", "must not be negative")
	}
	return nil
}

func validateExtra(prefix string, registry map[string]Property, extra map[string]json.RawMessage) error {
	for k, raw := range extra {
		field := k
		if prefix != "" {
			field = prefix + "." + k
		}
		p, ok := registry[k]
		if !ok {
			return invalid(field, "unknown property")
		}
		if p.Validate == nil {
			continue
		}
		if err := p.Validate(gjson.ParseBytes(raw)); err != nil {
			return invalid(field, "%v", err)
		}
	}
	return nil
}

func expectType(field string, v gjson.Result, t gjson.Type) error {
	if v.Type != t {
		return invalid(field, "must be a %s", strings.ToLower(t.String()))
	}
	return nil
}

func isInteger(v gjson.Result) bool {
	return v.Type == gjson.Number && v.Num == math.Trunc(v.Num) && isFinite(v.Num)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isRectKey(k string) bool {
	for _, rk := range domRectKeys {
		if rk == k {
			return true
		}
	}
	return false
}
