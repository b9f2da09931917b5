package grouping

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

const testETag = "d41d8cd98f00b204e9800998ecf8427e"

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

// xpath builds an XPath in the format produced by the detection script, for
// example xpath("HTML", "BODY", "IMG") == "/*[1][self::HTML]/*[1][self::BODY]/*[1][self::IMG]".
func xpath(tags ...string) string {
	var b strings.Builder
	for _, tag := range tags {
		fmt.Fprintf(&b, "/*[1][self::%s]", tag)
	}
	return b.String()
}

func element(path string, lcp bool, ratio float64) *urlmetric.Element {
	r := urlmetric.DOMRect{Width: 100, Height: 100, Top: 0, Bottom: 100, Right: 100}
	return &urlmetric.Element{
		XPath:              path,
		IsLCP:              lcp,
		IsLCPCandidate:     lcp,
		IntersectionRatio:  ratio,
		IntersectionRect:   r,
		BoundingClientRect: r,
	}
}

type metricOpt func(*urlmetric.URLMetric)

func withAge(d time.Duration) metricOpt {
	return func(m *urlmetric.URLMetric) {
		m.Timestamp = float64(testNow.Add(-d).UnixNano()) / float64(time.Second)
	}
}

func withETag(etag string) metricOpt {
	return func(m *urlmetric.URLMetric) { m.ETag = etag }
}

func withElements(elements ...*urlmetric.Element) metricOpt {
	return func(m *urlmetric.URLMetric) { m.Elements = elements }
}

func withLCP(path string) metricOpt {
	return withElements(element(path, true, 1))
}

func withExternalLCP(x urlmetric.ExternalLCP) metricOpt {
	return func(m *urlmetric.URLMetric) {
		raw := fmt.Sprintf(`{"url":%q,"tag":%q,"id":%q,"class":%q}`, x.URL, x.Tag, x.ID, x.Class)
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[urlmetric.ExternalBackgroundImageProperty] = json.RawMessage(raw)
	}
}

func metric(width int, opts ...metricOpt) *urlmetric.URLMetric {
	m := &urlmetric.URLMetric{
		UUID:      "7b5b1a32-3e37-4c2e-9b39-1e5c0b5a1a10",
		URL:       "https://example.com/",
		ETag:      testETag,
		Viewport:  urlmetric.Viewport{Width: width, Height: width * 3 / 2},
		Timestamp: float64(testNow.Unix()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}
