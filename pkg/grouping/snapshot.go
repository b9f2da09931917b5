package grouping

import (
	"encoding/json"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// GroupSnapshot is the serializable state of a group.
type GroupSnapshot struct {
	MinimumViewportWidth       int                    `json:"minimum_viewport_width"`
	MaximumViewportWidth       *int                   `json:"maximum_viewport_width"`
	SampleSize                 int                    `json:"sample_size"`
	FreshnessTTL               int64                  `json:"freshness_ttl"`
	LCPElement                 *string                `json:"lcp_element"`
	LCPExternalBackgroundImage *urlmetric.ExternalLCP `json:"lcp_external_background_image,omitempty"`
	Complete                   bool                   `json:"complete"`
	RecordCount                int                    `json:"record_count"`
	MediaQuery                 string                 `json:"media_query"`
}

// CollectionSnapshot is the serializable state of a collection.
type CollectionSnapshot struct {
	Slug             string          `json:"slug,omitempty"`
	CurrentETag      string          `json:"current_etag"`
	Complete         bool            `json:"complete"`
	CommonLCPElement *string         `json:"common_lcp_element"`
	Groups           []GroupSnapshot `json:"groups"`
}

// Snapshot captures the group's state at the current time.
func (g *Group) Snapshot() GroupSnapshot {
	s := GroupSnapshot{
		MinimumViewportWidth: g.min,
		SampleSize:           g.sampleSize,
		FreshnessTTL:         int64(g.policy.ttl.Seconds()),
		Complete:             g.IsComplete(),
		RecordCount:          g.Count(),
		MediaQuery:           g.MediaQuery(),
	}
	if g.max != Unbounded {
		max := g.max
		s.MaximumViewportWidth = &max
	}
	if lcp := g.LCPElement(); lcp != nil {
		if lcp.XPath != "" {
			xpath := lcp.XPath
			s.LCPElement = &xpath
		}
		s.LCPExternalBackgroundImage = lcp.External
	}
	return s
}

// Snapshot captures the collection's state at the current time. The slug is
// left empty; callers that know it set it.
func (c *Collection) Snapshot() CollectionSnapshot {
	s := CollectionSnapshot{
		CurrentETag: c.policy.etag,
		Complete:    c.IsEveryGroupComplete(),
		Groups:      make([]GroupSnapshot, 0, len(c.groups)),
	}
	if lcp := c.CommonLCPElement(); lcp != nil && lcp.XPath != "" {
		xpath := lcp.XPath
		s.CommonLCPElement = &xpath
	}
	for _, g := range c.groups {
		s.Groups = append(s.Groups, g.Snapshot())
	}
	return s
}

// MarshalJSON encodes the collection snapshot.
func (c *Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}
