package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

const testSlug = "99914b932bd37a50b983c5e7c90ae93b"

func testMetric(i int) *urlmetric.URLMetric {
	return &urlmetric.URLMetric{
		UUID:      fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
		URL:       "https://example.com/",
		ETag:      "d41d8cd98f00b204e9800998ecf8427e",
		Viewport:  urlmetric.Viewport{Width: 400 + i, Height: 700},
		Timestamp: float64(1_700_000_000 + i),
		Elements: []*urlmetric.Element{
			{
				XPath:             "/*[1][self::HTML]/*[2][self::BODY]/*[1][self::IMG]",
				IsLCP:             true,
				IsLCPCandidate:    true,
				IntersectionRatio: 1,
			},
		},
	}
}

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug    string
		wantErr bool
	}{
		{slug: testSlug},
		{slug: "my-page_1"},
		{slug: "", wantErr: true},
		{slug: "a:b", wantErr: true},
		{slug: "a b", wantErr: true},
		{slug: "../etc", wantErr: true},
	}
	for _, tt := range tests {
		err := validateSlug(tt.slug)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateSlug(%q) error = %v, wantErr %v", tt.slug, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidSlug) {
			t.Errorf("validateSlug(%q) error = %v, want ErrInvalidSlug", tt.slug, err)
		}
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := encode(nil); err == nil {
		t.Error("encode(nil) expected error")
	}
}

func TestNormalizeMaxPerKey(t *testing.T) {
	if got := normalizeMaxPerKey(0); got != DefaultMaxPerKey {
		t.Errorf("normalizeMaxPerKey(0) = %d, want %d", got, DefaultMaxPerKey)
	}
	if got := normalizeMaxPerKey(5); got != 5 {
		t.Errorf("normalizeMaxPerKey(5) = %d, want 5", got)
	}
}
