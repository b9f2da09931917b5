// Package pagekey derives the identifiers under which URL Metrics are stored and
// authorized: the slug of a page, the current ETag of the optimizers that read
// its metrics, and the HMAC that lets a detection script store a metric for one
// (slug, ETag, URL) triple.
package pagekey

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
)

var (
	hashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	hmacPattern = regexp.MustCompile(`^[0-9a-f]+$`)
)

// IsSlug reports whether s has the shape of a slug.
func IsSlug(s string) bool { return hashPattern.MatchString(s) }

// IsETag reports whether s has the shape of an ETag.
func IsETag(s string) bool { return hashPattern.MatchString(s) }

// IsHMAC reports whether s has the shape of a storage HMAC.
func IsHMAC(s string) bool { return hmacPattern.MatchString(s) }

// QueryVar is one normalized query variable.
type QueryVar struct {
	Key   string
	Value any
}

// QueryVars is an ordered set of query variables. Order is significant for the
// slug, so callers must build it deterministically.
type QueryVars []QueryVar

// MarshalJSON encodes the variables as a JSON object in order.
func (q QueryVars) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range q {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(v.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(v.Value)
		if err != nil {
			return nil, fmt.Errorf("query var %q: %w", v.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FromValues builds query vars from URL values, sorted by key. Multi-valued
// keys keep their last value.
func FromValues(values url.Values) QueryVars {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	vars := make(QueryVars, 0, len(keys))
	for _, k := range keys {
		vs := values[k]
		if len(vs) == 0 {
			continue
		}
		vars = append(vars, QueryVar{Key: k, Value: vs[len(vs)-1]})
	}
	return vars
}

// NotFound returns the query vars shared by every page that responds 404, so
// that unbounded 404 URLs share one slug.
func NotFound() QueryVars {
	return QueryVars{{Key: "error", Value: 404}}
}

// WithUserLoggedIn varies the query vars by login state, since logged-in pages
// may carry additional elements.
func (q QueryVars) WithUserLoggedIn(loggedIn bool) QueryVars {
	if !loggedIn {
		return q
	}
	return append(slices.Clone(q), QueryVar{Key: "user_logged_in", Value: true})
}

// Slug returns the md5 hex digest of the JSON-encoded query vars.
func Slug(vars QueryVars) (string, error) {
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encoding query vars: %w", err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// ETag returns the current ETag for the given optimizer identifiers. Any change
// to the set or order of identifiers changes the ETag and so marks existing
// URL Metrics as stale.
func ETag(optimizers []string) string {
	if optimizers == nil {
		optimizers = []string{}
	}
	b, _ := json.Marshal(struct {
		TagVisitors []string `json:"tag_visitors"`
	}{TagVisitors: optimizers})
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Signer computes and verifies storage HMACs.
type Signer struct {
	key []byte
}

// NewSigner returns a signer for the given secret key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("hmac key cannot be empty")
	}
	return &Signer{key: slices.Clone(key)}, nil
}

// Sign returns the hex HMAC-SHA256 that authorizes storing a URL Metric for
// the triple. cachePurgePostID is optional.
func (s *Signer) Sign(slug, etag, pageURL string, cachePurgePostID *int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(action(slug, etag, pageURL, cachePurgePostID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sum authorizes the triple. The comparison is constant
// time.
func (s *Signer) Verify(sum, slug, etag, pageURL string, cachePurgePostID *int64) bool {
	expected := s.Sign(slug, etag, pageURL, cachePurgePostID)
	return hmac.Equal([]byte(expected), []byte(sum))
}

func action(slug, etag, pageURL string, cachePurgePostID *int64) string {
	id := ""
	if cachePurgePostID != nil {
		id = strconv.FormatInt(*cachePurgePostID, 10)
	}
	return "store_url_metric:" + slug + ":" + etag + ":" + pageURL + ":" + id
}
