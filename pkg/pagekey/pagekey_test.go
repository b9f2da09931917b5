package pagekey

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	// md5(`{}`)
	slug, err := Slug(QueryVars{})
	require.NoError(t, err)
	assert.Equal(t, "99914b932bd37a50b983c5e7c90ae93b", slug)
	assert.True(t, IsSlug(slug))

	a, err := Slug(QueryVars{{Key: "p", Value: "1"}, {Key: "page", Value: ""}})
	require.NoError(t, err)
	b, err := Slug(QueryVars{{Key: "page", Value: ""}, {Key: "p", Value: "1"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "order is significant")
}

func TestFromValues(t *testing.T) {
	vars := FromValues(url.Values{"p": {"1", "2"}, "cat": {"news"}, "empty": {}})
	assert.Equal(t, QueryVars{{Key: "cat", Value: "news"}, {Key: "p", Value: "2"}}, vars)

	b, err := vars.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"cat":"news","p":"2"}`, string(b))
}

func TestWithUserLoggedIn(t *testing.T) {
	base := QueryVars{{Key: "p", Value: "1"}}
	assert.Equal(t, base, base.WithUserLoggedIn(false))

	in := base.WithUserLoggedIn(true)
	assert.Len(t, in, 2)
	assert.Len(t, base, 1, "receiver is not modified")

	s1, err := Slug(base)
	require.NoError(t, err)
	s2, err := Slug(in)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func TestNotFound(t *testing.T) {
	b, err := NotFound().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"error":404}`, string(b))
}

func TestETag(t *testing.T) {
	// md5(`{"tag_visitors":[]}`)
	assert.Equal(t, ETag(nil), ETag([]string{}))
	assert.True(t, IsETag(ETag(nil)))

	assert.NotEqual(t, ETag([]string{"img"}), ETag([]string{"img", "video"}))
	assert.NotEqual(t, ETag([]string{"img", "video"}), ETag([]string{"video", "img"}))
	assert.Equal(t, ETag([]string{"img"}), ETag([]string{"img"}))
}

func TestSigner(t *testing.T) {
	_, err := NewSigner(nil)
	require.Error(t, err)

	s, err := NewSigner([]byte("secret"))
	require.NoError(t, err)

	slug := "99914b932bd37a50b983c5e7c90ae93b"
	etag := ETag([]string{"img"})
	postID := int64(42)

	sum := s.Sign(slug, etag, "https://example.com/", &postID)
	assert.True(t, IsHMAC(sum))
	assert.Len(t, sum, 64)
	assert.True(t, s.Verify(sum, slug, etag, "https://example.com/", &postID))

	assert.False(t, s.Verify(sum, slug, etag, "https://example.com/", nil))
	assert.False(t, s.Verify(sum, slug, etag, "https://example.com/other", &postID))
	assert.False(t, s.Verify(sum, slug, ETag(nil), "https://example.com/", &postID))

	other, err := NewSigner([]byte("other"))
	require.NoError(t, err)
	assert.False(t, other.Verify(sum, slug, etag, "https://example.com/", &postID))
}

func TestShapeChecks(t *testing.T) {
	assert.False(t, IsSlug("not-a-slug"))
	assert.False(t, IsETag("d41d8cd98f00b204e9800998ecf8427e\n"))
	assert.False(t, IsHMAC(""))
	assert.False(t, IsHMAC("XYZ"))
}
