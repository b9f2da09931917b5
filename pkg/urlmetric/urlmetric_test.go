package urlmetric

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLMetric_UnsetNotifiesOwner(t *testing.T) {
	s := NewSchema()
	require.NoError(t, s.RegisterRootProperty("extra", Property{}))
	require.NoError(t, s.RegisterElementProperty("isColorful", Property{}))

	p := validPayload()
	p["extra"] = "x"
	element(p)["isColorful"] = true
	m, err := s.Parse(encode(t, p))
	require.NoError(t, err)

	calls := 0
	m.OnChange(func() { calls++ })

	require.NoError(t, m.Unset("extra"))
	assert.Equal(t, 1, calls)
	_, ok := m.Get("extra")
	assert.False(t, ok)

	// Unsetting an absent key is a no-op.
	require.NoError(t, m.Unset("extra"))
	assert.Equal(t, 1, calls)

	require.NoError(t, m.Elements[0].Unset("isColorful"))
	assert.Equal(t, 2, calls)

	assert.ErrorIs(t, m.Unset("viewport"), ErrInvalid)
	assert.ErrorIs(t, m.Elements[0].Unset("xpath"), ErrInvalid)
	assert.Equal(t, 2, calls)
}

func TestURLMetric_JSONKeepsExtensions(t *testing.T) {
	s := NewSchema()
	require.NoError(t, s.RegisterRootProperty("extra", Property{}))
	require.NoError(t, s.RegisterElementProperty("isColorful", Property{}))

	p := validPayload()
	p["extra"] = map[string]any{"a": 1}
	element(p)["isColorful"] = true
	m, err := s.Parse(encode(t, p))
	require.NoError(t, err)

	b, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded URLMetric
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.JSONEq(t, `{"a":1}`, string(decoded.Extra["extra"]))
	assert.JSONEq(t, `true`, string(decoded.Elements[0].Extra["isColorful"]))
	assert.Same(t, &decoded, decoded.Elements[0].URLMetric())
	assert.NoError(t, s.Validate(&decoded))
}

func TestURLMetric_MarshalEmptyElements(t *testing.T) {
	b, err := json.Marshal(&URLMetric{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"elements":[]`)
}

func TestURLMetric_Time(t *testing.T) {
	m := &URLMetric{Timestamp: 1700000000.25}
	assert.Equal(t, time.Unix(1700000000, 250_000_000), m.Time())
}

func TestURLMetric_Element(t *testing.T) {
	m, err := NewSchema().Parse(encode(t, validPayload()))
	require.NoError(t, err)

	assert.NotNil(t, m.Element("/*[1][self::HTML]/*[2][self::BODY]/*[1][self::IMG]"))
	assert.Nil(t, m.Element("/*[1][self::HTML]"))

	_, ok := m.ExternalLCP()
	assert.False(t, ok)
}

func TestViewport_AspectRatio(t *testing.T) {
	assert.Equal(t, 0.5, Viewport{Width: 400, Height: 800}.AspectRatio())
	assert.Equal(t, 0.0, Viewport{Width: 400}.AspectRatio())
}
