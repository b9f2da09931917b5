package main

import (
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/urlmetrics/cmd/collector/router"
	"github.com/HatiCode/urlmetrics/pkg/collector"
	"github.com/HatiCode/urlmetrics/pkg/grouping"
	"github.com/HatiCode/urlmetrics/pkg/httpx"
	"github.com/HatiCode/urlmetrics/pkg/pagekey"
	"github.com/HatiCode/urlmetrics/pkg/storage"
	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

const (
	testKey    = "beacon-key"
	testOrigin = "https://example.com"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCollector(t *testing.T, lockTTL time.Duration) *httptest.Server {
	t.Helper()

	svc, err := collector.New(collector.DefaultConfig(), storage.NewMemoryStore(0), nil,
		collector.WithLocker(storage.NewMemoryLocker(lockTTL)),
		collector.WithLogger(discardLogger()),
	)
	require.NoError(t, err)

	signer, err := pagekey.NewSigner([]byte(testKey))
	require.NoError(t, err)

	srv := httptest.NewServer(router.SetupRoutes(router.Options{
		Collector: svc,
		Signer:    signer,
		Origins:   httpx.NewOrigins(testOrigin),
		Gatherer:  prometheus.NewRegistry(),
		Logger:    discardLogger(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(target string) Config {
	return Config{
		Target:        target,
		PageURL:       "https://example.com/?p=42",
		Origin:        testOrigin,
		HMACKey:       testKey,
		Profile:       "uniform",
		LCPXPath:      "/*[1][self::HTML]/*[2][self::BODY]/*[1][self::MAIN]/*[1][self::IMG]",
		Interval:      time.Millisecond,
		Concurrency:   1,
		SpoofClientIP: true,
	}
}

func newTestBeacon(t *testing.T, cfg Config) *Beacon {
	t.Helper()
	b, err := NewBeacon(cfg, http.DefaultClient, rand.New(rand.NewPCG(1, 2)), discardLogger())
	require.NoError(t, err)
	return b
}

func TestNewBeacon_Keys(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Optimizers = []string{"image-prioritizer:1.0"}
	b := newTestBeacon(t, cfg)

	wantSlug, err := pagekey.Slug(pagekey.FromValues(url.Values{"p": {"42"}}))
	require.NoError(t, err)
	assert.Equal(t, wantSlug, b.Slug())
	assert.Equal(t, pagekey.ETag([]string{"image-prioritizer:1.0"}), b.ETag())
	assert.NotEqual(t, pagekey.ETag(nil), b.ETag())
}

func TestNewBeacon_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown profile", func(c *Config) { c.Profile = "weekend" }},
		{"relative page url", func(c *Config) { c.PageURL = "/?p=1" }},
		{"empty hmac key", func(c *Config) { c.HMACKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://unused")
			tt.modify(&cfg)
			_, err := NewBeacon(cfg, http.DefaultClient, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestBeacon_SendAndGroups(t *testing.T) {
	srv := newCollector(t, 0)
	b := newTestBeacon(t, testConfig(srv.URL))
	ctx := t.Context()

	status, code, err := b.Send(ctx, urlmetric.Viewport{Width: 390, Height: 844})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, code)

	snap, err := b.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Slug(), snap.Slug)
	require.Len(t, snap.Groups, 4)
	assert.Equal(t, 1, snap.Groups[0].RecordCount)
	require.NotNil(t, snap.Groups[0].LCPElement)
	assert.Equal(t, b.cfg.LCPXPath, *snap.Groups[0].LCPElement)
	assert.False(t, snap.Complete)
}

func TestBeacon_SendWrongKey(t *testing.T) {
	srv := newCollector(t, 0)
	cfg := testConfig(srv.URL)
	cfg.HMACKey = "other-key"
	b := newTestBeacon(t, cfg)

	status, code, err := b.Send(t.Context(), urlmetric.Viewport{Width: 390, Height: 844})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, router.CodeInvalidParam, code)
}

func TestBeacon_StorageLockWithoutSpoofing(t *testing.T) {
	srv := newCollector(t, time.Minute)
	cfg := testConfig(srv.URL)
	cfg.SpoofClientIP = false
	b := newTestBeacon(t, cfg)
	ctx := t.Context()

	status, _, err := b.Send(ctx, urlmetric.Viewport{Width: 390, Height: 844})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	status, code, err := b.Send(ctx, urlmetric.Viewport{Width: 1920, Height: 1080})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, router.CodeStorageLocked, code)
}

func TestBeacon_RunUntilComplete(t *testing.T) {
	srv := newCollector(t, 0)
	b := newTestBeacon(t, testConfig(srv.URL))

	err := b.Run(t.Context())
	require.True(t, errors.Is(err, ErrAllGroupsComplete), "got %v", err)

	// Four groups of three samples each, posted one at a time.
	assert.Equal(t, map[string]int{"stored": 12}, b.Stats())

	snap, err := b.Groups(t.Context())
	require.NoError(t, err)
	assert.True(t, snap.Complete)
	require.NotNil(t, snap.CommonLCPElement)
	assert.Equal(t, b.cfg.LCPXPath, *snap.CommonLCPElement)
}

func TestBeacon_RunMaxRequests(t *testing.T) {
	srv := newCollector(t, 0)
	cfg := testConfig(srv.URL)
	cfg.MaxRequests = 5
	cfg.Concurrency = 2
	b := newTestBeacon(t, cfg)

	require.NoError(t, b.Run(t.Context()))

	total := 0
	for _, n := range b.Stats() {
		total += n
	}
	assert.Equal(t, 5, total)
}

func TestBeacon_PickViewport(t *testing.T) {
	b := newTestBeacon(t, testConfig("http://unused"))
	max := 600

	t.Run("only devices in incomplete groups", func(t *testing.T) {
		groups := []grouping.GroupSnapshot{{MinimumViewportWidth: 481, MaximumViewportWidth: &max}}
		for i := 0; i < 20; i++ {
			assert.Equal(t, 540, b.pickViewport(groups).Width)
		}
	})

	t.Run("synthetic viewport when no device fits", func(t *testing.T) {
		narrow := 300
		groups := []grouping.GroupSnapshot{{MinimumViewportWidth: 0, MaximumViewportWidth: &narrow}}
		vp := b.pickViewport(groups)
		assert.Equal(t, 300, vp.Width)
		assert.Equal(t, 450, vp.Height)
	})

	t.Run("synthetic viewport at group minimum", func(t *testing.T) {
		wide := 3000
		groups := []grouping.GroupSnapshot{{MinimumViewportWidth: 2561, MaximumViewportWidth: &wide}}
		assert.Equal(t, 2561, b.pickViewport(groups).Width)
	})
}

func TestProfiles(t *testing.T) {
	for name, p := range profiles {
		t.Run(name, func(t *testing.T) {
			assert.NotEmpty(t, p.Name)
			require.NotEmpty(t, p.Devices)
			for _, d := range p.Devices {
				assert.Positive(t, d.Weight, d.Name)
				ratio := float64(d.Viewport.Width) / float64(d.Viewport.Height)
				assert.True(t, ratio >= urlmetric.DefaultMinAspectRatio && ratio <= urlmetric.DefaultMaxAspectRatio, d.Name)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, ,b:2 "))
	assert.Nil(t, splitList(""))
}
