package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/grouping"
	"github.com/HatiCode/urlmetrics/pkg/httpx"
	"github.com/HatiCode/urlmetrics/pkg/pagekey"
	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// Device is a viewport that visitors browse with, weighted by how common it is.
type Device struct {
	Name     string
	Viewport urlmetric.Viewport
	Weight   int
}

// Profile is a named traffic mix.
type Profile struct {
	Name        string
	Description string
	Devices     []Device
}

var profiles = map[string]Profile{
	"uniform": {
		Name:        "Uniform",
		Description: "Every device class equally likely",
		Devices: []Device{
			{"phone", urlmetric.Viewport{Width: 390, Height: 844}, 1},
			{"phablet", urlmetric.Viewport{Width: 540, Height: 960}, 1},
			{"tablet", urlmetric.Viewport{Width: 768, Height: 1024}, 1},
			{"laptop", urlmetric.Viewport{Width: 1366, Height: 768}, 1},
			{"desktop", urlmetric.Viewport{Width: 1920, Height: 1080}, 1},
		},
	},
	"mobile-heavy": {
		Name:        "Mobile heavy",
		Description: "Mostly phones, like a typical content site",
		Devices: []Device{
			{"small-phone", urlmetric.Viewport{Width: 360, Height: 780}, 30},
			{"phone", urlmetric.Viewport{Width: 390, Height: 844}, 40},
			{"phablet", urlmetric.Viewport{Width: 540, Height: 960}, 10},
			{"tablet", urlmetric.Viewport{Width: 768, Height: 1024}, 10},
			{"desktop", urlmetric.Viewport{Width: 1920, Height: 1080}, 10},
		},
	},
	"desktop-heavy": {
		Name:        "Desktop heavy",
		Description: "Mostly desktops, like an internal tool",
		Devices: []Device{
			{"phone", urlmetric.Viewport{Width: 390, Height: 844}, 10},
			{"tablet", urlmetric.Viewport{Width: 768, Height: 1024}, 5},
			{"laptop", urlmetric.Viewport{Width: 1366, Height: 768}, 35},
			{"desktop", urlmetric.Viewport{Width: 1920, Height: 1080}, 50},
		},
	},
}

// Config holds beacon settings.
type Config struct {
	Target        string
	PageURL       string
	Origin        string
	HMACKey       string
	Optimizers    []string
	Profile       string
	LCPXPath      string
	Interval      time.Duration
	MaxRequests   int
	Concurrency   int
	SpoofClientIP bool
}

// Beacon plays detection-script traffic against a collector: it only posts
// URL Metrics for viewport groups that are still incomplete, as the script
// does.
type Beacon struct {
	cfg     Config
	client  *http.Client
	signer  *pagekey.Signer
	slug    string
	etag    string
	profile Profile
	logger  *slog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	stats map[string]int
	sent  int
}

// NewBeacon derives the page slug and ETag from cfg and prepares the signer.
func NewBeacon(cfg Config, client *http.Client, rng *rand.Rand, logger *slog.Logger) (*Beacon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	profile, ok := profiles[cfg.Profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", cfg.Profile)
	}

	page, err := url.Parse(cfg.PageURL)
	if err != nil || page.Host == "" {
		return nil, fmt.Errorf("invalid page url %q", cfg.PageURL)
	}
	slug, err := pagekey.Slug(pagekey.FromValues(page.Query()))
	if err != nil {
		return nil, err
	}

	signer, err := pagekey.NewSigner([]byte(cfg.HMACKey))
	if err != nil {
		return nil, err
	}

	return &Beacon{
		cfg:     cfg,
		client:  client,
		signer:  signer,
		slug:    slug,
		etag:    pagekey.ETag(cfg.Optimizers),
		profile: profile,
		logger:  logger,
		rng:     rng,
		stats:   make(map[string]int),
	}, nil
}

// Slug returns the page slug.
func (b *Beacon) Slug() string { return b.slug }

// ETag returns the current ETag.
func (b *Beacon) ETag() string { return b.etag }

// Groups fetches the grouped snapshot of the page.
func (b *Beacon) Groups(ctx context.Context) (*grouping.CollectionSnapshot, error) {
	q := url.Values{"slug": {b.slug}, "current_etag": {b.etag}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Target+"/v1/url-metrics/groups?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch groups: unexpected status %d", resp.StatusCode)
	}
	var snap grouping.CollectionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return &snap, nil
}

// submission is the body posted to the store endpoint.
type submission struct {
	URL      string               `json:"url"`
	Viewport urlmetric.Viewport   `json:"viewport"`
	Elements []*urlmetric.Element `json:"elements"`
}

// Send posts one URL Metric observed at vp and returns the response status and
// error code. A stored record has an empty code.
func (b *Beacon) Send(ctx context.Context, vp urlmetric.Viewport) (int, string, error) {
	body, err := json.Marshal(b.observe(vp))
	if err != nil {
		return 0, "", err
	}

	q := url.Values{
		"slug":         {b.slug},
		"current_etag": {b.etag},
		"hmac":         {b.signer.Sign(b.slug, b.etag, b.cfg.PageURL, nil)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Target+"/v1/url-metrics/store?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", b.cfg.Origin)
	if b.cfg.SpoofClientIP {
		req.Header.Set("X-Forwarded-For", b.clientIP())
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("store url metric: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, "", nil
	}
	var e httpx.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return resp.StatusCode, "", fmt.Errorf("decode error response: %w", err)
	}
	return resp.StatusCode, e.Code, nil
}

// observe fabricates what the detection script would report at vp: the LCP
// element above the fold and an image below it.
func (b *Beacon) observe(vp urlmetric.Viewport) submission {
	w, h := float64(vp.Width), float64(vp.Height)
	hero := urlmetric.DOMRect{Width: w, Height: h / 2, Top: 0, Right: w, Bottom: h / 2}
	below := urlmetric.DOMRect{Width: w, Height: h / 3, Y: h * 1.5, Top: h * 1.5, Right: w, Bottom: h*1.5 + h/3}

	return submission{
		URL:      b.cfg.PageURL,
		Viewport: vp,
		Elements: []*urlmetric.Element{
			{
				XPath:              b.cfg.LCPXPath,
				IsLCP:              true,
				IsLCPCandidate:     true,
				IntersectionRatio:  1,
				IntersectionRect:   hero,
				BoundingClientRect: hero,
			},
			{
				XPath:              footerImageXPath,
				IntersectionRatio:  0,
				BoundingClientRect: below,
			},
		},
	}
}

const footerImageXPath = "/*[1][self::HTML]/*[2][self::BODY]/*[3][self::FOOTER]/*[1][self::IMG]"

func (b *Beacon) clientIP() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("198.51.100.%d", 1+b.rng.IntN(254))
}

// pickViewport chooses a device whose width falls in one of the incomplete
// groups, weighted by the profile. Groups that no device covers get a
// synthetic viewport at their lower bound.
func (b *Beacon) pickViewport(incomplete []grouping.GroupSnapshot) urlmetric.Viewport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []Device
	total := 0
	for _, d := range b.profile.Devices {
		if inAnyGroup(d.Viewport.Width, incomplete) {
			candidates = append(candidates, d)
			total += d.Weight
		}
	}
	if total == 0 {
		g := incomplete[b.rng.IntN(len(incomplete))]
		width := g.MinimumViewportWidth
		if width == 0 {
			width = 360
			if g.MaximumViewportWidth != nil && *g.MaximumViewportWidth < width {
				width = *g.MaximumViewportWidth
			}
		}
		return urlmetric.Viewport{Width: width, Height: width * 3 / 2}
	}

	n := b.rng.IntN(total)
	for _, d := range candidates {
		if n < d.Weight {
			return d.Viewport
		}
		n -= d.Weight
	}
	return candidates[len(candidates)-1].Viewport
}

func inAnyGroup(width int, groups []grouping.GroupSnapshot) bool {
	for _, g := range groups {
		max := grouping.Unbounded
		if g.MaximumViewportWidth != nil {
			max = *g.MaximumViewportWidth
		}
		if (grouping.Range{Min: g.MinimumViewportWidth, Max: max}).Contains(width) {
			return true
		}
	}
	return false
}

// ErrAllGroupsComplete is returned by Run once the page needs no more samples.
var ErrAllGroupsComplete = errors.New("all viewport groups are complete")

// Run posts URL Metrics every interval until ctx is done, MaxRequests have
// been sent or every group is complete.
func (b *Beacon) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	lastLog := time.Now()
	for {
		snap, err := b.Groups(ctx)
		if err != nil {
			return err
		}
		if snap.Complete {
			b.logStats()
			return ErrAllGroupsComplete
		}

		var incomplete []grouping.GroupSnapshot
		for _, g := range snap.Groups {
			if !g.Complete {
				incomplete = append(incomplete, g)
			}
		}

		var wg sync.WaitGroup
		for i := 0; i < b.cfg.Concurrency; i++ {
			if b.cfg.MaxRequests > 0 && b.sent >= b.cfg.MaxRequests {
				break
			}
			b.sent++
			vp := b.pickViewport(incomplete)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, code, err := b.Send(ctx, vp)
				if err != nil {
					b.logger.Warn("failed to send url metric", "error", err)
					code = "transport_error"
				}
				b.record(code)
			}()
		}
		wg.Wait()

		if time.Since(lastLog) >= 10*time.Second {
			b.logStats()
			lastLog = time.Now()
		}
		if b.cfg.MaxRequests > 0 && b.sent >= b.cfg.MaxRequests {
			b.logStats()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Beacon) record(code string) {
	if code == "" {
		code = "stored"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats[code]++
}

// Stats returns response counts by outcome: "stored" or the error code.
func (b *Beacon) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.stats))
	for k, v := range b.stats {
		out[k] = v
	}
	return out
}

func (b *Beacon) logStats() {
	stats := b.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[k]))
	}
	b.logger.Info("beacon stats", "sent", b.sent, "outcomes", strings.Join(parts, " "))
}
