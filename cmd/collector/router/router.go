// Package router configures HTTP routes for the collector's HTTP API.
//
// Routes configured:
//   - POST /v1/url-metrics/store?slug=&current_etag=&hmac=[&cache_purge_post_id=]
//     Store a URL Metric submitted by the detection script
//   - GET /v1/url-metrics/groups?slug=&current_etag= - Grouped snapshot of a page
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// Errors use the httpx error body, {"code","message","data":{"status"}}. The
// codes are those the detection script already understands, for example
// url_metric_group_complete or rest_cross_origin_forbidden.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/HatiCode/urlmetrics/pkg/collector"
	"github.com/HatiCode/urlmetrics/pkg/grouping"
	"github.com/HatiCode/urlmetrics/pkg/httpx"
	"github.com/HatiCode/urlmetrics/pkg/pagekey"
	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// DefaultMaxBodyBytes bounds the size of a submitted URL Metric.
const DefaultMaxBodyBytes = 1 << 20

// Error codes returned by the store endpoint.
const (
	CodeInvalidParam         = "rest_invalid_param"
	CodeMissingJSONBody      = "missing_array_json_body"
	CodeRequestTooLarge      = "rest_request_too_large"
	CodeCrossOriginForbidden = "rest_cross_origin_forbidden"
	CodeStorageLocked        = "url_metric_storage_locked"
	CodeInvalidViewportWidth = "invalid_viewport_width"
	CodeGroupComplete        = "url_metric_group_complete"
	CodeStorageFailed        = "url_metric_storage_failed"
)

// Collector is the part of collector.Service the routes depend on.
type Collector interface {
	Store(ctx context.Context, req collector.StoreRequest) (*collector.StoredEvent, error)
	Collection(ctx context.Context, slug, currentETag string) (*grouping.Collection, error)
}

// Options configures the routes.
type Options struct {
	Collector Collector
	Signer    *pagekey.Signer
	Origins   httpx.Origins
	// Health is checked by /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer     prometheus.Gatherer
	MaxBodyBytes int64
	// TrustProxyHeaders takes the client IP, which keys the storage lock,
	// from X-Forwarded-For, X-Real-IP or True-Client-IP. Enable it only
	// behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

// SetupRoutes configures HTTP endpoints for the collector.
func SetupRoutes(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(httpx.RecoveryMiddleware(logger))
	r.Use(httpx.LoggingMiddleware(logger))

	if opts.Health != nil {
		r.Get("/healthz", httpx.HealthHandlerWithCheck(opts.Health))
	} else {
		r.Get("/healthz", httpx.HealthHandler())
	}

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1/url-metrics", func(r chi.Router) {
		r.Use(httpx.CORSMiddleware(opts.Origins))
		r.Post("/store", handleStore(opts, logger))
		r.Get("/groups", handleGetGroups(opts.Collector, logger))
	})

	return r
}

// handleStore returns a handler for POST /v1/url-metrics/store.
func handleStore(opts Options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		slug := q.Get("slug")
		etag := q.Get("current_etag")
		sum := q.Get("hmac")

		switch {
		case !pagekey.IsSlug(slug):
			invalidParam(w, "slug")
			return
		case !pagekey.IsETag(etag):
			invalidParam(w, "current_etag")
			return
		case !pagekey.IsHMAC(sum):
			invalidParam(w, "hmac")
			return
		}

		var postID *int64
		if v := q.Get("cache_purge_post_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				invalidParam(w, "cache_purge_post_id")
				return
			}
			postID = &id
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, opts.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpx.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, CodeRequestTooLarge,
					fmt.Sprintf("Request body exceeds %d bytes.", tooLarge.Limit))
				return
			}
			httpx.WriteErrorMessage(w, http.StatusBadRequest, CodeMissingJSONBody, "Failed to read the request body.")
			return
		}
		if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, CodeMissingJSONBody, "The request body is not a JSON object.")
			return
		}

		pageURL := gjson.GetBytes(body, "url").String()
		if !opts.Signer.Verify(sum, slug, etag, pageURL, postID) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidParam, "URL Metrics HMAC verification failure.")
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" || !opts.Origins.Allows(origin) {
			httpx.WriteErrorMessage(w, http.StatusForbidden, CodeCrossOriginForbidden, "Cross-origin requests are not allowed for this endpoint.")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		_, err = opts.Collector.Store(ctx, collector.StoreRequest{
			Slug:             slug,
			CurrentETag:      etag,
			CachePurgePostID: postID,
			ClientIP:         httpx.ClientIP(r),
			Payload:          body,
		})
		if err != nil {
			writeStoreError(w, logger, slug, err)
			return
		}

		if err := httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true}); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func writeStoreError(w http.ResponseWriter, logger *slog.Logger, slug string, err error) {
	switch {
	case errors.Is(err, collector.ErrStorageLocked):
		httpx.WriteErrorMessage(w, http.StatusForbidden, CodeStorageLocked, "URL Metric storage is presently locked for the current IP.")
	case errors.Is(err, urlmetric.ErrInvalid):
		httpx.WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidParam, "Failed to validate URL Metric: "+err.Error())
	case errors.Is(err, collector.ErrInvalidRequest):
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidParam, err)
	case errors.Is(err, grouping.ErrOutOfRange), errors.Is(err, grouping.ErrInvalidArgument):
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidViewportWidth, err)
	case errors.Is(err, grouping.ErrGroupComplete):
		httpx.WriteErrorMessage(w, http.StatusForbidden, CodeGroupComplete, "The URL Metric group for the provided viewport is already complete.")
	default:
		logger.Error("failed to store url metric", "slug", slug, "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, CodeStorageFailed, "Failed to store URL Metric.")
	}
}

// handleGetGroups returns a handler for GET /v1/url-metrics/groups.
func handleGetGroups(c Collector, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		slug := q.Get("slug")
		etag := q.Get("current_etag")

		if !pagekey.IsSlug(slug) {
			invalidParam(w, "slug")
			return
		}
		if !pagekey.IsETag(etag) {
			invalidParam(w, "current_etag")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		collection, err := c.Collection(ctx, slug, etag)
		if err != nil {
			logger.Error("failed to load url metrics", "slug", slug, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal_server_error", "internal server error")
			return
		}

		snap := collection.Snapshot()
		snap.Slug = slug
		if err := httpx.WriteJSON(w, http.StatusOK, snap); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func invalidParam(w http.ResponseWriter, param string) {
	httpx.WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidParam, fmt.Sprintf("Invalid parameter: %s", param))
}
