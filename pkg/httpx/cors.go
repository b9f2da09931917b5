package httpx

import (
	"net/http"
	"net/url"
	"strings"
)

// Origins is a set of allowed request origins in scheme://host[:port] form.
type Origins map[string]struct{}

// NewOrigins normalizes the given origins. Entries that do not parse as an
// http(s) origin are skipped.
func NewOrigins(origins ...string) Origins {
	set := make(Origins, len(origins))
	for _, o := range origins {
		if n, ok := normalizeOrigin(o); ok {
			set[n] = struct{}{}
		}
	}
	return set
}

// Allows reports whether origin is in the set.
func (o Origins) Allows(origin string) bool {
	n, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, found := o[n]
	return found
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

// CORSMiddleware answers preflight requests and sets CORS headers for allowed
// origins. Requests from other origins pass through without CORS headers so
// that the handler decides how to reject them.
func CORSMiddleware(allowed Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed.Allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type")
					h.Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
