// Package middleware provides HTTP middleware for the dashboard server.
package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // Preflight cache duration in seconds
}

// origins matches request origins against a configured list. Entries may
// be "*", an exact origin, or a wildcard subdomain like
// "https://*.movementbrand.com".
type origins struct {
	all      bool
	patterns []string
}

func newOrigins(allowed []string) origins {
	o := origins{}
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "*" {
			o.all = true
			continue
		}
		if a != "" {
			o.patterns = append(o.patterns, a)
		}
	}
	return o
}

func (o origins) empty() bool {
	return !o.all && len(o.patterns) == 0
}

func (o origins) match(origin string) bool {
	if o.all {
		return true
	}
	for _, p := range o.patterns {
		if p == origin {
			return true
		}
		if strings.Contains(p, "*") && matchWildcardOrigin(p, origin) {
			return true
		}
	}
	return false
}

// CORS creates a middleware that handles CORS headers. Requests from
// origins that are not allowed still reach next, without CORS headers;
// their preflights are refused.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := newOrigins(cfg.AllowedOrigins)

	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Requested-With"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 86400
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed.match(origin) {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchWildcardOrigin checks if origin matches a pattern with wildcard.
// "https://*.example.com" matches "https://app.example.com" but not
// "https://example.com".
func matchWildcardOrigin(pattern, origin string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == origin
	}

	ps, ph, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	scheme, oh, ok := strings.Cut(origin, "://")
	if !ok || ps != scheme {
		return false
	}

	ph = stripPort(ph)
	oh = stripPort(oh)

	if !strings.HasPrefix(ph, "*.") {
		return false
	}
	suffix := ph[1:]
	return strings.HasSuffix(oh, suffix) && len(oh) > len(suffix)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// CheckOrigin returns a function for WebSocket origin checking. With no
// configured origins only same-host browsers may connect.
func CheckOrigin(allowedOrigins []string) func(*http.Request) bool {
	allowed := newOrigins(allowedOrigins)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed.empty() {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		return allowed.match(origin)
	}
}
