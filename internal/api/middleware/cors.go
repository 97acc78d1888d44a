package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// exposedHeaders are the response headers dashboards need to read cross-origin.
var exposedHeaders = strings.Join([]string{correlationIDHeader, "X-Admission-Mode", "Location"}, ", ")

// CORSConfig supplies the CORS policy. api.CORSConfig implements it.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

type corsPolicy struct {
	anyOrigin bool
	origins   map[string]struct{}
	methods   string
	headers   string
	maxAge    string
}

func newCORSPolicy(config CORSConfig) corsPolicy {
	p := corsPolicy{
		origins: make(map[string]struct{}),
		methods: strings.Join(config.GetAllowedMethods(), ", "),
		headers: strings.Join(config.GetAllowedHeaders(), ", "),
	}

	for _, origin := range config.GetAllowedOrigins() {
		if origin == "*" {
			p.anyOrigin = true

			continue
		}

		p.origins[origin] = struct{}{}
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		p.maxAge = strconv.Itoa(maxAge)
	}

	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or "" when it is not allowed.
func (p corsPolicy) allowOrigin(origin string) string {
	if p.anyOrigin {
		return "*"
	}

	if _, ok := p.origins[origin]; ok {
		return origin
	}

	return ""
}

func (p corsPolicy) apply(h http.Header, origin string) {
	if !p.anyOrigin {
		h.Add("Vary", "Origin")
	}

	allowed := p.allowOrigin(origin)
	if allowed == "" {
		return
	}

	h.Set("Access-Control-Allow-Origin", allowed)
	h.Set("Access-Control-Expose-Headers", exposedHeaders)

	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}

	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}

	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

// CORS answers preflight requests and decorates responses for allowed origins.
// The policy is read once, when the middleware is built.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy.apply(w.Header(), r.Header.Get("Origin"))

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
