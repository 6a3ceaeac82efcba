package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAgeSeconds = 600

var (
	defaultCORSAllowedMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodOptions,
	}
	defaultCORSAllowedHeaders = []string{
		"Accept",
		"Authorization",
		"Content-Type",
		"Idempotency-Key",
		"X-Request-Id",
	}
	// the web client reads these to pace polling and follow new records
	defaultCORSExposedHeaders = []string{
		"Location",
		"Retry-After",
		"X-Request-Id",
	}
)

// CORSConfig lists allowed origins. An entry may be "*", an exact origin or
// a subdomain pattern such as "https://*.vercel.app".
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAgeSeconds  int
}

type originMatcher struct {
	any      bool
	exact    []string
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	suffix string
}

func newOriginMatcher(origins []string) originMatcher {
	var matcher originMatcher
	for _, origin := range origins {
		switch {
		case origin == "*":
			matcher.any = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			matcher.suffixes = append(matcher.suffixes, originSuffix{
				scheme: strings.ToLower(scheme) + "://",
				suffix: strings.ToLower(host),
			})
		default:
			matcher.exact = append(matcher.exact, origin)
		}
	}
	return matcher
}

func (m originMatcher) allows(origin string) bool {
	if m.any || containsFold(m.exact, origin) {
		return true
	}
	lower := strings.ToLower(origin)
	for _, pattern := range m.suffixes {
		if !strings.HasPrefix(lower, pattern.scheme) {
			continue
		}
		host := strings.TrimPrefix(lower, pattern.scheme)
		if strings.HasSuffix(host, pattern.suffix) && len(host) > len(pattern.suffix) {
			return true
		}
	}
	return false
}

func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	matcher := newOriginMatcher(normalizeStringList(cfg.AllowedOrigins))

	allowMethodsValue := strings.Join(withDefault(cfg.AllowedMethods, defaultCORSAllowedMethods), ", ")
	allowHeadersValue := strings.Join(withDefault(cfg.AllowedHeaders, defaultCORSAllowedHeaders), ", ")
	exposeHeadersValue := strings.Join(withDefault(cfg.ExposedHeaders, defaultCORSExposedHeaders), ", ")

	maxAgeSeconds := cfg.MaxAgeSeconds
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = defaultCORSMaxAgeSeconds
	}
	maxAgeValue := strconv.Itoa(maxAgeSeconds)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !matcher.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			if matcher.any {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method == http.MethodOptions {
				w.Header().Add("Vary", "Access-Control-Request-Method")
				w.Header().Add("Vary", "Access-Control-Request-Headers")
				w.Header().Set("Access-Control-Allow-Methods", allowMethodsValue)
				w.Header().Set("Access-Control-Allow-Headers", allowHeadersValue)
				w.Header().Set("Access-Control-Max-Age", maxAgeValue)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			w.Header().Set("Access-Control-Expose-Headers", exposeHeadersValue)
			next.ServeHTTP(w, r)
		})
	}
}

func withDefault(values, fallback []string) []string {
	normalized := normalizeStringList(values)
	if len(normalized) == 0 {
		return append([]string(nil), fallback...)
	}
	return normalized
}

func normalizeStringList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		result = append(result, value)
	}
	return result
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
