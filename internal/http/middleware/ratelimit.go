// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the two-layer sliding-window rate limiter backed by the
// shared key-value store, so limits hold across replicas rather than per
// process. Each request is admitted into a sorted set keyed by client identity
// and route; entries older than the window are evicted before counting, and
// the post-insert cardinality decides the verdict.
//
// Layers:
//   - per client IP (always on for limited routes):
//     ratelimit:ip:{ip}:{path}
//   - per API key (only when the route is authenticated):
//     ratelimit:apikey:{last8}:{path}
//
// The API-key layer uses the key's last eight characters so full credentials
// never reach the store. A request passes only when both applicable layers
// admit it. When the store is unavailable the limiter fails open: availability
// of the serving path wins over strict enforcement, and each failed check is
// logged as a warning.
package middleware

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/kv"
	"github.com/pesabank/go-adserver-backend/internal/sysutil"
)

// rateLimitDenials counts rejected requests by limiter layer ("ip", "apikey").
var rateLimitDenials = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_denials_total",
		Help: "Total number of requests rejected by the rate limiter.",
	},
	[]string{"layer"},
)

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerRetry     = "Retry-After"
)

// RateLimiter admits or rejects requests against the shared store. Now and
// Suffix are injectable for tests; both default to real implementations.
type RateLimiter struct {
	KV  kv.Store
	Cfg config.RateLimitConfig

	// Now is the injectable clock; defaults to time.Now.
	Now func() time.Time
	// Suffix disambiguates same-nanosecond members; defaults to a random hex.
	Suffix func() string
}

// NewRateLimiter builds a limiter over the given store and configuration.
func NewRateLimiter(store kv.Store, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{KV: store, Cfg: cfg}
}

func (r *RateLimiter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RateLimiter) suffix() string {
	if r.Suffix != nil {
		return r.Suffix()
	}
	return strconv.FormatUint(rand.Uint64(), 16)
}

// layerVerdict is the outcome of admitting one request into one layer.
type layerVerdict struct {
	layer     string
	limit     int64
	remaining int64
	window    time.Duration
	exceeded  bool
	skipped   bool // store unavailable; layer fails open
}

// admit records the request under key and evaluates it against maxRequests
// over window. The member is "{unixnano}:{suffix}" so concurrent requests in
// the same nanosecond still count individually.
func (r *RateLimiter) admit(c *gin.Context, layer, key string, window time.Duration, maxRequests int64) layerVerdict {
	now := r.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + r.suffix()

	count, err := r.KV.SlidingWindowAdmit(c.Request.Context(), key, now, window, member)
	if err != nil {
		LoggerFrom(c).Warn().Err(err).Str("key", key).Msg("rate limit check failed; allowing request")
		return layerVerdict{layer: layer, skipped: true}
	}

	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return layerVerdict{
		layer:     layer,
		limit:     maxRequests,
		remaining: remaining,
		window:    window,
		exceeded:  count > maxRequests,
	}
}

// Middleware enforces both limiter layers for the request's route. The IP
// layer always applies; the API-key layer applies only when APIKeyAuth ran
// earlier in the chain and stored a tier.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ip := clientIP(c.Request)
		verdicts := []layerVerdict{
			r.admit(c, "ip", "ratelimit:ip:"+ip+":"+path, r.Cfg.IPWindow, r.Cfg.IPMaxRequests),
		}

		tier := TierFrom(c)
		if apiKey := APIKeyFrom(c); apiKey != "" {
			name, limit := r.Cfg.TierOrDefault(tier)
			tier = name
			key := "ratelimit:apikey:" + lastN(apiKey, 8) + ":" + path
			verdicts = append(verdicts, r.admit(c, "apikey", key, limit.Window, limit.MaxRequests))
		}

		// Advertise the tightest layer that actually ran.
		tightest := layerVerdict{skipped: true}
		for _, v := range verdicts {
			if v.skipped {
				continue
			}
			if tightest.skipped || v.remaining < tightest.remaining {
				tightest = v
			}
		}
		if !tightest.skipped {
			c.Header(headerLimit, strconv.FormatInt(tightest.limit, 10))
			c.Header(headerRemaining, strconv.FormatInt(tightest.remaining, 10))
		}

		for _, v := range verdicts {
			if v.skipped || !v.exceeded {
				continue
			}
			rateLimitDenials.WithLabelValues(v.layer).Inc()
			retry := int(v.window.Seconds())
			c.Header(headerRetry, strconv.Itoa(retry))
			body := gin.H{
				"error":      "Too Many Requests",
				"retryAfter": retry,
			}
			if tier != "" {
				body["tier"] = tier
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}

		c.Next()
	}
}

// clientIP resolves the caller identity for the IP layer. Behind the expected
// reverse proxy the first X-Forwarded-For entry is the origin; X-Real-IP is
// the secondary source, then the socket address.
func clientIP(req *http.Request) string {
	var xffFirst string
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		xffFirst = strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	host := req.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	ip := sysutil.FirstNonEmpty(xffFirst, req.Header.Get("X-Real-IP"), host)
	if ip == "" {
		return "unknown"
	}
	return strings.TrimSpace(ip)
}

// lastN returns the trailing n bytes of s, or s itself when shorter.
func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
