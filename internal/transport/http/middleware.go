package transporthttp

import (
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/moderationbridge/internal/metrics"
)

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON ensures Content-Type is application/json for POST and PUT.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			WriteError(w, http.StatusUnsupportedMediaType, "unsupported media type", "expected application/json", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyAuth guards admin endpoints. Keys arrive in X-API-Key or as a
// bearer token; an empty set disables the check.
func APIKeyAuth(allowed map[string]struct{}) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	keys := make([][]byte, 0, len(allowed))
	for k := range allowed {
		keys = append(keys, []byte(k))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keyAllowed(keys, presentedKey(r)) {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func keyAllowed(keys [][]byte, presented string) bool {
	if presented == "" {
		return false
	}
	p := []byte(presented)
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k, p) == 1 {
			ok = true
		}
	}
	return ok
}

type bucket struct {
	tokens   float64
	lastNano int64
}

// clientBuckets holds one token bucket per remote host. A bucket that
// has refilled to capacity carries no state, so sweep drops it.
type clientBuckets struct {
	mu        sync.Mutex
	capacity  float64
	perSec    float64
	byHost    map[string]*bucket
	lastSweep int64
}

func newClientBuckets(limitPerMin int, now time.Time) *clientBuckets {
	return &clientBuckets{
		capacity:  float64(limitPerMin),
		perSec:    float64(limitPerMin) / 60.0,
		byHost:    make(map[string]*bucket),
		lastSweep: now.UnixNano(),
	}
}

// refillWindow is how long an empty bucket takes to fill up again.
func (c *clientBuckets) refillWindow() int64 {
	return int64(c.capacity / c.perSec * 1e9)
}

func (c *clientBuckets) take(host string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.UnixNano()-c.lastSweep >= c.refillWindow() {
		c.sweep(now)
	}
	b, ok := c.byHost[host]
	if !ok {
		b = &bucket{tokens: c.capacity, lastNano: now.UnixNano()}
		c.byHost[host] = b
	}
	elapsed := float64(now.UnixNano()-b.lastNano) / 1e9
	b.lastNano = now.UnixNano()
	b.tokens = min(c.capacity, b.tokens+elapsed*c.perSec)
	if b.tokens < 1.0 {
		return false
	}
	b.tokens -= 1.0
	return true
}

func (c *clientBuckets) sweep(now time.Time) {
	for host, b := range c.byHost {
		elapsed := float64(now.UnixNano()-b.lastNano) / 1e9
		if b.tokens+elapsed*c.perSec >= c.capacity {
			delete(c.byHost, host)
		}
	}
	c.lastSweep = now.UnixNano()
}

// RateLimitPerMinute throttles POSTs per remote host. Reads pass through.
func RateLimitPerMinute(limitPerMin int, clock func() time.Time) func(http.Handler) http.Handler {
	if limitPerMin <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	buckets := newClientBuckets(limitPerMin, clock())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if !buckets.take(remoteHost(r), clock()) {
				w.Header().Set("Retry-After", "3")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "try again later", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Chain applies mw so that the first one listed runs first.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Instrument records request counts and latency under handlerName.
func Instrument(handlerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		metrics.HTTPRequestDuration.WithLabelValues(handlerName, r.Method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// DrainBody fully reads and closes request bodies (handler helper).
func DrainBody(r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
}
