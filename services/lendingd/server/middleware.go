package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client identifier using a token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMin requests per minute per client. Zero disables
// limiting.
func NewRateLimiter(perMin int) *RateLimiter {
	burst := perMin / 4
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMin) / 60),
		burst:    burst,
	}
}

// Middleware rejects over-limit clients with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.limit <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		if !r.limiterFor(clientID(req)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiterFor(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	// Drop idle entries so the map does not grow with one-off clients.
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > 10*time.Minute {
			delete(r.visitors, id)
		}
	}
	v := &visitor{limiter: rate.NewLimiter(r.limit, r.burst), lastSeen: now}
	r.visitors[id] = v
	return v.limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = ip[:comma]
		}
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Observability wraps handlers with an otel span and request metrics.
type Observability struct {
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewObservability registers the HTTP metric families; nil uses the default
// registry.
func NewObservability(service string, reg prometheus.Registerer) *Observability {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Observability{
		tracer: otel.Tracer(service),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isolend_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "method", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "isolend_http_request_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Middleware records a span and metrics for every request.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if o == nil {
			next.ServeHTTP(w, req)
			return
		}
		route := req.URL.Path
		ctx, span := o.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, route),
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
			))
		defer span.End()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, req.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		o.requests.WithLabelValues(route, req.Method, fmt.Sprintf("%d", recorder.status)).Inc()
		o.durations.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Authenticator guards mutating routes with a shared secret header or a JWT
// bearer token. Either credential is sufficient.
type Authenticator struct {
	header    string
	secret    string
	jwtSecret []byte
	logger    *slog.Logger
}

// NewAuthenticator builds the guard; empty credentials disable that scheme.
func NewAuthenticator(header, secret, jwtSecret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		header:    header,
		secret:    secret,
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
	}
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a == nil || a.authorized(req) {
			next.ServeHTTP(w, req)
			return
		}
		a.logger.Warn("unauthenticated request", "path", req.URL.Path, "client", clientID(req))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})
}

func (a *Authenticator) authorized(req *http.Request) bool {
	if a.secret != "" {
		provided := strings.TrimSpace(req.Header.Get(a.header))
		if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(a.secret)) == 1 {
			return true
		}
	}
	if len(a.jwtSecret) > 0 {
		raw := strings.TrimSpace(req.Header.Get("Authorization"))
		if strings.HasPrefix(raw, "Bearer ") {
			token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
			parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return a.jwtSecret, nil
			}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
			if err == nil && parsed.Valid {
				return true
			}
		}
	}
	return false
}
