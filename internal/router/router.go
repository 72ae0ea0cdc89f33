package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/response"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

const (
	HeaderRequestID = "X-Request-ID"

	MsgRunning         = "Server is running"
	MsgRouteNotFound   = "Route not found"
	MsgTooManyRequests = "Too many requests, please try again later"
)

// HTTPObserver receives one observation per request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Options configures New. Zero values disable the optional parts.
type Options struct {
	Logger    *zap.SugaredLogger
	Responder *response.Responder

	// Auth builds the /api/v1/auth router around the given rate limiter.
	Auth func(limit func(http.Handler) http.Handler) http.Handler

	Metrics        http.Handler
	Observer       HTTPObserver
	AllowedOrigins []string
	// AuthRateLimit is requests per minute per client IP on credential endpoints.
	AuthRateLimit int
	// TrustProxy takes the client address from X-Forwarded-For, X-Real-IP or
	// True-Client-IP. Enable it only behind a proxy that overwrites them.
	TrustProxy bool
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if lrw.status == 0 {
		lrw.status = code
	}
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// LoggingMiddleware tags every request with an X-Request-ID, logs it at debug
// level and reports its latency to observer, which may be nil.
func LoggingMiddleware(logger *zap.SugaredLogger, observer HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = utilities.NewKSUID()
			}
			w.Header().Set(HeaderRequestID, id)

			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)

			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if observer != nil {
				observer.ObserveHTTP(r.Method, route, status, dur)
			}
			logger.Debugw("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			// HSTS only over TLS
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// New mounts the auth API, metrics and health routes behind the common
// middleware stack.
func New(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	resp := opts.Responder
	if resp == nil {
		resp = response.NewResponder(logger, false)
	}

	r := chi.NewRouter()
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(LoggingMiddleware(logger, opts.Observer))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Type", HeaderRequestID},
		ExposedHeaders:   []string{HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Compress(5))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		resp.Error(w, req, apperror.NotFound(MsgRouteNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		resp.Error(w, req, apperror.NotFound(MsgRouteNotFound))
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		resp.OK(w, MsgRunning, nil)
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Auth != nil {
		r.Mount("/api/v1/auth", opts.Auth(rateLimiter(opts.AuthRateLimit, resp)))
	}
	return r
}

// rateLimiter returns a per-IP limiter, or nil when limit is not positive.
// It keys on RemoteAddr, which only RealIP may rewrite.
func rateLimiter(limit int, resp *response.Responder) func(http.Handler) http.Handler {
	if limit <= 0 {
		return nil
	}
	return httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			resp.Error(w, r, apperror.TooManyRequests(MsgTooManyRequests))
		}),
	)
}
