// Package server is the HTTP surface: inspect submission, fleet stats,
// admin relog and the operational endpoints. Handlers speak the stable
// {error, code} envelope; everything else is middleware.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/bot"
	"github.com/csinspect/inspectd/internal/cache"
	"github.com/csinspect/inspectd/internal/job"
	"github.com/csinspect/inspectd/internal/metrics"
	"github.com/csinspect/inspectd/internal/queue"
)

// maxBodyBytes caps inspect submission bodies at 5 MiB.
const maxBodyBytes = 5 << 20

// Config holds everything the HTTP layer needs from the service config.
type Config struct {
	Host string
	Port int

	APIKey   string
	PriceKey string

	MaxSimultaneousRequests int
	MaxQueueSize            int
	MaxAttempts             int

	AllowedOrigins      []string
	AllowedRegexOrigins []string
	TrustProxy          bool

	RateLimitEnable bool
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Deps are the service components the handlers operate on.
type Deps struct {
	Queue    *queue.Queue
	Bots     *bot.Controller
	Cache    *cache.Cache
	Resolver Resolver
	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer
}

// Resolver fills a job's cache hits and merges prices and ranks; the
// remaining misses go through the scheduler.
type Resolver interface {
	FillFromCache(j *job.Job) int
}

// Server is the HTTP front-end.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	server *http.Server

	originRegexes []*regexp.Regexp
	limiter       *fixedWindow
}

// New builds the router and middleware chain. Invalid origin regexes are
// rejected up front.
func New(cfg Config, deps Deps) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
	}
	for _, expr := range cfg.AllowedRegexOrigins {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_regex_origins entry %q: %w", expr, err)
		}
		s.originRegexes = append(s.originRegexes, re)
	}
	if cfg.RateLimitEnable {
		s.limiter = newFixedWindow(cfg.RateLimitWindow, cfg.RateLimitMax)
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.accessLogMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}
	api.HandleFunc("/inspect", s.handleInspect).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/relog", s.handleRelog).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apierr.GenericBad.WithMessage("Not found"))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router, used by the handler tests.
func (s *Server) Handler() http.Handler { return s.router }

// clientIP resolves the caller address, honoring X-Forwarded-For only
// when the deployment fronts the service with a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), requestID)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", requestIDFrom(r.Context())).
					Msg("Handler panicked")
				writeError(w, apierr.GenericBad)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPDuration.
				WithLabelValues(route, strconv.Itoa(wrapper.status)).
				Observe(duration.Seconds())
		}
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", duration).
			Str("ip", s.clientIP(r)).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("Request handled")
	})
}

// corsMiddleware reflects the Origin header when it matches a configured
// literal or regex origin. No configured origins means no CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	for _, re := range s.originRegexes {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(s.clientIP(r)) {
			writeError(w, apierr.RateLimit)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fixedWindow is a per-IP fixed-window counter. Windows reset lazily on
// the first request after expiry.
type fixedWindow struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	counts map[string]*windowState
}

type windowState struct {
	count int
	reset time.Time
}

func newFixedWindow(window time.Duration, max int) *fixedWindow {
	return &fixedWindow{
		window: window,
		max:    max,
		counts: make(map[string]*windowState),
	}
}

// Allow charges one request against ip's current window.
func (f *fixedWindow) Allow(ip string) bool {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.counts[ip]
	if !ok || now.After(st.reset) {
		f.counts[ip] = &windowState{count: 1, reset: now.Add(f.window)}
		f.gcLocked(now)
		return true
	}
	if st.count >= f.max {
		return false
	}
	st.count++
	return true
}

// gcLocked drops expired windows so the map does not grow unbounded.
func (f *fixedWindow) gcLocked(now time.Time) {
	if len(f.counts) < 4096 {
		return
	}
	for ip, st := range f.counts {
		if now.After(st.reset) {
			delete(f.counts, ip)
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
