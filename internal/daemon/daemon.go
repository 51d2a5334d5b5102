// Package daemon implements the Daemon API (C6): the HTTP surface spec.md
// §6 describes, wiring the session store, tool runtime, policy value,
// approval broker, and agent step engine together behind chi routes.
//
// Grounded on the teacher's internal/server/server.go (chi router +
// middleware stack construction, Config/New shape) and routes.go (route
// grouping style), rewritten around this package's much narrower surface —
// one resource (sessions) instead of the teacher's project/provider/mcp/
// formatter/tui sprawl.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blah-code/blah-code/internal/broker"
	"github.com/blah-code/blah-code/internal/modeltransport"
	"github.com/blah-code/blah-code/internal/policy"
	"github.com/blah-code/blah-code/internal/store"
	"github.com/blah-code/blah-code/pkg/types"
)

// ToolRuntime is the subset of toolruntime.Runtime the daemon depends on,
// matching engine.ToolRuntime so the same concrete *toolruntime.Runtime
// satisfies both without the daemon importing the engine package's
// interface directly.
type ToolRuntime interface {
	ListToolSpecs() []types.ToolSpec
	PermissionFor(name string) (types.PermissionOp, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any, cwd string) (map[string]any, error)
	Close() error
}

// Config holds daemon configuration.
type Config struct {
	Host         string
	Port         int
	Cwd          string
	ModelID      string
	DBPath       string
	LogPath      string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default daemon configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         4096,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE streams run indefinitely
	}
}

// Daemon is the HTTP server described in spec.md §6.
type Daemon struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server

	store     *store.Store
	tools     ToolRuntime
	transport modeltransport.Transport
	broker    *broker.Broker

	policyMu sync.RWMutex
	policy   policy.Policy

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	startedAt time.Time

	requestsTotal *prometheus.CounterVec
}

// New constructs a Daemon with its router fully configured. initialPolicy
// is the normalized policy.Policy the engine evaluates against; it may be
// replaced wholesale via POST /v1/permissions/rules.
func New(cfg Config, st *store.Store, tools ToolRuntime, transport modeltransport.Transport, brk *broker.Broker, initialPolicy policy.Policy) *Daemon {
	registry := prometheus.NewRegistry()
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blah_code_daemon_http_requests_total",
		Help: "Total HTTP requests served by the daemon, by method, route, and status class.",
	}, []string{"method", "route", "status"})
	registry.MustRegister(requestsTotal)

	d := &Daemon{
		cfg:           cfg,
		store:         st,
		tools:         tools,
		transport:     transport,
		broker:        brk,
		policy:        initialPolicy,
		runs:          make(map[string]context.CancelFunc),
		startedAt:     time.Now().UTC(),
		requestsTotal: requestsTotal,
	}

	d.router = chi.NewRouter()
	d.setupMiddleware()
	d.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	d.setupRoutes()
	return d
}

func (d *Daemon) setupMiddleware() {
	d.router.Use(middleware.RequestID)
	d.router.Use(middleware.Logger)
	d.router.Use(middleware.Recoverer)
	d.router.Use(middleware.RealIP)
	d.router.Use(d.countRequests)

	if d.cfg.EnableCORS {
		d.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Router returns the chi router, for tests (httptest.NewServer / direct
// ServeHTTP calls) and for Start below.
func (d *Daemon) Router() *chi.Mux {
	return d.router
}

// Start begins serving on cfg.Host:cfg.Port. It blocks until the server
// stops (Shutdown, or a listener error).
func (d *Daemon) Start() error {
	d.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port),
		Handler:      d.router,
		ReadTimeout:  d.cfg.ReadTimeout,
		WriteTimeout: d.cfg.WriteTimeout,
	}
	err := d.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, letting in-flight SSE streams and
// requests drain within ctx's deadline.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.httpSrv == nil {
		return nil
	}
	return d.httpSrv.Shutdown(ctx)
}

func (d *Daemon) currentPolicy() policy.Policy {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	return d.policy
}

func (d *Daemon) setPolicy(p policy.Policy) {
	d.policyMu.Lock()
	d.policy = p
	d.policyMu.Unlock()
}

func (d *Daemon) registerRun(sessionID string, cancel context.CancelFunc) {
	d.runsMu.Lock()
	d.runs[sessionID] = cancel
	d.runsMu.Unlock()
}

func (d *Daemon) unregisterRun(sessionID string) {
	d.runsMu.Lock()
	delete(d.runs, sessionID)
	d.runsMu.Unlock()
}

func (d *Daemon) activeSessionIDs() []string {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	out := make([]string, 0, len(d.runs))
	for id := range d.runs {
		out = append(out, id)
	}
	return out
}

func (d *Daemon) cancelRun(sessionID string) bool {
	d.runsMu.Lock()
	cancel, ok := d.runs[sessionID]
	d.runsMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func apiKeyPresent() bool {
	return os.Getenv("ANTHROPIC_API_KEY") != ""
}

// countRequests increments requestsTotal once per request, labeled by
// method, the matched chi route pattern (not the raw path, so /v1/sessions/
// {id} doesn't explode into one label per session ID), and status class.
func (d *Daemon) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d.requestsTotal.WithLabelValues(r.Method, route, statusClass(status)).Inc()
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
