package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/watchdog/internal/auth"
	"github.com/loykin/watchdog/internal/degrade"
	"github.com/loykin/watchdog/internal/supervisor"
)

// Router provides embeddable HTTP handlers for inspecting the supervisor.
// Endpoints:
//
//	GET  {basePath}/status              supervisor status
//	GET  {basePath}/healthz             200 when healthy, 503 otherwise
//	GET  {basePath}/degradation         degradation policy status
//	POST {basePath}/degradation/signal  body: degrade.Signal JSON, bearer token when Auth is set
//	GET  /metrics                       when a metrics handler is given
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      StatusSource
	deg      DegradationPolicy
	metrics  http.Handler
	auth     *auth.Middleware
	basePath string
	now      func() time.Time
}

// StatusSource is the part of the supervisor the router reads.
type StatusSource interface {
	Status(ctx context.Context, now time.Time) supervisor.Status
}

// DegradationPolicy is the part of degrade.Policy the router drives.
// Tick is called before every read so an elapsed window is reported as over.
type DegradationPolicy interface {
	Tick(now time.Time) degrade.Mode
	Status(now time.Time) degrade.Status
	Handle(sig degrade.Signal) degrade.Action
}

// Options configures a Router. Degradation, Metrics and Auth are optional.
type Options struct {
	Supervisor  StatusSource
	Degradation DegradationPolicy
	Metrics     http.Handler
	// Auth guards the endpoints that change state.
	Auth     *auth.Middleware
	BasePath string
	Clock    func() time.Time
}

// NewRouter constructs a new Router.
// Example BasePath: "/api" results in /api/status, /api/healthz, ...
func NewRouter(opts Options) *Router {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Router{
		sup:      opts.Supervisor,
		deg:      opts.Degradation,
		metrics:  opts.Metrics,
		auth:     opts.Auth,
		basePath: sanitizeBase(opts.BasePath),
		now:      now,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/degradation", r.handleDegradation)
	group.POST("/degradation/signal", r.auth.GinAuth(), r.handleSignal)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server's Shutdown or Close.
func NewServer(addr string, opts Options) (*http.Server, error) {
	r := NewRouter(opts)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Stale   bool   `json:"stale"`
}

type signalResp struct {
	Action string         `json:"action"`
	Status degrade.Status `json:"status"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.sup == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "supervisor not attached"})
		return
	}
	writeJSON(c, http.StatusOK, r.sup.Status(c.Request.Context(), r.now()))
}

func (r *Router) handleHealthz(c *gin.Context) {
	if r.sup == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "supervisor not attached"})
		return
	}
	st := r.sup.Status(c.Request.Context(), r.now())
	resp := healthResp{Healthy: st.Healthy(), State: st.State, Stale: st.Liveness.Stale}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleDegradation(c *gin.Context) {
	if r.deg == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "degradation policy not configured"})
		return
	}
	writeJSON(c, http.StatusOK, r.degradationStatus(r.now()))
}

func (r *Router) degradationStatus(now time.Time) degrade.Status {
	r.deg.Tick(now)
	return r.deg.Status(now)
}

func (r *Router) handleSignal(c *gin.Context) {
	if r.deg == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "degradation policy not configured"})
		return
	}
	var sig degrade.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(sig.Message) == "" && sig.Status == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "message or status required"})
		return
	}
	r.deg.Tick(r.now())
	action := r.deg.Handle(sig)
	writeJSON(c, http.StatusOK, signalResp{Action: action.String(), Status: r.degradationStatus(r.now())})
}
