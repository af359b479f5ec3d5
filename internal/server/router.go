package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodeactuator/internal/actuator"
	"github.com/loykin/nodeactuator/internal/status"
)

// Controller is what the router drives. *nodeactuator.Daemon implements it.
type Controller interface {
	Request(ctx context.Context, s status.Status) error
	Reconcile(ctx context.Context) (status.Status, error)
	View() status.View
	PID() int
}

// Router provides embeddable HTTP handlers for the node status.
// Endpoints:
//
//	GET  {basePath}/status          current view
//	POST {basePath}/status/:state   off|serving|consuming, 202 with the optimistic view
//	POST {basePath}/reconcile       re-derive the status from the host
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctrl     Controller
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctrl Controller, basePath string) *Router {
	return &Router{ctrl: ctrl, basePath: sanitizeBase(basePath)}
}

// WithMetrics additionally serves h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/status/:state", r.handleRequest)
	group.POST("/reconcile", r.handleReconcile)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The listener is bound before returning, so Addr holds the resolved address.
// Callers stop it with Shutdown or Close.
func NewServer(addr, basePath string, ctrl Controller) (*http.Server, error) {
	return newHTTPServer(addr, NewRouter(ctrl, basePath).Handler())
}

// NewMetricsServer serves h at /metrics on addr.
func NewMetricsServer(addr string, h http.Handler) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return newHTTPServer(addr, mux)
}

func newHTTPServer(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// StatusResp is the body of every successful response.
type StatusResp struct {
	Status       status.Status `json:"status"`
	Label        string        `json:"label"`
	ActiveButton string        `json:"active_button"`
	Invalid      bool          `json:"invalid"`
	PID          int           `json:"pid,omitempty"`
}

func (r *Router) view() StatusResp {
	v := r.ctrl.View()
	return StatusResp{
		Status:       v.Status(),
		Label:        v.Label,
		ActiveButton: v.ActiveButton,
		Invalid:      v.Invalid,
		PID:          r.ctrl.PID(),
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.view())
}

func (r *Router) handleRequest(c *gin.Context) {
	s, err := status.Parse(c.Param("state"))
	if err != nil || !s.Valid() {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "state must be one of off, serving, consuming"})
		return
	}
	if err := r.ctrl.Request(c.Request.Context(), s); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, r.view())
}

func (r *Router) handleReconcile(c *gin.Context) {
	if _, err := r.ctrl.Reconcile(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view())
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, actuator.ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
