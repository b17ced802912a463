package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pidkeeper/internal/daemon"
	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/metrics"
)

// StatusSource reports the state of the served pidfile. *daemon.Instance
// implements it.
type StatusSource interface {
	Status() (daemon.Status, error)
}

// Router provides embeddable HTTP handlers for reporting pidfile state.
// Endpoints:
//
//	GET {basePath}/status   validate result and holder details
//	GET {basePath}/healthz  200 while the pidfile names a live process, else 503
//	GET {basePath}/history  recent lifecycle events, query: limit=N
//	GET /metrics            Prometheus metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	history  history.Reader
	basePath string
	logger   *slog.Logger
}

type RouterOption func(*Router)

// WithHistory enables the history endpoint.
func WithHistory(r history.Reader) RouterOption {
	return func(rt *Router) { rt.history = r }
}

// WithLogger sets where serve errors of NewServer and NewTLSServer go.
func WithLogger(l *slog.Logger) RouterOption {
	return func(rt *Router) {
		if l != nil {
			rt.logger = l
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/status, /abc/healthz.
func NewRouter(src StatusSource, basePath string, opts ...RouterOption) *Router {
	r := &Router{src: src, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Mount(g)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Mount registers the pidfile routes on an existing gin engine.
func (r *Router) Mount(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	if r.history != nil {
		group.GET("/history", r.handleHistory)
	}
}

// NewServer binds addr and serves this router on it in the background.
// A bind failure is returned; the returned server's Addr is the bound
// address.
func NewServer(addr, basePath string, src StatusSource, opts ...RouterOption) (*http.Server, error) {
	r := NewRouter(src, basePath, opts...)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := newHTTPServer(ln.Addr().String(), r)
	go func() { r.logServeErr(server.Serve(ln)) }()
	return server, nil
}

// NewTLSServer is NewServer over HTTPS. tlsCfg must supply certificates,
// typically through GetCertificate.
func NewTLSServer(addr, basePath string, src StatusSource, tlsCfg *tls.Config, opts ...RouterOption) (*http.Server, error) {
	if tlsCfg == nil {
		return nil, errors.New("tls config is nil")
	}
	r := NewRouter(src, basePath, opts...)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := newHTTPServer(ln.Addr().String(), r)
	server.TLSConfig = tlsCfg
	go func() { r.logServeErr(server.ServeTLS(ln, "", "")) }()
	return server, nil
}

func (r *Router) logServeErr(err error) {
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Error("status server stopped", "error", err)
	}
}

func newHTTPServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK  bool `json:"ok"`
	PID int  `json:"pid,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.src.Status()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleHealthz(c *gin.Context) {
	st, err := r.src.Status()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !st.Running {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{OK: false})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true, PID: st.PID})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be an integer in 1..1000"})
			return
		}
		limit = n
	}
	evs, err := r.history.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}
