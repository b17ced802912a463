// Package pidkeeper records the process ID of a running daemon in a pidfile
// and tells whether the process named by a pidfile is still alive.
//
// The core is Pidfile (Validate, Create, Rename, Unlink). Instance layers the
// usual daemon policy on top: refuse to start over a live holder, move the
// pidfile on reload, remove it on exit.
package pidkeeper

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/pidkeeper/internal/config"
	"github.com/loykin/pidkeeper/internal/daemon"
	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/history/factory"
	"github.com/loykin/pidkeeper/internal/metrics"
	"github.com/loykin/pidkeeper/internal/pidfile"
	iapi "github.com/loykin/pidkeeper/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Pidfile = pidfile.Pidfile

type Result = pidfile.Result

type Prober = pidfile.Prober

type ProberFunc = pidfile.ProberFunc

var ErrNoDirectory = pidfile.ErrNoDirectory

func New(path string, opts ...pidfile.Option) *Pidfile { return pidfile.New(path, opts...) }
func WithProber(p Prober) pidfile.Option              { return pidfile.WithProber(p) }
func Absent() Result                                  { return pidfile.Absent() }
func Present(pid int) Result                          { return pidfile.Present(pid) }

// Daemon policy facade

type Instance = daemon.Instance

type InstanceStatus = daemon.Status

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	ErrAlreadyRunning = daemon.ErrAlreadyRunning
	ErrNotClaimed     = daemon.ErrNotClaimed
)

func NewInstance(path string, opts ...daemon.Option) *Instance { return daemon.NewInstance(path, opts...) }

var (
	WithLogger       = daemon.WithLogger
	WithHistory      = daemon.WithSink
	WithHostname     = daemon.WithHostname
	WithProbeBackend = daemon.WithProber
)

// NewHistorySink opens a history store from a DSN such as
// "sqlite:///var/lib/pidkeeper/history.db" or "postgres://...".
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func LoadConfig(path string) (*cfg.Config, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the status API for inst.
func NewHTTPServer(addr, basePath string, inst *Instance) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, inst)
}

// NewHandler returns the status API as an http.Handler for mounting in
// another router.
func NewHandler(basePath string, inst *Instance) http.Handler {
	return iapi.NewRouter(inst, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
