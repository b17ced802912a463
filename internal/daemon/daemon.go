// Package daemon applies startup and shutdown policy on top of a pidfile:
// refusing to start over a live holder, moving the pidfile on reload and
// removing it on exit, while recording each step to metrics and history.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/pidkeeper/internal/detector"
	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/metrics"
	"github.com/loykin/pidkeeper/internal/pidfile"
)

var (
	// ErrAlreadyRunning is returned by Claim when another live process holds the pidfile.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotClaimed is returned by Reload before a successful Claim.
	ErrNotClaimed = errors.New("pidfile not claimed")
)

type Option func(*Instance)

func WithLogger(l *slog.Logger) Option {
	return func(i *Instance) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithSink sends lifecycle events to s. Send failures are logged only.
func WithSink(s history.Sink) Option {
	return func(i *Instance) { i.sink = s }
}

func WithProber(p pidfile.Prober) Option {
	return func(i *Instance) { i.prober = p }
}

func WithHostname(h string) Option {
	return func(i *Instance) { i.host = h }
}

// Instance owns the pidfile of one running daemon.
type Instance struct {
	mu      sync.RWMutex
	pf      *pidfile.Pidfile
	claimed bool

	prober pidfile.Prober
	logger *slog.Logger
	sink   history.Sink
	host   string
}

func NewInstance(path string, opts ...Option) *Instance {
	i := &Instance{logger: slog.Default()}
	if h, err := os.Hostname(); err == nil {
		i.host = h
	}
	for _, o := range opts {
		o(i)
	}
	i.pf = pidfile.New(path, pidfile.WithProber(i.prober))
	return i
}

func (i *Instance) Path() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.pf.Path()
}

// Claim writes pid into the pidfile unless another live process holds it.
// Claiming a pidfile that already names pid rewrites it and succeeds.
func (i *Instance) Claim(ctx context.Context, pid int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	path := i.pf.Path()
	res, err := i.validate()
	if err != nil {
		return err
	}
	holder, present := res.PID()
	if present && holder != pid {
		return fmt.Errorf("%w on PID %d, or pidfile %s is stale", ErrAlreadyRunning, holder, path)
	}
	stale := false
	if !present {
		if _, err := os.Stat(path); err == nil {
			stale = true
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat pidfile: %w", err)
		}
	}

	err = i.pf.Create(pid)
	metrics.ObserveOperation("create", err)
	if err != nil {
		return err
	}
	i.claimed = true

	if present {
		i.logger.Debug("pidfile already ours", "path", path, "pid", pid)
		return nil
	}
	if stale {
		i.logger.Warn("replaced stale pidfile", "path", path, "pid", pid)
		i.emit(ctx, history.EventStale, history.Record{Path: path})
	}
	i.logger.Info("pidfile claimed", "path", path, "pid", pid)
	i.emit(ctx, history.EventClaim, history.Record{Path: path, PID: pid})
	return nil
}

// Reload moves a claimed pidfile to newPath.
func (i *Instance) Reload(ctx context.Context, newPath string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.claimed {
		return ErrNotClaimed
	}
	prev := i.pf.Path()
	if newPath == "" || newPath == prev {
		return nil
	}
	err := i.pf.Rename(newPath)
	metrics.ObserveOperation("rename", err)
	if err != nil {
		return err
	}
	pid, _ := i.pf.PID()
	i.logger.Info("pidfile moved", "from", prev, "to", newPath, "pid", pid)
	i.emit(ctx, history.EventRename, history.Record{Path: newPath, PrevPath: prev, PID: pid})
	return nil
}

// Release removes the pidfile if it still names this instance. Calling it
// again, or without a prior Claim, does nothing.
func (i *Instance) Release(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.claimed {
		return nil
	}
	removed, err := i.pf.Remove()
	metrics.ObserveOperation("unlink", err)
	if err != nil {
		return err
	}
	i.claimed = false
	pid, _ := i.pf.PID()
	path := i.pf.Path()
	if !removed {
		i.releaseSkipped(path, pid)
		return nil
	}
	i.logger.Info("pidfile released", "path", path, "pid", pid)
	i.emit(ctx, history.EventRelease, history.Record{Path: path, PID: pid})
	return nil
}

// releaseSkipped logs why Release left the pidfile in place.
func (i *Instance) releaseSkipped(path string, pid int) {
	res, err := i.pf.Validate()
	if err != nil {
		i.logger.Warn("pidfile left in place", "path", path, "pid", pid, "error", err)
		return
	}
	if cur, ok := res.PID(); ok && cur != pid {
		i.logger.Warn("pidfile now belongs to another process, left in place", "path", path, "pid", pid, "holder", cur)
		return
	}
	i.logger.Debug("pidfile already gone", "path", path, "pid", pid)
}

// Status is what the status endpoint and CLI report.
type Status struct {
	detector.Holder
	Claimed   bool      `json:"claimed"`
	OwnPID    int       `json:"own_pid,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func (i *Instance) Status() (Status, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	st := Status{Claimed: i.claimed, CheckedAt: time.Now()}
	if pid, ok := i.pf.PID(); ok && i.claimed {
		st.OwnPID = pid
	}
	h, err := detector.DescribeHolder(i.pf.Path(), i.prober)
	st.Holder = h
	switch {
	case err != nil:
		metrics.ObserveValidation(metrics.OutcomeError)
		return st, err
	case h.Running:
		metrics.ObserveValidation(metrics.OutcomePresent)
	default:
		metrics.ObserveValidation(metrics.OutcomeAbsent)
	}
	return st, nil
}

// Holder reports the live pid recorded in the pidfile, for the holder collector.
func (i *Instance) Holder() (int, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	res, err := i.validate()
	if err != nil {
		return 0, false
	}
	return res.PID()
}

func (i *Instance) validate() (pidfile.Result, error) {
	res, err := i.pf.Validate()
	switch {
	case err != nil:
		metrics.ObserveValidation(metrics.OutcomeError)
	case res.IsPresent():
		metrics.ObserveValidation(metrics.OutcomePresent)
	default:
		metrics.ObserveValidation(metrics.OutcomeAbsent)
	}
	return res, err
}

func (i *Instance) emit(ctx context.Context, t history.EventType, rec history.Record) {
	if i.sink == nil {
		return
	}
	rec.Host = i.host
	ev := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	if err := i.sink.Send(ctx, ev); err != nil {
		i.logger.Warn("history send failed", "event", string(t), "error", err)
	}
}
