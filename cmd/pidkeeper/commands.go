package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loykin/pidkeeper/internal/config"
	"github.com/loykin/pidkeeper/internal/detector"
	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/history/factory"
	"github.com/loykin/pidkeeper/internal/logger"
	"github.com/loykin/pidkeeper/internal/pidfile"
	"github.com/loykin/pidkeeper/pkg/client"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
}

// loadConfig reads --config and applies the persistent flag overrides.
func (c *command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.global.PIDFile != "" {
		cfg.PIDFile.Path = c.global.PIDFile
	}
	if c.global.LogLevel != "" {
		if _, err := logger.ParseLevel(c.global.LogLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = c.global.LogLevel
	}
	return cfg, nil
}

func (c *command) setup() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer := cfg.Logger().NewSlogger()
	return cfg, log, closer, nil
}

// Check exits 0 when the pidfile names a live process and 1 otherwise.
func (c *command) Check() error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	path := cfg.PIDFile.Path
	res, err := pidfile.New(path).Validate()
	if err != nil {
		return err
	}
	log.Debug("validated pidfile", "path", path, "result", res.String())
	if pid, ok := res.PID(); ok {
		_, _ = fmt.Fprintf(c.out, "running (pid %d)\n", pid)
		return nil
	}
	_, _ = fmt.Fprintln(c.out, "not running")
	return exitError{code: 1}
}

func (c *command) Write(f WriteFlags) error {
	if !pidfile.ValidPID(f.PID) {
		return fmt.Errorf("--pid must be between 1 and %d", pidfile.MaxPID)
	}
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := pidfile.New(cfg.PIDFile.Path).Create(f.PID); err != nil {
		return err
	}
	log.Info("pidfile written", "path", cfg.PIDFile.Path, "pid", f.PID)
	return nil
}

func (c *command) Move(f MoveFlags) error {
	if strings.TrimSpace(f.To) == "" {
		return fmt.Errorf("--to is required")
	}
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := pidfile.New(cfg.PIDFile.Path).Rename(f.To); err != nil {
		return err
	}
	log.Info("pidfile moved", "from", cfg.PIDFile.Path, "to", f.To)
	return nil
}

// Remove deletes a stale pidfile. A pidfile naming a live process is only
// removed when --pid matches it or --force is given.
func (c *command) Remove(f RemoveFlags) error {
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	path := cfg.PIDFile.Path
	res, err := pidfile.New(path).Validate()
	if err != nil {
		return err
	}
	if pid, ok := res.PID(); ok && pid != f.PID && !f.Force {
		return fmt.Errorf("%s names live PID %d; pass --pid %d or --force", path, pid, pid)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove pidfile: %w", err)
	}
	log.Info("pidfile removed", "path", path, "was", res.String())
	return nil
}

// Signal sends a signal to the process named by the pidfile.
func (c *command) Signal(f SignalFlags) error {
	sig, err := lookupSignal(f.Signal)
	if err != nil {
		return err
	}
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	path := cfg.PIDFile.Path
	res, err := pidfile.New(path).Validate()
	if err != nil {
		return err
	}
	pid, ok := res.PID()
	if !ok {
		return fmt.Errorf("no running process recorded in %s", path)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	log.Info("signal sent", "pid", pid, "signal", sig.String())
	return nil
}

func (c *command) Status(f StatusFlags) error {
	if f.API.URL != "" {
		return c.statusViaAPI(f)
	}
	cfg, _, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	h, err := detector.DescribeHolder(cfg.PIDFile.Path, nil)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, h)
		return nil
	}
	c.printHolder(h)
	return nil
}

func (c *command) statusViaAPI(f StatusFlags) error {
	cl, ctx, cancel := f.API.client()
	defer cancel()
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, st)
		return nil
	}
	h := detector.Holder{Path: st.Path, Running: st.Running, PID: st.PID, WrittenAt: st.WrittenAt, PIDReused: st.PIDReused}
	if st.Process != nil {
		h.Process = &detector.ProcessInfo{
			PID: st.Process.PID, Name: st.Process.Name, Cmdline: st.Process.Cmdline,
			Username: st.Process.Username, StartedAt: st.Process.StartedAt,
		}
	}
	c.printHolder(h)
	return nil
}

func (c *command) printHolder(h detector.Holder) {
	w := c.out
	_, _ = fmt.Fprintf(w, "pidfile: %s\n", h.Path)
	if !h.Running {
		_, _ = fmt.Fprintln(w, "state:   not running")
		return
	}
	_, _ = fmt.Fprintf(w, "state:   running (pid %d)\n", h.PID)
	if !h.WrittenAt.IsZero() {
		_, _ = fmt.Fprintf(w, "written: %s\n", h.WrittenAt.Format(time.RFC3339))
	}
	if p := h.Process; p != nil {
		if p.Name != "" {
			_, _ = fmt.Fprintf(w, "name:    %s\n", p.Name)
		}
		if p.Cmdline != "" {
			_, _ = fmt.Fprintf(w, "command: %s\n", p.Cmdline)
		}
		if p.Username != "" {
			_, _ = fmt.Fprintf(w, "user:    %s\n", p.Username)
		}
		if !p.StartedAt.IsZero() {
			_, _ = fmt.Fprintf(w, "started: %s\n", p.StartedAt.Format(time.RFC3339))
		}
	}
	if h.PIDReused {
		_, _ = fmt.Fprintln(w, "warning: process started after the pidfile was written; the pid may have been reused")
	}
}

// History lists recent lifecycle events from the daemon API or straight
// from the configured history store.
func (c *command) History(f HistoryFlags) error {
	if f.API.URL != "" {
		cl, ctx, cancel := f.API.client()
		defer cancel()
		evs, err := cl.History(ctx, f.Limit)
		if err != nil {
			return err
		}
		for _, e := range evs {
			c.printEvent(e.OccurredAt, e.Type, e.Record.Path, e.Record.PrevPath, e.Record.PID, e.Record.Host)
		}
		return nil
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	dsn := f.DSN
	if dsn == "" {
		dsn = cfg.History.DSN
	}
	if dsn == "" {
		return fmt.Errorf("no history store: set [history].dsn or pass --dsn")
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return err
	}
	if cl, ok := sink.(io.Closer); ok {
		defer func() { _ = cl.Close() }()
	}
	r, ok := sink.(history.Reader)
	if !ok {
		return fmt.Errorf("history store %T cannot be listed", sink)
	}
	evs, err := r.Recent(context.Background(), f.Limit)
	if err != nil {
		return err
	}
	for _, e := range evs {
		c.printEvent(e.OccurredAt, string(e.Type), e.Record.Path, e.Record.PrevPath, e.Record.PID, e.Record.Host)
	}
	return nil
}

func (c *command) printEvent(at time.Time, typ, path, prev string, pid int, host string) {
	line := fmt.Sprintf("%s  %-7s  %s", at.Format(time.RFC3339), typ, path)
	if prev != "" {
		line += " (from " + prev + ")"
	}
	if pid > 0 {
		line += fmt.Sprintf("  pid=%d", pid)
	}
	if host != "" {
		line += "  host=" + host
	}
	_, _ = fmt.Fprintln(c.out, line)
}

func (a APIFlags) client() (*client.Client, context.Context, context.CancelFunc) {
	cfg := client.Config{BaseURL: a.URL, Timeout: a.Timeout, Insecure: a.Insecure}
	if a.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: a.CACert}
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
	return client.New(cfg), ctx, cancel
}

// Wait polls until the pidfile holder (or --pid) has exited, or with
// --running until it is alive. It returns exit code 1 on timeout.
func (c *command) Wait(f WaitFlags) error {
	if f.PID != 0 && !pidfile.ValidPID(f.PID) {
		return fmt.Errorf("--pid must be between 1 and %d", pidfile.MaxPID)
	}
	cfg, log, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	var d detector.Detector = detector.PIDFileDetector{PIDFile: cfg.PIDFile.Path}
	if f.PID > 0 {
		d = detector.PIDDetector{PID: f.PID}
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ctx := context.Background()
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		alive, err := d.Alive()
		if err != nil {
			return err
		}
		if alive == f.Running {
			log.Debug("wait finished", "target", d.Describe(), "alive", alive)
			return nil
		}
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintf(c.out, "timed out waiting on %s\n", d.Describe())
			return exitError{code: 1}
		case <-ticker.C:
		}
	}
}
