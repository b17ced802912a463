package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pidkeeper/internal/config"
	"github.com/loykin/pidkeeper/internal/daemon"
	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/history/factory"
	"github.com/loykin/pidkeeper/internal/metrics"
	"github.com/loykin/pidkeeper/internal/server"
	itls "github.com/loykin/pidkeeper/internal/tls"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the reference daemon: it claims the pidfile for this process,
// serves the status endpoint and keeps the pidfile in sync with the config
// until SIGINT or SIGTERM.
func (c *command) Serve(f ServeFlags, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Daemonize {
		pid, err := daemonize(args, f.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "Daemon started with PID %d\n", pid)
		return nil
	}

	log, closer := cfg.Logger().NewSlogger()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return c.serve(cfg, log, sigCh)
}

func (c *command) serve(cfg *config.Config, log *slog.Logger, sigCh <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		sink   history.Sink
		reader history.Reader
	)
	if cfg.History.Enabled {
		s, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history sink: %w", err)
		}
		if cl, ok := s.(io.Closer); ok {
			defer func() { _ = cl.Close() }()
		}
		sink = s
		reader, _ = s.(history.Reader)
	}

	inst := daemon.NewInstance(cfg.PIDFile.Path, daemon.WithLogger(log), daemon.WithSink(sink))

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		hc := metrics.NewHolderCollector(cfg.Metrics.Interval, log)
		if err := hc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register holder metrics", "error", err)
		}
		hc.Start(ctx, inst.Holder)
		defer hc.Stop()
	}

	if err := inst.Claim(ctx, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := inst.Release(context.Background()); err != nil {
			log.Error("failed to release pidfile", "path", inst.Path(), "error", err)
		}
	}()

	if spec := cfg.PIDFile.VerifySchedule; spec != "" {
		if err := inst.StartVerifier(ctx, spec); err != nil {
			return err
		}
	}

	var srv *http.Server
	if cfg.Server.Listen != "" {
		opts := []server.RouterOption{server.WithLogger(log)}
		if reader != nil {
			opts = append(opts, server.WithHistory(reader))
		}
		tlsCfg, err := itls.Setup(cfg.Server.TLS)
		if err != nil {
			return err
		}
		protocol := "HTTP"
		if tlsCfg != nil {
			protocol = "HTTPS"
			srv, err = server.NewTLSServer(cfg.Server.Listen, cfg.Server.BasePath, inst, tlsCfg, opts...)
		} else {
			srv, err = server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, inst, opts...)
		}
		if err != nil {
			return fmt.Errorf("failed to create %s server: %w", protocol, err)
		}
		log.Info("status server listening", "protocol", protocol, "addr", srv.Addr, "base", cfg.Server.BasePath)
	}

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			c.reload(ctx, inst, log)
			continue
		}
		log.Info("shutting down", "signal", sig.String())
		break
	}

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
	}
	return nil
}

// reload re-reads the config file and moves the pidfile if its path changed.
// A broken config keeps the current pidfile.
func (c *command) reload(ctx context.Context, inst *daemon.Instance, log *slog.Logger) {
	cfg, err := c.loadConfig()
	if err != nil {
		log.Error("reload: keeping current config", "error", err)
		return
	}
	if err := inst.Reload(ctx, cfg.PIDFile.Path); err != nil {
		log.Error("reload: failed to move pidfile", "to", cfg.PIDFile.Path, "error", err)
		return
	}
	log.Info("configuration reloaded", "pidfile", inst.Path())
}
