package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	pk := command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createCheckCommand(pk),
		createWriteCommand(pk),
		createMoveCommand(pk),
		createRemoveCommand(pk),
		createSignalCommand(pk),
		createWaitCommand(pk),
		createStatusCommand(pk),
		createHistoryCommand(pk),
		createServeCommand(pk),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pidkeeper",
		Short: "Daemon pidfile manager",
		Long: `pidkeeper records the process ID of a running daemon in a pidfile and
tells whether the process named by a pidfile is still alive.

Examples:
  pidkeeper check --pidfile=/run/app.pid      # exit 0 if running, 1 if not
  pidkeeper status --pidfile=/run/app.pid --json
  pidkeeper serve --config=pidkeeper.toml     # run the reference daemon
  pidkeeper status --api-url=http://host:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.PIDFile, "pidfile", "", "pidfile path (overrides [pidfile].path)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	return root
}

func createCheckCommand(pk command) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Exit 0 if the pidfile names a live process, 1 otherwise",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Check()
		},
	}
}

func createWriteCommand(pk command) *cobra.Command {
	f := &WriteFlags{}
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Atomically write a pid into the pidfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Write(*f)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "process ID to record")
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}

func createMoveCommand(pk command) *cobra.Command {
	f := &MoveFlags{}
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move the pidfile to a new path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Move(*f)
		},
	}
	cmd.Flags().StringVar(&f.To, "to", "", "destination path")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func createRemoveCommand(pk command) *cobra.Command {
	f := &RemoveFlags{}
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a stale pidfile, or a live one whose pid matches --pid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Remove(*f)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "remove only if the pidfile names this live pid")
	cmd.Flags().BoolVar(&f.Force, "force", false, "remove even if another live process is recorded")
	return cmd
}

func createSignalCommand(pk command) *cobra.Command {
	f := &SignalFlags{}
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Send a signal to the process named by the pidfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Signal(*f)
		},
	}
	cmd.Flags().StringVar(&f.Signal, "signal", "TERM", "signal name or number")
	return cmd
}

func createWaitCommand(pk command) *cobra.Command {
	f := &WaitFlags{}
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the recorded process exits (or, with --running, starts)",
		Long: `Poll the pidfile, or a bare --pid, until the process is gone. Exits 1 on timeout.

Examples:
  pidkeeper signal --pidfile=/run/app.pid --signal=TERM && pidkeeper wait --pidfile=/run/app.pid --timeout=30s
  pidkeeper wait --pidfile=/run/app.pid --running --timeout=10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Wait(*f)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "wait on this pid instead of the pidfile")
	cmd.Flags().BoolVar(&f.Running, "running", false, "wait until the process is running instead")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "give up after this long (0 waits forever)")
	cmd.Flags().DurationVar(&f.Interval, "interval", 200*time.Millisecond, "poll interval")
	return cmd
}

func createStatusCommand(pk command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pidfile holder",
		Long: `Show who holds the pidfile: pid, process name, command line and start time.

Examples:
  pidkeeper status --pidfile=/run/app.pid
  pidkeeper status --json
  pidkeeper status --api-url=http://localhost:8080/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Status(*f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createHistoryCommand(pk command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent pidfile lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.History(*f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	cmd.Flags().StringVar(&f.DSN, "dsn", "", "history store DSN (overrides [history].dsn)")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "query a running daemon, e.g. http://localhost:8080/api")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "API request timeout")
	cmd.Flags().StringVar(&f.CACert, "api-ca", "", "CA certificate for an HTTPS daemon")
	cmd.Flags().BoolVar(&f.Insecure, "api-insecure", false, "skip TLS certificate verification")
}

func createServeCommand(pk command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pidkeeper daemon",
		Long: `Claim the pidfile for this process, serve the status endpoint and keep the
pidfile in sync with the config. SIGHUP re-reads the config and moves the
pidfile if [pidfile].path changed; SIGINT and SIGTERM remove it and exit.

Examples:
  pidkeeper serve --config=pidkeeper.toml
  pidkeeper serve --config=pidkeeper.toml --daemonize --logfile=/var/log/pidkeeper.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pk.Serve(*f, os.Args[1:])
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}
