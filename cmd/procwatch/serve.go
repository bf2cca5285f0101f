package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procwatch"
	"github.com/loykin/procwatch/internal/runner"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the procwatch daemon",
		Long: `Run the daemon: start every configured process in dependency order,
supervise it and serve the control API until SIGINT or SIGTERM.

Examples:
  procwatch serve procwatch.toml
  procwatch serve --config=procwatch.toml --daemonize --pidfile=/run/procwatch.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(global, args)
			if flags.Daemonize {
				return daemonize(flags.LogFile)
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), path, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file (with --daemonize)")
	cmd.Flags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", time.Minute, "bound on stopping processes at exit")
	return cmd
}

// runServe blocks until ctx is cancelled or the API server fails, then shuts
// the system down.
func runServe(ctx context.Context, out io.Writer, path string, flags ServeFlags) error {
	if path == "" {
		return errors.New("config file required for serve: use --config or pass it as argument")
	}
	cfg, err := procwatch.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	sys, err := procwatch.New(cfg)
	if err != nil {
		return err
	}
	if flags.PidFile != "" {
		if err := runner.WritePIDFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(flags.PidFile) }()
	}

	res, err := sys.Start(ctx)
	if err != nil {
		_ = sys.Shutdown(context.Background())
		return err
	}
	printResult(out, res.Message, res.Errors, res.Warnings)
	if u := sys.URL(); u != "" {
		_, _ = fmt.Fprintf(out, "api listening on %s\n", u)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-sys.ServeErr():
	}

	_, _ = fmt.Fprintln(out, "shutting down...")
	timeout := flags.ShutdownTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Join(serveErr, sys.Shutdown(sctx))
}
