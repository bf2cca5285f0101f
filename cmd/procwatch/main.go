package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	c := &command{global: global}

	root := &cobra.Command{
		Use:   "procwatch",
		Short: "Process supervisor with health monitoring",
		Long: `procwatch starts a set of dependent processes in order, watches their
health, restarts them within a budget and reports system stability.

Examples:
  procwatch serve --config=procwatch.toml   # run the daemon
  procwatch status                          # query the local daemon
  procwatch restart api --api-url=http://host:8090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&global.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	pf.StringVar(&global.APIUrl, "api-url", "", "daemon URL including base path (default from config or "+defaultAPIUrl+")")
	pf.DurationVar(&global.APITimeout, "api-timeout", 2*time.Minute, "request timeout")
	pf.BoolVar(&global.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&global.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	pf.BoolVar(&global.JSON, "json", false, "print raw JSON")
	pf.StringVar(&global.Token, "token", "", "bearer token for an authenticated daemon")
	pf.StringVar(&global.SessionFile, "session", "", "session file written by login (default ~/.procwatch/session.json)")

	root.AddCommand(
		createServeCommand(global),
		createValidateCommand(c),
		createStatusCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createResetCommand(c),
		createAlertsCommand(c),
		createWatchdogCommand(c),
		createLoginCommand(c),
		createLogoutCommand(c),
		createHashPasswordCommand(c),
	)
	return root
}

func createValidateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a config file and print the start order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate(cmd.OutOrStdout(), configArg(c.global, args))
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [process]",
		Short: "Show system or process status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), firstArg(args))
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [process]",
		Short: "Start the whole system, or one process",
		Long: `Without an argument every process is started in dependency order.
With a process id only that process is started; its dependencies must be
running already.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout(), firstArg(args), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.SkipStability, "skip-stability", false, "do not arm the stability window")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [process]",
		Short: "Stop the whole system, or one process",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), firstArg(args))
		},
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <process>",
		Short: "Restart one process without consuming its restart budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createResetCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <process>",
		Short: "Clear the restart count and exhaustion of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reset(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createAlertsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "List recent watchdog alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Alerts(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createWatchdogCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Show watchdog scores and resource trend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watchdog(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func configArg(g *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return g.ConfigPath
}
