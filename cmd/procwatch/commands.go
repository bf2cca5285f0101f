package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	cfgpkg "github.com/loykin/procwatch/internal/config"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/pkg/client"
)

type command struct {
	global *GlobalFlags
}

func (c *command) Validate(out io.Writer, path string) error {
	if path == "" {
		return errors.New("config file required: use --config or pass it as argument")
	}
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return err
	}
	e, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	pcs, err := cfg.ProcessConfigs(e, nil)
	if err != nil {
		return err
	}
	m := manager.New(nil, manager.WithSampler(nil))
	for _, pc := range pcs {
		if err := m.RegisterProcess(pc); err != nil {
			return err
		}
	}
	order, err := m.StartOrder()
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(out, map[string]any{"valid": true, "start_order": order})
	}
	_, _ = fmt.Fprintf(out, "config OK: %d process(es)\n", len(order))
	if len(order) > 0 {
		_, _ = fmt.Fprintf(out, "start order: %s\n", strings.Join(order, " -> "))
	}
	return nil
}

func (c *command) Status(ctx context.Context, out io.Writer, id string) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	if id != "" {
		st, err := cl.Process(ctx, id)
		if err != nil {
			return err
		}
		if c.global.JSON {
			return printJSON(out, st)
		}
		printProcesses(out, []client.ProcessState{*st})
		return nil
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(out, st)
	}
	m := st.Metrics
	_, _ = fmt.Fprintf(out, "system: running=%t health=%s processes=%d/%d healthy=%d restarts=%d uptime=%s\n\n",
		st.Running, st.Health, m.RunningProcesses, m.TotalProcesses, m.HealthyProcesses, m.TotalRestarts,
		m.SystemUptime.Truncate(time.Second))
	printProcesses(out, st.Processes)
	return nil
}

func (c *command) Start(ctx context.Context, out io.Writer, id string, f StartFlags) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	if id != "" {
		if err := cl.StartProcess(ctx, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s started\n", id)
		return nil
	}
	res, err := cl.StartSystem(ctx, f.SkipStability)
	if res != nil && (err == nil || res.Message != "") {
		if c.global.JSON {
			_ = printJSON(out, res)
		} else {
			printResult(out, res.Message, res.Errors, res.Warnings)
		}
	}
	return err
}

func (c *command) Stop(ctx context.Context, out io.Writer, id string) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	if id != "" {
		if err := cl.StopProcess(ctx, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s stopped\n", id)
		return nil
	}
	res, err := cl.StopSystem(ctx)
	if res != nil && (err == nil || res.Message != "") {
		if c.global.JSON {
			_ = printJSON(out, res)
		} else {
			printResult(out, res.Message, res.Errors, nil)
		}
	}
	return err
}

func (c *command) Restart(ctx context.Context, out io.Writer, id string) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	if err := cl.RestartProcess(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s restarted\n", id)
	return nil
}

func (c *command) Reset(ctx context.Context, out io.Writer, id string) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	if err := cl.ResetProcess(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s reset\n", id)
	return nil
}

func (c *command) Alerts(ctx context.Context, out io.Writer) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	alerts, err := cl.Alerts(ctx)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(out, alerts)
	}
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "no alerts")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tSEVERITY\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Timestamp.Format(time.RFC3339), a.Type, a.Severity, a.Message)
	}
	return tw.Flush()
}

func (c *command) Watchdog(ctx context.Context, out io.Writer) error {
	cl, err := connect(ctx, c.global)
	if err != nil {
		return err
	}
	m, err := cl.WatchdogMetrics(ctx)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return printJSON(out, m)
	}
	var mem, cpu float64
	if n := len(m.Memory); n > 0 {
		mem = m.Memory[n-1].Value
	}
	if n := len(m.CPU); n > 0 {
		cpu = m.CPU[n-1].Value
	}
	_, _ = fmt.Fprintf(out, "performance=%d stability=%d error_rate=%.1f%% restarts=%d memory=%.1fMB cpu=%.1f%% leak=%t\n",
		m.PerformanceScore, m.StabilityScore, m.ErrorRate, m.RestartCount, mem, cpu, m.MemoryLeak)
	return nil
}

func printProcesses(out io.Writer, ps []client.ProcessState) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tHEALTH\tRESTARTS\tUPTIME\tLAST ERROR")
	for _, p := range ps {
		status := p.Status
		if p.Exhausted {
			status += " (exhausted)"
		}
		lastErr := "-"
		if n := len(p.Errors); n > 0 {
			lastErr = p.Errors[n-1].Message
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			p.ID, p.Name, status, p.HealthScore, p.RestartCount, p.Uptime.Truncate(time.Second), lastErr)
	}
	_ = tw.Flush()
}

func printResult(out io.Writer, msg string, errs, warnings []string) {
	_, _ = fmt.Fprintln(out, msg)
	for _, e := range errs {
		_, _ = fmt.Fprintf(out, "  error: %s\n", e)
	}
	for _, w := range warnings {
		_, _ = fmt.Fprintf(out, "  warning: %s\n", w)
	}
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
