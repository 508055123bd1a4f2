// Command healthd collects engineering health snapshots from the work
// tracker and the vulnerability scanner, stores them and serves them over
// HTTP.
//
//	healthd collect --config healthd.yaml
//	healthd serve --config healthd.yaml --collect-every 6h
//	healthd validate --config healthd.yaml
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/eng-health-collector/internal/config"
	"github.com/Sternrassler/eng-health-collector/pkg/api"
	"github.com/Sternrassler/eng-health-collector/pkg/collector"
	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/logging"
	"github.com/Sternrassler/eng-health-collector/pkg/store"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries flags and the loaded configuration between cobra hooks.
type cli struct {
	out     io.Writer
	cfgFile string
	envFile string
	cfg     *config.Config

	collectEvery time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "healthd",
		Short: "Engineering health collector",
		Long: `Collects work item, pull request, build and vulnerability statistics for
the configured units, persists one snapshot per unit and run, and serves
them through an authenticated, rate limited HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), config.Options{Path: c.cfgFile, EnvFile: c.envFile})
			if err != nil {
				return err
			}
			level, _ := logging.ParseLevel(cfg.Log.Level)
			logging.Setup(logging.Config{Level: level, Pretty: cfg.Log.Pretty, Output: os.Stderr, Service: "healthd"})
			c.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before environment overrides")

	collect := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection over every configured unit",
		Args:  cobra.NoArgs,
		RunE:  c.runCollect,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored snapshots over HTTP",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
	serve.Flags().DurationVar(&c.collectEvery, "collect-every", 0, "also collect on this interval (0 disables)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and list the units",
		Args:  cobra.NoArgs,
		RunE:  c.runValidate,
	}

	root.AddCommand(collect, serve, validate)
	return root
}

func (c *cli) runCollect(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(c.cfg)
	defer a.Close()

	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	result, err := c.collectOnce(ctx, orch, s)
	if err != nil {
		return err
	}
	printRun(c.out, result)

	if !result.Successful() {
		return fmt.Errorf("run %s completed no unit (%d failed, %d skipped)",
			result.RunID, len(result.Failed), len(result.Skipped))
	}
	return nil
}

// collectOnce runs and persists one collection. An interrupted run is still
// saved with whatever completed.
func (c *cli) collectOnce(ctx context.Context, orch *collector.Orchestrator, s store.Store) (domain.RunResult, error) {
	result := orch.Run(ctx, c.cfg.Units, c.cfg.Collector.Concurrency)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.SaveRun(saveCtx, result); err != nil {
		return result, fmt.Errorf("save run %s: %w", result.RunID, err)
	}
	return result, nil
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	a := newApp(c.cfg)
	defer a.Close()

	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	router, err := a.router(ctx, s)
	if err != nil {
		return err
	}

	if c.collectEvery > 0 {
		orch, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}
		go c.collectLoop(ctx, a, orch, s)
	}

	return api.Serve(ctx, c.cfg.Server.Addr, router, c.cfg.Server.ShutdownTimeout)
}

// collectLoop collects immediately, then on every tick until ctx is done.
func (c *cli) collectLoop(ctx context.Context, a *app, orch *collector.Orchestrator, s store.Store) {
	ticker := time.NewTicker(c.collectEvery)
	defer ticker.Stop()

	for {
		result, err := c.collectOnce(ctx, orch, s)
		if err != nil {
			a.logger.Error().Err(err).Msg("Scheduled collection failed")
		} else {
			a.logger.Info().
				Str(logging.FieldRunID, result.RunID).
				Int("completed", len(result.Completed)).
				Int("failed", len(result.Failed)).
				Msg("Scheduled collection finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *cli) runValidate(_ *cobra.Command, _ []string) error {
	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"Unit", "Project", "Area Path", "Custom Query"})
	for _, u := range c.cfg.Units {
		custom := "no"
		if u.Query != "" {
			custom = "yes"
		}
		table.Append([]string{string(u.ID), u.Project, u.AreaPath, custom})
	}
	table.Render()

	findings := "disabled"
	if c.cfg.Findings.Enabled {
		findings = c.cfg.Findings.Auth
	}
	fmt.Fprintf(c.out, "\nStore: %s  Findings: %s  Rate limit: %d/min %d/h\n",
		c.cfg.Store.Backend, findings, c.cfg.RateLimit.PerMinute, c.cfg.RateLimit.PerHour)
	fmt.Fprintln(c.out, "Configuration valid")
	return nil
}

func printRun(out io.Writer, result domain.RunResult) {
	fmt.Fprintf(out, "Run %s finished in %s\n\n", result.RunID, result.Duration().Round(time.Millisecond))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Unit", "Status", "Work Items", "PRs", "Builds", "Findings", "Coverage", "Detail"})

	snaps := append([]domain.Snapshot(nil), result.Completed...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Scope < snaps[j].Scope })
	for _, s := range snaps {
		status := "ok"
		detail := ""
		if s.Coverage.Partial {
			status = "partial"
			detail = fmt.Sprintf("%d items, %d batches failed", s.Coverage.FailedItems, s.Coverage.FailedBatches)
			if len(s.Coverage.FailedSections) > 0 {
				detail += fmt.Sprintf("; sections %v", s.Coverage.FailedSections)
			}
		}
		table.Append([]string{
			string(s.Scope),
			status,
			strconv.Itoa(s.WorkItems.Total),
			strconv.Itoa(s.PullRequests.Active),
			strconv.Itoa(s.Builds.Total),
			strconv.Itoa(s.Vulnerabilities.Total),
			fmt.Sprintf("%d/%d", s.Coverage.ResolvedItems, s.Coverage.RequestedItems),
			detail,
		})
	}

	failed := make([]domain.UnitID, 0, len(result.Failed))
	for id := range result.Failed {
		failed = append(failed, id)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	for _, id := range failed {
		f := result.Failed[id]
		table.Append([]string{string(id), "failed", "-", "-", "-", "-", "-", fmt.Sprintf("%s: %s", f.Kind, f.Message)})
	}
	for _, id := range result.Skipped {
		table.Append([]string{string(id), "skipped", "-", "-", "-", "-", "-", "cancelled"})
	}
	table.Render()
}
