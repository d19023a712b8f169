package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"distributed-job-scheduler/internal/app"
)

var (
	tickLimit   int
	errorsLimit int
	retryLimit  int
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one claim cycle",
	RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
		res, err := a.Scheduler.Tick(cmd.Context(), tickLimit)
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), res)
		}
		w := table(cmd.OutOrStdout())
		fmt.Fprintf(w, "outcome\t%s\nclaimed\t%d\nok\t%d\nfailed\t%d\nremaining_due\t%d\nreaped\t%d\n",
			res.Outcome, res.Claimed, res.OK, res.Failed, res.RemainingDue, res.Reaped.Jobs)
		for _, d := range res.Details {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%dms\t%s\n", d.JobType, d.Scope, d.Status, d.DurationMS, d.Error)
		}
		_ = w.Flush()
		return err
	}),
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Recover jobs stuck in running past the dead job threshold",
	RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
		res, err := a.Scheduler.Reap(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %d jobs, %d runs\n", res.Jobs, res.Runs)
		return nil
	}),
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs in a scope",
	RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
		sc, err := scope()
		if err != nil {
			return err
		}
		jobs, err := a.Scheduler.Jobs(cmd.Context(), sc)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		w := table(cmd.OutOrStdout())
		fmt.Fprintln(w, "JOB TYPE\tSTATUS\tNEXT RUN\tFAILURES\tLAST STATUS")
		for _, j := range jobs {
			last := "-"
			if j.LastStatus != nil {
				last = *j.LastStatus
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", j.JobType, j.Status, j.NextRunAt.Format(time.RFC3339), j.ConsecutiveFailures, last)
		}
		return w.Flush()
	}),
}

var jobsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert built-in jobs for every configured scope",
	RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
		n, err := a.SeedScopes(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %d jobs\n", n)
		return nil
	}),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job_type>",
	Short: "Reactivate a suspended job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
		sc, err := scope()
		if err != nil {
			return err
		}
		resumed, err := a.Scheduler.Resume(cmd.Context(), sc, args[0])
		if err != nil {
			return err
		}
		if !resumed {
			fmt.Fprintf(cmd.OutOrStdout(), "%s in %s is not suspended\n", args[0], sc)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "resumed %s in %s\n", args[0], sc)
		return nil
	}),
}

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "Inspect connector sync errors",
}

var statusFlag string

var connectorErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List connector errors in a scope",
	RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
		sc, err := scope()
		if err != nil {
			return err
		}
		items, err := a.Errors.List(cmd.Context(), sc, statusFlag, errorsLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), items)
		}
		w := table(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tCONNECTOR\tSTATUS\tATTEMPTS\tNEXT RETRY\tMESSAGE")
		for _, e := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.Connector, e.Status, e.Attempts,
				e.NextRetryAt.Format(time.RFC3339), e.ErrorMessage)
		}
		return w.Flush()
	}),
}

var allScopesFlag bool

var connectorRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry due connector errors",
	RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
		sc, err := scope()
		if err != nil {
			return err
		}
		target := &sc
		if allScopesFlag {
			target = nil
		}
		summary, err := a.Errors.RetryDue(cmd.Context(), target, retryLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "due %d, succeeded %d, failed %d\n", summary.Due, summary.Succeeded, summary.Failed)
		return nil
	}),
}

func init() {
	tickCmd.Flags().IntVar(&tickLimit, "limit", 0, "maximum jobs to claim (0 uses SCHEDULER_TICK_LIMIT)")
	connectorErrorsCmd.Flags().IntVar(&errorsLimit, "limit", 100, "maximum rows")
	connectorErrorsCmd.Flags().StringVar(&statusFlag, "status", "open", "open, resolved or empty for all")
	connectorRetryCmd.Flags().IntVar(&retryLimit, "limit", 25, "maximum errors to retry")
	connectorRetryCmd.Flags().BoolVar(&allScopesFlag, "all-scopes", false, "retry due errors in every scope")

	jobsCmd.AddCommand(jobsListCmd, jobsSeedCmd, jobsResumeCmd)
	connectorsCmd.AddCommand(connectorErrorsCmd, connectorRetryCmd)
}

func withApp(run func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		return run(cmd, a, args)
	}
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
