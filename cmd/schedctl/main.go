package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/app"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/logging"
	"distributed-job-scheduler/internal/models"
)

var (
	scopeFlag string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "schedctl",
	Short: "Operate the job scheduler",
	Long: `schedctl - operator tool for the job scheduler.

Connects to the same store as the worker and API using their environment
configuration.

Examples:
  schedctl tick --limit 5                  # Run one claim cycle
  schedctl reap                            # Recover jobs stuck in running
  schedctl jobs list --scope acme:support  # Show scheduled jobs
  schedctl jobs resume connector_sync.zendesk --scope acme:support
  schedctl connectors errors --scope acme:support
  schedctl connectors retry --limit 10`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&scopeFlag, "scope", "default:default", "scope as org:project")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of a table")

	rootCmd.AddCommand(tickCmd, reapCmd, jobsCmd, connectorsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openApp wires the shared components for one command invocation.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg := config.Load()
	log, err := logging.New(cfg.LogFormat == "json", cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
}

func scope() (models.Scope, error) {
	sc, err := models.ParseScope(scopeFlag)
	if err != nil {
		return models.Scope{}, errors.Wrap(err, "--scope")
	}
	return sc, nil
}
