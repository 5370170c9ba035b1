package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/cmd/pulsed/commands"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/sym"
)

var rootCmd = &cobra.Command{
	Use:   "pulsed",
	Short: sym.Pulse + " pulsed - durable background job scheduler",
	Long: sym.Pulse + ` pulsed - durable background job scheduler.

pulsed runs handlers for jobs stored in SQLite or Postgres. Any number of
pulsed processes may share one store; they coordinate through it alone.

Available commands:
  start     - Run the dispatcher, reclaimer, materializer and bulk expander
  submit    - Submit a job
  jobs      - Inspect, cancel, retry and rerun jobs
  queues    - List, create, pause and resume queues
  schedules - Manage recurring schedules
  templates - Manage job templates
  bulk      - Submit and track bulk requests
  workers   - List worker processes
  metrics   - Show hourly queue metrics
  migrate   - Apply database migrations
  token     - Mint admin API tokens
  config    - Show where configuration comes from and what it resolves to

Examples:
  pulsed start --workers 8
  pulsed submit reports.build --payload '{"day":"2025-03-08"}'
  pulsed jobs ls --status failed
  pulsed schedules add --name nightly --handler reports.build --kind daily --at 02:30`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLog, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithVerbosity(jsonLog, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")
	commands.RegisterGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.QueuesCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.TemplatesCmd)
	rootCmd.AddCommand(commands.BulkCmd)
	rootCmd.AddCommand(commands.WorkersCmd)
	rootCmd.AddCommand(commands.MetricsCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
