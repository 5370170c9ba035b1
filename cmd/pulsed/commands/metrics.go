package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/sym"
)

// MetricsCmd prints the hourly queue rollup.
var MetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: sym.Pulse + " Show hourly queue metrics",
	Long: sym.Pulse + ` metrics - hourly rollup per queue

Examples:
  pulsed metrics                   # last 24 hours, every queue
  pulsed metrics --since 168h --queue reports`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		queue, _ := cmd.Flags().GetString("queue")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			rows, err := metrics.Hourly(ctx, s.Store().DB(), time.Now().Add(-since), queue)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(rows)
			}
			if len(rows) == 0 {
				pterm.Info.Println("No metrics recorded in that window")
				return nil
			}
			data := pterm.TableData{{"HOUR", "QUEUE", "SUBMITTED", "COMPLETED", "FAILED", "TIMED OUT", "SUCCESS", "AVG WAIT", "AVG RUN"}}
			for i := range rows {
				r := &rows[i]
				data = append(data, []string{
					r.Start().Local().Format("2006-01-02 15:00"),
					r.Queue,
					strconv.FormatInt(r.Submitted, 10),
					strconv.FormatInt(r.Completed, 10),
					strconv.FormatInt(r.Failed, 10),
					strconv.FormatInt(r.TimedOut, 10),
					fmt.Sprintf("%.1f%%", 100*r.SuccessRate()),
					fmt.Sprintf("%.0fms", r.AvgWaitMS),
					fmt.Sprintf("%.0fms", r.AvgProcessMS),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	MetricsCmd.Flags().Duration("since", 24*time.Hour, "How far back to show")
	MetricsCmd.Flags().String("queue", "", "Only this queue")
	MetricsCmd.Flags().Bool("json", false, "Output as JSON")
}
