package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/sym"
)

// WorkersCmd lists registered worker processes and held resource locks.
var WorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: sym.Pulse + " List worker processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		showLocks, _ := cmd.Flags().GetBool("locks")
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			workers, err := s.Store().ListWorkers(ctx)
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				pterm.Info.Println("No workers have registered")
			} else {
				data := pterm.TableData{{"WORKER", "HOST", "PID", "STATUS", "QUEUES", "PROCESSED", "FAILED", "MEM", "LAST HEARTBEAT"}}
				for _, w := range workers {
					data = append(data, []string{
						w.ID,
						w.Hostname,
						strconv.Itoa(w.PID),
						string(w.Status),
						w.QueueName,
						strconv.FormatInt(w.JobsProcessed, 10),
						strconv.FormatInt(w.JobsFailed, 10),
						fmt.Sprintf("%.0f%%", w.MemoryUsedPercent),
						time.Since(w.LastHeartbeat).Round(time.Second).String() + " ago",
					})
				}
				if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
					return err
				}
			}

			if !showLocks {
				return nil
			}
			locks, err := s.Store().ListLocks(ctx)
			if err != nil {
				return err
			}
			fmt.Println()
			if len(locks) == 0 {
				pterm.Info.Println("No resource locks held")
				return nil
			}
			data := pterm.TableData{{"RESOURCE KEY", "JOB", "WORKER", "LOCKED", "EXPIRES"}}
			for _, l := range locks {
				data = append(data, []string{l.ResourceKey, l.JobID, l.WorkerID, formatTime(&l.LockedAt), formatTime(&l.ExpiresAt)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	WorkersCmd.Flags().Bool("locks", false, "Also list resource locks")
}
