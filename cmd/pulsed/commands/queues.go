package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/config"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/sym"
)

// QueuesCmd groups queue administration.
var QueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: sym.Pulse + " List and control queues",
	Long: sym.Pulse + ` queues - list and control queues

A paused queue accepts submissions but dispatches nothing. A stopped queue
also refuses submissions.

Examples:
  pulsed queues ls
  pulsed queues add reports --max 4 --description "nightly reports" --persist
  pulsed queues pause reports
  pulsed queues resume reports`,
}

var queuesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queues with their counters",
	RunE:  runQueuesLs,
}

var queuesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create or update a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuesAdd,
}

func queueStatusCmd(use, short, verb string, fn func(*pulse.Scheduler, context.Context, string) (*async.Queue, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
				q, err := fn(s, ctx, args[0])
				if err != nil {
					return err
				}
				pterm.Success.Printf("%s queue %s (%s)\n", verb, q.Name, q.Status)
				return nil
			})
		},
	}
}

func init() {
	queuesLsCmd.Flags().Bool("json", false, "Output as JSON")
	queuesAddCmd.Flags().Int("max", async.DefaultMaxConcurrentJobs, "Max concurrent jobs across all workers")
	queuesAddCmd.Flags().String("description", "", "Description")
	queuesAddCmd.Flags().Bool("persist", false, "Also write the queue to the config file")

	QueuesCmd.AddCommand(
		queuesLsCmd,
		queuesAddCmd,
		queueStatusCmd("pause", "Stop dispatching from a queue", "Paused", (*pulse.Scheduler).PauseQueue),
		queueStatusCmd("resume", "Resume a paused or stopped queue", "Resumed", (*pulse.Scheduler).ResumeQueue),
		queueStatusCmd("stop", "Stop dispatching and refuse submissions", "Stopped", (*pulse.Scheduler).StopQueue),
	)
}

func runQueuesLs(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		queues, err := s.Store().ListQueues(ctx)
		if err != nil {
			return err
		}
		stats := make([]*async.QueueStats, 0, len(queues))
		for _, q := range queues {
			st, err := s.Store().GetQueueStats(ctx, q.Name)
			if err != nil {
				return err
			}
			stats = append(stats, st)
		}
		if asJSON {
			return printJSON(stats)
		}
		if len(stats) == 0 {
			pterm.Info.Println("No queues")
			return nil
		}
		data := pterm.TableData{{"QUEUE", "STATUS", "RUNNING", "MAX", "WAITING", "PROCESSED", "FAILED", "AVG WAIT", "AVG RUN"}}
		for _, st := range stats {
			waiting := st.Jobs[async.JobStatusPending] + st.Jobs[async.JobStatusScheduled]
			data = append(data, []string{
				st.Name,
				string(st.Status),
				strconv.Itoa(st.CurrentJobs),
				strconv.Itoa(st.MaxConcurrentJobs),
				strconv.Itoa(waiting),
				strconv.FormatInt(st.TotalProcessed, 10),
				strconv.FormatInt(st.TotalFailed, 10),
				fmt.Sprintf("%.0fms", st.AvgWaitMS),
				fmt.Sprintf("%.0fms", st.AvgProcessMS),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func runQueuesAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	maxJobs, _ := cmd.Flags().GetInt("max")
	description, _ := cmd.Flags().GetString("description")
	persist, _ := cmd.Flags().GetBool("persist")

	err := withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		return s.SyncQueues(ctx, []async.QueueSpec{{
			Name:              name,
			Description:       description,
			MaxConcurrentJobs: maxJobs,
		}})
	})
	if err != nil {
		return err
	}
	pterm.Success.Printf("Queue %s ready (max %d)\n", name, maxJobs)

	if persist {
		path := configPath()
		if err := config.SaveQueue(path, name, config.QueueConfig{
			Description:       description,
			MaxConcurrentJobs: maxJobs,
		}, nil); err != nil {
			return err
		}
		pterm.Info.Printf("%s Saved to %s\n", sym.AM, path)
	}
	return nil
}
