package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/sym"
)

// JobsCmd groups job inspection and control.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and control jobs",
	Long: sym.Pulse + ` jobs - inspect and control jobs

Examples:
  pulsed jobs ls --status failed --queue reports
  pulsed jobs show <id>
  pulsed jobs cancel <id> --reason "bad input"
  pulsed jobs retry <id>
  pulsed jobs rerun <id>
  pulsed jobs purge --older-than 168h`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job with its executions and dependencies",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a waiting job or request cancellation of a running one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return jobAction(args[0], "Cancelled", func(ctx context.Context, s *pulse.Scheduler, id string) (*async.Job, error) {
			return s.Cancel(ctx, id, reason)
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed, cancelled or paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(args[0], "Retrying", func(ctx context.Context, s *pulse.Scheduler, id string) (*async.Job, error) {
			return s.Retry(ctx, id)
		})
	},
}

var jobsRerunCmd = &cobra.Command{
	Use:   "rerun <id>",
	Short: "Submit a copy of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		createdBy, _ := cmd.Flags().GetString("created-by")
		return jobAction(args[0], "Rerun submitted as", func(ctx context.Context, s *pulse.Scheduler, id string) (*async.Job, error) {
			return s.Rerun(ctx, id, createdBy)
		})
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed jobs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			n, err := s.Store().PurgeCompleted(ctx, olderThan)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Purged %d completed job(s) older than %s\n", n, olderThan)
			return nil
		})
	},
}

func init() {
	f := jobsLsCmd.Flags()
	f.String("queue", "", "Filter by queue")
	f.String("status", "", "Filter by status")
	f.String("tag", "", "Filter by tag")
	f.String("handler", "", "Filter by handler")
	f.String("schedule", "", "Filter by schedule id")
	f.String("bulk", "", "Filter by bulk request id")
	f.Int("limit", 50, "Page size")
	f.Int("offset", 0, "Page offset")
	f.Bool("json", false, "Output as JSON")

	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Int("executions", 10, "Executions to show")
	jobsCancelCmd.Flags().String("reason", "", "Recorded on the job")
	jobsRerunCmd.Flags().String("created-by", "cli", "Recorded as the rerun's creator")
	jobsPurgeCmd.Flags().Duration("older-than", 7*24*time.Hour, "Age cutoff")

	JobsCmd.AddCommand(jobsLsCmd, jobsShowCmd, jobsCancelCmd, jobsRetryCmd, jobsRerunCmd, jobsPurgeCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var filter async.ListFilter
	filter.Queue, _ = f.GetString("queue")
	filter.Tag, _ = f.GetString("tag")
	filter.Handler, _ = f.GetString("handler")
	filter.ScheduleID, _ = f.GetString("schedule")
	filter.BulkID, _ = f.GetString("bulk")
	filter.Limit, _ = f.GetInt("limit")
	filter.Offset, _ = f.GetInt("offset")
	status, _ := f.GetString("status")
	if status != "" {
		if !async.IsValidStatus(status) {
			return errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", status)
		}
		filter.Status = async.JobStatus(status)
	}
	asJSON, _ := f.GetBool("json")

	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		jobs, total, err := s.ListJobs(ctx, filter)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(map[string]interface{}{"jobs": jobs, "total": total})
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		data := pterm.TableData{{"", "ID", "HANDLER", "QUEUE", "PRIORITY", "STATUS", "RUNS", "NEXT RUN", "LAST ERROR"}}
		for _, j := range jobs {
			data = append(data, []string{
				sym.ForStatus(string(j.Status)),
				j.ID,
				j.Handler,
				j.Queue,
				j.Priority.String(),
				string(j.Status),
				strconv.Itoa(j.RunCount),
				formatTime(&j.NextRunAt),
				truncate(j.LastError, 40),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Printf("%d of %d job(s)\n", len(jobs), total)
		return nil
	})
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	limit, _ := cmd.Flags().GetInt("executions")

	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		job, err := s.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		execs, total, err := s.ListExecutions(ctx, job.ID, limit, 0)
		if err != nil {
			return err
		}
		deps, err := s.Store().ListDependencies(ctx, job.ID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(map[string]interface{}{
				"job":          job,
				"executions":   execs,
				"dependencies": deps,
			})
		}

		pterm.DefaultSection.Printf("%s %s", sym.ForStatus(string(job.Status)), job.ID)
		rows := [][2]string{
			{"Name", job.Name},
			{"Handler", job.Handler},
			{"Queue", job.Queue},
			{"Priority", job.Priority.String()},
			{"Kind", string(job.Kind)},
			{"Status", string(job.Status)},
			{"Next run", formatTime(&job.NextRunAt)},
			{"Runs", fmt.Sprintf("%d (%d ok, %d failed)", job.RunCount, job.SuccessCount, job.FailureCount)},
			{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
			{"Timeout", job.Timeout().String()},
		}
		if job.CronExpression != "" {
			rows = append(rows, [2]string{"Cron", job.CronExpression + " " + job.Timezone})
		}
		if job.IntervalSeconds > 0 {
			rows = append(rows, [2]string{"Every", (time.Duration(job.IntervalSeconds) * time.Second).String()})
		}
		if len(job.Tags) > 0 {
			rows = append(rows, [2]string{"Tags", strings.Join(job.Tags, ", ")})
		}
		if job.ResourceKey != "" {
			rows = append(rows, [2]string{"Resource key", job.ResourceKey})
		}
		if job.LockedBy != "" {
			rows = append(rows, [2]string{"Locked by", job.LockedBy + " until " + formatTime(job.ExpiresAt)})
		}
		if job.CancelRequested {
			rows = append(rows, [2]string{"Cancel requested", job.CancelReason})
		}
		if job.ScheduleID != "" {
			rows = append(rows, [2]string{"Schedule", job.ScheduleID + " @ " + formatTime(job.FireAt)})
		}
		if job.BulkID != "" && job.BulkIndex != nil {
			rows = append(rows, [2]string{"Bulk", fmt.Sprintf("%s #%d", job.BulkID, *job.BulkIndex)})
		}
		if job.RerunOf != "" {
			rows = append(rows, [2]string{"Rerun of", job.RerunOf})
		}
		if job.LastError != "" {
			rows = append(rows, [2]string{"Last error", job.LastError})
		}
		for _, r := range rows {
			fmt.Printf("  %-16s %s\n", r[0]+":", r[1])
		}

		if len(deps) > 0 {
			fmt.Println()
			data := pterm.TableData{{"DEPENDS ON", "KIND", "SATISFIED"}}
			for _, d := range deps {
				data = append(data, []string{d.DependsOn, string(d.Kind), strconv.FormatBool(d.Satisfied)})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
		}

		if len(execs) > 0 {
			fmt.Println()
			data := pterm.TableData{{"#", "STATUS", "STARTED", "DURATION", "WORKER", "ERROR"}}
			for _, e := range execs {
				dur := "-"
				if e.DurationMS != nil {
					dur = (time.Duration(*e.DurationMS) * time.Millisecond).String()
				}
				data = append(data, []string{
					strconv.Itoa(e.ExecutionNumber),
					string(e.Status),
					formatTime(&e.StartedAt),
					dur,
					e.WorkerID,
					truncate(e.ErrorMessage, 50),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			if total > len(execs) {
				fmt.Printf("%d of %d execution(s)\n", len(execs), total)
			}
		}
		return nil
	})
}

func jobAction(id, verb string, fn func(ctx context.Context, s *pulse.Scheduler, id string) (*async.Job, error)) error {
	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		job, err := fn(ctx, s, id)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s %s (%s %s)\n", verb, job.ID, sym.ForStatus(string(job.Status)), job.Status)
		return nil
	})
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
