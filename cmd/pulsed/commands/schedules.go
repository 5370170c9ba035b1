package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/schedule"
	"github.com/teranos/pulsed/sym"
)

// SchedulesCmd groups recurring schedule administration.
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: sym.Pulse + " Manage recurring schedules",
	Long: sym.Pulse + ` schedules - manage recurring schedules

Each fire of a schedule becomes an ordinary job. Kinds:
  cron            --cron "*/15 * * * *"
  interval        --every 30              (minutes)
  daily           --at 02:30 [--at 14:00]
  weekly          --at 09:00 --days mon,wed,fri
  monthly         --at 06:00 --day-of-month 31   (clamped to the last day)
  specific_times  --at "mon 09:00" --at "thu 17:30"

Examples:
  pulsed schedules add --name nightly --handler reports.build --kind daily --at 02:30
  pulsed schedules add --name sync --template crm-sync --kind interval --every 15
  pulsed schedules disable <id>`,
}

var schedulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE:  runSchedulesLs,
}

var schedulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a schedule",
	RunE:  runSchedulesAdd,
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule; it resumes from now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleAction(args[0], "Enabled", (*pulse.Scheduler).EnableSchedule)
	},
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return scheduleAction(args[0], "Disabled", (*pulse.Scheduler).DisableSchedule)
	},
}

var schedulesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a schedule; jobs it already emitted are kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			if err := s.Schedules().DeleteSchedule(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Deleted schedule %s\n", args[0])
			return nil
		})
	},
}

func init() {
	schedulesLsCmd.Flags().Bool("json", false, "Output as JSON")

	f := schedulesAddCmd.Flags()
	f.String("id", "", "Schedule id; re-adding an id returns the stored schedule")
	f.String("name", "", "Schedule name")
	f.String("template", "", "Template id or name supplying job defaults")
	f.String("handler", "", "Handler (required without --template)")
	f.String("job-name", "", "Name given to emitted jobs")
	f.String("payload", "", "Default JSON payload, or @file")
	f.String("queue", "", "Queue")
	f.String("priority", "", "low, normal, high or critical")
	f.Int("max-retries", -1, "Retries per emitted job (-1: default)")
	f.Int("timeout", 0, "Handler timeout in seconds")
	f.String("kind", string(calendar.KindCron), "cron, interval, daily, weekly, monthly or specific_times")
	f.String("cron", "", "Cron expression")
	f.Int("every", 0, "Interval in minutes")
	f.StringSlice("at", nil, "HH:MM, or \"<weekday> HH:MM\" for specific_times; repeatable")
	f.String("days", "", "Weekdays for weekly schedules, e.g. mon,wed,fri")
	f.Int("day-of-month", 0, "Day for monthly schedules")
	f.String("timezone", "", "IANA timezone (default: UTC)")
	f.String("start", "", "First day the schedule may fire")
	f.String("end", "", "Last day the schedule may fire")
	f.Bool("disabled", false, "Create disabled")

	SchedulesCmd.AddCommand(schedulesLsCmd, schedulesAddCmd, schedulesEnableCmd, schedulesDisableCmd, schedulesRmCmd)
}

func runSchedulesLs(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		scheds, err := s.Schedules().ListSchedules(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(scheds)
		}
		if len(scheds) == 0 {
			pterm.Info.Println("No schedules")
			return nil
		}
		data := pterm.TableData{{"ID", "NAME", "HANDLER", "QUEUE", "WHEN", "ENABLED", "NEXT RUN", "LAST RUN"}}
		for _, sc := range scheds {
			data = append(data, []string{
				sc.ID,
				sc.Name,
				sc.Handler,
				sc.Queue,
				describeSchedule(sc),
				boolMark(sc.Enabled),
				formatTime(sc.NextScheduledRun),
				formatTime(sc.LastRun),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func runSchedulesAdd(cmd *cobra.Command, args []string) error {
	spec, err := scheduleSpec(cmd)
	if err != nil {
		return err
	}
	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		if ref, _ := cmd.Flags().GetString("template"); ref != "" {
			t, err := s.Schedules().GetTemplate(ctx, ref)
			if err != nil {
				return err
			}
			spec.TemplateID = t.ID
		}
		sched, err := s.CreateSchedule(ctx, spec)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Schedule %s created, next run %s\n", sym.Pulse, sched.ID, formatTime(sched.NextScheduledRun))
		return nil
	})
}

func scheduleSpec(cmd *cobra.Command) (schedule.ScheduleSpec, error) {
	f := cmd.Flags()
	var spec schedule.ScheduleSpec
	spec.ID, _ = f.GetString("id")
	spec.Name, _ = f.GetString("name")
	spec.Handler, _ = f.GetString("handler")
	spec.JobName, _ = f.GetString("job-name")
	spec.Queue, _ = f.GetString("queue")
	spec.TimeoutSeconds, _ = f.GetInt("timeout")
	spec.CronExpression, _ = f.GetString("cron")
	spec.IntervalMinutes, _ = f.GetInt("every")
	spec.SpecificTimes, _ = f.GetStringSlice("at")
	spec.DayOfMonth, _ = f.GetInt("day-of-month")
	spec.Timezone, _ = f.GetString("timezone")
	spec.Disabled, _ = f.GetBool("disabled")
	retries, _ := f.GetInt("max-retries")
	spec.MaxRetries = retriesFlag(retries)

	kind, _ := f.GetString("kind")
	spec.Kind = calendar.Kind(kind)

	var err error
	payload, _ := f.GetString("payload")
	if spec.DefaultPayload, err = readPayload(payload); err != nil {
		return spec, err
	}
	if p, _ := f.GetString("priority"); p != "" {
		if spec.Priority, err = async.ParsePriority(p); err != nil {
			return spec, err
		}
	}
	if days, _ := f.GetString("days"); days != "" {
		if spec.RunOnDays, err = calendar.ParseWeekdays(days); err != nil {
			return spec, err
		}
	}
	start, _ := f.GetString("start")
	if spec.StartDate, err = parseDate(start); err != nil {
		return spec, err
	}
	end, _ := f.GetString("end")
	if spec.EndDate, err = parseDate(end); err != nil {
		return spec, err
	}
	return spec, nil
}

func describeSchedule(s *schedule.Schedule) string {
	switch s.Kind {
	case calendar.KindCron:
		return "cron " + s.CronExpression
	case calendar.KindInterval:
		return "every " + fmt.Sprintf("%dm", s.IntervalMinutes)
	case calendar.KindWeekly:
		return "weekly " + s.RunOnDays.String() + " " + strings.Join(s.SpecificTimes, ",")
	case calendar.KindMonthly:
		return fmt.Sprintf("monthly day %d %s", s.DayOfMonth, strings.Join(s.SpecificTimes, ","))
	}
	return string(s.Kind) + " " + strings.Join(s.SpecificTimes, ",")
}

func scheduleAction(id, verb string, fn func(*pulse.Scheduler, context.Context, string) (*schedule.Schedule, error)) error {
	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		sched, err := fn(s, ctx, id)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s schedule %s, next run %s\n", verb, sched.ID, formatTime(sched.NextScheduledRun))
		return nil
	})
}

func boolMark(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}
