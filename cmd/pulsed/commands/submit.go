package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/sym"
)

// SubmitCmd submits one job.
var SubmitCmd = &cobra.Command{
	Use:   "submit <handler>",
	Short: sym.Pulse + " Submit a job",
	Long: sym.Pulse + ` Submit a job for a registered handler.

Examples:
  pulsed submit http.webhook --payload '{"url":"https://example.com/hook"}'
  pulsed submit reports.build --payload @day.json --queue reports --priority high
  pulsed submit reports.mail --depends-on <job-id>:on_success
  pulsed submit cleanup --cron "0 3 * * *" --timezone Europe/Amsterdam
  pulsed submit --template nightly-report --delay 10m`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	addSubmitFlags(SubmitCmd)
}

func addSubmitFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("id", "", "Job id; resubmitting an id returns the stored job")
	f.String("name", "", "Display name (default: handler)")
	f.String("payload", "", "JSON payload, or @file")
	f.String("queue", "", "Queue (default: default)")
	f.String("priority", "normal", "low, normal, high or critical")
	f.String("at", "", "Run at an RFC 3339 time")
	f.Duration("delay", 0, "Run after a delay")
	f.Int("max-retries", -1, "Retries before failing (-1: default)")
	f.Int("retry-delay", 0, "Base retry delay in seconds")
	f.Int("timeout", 0, "Handler timeout in seconds (default: handler default)")
	f.StringSlice("tag", nil, "Tag, repeatable")
	f.String("resource-key", "", "Run exclusively with other jobs holding this key")
	f.StringSlice("depends-on", nil, "Prerequisite <job-id>[:on_success|on_failure|on_completion], repeatable")
	f.String("cron", "", "Recur on a cron expression")
	f.Duration("every", 0, "Recur on a fixed interval")
	f.String("timezone", "", "IANA timezone for --cron")
	f.String("template", "", "Submit from a stored template (id or name)")
	f.String("created-by", "cli", "Recorded as the job's creator")
	f.Bool("json", false, "Print the stored job as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, template, err := submitRequest(cmd, args, time.Now())
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		var job *async.Job
		if template != "" {
			job, err = s.SubmitFromTemplate(ctx, template, req)
		} else {
			job, err = s.Submit(ctx, req)
		}
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(job)
		}
		fmt.Printf("%s Submitted %s\n", sym.Pulse, job.ID)
		fmt.Printf("  Handler:  %s\n", job.Handler)
		fmt.Printf("  Queue:    %s\n", job.Queue)
		fmt.Printf("  Status:   %s %s\n", sym.ForStatus(string(job.Status)), job.Status)
		fmt.Printf("  Next run: %s\n", job.NextRunAt.Local().Format(time.RFC3339))
		return nil
	})
}

// submitRequest builds the request from flags. The second return is the
// template reference, if any.
func submitRequest(cmd *cobra.Command, args []string, now time.Time) (async.SubmitRequest, string, error) {
	f := cmd.Flags()
	var req async.SubmitRequest
	template, _ := f.GetString("template")
	if len(args) == 1 {
		req.Handler = args[0]
	} else if template == "" {
		return req, "", fmt.Errorf("a handler or --template is required")
	}

	req.ID, _ = f.GetString("id")
	req.Name, _ = f.GetString("name")
	req.Queue, _ = f.GetString("queue")
	req.ResourceKey, _ = f.GetString("resource-key")
	req.CreatedBy, _ = f.GetString("created-by")
	req.Tags, _ = f.GetStringSlice("tag")
	req.RetryDelaySeconds, _ = f.GetInt("retry-delay")
	req.TimeoutSeconds, _ = f.GetInt("timeout")
	retries, _ := f.GetInt("max-retries")
	req.MaxRetries = retriesFlag(retries)

	payload, _ := f.GetString("payload")
	raw, err := readPayload(payload)
	if err != nil {
		return req, "", err
	}
	req.Payload = raw

	if f.Changed("priority") || template == "" {
		p, _ := f.GetString("priority")
		if req.Priority, err = async.ParsePriority(p); err != nil {
			return req, "", err
		}
	}

	at, _ := f.GetString("at")
	delay, _ := f.GetDuration("delay")
	if req.ScheduledAt, err = parseWhen(at, delay, now); err != nil {
		return req, "", err
	}

	deps, _ := f.GetStringSlice("depends-on")
	for _, d := range deps {
		dep, err := parseDependency(d)
		if err != nil {
			return req, "", err
		}
		req.DependsOn = append(req.DependsOn, dep)
	}

	cron, _ := f.GetString("cron")
	every, _ := f.GetDuration("every")
	switch {
	case cron != "" && every != 0:
		return req, "", fmt.Errorf("--cron and --every are mutually exclusive")
	case cron != "":
		req.Kind = async.KindCron
		req.CronExpression = cron
	case every != 0:
		req.Kind = async.KindRecurring
		req.Interval = every
	}
	req.Timezone, _ = f.GetString("timezone")
	return req, template, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
