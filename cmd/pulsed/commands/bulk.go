package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/bulk"
	"github.com/teranos/pulsed/sym"
)

// BulkCmd groups bulk request commands.
var BulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: sym.Pulse + " Submit and track bulk requests",
	Long: sym.Pulse + ` bulk - one request, many jobs

A bulk request stores every payload up front; running schedulers expand it
into jobs in chunks. Payloads are read as JSON lines.

Examples:
  pulsed bulk submit emails.send payloads.jsonl --queue mail
  cat payloads.jsonl | pulsed bulk submit emails.send -
  pulsed bulk show <id>
  pulsed bulk cancel <id>`,
}

var bulkSubmitCmd = &cobra.Command{
	Use:   "submit <handler> <file|->",
	Short: "Submit a bulk request from a JSON lines file",
	Args:  cobra.ExactArgs(2),
	RunE:  runBulkSubmit,
}

var bulkLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List bulk requests",
	RunE:  runBulkLs,
}

var bulkShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a bulk request's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			req, err := s.Bulks().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				req.Payloads = nil
				return printJSON(req)
			}
			pterm.DefaultSection.Printf("%s %s", sym.Pulse, req.ID)
			fmt.Printf("  %-10s %s\n", "Name:", req.Name)
			fmt.Printf("  %-10s %s\n", "Handler:", req.Handler)
			fmt.Printf("  %-10s %s\n", "Queue:", req.Queue)
			fmt.Printf("  %-10s %s\n", "Status:", req.Status)
			fmt.Printf("  %-10s %d/%d\n", "Created:", req.Created, req.Total)
			fmt.Printf("  %-10s %d\n", "Completed:", req.Completed)
			fmt.Printf("  %-10s %d\n", "Failed:", req.Failed)
			if req.Total > 0 {
				done := req.Completed + req.Failed
				bar, err := pterm.DefaultProgressbar.WithTotal(req.Total).WithTitle("Finished").Start()
				if err == nil {
					bar.Add(done)
					_, _ = bar.Stop()
				}
			}
			return nil
		})
	},
}

var bulkCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Stop expansion and cancel jobs that have not started",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			n, err := s.CancelBulk(ctx, args[0], reason)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Cancelled bulk %s (%d job(s) cancelled)\n", args[0], n)
			return nil
		})
	},
}

func init() {
	f := bulkSubmitCmd.Flags()
	f.String("id", "", "Request id; resubmitting an id returns the stored request")
	f.String("name", "", "Name given to every job")
	f.String("queue", "", "Queue")
	f.String("priority", "normal", "low, normal, high or critical")
	f.Int("max-retries", -1, "Retries per job (-1: default)")
	f.Int("retry-delay", 0, "Base retry delay in seconds")
	f.Int("timeout", 0, "Handler timeout in seconds")
	f.String("created-by", "cli", "Recorded as the request's creator")

	bulkLsCmd.Flags().String("status", "", "Filter by status")
	bulkLsCmd.Flags().Int("limit", 50, "Max requests")
	bulkShowCmd.Flags().Bool("json", false, "Output as JSON")
	bulkCancelCmd.Flags().String("reason", "", "Recorded on cancelled jobs")

	BulkCmd.AddCommand(bulkSubmitCmd, bulkLsCmd, bulkShowCmd, bulkCancelCmd)
}

func runBulkSubmit(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	spec := bulk.Spec{Handler: args[0]}
	spec.ID, _ = f.GetString("id")
	spec.Name, _ = f.GetString("name")
	spec.Queue, _ = f.GetString("queue")
	spec.RetryDelaySeconds, _ = f.GetInt("retry-delay")
	spec.TimeoutSeconds, _ = f.GetInt("timeout")
	spec.CreatedBy, _ = f.GetString("created-by")
	retries, _ := f.GetInt("max-retries")
	spec.MaxRetries = retriesFlag(retries)

	p, _ := f.GetString("priority")
	var err error
	if spec.Priority, err = async.ParsePriority(p); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if args[1] != "-" {
		file, err := os.Open(args[1])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[1])
		}
		defer file.Close()
		in = file
	}
	if spec.Payloads, err = readJSONL(in); err != nil {
		return err
	}

	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		req, err := s.SubmitBulk(ctx, spec)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Bulk %s accepted: %d payload(s)\n", sym.Pulse, req.ID, req.Total)
		return nil
	})
}

func runBulkLs(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		reqs, err := s.Bulks().List(ctx, bulk.Status(status), limit)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			pterm.Info.Println("No bulk requests")
			return nil
		}
		data := pterm.TableData{{"ID", "NAME", "HANDLER", "STATUS", "CREATED", "COMPLETED", "FAILED", "SUBMITTED AT"}}
		for _, r := range reqs {
			data = append(data, []string{
				r.ID,
				r.Name,
				r.Handler,
				string(r.Status),
				fmt.Sprintf("%d/%d", r.Created, r.Total),
				strconv.Itoa(r.Completed),
				strconv.Itoa(r.Failed),
				formatTime(&r.CreatedAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}
