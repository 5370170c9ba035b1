package commands

import (
	"context"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/schedule"
	"github.com/teranos/pulsed/sym"
)

// TemplatesCmd groups job template administration.
var TemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: sym.Pulse + " Manage job templates",
	Long: sym.Pulse + ` templates - reusable job defaults

Templates are referenced by id or name from "pulsed submit --template" and
"pulsed schedules add --template".

Examples:
  pulsed templates add --name crm-sync --handler http.webhook --payload @hook.json --queue sync
  pulsed templates ls
  pulsed templates rm crm-sync`,
}

var templatesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			templates, err := s.Schedules().ListTemplates(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(templates)
			}
			if len(templates) == 0 {
				pterm.Info.Println("No templates")
				return nil
			}
			data := pterm.TableData{{"ID", "NAME", "HANDLER", "QUEUE", "PRIORITY", "TIMEOUT", "RETRIES", "TAGS"}}
			for _, t := range templates {
				data = append(data, []string{
					t.ID,
					t.Name,
					t.Handler,
					t.Queue,
					t.Priority.String(),
					strconv.Itoa(t.TimeoutSeconds) + "s",
					strconv.Itoa(t.MaxRetries),
					strings.Join(t.Tags, ","),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var templatesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a template",
	RunE:  runTemplatesAdd,
}

var templatesRmCmd = &cobra.Command{
	Use:   "rm <id|name>",
	Short: "Delete a template; schedules using it keep their copied fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
			if err := s.Schedules().DeleteTemplate(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Deleted template %s\n", args[0])
			return nil
		})
	},
}

func init() {
	templatesLsCmd.Flags().Bool("json", false, "Output as JSON")

	f := templatesAddCmd.Flags()
	f.String("name", "", "Template name (required, unique)")
	f.String("description", "", "Description")
	f.String("handler", "", "Handler (required)")
	f.String("payload", "", "Default JSON payload, or @file")
	f.String("queue", "", "Queue")
	f.String("priority", "normal", "low, normal, high or critical")
	f.Int("timeout", 0, "Handler timeout in seconds")
	f.Int("max-retries", -1, "Retries (-1: default)")
	f.Int("retry-delay", 0, "Base retry delay in seconds")
	f.StringSlice("tag", nil, "Tag, repeatable")

	TemplatesCmd.AddCommand(templatesLsCmd, templatesAddCmd, templatesRmCmd)
}

func runTemplatesAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var spec schedule.TemplateSpec
	spec.Name, _ = f.GetString("name")
	spec.Description, _ = f.GetString("description")
	spec.Handler, _ = f.GetString("handler")
	spec.Queue, _ = f.GetString("queue")
	spec.TimeoutSeconds, _ = f.GetInt("timeout")
	spec.RetryDelaySeconds, _ = f.GetInt("retry-delay")
	spec.Tags, _ = f.GetStringSlice("tag")
	retries, _ := f.GetInt("max-retries")
	spec.MaxRetries = retriesFlag(retries)

	var err error
	payload, _ := f.GetString("payload")
	if spec.DefaultPayload, err = readPayload(payload); err != nil {
		return err
	}
	p, _ := f.GetString("priority")
	if spec.Priority, err = async.ParsePriority(p); err != nil {
		return err
	}

	return withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		t, err := s.Schedules().CreateTemplate(ctx, spec)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Template %s (%s) created\n", t.Name, t.ID)
		return nil
	})
}
