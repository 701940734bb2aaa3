package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
)

// RegisterAuditCommands adds audit trail commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	auditCmd.AddCommand(newAuditShowCmd())
	auditCmd.AddCommand(newAuditExportCmd())
	auditCmd.AddCommand(newAuditVerifyCmd())
	root.AddCommand(auditCmd)
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("cloud", "", "filter by cloud")
	cmd.Flags().String("status", "", "filter by status (success, failed, blocked, pending)")
	cmd.Flags().String("action", "", "filter by action (tool name)")
	cmd.Flags().String("user", "", "filter by caller ARN or profile")
	cmd.Flags().Int("limit", 0, "maximum rows")
}

func queryFromFlags(cmd *cobra.Command) audit.Query {
	var q audit.Query
	q.Cloud, _ = cmd.Flags().GetString("cloud")
	q.Status, _ = cmd.Flags().GetString("status")
	q.Action, _ = cmd.Flags().GetString("action")
	q.User, _ = cmd.Flags().GetString("user")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	return q
}

func fetchReport(cmd *cobra.Command) (audit.Report, error) {
	api, err := openAPI(cmd.Context())
	if err != nil {
		return audit.Report{}, err
	}
	defer api.Close()

	var report audit.Report
	err = api.Call(cmd.Context(), "audit.query", queryFromFlags(cmd), &report)
	return report, err
}

func newAuditShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show reconstructed audit rows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchReport(cmd)
			if err != nil {
				return err
			}
			if len(report.Entries) == 0 {
				fmt.Println("No audit entries.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUSER\tACTION\tRESOURCE\tSTATUS\tDETAILS")
			for _, e := range report.Entries {
				details := e.Details
				if len(details) > 60 {
					details = details[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					e.User, e.Action, e.Resource, e.Status, details)
			}
			w.Flush()
			s := report.Summary
			fmt.Printf("\n%d total, %d successful, %d failed, %d blocked\n", s.Total, s.Successful, s.Failed, s.Blocked)
			return nil
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func newAuditExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the filtered audit trail as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			report, err := fetchReport(cmd)
			if err != nil {
				return err
			}
			data, _, err := audit.Export(report, audit.Format(format))
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %d entries to %s\n", len(report.Entries), output)
			return nil
		},
	}
	addQueryFlags(cmd)
	cmd.Flags().String("format", string(audit.FormatJSON), "json or csv")
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the event log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var res eventlog.VerifyResult
			if err := api.Call(cmd.Context(), "audit.verify", nil, &res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("event log chain broken at record %d of %d: %s", res.BrokenAt, res.Records, res.Reason)
			}
			fmt.Printf("Event log intact (%d records).\n", res.Records)
			return nil
		},
	}
}
