package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/grpcapi"
)

// RegisterApprovalCommands adds maker-checker request and role commands.
func RegisterApprovalCommands(root *cobra.Command) {
	apprCmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review maker-checker requests",
	}
	apprCmd.AddCommand(newApprovalListCmd())
	apprCmd.AddCommand(newApprovalShowCmd())
	apprCmd.AddCommand(newApprovalReviewCmd("approve", "Approve a pending request"))
	apprCmd.AddCommand(newApprovalReviewCmd("reject", "Reject a pending request"))
	apprCmd.AddCommand(newApprovalExecuteCmd())
	apprCmd.AddCommand(newApprovalCommentCmd())
	root.AddCommand(apprCmd)

	rolesCmd := &cobra.Command{
		Use:   "roles",
		Short: "Show or change checker and maker profiles",
	}
	rolesCmd.AddCommand(newRolesShowCmd())
	rolesCmd.AddCommand(newRolesSetCmd())
	root.AddCommand(rolesCmd)
}

func newApprovalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			status, _ := cmd.Flags().GetString("status")
			requester, _ := cmd.Flags().GetString("requester")
			checker, _ := cmd.Flags().GetString("checker")
			limit, _ := cmd.Flags().GetInt("limit")

			var list grpcapi.ApprovalList
			if err := api.Call(cmd.Context(), "approvals.list", withCaller(map[string]any{
				"status":    status,
				"requester": requester,
				"checker":   checker,
				"limit":     limit,
			}), &list); err != nil {
				return err
			}

			if list.Count == 0 {
				fmt.Println("No approval requests.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTOOL\tREQUESTER\tCHECKERS\tCREATED")
			for _, r := range list.Requests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RequestID,
					r.Status,
					r.ToolName,
					r.RequesterProfile,
					strings.Join(r.CheckerProfiles, ","),
					r.CreatedAt.Local().Format("2006-01-02 15:04"),
				)
			}
			w.Flush()
			fmt.Printf("\nActing as: %s\n", list.ActiveProfile)
			return nil
		},
	}
	cmd.Flags().String("status", "", "filter by status (pending, approved, rejected, executing, executed, failed)")
	cmd.Flags().String("requester", "", "filter by requester profile")
	cmd.Flags().String("checker", "", "filter by checker profile")
	cmd.Flags().Int("limit", 0, "maximum rows")
	return cmd
}

func newApprovalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one request with its plan preview and comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var req core.ApprovalRequest
			if err := api.Call(cmd.Context(), "approvals.get", map[string]any{"id": args[0]}, &req); err != nil {
				return err
			}
			printRequest(&req)
			return nil
		},
	}
}

func newApprovalReviewCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			notes, _ := cmd.Flags().GetString("notes")
			var req core.ApprovalRequest
			if err := api.Call(cmd.Context(), "approvals."+action, withCaller(map[string]any{
				"id":    args[0],
				"notes": notes,
			}), &req); err != nil {
				return err
			}
			fmt.Printf("Request %s is now %s.\n", req.RequestID, req.Status)
			return nil
		},
	}
	cmd.Flags().String("notes", "", "review notes, stored as a comment")
	return cmd
}

func newApprovalExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var req core.ApprovalRequest
			if err := api.Call(cmd.Context(), "approvals.execute", withCaller(map[string]any{"id": args[0]}), &req); err != nil {
				return err
			}
			printRequest(&req)
			if req.Status != core.StatusExecuted {
				return fmt.Errorf("request %s finished as %s", req.RequestID, req.Status)
			}
			return nil
		},
	}
}

func newApprovalCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <message...>",
		Short: "Add a comment to a request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var req core.ApprovalRequest
			if err := api.Call(cmd.Context(), "approvals.comment", withCaller(map[string]any{
				"id":      args[0],
				"message": strings.Join(args[1:], " "),
			}), &req); err != nil {
				return err
			}
			fmt.Printf("Comment added (%d total).\n", len(req.Comments))
			return nil
		},
	}
}

func printRequest(r *core.ApprovalRequest) {
	fmt.Printf("Request:   %s\n", r.RequestID)
	fmt.Printf("Status:    %s\n", r.Status)
	fmt.Printf("Tool:      %s (%s)\n", r.ToolName, r.TargetExecutor)
	fmt.Printf("Requester: %s\n", r.RequesterProfile)
	fmt.Printf("Checkers:  %s\n", strings.Join(r.CheckerProfiles, ", "))
	if r.ApprovedBy != "" {
		fmt.Printf("Approved:  %s\n", r.ApprovedBy)
	}
	if r.RejectedBy != "" {
		fmt.Printf("Rejected:  %s\n", r.RejectedBy)
	}
	if r.ExecutedBy != "" {
		fmt.Printf("Executed:  %s\n", r.ExecutedBy)
	}
	if r.ExecutionError != "" {
		fmt.Printf("Error:     %s\n", r.ExecutionError)
	}
	if r.PlanPreview != "" {
		fmt.Printf("\n%s\n", r.PlanPreview)
	}
	if len(r.Comments) > 0 {
		fmt.Println("\nComments:")
		for _, c := range r.Comments {
			fmt.Printf("  [%s] %s (%s): %s\n", c.Timestamp.Local().Format("2006-01-02 15:04"), c.AuthorProfile, c.AuthorRole, c.Message)
		}
	}
}

func newRolesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the role configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var roles core.RoleConfiguration
			if err := api.Call(cmd.Context(), "roles.get", nil, &roles); err != nil {
				return err
			}
			fmt.Printf("Checkers: %s\n", orNone(roles.CheckerProfiles))
			fmt.Printf("Makers:   %s\n", orNone(roles.MakerProfiles))
			return nil
		},
	}
}

func newRolesSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the checker and maker profile lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			checkers, _ := cmd.Flags().GetStringSlice("checkers")
			makers, _ := cmd.Flags().GetStringSlice("makers")

			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var roles core.RoleConfiguration
			if err := api.Call(cmd.Context(), "roles.update", map[string]any{
				"checker_profiles": checkers,
				"maker_profiles":   makers,
			}, &roles); err != nil {
				return err
			}
			fmt.Printf("Checkers: %s\n", orNone(roles.CheckerProfiles))
			fmt.Printf("Makers:   %s\n", orNone(roles.MakerProfiles))
			return nil
		},
	}
	cmd.Flags().StringSlice("checkers", nil, "checker profiles")
	cmd.Flags().StringSlice("makers", nil, "maker profiles (default: every profile that is not a checker)")
	return cmd
}

func orNone(s []string) string {
	if len(s) == 0 {
		return "(none)"
	}
	return strings.Join(s, ", ")
}
