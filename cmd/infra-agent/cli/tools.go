package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

// RegisterToolCommands adds tool catalogue and direct execution commands.
func RegisterToolCommands(root *cobra.Command) {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "List or run infrastructure tools directly",
	}
	toolsCmd.AddCommand(newToolsListCmd())
	toolsCmd.AddCommand(newToolsExecCmd())
	root.AddCommand(toolsCmd)
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tool catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var out struct {
				Tools []tools.Definition `json:"tools"`
			}
			if err := api.Call(cmd.Context(), "tools.list", nil, &out); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, d := range out.Tools {
				fmt.Fprintf(w, "%s\t%s\n", d.Name, d.Description)
			}
			w.Flush()
			return nil
		},
	}
}

func newToolsExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <tool>",
		Short: "Run one tool call through the intent guard and approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLocal(); err != nil {
				return err
			}
			rawArgs, _ := cmd.Flags().GetString("args")
			backend, _ := cmd.Flags().GetString("backend")

			arguments := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			eng, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			out := eng.Agent.Execute(cmd.Context(), agent.DirectCall{
				Name:      args[0],
				Arguments: arguments,
				Backend:   core.Backend(backend),
				ClientKey: profile.ClientKey(globals.clientID, "", ""),
				Profile:   globals.as,
			})
			if err := printJSON(out); err != nil {
				return err
			}
			if out.Status == agent.CallQueued {
				fmt.Fprintf(os.Stderr, "Queued for approval as %s\n", out.RequestID)
			}
			return nil
		},
	}
	cmd.Flags().String("args", "", "tool arguments as a JSON object")
	cmd.Flags().String("backend", string(core.BackendAWSTerraform), "tool backend")
	return cmd
}
