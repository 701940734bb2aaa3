package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// RegisterChatCommands adds the conversational entry point.
func RegisterChatCommands(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Talk to the infrastructure agent",
		Long: `Send one message, or start an interactive session when no message is given.
Mutating requests that need review are queued; see 'infra-agent approvals list'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLocal(); err != nil {
				return err
			}
			provider, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			thread, _ := cmd.Flags().GetString("thread")
			backend, _ := cmd.Flags().GetString("backend")

			eng, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			if thread == "" {
				thread = uuid.NewString()
			}
			send := func(msg string) error {
				_, err := eng.Agent.Run(cmd.Context(), agent.RunRequest{
					Message:   msg,
					ThreadID:  thread,
					Provider:  provider,
					Model:     model,
					Backend:   core.Backend(backend),
					ClientKey: profile.ClientKey(globals.clientID, "", ""),
					Profile:   globals.as,
				}, agent.EmitterFunc(printEvent))
				return err
			}

			if len(args) > 0 {
				return send(strings.Join(args, " "))
			}
			return repl(eng, thread, send)
		},
	}
	cmd.Flags().String("provider", "", "LLM provider (default from config)")
	cmd.Flags().String("model", "", "model name (default from provider)")
	cmd.Flags().String("thread", "", "conversation thread id (default: new thread)")
	cmd.Flags().String("backend", string(core.BackendAWSTerraform), "tool backend")
	root.AddCommand(cmd)
}

func repl(eng *engine.Engine, thread string, send func(string) error) error {
	fmt.Printf("Thread %s, profile %s. Type 'exit' to quit.\n", thread, eng.Profiles.Active())
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			fmt.Println()
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := send(line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func printEvent(ev agent.Event) {
	switch ev.Type {
	case agent.TextMessageContent:
		fmt.Print(ev.Delta)
	case agent.TextMessageEnd:
		fmt.Println()
	case agent.ToolResult:
		status := "ok"
		if ok, _ := ev.Result["success"].(bool); !ok {
			status = "failed"
		}
		fmt.Fprintf(os.Stderr, "  [%s] %s\n", ev.ToolName, status)
	case agent.ToolBlocked:
		fmt.Fprintf(os.Stderr, "  [%s] blocked: %s\n", ev.ToolName, ev.Message)
	case agent.ApprovalQueued:
		fmt.Fprintf(os.Stderr, "  [%s] queued for approval: %s\n", ev.ToolName, ev.RequestID)
	case agent.RunError:
		fmt.Fprintf(os.Stderr, "  error: %s\n", ev.Message)
	}
}
