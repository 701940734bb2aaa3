// infra-agent is the command-line client for the AWS infrastructure agent.
// It runs the agent in-process or talks to infra-agent-server over gRPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/cmd/infra-agent/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "infra-agent",
		Short: "LLM-driven AWS infrastructure agent with maker-checker approvals",
		Long: `infra-agent turns chat requests into AWS inspection and Terraform
provisioning tool calls. Mutating calls are checked against the message's
intent and, for gated backends, queued for approval by a checker profile.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterChatCommands(rootCmd)
	cli.RegisterApprovalCommands(rootCmd)
	cli.RegisterProfileCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)
	cli.RegisterToolCommands(rootCmd)
	cli.RegisterCertCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
