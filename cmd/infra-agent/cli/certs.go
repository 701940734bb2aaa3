package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/pki"
)

// RegisterCertCommands adds client certificate issuance.
func RegisterCertCommands(root *cobra.Command) {
	certCmd := &cobra.Command{
		Use:   "certs",
		Short: "Issue mTLS client certificates",
	}
	issue := &cobra.Command{
		Use:   "issue <profile>",
		Short: "Issue a client certificate that acts as <profile>",
		Long: `Issue a client certificate signed by the server CA. Over mTLS the
certificate's profile is the caller's acting profile for approvals;
--as is ignored for such callers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				cfg, err := config.LoadGlobalConfig()
				if err != nil {
					return err
				}
				dir = cfg.GRPCTLSDir
			}
			if dir == "" {
				return fmt.Errorf("no TLS directory; set grpc_tls_dir or pass --dir")
			}
			certPath, keyPath, err := pki.IssueClientFiles(dir, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Key:         %s\n", keyPath)
			fmt.Printf("\nConnect with:\n  infra-agent --server <host:port> --cert %s --key %s --ca %s/%s ...\n",
				certPath, keyPath, dir, pki.CAFile)
			return nil
		},
	}
	issue.Flags().String("dir", "", "TLS directory holding the CA (default: grpc_tls_dir)")
	certCmd.AddCommand(issue)
	root.AddCommand(certCmd)
}
