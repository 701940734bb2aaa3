package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/grpcapi"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/vault"
)

// RegisterProfileCommands adds AWS profile selection, login and vault commands.
func RegisterProfileCommands(root *cobra.Command) {
	profCmd := &cobra.Command{
		Use:   "profile",
		Short: "Select AWS profiles and manage stored keys",
	}
	profCmd.AddCommand(newProfileShowCmd())
	profCmd.AddCommand(newProfileUseCmd())
	profCmd.AddCommand(newProfileWhoamiCmd())
	profCmd.AddCommand(newProfileLoginCmd())

	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Static access keys kept in the encrypted vault",
	}
	keyCmd.AddCommand(newKeyImportCmd())
	keyCmd.AddCommand(newKeyListCmd())
	keyCmd.AddCommand(newKeyDeleteCmd())
	profCmd.AddCommand(keyCmd)

	root.AddCommand(profCmd)
}

func newProfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the acting and default profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			var info grpcapi.ProfileInfo
			if err := api.Call(cmd.Context(), "profile.get", withCaller(nil), &info); err != nil {
				return err
			}
			acting := info.Profile
			if globals.as != "" && !info.Pinned {
				acting = globals.as
			}
			fmt.Printf("Acting profile:  %s", acting)
			if info.Pinned {
				fmt.Print(" (client certificate)")
			}
			fmt.Printf("\nDefault profile: %s\n", info.ActiveProfile)
			return nil
		},
	}
}

func newProfileUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <profile>",
		Short: "Select a profile",
		Long: `Select the AWS profile used for agent runs and approval actions.

In-process, the choice is saved as default_profile in the config file.
Against a server, it changes the server's default profile unless
--client-only limits it to this client id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			clientOnly, _ := cmd.Flags().GetBool("client-only")

			if globals.server == "" {
				cfg, err := config.LoadGlobalConfig()
				if err != nil {
					return err
				}
				cfg.DefaultProfile = name
				if err := config.SaveGlobalConfig(cfg); err != nil {
					return err
				}
				fmt.Printf("Default profile set to %s\n", name)
				return nil
			}

			api, err := openAPI(cmd.Context())
			if err != nil {
				return err
			}
			defer api.Close()

			params := withCaller(map[string]any{"client_only": clientOnly})
			params["profile"] = name
			var info grpcapi.ProfileInfo
			if err := api.Call(cmd.Context(), "profile.set", params, &info); err != nil {
				return err
			}
			fmt.Printf("Profile: %s (server default: %s)\n", info.Profile, info.ActiveProfile)
			return nil
		},
	}
	cmd.Flags().Bool("client-only", false, "change only this client's selection on the server")
	return cmd
}

func newProfileWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Resolve the caller identity for the acting profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLocal(); err != nil {
				return err
			}
			eng, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			cred := eng.Profiles.Credential(profile.ClientKey(globals.clientID, "", ""))
			if globals.as != "" {
				cred.Profile = globals.as
			}
			id, err := eng.Cloud.Identity(cmd.Context(), cred)
			if err != nil {
				return fmt.Errorf("profile %s: %w", cred.Profile, err)
			}
			fmt.Printf("Profile: %s\n", cred.Profile)
			fmt.Printf("Account: %s\n", id.Account)
			fmt.Printf("ARN:     %s\n", id.ARN)
			fmt.Printf("Regions: %s\n", strings.Join(eng.Cloud.Regions(cmd.Context(), cred), ", "))
			return nil
		},
	}
}

func newProfileLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [profile]",
		Short: "Run aws sso login and wait for it to finish",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLocal(); err != nil {
				return err
			}
			eng, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			name := eng.Profiles.Active()
			if len(args) == 1 {
				name = args[0]
			}
			job := eng.Logins.Start(name)
			fmt.Printf("Login started for %s (job %s). Complete it in your browser.\n", name, job.ID)
			job, err = eng.Logins.Wait(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			if job.Output != "" {
				fmt.Println(strings.TrimSpace(job.Output))
			}
			if job.Status != profile.LoginSucceeded {
				return fmt.Errorf("login %s", job.Status)
			}
			fmt.Println("Login succeeded.")
			return nil
		},
	}
}

func openVault() (*vault.Vault, error) {
	cfg, err := config.LoadGlobalConfig()
	if err != nil {
		return nil, err
	}
	pass, err := readPassphrase()
	if err != nil {
		return nil, err
	}
	return vault.OpenOrCreate(cfg.VaultPath, pass)
}

func newKeyImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <profile>",
		Short: "Store a static access key for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, _ := cmd.Flags().GetString("region")
			accessKey, _ := cmd.Flags().GetString("access-key")

			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			if accessKey == "" {
				if accessKey, err = promptSecret("Access key ID: "); err != nil {
					return err
				}
			}
			secret, err := promptSecret("Secret access key: ")
			if err != nil {
				return err
			}
			if err := v.PutProfileKey(args[0], vault.StaticKey{
				AccessKeyID:     strings.TrimSpace(accessKey),
				SecretAccessKey: strings.TrimSpace(secret),
				Region:          region,
			}); err != nil {
				return err
			}
			fmt.Printf("Key stored for profile %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("region", "", "default region for the profile")
	cmd.Flags().String("access-key", "", "access key ID (prompted when empty)")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles with stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			names := v.Profiles()
			if len(names) == 0 {
				fmt.Println("No stored keys.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tKEY_ID\tREGION")
			for _, n := range names {
				k, ok, err := v.ProfileKey(n)
				if err != nil || !ok {
					continue
				}
				keyID := k.AccessKeyID
				if len(keyID) > 8 {
					keyID = keyID[:4] + "..." + keyID[len(keyID)-4:]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", n, keyID, k.Region)
			}
			w.Flush()
			return nil
		},
	}
}

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <profile>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			if err := v.DeleteProfileKey(args[0]); err != nil {
				return err
			}
			fmt.Printf("Key removed for profile %s\n", args[0])
			return nil
		},
	}
}
