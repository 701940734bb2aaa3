// infra-agent-server serves the agent over HTTP (chat, approvals, audit) and
// gRPC (approvals, roles, profiles, audit) for the CLI and remote checkers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/grpcapi"
	"github.com/QwavePune/aws-infra-agent-bot/internal/httpapi"
	"github.com/QwavePune/aws-infra-agent-bot/internal/logging"
	"github.com/QwavePune/aws-infra-agent-bot/internal/pki"
)

var version = "0.1.0-dev"

// passphraseEnv unlocks the static-key vault when set.
const passphraseEnv = "INFRA_AGENT_PASSPHRASE"

func main() {
	rootCmd := &cobra.Command{
		Use:          "infra-agent-server",
		Short:        "AWS infrastructure agent server",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.infra-agent/config.json)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCertsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.GlobalConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadGlobalConfig()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
				cfg.HTTPAddr = v
			}
			if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
				cfg.GRPCAddr = v
			}
			if v, _ := cmd.Flags().GetString("tls-dir"); v != "" {
				cfg.GRPCTLSDir = v
			}
			logger := logging.NewLogger(cfg.LogLevel, "server")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.Open(ctx, engine.Options{
				Config:     cfg,
				Passphrase: os.Getenv(passphraseEnv),
				Logger:     logger,
			})
			if err != nil {
				return fmt.Errorf("opening engine: %w", err)
			}
			defer eng.Close()

			errCh := make(chan error, 2)

			var grpcServer *grpcapi.Server
			if cfg.GRPCAddr != "" {
				grpcServer, err = grpcapi.Listen(cfg.GRPCAddr, eng, cfg.GRPCTLSDir)
				if err != nil {
					return err
				}
				go func() {
					logger.Info().Str("addr", cfg.GRPCAddr).Bool("mtls", cfg.GRPCTLSDir != "").Msg("gRPC listening")
					errCh <- grpcServer.Serve()
				}()
			}

			e := httpapi.NewServer(eng, logger)
			go func() {
				logger.Info().Str("addr", cfg.HTTPAddr).Str("profile", eng.Profiles.Active()).Msg("HTTP listening")
				if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
			case err = <-errCh:
				logger.Error().Err(err).Msg("listener failed")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := e.Shutdown(shutdownCtx); serr != nil {
				logger.Warn().Err(serr).Msg("HTTP shutdown")
			}
			if grpcServer != nil {
				grpcServer.Stop()
			}
			return err
		},
	}
	cmd.Flags().String("http-addr", "", "HTTP listen address (overrides http_addr)")
	cmd.Flags().String("grpc-addr", "", "gRPC address, host:port or unix:///path (overrides grpc_addr)")
	cmd.Flags().String("tls-dir", "", "mTLS material for a TCP gRPC listener (overrides grpc_tls_dir)")
	return cmd
}

func newCertsCmd() *cobra.Command {
	certsCmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage gRPC mTLS material",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a CA and server certificate",
		Long: `Create a certificate authority and server certificate for the gRPC
listener. Existing material is kept. Client certificates are issued with
'infra-agent certs issue <profile>'; the profile they name is the caller's
acting profile for approvals.

The directory will contain:
  ca.pem          CA certificate (give to clients)
  ca-key.pem      CA private key
  server.pem      server certificate
  server-key.pem  server private key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			hosts, _ := cmd.Flags().GetStringSlice("hosts")
			if dir == "" {
				dir = cfg.GRPCTLSDir
			}
			if dir == "" {
				dir = filepath.Join(config.ConfigDir(), "tls")
			}

			ca, err := pki.InitDir(dir, hosts)
			if err != nil {
				return err
			}
			cert, err := pki.ParseCertificate(ca.CertPEM)
			if err != nil {
				return err
			}
			fmt.Printf("TLS directory: %s\n", dir)
			fmt.Printf("CA expires:    %s\n", cert.NotAfter.Format(time.RFC3339))

			if cfg.GRPCTLSDir != dir {
				cfg.GRPCTLSDir = dir
				if err := config.SaveGlobalConfig(cfg); err != nil {
					return err
				}
				fmt.Println("Saved grpc_tls_dir to config.")
			}
			return nil
		},
	}
	initCmd.Flags().String("dir", "", "TLS directory (default: grpc_tls_dir or ~/.infra-agent/tls)")
	initCmd.Flags().StringSlice("hosts", nil, "extra server hostnames or IPs")

	certsCmd.AddCommand(initCmd)
	return certsCmd
}
