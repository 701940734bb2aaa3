package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/grpcapi"
	"github.com/QwavePune/aws-infra-agent-bot/internal/logging"
)

// PassphraseEnv supplies the vault passphrase without a prompt.
const PassphraseEnv = "INFRA_AGENT_PASSPHRASE"

// globals are the persistent flags shared by every command.
var globals struct {
	server   string
	cert     string
	key      string
	ca       string
	clientID string
	as       string
	vault    bool
}

// RegisterGlobalFlags adds the connection and identity flags.
func RegisterGlobalFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.StringVar(&globals.server, "server", "", "gRPC server (host:port or unix:///path); empty runs in-process")
	f.StringVar(&globals.cert, "cert", "", "client certificate for mTLS")
	f.StringVar(&globals.key, "key", "", "client key for mTLS")
	f.StringVar(&globals.ca, "ca", "", "CA certificate for mTLS")
	f.StringVar(&globals.clientID, "client-id", "cli", "client id used to scope profile selection")
	f.StringVar(&globals.as, "as", "", "act as this profile (ignored when a client certificate names one)")
	f.BoolVar(&globals.vault, "vault", false, "unlock the static-key vault")
}

// loadEngine opens the engine in-process. The vault is unlocked only when
// --vault is set, prompting for the passphrase unless PassphraseEnv holds it.
func loadEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := config.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	passphrase := ""
	if globals.vault {
		if passphrase, err = readPassphrase(); err != nil {
			return nil, err
		}
	}

	eng, err := engine.Open(ctx, engine.Options{
		Config:     cfg,
		Passphrase: passphrase,
		Logger:     logging.NewLogger(cfg.LogLevel, "cli"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	return eng, nil
}

func readPassphrase() (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	return promptSecret("Vault passphrase: ")
}

func promptSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(b), nil
}

// caller is satisfied by *grpcapi.Client and by localCaller.
type caller interface {
	Call(ctx context.Context, method string, params, out any) error
	Close() error
}

// localCaller routes calls through the same handler the server uses.
type localCaller struct {
	eng     *engine.Engine
	handler *grpcapi.Handler
}

func (l *localCaller) Call(ctx context.Context, method string, params, out any) error {
	req := &grpcapi.RPCRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	resp := l.handler.Handle(ctx, req)
	if resp.Error != "" {
		return &grpcapi.RemoteError{Method: method, Message: resp.Error, Kind: resp.ErrorKind}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (l *localCaller) Close() error { return l.eng.Close() }

// openAPI connects to --server or opens the engine in-process.
func openAPI(ctx context.Context) (caller, error) {
	if globals.server != "" {
		return grpcapi.Dial(globals.server, grpcapi.ClientOptions{
			CertFile: globals.cert,
			KeyFile:  globals.key,
			CAFile:   globals.ca,
		})
	}
	eng, err := loadEngine(ctx)
	if err != nil {
		return nil, err
	}
	return &localCaller{eng: eng, handler: grpcapi.NewHandler(grpcapi.NewService(eng))}, nil
}

// withCaller adds the caller identity to RPC params.
func withCaller(params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if globals.clientID != "" {
		params["client_id"] = globals.clientID
	}
	if globals.as != "" {
		params["profile"] = globals.as
	}
	return params
}

var errRemoteOnly = errors.New("this command runs in-process; drop --server")

func requireLocal() error {
	if globals.server != "" {
		return errRemoteOnly
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
