package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/QwavePune/aws-infra-agent-bot/internal/pki"
)

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Method  string
	Message string
	Kind    string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client calls a remote Handler.
type Client struct {
	conn *grpc.ClientConn
}

// ClientOptions selects the transport for Dial.
type ClientOptions struct {
	// CertFile and KeyFile name a client certificate. When set, CAFile must
	// name the CA that signed the server certificate.
	CertFile string
	KeyFile  string
	CAFile   string
}

// Dial connects to addr, which is either host:port or unix:///path.
func Dial(addr string, opts ClientOptions) (*Client, error) {
	creds, err := opts.credentials()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (o ClientOptions) credentials() (credentials.TransportCredentials, error) {
	if o.CertFile == "" && o.KeyFile == "" {
		return insecure.NewCredentials(), nil
	}
	if o.CertFile == "" || o.KeyFile == "" || o.CAFile == "" {
		return nil, errors.New("mTLS requires a certificate, key and CA")
	}
	bundle, err := pki.ReadBundle(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	return pki.ClientTransportCredentials(bundle, caPEM)
}

// Call invokes method with params and decodes the result into out, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := &RPCRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}
	var resp RPCResponse
	if err := c.conn.Invoke(ctx, CallMethod, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &RemoteError{Method: method, Message: resp.Error, Kind: resp.ErrorKind}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
