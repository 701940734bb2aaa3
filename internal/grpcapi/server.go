// Package grpcapi exposes approvals, roles, profiles, audit and the tool
// catalogue over gRPC. The CLI reaches it through a unix socket or, across
// machines, over TCP with mutual TLS.
package grpcapi

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"google.golang.org/grpc"

	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/pki"
)

// Server wraps the gRPC server and its listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	handler    *Handler
}

// Listen serves eng on addr. unix:///path binds a socket; anything else is
// a TCP address, using mutual TLS when tlsDir holds server material.
func Listen(addr string, eng *engine.Engine, tlsDir string) (*Server, error) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		return NewServer(path, eng)
	}
	if tlsDir == "" {
		eng.Logger.Warn().Str("addr", addr).Msg("gRPC listener without mTLS")
		return NewTCPServer(addr, eng)
	}
	server, caPEM, err := pki.LoadServer(tlsDir)
	if err != nil {
		return nil, fmt.Errorf("loading TLS material from %s: %w", tlsDir, err)
	}
	return NewMTLSServer(addr, eng, &TLSConfig{ServerCert: server, CACertPEM: caPEM})
}

// NewServer creates a gRPC server bound to a unix socket. A stale socket
// file left by a previous process is removed.
func NewServer(socketPath string, eng *engine.Engine) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return newServer(lis, eng), nil
}

// NewTCPServer creates a plaintext gRPC server (for local/dev use only).
func NewTCPServer(addr string, eng *engine.Engine) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, eng), nil
}

// TLSConfig holds the mTLS material for a TCP listener.
type TLSConfig struct {
	ServerCert *pki.CertBundle
	CACertPEM  []byte
}

// NewMTLSServer creates a gRPC server with mutual TLS authentication.
// Client certificates must be signed by the same CA.
func NewMTLSServer(addr string, eng *engine.Engine, tlsCfg *TLSConfig) (*Server, error) {
	creds, err := pki.ServerTransportCredentials(tlsCfg.ServerCert, tlsCfg.CACertPEM)
	if err != nil {
		return nil, fmt.Errorf("configuring mTLS: %w", err)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, eng, grpc.Creds(creds)), nil
}

func newServer(lis net.Listener, eng *engine.Engine, opts ...grpc.ServerOption) *Server {
	s := grpc.NewServer(opts...)
	h := NewHandler(NewService(eng))
	h.RegisterWithGRPC(s)
	return &Server{grpcServer: s, listener: lis, handler: h}
}

// Serve starts serving gRPC requests.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Handler returns the JSON-RPC handler for direct access.
func (s *Server) Handler() *Handler {
	return s.handler
}
