package pki

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// ServerTLSConfig requires client certificates signed by the CA.
func ServerTLSConfig(server *CertBundle, caCertPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(server.CertPEM, server.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig presents the client certificate and trusts only the CA.
func ClientTLSConfig(client *CertBundle, caCertPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(client.CertPEM, client.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerTransportCredentials wraps ServerTLSConfig for grpc.Creds.
func ServerTransportCredentials(server *CertBundle, caCertPEM []byte) (credentials.TransportCredentials, error) {
	cfg, err := ServerTLSConfig(server, caCertPEM)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientTransportCredentials wraps ClientTLSConfig for grpc.WithTransportCredentials.
func ClientTransportCredentials(client *CertBundle, caCertPEM []byte) (credentials.TransportCredentials, error) {
	cfg, err := ClientTLSConfig(client, caCertPEM)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// PeerProfile returns the profile named by the verified client certificate
// of the gRPC peer in ctx. It returns "" for plaintext or unix-socket peers.
func PeerProfile(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.VerifiedChains) == 0 || len(info.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return ProfileOf(info.State.VerifiedChains[0][0])
}
