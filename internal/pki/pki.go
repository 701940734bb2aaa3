// Package pki issues the certificates used for mutual TLS on the gRPC
// listener. A client certificate's common name is the AWS profile the
// caller acts as when approving or executing maker-checker requests.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// Organization is stamped on every issued certificate.
	Organization = "infra-agent"
	// ClientUnit marks client certificates that carry a profile name.
	ClientUnit = "profiles"

	DefaultCAValidity   = 5 * 365 * 24 * time.Hour
	DefaultCertValidity = 365 * 24 * time.Hour
)

// File names inside a TLS directory.
const (
	CAFile        = "ca.pem"
	CAKeyFile     = "ca-key.pem"
	ServerFile    = "server.pem"
	ServerKeyFile = "server-key.pem"
)

// CertBundle holds a PEM certificate and its PEM private key.
type CertBundle struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateCA creates a self-signed ECDSA P-256 certificate authority.
func GenerateCA(validity time.Duration) (*CertBundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	tmpl, err := template(pkix.Name{Organization: []string{Organization}, CommonName: "infra-agent CA"}, validity)
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLen = 1
	return sign(tmpl, tmpl, key, key)
}

// GenerateServerCert issues a server certificate for hosts, which may be
// names or IP addresses. localhost and 127.0.0.1 are always included.
func GenerateServerCert(ca *CertBundle, hosts []string, validity time.Duration) (*CertBundle, error) {
	tmpl, err := template(pkix.Name{Organization: []string{Organization}, CommonName: "infra-agent server"}, validity)
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	for _, h := range slices.Concat(hosts, []string{"localhost", "127.0.0.1"}) {
		if ip := net.ParseIP(h); ip != nil {
			if !slices.ContainsFunc(tmpl.IPAddresses, ip.Equal) {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			}
		} else if h != "" && !slices.Contains(tmpl.DNSNames, h) {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return issue(ca, tmpl)
}

// GenerateClientCert issues a client certificate naming profileName.
func GenerateClientCert(ca *CertBundle, profileName string, validity time.Duration) (*CertBundle, error) {
	profileName = strings.TrimSpace(profileName)
	if profileName == "" {
		return nil, errors.New("client certificate requires a profile name")
	}
	tmpl, err := template(pkix.Name{
		Organization:       []string{Organization},
		OrganizationalUnit: []string{ClientUnit},
		CommonName:         profileName,
	}, validity)
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	return issue(ca, tmpl)
}

// ProfileOf returns the profile named by a client certificate, or "" when
// the certificate was not issued for a profile.
func ProfileOf(cert *x509.Certificate) string {
	if cert == nil || !slices.Contains(cert.Subject.OrganizationalUnit, ClientUnit) {
		return ""
	}
	return cert.Subject.CommonName
}

// ParseCertificate decodes the first PEM certificate in certPEM.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// InitDir creates a CA and server certificate in dir unless a CA already
// exists there. It returns the CA bundle either way.
func InitDir(dir string, hosts []string) (*CertBundle, error) {
	if ca, err := readBundle(dir, CAFile, CAKeyFile); err == nil {
		return ca, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating tls dir: %w", err)
	}
	ca, err := GenerateCA(DefaultCAValidity)
	if err != nil {
		return nil, err
	}
	server, err := GenerateServerCert(ca, hosts, DefaultCertValidity)
	if err != nil {
		return nil, err
	}
	if err := writeBundle(dir, CAFile, CAKeyFile, ca); err != nil {
		return nil, err
	}
	if err := writeBundle(dir, ServerFile, ServerKeyFile, server); err != nil {
		return nil, err
	}
	return ca, nil
}

// LoadServer reads the server bundle and CA certificate from dir.
func LoadServer(dir string) (*CertBundle, []byte, error) {
	server, err := readBundle(dir, ServerFile, ServerKeyFile)
	if err != nil {
		return nil, nil, err
	}
	caPEM, err := os.ReadFile(filepath.Join(dir, CAFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	return server, caPEM, nil
}

// IssueClientFiles writes <profile>.pem and <profile>-key.pem into dir,
// signed by the CA stored there, and returns their paths.
func IssueClientFiles(dir, profileName string) (certPath, keyPath string, err error) {
	ca, err := readBundle(dir, CAFile, CAKeyFile)
	if err != nil {
		return "", "", err
	}
	client, err := GenerateClientCert(ca, profileName, DefaultCertValidity)
	if err != nil {
		return "", "", err
	}
	certName, keyName := profileName+".pem", profileName+"-key.pem"
	if err := writeBundle(dir, certName, keyName, client); err != nil {
		return "", "", err
	}
	return filepath.Join(dir, certName), filepath.Join(dir, keyName), nil
}

// ReadBundle loads a certificate and key pair from explicit paths.
func ReadBundle(certPath, keyPath string) (*CertBundle, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	return &CertBundle{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func readBundle(dir, certName, keyName string) (*CertBundle, error) {
	return ReadBundle(filepath.Join(dir, certName), filepath.Join(dir, keyName))
}

func writeBundle(dir, certName, keyName string, b *CertBundle) error {
	if err := os.WriteFile(filepath.Join(dir, certName), b.CertPEM, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", certName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyName), b.KeyPEM, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", keyName, err)
	}
	return nil
}

func template(subject pkix.Name, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
	}, nil
}

// issue signs tmpl with a fresh key using the CA in ca.
func issue(ca *CertBundle, tmpl *x509.Certificate) (*CertBundle, error) {
	caCert, err := ParseCertificate(ca.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(ca.KeyPEM)
	if keyBlock == nil {
		return nil, errors.New("invalid CA key PEM")
	}
	caKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return sign(tmpl, caCert, key, caKey)
}

func sign(tmpl, parent *x509.Certificate, key, signer *ecdsa.PrivateKey) (*CertBundle, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	return &CertBundle{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}
