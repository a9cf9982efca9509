package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caKeyBits    = 4096
	agentKeyBits = 2048

	caValidity    = 10 * 365 * 24 * time.Hour
	agentValidity = 365 * 24 * time.Hour
)

// Authority signs agent client certificates with a gateway-owned CA.
// The CA key pair is loaded from disk, or generated on first use.
type Authority struct {
	CertPath string
	KeyPath  string

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
}

func NewAuthority(certPath, keyPath string) (*Authority, error) {
	a := &Authority{
		CertPath: certPath,
		KeyPath:  keyPath,
	}

	if fileExists(certPath) && fileExists(keyPath) {
		slog.Debug("Using existing CA certificate", "cert_path", certPath)
		caCert, caKey, err := loadCA(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
		a.caCert, a.caKey = caCert, caKey
		return a, nil
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", certPath)

	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}

	if err := ensureDirectory(certPath); err != nil {
		return nil, err
	}
	if err := writeCertToFile(caCert, certPath); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}

	if err := ensureDirectory(keyPath); err != nil {
		return nil, err
	}
	if err := writeKeyToFile(caKey, keyPath); err != nil {
		return nil, fmt.Errorf("failed to write CA key: %w", err)
	}

	slog.Info("Generated CA certificate", "cert_path", certPath, "key_path", keyPath)
	a.caCert, a.caKey = caCert, caKey
	return a, nil
}

// CACertPEM returns the CA certificate as PEM bytes.
func (a *Authority) CACertPEM() []byte {
	return ToPEM(a.caCert)
}

// IssueAgentCert creates a client certificate whose subject common name is
// exactly agentID, signed by the authority's CA.
func (a *Authority) IssueAgentCert(agentID string) (*x509.Certificate, *rsa.PrivateKey, error) {
	slog.Info("Issuing agent certificate", "agent_id", agentID)

	agentKey, err := rsa.GenerateKey(rand.Reader, agentKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate agent key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	agentTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Edge Gateway"},
			CommonName:   agentID,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(agentValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	agentCertBytes, err := x509.CreateCertificate(rand.Reader, agentTemplate, a.caCert, &agentKey.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create agent certificate: %w", err)
	}

	agentCert, err := x509.ParseCertificate(agentCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse agent certificate: %w", err)
	}

	return agentCert, agentKey, nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Edge Gateway CA"},
			CommonName:   "Edge Gateway Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	caCertBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, caKey, nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCert, err := Parse(certBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}

	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	caKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not an RSA private key")
	}

	return caCert, caKey, nil
}

func writeCertToFile(c *x509.Certificate, path string) error {
	certFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer certFile.Close()

	if err := pem.Encode(certFile, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: c.Raw,
	}); err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}

	return nil
}

func writeKeyToFile(key *rsa.PrivateKey, path string) error {
	keyFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	if err := pem.Encode(keyFile, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}); err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	return nil
}

func ensureDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
