package cert

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

var ErrNotACertificate = errors.New("data is not a PEM-encoded certificate")

// Parse decodes a PEM-encoded certificate. Only the first PEM block is
// considered; trailing blocks (chains) are ignored.
func Parse(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNotACertificate
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: unexpected PEM block type %q", ErrNotACertificate, block.Type)
	}

	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotACertificate, err)
	}

	return c, nil
}

// Fingerprint returns the hex-encoded SHA-256 digest of the certificate's
// DER bytes.
func Fingerprint(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return hex.EncodeToString(sum[:])
}

// ToPEM encodes a certificate as a PEM CERTIFICATE block.
func ToPEM(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: c.Raw,
	})
}

// KeyToPEM encodes an RSA private key as a PKCS#8 PEM block.
func KeyToPEM(key *rsa.PrivateKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}), nil
}
