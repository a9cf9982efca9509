package validator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, cn string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store, err := registry.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return registry.New(store)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("strict")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, mode)

	mode, err = ParseMode("permissive")
	require.NoError(t, err)
	assert.Equal(t, ModePermissive, mode)

	_, err = ParseMode("lenient")
	assert.Error(t, err)
	_, err = ParseMode("")
	assert.Error(t, err)
}

func TestValidate_Match(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	pemBytes := selfSignedPEM(t, "agent-1")
	require.NoError(t, reg.Put(ctx, "agent-1", pemBytes))

	v := New(reg, ModeStrict)
	assert.NoError(t, v.Validate(ctx, "agent-1", pemBytes))
}

func TestValidate_NoCertificate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	strict := New(reg, ModeStrict)
	assert.ErrorIs(t, strict.Validate(ctx, "agent-1", nil), ErrNoCertificate)
	assert.ErrorIs(t, strict.Validate(ctx, "agent-1", []byte{}), ErrNoCertificate)

	permissive := New(reg, ModePermissive)
	assert.NoError(t, permissive.Validate(ctx, "agent-1", nil))
}

func TestValidate_UnknownAgent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	v := New(reg, ModeStrict)
	err := v.Validate(ctx, "agent-1", selfSignedPEM(t, "agent-1"))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestValidate_Mismatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registered := selfSignedPEM(t, "agent-1")
	require.NoError(t, reg.Put(ctx, "agent-1", registered))

	// Same CN, different key: the byte comparison must still fail.
	forged := selfSignedPEM(t, "agent-1")
	require.NotEqual(t, registered, forged)

	v := New(reg, ModeStrict)
	assert.ErrorIs(t, v.Validate(ctx, "agent-1", forged), ErrCertificateMismatch)
}

func TestValidate_PermissiveStillChecksPresented(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registered := selfSignedPEM(t, "agent-1")
	require.NoError(t, reg.Put(ctx, "agent-1", registered))

	// Permissive mode only relaxes the missing-certificate case. A presented
	// certificate is always verified.
	v := New(reg, ModePermissive)
	forged := selfSignedPEM(t, "agent-1")
	assert.ErrorIs(t, v.Validate(ctx, "agent-1", forged), ErrCertificateMismatch)
	assert.NoError(t, v.Validate(ctx, "agent-1", registered))
}
