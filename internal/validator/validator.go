// Package validator decides whether a connecting agent may be admitted,
// based on the certificate forwarded by the TLS-terminating front end.
package validator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autonomy-edge/edge-gateway/internal/registry"
)

// Rejection reasons. The websocket layer collapses all of them into a single
// policy-violation close code so the wire does not reveal which check failed.
var (
	ErrNoCertificate       = errors.New("no client certificate presented")
	ErrUnknownAgent        = errors.New("no certificate registered for agent")
	ErrCertificateMismatch = errors.New("presented certificate does not match registered certificate")
)

// Mode controls how a missing client certificate is treated.
type Mode string

const (
	// ModeStrict rejects connections that present no certificate.
	ModeStrict Mode = "strict"
	// ModePermissive admits them with a logged warning. Development only.
	ModePermissive Mode = "permissive"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModePermissive:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid validation mode: %s (valid: strict, permissive)", s)
	}
}

type Validator struct {
	registry *registry.Registry
	mode     Mode
}

// New builds a validator with its mode fixed at construction. The mode is
// never re-read from the environment per call.
func New(reg *registry.Registry, mode Mode) *Validator {
	return &Validator{registry: reg, mode: mode}
}

// Validate authenticates a connection attempt. presented is the raw PEM
// forwarded by the front end, or nil when no client certificate was supplied
// during the TLS handshake. A nil return means the agent is authenticated.
//
// The presented bytes are compared against the stored certificate in full,
// not just by common name: a forged self-signed certificate with a matching
// CN still differs byte-for-byte from the registered one, and the registry's
// CN-equals-agent-ID invariant makes an exact match imply identity.
func (v *Validator) Validate(ctx context.Context, agentID string, presented []byte) error {
	if len(presented) == 0 {
		if v.mode == ModePermissive {
			slog.Warn("Admitting agent without client certificate, validation mode is permissive",
				"agent_id", agentID)
			return nil
		}
		return ErrNoCertificate
	}

	stored, err := v.registry.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, registry.ErrCertNotFound) {
			return ErrUnknownAgent
		}
		return fmt.Errorf("certificate lookup failed: %w", err)
	}

	if subtle.ConstantTimeCompare(presented, stored) != 1 {
		return ErrCertificateMismatch
	}

	return nil
}
