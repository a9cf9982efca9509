// Package registry is the durable binding between an agent identity and the
// client certificate it is trusted to present. A certificate is only ever
// stored when its subject common name equals the agent ID it is stored
// under, so a byte-exact match at connection time also proves identity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autonomy-edge/edge-gateway/internal/cert"
)

var (
	ErrCertNotFound         = errors.New("certificate not found")
	ErrMalformedCertificate = errors.New("malformed certificate")
	ErrStorageFailure       = errors.New("certificate storage failure")
)

// CNMismatchError reports an upload whose certificate common name disagrees
// with the agent ID it was uploaded for. Both identities are carried for
// operator diagnosis.
type CNMismatchError struct {
	AgentID    string
	CommonName string
}

func (e *CNMismatchError) Error() string {
	return fmt.Sprintf("Agent ID mismatch: provided '%s' but certificate CN is '%s'", e.AgentID, e.CommonName)
}

// Store persists certificate bytes keyed by agent ID. Implementations must
// make Put atomic with respect to Get: a concurrent reader sees either the
// previous certificate or the complete new one, never a partial write.
type Store interface {
	Put(ctx context.Context, agentID string, pemBytes []byte) error
	Get(ctx context.Context, agentID string) ([]byte, error)
}

type Registry struct {
	store Store
}

func New(store Store) *Registry {
	return &Registry{store: store}
}

// Put validates and persists a trusted certificate for an agent, overwriting
// any prior value. The certificate must parse and its subject common name
// must equal agentID exactly (case-sensitive); nothing is persisted
// otherwise.
func (r *Registry) Put(ctx context.Context, agentID string, pemBytes []byte) error {
	parsed, err := cert.Parse(pemBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}

	cn := parsed.Subject.CommonName
	if cn != agentID {
		return &CNMismatchError{AgentID: agentID, CommonName: cn}
	}

	if err := r.store.Put(ctx, agentID, pemBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	slog.Info("Certificate registered",
		"agent_id", agentID,
		"fingerprint", cert.Fingerprint(parsed),
		"not_after", parsed.NotAfter)

	return nil
}

// Get returns the exact stored certificate bytes for an agent, or
// ErrCertNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) ([]byte, error) {
	pemBytes, err := r.store.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrCertNotFound) {
			return nil, ErrCertNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return pemBytes, nil
}
