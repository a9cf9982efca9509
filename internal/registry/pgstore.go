package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists certificates in the agent_certificates table. The upsert
// is a single statement, so readers never see a half-written row.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Put(ctx context.Context, agentID string, pemBytes []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_certificates (agent_id, pem, uploaded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (agent_id)
		DO UPDATE SET pem = EXCLUDED.pem, uploaded_at = now()`,
		agentID, pemBytes)
	if err != nil {
		return fmt.Errorf("failed to upsert certificate: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, agentID string) ([]byte, error) {
	var pemBytes []byte
	err := s.pool.QueryRow(ctx,
		`SELECT pem FROM agent_certificates WHERE agent_id = $1`,
		agentID).Scan(&pemBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCertNotFound
		}
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}
	return pemBytes, nil
}
