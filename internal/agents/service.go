package agents

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAgentNotFound = errors.New("agent not found")

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// RecordConnect upserts the directory row for an agent at admission time.
func (s *Service) RecordConnect(ctx context.Context, agentID string, ipAddress string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, first_connected_at, last_seen_at, last_ip_address)
		VALUES ($1, now(), now(), $2)
		ON CONFLICT (agent_id)
		DO UPDATE SET last_seen_at = now(), last_ip_address = COALESCE($2, agents.last_ip_address)`,
		agentID, parseAddr(ipAddress))
	if err != nil {
		return fmt.Errorf("failed to record agent connect: %w", err)
	}
	return nil
}

// UpdateLastSeen advances the agent's last seen timestamp.
func (s *Service) UpdateLastSeen(ctx context.Context, agentID string, timestamp time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_seen_at = $2 WHERE agent_id = $1`,
		agentID, pgtype.Timestamptz{Time: timestamp, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// GetAgent retrieves one directory row.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, first_connected_at, last_seen_at, last_ip_address
		FROM agents WHERE agent_id = $1`, agentID)

	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// ListAgents retrieves all known agents, most recently seen first.
func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, first_connected_at, last_seen_at, last_ip_address
		FROM agents ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// CreateConnectionLog opens a connection log entry and returns its ID.
func (s *Service) CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_connection_logs (id, agent_id, connected_at, ip_address)
		VALUES ($1, $2, $3, $4)`,
		pgtype.UUID{Bytes: id, Valid: true}, agentID,
		pgtype.Timestamptz{Time: connectedAt, Valid: true}, parseAddr(ipAddress))
	if err != nil {
		return "", fmt.Errorf("failed to create connection log: %w", err)
	}
	return id.String(), nil
}

// CloseConnectionLog stamps a log entry with disconnect time and reason.
func (s *Service) CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error {
	parsedID, err := uuid.Parse(logID)
	if err != nil {
		return fmt.Errorf("invalid log ID: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE agent_connection_logs
		SET disconnected_at = $2, disconnect_reason = $3
		WHERE id = $1`,
		pgtype.UUID{Bytes: parsedID, Valid: true},
		pgtype.Timestamptz{Time: disconnectedAt, Valid: true},
		pgtype.Text{String: reason, Valid: reason != ""})
	if err != nil {
		return fmt.Errorf("failed to close connection log: %w", err)
	}
	return nil
}

// ConnectionHistory retrieves an agent's connection log, newest first.
func (s *Service) ConnectionHistory(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, connected_at, disconnected_at,
		       COALESCE(EXTRACT(EPOCH FROM disconnected_at - connected_at)::int, 0),
		       ip_address, disconnect_reason
		FROM agent_connection_logs
		WHERE agent_id = $1
		ORDER BY connected_at DESC
		LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection history: %w", err)
	}
	defer rows.Close()

	var result []ConnectionLog
	for rows.Next() {
		var (
			id             pgtype.UUID
			l              ConnectionLog
			disconnectedAt pgtype.Timestamptz
			ipAddr         *netip.Addr
			reason         pgtype.Text
		)
		if err := rows.Scan(&id, &l.AgentID, &l.ConnectedAt, &disconnectedAt, &l.DurationSeconds, &ipAddr, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan connection log: %w", err)
		}
		l.ID = uuid.UUID(id.Bytes).String()
		if disconnectedAt.Valid {
			t := disconnectedAt.Time
			l.DisconnectedAt = &t
		}
		if ipAddr != nil {
			l.IPAddress = ipAddr.String()
		}
		l.DisconnectReason = reason.String
		result = append(result, l)
	}
	return result, rows.Err()
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var (
		a      Agent
		ipAddr *netip.Addr
	)
	if err := row.Scan(&a.AgentID, &a.FirstConnectedAt, &a.LastSeenAt, &ipAddr); err != nil {
		return nil, err
	}
	if ipAddr != nil {
		a.LastIPAddress = ipAddr.String()
	}
	return &a, nil
}

func parseAddr(ipAddress string) *netip.Addr {
	if ipAddress == "" {
		return nil
	}
	parsed, err := netip.ParseAddr(ipAddress)
	if err != nil {
		return nil
	}
	return &parsed
}
