package agents

import (
	"time"
)

// Agent is a directory row for an agent that has connected at least once.
// The agent_id is the externally claimed identifier, bound to a certificate
// by the registry; it is not generated by the gateway.
type Agent struct {
	AgentID          string
	FirstConnectedAt time.Time
	LastSeenAt       time.Time
	LastIPAddress    string
}

type ConnectionLog struct {
	ID               string
	AgentID          string
	ConnectedAt      time.Time
	DisconnectedAt   *time.Time
	DurationSeconds  int
	IPAddress        string
	DisconnectReason string
}
