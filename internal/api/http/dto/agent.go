package dto

import "time"

type AgentResponse struct {
	AgentID          string     `json:"agent_id"`
	FirstConnectedAt time.Time  `json:"first_connected_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	LastIPAddress    string     `json:"last_ip_address,omitempty"`
	Connected        bool       `json:"connected"`
	State            string     `json:"state,omitempty"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
	CPUUsage         *float64   `json:"cpu_usage,omitempty"`
	MemoryUsage      *float64   `json:"memory_usage,omitempty"`
	DiskUsage        *float64   `json:"disk_usage,omitempty"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}
