package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/autonomy-edge/edge-gateway/internal/agents"
	"github.com/autonomy-edge/edge-gateway/internal/api/http/dto"
	"github.com/autonomy-edge/edge-gateway/internal/session"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService *agents.Service
	sessions     *session.Manager
}

func NewAgentsHandler(agentService *agents.Service, sessions *session.Manager) *AgentsHandler {
	return &AgentsHandler{
		agentService: agentService,
		sessions:     sessions,
	}
}

// ListAgents returns every known agent, flagging the currently connected
// ones with their live session state and last heartbeat metrics.
// GET /api/v1/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agentList, err := h.agentService.ListAgents(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	live := make(map[string]session.Info)
	for _, info := range h.sessions.List() {
		live[info.AgentID] = info
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i, a := range agentList {
		responses[i] = agentResponse(&a, live)
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses, Count: len(responses)})
}

// GetAgent returns details for a specific agent.
// GET /api/v1/agents/:agent_id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("agent_id")

	agent, err := h.agentService.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	live := make(map[string]session.Info)
	for _, info := range h.sessions.List() {
		live[info.AgentID] = info
	}

	c.JSON(http.StatusOK, agentResponse(agent, live))
}

func agentResponse(a *agents.Agent, live map[string]session.Info) dto.AgentResponse {
	resp := dto.AgentResponse{
		AgentID:          a.AgentID,
		FirstConnectedAt: a.FirstConnectedAt,
		LastSeenAt:       a.LastSeenAt,
		LastIPAddress:    a.LastIPAddress,
	}

	info, ok := live[a.AgentID]
	if !ok {
		return resp
	}

	resp.Connected = true
	resp.State = info.State
	if !info.LastHeartbeatAt.IsZero() {
		t := info.LastHeartbeatAt
		resp.LastHeartbeatAt = &t
		cpu, mem, disk := info.Metrics.CPUUsage, info.Metrics.MemoryUsage, info.Metrics.DiskUsage
		resp.CPUUsage = &cpu
		resp.MemoryUsage = &mem
		resp.DiskUsage = &disk
	}
	return resp
}
