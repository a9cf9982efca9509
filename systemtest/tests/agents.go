package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/autonomy-edge/edge-gateway/internal/agents"
	"github.com/autonomy-edge/edge-gateway/internal/api/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentDirectory(t *testing.T, router *gin.Engine, agentService *agents.Service, jwtSecret string) {
	ctx := context.Background()
	token := operatorToken(t, jwtSecret)

	require.NoError(t, agentService.RecordConnect(ctx, "dir-agent-1", "203.0.113.10"))

	t.Run("list", func(t *testing.T) {
		rr := doJSONWithHeaders(router, "GET", "/api/v1/agents", nil,
			map[string]string{"Authorization": "Bearer " + token})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListAgentsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, len(resp.Agents), resp.Count)

		found := false
		for _, a := range resp.Agents {
			if a.AgentID == "dir-agent-1" {
				found = true
				assert.Equal(t, "203.0.113.10", a.LastIPAddress)
				assert.False(t, a.Connected)
			}
		}
		assert.True(t, found)
	})

	t.Run("get", func(t *testing.T) {
		rr := doJSONWithHeaders(router, "GET", "/api/v1/agents/dir-agent-1", nil,
			map[string]string{"Authorization": "Bearer " + token})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "dir-agent-1", resp.AgentID)
		assert.False(t, resp.FirstConnectedAt.IsZero())
	})

	t.Run("unknown agent", func(t *testing.T) {
		rr := doJSONWithHeaders(router, "GET", "/api/v1/agents/no-such-agent", nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("requires token", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/v1/agents", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
