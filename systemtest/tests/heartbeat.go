package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/api/http/dto"
	"github.com/autonomy-edge/edge-gateway/internal/cert"
	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/autonomy-edge/edge-gateway/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatExchange(t *testing.T, router *gin.Engine, authority *cert.Authority, apiKey string) {
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	pemBytes := issueCertPEM(t, authority, "hb-agent-1")
	body := dto.UploadCertificateRequest{AgentID: "hb-agent-1", Certificate: string(pemBytes)}
	rr := doJSONWithHeaders(router, "POST", "/api/v1/certificates", body,
		map[string]string{"X-API-Key": apiKey})
	require.Equal(t, http.StatusCreated, rr.Code)

	t.Run("heartbeat acknowledged", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := ws.Dial(ctx, wsBase+"/ws/agents/hb-agent-1", pemBytes)
		require.NoError(t, err)
		defer client.Close()

		hb := protocol.Heartbeat{
			CPUUsage:    12.5,
			MemoryUsage: 48.0,
			DiskUsage:   73.2,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		env, err := protocol.NewHeartbeat("hb-1", hb)
		require.NoError(t, err)
		require.NoError(t, client.Send(env))

		ack, err := client.Read()
		require.NoError(t, err)
		assert.Equal(t, protocol.TopicHeartbeatAck, ack.Topic)

		var payload protocol.HeartbeatAck
		require.NoError(t, json.Unmarshal(ack.Payload, &payload))
		assert.Equal(t, "hb-agent-1", payload.AgentID)
	})

	t.Run("no certificate rejected", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := ws.Dial(ctx, wsBase+"/ws/agents/hb-agent-1", nil)
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Read()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	})

	t.Run("unknown agent rejected", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := ws.Dial(ctx, wsBase+"/ws/agents/hb-agent-unknown", pemBytes)
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Read()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	})

	t.Run("mismatched certificate rejected", func(t *testing.T) {
		otherPEM := issueCertPEM(t, authority, "hb-agent-1")
		require.NotEqual(t, pemBytes, otherPEM)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := ws.Dial(ctx, wsBase+"/ws/agents/hb-agent-1", otherPEM)
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Read()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	})

	t.Run("malformed heartbeat closes connection", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := ws.Dial(ctx, wsBase+"/ws/agents/hb-agent-1", pemBytes)
		require.NoError(t, err)
		defer client.Close()

		env := protocol.Envelope{
			ID:      "bad-1",
			Topic:   protocol.TopicHeartbeat,
			Payload: json.RawMessage(`{"cpu_usage": "not a number"}`),
		}
		require.NoError(t, client.Send(env))

		_, err = client.Read()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))
	})
}
