package ws

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/autonomy-edge/edge-gateway/internal/registry"
	"github.com/autonomy-edge/edge-gateway/internal/session"
	"github.com/autonomy-edge/edge-gateway/internal/validator"
	"github.com/gorilla/websocket"
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

type gatewayFixture struct {
	registry *registry.Registry
	manager  *session.Manager
	server   *httptest.Server
	wsBase   string
}

func newGateway(t *testing.T, mode validator.Mode) *gatewayFixture {
	t.Helper()

	store, err := registry.NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store)

	manager := session.NewManager(nil, session.Options{})
	t.Cleanup(manager.Stop)

	handler := NewHandler(validator.New(reg, mode), manager)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agents/", func(w http.ResponseWriter, r *http.Request) {
		agentID := strings.TrimPrefix(r.URL.Path, "/ws/agents/")
		handler.HandleAgent(w, r, agentID)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		registry: reg,
		manager:  manager,
		server:   srv,
		wsBase:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (g *gatewayFixture) dial(t *testing.T, agentID string, certPEM []byte) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, g.wsBase+"/ws/agents/"+agentID, certPEM)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForSession(t *testing.T, m *session.Manager, agentID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(agentID); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session for %s never admitted", agentID)
}

func TestHandleAgent_HeartbeatAck(t *testing.T) {
	g := newGateway(t, validator.ModeStrict)
	ctx := context.Background()

	pemBytes := selfSignedPEM(t, "agent-1")
	require.NoError(t, g.registry.Put(ctx, "agent-1", pemBytes))

	client := g.dial(t, "agent-1", pemBytes)

	env, err := protocol.NewHeartbeat("msg-1", protocol.Heartbeat{CPUUsage: 1, MemoryUsage: 2, DiskUsage: 3})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))

	ack, err := client.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TopicHeartbeatAck, ack.Topic)

	var payload protocol.HeartbeatAck
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	assert.Equal(t, "agent-1", payload.AgentID)

	sess, ok := g.manager.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, session.StateActive, sess.State())
	assert.Equal(t, session.Metrics{CPUUsage: 1, MemoryUsage: 2, DiskUsage: 3}, sess.Metrics())
}

func TestHandleAgent_RejectsWithoutCertificate(t *testing.T) {
	g := newGateway(t, validator.ModeStrict)

	client := g.dial(t, "agent-1", nil)

	_, err := client.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	_, ok := g.manager.Get("agent-1")
	assert.False(t, ok)
}

func TestHandleAgent_RejectsUnknownAgent(t *testing.T) {
	g := newGateway(t, validator.ModeStrict)

	client := g.dial(t, "agent-1", selfSignedPEM(t, "agent-1"))

	_, err := client.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestHandleAgent_RejectsMismatchedCertificate(t *testing.T) {
	g := newGateway(t, validator.ModeStrict)
	ctx := context.Background()

	require.NoError(t, g.registry.Put(ctx, "agent-1", selfSignedPEM(t, "agent-1")))

	client := g.dial(t, "agent-1", selfSignedPEM(t, "agent-1"))

	_, err := client.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestHandleAgent_PermissiveAdmitsWithoutCertificate(t *testing.T) {
	g := newGateway(t, validator.ModePermissive)

	client := g.dial(t, "agent-1", nil)

	env, err := protocol.NewHeartbeat("msg-1", protocol.Heartbeat{})
	require.NoError(t, err)
	require.NoError(t, client.Send(env))

	ack, err := client.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TopicHeartbeatAck, ack.Topic)
}

func TestHandleAgent_MalformedEnvelope(t *testing.T) {
	g := newGateway(t, validator.ModePermissive)

	client := g.dial(t, "agent-1", nil)
	waitForSession(t, g.manager, "agent-1")

	client.mu.Lock()
	err := client.conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	client.mu.Unlock()
	require.NoError(t, err)

	_, err = client.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))
}

func TestHandleAgent_MalformedHeartbeat(t *testing.T) {
	g := newGateway(t, validator.ModePermissive)

	client := g.dial(t, "agent-1", nil)
	waitForSession(t, g.manager, "agent-1")

	env := protocol.Envelope{
		ID:      "bad-1",
		Topic:   protocol.TopicHeartbeat,
		Payload: json.RawMessage(`{"cpu_usage": true}`),
	}
	require.NoError(t, client.Send(env))

	_, err := client.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))

	_, ok := g.manager.Get("agent-1")
	assert.False(t, ok)
}

func TestHandleAgent_SupersedesDuplicate(t *testing.T) {
	g := newGateway(t, validator.ModeStrict)
	ctx := context.Background()

	pemBytes := selfSignedPEM(t, "agent-1")
	require.NoError(t, g.registry.Put(ctx, "agent-1", pemBytes))

	first := g.dial(t, "agent-1", pemBytes)
	waitForSession(t, g.manager, "agent-1")

	second := g.dial(t, "agent-1", pemBytes)

	// The incumbent gets a normal close; the newcomer stays live.
	_, err := first.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	env, err := protocol.NewHeartbeat("msg-1", protocol.Heartbeat{})
	require.NoError(t, err)
	require.NoError(t, second.Send(env))

	ack, err := second.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TopicHeartbeatAck, ack.Topic)
}

func TestHandleAgent_SupersededTeardownKeepsNewcomer(t *testing.T) {
	g := newGateway(t, validator.ModePermissive)

	first := g.dial(t, "agent-1", nil)
	waitForSession(t, g.manager, "agent-1")

	second := g.dial(t, "agent-1", nil)

	_, err := first.Read()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	// The old connection's server-side read loop tears down after the
	// close above. Give it time to run, then confirm the newcomer still
	// holds the slot and keeps serving heartbeats.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		sess, ok := g.manager.Get("agent-1")
		require.True(t, ok, "newcomer session was evicted by the old connection's teardown")
		require.NotEqual(t, session.StateClosed, sess.State())
		time.Sleep(10 * time.Millisecond)
	}

	env, err := protocol.NewHeartbeat("msg-1", protocol.Heartbeat{})
	require.NoError(t, err)
	require.NoError(t, second.Send(env))

	ack, err := second.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TopicHeartbeatAck, ack.Topic)
}

func TestClientCertFromHeader(t *testing.T) {
	pemBytes := selfSignedPEM(t, "agent-1")

	r := httptest.NewRequest("GET", "/ws/agents/agent-1", nil)
	r.Header.Set(ClientCertHeader, url.QueryEscape(string(pemBytes)))

	got, err := clientCertFromHeader(r)
	require.NoError(t, err)
	assert.Equal(t, pemBytes, got)
}

func TestClientCertFromHeader_Absent(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/agents/agent-1", nil)

	got, err := clientCertFromHeader(r)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClientCertFromHeader_BadEscape(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/agents/agent-1", nil)
	r.Header.Set(ClientCertHeader, "%zz")

	_, err := clientCertFromHeader(r)
	assert.Error(t, err)
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", remoteIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", remoteIP(r))
}
