package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTransport is a mock implementation of Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(env protocol.Envelope) error {
	args := m.Called(env)
	return args.Error(0)
}

func (m *MockTransport) Close(code int) error {
	args := m.Called(code)
	return args.Error(0)
}

func heartbeatEnvelope(t *testing.T, id string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewHeartbeat(id, protocol.Heartbeat{
		CPUUsage:    25.0,
		MemoryUsage: 512.0,
		DiskUsage:   80.5,
	})
	require.NoError(t, err)
	return env
}

func TestNewSession(t *testing.T) {
	mt := new(MockTransport)
	s := NewSession("agent-1", mt)

	assert.Equal(t, "agent-1", s.ID)
	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.LastHeartbeatAt().IsZero())
}

func TestSession_HandleHeartbeat_QueuesAck(t *testing.T) {
	mt := new(MockTransport)
	sent := make(chan protocol.Envelope, 1)
	mt.On("Send", mock.Anything).Run(func(args mock.Arguments) {
		sent <- args.Get(0).(protocol.Envelope)
	}).Return(nil)
	mt.On("Close", protocol.CloseNormal).Return(nil)

	m := NewManager(nil, Options{})
	defer m.Stop()

	s := NewSession("agent-1", mt)
	m.Admit(s, "203.0.113.1")
	require.Equal(t, StateAuthenticated, s.State())

	err := s.HandleMessage(heartbeatEnvelope(t, "msg-1"))
	require.NoError(t, err)

	// The heartbeat flips the session to Active before the ack is queued.
	assert.Equal(t, StateActive, s.State())
	assert.False(t, s.LastHeartbeatAt().IsZero())
	assert.Equal(t, Metrics{CPUUsage: 25.0, MemoryUsage: 512.0, DiskUsage: 80.5}, s.Metrics())

	select {
	case ack := <-sent:
		assert.Equal(t, protocol.TopicHeartbeatAck, ack.Topic)
		var payload protocol.HeartbeatAck
		require.NoError(t, json.Unmarshal(ack.Payload, &payload))
		assert.Equal(t, "agent-1", payload.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack written to transport")
	}
}

func TestSession_HandleHeartbeat_Malformed(t *testing.T) {
	mt := new(MockTransport)
	s := NewSession("agent-1", mt)

	env := protocol.Envelope{
		ID:      "bad-1",
		Topic:   protocol.TopicHeartbeat,
		Payload: json.RawMessage(`{"cpu_usage": "high"}`),
	}

	err := s.HandleMessage(env)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrMalformedHeartbeat)
	// Malformed input never advances the state machine.
	assert.Equal(t, StateConnecting, s.State())
}

func TestSession_HandleMessage_UnknownTopic(t *testing.T) {
	mt := new(MockTransport)
	s := NewSession("agent-1", mt)

	env := protocol.Envelope{ID: "x", Topic: "subscribe", Payload: json.RawMessage(`{}`)}
	assert.NoError(t, s.HandleMessage(env))
}

func TestSession_HandleHeartbeat_AfterClose(t *testing.T) {
	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil)

	s := NewSession("agent-1", mt)
	s.close(protocol.CloseNormal)

	err := s.HandleMessage(heartbeatEnvelope(t, "msg-1"))
	assert.Error(t, err)
	mt.AssertExpectations(t)
}

func TestSession_SendAfterClose(t *testing.T) {
	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil)

	s := NewSession("agent-1", mt)
	s.close(protocol.CloseNormal)

	err := s.Send(protocol.Envelope{ID: "x", Topic: protocol.TopicHeartbeatAck})
	assert.Error(t, err)
}

func TestSession_CloseIdempotent(t *testing.T) {
	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil).Once()

	s := NewSession("agent-1", mt)
	s.close(protocol.CloseNormal)
	s.close(protocol.CloseNormal)

	assert.Equal(t, StateClosed, s.State())
	mt.AssertExpectations(t)
}
