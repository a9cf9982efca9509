package session

import (
	"testing"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	assert.NotNil(t, m)
	assert.Empty(t, m.List())
}

func TestManager_AdmitAndGet(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil)

	s := NewSession("agent-1", mt)
	m.Admit(s, "203.0.113.1")

	got, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, StateAuthenticated, s.State())

	_, ok = m.Get("agent-2")
	assert.False(t, ok)
}

func TestManager_Admit_SupersedesExisting(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	mt1 := new(MockTransport)
	mt1.On("Close", protocol.CloseNormal).Return(nil).Once()
	first := NewSession("agent-1", mt1)
	m.Admit(first, "203.0.113.1")

	mt2 := new(MockTransport)
	mt2.On("Close", protocol.CloseNormal).Return(nil)
	second := NewSession("agent-1", mt2)
	m.Admit(second, "203.0.113.2")

	// The incumbent is closed and the newcomer holds the only slot.
	assert.Equal(t, StateClosed, first.State())
	got, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, m.List(), 1)
	mt1.AssertExpectations(t)
}

func TestManager_Reject(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	mt := new(MockTransport)
	mt.On("Close", protocol.ClosePolicyViolation).Return(nil).Once()

	s := NewSession("agent-1", mt)
	m.Reject(s)

	assert.Equal(t, StateClosed, s.State())
	_, ok := m.Get("agent-1")
	assert.False(t, ok)
	mt.AssertExpectations(t)
}

func TestManager_Disconnect(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil).Once()

	s := NewSession("agent-1", mt)
	m.Admit(s, "203.0.113.1")

	m.Disconnect(s, protocol.CloseNormal, "transport closed")
	assert.Equal(t, StateClosed, s.State())
	_, ok := m.Get("agent-1")
	assert.False(t, ok)

	// Disconnecting an already-removed session is a no-op.
	m.Disconnect(s, protocol.CloseNormal, "transport closed")
	mt.AssertExpectations(t)
}

func TestManager_Disconnect_SupersededDoesNotEvictNewcomer(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	mt1 := new(MockTransport)
	mt1.On("Close", protocol.CloseNormal).Return(nil)
	first := NewSession("agent-1", mt1)
	m.Admit(first, "203.0.113.1")

	mt2 := new(MockTransport)
	mt2.On("Close", protocol.CloseNormal).Return(nil)
	second := NewSession("agent-1", mt2)
	m.Admit(second, "203.0.113.2")

	// The old connection's read loop tears down after supersession; it
	// must release only its own session, not the one holding the slot.
	m.Disconnect(first, protocol.CloseNormal, "transport closed")

	got, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NotEqual(t, StateClosed, second.State())
}

func TestManager_HandleMessage_ClosedSession(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil)

	s := NewSession("agent-1", mt)
	m.Admit(s, "203.0.113.1")
	m.Disconnect(s, protocol.CloseNormal, "transport closed")

	err := m.HandleMessage(s, heartbeatEnvelope(t, "msg-1"))
	assert.Error(t, err)
}

func TestManager_SendToAgent_NotConnected(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	err := m.SendToAgent("agent-1", protocol.Envelope{Topic: protocol.TopicHeartbeatAck})
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestManager_List(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.Stop()

	for _, id := range []string{"agent-1", "agent-2"} {
		mt := new(MockTransport)
		mt.On("Close", protocol.CloseNormal).Return(nil)
		m.Admit(NewSession(id, mt), "203.0.113.1")
	}

	infos := m.List()
	require.Len(t, infos, 2)
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.AgentID] = true
		assert.Equal(t, "authenticated", info.State)
	}
	assert.True(t, seen["agent-1"])
	assert.True(t, seen["agent-2"])
}

func TestManager_RemoveStaleSessions(t *testing.T) {
	m := NewManager(nil, Options{
		StaleTimeout:    time.Nanosecond,
		CleanupInterval: time.Hour, // sweep manually below
	})
	defer m.Stop()

	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil).Once()

	s := NewSession("agent-1", mt)
	m.Admit(s, "203.0.113.1")

	time.Sleep(10 * time.Millisecond)
	m.removeStaleSessions()

	_, ok := m.Get("agent-1")
	assert.False(t, ok)
	assert.Equal(t, StateClosed, s.State())
	mt.AssertExpectations(t)
}

func TestManager_Stop_ClosesSessions(t *testing.T) {
	m := NewManager(nil, Options{})

	mt := new(MockTransport)
	mt.On("Close", protocol.CloseNormal).Return(nil).Once()

	s := NewSession("agent-1", mt)
	m.Admit(s, "203.0.113.1")

	m.Stop()
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, m.List())
	mt.AssertExpectations(t)
}
