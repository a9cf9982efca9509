package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/google/uuid"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
)

// State is the lifecycle position of an agent session. Closed is terminal;
// a closed agent must go through a fresh admission cycle to reconnect.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metrics is the last advisory resource snapshot an agent reported. It is
// never used for admission decisions.
type Metrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
}

// Transport is the connection a session writes to. The websocket layer
// provides the real one; tests substitute their own.
type Transport interface {
	Send(env protocol.Envelope) error
	Close(code int) error
}

// AgentSession tracks one agent's connection from acceptance to closure.
// All inbound messages for a session arrive from a single reader goroutine,
// so heartbeats are processed in arrival order.
type AgentSession struct {
	ID string

	transport Transport
	sendCh    chan protocol.Envelope
	ctx       context.Context
	cancel    context.CancelFunc

	mu              sync.Mutex
	state           State
	admittedAt      time.Time
	lastHeartbeatAt time.Time
	metrics         Metrics
	connectionLogID string
}

// NewSession wraps a freshly accepted transport connection. The session
// starts in Connecting and holds no slot in the manager's map until Admit.
func NewSession(agentID string, transport Transport) *AgentSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentSession{
		ID:        agentID,
		transport: transport,
		sendCh:    make(chan protocol.Envelope, sendChannelBuffer),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
	}
}

func (s *AgentSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AgentSession) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

func (s *AgentSession) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// HandleMessage processes one inbound envelope. A malformed heartbeat
// returns protocol.ErrMalformedHeartbeat (wrapped); the caller is expected
// to close this session and only this session. Unknown topics are logged
// and ignored.
func (s *AgentSession) HandleMessage(env protocol.Envelope) error {
	switch env.Topic {
	case protocol.TopicHeartbeat:
		return s.handleHeartbeat(env)
	default:
		slog.Warn("Unknown message topic", "agent_id", s.ID, "topic", env.Topic)
		return nil
	}
}

func (s *AgentSession) handleHeartbeat(env protocol.Envelope) error {
	hb, err := protocol.ParseHeartbeat(env.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session closed: %s", s.ID)
	}
	if s.state == StateAuthenticated {
		s.state = StateActive
		slog.Info("Agent session active", "agent_id", s.ID)
	}
	now := time.Now()
	s.lastHeartbeatAt = now
	s.metrics = Metrics{
		CPUUsage:    hb.CPUUsage,
		MemoryUsage: hb.MemoryUsage,
		DiskUsage:   hb.DiskUsage,
	}
	s.mu.Unlock()

	slog.Debug("Heartbeat received",
		"agent_id", s.ID,
		"cpu_usage", hb.CPUUsage,
		"memory_usage", hb.MemoryUsage,
		"disk_usage", hb.DiskUsage)

	// The ack is queued only after the state update above is applied.
	ack, err := protocol.NewHeartbeatAck(uuid.New().String(), s.ID, now)
	if err != nil {
		return fmt.Errorf("failed to build heartbeat ack: %w", err)
	}
	return s.Send(ack)
}

// Send queues an envelope for the session's writer goroutine.
func (s *AgentSession) Send(env protocol.Envelope) error {
	select {
	case s.sendCh <- env:
		slog.Debug("Message queued for agent", "agent_id", s.ID, "message_id", env.ID, "topic", env.Topic)
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout sending message to agent: %s", s.ID)
	case <-s.ctx.Done():
		return fmt.Errorf("agent session closed: %s", s.ID)
	}
}

// writeLoop drains the send channel to the transport. It is the only writer
// on the connection.
func (s *AgentSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case env, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.transport.Send(env); err != nil {
				slog.Error("Error sending message", "agent_id", s.ID, "error", err)
				return
			}
		}
	}
}

// close transitions to Closed and tears the transport down with the given
// close code. Safe to call more than once.
func (s *AgentSession) close(code int) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	if err := s.transport.Close(code); err != nil {
		slog.Debug("Transport close error", "agent_id", s.ID, "error", err)
	}
}
