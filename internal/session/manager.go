// Package session owns the per-agent connection state machine and the
// heartbeat protocol. One live session per agent ID is enforced under the
// manager's lock; sessions for different agents never contend.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/agents"
	"github.com/autonomy-edge/edge-gateway/internal/protocol"
)

var ErrAgentNotConnected = errors.New("agent not connected")

const (
	defaultStaleTimeout    = 2 * time.Minute
	defaultCleanupInterval = 30 * time.Second
)

// Info is a read-only snapshot of a live session, for the admin API.
type Info struct {
	AgentID         string    `json:"agent_id"`
	State           string    `json:"state"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Metrics         Metrics   `json:"metrics"`
}

type Manager struct {
	sessions map[string]*AgentSession
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once

	directory *agents.Service // optional: database persistence

	staleTimeout    time.Duration
	cleanupInterval time.Duration
}

// Options tune the stale-session sweeper. Zero values take defaults.
type Options struct {
	StaleTimeout    time.Duration
	CleanupInterval time.Duration
}

// NewManager creates a Manager. The directory service is optional (can be
// nil) and enables connection logging and last-seen persistence.
func NewManager(directory *agents.Service, opts Options) *Manager {
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = defaultStaleTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}

	m := &Manager{
		sessions:        make(map[string]*AgentSession),
		stopCh:          make(chan struct{}),
		directory:       directory,
		staleTimeout:    opts.StaleTimeout,
		cleanupInterval: opts.CleanupInterval,
	}
	go m.sweepStaleSessions()
	return m
}

// Admit moves a validated session from Connecting to Authenticated and
// installs it in the session map. If the agent already holds a live session,
// the incumbent is superseded: it is closed with a normal close code and the
// newcomer takes the slot. At no instant do two sessions for the same agent
// ID both remain live.
func (m *Manager) Admit(s *AgentSession, remoteIP string) {
	m.mu.Lock()

	if existing, ok := m.sessions[s.ID]; ok {
		slog.Warn("Agent already connected, superseding session", "agent_id", s.ID)
		existing.close(protocol.CloseNormal)
		m.finishConnectionLog(existing, "superseded")
		delete(m.sessions, s.ID)
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.admittedAt = time.Now()
	s.mu.Unlock()

	m.sessions[s.ID] = s
	total := len(m.sessions)
	m.mu.Unlock()

	go s.writeLoop()

	slog.Info("Agent session admitted", "agent_id", s.ID, "total_sessions", total)

	if m.directory != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := m.directory.RecordConnect(ctx, s.ID, remoteIP); err != nil {
				slog.Debug("Failed to record agent connect", "agent_id", s.ID, "error", err)
			}
			logID, err := m.directory.CreateConnectionLog(ctx, s.ID, time.Now(), remoteIP)
			if err != nil {
				slog.Debug("Failed to create connection log", "agent_id", s.ID, "error", err)
				return
			}
			s.mu.Lock()
			s.connectionLogID = logID
			s.mu.Unlock()
		}()
	}
}

// Reject closes a never-admitted session with a policy-violation close code.
// The close carries no reason text, so the wire does not reveal which
// admission check failed.
func (m *Manager) Reject(s *AgentSession) {
	s.close(protocol.ClosePolicyViolation)
}

// Disconnect transitions a session to Closed and releases its slot. The
// map entry is removed only when this exact session still holds it: a
// superseded connection tearing down must not evict the session that
// replaced it. Idempotent.
func (m *Manager) Disconnect(s *AgentSession, code int, reason string) {
	m.mu.Lock()
	held := m.sessions[s.ID] == s
	if held {
		delete(m.sessions, s.ID)
	}
	total := len(m.sessions)
	m.mu.Unlock()

	s.close(code)
	m.finishConnectionLog(s, reason)

	if held {
		slog.Info("Agent session closed",
			"agent_id", s.ID,
			"reason", reason,
			"total_sessions", total)
	}
}

// HandleMessage processes an inbound envelope on the session it arrived
// on and persists the advisory last-seen timestamp. The caller names the
// session rather than the agent ID so a lingering superseded connection
// cannot feed messages into its replacement.
func (m *Manager) HandleMessage(s *AgentSession, env protocol.Envelope) error {
	if err := s.HandleMessage(env); err != nil {
		return err
	}

	if m.directory != nil && env.Topic == protocol.TopicHeartbeat {
		lastSeen := s.LastHeartbeatAt()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.directory.UpdateLastSeen(ctx, s.ID, lastSeen); err != nil {
				slog.Debug("Failed to update last seen", "agent_id", s.ID, "error", err)
			}
		}()
	}

	return nil
}

// SendToAgent queues an envelope for a connected agent.
func (m *Manager) SendToAgent(agentID string, env protocol.Envelope) error {
	m.mu.RLock()
	s, ok := m.sessions[agentID]
	m.mu.RUnlock()

	if !ok {
		return ErrAgentNotConnected
	}
	return s.Send(env)
}

// Get returns the live session for an agent, if any.
func (m *Manager) Get(agentID string) (*AgentSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// List snapshots all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		infos = append(infos, Info{
			AgentID:         s.ID,
			State:           s.state.String(),
			LastHeartbeatAt: s.lastHeartbeatAt,
			Metrics:         s.metrics,
		})
		s.mu.Unlock()
	}
	return infos
}

// Stop closes every live session and halts the sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	for agentID, s := range m.sessions {
		s.close(protocol.CloseNormal)
		m.finishConnectionLog(s, "server shutdown")
		delete(m.sessions, agentID)
	}
}

func (m *Manager) sweepStaleSessions() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.removeStaleSessions()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) removeStaleSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for agentID, s := range m.sessions {
		s.mu.Lock()
		lastActivity := s.lastHeartbeatAt
		if lastActivity.IsZero() {
			lastActivity = s.admittedAt
		}
		s.mu.Unlock()

		if now.Sub(lastActivity) > m.staleTimeout {
			slog.Warn("Removing stale session",
				"agent_id", agentID,
				"last_activity", lastActivity)
			s.close(protocol.CloseNormal)
			m.finishConnectionLog(s, "stale")
			delete(m.sessions, agentID)
		}
	}
}

func (m *Manager) finishConnectionLog(s *AgentSession, reason string) {
	if m.directory == nil {
		return
	}

	s.mu.Lock()
	logID := s.connectionLogID
	s.connectionLogID = ""
	s.mu.Unlock()
	if logID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.directory.CloseConnectionLog(ctx, logID, time.Now(), reason); err != nil {
			slog.Debug("Failed to close connection log", "agent_id", s.ID, "error", err)
		}
	}()
}
