// Package ws is the agent-facing websocket endpoint. TLS termination and
// client-certificate extraction happen in a front-end proxy; the certificate
// reaches this package as a URL-escaped PEM in the X-Client-Cert header.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/autonomy-edge/edge-gateway/internal/session"
	"github.com/autonomy-edge/edge-gateway/internal/validator"
	"github.com/gorilla/websocket"
)

// ClientCertHeader carries the client certificate forwarded by the TLS
// terminating proxy (nginx $ssl_client_escaped_cert convention).
const ClientCertHeader = "X-Client-Cert"

const maxMessageSize = 64 * 1024

type Handler struct {
	validator *validator.Validator
	manager   *session.Manager
	upgrader  websocket.Upgrader
}

func NewHandler(v *validator.Validator, m *session.Manager) *Handler {
	return &Handler{
		validator: v,
		manager:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; cross-origin rules do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleAgent upgrades the connection, runs the admission check, and drives
// the session's read loop until the transport closes. Validation failures
// close the socket with code 1008 and no reason text.
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	presented, err := clientCertFromHeader(r)
	if err != nil {
		slog.Warn("Unreadable client certificate header", "agent_id", agentID, "error", err)
		// An unreadable header is treated the same as an absent certificate:
		// the validator decides, and strict mode rejects after the upgrade.
		presented = nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := session.NewSession(agentID, newTransport(conn))

	if err := h.validator.Validate(r.Context(), agentID, presented); err != nil {
		slog.Warn("Agent admission rejected", "agent_id", agentID, "error", err)
		h.manager.Reject(sess)
		return
	}

	h.manager.Admit(sess, remoteIP(r))
	slog.Info("Agent connection established", "agent_id", agentID, "remote_ip", remoteIP(r))

	h.readLoop(conn, sess)
}

// readLoop drives one connection's session. Disconnects name the session
// pointer, not the agent ID: after a supersession the old connection's
// teardown must close only itself, never the session that replaced it.
func (h *Handler) readLoop(conn *websocket.Conn, sess *session.AgentSession) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Websocket read error", "agent_id", sess.ID, "error", err)
			}
			h.manager.Disconnect(sess, protocol.CloseNormal, "transport closed")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Malformed envelope, closing session", "agent_id", sess.ID, "error", err)
			h.manager.Disconnect(sess, protocol.CloseUnsupportedData, "malformed message")
			return
		}

		if err := h.manager.HandleMessage(sess, env); err != nil {
			if errors.Is(err, protocol.ErrMalformedHeartbeat) {
				slog.Warn("Malformed heartbeat, closing session", "agent_id", sess.ID, "error", err)
				h.manager.Disconnect(sess, protocol.CloseUnsupportedData, "malformed heartbeat")
			} else {
				slog.Error("Failed to process message", "agent_id", sess.ID, "error", err)
				h.manager.Disconnect(sess, protocol.CloseNormal, "processing failure")
			}
			return
		}
	}
}

func clientCertFromHeader(r *http.Request) ([]byte, error) {
	escaped := r.Header.Get(ClientCertHeader)
	if escaped == "" {
		return nil, nil
	}
	pemText, err := url.QueryUnescape(escaped)
	if err != nil {
		return nil, err
	}
	return []byte(pemText), nil
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
