package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

// transport adapts a gorilla connection to session.Transport. The mutex
// serializes the session's writer goroutine against control-frame writes
// from Close; gorilla permits only one concurrent writer.
type transport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

func (t *transport) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close sends a close frame with the given code and no reason text, then
// tears down the underlying connection.
func (t *transport) Close(code int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(closeTimeout)
	t.conn.SetWriteDeadline(deadline)
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}
