package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/autonomy-edge/edge-gateway/internal/protocol"
	"github.com/gorilla/websocket"
)

// Client is the agent side of the session channel. It presents the agent's
// certificate the same way the front-end proxy does, which lets an agent
// talk to a gateway directly in development setups.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to an agent session endpoint. certPEM may be nil when the
// gateway runs in permissive mode.
func Dial(ctx context.Context, endpoint string, certPEM []byte) (*Client, error) {
	header := http.Header{}
	if len(certPEM) > 0 {
		header.Set(ClientCertHeader, url.QueryEscape(string(certPEM)))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &Client{conn: conn}, nil
}

func (c *Client) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Read blocks for the next envelope from the gateway.
func (c *Client) Read() (protocol.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
