// Package protocol defines the JSON envelope spoken on the agent channel.
// Every message is a single envelope with a topic discriminator and an
// opaque payload; there is no per-topic framing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TopicHeartbeat    = "heartbeat"
	TopicHeartbeatAck = "heartbeat_ack"
)

// Close codes used on the agent channel. Values follow RFC 6455.
const (
	CloseNormal          = 1000
	CloseUnsupportedData = 1003
	ClosePolicyViolation = 1008
)

var ErrMalformedHeartbeat = errors.New("malformed heartbeat payload")

type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat is an agent's liveness report. The gateway is a relay, not a
// policy engine: values are stored as received and never range-checked.
type Heartbeat struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	Timestamp   string
}

type HeartbeatAck struct {
	AgentID    string    `json:"agent_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// ParseHeartbeat validates a heartbeat payload. The payload must be a JSON
// mapping carrying numeric cpu_usage, memory_usage and disk_usage fields;
// timestamp is an optional ISO-8601 string and is carried through untouched.
func ParseHeartbeat(raw json.RawMessage) (Heartbeat, error) {
	if len(raw) == 0 {
		return Heartbeat{}, fmt.Errorf("%w: payload missing", ErrMalformedHeartbeat)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: payload is not a mapping", ErrMalformedHeartbeat)
	}

	hb := Heartbeat{}
	for _, f := range []struct {
		key  string
		dest *float64
	}{
		{"cpu_usage", &hb.CPUUsage},
		{"memory_usage", &hb.MemoryUsage},
		{"disk_usage", &hb.DiskUsage},
	} {
		v, ok := fields[f.key]
		if !ok {
			return Heartbeat{}, fmt.Errorf("%w: missing %s", ErrMalformedHeartbeat, f.key)
		}
		n, ok := v.(float64)
		if !ok {
			return Heartbeat{}, fmt.Errorf("%w: %s is not numeric", ErrMalformedHeartbeat, f.key)
		}
		*f.dest = n
	}

	if ts, ok := fields["timestamp"].(string); ok {
		hb.Timestamp = ts
	}

	return hb, nil
}

// NewHeartbeat builds a heartbeat envelope, as sent by an agent.
func NewHeartbeat(id string, hb Heartbeat) (Envelope, error) {
	payload := map[string]any{
		"cpu_usage":    hb.CPUUsage,
		"memory_usage": hb.MemoryUsage,
		"disk_usage":   hb.DiskUsage,
	}
	if hb.Timestamp != "" {
		payload["timestamp"] = hb.Timestamp
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	return Envelope{ID: id, Topic: TopicHeartbeat, Payload: raw}, nil
}

// NewHeartbeatAck builds the acknowledgment envelope for a processed
// heartbeat. The payload carries no business meaning beyond confirming
// receipt.
func NewHeartbeatAck(id, agentID string, receivedAt time.Time) (Envelope, error) {
	raw, err := json.Marshal(HeartbeatAck{AgentID: agentID, ReceivedAt: receivedAt})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal heartbeat ack: %w", err)
	}
	return Envelope{ID: id, Topic: TopicHeartbeatAck, Payload: raw}, nil
}
