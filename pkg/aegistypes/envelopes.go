package aegistypes

import (
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh UUIDv4 for use as an envelope message_id.
func NewMessageID() string { return uuid.NewString() }

// RpcRequest is the wire envelope for an RPC call.
type RpcRequest struct {
	MessageID     string         `json:"message_id" msgpack:"message_id"`
	Method        string         `json:"method" msgpack:"method"`
	Params        map[string]any `json:"params,omitempty" msgpack:"params,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms" msgpack:"timeout_ms"`
	CorrelationID string         `json:"correlation_id" msgpack:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// RpcResponse is the wire envelope returned for an RpcRequest. Exactly one
// of Result/Error is populated on success/failure.
type RpcResponse struct {
	MessageID     string `json:"message_id" msgpack:"message_id"`
	Success       bool   `json:"success" msgpack:"success"`
	Result        any    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error         string `json:"error,omitempty" msgpack:"error,omitempty"`
	Message       string `json:"message,omitempty" msgpack:"message,omitempty"`
	CorrelationID string `json:"correlation_id" msgpack:"correlation_id"`
}

// Event is the wire envelope for a pub/sub event.
type Event struct {
	MessageID string         `json:"message_id" msgpack:"message_id"`
	Domain    string         `json:"domain" msgpack:"domain"`
	EventType string         `json:"event_type" msgpack:"event_type"`
	Payload   map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Source    string         `json:"source" msgpack:"source"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// Command is the wire envelope for a durable work-queue command.
type Command struct {
	MessageID  string         `json:"message_id" msgpack:"message_id"`
	Command    string         `json:"command" msgpack:"command"`
	Target     string         `json:"target,omitempty" msgpack:"target,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Priority   string         `json:"priority" msgpack:"priority"`
	TimeoutMs  int64          `json:"timeout_ms" msgpack:"timeout_ms"`
	MaxRetries int            `json:"max_retries" msgpack:"max_retries"`
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// CommandProgress reports incremental progress of an in-flight command.
type CommandProgress struct {
	MessageID string `json:"message_id" msgpack:"message_id"`
	Percent   int    `json:"percent" msgpack:"percent"`
	Status    string `json:"status" msgpack:"status"`
}

// CommandResult is the terminal outcome of a command.
type CommandResult struct {
	MessageID string `json:"message_id" msgpack:"message_id"`
	Status    string `json:"status" msgpack:"status"` // "completed", "failed", "timeout"
	Result    any    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     string `json:"error,omitempty" msgpack:"error,omitempty"`
}

const (
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"
	CommandStatusTimeout   = "timeout"
)
