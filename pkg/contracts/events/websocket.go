// Package events contains the event contracts published on the audit stream.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeAuditEntry carries one validation or challenge decision
	MessageTypeAuditEntry MessageType = "audit:entry"

	// Connection messages
	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"`
}

// AuditEvent is the wire form of an audit entry. API keys are masked and
// caller addresses hashed before they reach this type.
type AuditEvent struct {
	Kind         string `json:"kind"`
	Result       string `json:"result"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	KeyID        string `json:"key_id,omitempty"`
	APIKeyMasked string `json:"api_key_masked,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	Domain       string `json:"domain,omitempty"`
	IPHash       string `json:"ip_hash,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

// ConnectData is sent to a subscriber right after it connects
type ConnectData struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
	Server   string `json:"server"`
}

// NewMessage creates a stamped message of type t
func NewMessage(id string, t MessageType, at time.Time, traceID string, data interface{}) WebSocketMessage {
	return WebSocketMessage{
		BaseMessage: BaseMessage{
			ID:        id,
			Type:      t,
			Timestamp: at,
			TraceID:   traceID,
		},
		Data: data,
	}
}
