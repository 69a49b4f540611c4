// Package wire provides the hub WebSocket frame types and protocol definitions.
//
// Frames are JSON objects discriminated by a "type" field. Unknown types are
// logged and dropped by receivers, never treated as fatal.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates hub WebSocket frames.
type FrameType string

const (
	FrameTypeMessage    FrameType = "message"
	FrameTypePing       FrameType = "ping"
	FrameTypePong       FrameType = "pong"
	FrameTypePresence   FrameType = "presence"
	FrameTypeRegistered FrameType = "registered"
	FrameTypeError      FrameType = "error"
)

// Presence status values carried in presence frames and the registry.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

// Error codes returned in error frames.
const (
	CodeDeliveryFailed = "DELIVERY_FAILED"
	CodeInvalidMessage = "INVALID_MESSAGE"
)

// Metadata keys with protocol-level meaning. Peers dedup inbound messages by
// message_id and order them per sender by sequence_number.
const (
	MetaKeyMessageID      = "message_id"
	MetaKeySequenceNumber = "sequence_number"
)

// Frame is the envelope for all hub WebSocket traffic. Fields are populated
// per frame type; absent fields are omitted on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// message
	To        string                 `json:"to,omitempty"`
	From      string                 `json:"from,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`

	// pong, registered, presence
	MatrixID string `json:"matrix_id,omitempty"`

	// presence
	Status      string `json:"status,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// registered
	OnlineMatrices []string `json:"online_matrices,omitzero"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewMessage creates an outbound message frame. An empty to broadcasts to
// all connected matrices.
func NewMessage(to, content string, metadata map[string]interface{}) *Frame {
	return &Frame{
		Type:     FrameTypeMessage,
		To:       to,
		Content:  content,
		Metadata: metadata,
	}
}

// NewPing creates a liveness probe frame.
func NewPing() *Frame {
	return &Frame{Type: FrameTypePing}
}

// NewPong creates a liveness reply frame.
func NewPong(matrixID string) *Frame {
	return &Frame{Type: FrameTypePong, MatrixID: matrixID}
}

// NewPresence creates a client presence update frame.
func NewPresence(status string) *Frame {
	return &Frame{Type: FrameTypePresence, Status: status}
}

// NewPresenceNotice creates the hub's presence broadcast for one matrix.
func NewPresenceNotice(matrixID, status, displayName string) *Frame {
	return &Frame{
		Type:        FrameTypePresence,
		MatrixID:    matrixID,
		Status:      status,
		DisplayName: displayName,
	}
}

// NewRegistered creates the hub's connection acknowledgement frame.
func NewRegistered(matrixID string, online []string) *Frame {
	if online == nil {
		online = []string{}
	}
	return &Frame{
		Type:           FrameTypeRegistered,
		MatrixID:       matrixID,
		OnlineMatrices: online,
	}
}

// NewError creates an error frame.
func NewError(code, message string) *Frame {
	return &Frame{Type: FrameTypeError, Code: code, Message: message}
}

// Stamp sets the sender identity and delivery timestamp. The hub stamps
// every relayed message frame before fan-out.
func (f *Frame) Stamp(from string, at time.Time) *Frame {
	f.From = from
	f.Timestamp = at.UTC().Format(time.RFC3339)
	return f
}

// SequenceNumber extracts the per-sender sequence number from metadata.
// Returns 0, false when absent or malformed.
func (f *Frame) SequenceNumber() (int64, bool) {
	if f.Metadata == nil {
		return 0, false
	}
	switch v := f.Metadata[MetaKeySequenceNumber].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// MessageID extracts the stable message id from metadata. Returns "" when
// absent.
func (f *Frame) MessageID() string {
	if f.Metadata == nil {
		return ""
	}
	if id, ok := f.Metadata[MetaKeyMessageID].(string); ok {
		return id
	}
	return ""
}

// Encode serializes the frame to JSON.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Parse decodes a frame from JSON. The caller decides how to treat unknown
// frame types.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}
	return &f, nil
}
