// Package protocol defines the wire types exchanged with the PBX API
// (snapshot endpoint and push channel) and with browser UI surfaces.
package protocol

import "encoding/json"

// Message is the envelope for browser WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Version uint64          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type, cache version and payload.
func NewMessage(msgType string, version uint64, payload any) (*Message, error) {
	msg := &Message{Type: msgType, Version: version}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg.Payload = data
	return msg, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (extwatch → browser)
const (
	TypeInit           = "init"            // Full state on connect
	TypeDelta          = "delta"           // Changed statuses
	TypeFullState      = "full_state"      // Response to get_state
	TypeSessionExpired = "session_expired" // Upstream credentials rejected
)

// Message types (browser → extwatch)
const (
	TypeGetState = "get_state"
)

// Push channel frame types (PBX → extwatch)
const (
	TypeHeartbeat = "heartbeat"
	TypeStatus    = "status"
)

// Push channel status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// SubscribeRequest is sent on the push channel to scope a subscription.
type SubscribeRequest struct {
	Context    string   `json:"context"`
	Extensions []string `json:"extensions"`
	OwnerID    string   `json:"ownerId"`
}

// PushEvent is a single frame received on the push channel. Frames with
// Type "heartbeat" carry no status and only prove liveness.
type PushEvent struct {
	Type       string  `json:"type,omitempty"`
	Extension  string  `json:"extension"`
	Status     string  `json:"status"`
	LastSeen   *string `json:"lastSeen,omitempty"`
	IsRealtime bool    `json:"isRealtime"`
}

// IsHeartbeat reports whether the frame is a liveness-only heartbeat.
func (e PushEvent) IsHeartbeat() bool {
	return e.Type == TypeHeartbeat
}

// Valid reports whether the frame is a well-formed status event.
func (e PushEvent) Valid() bool {
	if e.IsHeartbeat() || e.Extension == "" {
		return false
	}
	return e.Status == StatusOnline || e.Status == StatusOffline
}

// SnapshotResponse is the body of the presence snapshot endpoint.
type SnapshotResponse struct {
	Extensions      map[string]ExtensionStatus `json:"extensions"`
	OnlineCount     int                        `json:"onlineCount"`
	TotalExtensions int                        `json:"totalExtensions"`
	LastUpdate      string                     `json:"lastUpdate"`
}

// ExtensionStatus is one extension's entry in a snapshot response.
// IsOnline is a pointer so a missing field can be told apart from false.
type ExtensionStatus struct {
	IsOnline  *bool   `json:"isOnline"`
	LastSeen  *string `json:"lastSeen,omitempty"`
	URI       *string `json:"uri,omitempty"`
	UserAgent *string `json:"userAgent,omitempty"`
}

// SessionExpiredPayload tells browsers where to send the user.
type SessionExpiredPayload struct {
	Redirect string `json:"redirect"`
	Reason   string `json:"reason,omitempty"`
}
