package domain

import "time"

// IncomingMessage is a normalized inbound message, consumed once by the router.
type IncomingMessage struct {
	Text      string         `json:"text"`
	SessionID string         `json:"session_id"`
	ChannelID string         `json:"channel"`
	UserID    string         `json:"user,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RouteReply is the agent's structured answer to one inbound message.
type RouteReply struct {
	Response string `json:"response"`
	Mood     string `json:"mood,omitempty"`
	XPGained int    `json:"xp_gained,omitempty"`
	// Extra carries any further fields of the agent result.
	Extra map[string]any `json:"extra,omitempty"`
}

// OutboundMedia is a media attachment referenced by URL.
type OutboundMedia struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// OutboundDeliveryResult is returned by every outbound send. The core never
// retries a failed delivery.
type OutboundDeliveryResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Delivered builds a successful delivery result.
func Delivered(messageID string) OutboundDeliveryResult {
	return OutboundDeliveryResult{Success: true, MessageID: messageID, Timestamp: time.Now()}
}

// DeliveryFailed builds a failed delivery result from err.
func DeliveryFailed(err error) OutboundDeliveryResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return OutboundDeliveryResult{Success: false, Error: msg, Timestamp: time.Now()}
}

// ConnectionStatus is the health state of one account.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
)

// AccountSnapshot is a point-in-time health record of one account.
type AccountSnapshot struct {
	ID          string           `json:"id"`
	Status      ConnectionStatus `json:"status"`
	Enabled     bool             `json:"enabled"`
	ConnectedAt *time.Time       `json:"connected_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// DmPolicy governs whether an unknown direct-message sender is admitted.
type DmPolicy string

const (
	DmOpen    DmPolicy = "open"
	DmPairing DmPolicy = "pairing"
	DmClosed  DmPolicy = "closed"
)

// Valid reports whether p is a known policy.
func (p DmPolicy) Valid() bool {
	switch p {
	case DmOpen, DmPairing, DmClosed:
		return true
	}
	return false
}

// AllowlistEntry is one admitted sender under the pairing policy.
type AllowlistEntry struct {
	SenderID string    `json:"sender_id"`
	AddedAt  time.Time `json:"added_at"`
	AddedBy  string    `json:"added_by,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// TargetRef is a decomposed target id.
type TargetRef struct {
	Type ChatType `json:"type"`
	ID   string   `json:"id"`
}
