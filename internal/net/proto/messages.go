// Package proto defines the JSON wire protocol spoken over the websocket
// connection. Every message carries the protocol version and a type
// discriminator.
package proto

import (
	"encoding/json"
	"fmt"

	"worldsync/server/internal/diff"
	"worldsync/server/internal/tick"
	"worldsync/server/internal/world"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client message type identifiers.
const (
	TypeHeartbeatRequest    = "HEARTBEAT_REQUEST"
	TypeQueryRequest        = "QUERY_REQUEST"
	TypeKeyframeRequest     = "KEYFRAME_REQUEST"
	TypeSessionInvalidation = "SESSION_INVALIDATION_REQUEST"
)

// Server message type identifiers.
const (
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeHeartbeatResponse     = "HEARTBEAT_RESPONSE"
	TypeQueryResponse         = "QUERY_RESPONSE"
	TypeKeyframeResponse      = "KEYFRAME_RESPONSE"
	TypeEntityUpdate          = "NOTIFICATION_ENTITY_UPDATE"
	TypeError                 = "ERROR_RESPONSE"
)

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver       int           `json:"ver,omitempty"`
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	SentAt    int64         `json:"sentAt,omitempty"`
	SyncGroup string        `json:"syncGroup,omitempty"`
	Query     *QueryPayload `json:"query,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("client message missing type")
	}
	return msg, nil
}

// QueryPayload is a structured, permission-checked operation against the
// entity store. Action selects the operation; the remaining fields carry its
// arguments. This is not free-form SQL.
type QueryPayload struct {
	Action      string          `json:"action"`
	EntityID    string          `json:"entityId,omitempty"`
	SyncGroup   string          `json:"syncGroup,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ViewRoles   []string        `json:"viewRoles,omitempty"`
	MutateRoles []string        `json:"mutateRoles,omitempty"`

	ExpiryAfterInactiveMs *int64 `json:"expiryAfterInactiveMs,omitempty"`
	ExpiryAfterCreatedMs  *int64 `json:"expiryAfterCreatedMs,omitempty"`
}

// Query actions.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionList   = "list"
)

// ConnectionEstablished acknowledges a successful handshake.
type ConnectionEstablished struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

// NewConnectionEstablished builds the handshake acknowledgement.
func NewConnectionEstablished(agentID string) ConnectionEstablished {
	return ConnectionEstablished{Ver: Version, Type: TypeConnectionEstablished, AgentID: agentID}
}

// HeartbeatResponse acknowledges a liveness ping.
type HeartbeatResponse struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	AgentID    string `json:"agentId"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime,omitempty"`
}

// QueryResponse carries the result rows of a QUERY_REQUEST.
type QueryResponse struct {
	Ver       int            `json:"ver"`
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Entities  []world.Entity `json:"entities"`
}

// KeyframeResponse is a full snapshot of one sync group, filtered to what the
// receiving session may view.
type KeyframeResponse struct {
	Ver        int            `json:"ver"`
	Type       string         `json:"type"`
	SyncGroup  string         `json:"syncGroup"`
	Entities   []world.Entity `json:"entities"`
	ServerTime int64          `json:"serverTime"`
}

// EntityUpdate is the incremental diff notification for one tick, trimmed to
// the changes relevant to the receiving session.
type EntityUpdate struct {
	Ver     int           `json:"ver"`
	Type    string        `json:"type"`
	Tick    tick.Tick     `json:"tick"`
	Changes []diff.Change `json:"changes"`
}

// ErrorResponse reports a failure to the client. Message never carries
// internal details.
type ErrorResponse struct {
	Ver       int    `json:"ver"`
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// NewError builds an ErrorResponse for the request id.
func NewError(requestID, message string) ErrorResponse {
	return ErrorResponse{Ver: Version, Type: TypeError, RequestID: requestID, Message: message}
}

// Encode renders any outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return data, nil
}
