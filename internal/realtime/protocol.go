package realtime

import (
	"encoding/json"

	"orderline/internal/domain"
)

// CommandType enumerates the closed set of client commands. Dispatch goes
// through the handler table in hub.go, so adding a command means adding a
// constant, a payload struct, and a table entry.
type CommandType string

const (
	CmdJoinOrder      CommandType = "join_order"
	CmdLeaveOrder     CommandType = "leave_order"
	CmdSendMessage    CommandType = "send_message"
	CmdUpdateStatus   CommandType = "update_status"
	CmdTyping         CommandType = "typing"
	CmdLocationUpdate CommandType = "location_update"
)

// Command is the client-to-server envelope.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type JoinOrderPayload struct {
	OrderID string `json:"order_id"`
}

type LeaveOrderPayload struct {
	OrderID string `json:"order_id"`
}

type SendMessagePayload struct {
	OrderID  string `json:"order_id"`
	Type     string `json:"type,omitempty"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

type UpdateStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type TypingPayload struct {
	OrderID  string `json:"order_id"`
	IsTyping bool   `json:"is_typing"`
}

// Coordinates is a courier position sample.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type LocationUpdatePayload struct {
	OrderID     string      `json:"order_id"`
	Coordinates Coordinates `json:"coordinates"`
}

// EventType enumerates server-to-client events.
type EventType string

const (
	EvtJoinedOrder    EventType = "joined_order"
	EvtLeftOrder      EventType = "left_order"
	EvtPeerJoined     EventType = "peer_joined"
	EvtPeerLeft       EventType = "peer_left"
	EvtNewMessage     EventType = "new_message"
	EvtStatusChanged  EventType = "status_changed"
	EvtOrderClaimed   EventType = "order_claimed"
	EvtNewOrder       EventType = "new_order"
	EvtUserOnline     EventType = "user_online"
	EvtUserOffline    EventType = "user_offline"
	EvtUserTyping     EventType = "user_typing"
	EvtLocationUpdate EventType = "location_update"
	EvtError          EventType = "error"
)

// Event is the server-to-client envelope.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type RoomPresencePayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type StatusChangedPayload struct {
	OrderID   string       `json:"order_id"`
	OldStatus string       `json:"old_status"`
	NewStatus string       `json:"new_status"`
	Actor     string       `json:"actor"`
	Order     domain.Order `json:"order"`
}

type OrderClaimedPayload struct {
	OrderID   string       `json:"order_id"`
	CourierID string       `json:"courier_id"`
	Order     domain.Order `json:"order"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type UserTypingPayload struct {
	OrderID  string `json:"order_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type CourierLocationPayload struct {
	OrderID     string      `json:"order_id"`
	Coordinates Coordinates `json:"coordinates"`
	UpdatedBy   string      `json:"updated_by"`
	UpdatedAt   string      `json:"updated_at"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func encodeEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
