package transport

import (
	"encoding/json"

	"github.com/roomchat/internal/model"
)

type EventType string

// Wire vocabulary. The first group travels client -> server, the second
// server -> client.
const (
	EventJoinRoom    EventType = "join_room"
	EventLeaveRoom   EventType = "leave_room"
	EventSendMessage EventType = "send_message"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"

	EventMessageReceived EventType = "message_received"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventTypingStatus    EventType = "typing_status"
	EventRoomUpdated     EventType = "room_updated"
	EventError           EventType = "error"
)

// Envelope is the wire frame: one event kind plus its JSON payload.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomRef is the payload of join_room and leave_room.
type RoomRef struct {
	RoomID string `json:"room_id"`
}

// SendMessagePayload carries an outbound message. MsgID is the
// client-generated id so the server echo can be reconciled against the
// optimistic local append.
type SendMessagePayload struct {
	MsgID    string `json:"msg_id"`
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// TypingPayload is the payload of typing_start and typing_stop.
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// UserEventPayload is the payload of user_joined and user_left.
type UserEventPayload struct {
	RoomID string     `json:"room_id"`
	User   model.User `json:"user"`
}

// TypingStatusPayload mirrors one user's typing state to the other
// participants.
type TypingStatusPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorPayload is the payload of the error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
