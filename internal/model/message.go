package model

import "time"

// AISenderID is the reserved sender marker for proxy-generated messages.
const AISenderID = "ai-proxy"

// Message is append-only: deletion flips IsDeleted, the record itself and
// the sequence order are preserved.
type Message struct {
	ID        string     `json:"msg_id"`
	RoomID    string     `json:"room_id"`
	SenderID  string     `json:"sender_id"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"created_at"`
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsAIGenerated reports whether the message came from the auto-reply proxy.
func (m *Message) IsAIGenerated() bool {
	return m.SenderID == AISenderID
}
