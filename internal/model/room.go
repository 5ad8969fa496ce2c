package model

import "time"

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type ChatType string

const (
	ChatTypeOneToOne  ChatType = "one_to_one"
	ChatTypeOneToMany ChatType = "one_to_many"
)

// NoticeMaxLen is the maximum room notice length in runes. Longer notices
// are rejected at the edge and defensively clamped by the store.
const NoticeMaxLen = 500

// AIProxyConfig is inert configuration for the (unimplemented) auto-reply
// proxy. It is validated and persisted but never scheduled.
type AIProxyConfig struct {
	TimeoutSeconds int      `json:"timeout_seconds"`
	Keywords       []string `json:"keywords"`
	ModelID        string   `json:"model_id"`
}

const (
	AIProxyTimeoutMin = 10
	AIProxyTimeoutMax = 300
)

// Clamp forces TimeoutSeconds into [AIProxyTimeoutMin, AIProxyTimeoutMax].
func (c *AIProxyConfig) Clamp() {
	if c.TimeoutSeconds < AIProxyTimeoutMin {
		c.TimeoutSeconds = AIProxyTimeoutMin
	}
	if c.TimeoutSeconds > AIProxyTimeoutMax {
		c.TimeoutSeconds = AIProxyTimeoutMax
	}
}

// Room is a conversation container. Invariants: the owner is always a
// participant; closing a room never removes history, it only blocks sends.
type Room struct {
	ID           string        `json:"room_id"`
	OwnerID      string        `json:"owner_id"`
	Visibility   Visibility    `json:"visibility"`
	ChatType     ChatType      `json:"chat_type"`
	Title        string        `json:"title"`
	Notice       string        `json:"notice"`
	Participants []string      `json:"participants"`
	IsClosed     bool          `json:"is_closed"`
	AIProxy      AIProxyConfig `json:"ai_proxy_config"`
	CreatedAt    time.Time     `json:"created_at"`
}

// HasParticipant reports whether userID is in the participant set.
func (r *Room) HasParticipant(userID string) bool {
	for _, id := range r.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that store snapshots cannot be mutated
// through shared slices.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Participants = append([]string(nil), r.Participants...)
	cp.AIProxy.Keywords = append([]string(nil), r.AIProxy.Keywords...)
	return &cp
}

// RoomListItem is a room summary for list views.
type RoomListItem struct {
	RoomID           string     `json:"room_id"`
	Title            string     `json:"title"`
	Visibility       Visibility `json:"visibility"`
	ChatType         ChatType   `json:"chat_type"`
	ParticipantCount int        `json:"participant_count"`
	LastMessageText  string     `json:"last_message_text,omitempty"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	IsOwner          bool       `json:"is_owner"`
	IsParticipant    bool       `json:"is_participant"`
}
