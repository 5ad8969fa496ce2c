package model

import "time"

type ActionType string

const (
	ActionKickUser      ActionType = "kick_user"
	ActionCloseRoom     ActionType = "close_room"
	ActionReopenRoom    ActionType = "reopen_room"
	ActionClearMessages ActionType = "clear_messages"
	ActionUpdateNotice  ActionType = "update_notice"
)

// ModerationAction is one entry of a room's append-only audit log.
// Entries are created once and never mutated.
type ModerationAction struct {
	ID           string     `json:"action_id"`
	RoomID       string     `json:"room_id"`
	Type         ActionType `json:"type"`
	TargetUserID string     `json:"target_user_id,omitempty"`
	OldValue     string     `json:"old_value,omitempty"`
	NewValue     string     `json:"new_value,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	PerformedBy  string     `json:"performed_by"`
	PerformedAt  time.Time  `json:"performed_at"`
}
