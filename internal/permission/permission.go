// Package permission contains the pure predicates gating every mutating
// room operation. Predicates never touch state or the transport; a failed
// predicate is resolved locally as ErrDenied.
package permission

import (
	"errors"

	"github.com/roomchat/internal/model"
)

// ErrDenied is returned by callers when a predicate fails. It never
// reaches the transport and never appears in the moderation log.
var ErrDenied = errors.New("permission denied")

// IsOwner reports whether the user owns the room.
func IsOwner(u *model.User, r *model.Room) bool {
	return u.ID == r.OwnerID
}

// CanModerate: moderation is owner-only.
func CanModerate(u *model.User, r *model.Room) bool {
	return IsOwner(u, r)
}

// CanSendMessage: the room must be open and the user a participant.
// Ownership grants no exception.
func CanSendMessage(u *model.User, r *model.Room) bool {
	if r.IsClosed {
		return false
	}
	return r.HasParticipant(u.ID)
}

// CanLeaveRoom: only current participants can leave.
func CanLeaveRoom(u *model.User, r *model.Room) bool {
	return r.HasParticipant(u.ID)
}

// CanKick: the actor must own the room and may kick neither themself nor
// the owner.
func CanKick(actor, target *model.User, r *model.Room) bool {
	if !IsOwner(actor, r) {
		return false
	}
	if actor.ID == target.ID {
		return false
	}
	if target.ID == r.OwnerID {
		return false
	}
	return true
}
