package permission

import (
	"testing"

	"github.com/roomchat/internal/model"
)

func room(owner string, closed bool, participants ...string) *model.Room {
	return &model.Room{
		ID:           "r1",
		OwnerID:      owner,
		Visibility:   model.VisibilityPublic,
		ChatType:     model.ChatTypeOneToMany,
		Participants: participants,
		IsClosed:     closed,
	}
}

func TestCanSendMessage_ClosedRoomBlocksEveryone(t *testing.T) {
	owner := &model.User{ID: "ownerA"}
	member := &model.User{ID: "userB"}
	r := room("ownerA", true, "ownerA", "userB")

	if CanSendMessage(owner, r) {
		t.Fatalf("owner must not send into a closed room")
	}
	if CanSendMessage(member, r) {
		t.Fatalf("participant must not send into a closed room")
	}
}

func TestCanSendMessage_NonParticipant(t *testing.T) {
	stranger := &model.User{ID: "userC"}
	r := room("ownerA", false, "ownerA", "userB")

	if CanSendMessage(stranger, r) {
		t.Fatalf("non-participant must not send")
	}
	if CanSendMessage(&model.User{ID: "userB"}, r) != true {
		t.Fatalf("open room participant must be allowed to send")
	}
}

func TestCanKick_NeverOwnerOrSelf(t *testing.T) {
	owner := &model.User{ID: "ownerA"}
	member := &model.User{ID: "userB"}
	r := room("ownerA", false, "ownerA", "userB")

	if CanKick(owner, owner, r) {
		t.Fatalf("owner must not kick themself")
	}
	if CanKick(member, owner, r) {
		t.Fatalf("non-owner must not kick at all")
	}
	if CanKick(member, member, r) {
		t.Fatalf("self-kick by non-owner must be denied")
	}
	if !CanKick(owner, member, r) {
		t.Fatalf("owner kicking a regular member must be allowed")
	}
}

func TestCanLeaveRoom(t *testing.T) {
	r := room("ownerA", false, "ownerA", "userB")
	if !CanLeaveRoom(&model.User{ID: "userB"}, r) {
		t.Fatalf("participant must be able to leave")
	}
	if CanLeaveRoom(&model.User{ID: "userC"}, r) {
		t.Fatalf("non-participant must not leave")
	}
}

func TestCanModerate(t *testing.T) {
	r := room("ownerA", false, "ownerA", "userB")
	if !CanModerate(&model.User{ID: "ownerA"}, r) {
		t.Fatalf("owner must moderate")
	}
	if CanModerate(&model.User{ID: "userB"}, r) {
		t.Fatalf("member must not moderate")
	}
}
