package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/store/memory"
	"github.com/roomchat/internal/transport"
)

// The tests drive the hub directly (addClient + HandleMessage) and read
// the frames queued on each client's send channel; no sockets involved.

func newTestHub(t *testing.T) (*Hub, *memory.Client) {
	t.Helper()
	st := memory.New()
	return NewHub(st, presence.NewMemory(), 0, nil), st
}

func seedHubRoom(t *testing.T, st *memory.Client, visibility model.Visibility, participants ...string) *model.Room {
	t.Helper()
	room := &model.Room{
		ID:           "r1",
		OwnerID:      participants[0],
		Visibility:   visibility,
		ChatType:     model.ChatTypeOneToMany,
		Title:        "general",
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func addTestClient(t *testing.T, h *Hub, userID string) *Client {
	t.Helper()
	c := NewClient(h, nil, userID)
	h.addClient(c)
	return c
}

func frame(t *testing.T, typ transport.EventType, payload any) transport.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", typ, err)
	}
	return transport.Envelope{Type: typ, Payload: raw}
}

func drain(c *Client) []transport.Envelope {
	var out []transport.Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestJoinRoomRejectsNonParticipant(t *testing.T) {
	h, st := newTestHub(t)
	seedHubRoom(t, st, model.VisibilityPrivate, "owner")
	owner := addTestClient(t, h, "owner")
	stranger := addTestClient(t, h, "stranger")

	h.HandleMessage(context.Background(), stranger, frame(t, transport.EventJoinRoom, transport.RoomRef{RoomID: "r1"}))

	got := drain(stranger)
	if len(got) != 1 || got[0].Type != transport.EventError {
		t.Fatalf("stranger frames = %v, want a single error", got)
	}
	if leaked := drain(owner); len(leaked) != 0 {
		t.Fatalf("owner received %v for a rejected join", leaked)
	}
	if stranger.room() != "" {
		t.Fatalf("stranger room = %q, want none", stranger.room())
	}
}

func TestJoinRoomBroadcastsToMembers(t *testing.T) {
	h, st := newTestHub(t)
	seedHubRoom(t, st, model.VisibilityPublic, "owner", "u2")
	owner := addTestClient(t, h, "owner")
	u2 := addTestClient(t, h, "u2")

	h.HandleMessage(context.Background(), owner, frame(t, transport.EventJoinRoom, transport.RoomRef{RoomID: "r1"}))

	if owner.room() != "r1" {
		t.Fatalf("owner room = %q, want r1", owner.room())
	}
	got := drain(u2)
	if len(got) != 1 || got[0].Type != transport.EventUserJoined {
		t.Fatalf("u2 frames = %v, want one user_joined", got)
	}
	var p transport.UserEventPayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal user_joined: %v", err)
	}
	if p.RoomID != "r1" || p.User.ID != "owner" {
		t.Fatalf("user_joined payload = %+v", p)
	}
	if echoed := drain(owner); len(echoed) != 0 {
		t.Fatalf("joiner got its own announcement: %v", echoed)
	}
}

func TestTypingRejectsNonParticipant(t *testing.T) {
	h, st := newTestHub(t)
	seedHubRoom(t, st, model.VisibilityPrivate, "owner")
	owner := addTestClient(t, h, "owner")
	stranger := addTestClient(t, h, "stranger")

	h.HandleMessage(context.Background(), stranger, frame(t, transport.EventTypingStart, transport.TypingPayload{RoomID: "r1", UserID: "stranger"}))

	got := drain(stranger)
	if len(got) != 1 || got[0].Type != transport.EventError {
		t.Fatalf("stranger frames = %v, want a single error", got)
	}
	if leaked := drain(owner); len(leaked) != 0 {
		t.Fatalf("owner received typing relay from an outsider: %v", leaked)
	}
}

func TestTypingRejectedInClosedRoom(t *testing.T) {
	h, st := newTestHub(t)
	room := seedHubRoom(t, st, model.VisibilityPublic, "owner", "u2")
	if err := st.SetClosed(context.Background(), room.ID, true); err != nil {
		t.Fatalf("close room: %v", err)
	}
	owner := addTestClient(t, h, "owner")
	u2 := addTestClient(t, h, "u2")

	h.HandleMessage(context.Background(), u2, frame(t, transport.EventTypingStart, transport.TypingPayload{RoomID: "r1", UserID: "u2"}))

	got := drain(u2)
	if len(got) != 1 || got[0].Type != transport.EventError {
		t.Fatalf("u2 frames = %v, want a single error", got)
	}
	if leaked := drain(owner); len(leaked) != 0 {
		t.Fatalf("typing relayed in a closed room: %v", leaked)
	}
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	h, st := newTestHub(t)
	seedHubRoom(t, st, model.VisibilityPrivate, "owner")
	owner := addTestClient(t, h, "owner")
	stranger := addTestClient(t, h, "stranger")

	h.HandleMessage(context.Background(), stranger, frame(t, transport.EventSendMessage, transport.SendMessagePayload{RoomID: "r1", Text: "hi"}))

	got := drain(stranger)
	if len(got) != 1 || got[0].Type != transport.EventError {
		t.Fatalf("stranger frames = %v, want a single error", got)
	}
	if leaked := drain(owner); len(leaked) != 0 {
		t.Fatalf("owner received %v from an outsider", leaked)
	}
	msgs, err := st.ListMessages(context.Background(), "r1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("outsider message persisted: %v", msgs)
	}
}
