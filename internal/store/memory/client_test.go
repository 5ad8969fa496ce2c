package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/store"
)

func seed(t *testing.T, c *Client) *model.Room {
	t.Helper()
	room := &model.Room{
		ID:           "r1",
		OwnerID:      "owner",
		Visibility:   model.VisibilityPublic,
		ChatType:     model.ChatTypeOneToMany,
		Title:        "general",
		Participants: []string{"owner"},
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func TestAddParticipantIdempotent(t *testing.T) {
	ctx := context.Background()
	c := New()
	seed(t, c)

	for i := 0; i < 3; i++ {
		if err := c.AddParticipant(ctx, "r1", "u2"); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
	room, err := c.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("participants = %v, want [owner u2]", room.Participants)
	}

	if err := c.RemoveParticipant(ctx, "r1", "u2"); err != nil {
		t.Fatalf("remove participant: %v", err)
	}
	room, _ = c.GetRoom(ctx, "r1")
	if room.HasParticipant("u2") {
		t.Fatal("u2 still a participant after removal")
	}
}

func TestSoftDeleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	c := New()
	seed(t, c)

	for _, id := range []string{"m1", "m2", "m3"} {
		err := c.AppendMessage(ctx, &model.Message{ID: id, RoomID: "r1", SenderID: "owner", Text: id, CreatedAt: time.Now().UTC()})
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	at := time.Now().UTC()
	if err := c.SoftDeleteMessages(ctx, "r1", at); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	msgs, err := c.ListMessages(ctx, "r1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("history length = %d after clear, want 3", len(msgs))
	}
	for _, m := range msgs {
		if !m.IsDeleted || m.DeletedAt == nil {
			t.Fatalf("message %s not soft-deleted: %+v", m.ID, m)
		}
		if !m.DeletedAt.Equal(at) {
			t.Fatalf("message %s deleted_at = %v, want %v", m.ID, m.DeletedAt, at)
		}
	}

	// A second clear leaves the first batch's timestamps alone.
	later := at.Add(time.Minute)
	if err := c.AppendMessage(ctx, &model.Message{ID: "m4", RoomID: "r1", SenderID: "owner", Text: "after", CreatedAt: later}); err != nil {
		t.Fatalf("append m4: %v", err)
	}
	if err := c.SoftDeleteMessages(ctx, "r1", later); err != nil {
		t.Fatalf("second soft delete: %v", err)
	}
	msgs, _ = c.ListMessages(ctx, "r1")
	if !msgs[0].DeletedAt.Equal(at) {
		t.Fatalf("first clear timestamp overwritten: %v", msgs[0].DeletedAt)
	}
	if !msgs[3].DeletedAt.Equal(later) {
		t.Fatalf("m4 deleted_at = %v, want %v", msgs[3].DeletedAt, later)
	}
}

func TestGetRoomClonesState(t *testing.T) {
	ctx := context.Background()
	c := New()
	seed(t, c)

	room, err := c.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	room.Title = "hijacked"
	room.Participants = append(room.Participants, "intruder")

	fresh, _ := c.GetRoom(ctx, "r1")
	if fresh.Title != "general" || fresh.HasParticipant("intruder") {
		t.Fatalf("store state mutated through returned copy: %+v", fresh)
	}
}

func TestUnknownRoomErrors(t *testing.T) {
	ctx := context.Background()
	c := New()

	if _, err := c.GetRoom(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetRoom err = %v, want ErrNotFound", err)
	}
	if err := c.SetNotice(ctx, "nope", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SetNotice err = %v, want ErrNotFound", err)
	}
	if err := c.AddParticipant(ctx, "nope", "u"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AddParticipant err = %v, want ErrNotFound", err)
	}
	if _, err := c.ListParticipants(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ListParticipants err = %v, want ErrNotFound", err)
	}
}

func TestListRoomsForVisibility(t *testing.T) {
	ctx := context.Background()
	c := New()
	seed(t, c)
	private := &model.Room{
		ID:           "r2",
		OwnerID:      "owner",
		Visibility:   model.VisibilityPrivate,
		ChatType:     model.ChatTypeOneToOne,
		Title:        "dm",
		Participants: []string{"owner", "u2"},
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.CreateRoom(ctx, private); err != nil {
		t.Fatalf("create private room: %v", err)
	}

	rooms, err := c.ListRoomsFor(ctx, "stranger")
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "r1" {
		t.Fatalf("stranger sees %v, want only the public room", rooms)
	}

	rooms, _ = c.ListRoomsFor(ctx, "u2")
	if len(rooms) != 2 {
		t.Fatalf("participant sees %d rooms, want 2", len(rooms))
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := New()

	sub := model.PushSubscription{Endpoint: "https://push.example/ep1", P256dh: "k", Auth: "a"}
	if err := c.SaveSubscription(ctx, "u1", sub); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.SaveSubscription(ctx, "u1", sub); err != nil {
		t.Fatalf("save again: %v", err)
	}
	subs, _ := c.ListSubscriptions(ctx, "u1")
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1 (endpoint dedup)", len(subs))
	}

	if err := c.DeleteSubscription(ctx, "u1", sub.Endpoint); err != nil {
		t.Fatalf("delete: %v", err)
	}
	subs, _ = c.ListSubscriptions(ctx, "u1")
	if len(subs) != 0 {
		t.Fatalf("subscriptions = %d after delete, want 0", len(subs))
	}
}
