package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/permission"
	"github.com/roomchat/internal/store"
	"github.com/roomchat/internal/store/memory"
	"github.com/roomchat/internal/transport"
)

type recordingEmitter struct {
	events []transport.EventType
	fail   bool
}

func (e *recordingEmitter) EmitRoom(roomID string, event transport.EventType, payload any) error {
	if e.fail {
		return errors.New("wire down")
	}
	e.events = append(e.events, event)
	return nil
}

func seedRoom(t *testing.T, st store.Store) (*model.Room, *model.User, *model.User) {
	t.Helper()
	owner := &model.User{ID: "owner", DisplayName: "Owner"}
	member := &model.User{ID: "member", DisplayName: "Member"}
	room := &model.Room{
		ID:           "r1",
		OwnerID:      owner.ID,
		Visibility:   model.VisibilityPublic,
		ChatType:     model.ChatTypeOneToMany,
		Title:        "general",
		Participants: []string{owner.ID, member.ID},
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	return room, owner, member
}

func TestUpdateNoticeRecordsOldAndNew(t *testing.T) {
	st := memory.New()
	room, owner, _ := seedRoom(t, st)
	em := &recordingEmitter{}
	svc := New(st, em)

	act, err := svc.UpdateNotice(context.Background(), room.ID, "welcome", owner)
	if err != nil {
		t.Fatalf("update notice: %v", err)
	}
	if act.Type != model.ActionUpdateNotice || act.OldValue != "" || act.NewValue != "welcome" {
		t.Fatalf("bad action: %+v", act)
	}
	got, err := st.GetRoom(context.Background(), room.ID)
	if err != nil || got.Notice != "welcome" {
		t.Fatalf("notice not persisted: %+v err=%v", got, err)
	}
	if len(em.events) != 1 || em.events[0] != transport.EventRoomUpdated {
		t.Fatalf("broadcast events: %v", em.events)
	}
}

func TestUpdateNoticeClampsLength(t *testing.T) {
	st := memory.New()
	room, owner, _ := seedRoom(t, st)
	svc := New(st, nil)

	long := strings.Repeat("x", model.NoticeMaxLen+50)
	act, err := svc.UpdateNotice(context.Background(), room.ID, long, owner)
	if err != nil {
		t.Fatalf("update notice: %v", err)
	}
	if len([]rune(act.NewValue)) != model.NoticeMaxLen {
		t.Fatalf("notice not clamped: %d runes", len([]rune(act.NewValue)))
	}
}

func TestKickUserRemovesAndAudits(t *testing.T) {
	st := memory.New()
	room, owner, member := seedRoom(t, st)
	em := &recordingEmitter{}
	svc := New(st, em)

	act, err := svc.KickUser(context.Background(), room.ID, member, "spam", owner)
	if err != nil {
		t.Fatalf("kick: %v", err)
	}
	if act.Type != model.ActionKickUser || act.TargetUserID != member.ID || act.Reason != "spam" {
		t.Fatalf("bad action: %+v", act)
	}
	got, _ := st.GetRoom(context.Background(), room.ID)
	if got.HasParticipant(member.ID) {
		t.Fatalf("target still a participant")
	}
	if len(em.events) != 1 || em.events[0] != transport.EventUserLeft {
		t.Fatalf("broadcast events: %v", em.events)
	}
}

func TestKickDeniedForNonOwnerSelfAndOwnerTarget(t *testing.T) {
	st := memory.New()
	room, owner, member := seedRoom(t, st)
	svc := New(st, nil)
	ctx := context.Background()

	if _, err := svc.KickUser(ctx, room.ID, owner, "", member); !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("non-owner kick: %v", err)
	}
	if _, err := svc.KickUser(ctx, room.ID, owner, "", owner); !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("self kick: %v", err)
	}
	if acts, _ := svc.Log(ctx, room.ID); len(acts) != 0 {
		t.Fatalf("denied kicks must not be audited: %+v", acts)
	}
}

func TestCloseThenReopen(t *testing.T) {
	st := memory.New()
	room, owner, _ := seedRoom(t, st)
	svc := New(st, &recordingEmitter{})
	ctx := context.Background()

	if _, err := svc.CloseRoom(ctx, room.ID, "done for today", owner); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ := st.GetRoom(ctx, room.ID)
	if !got.IsClosed {
		t.Fatalf("room not closed")
	}

	if _, err := svc.ReopenRoom(ctx, room.ID, owner); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, _ = st.GetRoom(ctx, room.ID)
	if got.IsClosed {
		t.Fatalf("room still closed")
	}

	acts, _ := svc.Log(ctx, room.ID)
	if len(acts) != 2 || acts[0].Type != model.ActionCloseRoom || acts[1].Type != model.ActionReopenRoom {
		t.Fatalf("audit trail: %+v", acts)
	}
}

func TestClearAllMessagesSoftDeletes(t *testing.T) {
	st := memory.New()
	room, owner, member := seedRoom(t, st)
	svc := New(st, &recordingEmitter{})
	ctx := context.Background()

	for i, text := range []string{"hello", "world", "bye"} {
		m := &model.Message{ID: "m" + string(rune('0'+i)), RoomID: room.ID, SenderID: member.ID, Text: text, CreatedAt: time.Now().UTC()}
		if err := st.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := svc.ClearAllMessages(ctx, room.ID, owner); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, _ := st.ListMessages(ctx, room.ID)
	if len(msgs) != 3 {
		t.Fatalf("message count changed: %d", len(msgs))
	}
	for _, m := range msgs {
		if !m.IsDeleted || m.DeletedAt == nil {
			t.Fatalf("message not soft-deleted: %+v", m)
		}
	}
}

func TestMutationAndAuditSurviveBroadcastFailure(t *testing.T) {
	st := memory.New()
	room, owner, _ := seedRoom(t, st)
	em := &recordingEmitter{fail: true}
	svc := New(st, em)
	ctx := context.Background()

	act, err := svc.CloseRoom(ctx, room.ID, "", owner)
	if err == nil {
		t.Fatalf("expected broadcast error")
	}
	if act == nil {
		t.Fatalf("action must be returned despite broadcast failure")
	}
	got, _ := st.GetRoom(ctx, room.ID)
	if !got.IsClosed {
		t.Fatalf("mutation rolled back on broadcast failure")
	}
	if acts, _ := svc.Log(ctx, room.ID); len(acts) != 1 {
		t.Fatalf("audit rolled back on broadcast failure: %+v", acts)
	}
}

func TestModerationOnUnknownRoom(t *testing.T) {
	svc := New(memory.New(), nil)
	owner := &model.User{ID: "owner"}
	if _, err := svc.CloseRoom(context.Background(), "nope", "", owner); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown room: %v", err)
	}
}
