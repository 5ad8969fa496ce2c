package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/moderation"
	"github.com/roomchat/internal/store/memory"
	"github.com/roomchat/internal/transport"
)

// failEmitter simulates a hub that cannot reach any client.
type failEmitter struct{}

func (failEmitter) EmitRoom(roomID string, event transport.EventType, payload any) error {
	return errors.New("hub unreachable")
}

func newModerationRouter(st *memory.Client, em moderation.Emitter) http.Handler {
	h := NewRoomHandler(st, moderation.New(st, em), nil)
	r := chi.NewRouter()
	r.Use(middleware.Identity)
	r.Post("/api/rooms/{roomID}/close", h.CloseRoom)
	return r
}

func seedHandlerRoom(t *testing.T, st *memory.Client) {
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
	if err := st.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}
}

func TestModerationResponseFlagsFailedDelivery(t *testing.T) {
	st := memory.New()
	seedHandlerRoom(t, st)
	router := newModerationRouter(st, failEmitter{})

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/r1/close", strings.NewReader(`{"reason":"spam"}`))
	req.Header.Set("X-User-ID", "owner")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (mutation committed)", rec.Code)
	}
	var resp ModerationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Action == nil || resp.Action.Type != model.ActionCloseRoom {
		t.Fatalf("action = %+v, want close_room", resp.Action)
	}
	if !resp.DeliveryFailed {
		t.Fatal("delivery_failed not set although the broadcast failed")
	}

	room, err := st.GetRoom(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if !room.IsClosed {
		t.Fatal("room not closed despite the 200 response")
	}
}

func TestModerationResponseCleanDelivery(t *testing.T) {
	st := memory.New()
	seedHandlerRoom(t, st)
	router := newModerationRouter(st, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/r1/close", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", "owner")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ModerationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Action == nil || resp.DeliveryFailed {
		t.Fatalf("response = %+v, want action without delivery_failed", resp)
	}
}

func TestModerationDeniedForNonOwner(t *testing.T) {
	st := memory.New()
	seedHandlerRoom(t, st)
	router := newModerationRouter(st, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/r1/close", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", "u2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
