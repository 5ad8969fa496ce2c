package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/moderation"
	"github.com/roomchat/internal/permission"
	"github.com/roomchat/internal/store"
	"github.com/roomchat/internal/transport"
	"github.com/roomchat/internal/ws"
)

const (
	titleMaxLen        = 100
	defaultMessagesCap = 100
)

type RoomHandler struct {
	store store.Store
	mod   *moderation.Service
	hub   *ws.Hub
}

func NewRoomHandler(st store.Store, mod *moderation.Service, hub *ws.Hub) *RoomHandler {
	return &RoomHandler{store: st, mod: mod, hub: hub}
}

type CreateRoomRequest struct {
	Title      string              `json:"title"`
	Notice     string              `json:"notice"`
	Visibility model.Visibility    `json:"visibility"`
	ChatType   model.ChatType      `json:"chat_type"`
	AIProxy    model.AIProxyConfig `json:"ai_proxy_config"`
}

func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if len([]rune(req.Title)) > titleMaxLen {
		writeError(w, http.StatusBadRequest, "title too long")
		return
	}
	if len([]rune(req.Notice)) > model.NoticeMaxLen {
		writeError(w, http.StatusBadRequest, "notice too long")
		return
	}
	if req.Visibility != model.VisibilityPublic && req.Visibility != model.VisibilityPrivate {
		writeError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}
	if req.ChatType != model.ChatTypeOneToOne && req.ChatType != model.ChatTypeOneToMany {
		writeError(w, http.StatusBadRequest, "chat_type must be one_to_one or one_to_many")
		return
	}
	req.AIProxy.Clamp()

	ownerID := middleware.GetUserID(r.Context())
	room := &model.Room{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Visibility:   req.Visibility,
		ChatType:     req.ChatType,
		Title:        req.Title,
		Notice:       req.Notice,
		Participants: []string{ownerID},
		AIProxy:      req.AIProxy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateRoom(r.Context(), room); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	rooms, err := h.store.ListRoomsFor(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}

	items := make([]model.RoomListItem, 0, len(rooms))
	for i := range rooms {
		room := &rooms[i]
		item := model.RoomListItem{
			RoomID:           room.ID,
			Title:            room.Title,
			Visibility:       room.Visibility,
			ChatType:         room.ChatType,
			ParticipantCount: len(room.Participants),
			IsOwner:          room.OwnerID == userID,
			IsParticipant:    room.HasParticipant(userID),
		}
		msgs, err := h.store.ListMessages(r.Context(), room.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].IsDeleted {
				continue
			}
			item.LastMessageText = msgs[j].Text
			at := msgs[j].CreatedAt
			item.LastMessageAt = &at
			break
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// JoinRoom adds the caller to a public room. Joining a room the caller is
// already in succeeds silently.
func (h *RoomHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	userID := middleware.GetUserID(r.Context())
	if room.Visibility != model.VisibilityPublic {
		writeError(w, http.StatusForbidden, "room is private")
		return
	}
	if room.HasParticipant(userID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.store.AddParticipant(r.Context(), room.ID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join")
		return
	}
	user := model.User{ID: userID}
	if u, err := h.store.GetUser(r.Context(), userID); err == nil {
		user = *u
	}
	// Tell live participants about the new member.
	if h.hub != nil {
		_ = h.hub.EmitRoom(room.ID, transport.EventUserJoined, transport.UserEventPayload{RoomID: room.ID, User: user})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	visible := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsDeleted {
			visible = append(visible, m)
		}
	}
	limit := queryInt(r, "limit", defaultMessagesCap)
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	writeJSON(w, http.StatusOK, visible)
}

func (h *RoomHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	users, err := h.store.ListParticipants(r.Context(), room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list participants")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *RoomHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}
	// The audit trail is owner-only, like the operations that feed it.
	actor := &model.User{ID: middleware.GetUserID(r.Context())}
	if !permission.CanModerate(actor, room) {
		writeError(w, http.StatusForbidden, "owner only")
		return
	}
	acts, err := h.mod.Log(r.Context(), room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

type KickRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
}

func (h *RoomHandler) KickUser(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetUserID == "" {
		writeError(w, http.StatusBadRequest, "target_user_id required")
		return
	}
	actor := &model.User{ID: middleware.GetUserID(r.Context())}
	target := &model.User{ID: req.TargetUserID}
	if u, err := h.store.GetUser(r.Context(), req.TargetUserID); err == nil {
		target = u
	}
	act, err := h.mod.KickUser(r.Context(), chi.URLParam(r, "roomID"), target, req.Reason, actor)
	h.writeModerationResult(w, act, err)
}

type CloseRequest struct {
	Reason string `json:"reason"`
}

func (h *RoomHandler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	}
	actor := &model.User{ID: middleware.GetUserID(r.Context())}
	act, err := h.mod.CloseRoom(r.Context(), chi.URLParam(r, "roomID"), req.Reason, actor)
	h.writeModerationResult(w, act, err)
}

func (h *RoomHandler) ReopenRoom(w http.ResponseWriter, r *http.Request) {
	actor := &model.User{ID: middleware.GetUserID(r.Context())}
	act, err := h.mod.ReopenRoom(r.Context(), chi.URLParam(r, "roomID"), actor)
	h.writeModerationResult(w, act, err)
}

func (h *RoomHandler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	actor := &model.User{ID: middleware.GetUserID(r.Context())}
	act, err := h.mod.ClearAllMessages(r.Context(), chi.URLParam(r, "roomID"), actor)
	h.writeModerationResult(w, act, err)
}

type NoticeRequest struct {
	Notice string `json:"notice"`
}

func (h *RoomHandler) UpdateNotice(w http.ResponseWriter, r *http.Request) {
	var req NoticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len([]rune(req.Notice)) > model.NoticeMaxLen {
		writeError(w, http.StatusBadRequest, "notice too long")
		return
	}
	actor := &model.User{ID: middleware.GetUserID(r.Context())}
	act, err := h.mod.UpdateNotice(r.Context(), chi.URLParam(r, "roomID"), req.Notice, actor)
	h.writeModerationResult(w, act, err)
}

// ModerationResponse wraps the recorded action. DeliveryFailed reports
// that the mutation and audit entry committed but the live broadcast did
// not go out; clients should refetch the room.
type ModerationResponse struct {
	Action         *model.ModerationAction `json:"action"`
	DeliveryFailed bool                    `json:"delivery_failed,omitempty"`
}

// writeModerationResult maps the moderation error taxonomy to HTTP. An
// action together with an error means the mutation committed but the
// broadcast failed; the caller gets the action plus the delivery flag.
func (h *RoomHandler) writeModerationResult(w http.ResponseWriter, act *model.ModerationAction, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ModerationResponse{Action: act})
	case act != nil:
		writeJSON(w, http.StatusOK, ModerationResponse{Action: act, DeliveryFailed: true})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, permission.ErrDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	default:
		writeError(w, http.StatusInternalServerError, "moderation failed")
	}
}

func (h *RoomHandler) loadRoom(w http.ResponseWriter, r *http.Request) (*model.Room, bool) {
	roomID := chi.URLParam(r, "roomID")
	room, err := h.store.GetRoom(r.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load room")
		return nil, false
	}
	return room, true
}
