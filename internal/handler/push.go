package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/push"
	"github.com/roomchat/internal/store"
)

type PushHandler struct {
	store    store.Store
	notifier *push.Notifier
}

func NewPushHandler(st store.Store, notifier *push.Notifier) *PushHandler {
	return &PushHandler{store: st, notifier: notifier}
}

// VAPIDPublic returns the public key browsers need to subscribe.
func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	key := h.notifier.PublicKey()
	if key == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(key))
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, keys.p256dh and keys.auth required")
		return
	}
	userID := middleware.GetUserID(r.Context())
	sub := model.PushSubscription{Endpoint: req.Endpoint, P256dh: req.Keys.P256dh, Auth: req.Keys.Auth}
	if err := h.store.SaveSubscription(r.Context(), userID, sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.store.DeleteSubscription(r.Context(), userID, req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
