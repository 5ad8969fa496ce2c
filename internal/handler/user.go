package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/store"
)

// UserHandler maintains user snapshots (display name, email) used for
// roster hydration. Identity itself comes from the identity provider.
type UserHandler struct {
	store store.Store
}

func NewUserHandler(st store.Store) *UserHandler {
	return &UserHandler{store: st}
}

type UpsertUserRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

func (h *UserHandler) UpsertMe(w http.ResponseWriter, r *http.Request) {
	var req UpsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name required")
		return
	}
	u := &model.User{
		ID:          middleware.GetUserID(r.Context()),
		DisplayName: req.DisplayName,
		Email:       strings.TrimSpace(req.Email),
	}
	if err := h.store.SaveUser(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
