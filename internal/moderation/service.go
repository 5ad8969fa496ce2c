// Package moderation implements the owner-only room operations. Every
// operation runs the same pipeline: permission check, store mutation,
// append-only audit record, broadcast. The mutation and the audit record
// are committed even when the broadcast fails; delivery errors are
// returned to the caller alongside the recorded action and are never
// retried here.
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/permission"
	"github.com/roomchat/internal/store"
	"github.com/roomchat/internal/transport"
)

// Emitter broadcasts one event about a room. The client session passes
// its connection manager; the rooms server passes the hub.
type Emitter interface {
	EmitRoom(roomID string, event transport.EventType, payload any) error
}

type Service struct {
	store   store.Store
	emitter Emitter
}

// New creates a moderation service. emitter may be nil for offline use;
// broadcasts are then skipped.
func New(st store.Store, emitter Emitter) *Service {
	return &Service{store: st, emitter: emitter}
}

// UpdateNotice replaces the room notice, capturing old and new values in
// the audit record. Overlong notices are defensively clamped; the edge is
// expected to have rejected them already.
func (s *Service) UpdateNotice(ctx context.Context, roomID, notice string, actor *model.User) (*model.ModerationAction, error) {
	defer logger.DeferLogDuration("moderation.UpdateNotice", time.Now())()
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("moderation: load room: %w", err)
	}
	if !permission.CanModerate(actor, room) {
		return nil, fmt.Errorf("%w: update_notice on %s", permission.ErrDenied, roomID)
	}

	if runes := []rune(notice); len(runes) > model.NoticeMaxLen {
		notice = string(runes[:model.NoticeMaxLen])
	}

	if err := s.store.SetNotice(ctx, roomID, notice); err != nil {
		return nil, fmt.Errorf("moderation: set notice: %w", err)
	}
	act, err := s.record(ctx, &model.ModerationAction{
		RoomID:      roomID,
		Type:        model.ActionUpdateNotice,
		OldValue:    room.Notice,
		NewValue:    notice,
		PerformedBy: actor.ID,
	})
	if err != nil {
		return nil, err
	}

	room.Notice = notice
	return act, s.broadcastRoom(room)
}

// KickUser removes the target from the participant set. Messages the
// target already sent stay untouched.
func (s *Service) KickUser(ctx context.Context, roomID string, target *model.User, reason string, actor *model.User) (*model.ModerationAction, error) {
	defer logger.DeferLogDuration("moderation.KickUser", time.Now())()
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("moderation: load room: %w", err)
	}
	if !permission.CanKick(actor, target, room) {
		return nil, fmt.Errorf("%w: kick %s from %s", permission.ErrDenied, target.ID, roomID)
	}

	if err := s.store.RemoveParticipant(ctx, roomID, target.ID); err != nil {
		return nil, fmt.Errorf("moderation: remove participant: %w", err)
	}
	act, err := s.record(ctx, &model.ModerationAction{
		RoomID:       roomID,
		Type:         model.ActionKickUser,
		TargetUserID: target.ID,
		Reason:       reason,
		PerformedBy:  actor.ID,
	})
	if err != nil {
		return nil, err
	}

	if s.emitter == nil {
		return act, nil
	}
	if err := s.emitter.EmitRoom(roomID, transport.EventUserLeft, transport.UserEventPayload{RoomID: roomID, User: *target}); err != nil {
		return act, fmt.Errorf("moderation: broadcast kick: %w", err)
	}
	return act, nil
}

// CloseRoom blocks further sends. History stays fully readable.
func (s *Service) CloseRoom(ctx context.Context, roomID, reason string, actor *model.User) (*model.ModerationAction, error) {
	defer logger.DeferLogDuration("moderation.CloseRoom", time.Now())()
	return s.setClosed(ctx, roomID, reason, actor, true)
}

// ReopenRoom lifts the send block. No reason is required.
func (s *Service) ReopenRoom(ctx context.Context, roomID string, actor *model.User) (*model.ModerationAction, error) {
	defer logger.DeferLogDuration("moderation.ReopenRoom", time.Now())()
	return s.setClosed(ctx, roomID, "", actor, false)
}

func (s *Service) setClosed(ctx context.Context, roomID, reason string, actor *model.User, closed bool) (*model.ModerationAction, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("moderation: load room: %w", err)
	}
	if !permission.CanModerate(actor, room) {
		return nil, fmt.Errorf("%w: close/reopen %s", permission.ErrDenied, roomID)
	}

	if err := s.store.SetClosed(ctx, roomID, closed); err != nil {
		return nil, fmt.Errorf("moderation: set closed: %w", err)
	}
	actionType := model.ActionCloseRoom
	if !closed {
		actionType = model.ActionReopenRoom
	}
	act, err := s.record(ctx, &model.ModerationAction{
		RoomID:      roomID,
		Type:        actionType,
		Reason:      reason,
		PerformedBy: actor.ID,
	})
	if err != nil {
		return nil, err
	}

	room.IsClosed = closed
	return act, s.broadcastRoom(room)
}

// ClearAllMessages soft-deletes the whole room history in one batch. The
// message count is unchanged; only visibility flips.
func (s *Service) ClearAllMessages(ctx context.Context, roomID string, actor *model.User) (*model.ModerationAction, error) {
	defer logger.DeferLogDuration("moderation.ClearAllMessages", time.Now())()
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("moderation: load room: %w", err)
	}
	if !permission.CanModerate(actor, room) {
		return nil, fmt.Errorf("%w: clear_messages on %s", permission.ErrDenied, roomID)
	}

	if err := s.store.SoftDeleteMessages(ctx, roomID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("moderation: soft delete: %w", err)
	}
	act, err := s.record(ctx, &model.ModerationAction{
		RoomID:      roomID,
		Type:        model.ActionClearMessages,
		PerformedBy: actor.ID,
	})
	if err != nil {
		return nil, err
	}

	// The wire vocabulary has no dedicated clear event; room_updated tells
	// live clients to refetch history.
	return act, s.broadcastRoom(room)
}

// Log returns the room's append-only audit trail.
func (s *Service) Log(ctx context.Context, roomID string) ([]model.ModerationAction, error) {
	acts, err := s.store.ListActions(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("moderation: list actions: %w", err)
	}
	return acts, nil
}

func (s *Service) record(ctx context.Context, a *model.ModerationAction) (*model.ModerationAction, error) {
	a.ID = uuid.New().String()
	a.PerformedAt = time.Now().UTC()
	if err := s.store.AppendAction(ctx, a); err != nil {
		return nil, fmt.Errorf("moderation: append action: %w", err)
	}
	return a, nil
}

func (s *Service) broadcastRoom(room *model.Room) error {
	if s.emitter == nil {
		return nil
	}
	if err := s.emitter.EmitRoom(room.ID, transport.EventRoomUpdated, room); err != nil {
		return fmt.Errorf("moderation: broadcast room_updated: %w", err)
	}
	return nil
}
