// Package store defines the backing-store contract for rooms, messages,
// the moderation log and user snapshots. The session engine depends on
// this interface rather than any process-wide registry.
// Implementations: postgres.Client (rooms service), memory.Client
// (tests, console client, simulated mode).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/roomchat/internal/model"
)

// ErrNotFound is returned when a room or user id is unknown.
var ErrNotFound = errors.New("not found")

type Store interface {
	// Rooms. AddParticipant is idempotent: adding an existing participant
	// succeeds silently and leaves the set unchanged.
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	ListRoomsFor(ctx context.Context, userID string) ([]model.Room, error)
	SetNotice(ctx context.Context, roomID, notice string) error
	SetClosed(ctx context.Context, roomID string, closed bool) error
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error

	// Messages are append-only; SoftDeleteMessages flips IsDeleted on the
	// whole room in one batch and never reduces the message count.
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	SoftDeleteMessages(ctx context.Context, roomID string, at time.Time) error

	// Moderation log, append-only.
	AppendAction(ctx context.Context, a *model.ModerationAction) error
	ListActions(ctx context.Context, roomID string) ([]model.ModerationAction, error)

	// User snapshots and roster hydration.
	SaveUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, userID string) (*model.User, error)
	ListParticipants(ctx context.Context, roomID string) ([]model.User, error)

	// Web-push subscriptions. DeleteSubscription prunes endpoints the push
	// service reported as gone.
	SaveSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}
