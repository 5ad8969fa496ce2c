// Package memory is the in-memory Store used by tests, the console client
// and simulated-transport sessions. All state is mutex-guarded maps.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/store"
)

type Client struct {
	mu       sync.RWMutex
	rooms    map[string]*model.Room
	messages map[string][]model.Message // roomID -> append-only sequence
	actions  map[string][]model.ModerationAction
	users    map[string]model.User
	subs     map[string][]model.PushSubscription
}

func New() *Client {
	return &Client{
		rooms:    make(map[string]*model.Room),
		messages: make(map[string][]model.Message),
		actions:  make(map[string][]model.ModerationAction),
		users:    make(map[string]model.User),
		subs:     make(map[string][]model.PushSubscription),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) CreateRoom(ctx context.Context, room *model.Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room.ID] = room.Clone()
	return nil
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (c *Client) ListRoomsFor(ctx context.Context, userID string) ([]model.Room, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		if r.Visibility == model.VisibilityPublic || r.HasParticipant(userID) {
			out = append(out, *r.Clone())
		}
	}
	return out, nil
}

func (c *Client) SetNotice(ctx context.Context, roomID, notice string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	r.Notice = notice
	return nil
}

func (c *Client) SetClosed(ctx context.Context, roomID string, closed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	r.IsClosed = closed
	return nil
}

func (c *Client) AddParticipant(ctx context.Context, roomID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	if r.HasParticipant(userID) {
		return nil
	}
	r.Participants = append(r.Participants, userID)
	return nil
}

func (c *Client) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	kept := r.Participants[:0]
	for _, id := range r.Participants {
		if id != userID {
			kept = append(kept, id)
		}
	}
	r.Participants = kept
	return nil
}

func (c *Client) AppendMessage(ctx context.Context, m *model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[m.RoomID] = append(c.messages[m.RoomID], *m)
	return nil
}

func (c *Client) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Message(nil), c.messages[roomID]...), nil
}

func (c *Client) SoftDeleteMessages(ctx context.Context, roomID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[roomID]
	for i := range msgs {
		if msgs[i].IsDeleted {
			continue
		}
		msgs[i].IsDeleted = true
		t := at
		msgs[i].DeletedAt = &t
	}
	return nil
}

func (c *Client) AppendAction(ctx context.Context, a *model.ModerationAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[a.RoomID] = append(c.actions[a.RoomID], *a)
	return nil
}

func (c *Client) ListActions(ctx context.Context, roomID string) ([]model.ModerationAction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ModerationAction(nil), c.actions[roomID]...), nil
}

func (c *Client) SaveUser(ctx context.Context, u *model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = *u
	return nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := u
	return &cp, nil
}

func (c *Client) ListParticipants(ctx context.Context, roomID string) ([]model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]model.User, 0, len(r.Participants))
	for _, id := range r.Participants {
		if u, ok := c.users[id]; ok {
			out = append(out, u)
		} else {
			out = append(out, model.User{ID: id})
		}
	}
	return out, nil
}

func (c *Client) SaveSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs[userID] {
		if s.Endpoint == sub.Endpoint {
			return nil
		}
	}
	c.subs[userID] = append(c.subs[userID], sub)
	return nil
}

func (c *Client) ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.PushSubscription(nil), c.subs[userID]...), nil
}

func (c *Client) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[userID][:0]
	for _, s := range c.subs[userID] {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.subs, userID)
		return nil
	}
	c.subs[userID] = kept
	return nil
}
