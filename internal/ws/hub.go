// Package ws is the server side of the live transport: one Hub per rooms
// service, one Client per WebSocket connection. The hub validates inbound
// frames against the backing store, persists what must be persisted, and
// fans results out to room participants. It also implements the
// moderation broadcast hook, so REST moderation reaches live clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/permission"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/store"
	"github.com/roomchat/internal/transport"
)

// PushNotifier delivers a push notification. nil disables pushes.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	store      store.Store
	presence   presence.Store
	pushClient PushNotifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(st store.Store, pres presence.Store, maxConns int, pushClient PushNotifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		store:      st,
		presence:   pres,
		pushClient: pushClient,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
	}
}

// HandleMessage dispatches one inbound frame.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, env transport.Envelope) {
	switch env.Type {
	case transport.EventJoinRoom:
		h.handleJoinRoom(ctx, c, env.Payload)
	case transport.EventLeaveRoom:
		h.handleLeaveRoom(ctx, c, env.Payload)
	case transport.EventSendMessage:
		h.handleSendMessage(ctx, c, env.Payload)
	case transport.EventTypingStart:
		h.handleTyping(ctx, c, env.Payload, true)
	case transport.EventTypingStop:
		h.handleTyping(ctx, c, env.Payload, false)
	default:
		h.sendError(c, fmt.Sprintf("unknown event type %q", env.Type))
	}
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("ws.handleJoinRoom", time.Now())()
	var p transport.RoomRef
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		h.sendError(c, "room_id required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	room, err := h.store.GetRoom(ctx, p.RoomID)
	if err != nil {
		h.sendError(c, "room not found")
		return
	}
	// Membership is granted over REST (or at creation); the socket only
	// opens rooms the user already belongs to.
	if !room.HasParticipant(c.userID) {
		h.sendError(c, "not a participant")
		return
	}
	c.setRoom(room.ID)

	user := h.userSnapshot(ctx, c.userID)
	h.broadcastToRoom(ctx, room.ID, transport.EventUserJoined, transport.UserEventPayload{RoomID: room.ID, User: user}, c.userID)
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("ws.handleLeaveRoom", time.Now())()
	var p transport.RoomRef
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		return
	}
	c.setRoom("")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	user := h.userSnapshot(ctx, c.userID)
	h.broadcastToRoom(ctx, p.RoomID, transport.EventUserLeft, transport.UserEventPayload{RoomID: p.RoomID, User: user}, c.userID)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	var p transport.SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "bad send_message payload")
		return
	}
	if p.RoomID == "" {
		p.RoomID = c.room()
	}
	if p.RoomID == "" || strings.TrimSpace(p.Text) == "" {
		h.sendError(c, "room_id and text required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	room, err := h.store.GetRoom(ctx, p.RoomID)
	if err != nil {
		h.sendError(c, "room not found")
		return
	}
	// The sender id on the wire is ignored; the connection identity wins.
	sender := &model.User{ID: c.userID}
	if !permission.CanSendMessage(sender, room) {
		if room.IsClosed {
			h.sendError(c, "room is closed")
		} else {
			h.sendError(c, "not a participant")
		}
		return
	}

	// Keep the client-generated id so the sender can reconcile its
	// optimistic copy; fill one in for clients that did not send any.
	id := p.MsgID
	if id == "" {
		id = uuid.New().String()
	}
	m := &model.Message{
		ID:        id,
		RoomID:    room.ID,
		SenderID:  c.userID,
		Text:      p.Text,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AppendMessage(ctx, m); err != nil {
		logger.Errorf("ws save message room=%s user=%s: %v", room.ID, c.userID, err)
		h.sendError(c, "failed to save message")
		return
	}

	for _, uid := range room.Participants {
		h.sendEvent(uid, transport.EventMessageReceived, m)
	}
	h.notifyOffline(room, m)
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, raw json.RawMessage, isTyping bool) {
	var p transport.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	room, err := h.store.GetRoom(ctx, p.RoomID)
	if err != nil {
		return
	}
	// Same gate as send_message: no typing relay for outsiders or into
	// closed rooms.
	if !permission.CanSendMessage(&model.User{ID: c.userID}, room) {
		if room.IsClosed {
			h.sendError(c, "room is closed")
		} else {
			h.sendError(c, "not a participant")
		}
		return
	}
	out := transport.TypingStatusPayload{RoomID: room.ID, UserID: c.userID, IsTyping: isTyping}
	for _, uid := range room.Participants {
		if uid != c.userID {
			h.sendEvent(uid, transport.EventTypingStatus, out)
		}
	}
}

// notifyOffline pushes the new message to participants without a live
// connection. Best effort, off the hot path.
func (h *Hub) notifyOffline(room *model.Room, m *model.Message) {
	if h.pushClient == nil {
		return
	}
	body := m.Text
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"room_id": room.ID, "message_id": m.ID}
	for _, uid := range room.Participants {
		if uid == m.SenderID {
			continue
		}
		uid := uid
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			online, err := h.presence.IsOnline(ctx, uid)
			if err != nil {
				logger.Errorf("ws presence check user=%s: %v", uid, err)
			}
			if online {
				return
			}
			h.pushClient.Notify(ctx, uid, room.Title, body, data)
		}()
	}
}

// EmitRoom broadcasts one event to every participant of a room. It is the
// moderation broadcast hook: REST moderation commits first, then calls
// here.
func (h *Hub) EmitRoom(roomID string, event transport.EventType, payload any) error {
	defer logger.DeferLogDuration("ws.EmitRoom", time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("ws: emit to room %s: %w", roomID, err)
	}
	for _, uid := range room.Participants {
		h.sendEvent(uid, event, payload)
	}
	// A kick target is no longer a participant but still needs to hear
	// about it; user_left carries the target in the payload.
	if event == transport.EventUserLeft {
		if p, ok := payload.(transport.UserEventPayload); ok && !room.HasParticipant(p.User.ID) {
			h.sendEvent(p.User.ID, event, payload)
		}
	}
	return nil
}

func (h *Hub) broadcastToRoom(ctx context.Context, roomID string, event transport.EventType, payload any, exceptUserID string) {
	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		logger.Errorf("ws broadcast to room %s: %v", roomID, err)
		return
	}
	for _, uid := range room.Participants {
		if uid != exceptUserID {
			h.sendEvent(uid, event, payload)
		}
	}
}

func (h *Hub) userSnapshot(ctx context.Context, userID string) model.User {
	u, err := h.store.GetUser(ctx, userID)
	if err != nil {
		return model.User{ID: userID}
	}
	return *u
}

func (h *Hub) sendEvent(userID string, event transport.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("ws marshal %s: %v", event, err)
		return
	}
	h.sendToUser(userID, transport.Envelope{Type: event, Payload: raw})
}

func (h *Hub) sendError(c *Client, message string) {
	raw, err := json.Marshal(transport.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	h.sendToClient(c, transport.Envelope{Type: transport.EventError, Payload: raw})
}

func (h *Hub) sendToUser(userID string, env transport.Envelope) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

func (h *Hub) sendToClient(c *Client, env transport.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
