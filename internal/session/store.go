// Package session is the per-user room session: the messages, roster and
// typing set of the room the user currently has open, plus the room
// lifecycle operations around it. State is mutated locally first
// (optimistic append) and reconciled against server echoes by message id;
// in simulated mode the local mutation is final.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roomchat/internal/connection"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/moderation"
	"github.com/roomchat/internal/permission"
	"github.com/roomchat/internal/store"
	"github.com/roomchat/internal/transport"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomClosed     = errors.New("room is closed")
	ErrNotParticipant = errors.New("not a participant")
	ErrValidation     = errors.New("validation failed")
)

const (
	titleMaxLen = 100
	// typingTTL is how long a typing flag survives without a refresh.
	typingTTL = time.Second
)

// Store holds one user's session. All reads return copies; the internal
// slices and maps are never shared with callers.
type Store struct {
	backing store.Store
	conn    *connection.Manager
	mod     *moderation.Service
	self    model.User

	mu        sync.Mutex
	room      *model.Room
	messages  []model.Message
	roster    map[string]model.User
	typing    map[string]*time.Timer
	joinGen   int
	attached  bool
	typingTTL time.Duration
	onChange  func()
}

// New wires a session store onto a backing store and a connection
// manager. conn may be nil for a purely local session. Remote handlers
// are subscribed on the first entry into Connected; in simulated mode
// nothing is subscribed because there is no echo to apply.
func New(backing store.Store, conn *connection.Manager, self model.User) *Store {
	s := &Store{
		backing:   backing,
		conn:      conn,
		self:      self,
		roster:    make(map[string]model.User),
		typing:    make(map[string]*time.Timer),
		typingTTL: typingTTL,
	}
	var em moderation.Emitter
	if conn != nil {
		em = conn
	}
	s.mod = moderation.New(backing, em)
	if conn != nil {
		conn.OnConnected(s.attachRemote)
	}
	return s
}

// OnChange registers a callback invoked after every state mutation. The
// console client uses it to redraw.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetTypingTTL overrides the typing debounce window. Tests shorten it.
func (s *Store) SetTypingTTL(d time.Duration) {
	s.mu.Lock()
	s.typingTTL = d
	s.mu.Unlock()
}

func (s *Store) Self() model.User { return s.self }

// Room returns a deep copy of the joined room, or nil.
func (s *Store) Room() *model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	return s.room.Clone()
}

// Messages returns a copy of the full message list, deleted ones included.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// VisibleMessages filters out soft-deleted messages.
func (s *Store) VisibleMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !m.IsDeleted {
			out = append(out, m)
		}
	}
	return out
}

// Roster returns the known participants sorted by id.
func (s *Store) Roster() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.roster))
	for _, u := range s.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TypingUsers returns ids of users currently flagged as typing, sorted.
func (s *Store) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for id := range s.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateRoomInput is the validated shape of a new room.
type CreateRoomInput struct {
	Title      string
	Notice     string
	Visibility model.Visibility
	ChatType   model.ChatType
	AIProxy    model.AIProxyConfig
}

// CreateRoom persists a new room owned by this session's user. The owner
// is always the first participant.
func (s *Store) CreateRoom(ctx context.Context, in CreateRoomInput) (*model.Room, error) {
	defer logger.DeferLogDuration("session.CreateRoom", time.Now())()
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: empty title", ErrValidation)
	}
	if len([]rune(title)) > titleMaxLen {
		return nil, fmt.Errorf("%w: title too long", ErrValidation)
	}
	if len([]rune(in.Notice)) > model.NoticeMaxLen {
		return nil, fmt.Errorf("%w: notice too long", ErrValidation)
	}
	if in.Visibility != model.VisibilityPublic && in.Visibility != model.VisibilityPrivate {
		return nil, fmt.Errorf("%w: visibility %q", ErrValidation, in.Visibility)
	}
	if in.ChatType != model.ChatTypeOneToOne && in.ChatType != model.ChatTypeOneToMany {
		return nil, fmt.Errorf("%w: chat type %q", ErrValidation, in.ChatType)
	}
	in.AIProxy.Clamp()

	room := &model.Room{
		ID:           uuid.New().String(),
		OwnerID:      s.self.ID,
		Visibility:   in.Visibility,
		ChatType:     in.ChatType,
		Title:        title,
		Notice:       in.Notice,
		Participants: []string{s.self.ID},
		AIProxy:      in.AIProxy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.backing.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("session: create room: %w", err)
	}
	return room.Clone(), nil
}

// RoomList summarizes the rooms visible to this user: public rooms plus
// private rooms the user participates in, with the last visible message.
func (s *Store) RoomList(ctx context.Context) ([]model.RoomListItem, error) {
	defer logger.DeferLogDuration("session.RoomList", time.Now())()
	rooms, err := s.backing.ListRoomsFor(ctx, s.self.ID)
	if err != nil {
		return nil, fmt.Errorf("session: list rooms: %w", err)
	}
	items := make([]model.RoomListItem, 0, len(rooms))
	for i := range rooms {
		r := &rooms[i]
		item := model.RoomListItem{
			RoomID:           r.ID,
			Title:            r.Title,
			Visibility:       r.Visibility,
			ChatType:         r.ChatType,
			ParticipantCount: len(r.Participants),
			IsOwner:          r.OwnerID == s.self.ID,
			IsParticipant:    r.HasParticipant(s.self.ID),
		}
		msgs, err := s.backing.ListMessages(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("session: list messages for %s: %w", r.ID, err)
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
	return items, nil
}

// JoinPublicRoom adds this user to a public room's participant set.
// Joining a room the user is already in is a silent no-op.
func (s *Store) JoinPublicRoom(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("session.JoinPublicRoom", time.Now())()
	room, err := s.backing.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return fmt.Errorf("session: load room: %w", err)
	}
	if room.Visibility != model.VisibilityPublic {
		return fmt.Errorf("%w: room %s is private", ErrValidation, roomID)
	}
	if room.HasParticipant(s.self.ID) {
		return nil
	}
	if err := s.backing.AddParticipant(ctx, roomID, s.self.ID); err != nil {
		return fmt.Errorf("session: add participant: %w", err)
	}

	s.mu.Lock()
	if s.room != nil && s.room.ID == roomID {
		s.room.Participants = append(s.room.Participants, s.self.ID)
		s.roster[s.self.ID] = s.self
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// JoinRoom opens a room session: loads room, history and roster, then
// announces the join. Joining the already-open room is a no-op. A Leave
// issued while the load is in flight wins; the stale load is discarded.
func (s *Store) JoinRoom(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("session.JoinRoom", time.Now())()
	s.mu.Lock()
	if s.room != nil && s.room.ID == roomID {
		s.mu.Unlock()
		return nil
	}
	gen := s.joinGen
	s.mu.Unlock()

	room, err := s.backing.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return fmt.Errorf("session: load room: %w", err)
	}
	msgs, err := s.backing.ListMessages(ctx, roomID)
	if err != nil {
		return fmt.Errorf("session: load messages: %w", err)
	}
	users, err := s.backing.ListParticipants(ctx, roomID)
	if err != nil {
		return fmt.Errorf("session: load participants: %w", err)
	}

	s.mu.Lock()
	if s.joinGen != gen {
		// LeaveRoom raced the load.
		s.mu.Unlock()
		return nil
	}
	s.room = room
	s.messages = msgs
	s.roster = make(map[string]model.User, len(users))
	for _, u := range users {
		s.roster[u.ID] = u
	}
	s.stopTypingLocked()
	s.mu.Unlock()

	if err := s.emit(transport.EventJoinRoom, transport.RoomRef{RoomID: roomID}); err != nil {
		logger.Errorf("session: announce join: %v", err)
	}
	s.notify()
	return nil
}

// LeaveRoom tears the session down: clears room, messages, roster and
// typing state, and stops applying remote events for the old room. The
// remaining subscriptions filter on the active room id, so events for the
// left room are dropped synchronously from the caller's point of view.
func (s *Store) LeaveRoom() error {
	s.mu.Lock()
	room := s.room
	if room == nil {
		s.joinGen++ // cancels an in-flight join
		s.mu.Unlock()
		return nil
	}
	if !permission.CanLeaveRoom(&s.self, room) {
		s.mu.Unlock()
		return fmt.Errorf("%w: leave %s", permission.ErrDenied, room.ID)
	}
	roomID := room.ID
	s.joinGen++
	s.room = nil
	s.messages = nil
	s.roster = make(map[string]model.User)
	s.stopTypingLocked()
	s.mu.Unlock()

	if err := s.emit(transport.EventLeaveRoom, transport.RoomRef{RoomID: roomID}); err != nil {
		logger.Errorf("session: announce leave: %v", err)
	}
	s.notify()
	return nil
}

// SendMessage appends optimistically and hands the message to the
// transport. The local append is keyed by a generated message id; the
// server echo replaces it in place instead of duplicating. In simulated
// mode the append is also persisted, because no server will.
// A transport delivery failure is returned alongside the appended
// message; it is not retried and the local append stays.
func (s *Store) SendMessage(ctx context.Context, text string) (*model.Message, error) {
	defer logger.DeferLogDuration("session.SendMessage", time.Now())()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrValidation)
	}

	s.mu.Lock()
	room := s.room
	if room == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no room joined", ErrRoomNotFound)
	}
	if !permission.CanSendMessage(&s.self, room) {
		closed := room.IsClosed
		s.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("%w: %s", ErrRoomClosed, room.ID)
		}
		return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, s.self.ID, room.ID)
	}

	msg := model.Message{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		SenderID:  s.self.ID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	simulated := s.conn == nil || s.conn.IsSimulated()
	s.mu.Unlock()
	s.notify()

	if simulated {
		if err := s.backing.AppendMessage(ctx, &msg); err != nil {
			return &msg, fmt.Errorf("session: persist message: %w", err)
		}
	}
	if err := s.emit(transport.EventSendMessage, transport.SendMessagePayload{
		MsgID:    msg.ID,
		RoomID:   msg.RoomID,
		SenderID: msg.SenderID,
		Text:     msg.Text,
	}); err != nil {
		return &msg, fmt.Errorf("session: deliver message: %w", err)
	}
	return &msg, nil
}

// StartTyping announces that this user is typing. The flag is not
// mirrored into the local typing set; a user does not see their own
// indicator.
func (s *Store) StartTyping() {
	s.emitTyping(transport.EventTypingStart)
}

// StopTyping announces that this user stopped typing.
func (s *Store) StopTyping() {
	s.emitTyping(transport.EventTypingStop)
}

func (s *Store) emitTyping(ev transport.EventType) {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return
	}
	if err := s.emit(ev, transport.TypingPayload{RoomID: room.ID, UserID: s.self.ID}); err != nil {
		logger.Errorf("session: emit %s: %v", ev, err)
	}
}

// SetTyping flips a user's typing flag in the local set. Setting an
// already-set flag refreshes its debounce timer; the flag auto-clears
// after the TTL so a lost typing_stop cannot wedge the indicator.
func (s *Store) SetTyping(userID string, isTyping bool) {
	s.mu.Lock()
	changed := false
	if isTyping {
		if tmr, ok := s.typing[userID]; ok {
			tmr.Reset(s.typingTTL)
		} else {
			s.typing[userID] = time.AfterFunc(s.typingTTL, func() {
				s.SetTyping(userID, false)
			})
			changed = true
		}
	} else {
		if tmr, ok := s.typing[userID]; ok {
			tmr.Stop()
			delete(s.typing, userID)
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// --- moderation, delegated to the shared pipeline with a local refresh ---

// UpdateNotice runs the moderation pipeline and refreshes the session if
// the target room is the open one.
func (s *Store) UpdateNotice(ctx context.Context, roomID, notice string) (*model.ModerationAction, error) {
	act, err := s.mod.UpdateNotice(ctx, roomID, notice, &s.self)
	if act != nil {
		s.refresh(ctx, roomID, false)
	}
	return act, err
}

func (s *Store) KickUser(ctx context.Context, roomID string, target *model.User, reason string) (*model.ModerationAction, error) {
	act, err := s.mod.KickUser(ctx, roomID, target, reason, &s.self)
	if act != nil {
		s.refresh(ctx, roomID, false)
	}
	return act, err
}

func (s *Store) CloseRoom(ctx context.Context, roomID, reason string) (*model.ModerationAction, error) {
	act, err := s.mod.CloseRoom(ctx, roomID, reason, &s.self)
	if act != nil {
		s.refresh(ctx, roomID, false)
	}
	return act, err
}

func (s *Store) ReopenRoom(ctx context.Context, roomID string) (*model.ModerationAction, error) {
	act, err := s.mod.ReopenRoom(ctx, roomID, &s.self)
	if act != nil {
		s.refresh(ctx, roomID, false)
	}
	return act, err
}

func (s *Store) ClearAllMessages(ctx context.Context, roomID string) (*model.ModerationAction, error) {
	act, err := s.mod.ClearAllMessages(ctx, roomID, &s.self)
	if act != nil {
		s.refresh(ctx, roomID, true)
	}
	return act, err
}

// ModerationLog returns the room's audit trail.
func (s *Store) ModerationLog(ctx context.Context, roomID string) ([]model.ModerationAction, error) {
	return s.mod.Log(ctx, roomID)
}

// refresh reloads room (and optionally messages) from the backing store
// when roomID is the open room. A moderation op already committed; a
// refresh failure only leaves the local view stale, so it is logged.
func (s *Store) refresh(ctx context.Context, roomID string, withMessages bool) {
	s.mu.Lock()
	current := s.room != nil && s.room.ID == roomID
	s.mu.Unlock()
	if !current {
		return
	}

	room, err := s.backing.GetRoom(ctx, roomID)
	if err != nil {
		logger.Errorf("session: refresh room: %v", err)
		return
	}
	var msgs []model.Message
	if withMessages {
		if msgs, err = s.backing.ListMessages(ctx, roomID); err != nil {
			logger.Errorf("session: refresh messages: %v", err)
			return
		}
	}

	s.mu.Lock()
	if s.room == nil || s.room.ID != roomID {
		s.mu.Unlock()
		return
	}
	s.room = room
	for id := range s.roster {
		if !room.HasParticipant(id) {
			delete(s.roster, id)
		}
	}
	if withMessages {
		s.messages = msgs
	}
	s.mu.Unlock()
	s.notify()
}

// --- remote event handlers ---

// attachRemote subscribes the inbound handlers. Called on every entry
// into Connected; the flag keeps reconnects from double-subscribing.
func (s *Store) attachRemote(t transport.Transport) {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return
	}
	s.attached = true
	s.mu.Unlock()

	t.Subscribe(transport.EventMessageReceived, s.handleMessageReceived)
	t.Subscribe(transport.EventUserJoined, s.handleUserJoined)
	t.Subscribe(transport.EventUserLeft, s.handleUserLeft)
	t.Subscribe(transport.EventTypingStatus, s.handleTypingStatus)
	t.Subscribe(transport.EventRoomUpdated, s.handleRoomUpdated)
	t.Subscribe(transport.EventError, func(raw json.RawMessage) {
		var p transport.ErrorPayload
		if err := json.Unmarshal(raw, &p); err == nil {
			logger.Errorf("session: server error: %s", p.Message)
		}
	})
}

// handleMessageReceived reconciles an inbound message against the local
// list: a matching id replaces the optimistic copy in place, anything
// else appends in arrival order.
func (s *Store) handleMessageReceived(raw json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Errorf("session: bad message_received payload: %v", err)
		return
	}
	s.mu.Lock()
	if s.room == nil || s.room.ID != m.RoomID {
		s.mu.Unlock()
		return
	}
	replaced := false
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		s.messages = append(s.messages, m)
	}
	sender := m.SenderID
	s.mu.Unlock()
	// A message implies the sender is done typing.
	s.SetTyping(sender, false)
	s.notify()
}

func (s *Store) handleUserJoined(raw json.RawMessage) {
	var p transport.UserEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Errorf("session: bad user_joined payload: %v", err)
		return
	}
	s.mu.Lock()
	if s.room == nil || s.room.ID != p.RoomID {
		s.mu.Unlock()
		return
	}
	s.roster[p.User.ID] = p.User
	if !s.room.HasParticipant(p.User.ID) {
		s.room.Participants = append(s.room.Participants, p.User.ID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) handleUserLeft(raw json.RawMessage) {
	var p transport.UserEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Errorf("session: bad user_left payload: %v", err)
		return
	}
	s.mu.Lock()
	if s.room == nil || s.room.ID != p.RoomID {
		s.mu.Unlock()
		return
	}
	delete(s.roster, p.User.ID)
	for i, id := range s.room.Participants {
		if id == p.User.ID {
			s.room.Participants = append(s.room.Participants[:i], s.room.Participants[i+1:]...)
			break
		}
	}
	if tmr, ok := s.typing[p.User.ID]; ok {
		tmr.Stop()
		delete(s.typing, p.User.ID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) handleTypingStatus(raw json.RawMessage) {
	var p transport.TypingStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Errorf("session: bad typing_status payload: %v", err)
		return
	}
	s.mu.Lock()
	match := s.room != nil && s.room.ID == p.RoomID && p.UserID != s.self.ID
	s.mu.Unlock()
	if match {
		s.SetTyping(p.UserID, p.IsTyping)
	}
}

// handleRoomUpdated swaps in the new room snapshot. Participants who
// dropped out of the set also drop out of the roster.
func (s *Store) handleRoomUpdated(raw json.RawMessage) {
	var room model.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		logger.Errorf("session: bad room_updated payload: %v", err)
		return
	}
	s.mu.Lock()
	if s.room == nil || s.room.ID != room.ID {
		s.mu.Unlock()
		return
	}
	s.room = &room
	for id := range s.roster {
		if !room.HasParticipant(id) {
			delete(s.roster, id)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) emit(ev transport.EventType, payload any) error {
	if s.conn == nil {
		return nil
	}
	t := s.conn.Active()
	if t == nil {
		return transport.ErrUnavailable
	}
	return t.Emit(ev, payload)
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Store) stopTypingLocked() {
	for id, tmr := range s.typing {
		tmr.Stop()
		delete(s.typing, id)
	}
}
