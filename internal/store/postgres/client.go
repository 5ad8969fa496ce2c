// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/store"
)

type Client struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) CreateRoom(ctx context.Context, r *model.Room) error {
	defer logger.DeferLogDuration("store.CreateRoom", time.Now())()
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.CreateRoom begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO rooms (id, owner_id, visibility, chat_type, title, notice, is_closed,
		                    ai_timeout_seconds, ai_keywords, ai_model_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.OwnerID, r.Visibility, r.ChatType, r.Title, r.Notice, r.IsClosed,
		r.AIProxy.TimeoutSeconds, r.AIProxy.Keywords, r.AIProxy.ModelID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.CreateRoom: %w", err)
	}
	for _, uid := range r.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			r.ID, uid,
		); err != nil {
			return fmt.Errorf("store.CreateRoom participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.CreateRoom commit: %w", err)
	}
	return nil
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	defer logger.DeferLogDuration("store.GetRoom", time.Now())()
	r := &model.Room{}
	err := c.pool.QueryRow(ctx,
		`SELECT id, owner_id, visibility, chat_type, title, COALESCE(notice,''), is_closed,
		        ai_timeout_seconds, ai_keywords, COALESCE(ai_model_id,''), created_at
		 FROM rooms WHERE id = $1`, roomID,
	).Scan(&r.ID, &r.OwnerID, &r.Visibility, &r.ChatType, &r.Title, &r.Notice, &r.IsClosed,
		&r.AIProxy.TimeoutSeconds, &r.AIProxy.Keywords, &r.AIProxy.ModelID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetRoom: %w", err)
	}
	rows, err := c.pool.Query(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store.GetRoom participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("store.GetRoom scan participant: %w", err)
		}
		r.Participants = append(r.Participants, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.GetRoom rows: %w", err)
	}
	return r, nil
}

func (c *Client) ListRoomsFor(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("store.ListRoomsFor", time.Now())()
	rows, err := c.pool.Query(ctx,
		`SELECT DISTINCT r.id FROM rooms r
		 LEFT JOIN room_participants rp ON rp.room_id = r.id
		 WHERE r.visibility = 'public' OR rp.user_id = $1
		 ORDER BY r.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.ListRoomsFor query: %w", err)
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store.ListRoomsFor scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListRoomsFor rows: %w", err)
	}

	out := make([]model.Room, 0, len(ids))
	for _, id := range ids {
		r, err := c.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (c *Client) SetNotice(ctx context.Context, roomID, notice string) error {
	defer logger.DeferLogDuration("store.SetNotice", time.Now())()
	tag, err := c.pool.Exec(ctx, `UPDATE rooms SET notice = $1 WHERE id = $2`, notice, roomID)
	if err != nil {
		return fmt.Errorf("store.SetNotice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) SetClosed(ctx context.Context, roomID string, closed bool) error {
	defer logger.DeferLogDuration("store.SetClosed", time.Now())()
	tag, err := c.pool.Exec(ctx, `UPDATE rooms SET is_closed = $1 WHERE id = $2`, closed, roomID)
	if err != nil {
		return fmt.Errorf("store.SetClosed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) AddParticipant(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("store.AddParticipant", time.Now())()
	_, err := c.pool.Exec(ctx,
		`INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("store.AddParticipant: %w", err)
	}
	return nil
}

func (c *Client) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("store.RemoveParticipant", time.Now())()
	_, err := c.pool.Exec(ctx,
		`DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("store.RemoveParticipant: %w", err)
	}
	return nil
}

func (c *Client) AppendMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("store.AppendMessage", time.Now())()
	_, err := c.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, text, created_at, is_deleted, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.RoomID, m.SenderID, m.Text, m.CreatedAt, m.IsDeleted, m.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("store.AppendMessage: %w", err)
	}
	return nil
}

func (c *Client) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("store.ListMessages", time.Now())()
	rows, err := c.pool.Query(ctx,
		`SELECT id, room_id, sender_id, text, created_at, is_deleted, deleted_at
		 FROM messages WHERE room_id = $1 ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store.ListMessages query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.CreatedAt, &m.IsDeleted, &m.DeletedAt); err != nil {
			return nil, fmt.Errorf("store.ListMessages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListMessages rows: %w", err)
	}
	return out, nil
}

func (c *Client) SoftDeleteMessages(ctx context.Context, roomID string, at time.Time) error {
	defer logger.DeferLogDuration("store.SoftDeleteMessages", time.Now())()
	_, err := c.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, deleted_at = $1 WHERE room_id = $2 AND NOT is_deleted`,
		at, roomID,
	)
	if err != nil {
		return fmt.Errorf("store.SoftDeleteMessages: %w", err)
	}
	return nil
}

func (c *Client) AppendAction(ctx context.Context, a *model.ModerationAction) error {
	defer logger.DeferLogDuration("store.AppendAction", time.Now())()
	_, err := c.pool.Exec(ctx,
		`INSERT INTO moderation_actions (id, room_id, type, target_user_id, old_value, new_value, reason, performed_by, performed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.RoomID, a.Type, a.TargetUserID, a.OldValue, a.NewValue, a.Reason, a.PerformedBy, a.PerformedAt,
	)
	if err != nil {
		return fmt.Errorf("store.AppendAction: %w", err)
	}
	return nil
}

func (c *Client) ListActions(ctx context.Context, roomID string) ([]model.ModerationAction, error) {
	defer logger.DeferLogDuration("store.ListActions", time.Now())()
	rows, err := c.pool.Query(ctx,
		`SELECT id, room_id, type, COALESCE(target_user_id,''), COALESCE(old_value,''),
		        COALESCE(new_value,''), COALESCE(reason,''), performed_by, performed_at
		 FROM moderation_actions WHERE room_id = $1 ORDER BY performed_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store.ListActions query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ModerationAction, 0, 16)
	for rows.Next() {
		var a model.ModerationAction
		if err := rows.Scan(&a.ID, &a.RoomID, &a.Type, &a.TargetUserID, &a.OldValue, &a.NewValue, &a.Reason, &a.PerformedBy, &a.PerformedAt); err != nil {
			return nil, fmt.Errorf("store.ListActions scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListActions rows: %w", err)
	}
	return out, nil
}

func (c *Client) SaveUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("store.SaveUser", time.Now())()
	_, err := c.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, email) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email`,
		u.ID, u.DisplayName, u.Email,
	)
	if err != nil {
		return fmt.Errorf("store.SaveUser: %w", err)
	}
	return nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*model.User, error) {
	defer logger.DeferLogDuration("store.GetUser", time.Now())()
	u := &model.User{}
	err := c.pool.QueryRow(ctx,
		`SELECT id, display_name, email FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.DisplayName, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetUser: %w", err)
	}
	return u, nil
}

func (c *Client) ListParticipants(ctx context.Context, roomID string) ([]model.User, error) {
	defer logger.DeferLogDuration("store.ListParticipants", time.Now())()
	rows, err := c.pool.Query(ctx,
		`SELECT rp.user_id, COALESCE(u.display_name,''), COALESCE(u.email,'')
		 FROM room_participants rp
		 LEFT JOIN users u ON u.id = rp.user_id
		 WHERE rp.room_id = $1
		 ORDER BY rp.joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store.ListParticipants query: %w", err)
	}
	defer rows.Close()

	out := make([]model.User, 0, 8)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email); err != nil {
			return nil, fmt.Errorf("store.ListParticipants scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListParticipants rows: %w", err)
	}
	return out, nil
}

func (c *Client) SaveSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	defer logger.DeferLogDuration("store.SaveSubscription", time.Now())()
	_, err := c.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		userID, sub.Endpoint, sub.P256dh, sub.Auth,
	)
	if err != nil {
		return fmt.Errorf("store.SaveSubscription: %w", err)
	}
	return nil
}

func (c *Client) ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	defer logger.DeferLogDuration("store.ListSubscriptions", time.Now())()
	rows, err := c.pool.Query(ctx,
		`SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.ListSubscriptions query: %w", err)
	}
	defer rows.Close()

	out := make([]model.PushSubscription, 0, 2)
	for rows.Next() {
		var s model.PushSubscription
		if err := rows.Scan(&s.Endpoint, &s.P256dh, &s.Auth); err != nil {
			return nil, fmt.Errorf("store.ListSubscriptions scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListSubscriptions rows: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	defer logger.DeferLogDuration("store.DeleteSubscription", time.Now())()
	_, err := c.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`, userID, endpoint)
	if err != nil {
		return fmt.Errorf("store.DeleteSubscription: %w", err)
	}
	return nil
}
