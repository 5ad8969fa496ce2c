// Package presence tracks which users currently hold at least one live
// connection. The rooms service uses it to skip push notifications for
// online users. Implementations: Redis (multi-instance) and Memory.
package presence

import "context"

type Store interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	Close() error
}
