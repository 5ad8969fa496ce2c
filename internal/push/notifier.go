// Package push sends Web Push notifications (VAPID) to stored browser
// subscriptions. The rooms service notifies room participants who have no
// live connection when a message arrives.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/store"
)

const notificationTTL = 30 // seconds, push service side

// Notifier sends pushes directly. A Notifier without VAPID keys is inert:
// subscriptions are still stored, nothing is sent.
type Notifier struct {
	store store.Store
	vapid *webpush.Options
}

// NewNotifier builds a notifier. keys may be nil to disable sending.
func NewNotifier(st store.Store, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{store: st}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		if subscriber == "" {
			subscriber = "roomchat-push"
		}
		n.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             notificationTTL,
		}
	}
	return n
}

// Enabled reports whether the notifier has keys to send with.
func (n *Notifier) Enabled() bool {
	return n != nil && n.vapid != nil
}

// PublicKey returns the VAPID public key browsers subscribe with, or ""
// when pushes are disabled.
func (n *Notifier) PublicKey() string {
	if !n.Enabled() {
		return ""
	}
	return n.vapid.VAPIDPublicKey
}

// Notify sends to every subscription of the user. Endpoints the push
// service reports as gone (404/410) are pruned.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !n.Enabled() {
		return
	}
	defer logger.DeferLogDuration("push.Notify", time.Now())()

	subs, err := n.store.ListSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: list subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	if err != nil {
		logger.Errorf("push: marshal payload: %v", err)
		return
	}

	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push: send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := n.store.DeleteSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push: prune stale subscription user=%s: %v", userID, err)
			}
		}
	}
}
