package model

// PushSubscription is a browser web-push subscription as delivered by the
// Push API (RFC 8030 endpoint plus client keys).
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}
