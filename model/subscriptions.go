package model

import "time"

// PushSubscription represents one registered Web Push endpoint for a user's
// device. Exactly one active (RevokedAt == nil) row exists per
// (UserID, Endpoint); subscriptions are revoked, never deleted, when the
// transport reports the endpoint permanently gone.
type PushSubscription struct {
	ID          string
	UserID      string
	WorkspaceID string
	Endpoint    string
	P256dh      string
	Auth        string
	UserAgent   string
	LastSeenAt  time.Time
	RevokedAt   *time.Time
}
