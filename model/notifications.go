package model

import "time"

// Channel identifies a delivery channel for user preferences.
type Channel string

// The delivery channels that preferences can be stored for.
const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// Notification is a reference to an in-app notification record. The pipeline
// reads its unread state but does not own its lifecycle.
type Notification struct {
	ID          string
	UserID      string
	WorkspaceID string
	PageID      string
	SpaceID     string
	Type        string
	ActorID     string
	ReadAt      *time.Time
}

// ChannelPreference is a user's stored preference for a single delivery
// channel, decoded from the stored settings blob at the database boundary.
type ChannelPreference struct {
	Enabled   bool
	Frequency Frequency
}

// DefaultChannelPreference returns the preference assumed for a user who has
// never stored a setting for the given channel.
func DefaultChannelPreference(channel Channel) ChannelPreference {
	switch channel {
	case ChannelPush:
		return ChannelPreference{Enabled: true, Frequency: FrequencyImmediate}
	default:
		return ChannelPreference{Enabled: false}
	}
}
