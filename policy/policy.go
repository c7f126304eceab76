// Package policy decides whether a notification should be delivered on a
// channel. It has no side effects: delivery denial is a silent no-op for the
// caller, and any lookup failure propagates so that nothing is sent on
// uncertain state.
package policy

import (
	"context"

	"github.com/pushpipe/aggregator/model"

	"github.com/pkg/errors"
)

// Store describes the lookups the policy consults.
type Store interface {
	GetChannelPreference(ctx context.Context, userID string, channel model.Channel) (model.ChannelPreference, error)
	UserIDsWithSpaceAccess(ctx context.Context, userIDs []string, spaceID string) (map[string]bool, error)
	IsUnreadForUser(ctx context.Context, notificationID, userID string) (bool, error)
}

// Request carries the context for a single delivery decision. Only Channel
// and UserID are required; the remaining fields widen the checks that apply.
type Request struct {
	Channel        model.Channel
	UserID         string
	NotificationID string
	PageID         string
	ActorID        string
	SpaceID        string
}

// Policy is the delivery decision function.
type Policy struct {
	store Store
}

// New creates a new delivery policy backed by the given store.
func New(store Store) *Policy {
	return &Policy{store: store}
}

// ShouldSend reports whether delivery should proceed for the request. The
// rules short-circuit in order: actors are never notified about their own
// actions, revoked space access suppresses delivery, the per-channel
// preference must be enabled, and a notification that has been read since it
// was created is not delivered. Without a notification reference the decision
// is a pure preference check.
func (p *Policy) ShouldSend(ctx context.Context, req Request) (bool, error) {
	wrapMsg := "unable to evaluate the delivery policy"

	// Never notify an actor about their own action.
	if req.ActorID != "" && req.ActorID == req.UserID {
		return false, nil
	}

	// Access may have been revoked between event creation and delivery time.
	if req.SpaceID != "" {
		accessible, err := p.store.UserIDsWithSpaceAccess(ctx, []string{req.UserID}, req.SpaceID)
		if err != nil {
			return false, errors.Wrap(err, wrapMsg)
		}
		if !accessible[req.UserID] {
			return false, nil
		}
	}

	// The channel has to be enabled for the user.
	preference, err := p.store.GetChannelPreference(ctx, req.UserID, req.Channel)
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	if !preference.Enabled {
		return false, nil
	}

	// Without a notification reference there is no read state to evaluate.
	if req.NotificationID == "" {
		return true, nil
	}

	// A notification read between creation and send time suppresses delivery.
	unread, err := p.store.IsUnreadForUser(ctx, req.NotificationID, req.UserID)
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	return unread, nil
}
