package policy

import (
	"context"
	"testing"

	"github.com/pushpipe/aggregator/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// MockStore provides canned lookup results for the policy tests.
type MockStore struct {
	preference    model.ChannelPreference
	preferenceErr error
	members       map[string]bool
	membersErr    error
	unread        bool
	unreadErr     error

	preferenceLookups int
	accessLookups     int
	unreadLookups     int
}

func (s *MockStore) GetChannelPreference(_ context.Context, _ string, _ model.Channel) (model.ChannelPreference, error) {
	s.preferenceLookups++
	return s.preference, s.preferenceErr
}

func (s *MockStore) UserIDsWithSpaceAccess(_ context.Context, _ []string, _ string) (map[string]bool, error) {
	s.accessLookups++
	return s.members, s.membersErr
}

func (s *MockStore) IsUnreadForUser(_ context.Context, _, _ string) (bool, error) {
	s.unreadLookups++
	return s.unread, s.unreadErr
}

func enabledStore() *MockStore {
	return &MockStore{
		preference: model.ChannelPreference{Enabled: true, Frequency: model.FrequencyImmediate},
		members:    map[string]bool{"user-1": true},
		unread:     true,
	}
}

func TestShouldSend(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// A fully allowed request passes every check.
	store := enabledStore()
	allowed, err := New(store).ShouldSend(ctx, Request{
		Channel:        model.ChannelPush,
		UserID:         "user-1",
		NotificationID: "notif-1",
		ActorID:        "user-2",
		SpaceID:        "space-1",
	})
	assert.NoError(err)
	assert.True(allowed)
	assert.Equal(1, store.accessLookups)
	assert.Equal(1, store.unreadLookups)
}

func TestShouldSendOwnAction(t *testing.T) {
	assert := assert.New(t)

	// An actor is never notified about their own action, and the check
	// short-circuits before any lookup.
	store := enabledStore()
	allowed, err := New(store).ShouldSend(context.Background(), Request{
		Channel: model.ChannelPush,
		UserID:  "user-1",
		ActorID: "user-1",
	})
	assert.NoError(err)
	assert.False(allowed)
	assert.Zero(store.preferenceLookups)
	assert.Zero(store.accessLookups)
}

func TestShouldSendRevokedSpaceAccess(t *testing.T) {
	assert := assert.New(t)

	// A user whose space access was revoked after event creation is not
	// notified.
	store := enabledStore()
	store.members = map[string]bool{}
	allowed, err := New(store).ShouldSend(context.Background(), Request{
		Channel: model.ChannelPush,
		UserID:  "user-1",
		SpaceID: "space-1",
	})
	assert.NoError(err)
	assert.False(allowed)
	assert.Zero(store.preferenceLookups, "the preference lookup should be short-circuited")
}

func TestShouldSendChannelDisabled(t *testing.T) {
	assert := assert.New(t)

	store := enabledStore()
	store.preference = model.ChannelPreference{Enabled: false}
	allowed, err := New(store).ShouldSend(context.Background(), Request{
		Channel: model.ChannelPush,
		UserID:  "user-1",
	})
	assert.NoError(err)
	assert.False(allowed)
}

func TestShouldSendWithoutNotificationReference(t *testing.T) {
	assert := assert.New(t)

	// Without a notification reference the decision is a pure preference
	// check, so no read-state lookup happens.
	store := enabledStore()
	allowed, err := New(store).ShouldSend(context.Background(), Request{
		Channel: model.ChannelPush,
		UserID:  "user-1",
	})
	assert.NoError(err)
	assert.True(allowed)
	assert.Zero(store.unreadLookups)
}

func TestShouldSendReadNotification(t *testing.T) {
	assert := assert.New(t)

	// A notification read between creation and send time suppresses delivery.
	store := enabledStore()
	store.unread = false
	allowed, err := New(store).ShouldSend(context.Background(), Request{
		Channel:        model.ChannelPush,
		UserID:         "user-1",
		NotificationID: "notif-1",
	})
	assert.NoError(err)
	assert.False(allowed)
}

func TestShouldSendFailsClosed(t *testing.T) {
	assert := assert.New(t)

	// Any lookup failure propagates so that nothing is sent on uncertain
	// state.
	store := enabledStore()
	store.unreadErr = errors.New("the database is on fire")
	allowed, err := New(store).ShouldSend(context.Background(), Request{
		Channel:        model.ChannelPush,
		UserID:         "user-1",
		NotificationID: "notif-1",
	})
	assert.Error(err)
	assert.False(allowed)
}
