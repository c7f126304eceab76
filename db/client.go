package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pushpipe/aggregator/model"

	"github.com/pkg/errors"
)

// Client wraps a database handle with the operations the aggregation engine
// and delivery policy need, managing transactions where an operation requires
// one.
type Client struct {
	db *sql.DB
}

// NewClient creates a new database client.
func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

// UpsertPendingJob folds one event into the pending job for the job's
// (user, page, window) combination.
func (c *Client) UpsertPendingJob(ctx context.Context, job *model.AggregationJob) error {
	return c.inTransaction(ctx, "unable to upsert the pending job", func(tx *sql.Tx) error {
		return UpsertPendingJob(ctx, tx, job)
	})
}

// ClaimDueJobs claims up to `limit` due pending jobs, transitioning them to
// processing under a lock that excludes concurrent claimers.
func (c *Client) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.AggregationJob, error) {
	var jobs []*model.AggregationJob
	err := c.inTransaction(ctx, "unable to claim due jobs", func(tx *sql.Tx) error {
		var err error
		jobs, err = ClaimDueJobs(ctx, tx, now, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FinalizeJobs transitions claimed jobs out of processing: sent jobs record
// their send time, cancelled jobs are retained for audit, and retried jobs
// return to pending with an incremented attempt counter.
func (c *Client) FinalizeJobs(ctx context.Context, now time.Time, sentIDs, cancelledIDs, retryIDs []string) error {
	return c.inTransaction(ctx, "unable to finalize claimed jobs", func(tx *sql.Tx) error {
		if len(sentIDs) > 0 {
			if err := MarkJobsSent(ctx, tx, now, sentIDs); err != nil {
				return err
			}
		}
		if len(cancelledIDs) > 0 {
			if err := MarkJobsCancelled(ctx, tx, now, cancelledIDs); err != nil {
				return err
			}
		}
		if len(retryIDs) > 0 {
			if err := MarkJobsForRetry(ctx, tx, now, retryIDs); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChannelPreference looks up a user's preference for a delivery channel.
func (c *Client) GetChannelPreference(ctx context.Context, userID string, channel model.Channel) (model.ChannelPreference, error) {
	return GetChannelPreference(ctx, c.db, userID, channel)
}

// UserIDsWithSpaceAccess filters user IDs down to current members of a space.
func (c *Client) UserIDsWithSpaceAccess(ctx context.Context, userIDs []string, spaceID string) (map[string]bool, error) {
	return UserIDsWithSpaceAccess(ctx, c.db, userIDs, spaceID)
}

// IsUnreadForUser determines whether a notification is still unread.
func (c *Client) IsUnreadForUser(ctx context.Context, notificationID, userID string) (bool, error) {
	return IsUnreadForUser(ctx, c.db, notificationID, userID)
}

// CountUnreadByUserPageInWindow counts a user's unread notifications for a
// page within a window.
func (c *Client) CountUnreadByUserPageInWindow(ctx context.Context, userID, pageID string, windowStart, windowEnd time.Time) (int64, error) {
	return CountUnreadByUserPageInWindow(ctx, c.db, userID, pageID, windowStart, windowEnd)
}

// ActiveSubscriptions returns the user's push subscriptions that have not
// been revoked.
func (c *Client) ActiveSubscriptions(ctx context.Context, userID string) ([]*model.PushSubscription, error) {
	return ActiveSubscriptions(ctx, c.db, userID)
}

// SaveSubscription registers or refreshes a push subscription.
func (c *Client) SaveSubscription(ctx context.Context, subscription *model.PushSubscription) error {
	return SaveSubscription(ctx, c.db, subscription)
}

// RevokeSubscription soft-revokes a push subscription.
func (c *Client) RevokeSubscription(ctx context.Context, id string) error {
	return RevokeSubscription(ctx, c.db, id)
}

// inTransaction runs an operation inside a database transaction, rolling the
// transaction back if the operation fails.
func (c *Client) inTransaction(ctx context.Context, wrapMsg string, operation func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	defer func() { _ = tx.Rollback() }()

	if err := operation(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	return nil
}
