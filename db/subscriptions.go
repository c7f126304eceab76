package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pushpipe/aggregator/model"

	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// ActiveSubscriptions returns all of the user's push subscriptions that have
// not been revoked.
func ActiveSubscriptions(ctx context.Context, db *sql.DB, userID string) ([]*model.PushSubscription, error) {
	wrapMsg := "unable to list active push subscriptions"

	// Build the statement to select the active subscriptions.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id", "user_id", "workspace_id", "endpoint", "p256dh", "auth", "user_agent", "last_seen_at").
		From("push_subscriptions").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"revoked_at": nil}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement and scan the subscriptions.
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()
	var subscriptions []*model.PushSubscription
	for rows.Next() {
		var subscription model.PushSubscription
		err = rows.Scan(
			&subscription.ID,
			&subscription.UserID,
			&subscription.WorkspaceID,
			&subscription.Endpoint,
			&subscription.P256dh,
			&subscription.Auth,
			&subscription.UserAgent,
			&subscription.LastSeenAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		subscriptions = append(subscriptions, &subscription)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return subscriptions, nil
}

// SaveSubscription registers a push subscription for a user's device,
// refreshing the key material and last-seen time if an active subscription
// already exists for the same endpoint.
func SaveSubscription(ctx context.Context, db *sql.DB, subscription *model.PushSubscription) error {
	wrapMsg := "unable to save the push subscription"

	// Build the statement to insert or refresh the subscription.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert("push_subscriptions").
		Columns("id", "user_id", "workspace_id", "endpoint", "p256dh", "auth", "user_agent", "last_seen_at").
		Values(
			subscription.ID,
			subscription.UserID,
			subscription.WorkspaceID,
			subscription.Endpoint,
			subscription.P256dh,
			subscription.Auth,
			subscription.UserAgent,
			subscription.LastSeenAt).
		Suffix(`ON CONFLICT (user_id, endpoint) WHERE revoked_at IS NULL ` +
			`DO UPDATE SET p256dh = EXCLUDED.p256dh, ` +
			`auth = EXCLUDED.auth, ` +
			`user_agent = EXCLUDED.user_agent, ` +
			`last_seen_at = EXCLUDED.last_seen_at`).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the statement.
	_, err = db.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// RevokeSubscription soft-revokes a push subscription whose endpoint the
// transport has reported permanently gone. The row is retained for audit.
func RevokeSubscription(ctx context.Context, db *sql.DB, id string) error {
	wrapMsg := "unable to revoke the push subscription"

	// Build the statement to revoke the subscription.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("push_subscriptions").
		Set("revoked_at", time.Now()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"revoked_at": nil}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the statement.
	_, err = db.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}
