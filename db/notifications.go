package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// IsUnreadForUser determines whether a notification is still unread for the
// user it was created for.
func IsUnreadForUser(ctx context.Context, db *sql.DB, notificationID, userID string) (bool, error) {
	wrapMsg := "unable to look up the notification read state"
	var unread bool

	// Build the statement to check the read state.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("read_at IS NULL").
		From("notifications").
		Where(sq.Eq{"id": notificationID}).
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement. A missing notification counts as read so that
	// delivery fails closed.
	err = db.QueryRowContext(ctx, statement, args...).Scan(&unread)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	return unread, nil
}

// CountUnreadByUserPageInWindow counts the notifications for a user and page
// that were created within the given window and haven't been marked as read.
func CountUnreadByUserPageInWindow(
	ctx context.Context,
	db *sql.DB,
	userID, pageID string,
	windowStart, windowEnd time.Time,
) (int64, error) {
	wrapMsg := "unable to count unread notifications in the window"
	var total int64

	// Build the statement to count the unread notifications.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("count(*)").
		From("notifications").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"page_id": pageID}).
		Where(sq.Eq{"read_at": nil}).
		Where(sq.GtOrEq{"created_at": windowStart}).
		Where(sq.Lt{"created_at": windowEnd}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement.
	err = db.QueryRowContext(ctx, statement, args...).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return total, nil
}
