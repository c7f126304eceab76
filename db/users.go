package db

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

// UserIDsWithSpaceAccess filters the given user IDs down to the ones that are
// currently members of the space. Access may have been revoked between event
// creation and delivery time, so this is always resolved at delivery time.
func UserIDsWithSpaceAccess(ctx context.Context, db *sql.DB, userIDs []string, spaceID string) (map[string]bool, error) {
	wrapMsg := fmt.Sprintf("unable to look up space access for space `%s`", spaceID)
	accessible := make(map[string]bool)

	if len(userIDs) == 0 {
		return accessible, nil
	}

	// Build the statement to select the members.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("user_id").
		From("space_members").
		Where(sq.Eq{"space_id": spaceID}).
		Where(sq.Eq{"user_id": userIDs}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement and collect the member IDs.
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		accessible[userID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return accessible, nil
}
