package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pushpipe/aggregator/model"

	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// storedChannelSetting is the wire form of a single channel's setting inside
// the user settings blob.
type storedChannelSetting struct {
	Enabled   *bool  `json:"enabled"`
	Frequency string `json:"frequency"`
}

// GetChannelPreference looks up a user's preference for a delivery channel.
// The stored settings blob is decoded and validated here at the database
// boundary; users with no stored setting get the channel's default.
func GetChannelPreference(ctx context.Context, db *sql.DB, userID string, channel model.Channel) (model.ChannelPreference, error) {
	wrapMsg := fmt.Sprintf("unable to look up the `%s` channel preference", channel)
	preference := model.DefaultChannelPreference(channel)

	// Build the statement to select the settings blob.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("settings").
		From("user_settings").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return preference, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement. A user with no settings row gets the default.
	var settingsJSON []byte
	err = db.QueryRowContext(ctx, statement, args...).Scan(&settingsJSON)
	if err == sql.ErrNoRows {
		return preference, nil
	}
	if err != nil {
		return preference, errors.Wrap(err, wrapMsg)
	}

	// Decode the settings blob and extract the channel's setting.
	var settings map[string]storedChannelSetting
	if err := json.Unmarshal(settingsJSON, &settings); err != nil {
		return preference, errors.Wrap(err, wrapMsg)
	}
	stored, ok := settings[string(channel)]
	if !ok {
		return preference, nil
	}

	// Validate the stored setting.
	if stored.Enabled != nil {
		preference.Enabled = *stored.Enabled
	}
	frequency, err := model.ParseFrequency(stored.Frequency)
	if err != nil {
		return preference, errors.Wrap(err, wrapMsg)
	}
	preference.Frequency = frequency

	return preference, nil
}
