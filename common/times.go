package common

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// millisecondTimestampRegexp matches timestamps that are already expressed as
// milliseconds since the epoch.
var millisecondTimestampRegexp = regexp.MustCompile(`^\d+$`)

// FormatTimestamp formats a timestamp as milliseconds since the epoch, which
// is the format used in event payloads on the wire.
func FormatTimestamp(timestamp time.Time) string {
	return strconv.FormatInt(timestamp.UnixNano()/int64(time.Millisecond), 10)
}

// FixTimestamp converts a timestamp that may be in RFC3339 format to
// milliseconds since the epoch. Timestamps that are already in the expected
// format are returned unmodified, as are empty timestamps.
func FixTimestamp(timestamp string) (string, error) {
	wrapMsg := fmt.Sprintf("unable to fix timestamp `%s`", timestamp)

	// Empty timestamps and timestamps that are already in the correct format
	// can be returned without modification.
	if timestamp == "" || millisecondTimestampRegexp.MatchString(timestamp) {
		return timestamp, nil
	}

	// Anything else has to be parseable as an RFC3339 timestamp.
	parsed, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return "", errors.Wrap(err, wrapMsg)
	}

	return FormatTimestamp(parsed), nil
}
