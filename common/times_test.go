package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// The reference timestamp used throughout these tests, at millisecond and
// second precision.
var (
	testTimestamp       = time.Unix(int64(1594336370), int64(706917000))
	testTimestampMillis = "1594336370706"
	testTimestampSecs   = "1594336370000"
)

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, testTimestampMillis, FormatTimestamp(testTimestamp))
}

func TestFixTimestampEmptyString(t *testing.T) {
	assert := assert.New(t)

	actual, err := FixTimestamp("")
	assert.NoError(err)
	assert.Equal("", actual)
}

func TestFixTimestampMillis(t *testing.T) {
	assert := assert.New(t)

	// A timestamp already in the wire format passes through unchanged.
	actual, err := FixTimestamp(testTimestampMillis)
	assert.NoError(err)
	assert.Equal(testTimestampMillis, actual)
}

func TestFixTimestampRFC3339(t *testing.T) {
	assert := assert.New(t)

	// RFC3339 only has second precision, so the milliseconds are zero.
	actual, err := FixTimestamp(testTimestamp.Format(time.RFC3339))
	assert.NoError(err)
	assert.Equal(testTimestampSecs, actual)
}

func TestFixTimestampRFC3339Nano(t *testing.T) {
	assert := assert.New(t)

	actual, err := FixTimestamp(testTimestamp.Format(time.RFC3339Nano))
	assert.NoError(err)
	assert.Equal(testTimestampMillis, actual)
}

func TestFixTimestampGarbage(t *testing.T) {
	_, err := FixTimestamp("half past ten")
	assert.Error(t, err)
}
