package model

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is a user's chosen push delivery cadence. Anything other than
// FrequencyImmediate selects windowed aggregation.
type Frequency string

// The delivery frequencies that can be stored in a user's preferences.
const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "1h"
	FrequencyEvery3h   Frequency = "3h"
	FrequencyEvery6h   Frequency = "6h"
	FrequencyDaily     Frequency = "24h"
)

// ParseFrequency validates a stored frequency value, falling back to
// FrequencyImmediate for the empty string.
func ParseFrequency(value string) (Frequency, error) {
	switch Frequency(value) {
	case "":
		return FrequencyImmediate, nil
	case FrequencyImmediate, FrequencyHourly, FrequencyEvery3h, FrequencyEvery6h, FrequencyDaily:
		return Frequency(value), nil
	}
	return "", fmt.Errorf("unrecognized delivery frequency: `%s`", value)
}

// Interval returns the length of the aggregation window for the frequency.
// FrequencyImmediate has no window and returns zero.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyEvery3h:
		return 3 * time.Hour
	case FrequencyEvery6h:
		return 6 * time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	}
	return 0
}

// Window returns the aggregation window containing `now` for the frequency.
// The window key is derived from the frequency and the window start so that
// all events landing in the same bucket fold into the same job.
func (f Frequency) Window(now time.Time) Window {
	interval := f.Interval()
	start := now.UTC().Truncate(interval)
	return Window{
		Start: start,
		End:   start.Add(interval),
		Key:   fmt.Sprintf("%s:%s", f, start.Format(time.RFC3339)),
	}
}

// Window is a fixed-length time bucket into which events for the same user
// and page are folded before one delivery attempt.
type Window struct {
	Start time.Time
	End   time.Time
	Key   string
}

// ParseWindowKey recovers the window from its key. The key is split at the
// first colon only, since the RFC3339 window start contains colons itself.
func ParseWindowKey(key string) (Window, error) {
	prefix, startText, found := strings.Cut(key, ":")
	if !found {
		return Window{}, fmt.Errorf("malformed window key: `%s`", key)
	}
	frequency, err := ParseFrequency(prefix)
	if err != nil || frequency == FrequencyImmediate {
		return Window{}, fmt.Errorf("malformed window key: `%s`", key)
	}
	start, err := time.Parse(time.RFC3339, startText)
	if err != nil {
		return Window{}, fmt.Errorf("malformed window key: `%s`", key)
	}
	return Window{Start: start, End: start.Add(frequency.Interval()), Key: key}, nil
}
