package util

import (
	"fmt"
	"time"
)

// ISO8601 is the canonical wire format for document dates. Second
// precision: the date doubles as half of the content dedup key, so
// anything finer would break matching across nodes.
const ISO8601 = "2006-01-02T15:04:05Z"

const ISO8601_milli = "2006-01-02T15:04:05.000Z"

const ISO8601_numtz = "2006-01-02T15:04:05-07:00"

// FormatTimestamp renders t in the canonical wire format, truncated to
// seconds in UTC.
func FormatTimestamp(t time.Time) string {
	return TruncateToSecond(t).Format(ISO8601)
}

// TruncateToSecond normalizes t to the precision and zone used for dedup
// keys and wire dates.
func TruncateToSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// ParseTimestamp accepts the canonical second-precision format plus a few
// looser variants peers have been seen to emit. The result is normalized
// with TruncateToSecond.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{ISO8601, ISO8601_milli, ISO8601_numtz, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return TruncateToSecond(t), nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse %q as timestamp", s)
}
