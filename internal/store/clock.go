package store

import "time"

// StampLayout is the wire timestamp format: UTC ISO-8601 with millisecond
// precision, e.g. "2026-01-05T02:04:52.557Z".
const StampLayout = "2006-01-02T15:04:05.000Z"

// NowStamp returns the current UTC time formatted with StampLayout.
func NowStamp() string {
	return time.Now().UTC().Format(StampLayout)
}

// ParseStamp parses a StampLayout timestamp. Accepts a trailing "Z" or a
// numeric offset.
func ParseStamp(ts string) (time.Time, error) {
	if t, err := time.Parse(StampLayout, ts); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, ts)
}
