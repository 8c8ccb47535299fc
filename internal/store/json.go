package store

import (
	"encoding/json"
	"time"
)

// Timestamps live in INTEGER columns as unix nanoseconds.
func fromNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// String slices live in TEXT columns as JSON arrays. Empty slices round-trip
// as "[]" so scans never see NULL.

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil
	}
	return ss
}
