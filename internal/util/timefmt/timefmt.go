// Package timefmt fixes the timestamp representations used across the
// audit trail and API payloads, so gateway and worker records sort and
// compare without per-caller layout strings.
package timefmt

import "time"

// ISO8601 is the wire layout: millisecond precision, always UTC, with a
// literal Z rather than a numeric offset.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format renders t in the wire layout.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Epoch returns t as fractional seconds since the Unix epoch. Audit
// records carry this next to the ISO form for numeric range queries
// over the JSONL trail.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
