package timeutils

import "time"

// Networks disagree on epoch units: some report seconds, some milliseconds.
// Anything below this threshold is interpreted as seconds. The cutoff sits in
// the year 2286 for seconds and 1970-04 for milliseconds, so no realistic
// message timestamp is ambiguous.
const millisecondThreshold = 10_000_000_000

// NormalizeEpoch converts a raw epoch value of unknown unit into a time.Time.
// A zero or negative value yields the zero time; callers are expected to
// substitute time.Now() when the network omitted the timestamp entirely.
func NormalizeEpoch(raw int64) time.Time {
	if raw <= 0 {
		return time.Time{}
	}
	if raw < millisecondThreshold {
		return time.Unix(raw, 0)
	}
	return time.UnixMilli(raw)
}

// EpochOrNow normalizes raw and falls back to now for absent values.
func EpochOrNow(raw int64) time.Time {
	t := NormalizeEpoch(raw)
	if t.IsZero() {
		return time.Now()
	}
	return t
}
