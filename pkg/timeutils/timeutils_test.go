package timeutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEpoch_SecondsAndMillisAgree(t *testing.T) {
	// Same real-world instant expressed in both units must normalize equally.
	instant := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	fromSeconds := NormalizeEpoch(instant.Unix())
	fromMillis := NormalizeEpoch(instant.UnixMilli())

	require.True(t, fromSeconds.Equal(fromMillis))
	assert.True(t, fromSeconds.Equal(instant))
}

func TestNormalizeEpoch_Branches(t *testing.T) {
	tests := []struct {
		name string
		raw  int64
		want time.Time
	}{
		{"seconds below threshold", 1700000000, time.Unix(1700000000, 0)},
		{"millis above threshold", 1700000000000, time.UnixMilli(1700000000000)},
		{"just below threshold treated as seconds", 9_999_999_999, time.Unix(9_999_999_999, 0)},
		{"at threshold treated as millis", 10_000_000_000, time.UnixMilli(10_000_000_000)},
		{"zero yields zero time", 0, time.Time{}},
		{"negative yields zero time", -5, time.Time{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(NormalizeEpoch(tc.raw)))
		})
	}
}

func TestEpochOrNow_FallsBack(t *testing.T) {
	before := time.Now()
	got := EpochOrNow(0)
	assert.False(t, got.Before(before))

	fixed := EpochOrNow(1700000000)
	assert.Equal(t, time.Unix(1700000000, 0), fixed)
}
