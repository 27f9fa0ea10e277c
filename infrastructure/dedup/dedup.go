package dedup

import (
	"context"
	"time"
)

// Cache remembers recently seen inbound message keys so redelivered webhook
// events and replayed network frames are processed exactly once.
type Cache interface {
	// Seen reports whether key was observed within the retention window.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as observed. Kept separate from Seen so a caller
	// that fails to take ownership of a delivery (pool saturated, crash)
	// leaves the key unmarked and the network's redelivery gets through.
	Mark(ctx context.Context, key string) error
	Close()
}

// DefaultTTL bounds how long a key is remembered. Networks redeliver within
// minutes; an hour is comfortably past every observed redelivery horizon.
const DefaultTTL = time.Hour
