package dedup

import (
	"context"
	"time"

	"github.com/omnibridge/omnibridge/infrastructure/valkey"
)

// ValkeyCache is the shared-instance twin of MemoryCache, for deployments
// running more than one gateway replica behind the same webhook URL.
type ValkeyCache struct {
	client *valkey.Client
	ttl    time.Duration
}

func NewValkeyCache(client *valkey.Client, ttl time.Duration) *ValkeyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ValkeyCache{client: client, ttl: ttl}
}

func (c *ValkeyCache) Seen(ctx context.Context, key string) (bool, error) {
	inner := c.client.Inner()
	cmd := inner.B().Exists().Key(c.client.Key("dedup", key)).Build()

	resp := inner.Do(ctx, cmd)
	n, err := resp.AsInt64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *ValkeyCache) Mark(ctx context.Context, key string) error {
	inner := c.client.Inner()
	cmd := inner.B().Set().
		Key(c.client.Key("dedup", key)).
		Value("1").
		Ex(c.ttl).
		Build()

	return inner.Do(ctx, cmd).Error()
}

// Close is a no-op; the wrapped client is shared and closed by its owner.
func (c *ValkeyCache) Close() {}
