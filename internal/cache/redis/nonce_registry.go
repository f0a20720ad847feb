package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// NonceRegistry records consumed permit nonces. Keys never expire: a
// consumed (chain, token, owner, nonce) stays consumed.
type NonceRegistry struct {
	rdb *redis.Client
}

func NewNonceRegistry(c *Client) *NonceRegistry {
	return &NonceRegistry{rdb: c.Underlying()}
}

func nonceKey(key string) string {
	return keyPrefix + "nonce:" + key
}

// Claim reports true only for the first caller to claim key.
func (r *NonceRegistry) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, nonceKey(key), 1, 0).Result()
	if err != nil {
		return false, domain.External("redis claim nonce", fmt.Errorf("redis: claim nonce %s: %w", key, err))
	}
	return ok, nil
}

func (r *NonceRegistry) Claimed(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, nonceKey(key)).Result()
	if err != nil {
		return false, domain.External("redis nonce lookup", fmt.Errorf("redis: nonce %s: %w", key, err))
	}
	return n > 0, nil
}

var _ domain.NonceRegistry = (*NonceRegistry)(nil)
