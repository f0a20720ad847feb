package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// PermitInfoCache stores token permit metadata as a hash at
// "gasrelay:permit:{chainID}:{token}" with fields name, version and separator.
type PermitInfoCache struct {
	rdb *redis.Client
}

func NewPermitInfoCache(c *Client) *PermitInfoCache {
	return &PermitInfoCache{rdb: c.Underlying()}
}

func permitKey(chainID int64, token common.Address) string {
	return keyPrefix + "permit:" + strconv.FormatInt(chainID, 10) + ":" + token.Hex()
}

func (pc *PermitInfoCache) SetPermitInfo(ctx context.Context, chainID int64, token common.Address, info domain.TokenPermitInfo, ttl time.Duration) error {
	key := permitKey(chainID, token)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"name":      info.Name,
		"version":   info.Version,
		"separator": info.DomainSeparator.Hex(),
	})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set permit info %s: %w", key, err)
	}
	return nil
}

// GetPermitInfo returns domain.ErrNotFound on a miss or a partial hash.
func (pc *PermitInfoCache) GetPermitInfo(ctx context.Context, chainID int64, token common.Address) (domain.TokenPermitInfo, error) {
	key := permitKey(chainID, token)
	vals, err := pc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.TokenPermitInfo{}, fmt.Errorf("redis: get permit info %s: %w", key, err)
	}
	name, okName := vals["name"]
	version, okVersion := vals["version"]
	sep, okSep := vals["separator"]
	if !okName || !okVersion || !okSep {
		return domain.TokenPermitInfo{}, domain.ErrNotFound
	}
	return domain.TokenPermitInfo{
		Name:            name,
		Version:         version,
		DomainSeparator: common.HexToHash(sep),
	}, nil
}

var _ domain.PermitInfoCache = (*PermitInfoCache)(nil)
