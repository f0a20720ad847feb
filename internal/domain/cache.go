package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NonceRegistry records consumed permit nonces. Claims are never released:
// a nonce that was used once stays used.
type NonceRegistry interface {
	// Claim returns true when key was not previously claimed.
	Claim(ctx context.Context, key string) (bool, error)
	Claimed(ctx context.Context, key string) (bool, error)
}

// SignalBus provides pub/sub fan-out of lifecycle events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PermitInfoCache remembers what a token reports about its permit domain.
// Name, version and separator are immutable for a deployed token.
type PermitInfoCache interface {
	// GetPermitInfo returns ErrNotFound on a miss.
	GetPermitInfo(ctx context.Context, chainID int64, token common.Address) (TokenPermitInfo, error)
	SetPermitInfo(ctx context.Context, chainID int64, token common.Address, info TokenPermitInfo, ttl time.Duration) error
}

// EventJournal replays recently published bus payloads.
type EventJournal interface {
	// Recent returns up to n payloads for channel, oldest first.
	Recent(ctx context.Context, channel string, n int) ([][]byte, error)
}
