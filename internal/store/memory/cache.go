package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// NonceRegistry is a process-local domain.NonceRegistry.
type NonceRegistry struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewNonceRegistry creates an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{claimed: make(map[string]struct{})}
}

func (r *NonceRegistry) Claim(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[key]; ok {
		return false, nil
	}
	r.claimed[key] = struct{}{}
	return true, nil
}

func (r *NonceRegistry) Claimed(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claimed[key]
	return ok, nil
}

// LockManager is a process-local domain.LockManager. Acquire fails fast with
// ErrLockHeld when the key is taken and not yet expired.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	seq   uint64
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates a LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockEntry)}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e, ok := m.locks[key]; ok && now.Before(e.expires) {
		return nil, domain.Wrapf(domain.ErrLockHeld, "lock %s is held", key)
	}
	m.seq++
	token := m.seq
	m.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.locks[key]; ok && e.token == token {
			delete(m.locks, key)
		}
	}, nil
}

// SignalBus is an in-process domain.SignalBus. Slow subscribers drop
// messages rather than block publishers.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan []byte
	journal map[string][][]byte
}

const journalLen = 256

// NewSignalBus creates a SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[string][]chan []byte), journal: make(map[string][][]byte)}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := append(b.journal[channel], payload)
	if len(j) > journalLen {
		j = j[len(j)-journalLen:]
	}
	b.journal[channel] = j
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that is closed when ctx ends.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Recent returns up to n journaled payloads, oldest first.
func (b *SignalBus) Recent(_ context.Context, channel string, n int) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	j := b.journal[channel]
	if n < len(j) {
		j = j[len(j)-n:]
	}
	return append([][]byte(nil), j...), nil
}

// PermitInfoCache is a process-local domain.PermitInfoCache. TTLs are ignored.
type PermitInfoCache struct {
	mu    sync.RWMutex
	infos map[string]domain.TokenPermitInfo
}

func NewPermitInfoCache() *PermitInfoCache {
	return &PermitInfoCache{infos: make(map[string]domain.TokenPermitInfo)}
}

func permitKey(chainID int64, token common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, token.Hex())
}

func (c *PermitInfoCache) GetPermitInfo(_ context.Context, chainID int64, token common.Address) (domain.TokenPermitInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.infos[permitKey(chainID, token)]
	if !ok {
		return domain.TokenPermitInfo{}, domain.ErrNotFound
	}
	return info, nil
}

func (c *PermitInfoCache) SetPermitInfo(_ context.Context, chainID int64, token common.Address, info domain.TokenPermitInfo, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos[permitKey(chainID, token)] = info
	return nil
}

// RateLimiter is a process-local sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter creates a limiter whose Wait uses limit per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), limit: limit, window: window}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.hits[key] = kept
		return false, nil
	}
	r.hits[key] = append(kept, now)
	return true, nil
}

func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, err := r.Allow(ctx, key, r.limit, r.window)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.window / 10):
		}
	}
}

var (
	_ domain.NonceRegistry   = (*NonceRegistry)(nil)
	_ domain.LockManager     = (*LockManager)(nil)
	_ domain.SignalBus       = (*SignalBus)(nil)
	_ domain.EventJournal    = (*SignalBus)(nil)
	_ domain.PermitInfoCache = (*PermitInfoCache)(nil)
	_ domain.RateLimiter     = (*RateLimiter)(nil)
)
