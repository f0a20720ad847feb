package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

func TestNonceRegistryClaimsOnce(t *testing.T) {
	r := NewNonceRegistry()
	ctx := context.Background()

	ok, err := r.Claim(ctx, "1:a:b:0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, "1:a:b:0")
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, _ := r.Claimed(ctx, "1:a:b:0")
	assert.True(t, claimed)
	claimed, _ = r.Claimed(ctx, "1:a:b:1")
	assert.False(t, claimed)
}

func TestLockManager(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "nonce:1", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "nonce:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release2, err := m.Acquire(ctx, "nonce:1", time.Minute)
	require.NoError(t, err)

	// A stale release must not free the new holder's lock.
	release()
	_, err = m.Acquire(ctx, "nonce:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	release2()
}

func TestLockExpires(t *testing.T) {
	m := NewLockManager()
	_, err := m.Acquire(context.Background(), "k", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Acquire(context.Background(), "k", time.Minute)
	assert.NoError(t, err)
}

func TestSignalBusJournal(t *testing.T) {
	b := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "ch", []byte(p)))
	}
	assert.Equal(t, []byte("a"), <-sub)

	recent, err := b.Recent(ctx, "ch", 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, recent)

	all, _ := b.Recent(ctx, "ch", 10)
	assert.Len(t, all, 3)

	cancel()
	assert.Eventually(t, func() bool {
		for range sub {
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestPermitInfoCache(t *testing.T) {
	c := NewPermitInfoCache()
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	_, err := c.GetPermitInfo(ctx, 8453, token)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	info := domain.TokenPermitInfo{Name: "USD Coin", Version: "2", DomainSeparator: common.HexToHash("0x01")}
	require.NoError(t, c.SetPermitInfo(ctx, 8453, token, info, 0))

	got, err := c.GetPermitInfo(ctx, 8453, token)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	_, err = c.GetPermitInfo(ctx, 1, token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiterWindow(t *testing.T) {
	r := NewRateLimiter(2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := r.Allow(ctx, "wallet", 2, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := r.Allow(ctx, "wallet", 2, time.Hour)
	assert.False(t, ok)

	ok, _ = r.Allow(ctx, "other", 2, time.Hour)
	assert.True(t, ok, "keys are independent")

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(waitCtx, "wallet"), context.DeadlineExceeded)
}
