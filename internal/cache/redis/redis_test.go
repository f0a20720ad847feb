package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// newTestClient connects to GASRELAY_TEST_REDIS_ADDR or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("GASRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GASRELAY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	release, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release()
	release2, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	release2()
}

func TestRateLimiter(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c, 2, time.Minute)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(waitCtx, key), context.DeadlineExceeded)
}

func TestNonceRegistry(t *testing.T) {
	c := newTestClient(t)
	r := NewNonceRegistry(c)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	ok, err := r.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := r.Claimed(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)
	t.Cleanup(func() { c.Underlying().Del(context.Background(), nonceKey(key)) })
}

func TestSignalBusPublishSubscribeAndJournal(t *testing.T) {
	c := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel := "test:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), journalKey(channel)) })

	sub, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, channel, []byte("one")))
	require.NoError(t, bus.Publish(ctx, channel, []byte("two")))

	select {
	case msg := <-sub:
		assert.Equal(t, "one", string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	recent, err := bus.Recent(ctx, channel, 5)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, recent)
}

func TestPermitInfoCache(t *testing.T) {
	c := newTestClient(t)
	pc := NewPermitInfoCache(c)
	ctx := context.Background()
	token := common.BytesToAddress(uuid.New().NodeID())
	t.Cleanup(func() { c.Underlying().Del(context.Background(), permitKey(84532, token)) })

	_, err := pc.GetPermitInfo(ctx, 84532, token)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	info := domain.TokenPermitInfo{Name: "USDC", Version: "2", DomainSeparator: common.HexToHash("0xabc")}
	require.NoError(t, pc.SetPermitInfo(ctx, 84532, token, info, time.Hour))

	got, err := pc.GetPermitInfo(ctx, 84532, token)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("gasrelay:*"))
	assert.False(t, hasPattern("gasrelay:loans"))
}
