package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/notify"
	"github.com/alanyoungcy/gasrelay/internal/store/memory"
)

type nopArchiver struct{}

func (nopArchiver) ArchiveTransactions(context.Context, time.Time) (int64, error) { return 0, nil }
func (nopArchiver) ArchiveRepayments(context.Context, time.Time) (int64, error)   { return 0, nil }

func testApp(t *testing.T) (*App, *Dependencies) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage = "memory"
	cfg.Relayer.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	require.NoError(t, cfg.Validate())

	key, err := crypto.NewRelayerKey(cfg.Relayer.PrivateKey)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	db := memory.New()
	bus := memory.NewSignalBus()
	deps := &Dependencies{
		Accounts:     db.Accounts(),
		Escrow:       db.Escrow(),
		Loans:        db.Loans(),
		Transactions: db.Transactions(),
		Staking:      db.Staking(),
		Repayments:   db.Repayments(),
		Audit:        db.Audit(),
		Nonces:       memory.NewNonceRegistry(),
		RateLimiter:  memory.NewRateLimiter(0, 0),
		SignalBus:    bus,
		Journal:      bus,
		PermitCache:  memory.NewPermitInfoCache(),
		Relayer:      key,
		Notifier:     notify.NewNotifier(nil, nil, time.Minute, logger),
	}
	return New(&cfg, logger), deps
}

func TestNewServicesBuildsEveryService(t *testing.T) {
	a, deps := testApp(t)
	a.cfg.Relayer.SwapSpender = "0x1111111254EEB25477B68fb85Ed929f73A960582"

	svcs := NewServices(a.cfg, deps, a.logger)
	t.Cleanup(func() { _ = svcs.Close(context.Background()) })

	assert.NotNil(t, svcs.Guard)
	assert.NotNil(t, svcs.Permits)
	assert.NotNil(t, svcs.Ledger)
	assert.NotNil(t, svcs.Swaps)
	assert.NotNil(t, svcs.Staking)
	assert.NotNil(t, svcs.Finalizer)
	assert.NotNil(t, svcs.Accruer)
	assert.NotNil(t, svcs.Loans)
	assert.NotNil(t, svcs.Repayments)

	// Argument checks run before any chain read.
	_, err := svcs.Permits.PreparePermit(context.Background(),
		common.HexToAddress("0x00000000000000000000000000000000000a11ce"), common.Address{}, 8453)
	require.Error(t, err)
}

func TestPipelineRegistersArchiverOnlyWhenEnabled(t *testing.T) {
	a, deps := testApp(t)
	svcs := NewServices(a.cfg, deps, a.logger)
	t.Cleanup(func() { _ = svcs.Close(context.Background()) })

	orch, trigger := a.newPipeline(deps, svcs)
	assert.Equal(t, 4, orch.Len())
	assert.Nil(t, trigger)

	deps.Archiver = nopArchiver{}
	orch, trigger = a.newPipeline(deps, svcs)
	assert.Equal(t, 5, orch.Len())
	require.NotNil(t, trigger)
}

func TestSettlementTokensByChain(t *testing.T) {
	tokens := settlementTokens(config.Defaults().Chains)
	assert.Len(t, tokens, 2)
	assert.Equal(t, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), tokens[8453])
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	assert.EqualError(t, ignoreCanceled(assert.AnError), assert.AnError.Error())
}
