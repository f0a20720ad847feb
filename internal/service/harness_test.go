package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/executor"
	"github.com/alanyoungcy/gasrelay/internal/store/memory"
)

const (
	baseChain int64 = 8453
	arbChain  int64 = 42161
)

var (
	usdcBase   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	usdcArb    = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	permitTok  = common.HexToAddress("0x4200000000000000000000000000000000000042")
	fastRetry  = executor.Backoff{Attempts: 3, Base: time.Millisecond, Max: 4 * time.Millisecond}
	errBackend = errors.New("backend unavailable")
)

// usdc converts a human amount into 6-decimal base units.
func usdc(s string) *big.Int {
	v, err := domain.ParseUnits(s, 6)
	if err != nil {
		panic(err)
	}
	return v
}

// ---------------------------------------------------------------------------
// clock
// ---------------------------------------------------------------------------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---------------------------------------------------------------------------
// chain
// ---------------------------------------------------------------------------

type transfer struct {
	ChainID int64
	Token   common.Address
	To      common.Address
	Amount  *big.Int
}

// inbound is a mined token transfer the chain can attest to.
type inbound struct {
	ChainID  int64
	Token    common.Address
	From, To common.Address
	Amount   *big.Int
}

type fakeChain struct {
	mu            sync.Mutex
	info          map[common.Address]domain.TokenPermitInfo
	nonces        map[common.Address]*big.Int
	balances      map[common.Address]*big.Int
	mined         map[common.Hash]inbound
	transfers     []transfer
	failTransfers int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		info:     make(map[common.Address]domain.TokenPermitInfo),
		nonces:   make(map[common.Address]*big.Int),
		balances: make(map[common.Address]*big.Int),
		mined:    make(map[common.Hash]inbound),
	}
}

// Mine records a transfer and returns its hash.
func (c *fakeChain) Mine(in inbound) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := common.BigToHash(big.NewInt(int64(len(c.mined) + 1)))
	in.Amount = new(big.Int).Set(in.Amount)
	c.mined[hash] = in
	return hash
}

func (c *fakeChain) VerifyTransfer(_ context.Context, chainID int64, txHash common.Hash, token, from, to common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.mined[txHash]
	if !ok {
		return nil, domain.Wrapf(domain.ErrTransferUnverified, "transaction %s not mined", txHash.Hex())
	}
	if in.ChainID != chainID || in.Token != token || in.From != from || in.To != to {
		return nil, domain.Wrapf(domain.ErrTransferUnverified, "transaction %s has no matching transfer", txHash.Hex())
	}
	return new(big.Int).Set(in.Amount), nil
}

func (c *fakeChain) PermitInfo(_ context.Context, _ int64, token common.Address) (domain.TokenPermitInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.info[token]
	if !ok {
		return domain.TokenPermitInfo{}, domain.Wrapf(domain.ErrUnsupportedToken, "token %s has no permit", token.Hex())
	}
	return info, nil
}

func (c *fakeChain) Nonce(_ context.Context, _ int64, _, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return orZero(c.nonces[owner]), nil
}

func (c *fakeChain) BalanceOf(_ context.Context, _ int64, _, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return orZero(c.balances[owner]), nil
}

func (c *fakeChain) Transfer(_ context.Context, chainID int64, token, to common.Address, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTransfers > 0 {
		c.failTransfers--
		return "", errBackend
	}
	c.transfers = append(c.transfers, transfer{ChainID: chainID, Token: token, To: to, Amount: new(big.Int).Set(amount)})
	return fmt.Sprintf("0xtransfer%d", len(c.transfers)), nil
}

func (c *fakeChain) Transfers() []transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer(nil), c.transfers...)
}

// ---------------------------------------------------------------------------
// swap venue
// ---------------------------------------------------------------------------

type fakeVenue struct {
	mu           sync.Mutex
	quoteOut     *big.Int
	final        domain.SwapStatus
	pendingPolls int
	failQuotes   int
	failExecute  bool
	executed     int
	polls        int
}

func (v *fakeVenue) Quote(_ context.Context, req domain.SwapQuoteRequest) (domain.SwapQuote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failQuotes > 0 {
		v.failQuotes--
		return domain.SwapQuote{}, errBackend
	}
	return domain.SwapQuote{QuoteID: "q-1", AmountOut: new(big.Int).Set(v.quoteOut)}, nil
}

func (v *fakeVenue) Execute(_ context.Context, _ domain.SwapOrder) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failExecute {
		return "", errBackend
	}
	v.executed++
	return fmt.Sprintf("swap-%d", v.executed), nil
}

func (v *fakeVenue) Status(_ context.Context, swapID string) (domain.SwapStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.polls++
	if v.polls <= v.pendingPolls {
		return domain.SwapStatus{State: domain.SwapStatePending}, nil
	}
	st := v.final
	if st.TxHash == "" {
		st.TxHash = "0xtx-" + swapID
	}
	return st, nil
}

func (v *fakeVenue) Executed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.executed
}

// ---------------------------------------------------------------------------
// bridge
// ---------------------------------------------------------------------------

type fakeBridge struct {
	mu        sync.Mutex
	state     domain.BridgeState
	submitted int
	failNext  int
}

func (b *fakeBridge) Submit(_ context.Context, _ domain.BridgeTransfer) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return "", errBackend
	}
	b.submitted++
	return fmt.Sprintf("bridge-%d", b.submitted), nil
}

func (b *fakeBridge) Status(_ context.Context, _ string) (domain.BridgeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := domain.BridgeStatus{State: b.state}
	if b.state == domain.BridgeStateCompleted {
		st.DestTxHash = "0xdest"
	}
	if b.state == domain.BridgeStateFailed {
		st.Reason = "relay reverted"
	}
	return st, nil
}

func (b *fakeBridge) Submitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted
}

func (b *fakeBridge) Set(state domain.BridgeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

// ---------------------------------------------------------------------------
// staker
// ---------------------------------------------------------------------------

type fakeStaker struct {
	mu        sync.Mutex
	rewards   *big.Int
	principal *big.Int
	stakeErr  error
	stakes    int
	claims    int
}

func (s *fakeStaker) Stake(_ context.Context, req domain.StakeRequest) (domain.StakeReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stakeErr != nil {
		return domain.StakeReceipt{}, s.stakeErr
	}
	s.stakes++
	if s.principal == nil {
		s.principal = new(big.Int).Set(req.Amount)
	}
	return domain.StakeReceipt{StakeRef: fmt.Sprintf("stake-%d", s.stakes), TxHash: "0xstake"}, nil
}

func (s *fakeStaker) Rewards(_ context.Context, _ int64, _ string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return orZero(s.rewards), nil
}

func (s *fakeStaker) ClaimAndUnstake(_ context.Context, _ int64, _ string) (domain.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	return domain.ClaimResult{Rewards: orZero(s.rewards), Principal: orZero(s.principal), TxHash: "0xclaim"}, nil
}

func (s *fakeStaker) FailStakes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stakeErr = err
}

func (s *fakeStaker) Stakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stakes
}

func (s *fakeStaker) SetRewards(v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = v
}

func (s *fakeStaker) Claims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	t      *testing.T
	clock  *testClock
	db     *memory.DB
	nonces *memory.NonceRegistry
	bus    *memory.SignalBus
	chain  *fakeChain
	venue  *fakeVenue
	bridge *fakeBridge
	staker *fakeStaker

	queue    *executor.AccountQueue
	posQueue *executor.AccountQueue

	guard      *ReputationGuard
	ledger     *EscrowLedger
	validator  *PermitValidator
	swaps      *SwapOrchestrator
	coord      *BridgeStakeCoordinator
	finalizer  *SettlementFinalizer
	repayments *RepaymentService
	loans      *LoanService
	accruer    *RewardAccruer

	relayerKey *ecdsa.PrivateKey
	relayer    common.Address
	userKey    *ecdsa.PrivateKey
	user       common.Address
	acct       domain.AccountRef
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	relayerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	userKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		t:          t,
		clock:      newTestClock(),
		db:         memory.New(),
		nonces:     memory.NewNonceRegistry(),
		bus:        memory.NewSignalBus(),
		chain:      newFakeChain(),
		venue:      &fakeVenue{quoteOut: usdc("10"), final: domain.SwapStatus{State: domain.SwapStateConfirmed, AmountOut: usdc("10"), GasCost: usdc("0.5")}},
		bridge:     &fakeBridge{state: domain.BridgeStatePending},
		staker:     &fakeStaker{},
		queue:      executor.NewAccountQueue(time.Second, logger),
		posQueue:   executor.NewAccountQueue(time.Second, logger),
		relayerKey: relayerKey,
		relayer:    ethcrypto.PubkeyToAddress(relayerKey.PublicKey),
		userKey:    userKey,
		user:       ethcrypto.PubkeyToAddress(userKey.PublicKey),
	}
	h.acct = domain.AccountRef{ChainID: baseChain, Address: h.user}
	t.Cleanup(func() {
		_ = h.queue.Close(context.Background())
		_ = h.posQueue.Close(context.Background())
	})

	h.chain.info[permitTok] = domain.TokenPermitInfo{
		Name:            "Wrapped Gas Token",
		Version:         "1",
		DomainSeparator: crypto.DomainSeparator("Wrapped Gas Token", "1", baseChain, permitTok),
	}
	h.chain.balances[h.user] = big.NewInt(12_000_000)

	tokens := map[int64]common.Address{baseChain: usdcBase, arbChain: usdcArb}

	h.guard = NewReputationGuard(DefaultReputationPolicy())
	h.ledger = NewEscrowLedger(h.db.Escrow(), h.db.Accounts(), h.db.Transactions(), h.chain, h.guard, h.queue, LedgerConfig{
		RepaymentWindow:  30 * 24 * time.Hour,
		SettlementTokens: tokens,
		Transfer:         fastRetry,
		Relayer:          h.relayer,
	}, logger).WithEvents(h.bus, h.db.Audit()).WithClock(h.clock.Now)

	h.validator = NewPermitValidator(h.chain, PermitValidatorConfig{PermitTTL: 20 * time.Minute, Spender: h.relayer}, logger).
		WithClock(h.clock.Now)

	h.swaps = NewSwapOrchestrator(h.validator, h.venue, h.ledger, h.nonces, h.db.Loans(), h.db.Transactions(), h.relayer, SwapConfig{
		MaxSlippageBps:   100,
		SwapTimeout:      time.Second,
		PollInterval:     time.Millisecond,
		Retry:            fastRetry,
		Spender:          h.relayer,
		SettlementTokens: tokens,
	}, logger).WithEvents(h.bus, h.db.Audit()).WithClock(h.clock.Now)

	stakingCfg := StakingConfig{
		DiscountRate:       decimal.RequireFromString("0.05"),
		DefaultValidator:   "validator-1",
		DefaultDestChainID: arbChain,
		PollInterval:       time.Millisecond,
		BridgeTimeout:      2 * time.Second,
		LockPeriod:         7 * 24 * time.Hour,
		Retry:              fastRetry,
		SettlementTokens:   tokens,
	}
	h.coord = NewBridgeStakeCoordinator(h.db.Loans(), h.db.Staking(), h.db.Transactions(), h.bridge, h.staker, h.chain, h.ledger, h.relayer, stakingCfg, logger).
		WithEvents(h.bus, h.db.Audit()).WithClock(h.clock.Now)
	h.finalizer = NewSettlementFinalizer(h.db.Loans(), h.db.Staking(), h.db.Transactions(), h.staker, h.chain, h.ledger, h.posQueue, h.relayer, stakingCfg, logger).
		WithEvents(h.bus, h.db.Audit()).WithClock(h.clock.Now)
	h.repayments = NewRepaymentService(h.ledger, h.db.Repayments(), logger).WithClock(h.clock.Now)
	h.loans = NewLoanService(h.db.Loans(), h.db.Transactions(), h.db.Staking(), h.ledger, h.bus, logger)
	h.accruer = NewRewardAccruer(h.db.Staking(), h.staker, h.posQueue, time.Hour, logger)
	return h
}

func (h *harness) owner() domain.Caller { return domain.UserCaller(h.user) }
func (h *harness) relayerC() domain.Caller { return domain.RelayerCaller(h.relayer) }

// signedPermit returns a permit for nonce signed by the user's key.
func (h *harness) signedPermit(nonce int64, value *big.Int) (domain.PermitAuthorization, []byte) {
	h.t.Helper()
	p := domain.PermitAuthorization{
		ChainID:      baseChain,
		Token:        permitTok,
		TokenName:    "Wrapped Gas Token",
		TokenVersion: "1",
		Owner:        h.user,
		Spender:      h.relayer,
		Value:        value,
		Nonce:        big.NewInt(nonce),
		Deadline:     big.NewInt(h.clock.Now().Add(20 * time.Minute).Unix()),
	}
	sig, err := crypto.SignPermit(p, h.userKey)
	require.NoError(h.t, err)
	return p, sig
}

// fundedLoan runs a successful swap and returns its loan id.
func (h *harness) fundedLoan(nonce int64) string {
	h.t.Helper()
	p, sig := h.signedPermit(nonce, big.NewInt(12_000_000))
	res, err := h.swaps.ExecuteSwap(context.Background(), SwapRequest{
		Permit:    p,
		Signature: sig,
		Amount:    big.NewInt(12_000_000),
		FromToken: permitTok,
	})
	require.NoError(h.t, err)
	return res.LoanID
}

func (h *harness) status() domain.AccountStatus {
	h.t.Helper()
	st, err := h.ledger.Status(context.Background(), h.acct)
	require.NoError(h.t, err)
	return st
}

// payRelayer mines a settlement-token transfer from the user to the relayer
// on the user's chain.
func (h *harness) payRelayer(amount *big.Int) common.Hash {
	return h.chain.Mine(inbound{ChainID: baseChain, Token: usdcBase, From: h.user, To: h.relayer, Amount: amount})
}

// repay pays the relayer and applies the whole transfer to the debt.
func (h *harness) repay(amount *big.Int) RepayResult {
	h.t.Helper()
	res, err := h.ledger.RepayDebt(context.Background(), h.owner(), h.acct, h.payRelayer(amount), nil)
	require.NoError(h.t, err)
	return res
}

// deposit credits escrow directly as the relayer.
func (h *harness) deposit(amount, debt *big.Int, ref string) {
	h.t.Helper()
	_, err := h.ledger.Deposit(context.Background(), h.relayerC(), h.acct, amount, debt, ref)
	require.NoError(h.t, err)
}
