package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/executor"
	"github.com/alanyoungcy/gasrelay/internal/metrics"
)

// orphanAfter is how long a PENDING position may lack a bridge id before
// Resume treats the submission as lost.
const orphanAfter = 5 * time.Minute

// StakingConfig configures BridgeStakeCoordinator and SettlementFinalizer.
type StakingConfig struct {
	DiscountRate       decimal.Decimal
	DefaultValidator   string
	DefaultDestChainID int64
	PollInterval       time.Duration
	PollTimeout        time.Duration
	BridgeTimeout      time.Duration
	LockPeriod         time.Duration
	Retry              executor.Backoff
	SettlementTokens   map[int64]common.Address
}

// BridgeStakeRequest opts a funded loan into bridge-and-stake. The wallet
// first sends the principal to the relayer in FundingTxHash; Amount, when
// set, must match that transfer.
type BridgeStakeRequest struct {
	LoanID        string
	FundingTxHash common.Hash
	Amount        *big.Int
	DestChainID   int64
	Validator     string
}

// BridgeStakeCoordinator bridges wallet-funded principal to the destination
// chain, stakes it and applies the debt discount once the bridge is
// confirmed. Tracking runs on background goroutines so callers never block on
// the bridge. Funds that cannot be staked are paid back to the owner.
type BridgeStakeCoordinator struct {
	loans     domain.LoanStore
	positions domain.StakingStore
	txs       domain.TransactionStore
	bridge    domain.BridgeProvider
	staker    domain.Staker
	chain     domain.ChainClient
	ledger    *EscrowLedger
	bus       domain.SignalBus
	audit     domain.AuditStore
	relayer   common.Address
	cfg       StakingConfig
	now       func() time.Time
	logger    *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	tracking map[string]struct{}
}

// NewBridgeStakeCoordinator creates a BridgeStakeCoordinator. relayer is the
// address that holds bridged funds and stakes them.
func NewBridgeStakeCoordinator(
	loans domain.LoanStore,
	positions domain.StakingStore,
	txs domain.TransactionStore,
	bridge domain.BridgeProvider,
	staker domain.Staker,
	chain domain.ChainClient,
	ledger *EscrowLedger,
	relayer common.Address,
	cfg StakingConfig,
	logger *slog.Logger,
) *BridgeStakeCoordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BridgeTimeout <= 0 {
		cfg.BridgeTimeout = 30 * time.Minute
	}
	return &BridgeStakeCoordinator{
		loans:     loans,
		positions: positions,
		txs:       txs,
		bridge:    bridge,
		staker:    staker,
		chain:     chain,
		ledger:    ledger,
		relayer:   relayer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "bridge_stake")),
		tracking:  make(map[string]struct{}),
	}
}

// WithEvents attaches the signal bus and audit log.
func (c *BridgeStakeCoordinator) WithEvents(bus domain.SignalBus, audit domain.AuditStore) *BridgeStakeCoordinator {
	c.bus = bus
	c.audit = audit
	return c
}

// WithClock overrides the time source.
func (c *BridgeStakeCoordinator) WithClock(now func() time.Time) *BridgeStakeCoordinator {
	c.now = now
	return c
}

// Start claims the wallet's funding transfer, submits the bridge transfer for
// a funded loan and returns the new PENDING position. The caller's ctx only
// covers submission; tracking continues in the background.
func (c *BridgeStakeCoordinator) Start(ctx context.Context, caller domain.Caller, req BridgeStakeRequest) (domain.StakingPosition, error) {
	if req.LoanID == "" {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrValidation, "loan id is required")
	}
	if req.FundingTxHash == (common.Hash{}) {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrValidation, "funding transfer is required")
	}
	if req.Amount != nil {
		if err := requirePositive("amount", req.Amount); err != nil {
			return domain.StakingPosition{}, err
		}
	}
	if req.DestChainID == 0 {
		req.DestChainID = c.cfg.DefaultDestChainID
	}
	if req.Validator == "" {
		req.Validator = c.cfg.DefaultValidator
	}
	if req.Validator == "" {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrValidation, "validator is required")
	}

	loan, err := c.loans.GetByID(ctx, req.LoanID)
	if err != nil {
		return domain.StakingPosition{}, fmt.Errorf("bridge_stake: get loan %s: %w", req.LoanID, err)
	}
	if !caller.IsRelayer() && !caller.Owns(loan.Account) {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrUnauthorized, "loan %s belongs to another account", loan.ID)
	}
	if loan.Status != domain.LoanProcessing || loan.AmountOwed == nil {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrInvalidTransition, "loan %s is %s, not funded", loan.ID, loan.Status)
	}
	if req.DestChainID == loan.Account.ChainID {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrValidation, "destination chain must differ from chain %d", loan.Account.ChainID)
	}
	token, ok := c.cfg.SettlementTokens[loan.Account.ChainID]
	if !ok {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrValidation, "chain %d has no settlement token", loan.Account.ChainID)
	}
	if _, ok := c.cfg.SettlementTokens[req.DestChainID]; !ok {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrValidation, "chain %d has no settlement token", req.DestChainID)
	}
	if existing, err := c.positions.GetByLoan(ctx, loan.ID); err == nil && existing.Status.Active() {
		return domain.StakingPosition{}, domain.Wrapf(domain.ErrAlreadyExists, "loan %s already has position %s", loan.ID, existing.ID)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.StakingPosition{}, fmt.Errorf("bridge_stake: get position: %w", err)
	}

	amount, err := c.ledger.ClaimStakeFunding(ctx, loan.Account, req.FundingTxHash, req.Amount, loan.ID)
	if err != nil {
		return domain.StakingPosition{}, err
	}

	// The relayer now holds the principal: every exit below either bridges
	// it or pays it back.
	ctx = context.WithoutCancel(ctx)
	now := c.now()
	pos := domain.StakingPosition{
		ID:                  uuid.NewString(),
		LoanID:              loan.ID,
		Account:             loan.Account,
		DestChainID:         req.DestChainID,
		Validator:           req.Validator,
		StakedAmount:        amount,
		RewardsAccrued:      new(big.Int),
		Status:              domain.StakingPending,
		LastUpdateTimestamp: now,
		CreatedAt:           now,
	}
	if err := c.positions.Create(ctx, pos); err != nil {
		pos.Status = domain.StakingFailed
		c.refund(ctx, pos, loan.Account.ChainID, "position not created: "+err.Error())
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.StakingPosition{}, domain.Wrapf(domain.ErrAlreadyExists, "loan %s already has an active position", loan.ID)
		}
		return domain.StakingPosition{}, fmt.Errorf("bridge_stake: create position: %w", err)
	}
	rec := domain.TransactionRecord{
		ID:      uuid.NewString(),
		LoanID:  loan.ID,
		Account: loan.Account,
		Type:    domain.TxBridge,
		Status:  domain.TxPending,
		Amount:  new(big.Int).Set(amount),
		ChainID: loan.Account.ChainID,
		Detail: map[string]any{
			"position_id":   pos.ID,
			"dest_chain_id": req.DestChainID,
			"funding_tx":    req.FundingTxHash.Hex(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.txs.Create(ctx, rec); err != nil {
		c.fail(ctx, pos, "", "create bridge record: "+err.Error())
		return domain.StakingPosition{}, fmt.Errorf("bridge_stake: create bridge record: %w", err)
	}

	var bridgeID string
	err = executor.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		id, err := c.bridge.Submit(ctx, domain.BridgeTransfer{
			SourceChainID: loan.Account.ChainID,
			DestChainID:   req.DestChainID,
			Token:         token,
			Amount:        amount,
			Recipient:     c.relayer,
		})
		if err != nil {
			return domain.External("bridge submit", err)
		}
		bridgeID = id
		return nil
	})
	if err != nil {
		c.fail(ctx, pos, rec.ID, err.Error())
		return domain.StakingPosition{}, err
	}

	pos.BridgeID = bridgeID
	pos.LastUpdateTimestamp = c.now()
	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.ErrorContext(ctx, "record bridge id failed",
			slog.String("position_id", pos.ID),
			slog.String("bridge_id", bridgeID),
			slog.String("error", err.Error()),
		)
	}

	publishEvent(ctx, c.bus, c.logger, domain.Event{
		Type:    domain.EventBridgeStarted,
		LoanID:  loan.ID,
		Account: loan.Account.String(),
		Detail:  map[string]any{"position_id": pos.ID, "bridge_id": bridgeID, "amount": amount.String()},
	})
	c.logger.InfoContext(ctx, "bridge submitted",
		slog.String("loan_id", loan.ID),
		slog.String("position_id", pos.ID),
		slog.String("bridge_id", bridgeID),
		slog.Int64("dest_chain_id", req.DestChainID),
	)

	c.spawn(ctx, pos)
	return pos, nil
}

// Status returns the most recent position for a loan.
func (c *BridgeStakeCoordinator) Status(ctx context.Context, loanID string) (domain.StakingPosition, error) {
	pos, err := c.positions.GetByLoan(ctx, loanID)
	if err != nil {
		return domain.StakingPosition{}, fmt.Errorf("bridge_stake: get position for loan %s: %w", loanID, err)
	}
	return pos, nil
}

// Resume picks up positions left unfinished, typically after a restart or
// a bridge that outlived its poll deadline. PENDING positions are tracked
// again, BRIDGED ones staked, REFUNDING ones paid back, and staked positions
// missing their discount get it. It returns the number of positions acted
// on.
func (c *BridgeStakeCoordinator) Resume(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []domain.StakingStatus{domain.StakingPending, domain.StakingBridged, domain.StakingRefunding} {
		list, err := c.positions.ListByStatus(ctx, status, domain.ListOpts{})
		if err != nil {
			return resumed, fmt.Errorf("bridge_stake: list %s: %w", status, err)
		}
		for _, pos := range list {
			if pos.Status == domain.StakingPending && pos.BridgeID == "" {
				// Start may still be submitting.
				if c.now().Sub(pos.LastUpdateTimestamp) < orphanAfter {
					continue
				}
				c.fail(ctx, pos, c.bridgeRecordID(ctx, pos), "bridge submission was not recorded")
				resumed++
				continue
			}
			if c.spawn(context.WithoutCancel(ctx), pos) {
				resumed++
			}
		}
	}

	for _, status := range []domain.StakingStatus{domain.StakingStaked, domain.StakingRewarding} {
		list, err := c.positions.ListByStatus(ctx, status, domain.ListOpts{})
		if err != nil {
			return resumed, fmt.Errorf("bridge_stake: list %s: %w", status, err)
		}
		for _, pos := range list {
			if c.isTracking(pos.ID) {
				continue
			}
			loan, err := c.loans.GetByID(ctx, pos.LoanID)
			if err != nil || loan.DiscountApplied {
				continue
			}
			if err := c.applyDiscount(ctx, pos); err == nil {
				resumed++
			}
		}
	}

	if resumed > 0 {
		c.logger.InfoContext(ctx, "bridge tracking resumed", slog.Int("positions", resumed))
	}
	return resumed, nil
}

// Wait blocks until all background tracking tasks have finished.
func (c *BridgeStakeCoordinator) Wait() {
	c.wg.Wait()
}

func (c *BridgeStakeCoordinator) isTracking(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracking[id]
	return ok
}

func (c *BridgeStakeCoordinator) spawn(ctx context.Context, pos domain.StakingPosition) bool {
	c.mu.Lock()
	if _, ok := c.tracking[pos.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.tracking[pos.ID] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.tracking, pos.ID)
			c.mu.Unlock()
			c.wg.Done()
		}()
		switch pos.Status {
		case domain.StakingPending:
			c.track(ctx, pos)
		case domain.StakingBridged:
			c.stake(ctx, pos)
		case domain.StakingRefunding:
			c.refund(ctx, pos, c.fundsChain(ctx, pos), pos.FailureReason)
		}
	}()
	return true
}

// track polls the bridge to a terminal state. A bridge that stays pending
// past the deadline is left PENDING for Resume: refunding it could pay the
// principal out twice.
func (c *BridgeStakeCoordinator) track(ctx context.Context, pos domain.StakingPosition) {
	recID := c.bridgeRecordID(ctx, pos)

	st, err := executor.Poll(ctx, executor.PollConfig{
		Interval:    c.cfg.PollInterval,
		PollTimeout: c.cfg.PollTimeout,
		Deadline:    c.cfg.BridgeTimeout,
		Backoff:     c.cfg.Retry,
	}, func(ctx context.Context) (domain.BridgeStatus, bool, error) {
		st, err := c.bridge.Status(ctx, pos.BridgeID)
		if err != nil {
			return domain.BridgeStatus{}, false, domain.External("bridge status", err)
		}
		return st, st.State != domain.BridgeStatePending, nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "bridge unresolved",
			slog.String("position_id", pos.ID),
			slog.String("bridge_id", pos.BridgeID),
			slog.String("error", err.Error()),
		)
		auditLog(ctx, c.audit, c.logger, "bridge_unresolved", map[string]any{
			"loan_id":     pos.LoanID,
			"position_id": pos.ID,
			"error":       err.Error(),
		})
		return
	}
	if st.State == domain.BridgeStateFailed {
		reason := st.Reason
		if reason == "" {
			reason = "bridge provider reported failure"
		}
		c.fail(ctx, pos, recID, reason)
		return
	}

	metrics.Bridges.WithLabelValues(string(domain.BridgeStateCompleted)).Inc()
	if recID != "" {
		if err := c.txs.UpdateStatus(ctx, recID, domain.TxCompleted, st.DestTxHash); err != nil {
			c.logger.WarnContext(ctx, "complete bridge record failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		}
	}
	pos.Status = domain.StakingBridged
	pos.LastUpdateTimestamp = c.now()
	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.ErrorContext(ctx, "mark position bridged failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	c.stake(ctx, pos)
}

// stake delegates bridged funds. Transient failures leave the position
// BRIDGED for Resume; a stake the pool refuses outright is paid back to the
// owner on the destination chain.
func (c *BridgeStakeCoordinator) stake(ctx context.Context, pos domain.StakingPosition) {
	var receipt domain.StakeReceipt
	err := executor.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		r, err := c.staker.Stake(ctx, domain.StakeRequest{
			ChainID:   pos.DestChainID,
			Validator: pos.Validator,
			Amount:    pos.StakedAmount,
			Owner:     c.relayer,
		})
		if err != nil {
			return domain.External("stake", err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindExternalService || errors.Is(err, domain.ErrUnconfirmed) {
			c.logger.ErrorContext(ctx, "stake failed, position stays bridged",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.fail(ctx, pos, "", "stake failed: "+err.Error())
		return
	}

	now := c.now()
	pos.Status = domain.StakingStaked
	pos.StakeRef = receipt.StakeRef
	pos.StakedAt = &now
	pos.LastUpdateTimestamp = now
	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.ErrorContext(ctx, "mark position staked failed",
			slog.String("position_id", pos.ID),
			slog.String("stake_ref", receipt.StakeRef),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := c.txs.Create(ctx, domain.TransactionRecord{
		ID:        uuid.NewString(),
		LoanID:    pos.LoanID,
		Account:   pos.Account,
		Type:      domain.TxStake,
		Status:    domain.TxCompleted,
		Amount:    pos.StakedAmount,
		ChainID:   pos.DestChainID,
		TxHash:    receipt.TxHash,
		Detail:    map[string]any{"position_id": pos.ID, "validator": pos.Validator},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		c.logger.WarnContext(ctx, "record stake failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
	}

	// A discount that fails here is applied by the next Resume.
	_ = c.applyDiscount(ctx, pos)

	publishEvent(ctx, c.bus, c.logger, domain.Event{
		Type:    domain.EventStaked,
		LoanID:  pos.LoanID,
		Account: pos.Account.String(),
		Detail:  map[string]any{"position_id": pos.ID, "validator": pos.Validator, "amount": pos.StakedAmount.String()},
	})
	c.logger.InfoContext(ctx, "position staked",
		slog.String("position_id", pos.ID),
		slog.String("loan_id", pos.LoanID),
		slog.String("stake_ref", pos.StakeRef),
	)
}

// applyDiscount books the staking discount. It only runs after a confirmed
// bridge completion and is idempotent on the bridge id.
func (c *BridgeStakeCoordinator) applyDiscount(ctx context.Context, pos domain.StakingPosition) error {
	ref := "bridge:" + pos.BridgeID
	attempts := c.cfg.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		res DiscountResult
		err error
	)
	for i := 0; i < attempts; i++ {
		res, err = c.ledger.ApplyDiscount(ctx, pos.Account, c.cfg.DiscountRate, ref)
		if err == nil || domain.KindOf(err) == domain.KindValidation || i == attempts-1 {
			break
		}
		time.Sleep(c.cfg.Retry.Delay(i))
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "apply staking discount failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	loan, err := c.loans.GetByID(ctx, pos.LoanID)
	if err != nil {
		c.logger.WarnContext(ctx, "load loan for discount failed", slog.String("loan_id", pos.LoanID), slog.String("error", err.Error()))
		return err
	}
	loan.DiscountApplied = true
	loan.UpdatedAt = c.now()
	if err := c.loans.Update(ctx, loan); err != nil {
		c.logger.WarnContext(ctx, "flag loan discount failed", slog.String("loan_id", loan.ID), slog.String("error", err.Error()))
		return err
	}
	auditLog(ctx, c.audit, c.logger, "staking_discount_applied", map[string]any{
		"loan_id":     loan.ID,
		"position_id": pos.ID,
		"debt_before": amountString(res.DebtBefore),
		"debt_after":  amountString(res.DebtAfter),
	})
	return nil
}

// fail retires a position without touching the ledger and pays its principal
// back to the owner on whichever chain the relayer holds it.
func (c *BridgeStakeCoordinator) fail(ctx context.Context, pos domain.StakingPosition, recID, reason string) {
	if recID != "" {
		if err := c.txs.UpdateStatus(ctx, recID, domain.TxFailed, ""); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			c.logger.WarnContext(ctx, "mark bridge record failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		}
	}
	chainID := c.fundsChain(ctx, pos)

	pos.Status = domain.StakingRefunding
	pos.FailureReason = reason
	pos.LastUpdateTimestamp = c.now()
	if err := c.positions.Update(ctx, pos); err != nil {
		c.logger.ErrorContext(ctx, "mark position refunding failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	metrics.Bridges.WithLabelValues(string(domain.BridgeStateFailed)).Inc()

	publishEvent(ctx, c.bus, c.logger, domain.Event{
		Type:    domain.EventBridgeFailed,
		LoanID:  pos.LoanID,
		Account: pos.Account.String(),
		Detail:  map[string]any{"position_id": pos.ID, "reason": reason},
	})
	auditLog(ctx, c.audit, c.logger, "bridge_failed", map[string]any{
		"loan_id":     pos.LoanID,
		"position_id": pos.ID,
		"reason":      reason,
	})
	c.logger.WarnContext(ctx, "bridge failed",
		slog.String("position_id", pos.ID),
		slog.String("loan_id", pos.LoanID),
		slog.String("reason", reason),
	)

	c.refund(ctx, pos, chainID, reason)
}

// refund pays the principal back to the owner on chainID and records a
// WITHDRAW. The position turns FAILED once the transfer lands; a failed
// transfer leaves it REFUNDING for Resume.
func (c *BridgeStakeCoordinator) refund(ctx context.Context, pos domain.StakingPosition, chainID int64, reason string) {
	if hash, ok := c.refunded(ctx, pos); ok {
		c.logger.WarnContext(ctx, "refund already paid", slog.String("position_id", pos.ID), slog.String("tx_hash", hash))
		if pos.Status != domain.StakingFailed {
			pos.Status = domain.StakingFailed
			pos.LastUpdateTimestamp = c.now()
			if err := c.positions.Update(ctx, pos); err != nil {
				c.logger.ErrorContext(ctx, "mark position failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
			}
		}
		return
	}

	token := c.cfg.SettlementTokens[chainID]
	var txHash string
	err := executor.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		h, err := c.chain.Transfer(ctx, chainID, token, pos.Account.Address, pos.StakedAmount)
		if err != nil {
			return domain.External("refund transfer", err)
		}
		txHash = h
		return nil
	})

	now := c.now()
	rec := domain.TransactionRecord{
		ID:        uuid.NewString(),
		LoanID:    pos.LoanID,
		Account:   pos.Account,
		Type:      domain.TxWithdraw,
		Status:    domain.TxCompleted,
		Amount:    new(big.Int).Set(pos.StakedAmount),
		ChainID:   chainID,
		TxHash:    txHash,
		Detail:    map[string]any{"position_id": pos.ID, "refund": true, "reason": reason},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err != nil {
		rec.Status = domain.TxFailed
		rec.Detail["error"] = err.Error()
	}
	if cerr := c.txs.Create(ctx, rec); cerr != nil {
		c.logger.WarnContext(ctx, "record refund failed", slog.String("position_id", pos.ID), slog.String("error", cerr.Error()))
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "refund failed, position stays refunding",
			slog.String("position_id", pos.ID),
			slog.Int64("chain_id", chainID),
			slog.String("amount", pos.StakedAmount.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if pos.Status != domain.StakingFailed {
		pos.Status = domain.StakingFailed
		pos.LastUpdateTimestamp = now
		if err := c.positions.Update(ctx, pos); err != nil {
			c.logger.ErrorContext(ctx, "mark position failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		}
	}
	publishEvent(ctx, c.bus, c.logger, domain.Event{
		Type:    domain.EventWithdrawn,
		LoanID:  pos.LoanID,
		Account: pos.Account.String(),
		Detail:  map[string]any{"position_id": pos.ID, "amount": pos.StakedAmount.String(), "tx_hash": txHash, "refund": true},
	})
	auditLog(ctx, c.audit, c.logger, "stake_refunded", map[string]any{
		"loan_id":     pos.LoanID,
		"position_id": pos.ID,
		"chain_id":    chainID,
		"amount":      pos.StakedAmount.String(),
		"tx_hash":     txHash,
	})
	c.logger.InfoContext(ctx, "principal refunded",
		slog.String("position_id", pos.ID),
		slog.Int64("chain_id", chainID),
		slog.String("amount", pos.StakedAmount.String()),
		slog.String("tx_hash", txHash),
	)
}

// refunded reports whether a completed refund is already on record.
func (c *BridgeStakeCoordinator) refunded(ctx context.Context, pos domain.StakingPosition) (string, bool) {
	recs, err := c.txs.ListByLoan(ctx, pos.LoanID)
	if err != nil {
		return "", false
	}
	for _, r := range recs {
		if r.Type == domain.TxWithdraw && r.Status == domain.TxCompleted && r.Detail["refund"] == true && r.Detail["position_id"] == pos.ID {
			return r.TxHash, true
		}
	}
	return "", false
}

// fundsChain is where the relayer holds a position's principal: the
// destination chain once its bridge completed, the source chain otherwise.
func (c *BridgeStakeCoordinator) fundsChain(ctx context.Context, pos domain.StakingPosition) int64 {
	recs, err := c.txs.ListByLoan(ctx, pos.LoanID)
	if err != nil {
		c.logger.WarnContext(ctx, "list loan records failed", slog.String("loan_id", pos.LoanID), slog.String("error", err.Error()))
	}
	for _, r := range recs {
		if r.Type == domain.TxBridge && r.Status == domain.TxCompleted && r.Detail["position_id"] == pos.ID {
			return pos.DestChainID
		}
	}
	if pos.Status == domain.StakingBridged {
		return pos.DestChainID
	}
	return pos.Account.ChainID
}

// bridgeRecordID finds the pending BRIDGE record of a position.
func (c *BridgeStakeCoordinator) bridgeRecordID(ctx context.Context, pos domain.StakingPosition) string {
	recs, err := c.txs.ListByLoan(ctx, pos.LoanID)
	if err != nil {
		c.logger.WarnContext(ctx, "list loan records failed", slog.String("loan_id", pos.LoanID), slog.String("error", err.Error()))
		return ""
	}
	for _, r := range recs {
		if r.Type == domain.TxBridge && r.Status == domain.TxPending && r.Detail["position_id"] == pos.ID {
			return r.ID
		}
	}
	return ""
}
