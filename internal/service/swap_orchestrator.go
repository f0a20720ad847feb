package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/executor"
	"github.com/alanyoungcy/gasrelay/internal/metrics"
)

// SwapConfig configures SwapOrchestrator.
type SwapConfig struct {
	MaxSlippageBps int64
	ServiceFeeBps  int64
	// SwapTimeout bounds the wait for a terminal venue status after
	// submission.
	SwapTimeout  time.Duration
	PollInterval time.Duration
	Retry        executor.Backoff
	// Spender must match the permit's spender when set.
	Spender          common.Address
	SettlementTokens map[int64]common.Address
	// RateLimit caps swaps per owner per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// SwapRequest is a signed permit plus the swap it should fund.
type SwapRequest struct {
	Permit    domain.PermitAuthorization
	Signature []byte
	Amount    *big.Int
	FromToken common.Address
	ToToken   common.Address
}

// SwapResult is returned by ExecuteSwap, also alongside an error when the
// loan was created and then failed.
type SwapResult struct {
	LoanID        string
	Status        domain.LoanStatus
	TxHash        string
	Proceeds      *big.Int
	AmountOwed    *big.Int
	FailureReason string
}

// SwapOrchestrator turns a signed permit into a funded gas loan.
type SwapOrchestrator struct {
	validator *PermitValidator
	venue     domain.SwapVenue
	ledger    *EscrowLedger
	nonces    domain.NonceRegistry
	loans     domain.LoanStore
	txs       domain.TransactionStore
	limiter   domain.RateLimiter
	bus       domain.SignalBus
	audit     domain.AuditStore
	relayer   domain.Caller
	cfg       SwapConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewSwapOrchestrator creates a SwapOrchestrator. relayer is the relay's own
// address, used as the depositing caller.
func NewSwapOrchestrator(
	validator *PermitValidator,
	venue domain.SwapVenue,
	ledger *EscrowLedger,
	nonces domain.NonceRegistry,
	loans domain.LoanStore,
	txs domain.TransactionStore,
	relayer common.Address,
	cfg SwapConfig,
	logger *slog.Logger,
) *SwapOrchestrator {
	if cfg.SwapTimeout <= 0 {
		cfg.SwapTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &SwapOrchestrator{
		validator: validator,
		venue:     venue,
		ledger:    ledger,
		nonces:    nonces,
		loans:     loans,
		txs:       txs,
		relayer:   domain.RelayerCaller(relayer),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "swap_orchestrator")),
	}
}

// WithRateLimiter throttles swaps per owner.
func (o *SwapOrchestrator) WithRateLimiter(limiter domain.RateLimiter) *SwapOrchestrator {
	o.limiter = limiter
	return o
}

// WithEvents attaches the signal bus and audit log.
func (o *SwapOrchestrator) WithEvents(bus domain.SignalBus, audit domain.AuditStore) *SwapOrchestrator {
	o.bus = bus
	o.audit = audit
	return o
}

// WithClock overrides the time source.
func (o *SwapOrchestrator) WithClock(now func() time.Time) *SwapOrchestrator {
	o.now = now
	return o
}

// ExecuteSwap validates the permit, claims its nonce, swaps through the venue
// and deposits the proceeds. A nonce is consumed at most once: replays fail
// with ErrPermitReused and never create a second loan.
func (o *SwapOrchestrator) ExecuteSwap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	settle, err := o.validate(&req)
	if err != nil {
		return SwapResult{}, err
	}
	owner := req.Permit.OwnerRef()

	if err := o.validator.Verify(req.Permit, req.Signature, o.now()); err != nil {
		return SwapResult{}, err
	}
	status, err := o.ledger.Status(ctx, owner)
	if err != nil {
		return SwapResult{}, fmt.Errorf("swap_orchestrator: account status: %w", err)
	}
	if status.IsBlacklisted {
		return SwapResult{}, domain.Wrapf(domain.ErrBlacklisted, "account %s is blacklisted", owner)
	}
	if err := o.throttle(ctx, owner); err != nil {
		return SwapResult{}, err
	}

	key := domain.PermitKey(owner, req.Permit.Token, req.Permit.Nonce)
	claimed, err := o.nonces.Claim(ctx, key)
	if err != nil {
		return SwapResult{}, fmt.Errorf("swap_orchestrator: claim nonce: %w", err)
	}
	if !claimed {
		metrics.PermitRejections.WithLabelValues(domain.ErrPermitReused.Code).Inc()
		return SwapResult{}, domain.Wrapf(domain.ErrPermitReused, "permit %s already used", permitSummary(req.Permit))
	}

	now := o.now()
	loan := domain.Loan{
		ID:           uuid.NewString(),
		Account:      owner,
		SourceToken:  req.Permit.Token,
		SourceAmount: new(big.Int).Set(req.Amount),
		SettleToken:  settle,
		PermitNonce:  new(big.Int).Set(req.Permit.Nonce),
		Status:       domain.LoanPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.loans.Create(ctx, loan); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return SwapResult{}, domain.Wrapf(domain.ErrPermitReused, "permit %s already funded a loan", permitSummary(req.Permit))
		}
		return SwapResult{}, fmt.Errorf("swap_orchestrator: create loan: %w", err)
	}
	metrics.Loans.WithLabelValues(string(domain.LoanPending)).Inc()

	swapRec := domain.TransactionRecord{
		ID:        uuid.NewString(),
		LoanID:    loan.ID,
		Account:   owner,
		Type:      domain.TxSwap,
		Status:    domain.TxPending,
		Amount:    new(big.Int).Set(req.Amount),
		ChainID:   owner.ChainID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.txs.Create(ctx, swapRec); err != nil {
		return o.fail(ctx, loan, swapRec.ID, "", fmt.Errorf("swap_orchestrator: create swap record: %w", err))
	}
	publishEvent(ctx, o.bus, o.logger, domain.Event{Type: domain.EventLoanCreated, LoanID: loan.ID, Account: owner.String()})

	quoteReq := domain.SwapQuoteRequest{
		ChainID:   owner.ChainID,
		FromToken: req.FromToken,
		ToToken:   settle,
		AmountIn:  req.Amount,
	}
	var quote domain.SwapQuote
	err = executor.Retry(ctx, o.cfg.Retry, func(ctx context.Context) error {
		q, err := o.venue.Quote(ctx, quoteReq)
		if err != nil {
			return domain.External("swap quote", err)
		}
		quote = q
		return nil
	})
	if err != nil {
		return o.fail(ctx, loan, swapRec.ID, "", err)
	}
	minOut := minAmountOut(quote.AmountOut, o.cfg.MaxSlippageBps)

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, loan, swapRec.ID, "", err)
	}
	loan.Status = domain.LoanProcessing
	loan.UpdatedAt = o.now()
	if err := o.loans.Update(ctx, loan); err != nil {
		return o.fail(ctx, loan, swapRec.ID, "", fmt.Errorf("swap_orchestrator: mark processing: %w", err))
	}
	metrics.Loans.WithLabelValues(string(domain.LoanProcessing)).Inc()

	swapID, err := o.venue.Execute(ctx, domain.SwapOrder{
		Quote:        quote,
		Request:      quoteReq,
		Permit:       req.Permit,
		Signature:    req.Signature,
		MinAmountOut: minOut,
		Recipient:    o.relayer.Address,
	})
	if err != nil {
		return o.fail(ctx, loan, swapRec.ID, "", domain.External("swap execute", err))
	}

	// Submitted: the caller can no longer cancel.
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	st, err := executor.Poll(ctx, executor.PollConfig{
		Interval:    o.cfg.PollInterval,
		PollTimeout: o.cfg.PollInterval * 4,
		Deadline:    o.cfg.SwapTimeout,
		Backoff:     o.cfg.Retry,
	}, func(ctx context.Context) (domain.SwapStatus, bool, error) {
		st, err := o.venue.Status(ctx, swapID)
		if err != nil {
			return domain.SwapStatus{}, false, domain.External("swap status", err)
		}
		return st, st.State != domain.SwapStatePending, nil
	})
	if err != nil {
		metrics.SwapDuration.WithLabelValues("timeout").Observe(metrics.Since(started))
		return o.fail(ctx, loan, swapRec.ID, "", err)
	}
	if st.State == domain.SwapStateFailed {
		metrics.SwapDuration.WithLabelValues("failed").Observe(metrics.Since(started))
		return o.fail(ctx, loan, swapRec.ID, st.TxHash, domain.Wrapf(domain.ErrExternalService, "venue reported failure: %s", st.Reason))
	}
	metrics.SwapDuration.WithLabelValues("confirmed").Observe(metrics.Since(started))

	proceeds := orZero(st.AmountOut)
	if proceeds.Cmp(minOut) < 0 {
		return o.fail(ctx, loan, swapRec.ID, st.TxHash, domain.Wrapf(domain.ErrSlippageExceeded,
			"proceeds %s below minimum %s", proceeds, minOut))
	}
	gasCost := orZero(st.GasCost)
	fee := domain.BasisPoints(proceeds, o.cfg.ServiceFeeBps)
	owed := new(big.Int).Add(gasCost, fee)

	swapRef := st.TxHash
	if swapRef == "" {
		swapRef = swapID
	}
	if err := o.deposit(ctx, owner, proceeds, owed, swapRef); err != nil {
		o.logger.ErrorContext(ctx, "swap confirmed but escrow deposit failed",
			slog.String("loan_id", loan.ID),
			slog.String("swap_ref", swapRef),
			slog.String("proceeds", proceeds.String()),
			slog.String("error", err.Error()),
		)
		return o.fail(ctx, loan, swapRec.ID, st.TxHash, err)
	}

	o.completeRecord(ctx, swapRec.ID, st.TxHash)
	now = o.now()
	depositRec := domain.TransactionRecord{
		ID:        uuid.NewString(),
		LoanID:    loan.ID,
		Account:   owner,
		Type:      domain.TxDeposit,
		Status:    domain.TxCompleted,
		Amount:    proceeds,
		ChainID:   owner.ChainID,
		TxHash:    st.TxHash,
		Detail:    map[string]any{"debt": owed.String()},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.txs.Create(ctx, depositRec); err != nil {
		o.logger.WarnContext(ctx, "record deposit failed", slog.String("loan_id", loan.ID), slog.String("error", err.Error()))
	}

	loan.Proceeds = proceeds
	loan.GasCost = gasCost
	loan.ServiceFee = fee
	loan.AmountOwed = owed
	loan.SettlementTxHash = st.TxHash
	loan.UpdatedAt = now
	if err := o.loans.Update(ctx, loan); err != nil {
		o.logger.WarnContext(ctx, "update funded loan failed", slog.String("loan_id", loan.ID), slog.String("error", err.Error()))
	}

	publishEvent(ctx, o.bus, o.logger, domain.Event{
		Type:    domain.EventLoanFunded,
		LoanID:  loan.ID,
		Account: owner.String(),
		Detail: map[string]any{
			"proceeds":    proceeds.String(),
			"amount_owed": owed.String(),
			"tx_hash":     st.TxHash,
		},
	})
	auditLog(ctx, o.audit, o.logger, "loan_funded", map[string]any{
		"loan_id":     loan.ID,
		"account":     owner.String(),
		"proceeds":    proceeds.String(),
		"gas_cost":    gasCost.String(),
		"service_fee": fee.String(),
	})
	o.logger.InfoContext(ctx, "loan funded",
		slog.String("loan_id", loan.ID),
		slog.String("account", owner.String()),
		slog.String("proceeds", proceeds.String()),
		slog.String("amount_owed", owed.String()),
		slog.String("tx_hash", st.TxHash),
	)

	return SwapResult{
		LoanID:     loan.ID,
		Status:     loan.Status,
		TxHash:     st.TxHash,
		Proceeds:   proceeds,
		AmountOwed: owed,
	}, nil
}

func (o *SwapOrchestrator) validate(req *SwapRequest) (common.Address, error) {
	p := req.Permit
	if p.ChainID <= 0 || p.Owner == (common.Address{}) || p.Token == (common.Address{}) {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "permit chain, owner and token are required")
	}
	if p.Value == nil || p.Nonce == nil || p.Deadline == nil {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "permit value, nonce and deadline are required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "amount must be positive")
	}
	if req.Amount.Cmp(p.Value) > 0 {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "amount %s exceeds permitted value %s", req.Amount, p.Value)
	}
	if req.FromToken == (common.Address{}) {
		req.FromToken = p.Token
	}
	if req.FromToken != p.Token {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "from token %s does not match permit token %s", req.FromToken.Hex(), p.Token.Hex())
	}
	if o.cfg.Spender != (common.Address{}) && p.Spender != o.cfg.Spender {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "permit spender %s is not the relayer", p.Spender.Hex())
	}
	settle, ok := o.cfg.SettlementTokens[p.ChainID]
	if !ok {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "chain %d is not supported", p.ChainID)
	}
	if req.ToToken != (common.Address{}) && req.ToToken != settle {
		return common.Address{}, domain.Wrapf(domain.ErrValidation, "to token must be the settlement token %s", settle.Hex())
	}
	return settle, nil
}

func (o *SwapOrchestrator) throttle(ctx context.Context, owner domain.AccountRef) error {
	if o.limiter == nil || o.cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := o.limiter.Allow(ctx, "swaps:"+owner.String(), o.cfg.RateLimit, o.cfg.RateWindow)
	if err != nil {
		return fmt.Errorf("swap_orchestrator: rate limiter: %w", err)
	}
	if !ok {
		return domain.Wrapf(domain.ErrRateLimited, "too many swaps for %s", owner)
	}
	return nil
}

// deposit credits the ledger, retrying transient store failures. A duplicate
// means an earlier attempt already landed.
func (o *SwapOrchestrator) deposit(ctx context.Context, owner domain.AccountRef, proceeds, owed *big.Int, swapRef string) error {
	attempts := o.cfg.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		_, err = o.ledger.Deposit(ctx, o.relayer, owner, proceeds, owed, swapRef)
		if err == nil || errors.Is(err, domain.ErrDuplicateDeposit) {
			return nil
		}
		if k := domain.KindOf(err); k == domain.KindValidation || k == domain.KindUnauthorized {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(o.cfg.Retry.Delay(i)):
		}
	}
	return err
}

// fail marks the loan and its swap record FAILED. The ledger is never
// touched on this path.
func (o *SwapOrchestrator) fail(ctx context.Context, loan domain.Loan, swapRecID, txHash string, cause error) (SwapResult, error) {
	ctx = context.WithoutCancel(ctx)
	loan.Status = domain.LoanFailed
	loan.FailureReason = cause.Error()
	loan.UpdatedAt = o.now()
	if err := o.loans.Update(ctx, loan); err != nil {
		o.logger.ErrorContext(ctx, "mark loan failed",
			slog.String("loan_id", loan.ID),
			slog.String("error", err.Error()),
		)
	}
	if swapRecID != "" {
		if err := o.txs.UpdateStatus(ctx, swapRecID, domain.TxFailed, txHash); err != nil && !errors.Is(err, domain.ErrNotFound) {
			o.logger.WarnContext(ctx, "mark swap record failed",
				slog.String("loan_id", loan.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	metrics.Loans.WithLabelValues(string(domain.LoanFailed)).Inc()

	publishEvent(ctx, o.bus, o.logger, domain.Event{
		Type:    domain.EventLoanFailed,
		LoanID:  loan.ID,
		Account: loan.Account.String(),
		Detail:  map[string]any{"reason": loan.FailureReason, "code": domain.CodeOf(cause)},
	})
	auditLog(ctx, o.audit, o.logger, "loan_failed", map[string]any{
		"loan_id": loan.ID,
		"account": loan.Account.String(),
		"reason":  loan.FailureReason,
	})
	o.logger.WarnContext(ctx, "loan failed",
		slog.String("loan_id", loan.ID),
		slog.String("account", loan.Account.String()),
		slog.String("reason", loan.FailureReason),
	)

	return SwapResult{
		LoanID:        loan.ID,
		Status:        domain.LoanFailed,
		TxHash:        txHash,
		FailureReason: loan.FailureReason,
	}, cause
}

func (o *SwapOrchestrator) completeRecord(ctx context.Context, id, txHash string) {
	if err := o.txs.UpdateStatus(ctx, id, domain.TxCompleted, txHash); err != nil {
		o.logger.WarnContext(ctx, "complete transaction record failed",
			slog.String("record_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// minAmountOut applies the slippage tolerance: quote × (10000 − bps) / 10000.
func minAmountOut(quote *big.Int, slippageBps int64) *big.Int {
	if quote == nil {
		return new(big.Int)
	}
	if slippageBps < 0 {
		slippageBps = 0
	}
	if slippageBps > 10_000 {
		slippageBps = 10_000
	}
	out := new(big.Int).Mul(quote, big.NewInt(10_000-slippageBps))
	return out.Quo(out, big.NewInt(10_000))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
