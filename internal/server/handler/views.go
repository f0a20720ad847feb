package handler

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/service"
)

// All amounts on the wire are base-unit decimal strings.

func amountString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func optAmount(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

type accountView struct {
	Wallet         string `json:"wallet"`
	ChainID        int64  `json:"chainId"`
	EscrowedAmount string `json:"escrowedAmount"`
	// CollateralAmount is the legacy name of EscrowedAmount kept for
	// existing clients.
	CollateralAmount string  `json:"collateralAmount"`
	OutstandingDebt  string  `json:"outstandingDebt"`
	ReputationScore  int     `json:"reputationScore"`
	IsBlacklisted    bool    `json:"isBlacklisted"`
	BlacklistUntil   *string `json:"blacklistUntil,omitempty"`
	DebtDueAt        *string `json:"debtDueAt,omitempty"`
}

func newAccountView(st domain.AccountStatus) accountView {
	escrowed := amountString(st.EscrowedAmount)
	return accountView{
		Wallet:           st.Ref.Address.Hex(),
		ChainID:          st.Ref.ChainID,
		EscrowedAmount:   escrowed,
		CollateralAmount: escrowed,
		OutstandingDebt:  amountString(st.OutstandingDebt),
		ReputationScore:  st.ReputationScore,
		IsBlacklisted:    st.IsBlacklisted,
		BlacklistUntil:   optTime(st.BlacklistUntil),
		DebtDueAt:        optTime(st.DebtDueAt),
	}
}

type loanView struct {
	ID               string  `json:"id"`
	Account          string  `json:"account"`
	SourceToken      string  `json:"sourceToken"`
	SourceAmount     string  `json:"sourceAmount"`
	SettleToken      string  `json:"settleToken"`
	PermitNonce      string  `json:"permitNonce"`
	Status           string  `json:"status"`
	Proceeds         *string `json:"proceeds,omitempty"`
	GasCost          *string `json:"gasCost,omitempty"`
	ServiceFee       *string `json:"serviceFee,omitempty"`
	AmountOwed       *string `json:"amountOwed,omitempty"`
	DiscountApplied  bool    `json:"discountApplied"`
	FailureReason    string  `json:"failureReason,omitempty"`
	SettlementTxHash string  `json:"settlementTxHash,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
	CompletedAt      *string `json:"completedAt,omitempty"`
}

func newLoanView(l domain.Loan) loanView {
	return loanView{
		ID:               l.ID,
		Account:          l.Account.String(),
		SourceToken:      l.SourceToken.Hex(),
		SourceAmount:     amountString(l.SourceAmount),
		SettleToken:      l.SettleToken.Hex(),
		PermitNonce:      amountString(l.PermitNonce),
		Status:           string(l.Status),
		Proceeds:         optAmount(l.Proceeds),
		GasCost:          optAmount(l.GasCost),
		ServiceFee:       optAmount(l.ServiceFee),
		AmountOwed:       optAmount(l.AmountOwed),
		DiscountApplied:  l.DiscountApplied,
		FailureReason:    l.FailureReason,
		SettlementTxHash: l.SettlementTxHash,
		CreatedAt:        l.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        l.UpdatedAt.UTC().Format(time.RFC3339),
		CompletedAt:      optTime(l.CompletedAt),
	}
}

type positionView struct {
	ID                  string  `json:"id"`
	LoanID              string  `json:"loanId"`
	Account             string  `json:"account"`
	DestChainID         int64   `json:"destChainId"`
	Validator           string  `json:"validator"`
	BridgeID            string  `json:"bridgeId,omitempty"`
	StakeRef            string  `json:"stakeRef,omitempty"`
	StakedAmount        string  `json:"stakedAmount"`
	RewardsAccrued      string  `json:"rewardsAccrued"`
	Status              string  `json:"status"`
	LastUpdateTimestamp string  `json:"lastUpdateTimestamp"`
	StakedAt            *string `json:"stakedAt,omitempty"`
}

func newPositionView(p domain.StakingPosition) positionView {
	return positionView{
		ID:                  p.ID,
		LoanID:              p.LoanID,
		Account:             p.Account.String(),
		DestChainID:         p.DestChainID,
		Validator:           p.Validator,
		BridgeID:            p.BridgeID,
		StakeRef:            p.StakeRef,
		StakedAmount:        amountString(p.StakedAmount),
		RewardsAccrued:      amountString(p.RewardsAccrued),
		Status:              string(p.Status),
		LastUpdateTimestamp: p.LastUpdateTimestamp.UTC().Format(time.RFC3339),
		StakedAt:            optTime(p.StakedAt),
	}
}

type txView struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Amount    string         `json:"amount"`
	ChainID   int64          `json:"chainId"`
	TxHash    string         `json:"txHash,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func newTxView(t domain.TransactionRecord) txView {
	return txView{
		ID:        t.ID,
		Type:      string(t.Type),
		Status:    string(t.Status),
		Amount:    amountString(t.Amount),
		ChainID:   t.ChainID,
		TxHash:    t.TxHash,
		Detail:    t.Detail,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type loanDetailView struct {
	Loan         loanView      `json:"loan"`
	Transactions []txView      `json:"transactions"`
	Position     *positionView `json:"position,omitempty"`
}

func newLoanDetailView(v service.LoanView) loanDetailView {
	out := loanDetailView{Loan: newLoanView(v.Loan), Transactions: make([]txView, 0, len(v.Transactions))}
	for _, t := range v.Transactions {
		out.Transactions = append(out.Transactions, newTxView(t))
	}
	if v.Position != nil {
		pv := newPositionView(*v.Position)
		out.Position = &pv
	}
	return out
}

type ledgerEntryView struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	Ref          string `json:"ref,omitempty"`
	Amount       string `json:"amount"`
	EscrowBefore string `json:"escrowBefore"`
	EscrowAfter  string `json:"escrowAfter"`
	DebtBefore   string `json:"debtBefore"`
	DebtAfter    string `json:"debtAfter"`
	CreatedAt    string `json:"createdAt"`
}

func newLedgerEntryView(e domain.LedgerEntry) ledgerEntryView {
	return ledgerEntryView{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Ref:          e.Ref,
		Amount:       amountString(e.Amount),
		EscrowBefore: amountString(e.EscrowBefore),
		EscrowAfter:  amountString(e.EscrowAfter),
		DebtBefore:   amountString(e.DebtBefore),
		DebtAfter:    amountString(e.DebtAfter),
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
	}
}
