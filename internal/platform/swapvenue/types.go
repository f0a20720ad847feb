package swapvenue

import (
	"strings"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/platform/httpapi"
)

// --------------------------------------------------------------------------
// Venue API DTOs
// --------------------------------------------------------------------------

type apiQuoteRequest struct {
	ChainID   int64          `json:"chainId"`
	FromToken string         `json:"fromToken"`
	ToToken   string         `json:"toToken"`
	AmountIn  httpapi.Amount `json:"amountIn"`
}

type apiQuote struct {
	QuoteID   string         `json:"quoteId"`
	AmountOut httpapi.Amount `json:"amountOut"`
	ExpiresAt int64          `json:"expiresAt"` // unix seconds
}

func (q apiQuote) toDomain() domain.SwapQuote {
	out := domain.SwapQuote{QuoteID: q.QuoteID, AmountOut: q.AmountOut.Big()}
	if q.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(q.ExpiresAt, 0).UTC()
	}
	return out
}

type apiPermit struct {
	Owner     string         `json:"owner"`
	Spender   string         `json:"spender"`
	Value     httpapi.Amount `json:"value"`
	Nonce     httpapi.Amount `json:"nonce"`
	Deadline  httpapi.Amount `json:"deadline"`
	Signature string         `json:"signature"`
}

type apiSwapRequest struct {
	QuoteID      string         `json:"quoteId"`
	ChainID      int64          `json:"chainId"`
	FromToken    string         `json:"fromToken"`
	ToToken      string         `json:"toToken"`
	AmountIn     httpapi.Amount `json:"amountIn"`
	MinAmountOut httpapi.Amount `json:"minAmountOut"`
	Recipient    string         `json:"recipient"`
	Permit       apiPermit      `json:"permit"`
}

type apiSwapAccepted struct {
	SwapID string `json:"swapId"`
}

type apiSwapStatus struct {
	Status    string         `json:"status"`
	TxHash    string         `json:"txHash"`
	AmountOut httpapi.Amount `json:"amountOut"`
	GasCost   httpapi.Amount `json:"gasCost"`
	Reason    string         `json:"reason,omitempty"`
}

// toDomain folds the venue's status vocabulary into the three lifecycle
// states. Unknown values are treated as still pending.
func (s apiSwapStatus) toDomain() domain.SwapStatus {
	out := domain.SwapStatus{TxHash: s.TxHash, Reason: s.Reason}
	switch strings.ToLower(s.Status) {
	case "confirmed", "success", "completed", "filled":
		out.State = domain.SwapStateConfirmed
		out.AmountOut = s.AmountOut.Big()
		out.GasCost = s.GasCost.Big()
	case "failed", "reverted", "expired", "cancelled":
		out.State = domain.SwapStateFailed
		if out.Reason == "" {
			out.Reason = s.Status
		}
	default:
		out.State = domain.SwapStatePending
	}
	return out
}
