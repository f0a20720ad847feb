package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PermitAuthorization is an EIP-2612 permit as signed by the token owner.
type PermitAuthorization struct {
	ChainID      int64
	Token        common.Address
	TokenName    string
	TokenVersion string
	Owner        common.Address
	Spender      common.Address
	Value        *big.Int
	Nonce        *big.Int
	Deadline     *big.Int // unix seconds
}

// OwnerRef returns the permit owner as an account ref.
func (p PermitAuthorization) OwnerRef() AccountRef {
	return AccountRef{ChainID: p.ChainID, Address: p.Owner}
}

// Expired reports whether the deadline is before now.
func (p PermitAuthorization) Expired(now time.Time) bool {
	if p.Deadline == nil {
		return true
	}
	return p.Deadline.Cmp(big.NewInt(now.Unix())) < 0
}

// TokenPermitInfo is what a chain reports about a token's permit support.
type TokenPermitInfo struct {
	Name            string
	Version         string
	DomainSeparator common.Hash
}

// ChainClient reads token state and moves funds from the relayer's own
// account. It never signs on behalf of users.
type ChainClient interface {
	// PermitInfo fails with ErrUnsupportedToken when the token does not
	// expose nonces(address) and DOMAIN_SEPARATOR().
	PermitInfo(ctx context.Context, chainID int64, token common.Address) (TokenPermitInfo, error)
	Nonce(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error)
	// Transfer sends amount of token from the relayer to to and waits for the
	// receipt. It returns the transaction hash.
	Transfer(ctx context.Context, chainID int64, token, to common.Address, amount *big.Int) (string, error)
	// VerifyTransfer returns the amount of token that the mined transaction
	// txHash moved from from to to, summed over its Transfer logs. It fails
	// with ErrTransferUnverified when nothing matching moved.
	VerifyTransfer(ctx context.Context, chainID int64, txHash common.Hash, token, from, to common.Address) (*big.Int, error)
}

// SwapQuoteRequest asks the venue for an exact-in quote.
type SwapQuoteRequest struct {
	ChainID   int64
	FromToken common.Address
	ToToken   common.Address
	AmountIn  *big.Int
}

// SwapQuote is the venue's expected output for a quote request.
type SwapQuote struct {
	QuoteID   string
	AmountOut *big.Int
	ExpiresAt time.Time
}

// SwapOrder is a signed-permit swap submitted by the relayer.
type SwapOrder struct {
	Quote        SwapQuote
	Request      SwapQuoteRequest
	Permit       PermitAuthorization
	Signature    []byte
	MinAmountOut *big.Int
	Recipient    common.Address
}

// SwapState is the venue-reported lifecycle of a submitted swap.
type SwapState string

const (
	SwapStatePending   SwapState = "pending"
	SwapStateConfirmed SwapState = "confirmed"
	SwapStateFailed    SwapState = "failed"
)

// SwapStatus is a venue status report. AmountOut and GasCost are realized
// values in settlement-token units, set once the swap is confirmed.
type SwapStatus struct {
	State     SwapState
	TxHash    string
	AmountOut *big.Int
	GasCost   *big.Int
	Reason    string
}

// SwapVenue prices and executes permit-funded swaps.
type SwapVenue interface {
	Quote(ctx context.Context, req SwapQuoteRequest) (SwapQuote, error)
	// Execute submits the order and returns the venue's swap identifier.
	Execute(ctx context.Context, order SwapOrder) (string, error)
	Status(ctx context.Context, swapID string) (SwapStatus, error)
}

// BridgeTransfer moves relayer-held funds to a destination chain.
type BridgeTransfer struct {
	SourceChainID int64
	DestChainID   int64
	Token         common.Address
	Amount        *big.Int
	Recipient     common.Address
}

// BridgeState is the provider-reported transfer lifecycle.
type BridgeState string

const (
	BridgeStatePending   BridgeState = "pending"
	BridgeStateCompleted BridgeState = "completed"
	BridgeStateFailed    BridgeState = "failed"
)

// BridgeStatus is a provider status report.
type BridgeStatus struct {
	State      BridgeState
	DestTxHash string
	Reason     string
}

// BridgeProvider relays transfers between chains.
type BridgeProvider interface {
	Submit(ctx context.Context, t BridgeTransfer) (string, error)
	Status(ctx context.Context, bridgeID string) (BridgeStatus, error)
}

// StakeRequest delegates bridged funds to a validator.
type StakeRequest struct {
	ChainID   int64
	Validator string
	Amount    *big.Int
	Owner     common.Address
}

// StakeReceipt identifies a created stake.
type StakeReceipt struct {
	StakeRef string
	TxHash   string
}

// ClaimResult reports the outcome of claiming rewards and unstaking.
type ClaimResult struct {
	Rewards   *big.Int
	Principal *big.Int
	TxHash    string
}

// Staker manages delegated stakes on the destination chain.
type Staker interface {
	Stake(ctx context.Context, req StakeRequest) (StakeReceipt, error)
	Rewards(ctx context.Context, chainID int64, stakeRef string) (*big.Int, error)
	ClaimAndUnstake(ctx context.Context, chainID int64, stakeRef string) (ClaimResult, error)
}
