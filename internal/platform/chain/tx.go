package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// ErrReverted marks a mined transaction with a failed status. Nothing moved,
// so the caller may retry.
var ErrReverted = errors.New("chain: transaction reverted")

// send signs a call to contract with the relayer key, broadcasts it and
// waits for the receipt.
func (c *Client) send(ctx context.Context, chainID int64, contract common.Address, data []byte) (*types.Receipt, error) {
	b, err := c.backend(chainID)
	if err != nil {
		return nil, err
	}

	tx, err := c.signAndBroadcast(ctx, chainID, b, contract, data)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "transaction sent",
		slog.Int64("chain_id", chainID),
		slog.String("to", contract.Hex()),
		slog.String("tx_hash", tx.Hash().Hex()),
	)

	receipt, err := c.waitReceipt(ctx, b, tx.Hash())
	if err != nil {
		// The transaction may still land. Report it without a retryable cause.
		c.logger.ErrorContext(ctx, "transaction unconfirmed",
			slog.Int64("chain_id", chainID),
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return nil, domain.Wrapf(domain.ErrUnconfirmed, "transaction %s unconfirmed: %v", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, domain.External("transaction "+tx.Hash().Hex(), ErrReverted)
	}
	return receipt, nil
}

func (c *Client) signAndBroadcast(ctx context.Context, chainID int64, b Backend, contract common.Address, data []byte) (*types.Transaction, error) {
	mu := c.sendMu[chainID]
	mu.Lock()
	defer mu.Unlock()

	from := c.key.Address()
	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, domain.External("pending nonce", err)
	}
	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, domain.External("suggest gas price", err)
	}
	gas, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data})
	if err != nil {
		if isRevert(err) {
			return nil, domain.External("estimate gas", fmt.Errorf("%w: %v", ErrReverted, err))
		}
		return nil, domain.External("estimate gas", err)
	}
	// 20% headroom over the estimate.
	gas += gas / 5

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), c.key.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return nil, domain.External("send transaction", err)
	}
	return signed, nil
}

func (c *Client) waitReceipt(ctx context.Context, b Backend, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := b.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.DebugContext(ctx, "receipt poll failed", slog.String("tx_hash", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
