// Package chain talks to EVM nodes: token and permit reads, relayer-signed
// transfers, and the destination-chain staking pool.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// permitInfoTTL bounds how long a token's permit domain is cached.
const permitInfoTTL = 24 * time.Hour

// Backend is the subset of *ethclient.Client the relay uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client implements domain.ChainClient across every configured chain. All
// writes are signed with the relayer key.
type Client struct {
	backends    map[int64]Backend
	key         *crypto.RelayerKey
	cache       domain.PermitInfoCache
	receiptPoll time.Duration
	logger      *slog.Logger

	// sendMu serializes relayer sends per chain so pending nonces do not
	// collide.
	sendMu map[int64]*sync.Mutex
	closer []func()
}

var _ domain.ChainClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPermitCache caches PermitInfo results.
func WithPermitCache(c domain.PermitInfoCache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithReceiptPoll sets how often receipts are polled after a send.
func WithReceiptPoll(d time.Duration) Option {
	return func(cl *Client) { cl.receiptPoll = d }
}

// NewClient creates a Client over already-connected backends.
func NewClient(backends map[int64]Backend, key *crypto.RelayerKey, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		backends:    backends,
		key:         key,
		receiptPoll: 2 * time.Second,
		logger:      logger.With(slog.String("component", "chain")),
		sendMu:      make(map[int64]*sync.Mutex, len(backends)),
	}
	for id := range backends {
		c.sendMu[id] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to every configured chain's RPC endpoint.
func Dial(ctx context.Context, chains []config.ChainConfig, key *crypto.RelayerKey, logger *slog.Logger, opts ...Option) (*Client, error) {
	backends := make(map[int64]Backend, len(chains))
	var closers []func()
	for _, ch := range chains {
		ec, err := ethclient.DialContext(ctx, ch.RPCURL)
		if err != nil {
			for _, fn := range closers {
				fn()
			}
			return nil, fmt.Errorf("chain: dial %s (%d): %w", ch.Name, ch.ChainID, err)
		}
		got, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			for _, fn := range closers {
				fn()
			}
			return nil, fmt.Errorf("chain: read chain id from %s: %w", ch.Name, err)
		}
		if got.Int64() != ch.ChainID {
			ec.Close()
			for _, fn := range closers {
				fn()
			}
			return nil, fmt.Errorf("chain: %s reports chain id %s, configured %d", ch.Name, got, ch.ChainID)
		}
		backends[ch.ChainID] = ec
		closers = append(closers, ec.Close)
	}
	c := NewClient(backends, key, logger, opts...)
	c.closer = closers
	return c, nil
}

// Close releases the RPC connections opened by Dial.
func (c *Client) Close() {
	for _, fn := range c.closer {
		fn()
	}
}

// RelayerAddress is the account that signs and pays for relay transactions.
func (c *Client) RelayerAddress() common.Address { return c.key.Address() }

func (c *Client) backend(chainID int64) (Backend, error) {
	b, ok := c.backends[chainID]
	if !ok {
		return nil, domain.Wrapf(domain.ErrValidation, "chain %d is not configured", chainID)
	}
	return b, nil
}

// PermitInfo reads name, version and DOMAIN_SEPARATOR from token. A token
// that cannot answer DOMAIN_SEPARATOR() or nonces(address) does not
// implement EIP-2612.
func (c *Client) PermitInfo(ctx context.Context, chainID int64, token common.Address) (domain.TokenPermitInfo, error) {
	if c.cache != nil {
		info, err := c.cache.GetPermitInfo(ctx, chainID, token)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "permit info cache read failed", slog.String("error", err.Error()))
		}
	}

	b, err := c.backend(chainID)
	if err != nil {
		return domain.TokenPermitInfo{}, err
	}

	var sep [32]byte
	if err := call(ctx, b, erc20ABI, token, "DOMAIN_SEPARATOR", &sep); err != nil {
		return domain.TokenPermitInfo{}, unsupported(token, "DOMAIN_SEPARATOR", err)
	}
	var zeroNonce *big.Int
	if err := call(ctx, b, erc20ABI, token, "nonces", &zeroNonce, common.Address{}); err != nil {
		return domain.TokenPermitInfo{}, unsupported(token, "nonces", err)
	}
	var name string
	if err := call(ctx, b, erc20ABI, token, "name", &name); err != nil {
		return domain.TokenPermitInfo{}, unsupported(token, "name", err)
	}
	// version() is optional; the permit domain then defaults to "1".
	var version string
	if err := call(ctx, b, erc20ABI, token, "version", &version); err != nil && !isRevert(err) {
		return domain.TokenPermitInfo{}, err
	}

	info := domain.TokenPermitInfo{Name: name, Version: version, DomainSeparator: common.Hash(sep)}
	if c.cache != nil {
		if err := c.cache.SetPermitInfo(ctx, chainID, token, info, permitInfoTTL); err != nil {
			c.logger.WarnContext(ctx, "permit info cache write failed", slog.String("error", err.Error()))
		}
	}
	return info, nil
}

// Nonce returns the owner's current EIP-2612 nonce on token.
func (c *Client) Nonce(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error) {
	b, err := c.backend(chainID)
	if err != nil {
		return nil, err
	}
	var n *big.Int
	if err := call(ctx, b, erc20ABI, token, "nonces", &n, owner); err != nil {
		return nil, fmt.Errorf("chain: nonces(%s): %w", owner.Hex(), err)
	}
	return n, nil
}

// BalanceOf returns the owner's token balance.
func (c *Client) BalanceOf(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error) {
	b, err := c.backend(chainID)
	if err != nil {
		return nil, err
	}
	var n *big.Int
	if err := call(ctx, b, erc20ABI, token, "balanceOf", &n, owner); err != nil {
		return nil, fmt.Errorf("chain: balanceOf(%s): %w", owner.Hex(), err)
	}
	return n, nil
}

// Transfer sends amount of token from the relayer to to and waits for a
// successful receipt.
func (c *Client) Transfer(ctx context.Context, chainID int64, token, to common.Address, amount *big.Int) (string, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("chain: pack transfer: %w", err)
	}
	receipt, err := c.send(ctx, chainID, token, data)
	if err != nil {
		return "", fmt.Errorf("chain: transfer %s to %s: %w", amount, to.Hex(), err)
	}
	return receipt.TxHash.Hex(), nil
}

// VerifyTransfer checks a wallet's transfer to the relayer. Only a mined,
// successful transaction counts, and only Transfer logs emitted by token with
// the given sender and recipient are summed.
func (c *Client) VerifyTransfer(ctx context.Context, chainID int64, txHash common.Hash, token, from, to common.Address) (*big.Int, error) {
	b, err := c.backend(chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := b.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, domain.Wrapf(domain.ErrTransferUnverified, "transaction %s is not mined", txHash.Hex())
	}
	if err != nil {
		return nil, domain.External("transaction receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, domain.Wrapf(domain.ErrTransferUnverified, "transaction %s reverted", txHash.Hex())
	}

	ev := erc20ABI.Events["Transfer"]
	total := new(big.Int)
	for _, l := range receipt.Logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != ev.ID {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != from || common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		values, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		if v, ok := values[0].(*big.Int); ok {
			total.Add(total, v)
		}
	}
	if total.Sign() == 0 {
		return nil, domain.Wrapf(domain.ErrTransferUnverified, "transaction %s moved no %s from %s to %s",
			txHash.Hex(), token.Hex(), from.Hex(), to.Hex())
	}
	return total, nil
}

// call packs method, runs it as an eth_call against contract and unpacks the
// single return value into out.
func call(ctx context.Context, b Backend, parsed abi.ABI, contract common.Address, method string, out any, args ...any) error {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := b.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return err
		}
		return domain.External("eth_call "+method, err)
	}
	if len(result) == 0 {
		return errEmptyResult
	}
	values, err := parsed.Unpack(method, result)
	if err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return errEmptyResult
	}
	return assign(out, values[0])
}

var errEmptyResult = errors.New("execution reverted: empty result")

func assign(out, v any) error {
	switch dst := out.(type) {
	case *string:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("unexpected %T, want string", v)
		}
		*dst = s
	case **big.Int:
		n, ok := v.(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected %T, want *big.Int", v)
		}
		*dst = n
	case *[32]byte:
		h, ok := v.([32]byte)
		if !ok {
			return fmt.Errorf("unexpected %T, want bytes32", v)
		}
		*dst = h
	default:
		return fmt.Errorf("unsupported output %T", out)
	}
	return nil
}

// isRevert reports whether err is the contract refusing the call rather
// than the node failing to answer.
func isRevert(err error) bool {
	if errors.Is(err, errEmptyResult) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func unsupported(token common.Address, method string, err error) error {
	if !isRevert(err) {
		return err
	}
	return domain.Wrapf(domain.ErrUnsupportedToken, "token %s does not implement %s()", token.Hex(), method)
}
