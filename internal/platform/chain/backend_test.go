package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var errRevert = errors.New("execution reverted")

type fakeToken struct {
	name       string
	version    string // empty: version() reverts
	separator  [32]byte
	noPermit   bool
	nonces     map[common.Address]*big.Int
	balances   map[common.Address]*big.Int
	revertSend bool
}

type sentTx struct {
	tx     *types.Transaction
	method string
	args   []any
}

// fakeBackend answers eth_call from in-memory token state and mines every
// sent transaction immediately.
type fakeBackend struct {
	mu       sync.Mutex
	tokens   map[common.Address]*fakeToken
	pool     common.Address
	rewards  map[string]*big.Int
	calls    int
	nonce    uint64
	sent     []sentTx
	receipts map[common.Hash]*types.Receipt
	noMine   bool
	nextID   int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokens:   make(map[common.Address]*fakeToken),
		rewards:  make(map[string]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		nextID:   1,
	}
}

func methodFor(data []byte) (abi.ABI, *abi.Method, error) {
	if len(data) < 4 {
		return abi.ABI{}, nil, errRevert
	}
	for _, parsed := range []abi.ABI{erc20ABI, stakingPool} {
		if m, err := parsed.MethodById(data[:4]); err == nil {
			return parsed, m, nil
		}
	}
	return abi.ABI{}, nil, errRevert
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	_, m, err := methodFor(msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	if *msg.To == f.pool {
		if m.Name != "pendingRewards" {
			return nil, errRevert
		}
		r, ok := f.rewards[args[0].(*big.Int).String()]
		if !ok {
			r = new(big.Int)
		}
		return m.Outputs.Pack(r)
	}

	tok, ok := f.tokens[*msg.To]
	if !ok {
		return nil, nil
	}
	switch m.Name {
	case "name":
		return m.Outputs.Pack(tok.name)
	case "version":
		if tok.version == "" {
			return nil, errRevert
		}
		return m.Outputs.Pack(tok.version)
	case "DOMAIN_SEPARATOR":
		if tok.noPermit {
			return nil, errRevert
		}
		return m.Outputs.Pack(tok.separator)
	case "nonces":
		if tok.noPermit {
			return nil, errRevert
		}
		return m.Outputs.Pack(orZero(tok.nonces[args[0].(common.Address)]))
	case "balanceOf":
		return m.Outputs.Pack(orZero(tok.balances[args[0].(common.Address)]))
	}
	return nil, errRevert
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, m, err := methodFor(tx.Data())
	if err != nil {
		return err
	}
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentTx{tx: tx, method: m.Name, args: args})
	f.nonce++
	if f.noMine {
		return nil
	}

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	if tok, ok := f.tokens[*tx.To()]; ok && tok.revertSend {
		receipt.Status = types.ReceiptStatusFailed
	}
	switch m.Name {
	case "stake":
		id := f.nextID
		f.nextID++
		ev := stakingPool.Events["Staked"]
		data, err := ev.Inputs.NonIndexed().Pack(args[2], args[1])
		if err != nil {
			return err
		}
		receipt.Logs = []*types.Log{{
			Address: f.pool,
			Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(id)), common.BytesToHash(args[0].(common.Address).Bytes())},
			Data:    data,
		}}
	case "claimAndUnstake":
		id := args[0].(*big.Int)
		ev := stakingPool.Events["Unstaked"]
		data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1_000), orZero(f.rewards[id.String()]))
		if err != nil {
			return err
		}
		receipt.Logs = []*types.Log{{
			Address: f.pool,
			Topics:  []common.Hash{ev.ID, common.BigToHash(id)},
			Data:    data,
		}}
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) lastSent() sentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		panic("no transactions sent")
	}
	return f.sent[len(f.sent)-1]
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

// transferLog builds the ERC-20 Transfer log token emits for value.
func transferLog(token, from, to common.Address, value *big.Int) *types.Log {
	ev := erc20ABI.Events["Transfer"]
	data, err := ev.Inputs.NonIndexed().Pack(value)
	if err != nil {
		panic(err)
	}
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    data,
	}
}

// mine stores a receipt for hash as if a wallet's transaction had landed.
func (f *fakeBackend) mine(hash common.Hash, status uint64, logs ...*types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, Logs: logs}
}
