// Package chaintest provides an in-memory clients.Backend for tests.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/paygate/clients"
)

// ErrUnreachable simulates a node that cannot be reached.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// Backend is a programmable fake chain. The zero value is not usable; call New.
type Backend struct {
	mu sync.Mutex

	chainID   int64
	head      uint64
	genesis   time.Time
	blockTime time.Duration
	decimals  uint8
	receipts  map[common.Hash]*gethtypes.Receipt
	balances  map[common.Address]*big.Int
	logs      []gethtypes.Log
	failing   error
	stalled   chan struct{}

	// ReceiptCalls counts TransactionReceipt invocations.
	ReceiptCalls atomic.Int64
	// Calls counts every backend invocation.
	Calls atomic.Int64
}

var _ clients.Backend = (*Backend)(nil)

// New returns a fake chain at block head with USDC-style 6 decimals.
func New(chainID int64, head uint64) *Backend {
	return &Backend{
		chainID:   chainID,
		head:      head,
		genesis:   time.Now().Add(-time.Duration(head) * 2 * time.Second).Truncate(time.Second),
		blockTime: 2 * time.Second,
		decimals:  6,
		receipts:  make(map[common.Hash]*gethtypes.Receipt),
		balances:  make(map[common.Address]*big.Int),
	}
}

// SetHead moves the chain tip.
func (b *Backend) SetHead(head uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = head
}

// SetDecimals changes the value returned by decimals().
func (b *Backend) SetDecimals(d uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decimals = d
}

// Fail makes every call return err until Fail(nil) is called.
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = err
}

// Stall makes TransactionReceipt block until Release is called or the
// call's context is done, like an RPC node that stops answering.
func (b *Backend) Stall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stalled == nil {
		b.stalled = make(chan struct{})
	}
}

// Release unblocks stalled calls and ends the stall.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stalled != nil {
		close(b.stalled)
		b.stalled = nil
	}
}

// SetBalance sets the token balance reported for owner.
func (b *Backend) SetBalance(owner common.Address, raw *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[owner] = raw
}

// TimeOf returns the timestamp of block n.
func (b *Backend) TimeOf(n uint64) time.Time {
	return b.genesis.Add(time.Duration(n) * b.blockTime)
}

// TransferLog builds a well-formed Transfer log.
func TransferLog(token, from, to common.Address, raw *big.Int) *gethtypes.Log {
	return &gethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			clients.TransferEventID,
			common.BytesToHash(common.LeftPadBytes(from.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(to.Bytes(), 32)),
		},
		Data: common.LeftPadBytes(raw.Bytes(), 32),
	}
}

// AddReceipt stores a receipt with the given status and logs at block.
func (b *Backend) AddReceipt(txHash common.Hash, block uint64, status uint64, logs ...*gethtypes.Log) *gethtypes.Receipt {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range logs {
		l.TxHash = txHash
		l.BlockNumber = block
		l.Index = uint(i)
		b.logs = append(b.logs, *l)
	}

	receipt := &gethtypes.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
	b.receipts[txHash] = receipt
	return receipt
}

// AddTransfer stores a successful transaction carrying one Transfer log.
func (b *Backend) AddTransfer(txHash common.Hash, block uint64, token, from, to common.Address, raw *big.Int) *gethtypes.Receipt {
	return b.AddReceipt(txHash, block, gethtypes.ReceiptStatusSuccessful, TransferLog(token, from, to, raw))
}

func (b *Backend) enter() error {
	b.Calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failing
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := b.enter(); err != nil {
		return nil, err
	}
	return big.NewInt(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := b.enter(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	if err := b.enter(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.head
	if number != nil {
		n = number.Uint64()
	}
	if n > b.head {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Header{
		Number: new(big.Int).SetUint64(n),
		Time:   uint64(b.TimeOf(n).Unix()),
	}, nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	b.ReceiptCalls.Add(1)
	if err := b.enter(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	stalled := b.stalled
	b.mu.Unlock()
	if stalled != nil {
		select {
		case <-stalled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := b.enter(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	erc20 := clients.ERC20ABI()
	if len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	selector := msg.Data[:4]

	switch {
	case bytes.Equal(selector, erc20.Methods["decimals"].ID):
		return erc20.Methods["decimals"].Outputs.Pack(b.decimals)
	case bytes.Equal(selector, erc20.Methods["balanceOf"].ID):
		args, err := erc20.Methods["balanceOf"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		bal := b.balances[owner]
		if bal == nil {
			bal = new(big.Int)
		}
		return erc20.Methods["balanceOf"].Outputs.Pack(bal)
	default:
		return nil, errors.New("execution reverted")
	}
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	if err := b.enter(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []gethtypes.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *Backend) Close() {}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, want := range filter {
		if len(want) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, h := range want {
			if h == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
