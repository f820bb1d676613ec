package clients

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/types"
)

// ChainReader is the read-only view of the chain the verifier needs.
type ChainReader interface {
	// GetReceipt returns ErrNotFound when the node has no record of the
	// transaction and a *ChainError when the node cannot be reached.
	GetReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	// DecodeTransferLogs extracts Transfer events emitted by contract.
	// Malformed logs are skipped.
	DecodeTransferLogs(receipt *gethtypes.Receipt, contract common.Address, decimals uint8) []types.TransferEvent
	GetBalance(ctx context.Context, owner, contract common.Address) (decimal.Decimal, error)
	TokenDecimals(ctx context.Context, contract common.Address) (uint8, error)
	LatestBlock(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	// FilterTransfers returns Transfer events in [fromBlock, toBlock]. A zero
	// from or to address matches any address.
	FilterTransfers(ctx context.Context, q TransferQuery) ([]types.TransferEvent, error)
	Status(ctx context.Context) ChainStatus
	Close()
}

// Backend is the subset of *ethclient.Client used by EVMReader.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	Close()
}

// TransferQuery selects Transfer logs for the bounded scan path.
type TransferQuery struct {
	Contract  common.Address
	From      common.Address
	To        common.Address
	FromBlock uint64
	ToBlock   uint64
	Decimals  uint8
}

// ChainStatus is reported by /health and `paygate chain status`.
type ChainStatus struct {
	Connected   bool   `json:"connected"`
	ChainID     int64  `json:"chainId,omitempty"`
	LatestBlock uint64 `json:"latestBlock,omitempty"`
	Error       string `json:"error,omitempty"`
}
