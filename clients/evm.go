package clients

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const DefaultCallTimeout = 10 * time.Second

// ReaderConfig configures an EVMReader.
type ReaderConfig struct {
	Network types.Network
	// ChainID is checked against the node on Dial; 0 skips the check.
	ChainID int64
	// CallTimeout bounds every RPC call.
	CallTimeout time.Duration
	// RateLimit caps outgoing RPC calls per second; 0 disables the limit.
	RateLimit float64
	RateBurst int
	Retry     *utils.RetryConfig
	Logger    logger.Logger
	Metrics   metrics.Recorder
}

// EVMReader implements ChainReader on top of a go-ethereum RPC backend.
type EVMReader struct {
	backend Backend
	network types.Network
	timeout time.Duration
	limiter *rate.Limiter
	retry   *utils.RetryConfig
	log     logger.Logger
	metrics metrics.Recorder

	receipts singleflight.Group
	decimals sync.Map // common.Address -> uint8
}

var _ ChainReader = (*EVMReader)(nil)

// Dial connects to rpcURL and verifies the node serves the expected chain.
func Dial(ctx context.Context, rpcURL string, cfg ReaderConfig) (*EVMReader, error) {
	client, res := utils.RetryWithValue(ctx, cfg.Retry, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, rpcURL)
	})
	if res.LastError != nil {
		return nil, &ChainError{Kind: types.KindChainUnavailable, Op: "dial", Err: res.LastError}
	}

	r := NewEVMReader(client, cfg)
	if cfg.ChainID != 0 {
		id, err := callWithRetry(r, ctx, "chain_id", func(ctx context.Context) (*big.Int, error) {
			return r.backend.ChainID(ctx)
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		if id.Int64() != cfg.ChainID {
			client.Close()
			return nil, &types.X402Error{
				Code:    types.ErrUnsupportedNetwork,
				Message: fmt.Sprintf("chain ID mismatch: expected %d, got %s", cfg.ChainID, id),
			}
		}
	}

	r.log.Info("connected to chain", map[string]any{
		"network": cfg.Network,
		"chainId": cfg.ChainID,
	})
	return r, nil
}

// NewEVMReader wraps an already connected backend.
func NewEVMReader(backend Backend, cfg ReaderConfig) *EVMReader {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	limit := rate.Inf
	burst := cfg.RateBurst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	retry := cfg.Retry
	if retry == nil {
		retry = utils.DefaultRetryConfig()
	}
	retryCopy := *retry
	retryCopy.RetryIf = retryable

	log := cfg.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	return &EVMReader{
		backend: backend,
		network: cfg.Network,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		retry:   &retryCopy,
		log:     log,
		metrics: rec,
	}
}

// callWithRetry runs fn under the rate limiter and call timeout, retrying
// transient failures, and maps the final error onto ErrNotFound or ChainError.
func callWithRetry[T any](r *EVMReader, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()

	val, res := utils.RetryWithValue(ctx, r.retry, func() (T, error) {
		var zero T
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return fn(cctx)
	})

	labels := map[string]string{"network": string(r.network), "operation": op}
	r.metrics.ObserveLatency("rpc_call", time.Since(start), labels)

	if res.LastError != nil {
		err := classify(op, res.LastError)
		if IsUnavailable(err) {
			r.metrics.IncCounter(metrics.EventRPCError, labels)
			r.log.Warn("rpc call failed", map[string]any{
				"operation": op,
				"attempts":  res.Attempts,
				"error":     res.LastError.Error(),
			})
		}
		return val, err
	}
	return val, nil
}

// GetReceipt shares one in-flight fetch per hash between callers. The shared
// fetch is detached from any single caller's context and bounded by the call
// timeout; each caller stops waiting when its own context is done.
func (r *EVMReader) GetReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	shared := context.WithoutCancel(ctx)
	ch := r.receipts.DoChan(txHash.Hex(), func() (any, error) {
		return callWithRetry(r, shared, "receipt", func(ctx context.Context) (*gethtypes.Receipt, error) {
			receipt, err := r.backend.TransactionReceipt(ctx, txHash)
			if err == nil && receipt == nil {
				return nil, ErrNotFound
			}
			return receipt, err
		})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*gethtypes.Receipt), nil
	case <-ctx.Done():
		return nil, classify("receipt", ctx.Err())
	}
}

func (r *EVMReader) DecodeTransferLogs(receipt *gethtypes.Receipt, contract common.Address, decimals uint8) []types.TransferEvent {
	if receipt == nil {
		return nil
	}

	var out []types.TransferEvent
	for _, log := range receipt.Logs {
		if ev, ok := DecodeTransfer(log, contract, decimals); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (r *EVMReader) GetBalance(ctx context.Context, owner, contract common.Address) (decimal.Decimal, error) {
	decimals, err := r.TokenDecimals(ctx, contract)
	if err != nil {
		return decimal.Zero, err
	}

	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}

	raw, err := callWithRetry(r, ctx, "balance_of", func(ctx context.Context) (*big.Int, error) {
		out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		values, err := erc20ABI.Unpack("balanceOf", out)
		if err != nil || len(values) != 1 {
			return nil, fmt.Errorf("%w: balanceOf", errMalformed)
		}
		bal, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("%w: balanceOf", errMalformed)
		}
		return bal, nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromBigInt(raw, -int32(decimals)), nil
}

// TokenDecimals reads decimals() once per contract and caches it.
func (r *EVMReader) TokenDecimals(ctx context.Context, contract common.Address) (uint8, error) {
	if v, ok := r.decimals.Load(contract); ok {
		return v.(uint8), nil
	}

	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}

	d, err := callWithRetry(r, ctx, "decimals", func(ctx context.Context) (uint8, error) {
		out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			return 0, err
		}
		values, err := erc20ABI.Unpack("decimals", out)
		if err != nil || len(values) != 1 {
			return 0, fmt.Errorf("%w: decimals", errMalformed)
		}
		d, ok := values[0].(uint8)
		if !ok {
			return 0, fmt.Errorf("%w: decimals", errMalformed)
		}
		return d, nil
	})
	if err != nil {
		return 0, err
	}

	r.decimals.Store(contract, d)
	return d, nil
}

func (r *EVMReader) LatestBlock(ctx context.Context) (uint64, error) {
	return callWithRetry(r, ctx, "block_number", func(ctx context.Context) (uint64, error) {
		return r.backend.BlockNumber(ctx)
	})
}

func (r *EVMReader) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := callWithRetry(r, ctx, "header", func(ctx context.Context) (*gethtypes.Header, error) {
		h, err := r.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err == nil && h == nil {
			return nil, ErrNotFound
		}
		return h, err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (r *EVMReader) FilterTransfers(ctx context.Context, q TransferQuery) ([]types.TransferEvent, error) {
	if q.ToBlock < q.FromBlock {
		return nil, nil
	}

	topics := [][]common.Hash{{TransferEventID}, nil, nil}
	if q.From != (common.Address{}) {
		topics[1] = []common.Hash{addressTopic(q.From)}
	}
	if q.To != (common.Address{}) {
		topics[2] = []common.Hash{addressTopic(q.To)}
	}

	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: []common.Address{q.Contract},
		Topics:    topics,
	}

	logs, err := callWithRetry(r, ctx, "filter_logs", func(ctx context.Context) ([]gethtypes.Log, error) {
		return r.backend.FilterLogs(ctx, filter)
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.TransferEvent, 0, len(logs))
	for i := range logs {
		if ev, ok := DecodeTransfer(&logs[i], q.Contract, q.Decimals); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Status never fails; connection problems are reported in the result.
func (r *EVMReader) Status(ctx context.Context) ChainStatus {
	id, err := callWithRetry(r, ctx, "chain_id", func(ctx context.Context) (*big.Int, error) {
		return r.backend.ChainID(ctx)
	})
	if err != nil {
		return ChainStatus{Error: err.Error()}
	}

	latest, err := r.LatestBlock(ctx)
	if err != nil {
		return ChainStatus{ChainID: id.Int64(), Error: err.Error()}
	}

	return ChainStatus{
		Connected:   true,
		ChainID:     id.Int64(),
		LatestBlock: latest,
	}
}

func (r *EVMReader) Close() {
	r.backend.Close()
}
