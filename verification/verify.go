package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/events"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/types"
)

// DefaultTolerance absorbs rounding between the quoted price and the
// on-chain amount.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Config holds the verifier's chain and policy settings. It is fixed for the
// lifetime of a Verifier.
type Config struct {
	Network types.Network
	// Contract is the stablecoin token contract.
	Contract common.Address
	// Decimals of the token; 0 reads decimals() from the chain.
	Decimals  uint8
	Tolerance decimal.Decimal
	Scope     types.ReplayScope
	// MinConfirmations of 0 or 1 accepts a transaction as soon as it is mined.
	MinConfirmations uint64
	// MaxProofAge rejects transfers mined longer ago than this; 0 disables the check.
	MaxProofAge time.Duration
	Scan        ScanConfig
}

// ScanConfig bounds the sender/time-window proof path.
type ScanConfig struct {
	Enabled   bool
	MaxWindow time.Duration
	MaxBlocks uint64
	// BlocksPerSecond converts a time window into a block range.
	BlocksPerSecond float64
}

// Verifier decides whether a payment claim is good and redeems it.
type Verifier struct {
	reader    clients.ChainReader
	store     redemption.Store
	cfg       Config
	locks     *keyedMutex
	log       logger.Logger
	metrics   metrics.Recorder
	publisher events.Publisher
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithPublisher emits an event after each successful redemption.
func WithPublisher(p events.Publisher) Option {
	return func(v *Verifier) { v.publisher = p }
}

// WithClock overrides time.Now for proof age checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier validates cfg and builds a Verifier.
func NewVerifier(reader clients.ChainReader, store redemption.Store, cfg Config, opts ...Option) (*Verifier, error) {
	if reader == nil || store == nil {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: "verifier needs a chain reader and a redemption store"}
	}
	if cfg.Contract == (common.Address{}) {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: "stablecoin contract address is required"}
	}
	if cfg.Tolerance.IsNegative() || cfg.Tolerance.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("tolerance %s out of range [0, 0.5)", cfg.Tolerance)}
	}
	switch cfg.Scope {
	case "":
		cfg.Scope = types.ScopeService
	case types.ScopeService, types.ScopeGlobal:
	default:
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("unknown replay scope %q", cfg.Scope)}
	}
	if cfg.Scan.Enabled {
		if cfg.Scan.BlocksPerSecond <= 0 {
			if info, ok := types.LookupNetwork(cfg.Network); ok {
				cfg.Scan.BlocksPerSecond = info.BlocksPerSecond
			} else {
				cfg.Scan.BlocksPerSecond = 0.5
			}
		}
		if cfg.Scan.MaxBlocks == 0 {
			cfg.Scan.MaxBlocks = 1000
		}
		if cfg.Scan.MaxWindow <= 0 {
			cfg.Scan.MaxWindow = 10 * time.Minute
		}
	}

	v := &Verifier{
		reader:    reader,
		store:     store,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		log:       logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		publisher: events.NoopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks claim against the chain and, when it is good, records it as
// redeemed. Rejections are returned as a result with a nil error; a non-nil
// error means the verifier itself failed (store fault, cancelled context).
func (v *Verifier) Verify(
	ctx context.Context,
	claim types.PaymentClaim,
	expectedRecipient common.Address,
	price decimal.Decimal,
) (*types.VerificationResult, error) {
	start := time.Now()

	result, err := v.verify(ctx, claim, expectedRecipient, price)

	labels := map[string]string{"network": string(v.cfg.Network), "service": claim.ServiceID}
	v.metrics.ObserveLatency("verify", time.Since(start), labels)
	switch {
	case err != nil:
		labels["reason"] = "internal"
		v.metrics.IncCounter(metrics.EventVerifyFailed, labels)
	case !result.Verified:
		labels["reason"] = string(result.Reason)
		v.metrics.IncCounter(metrics.EventVerifyFailed, labels)
	default:
		v.metrics.IncCounter(metrics.EventRedeemed, labels)
	}

	return result, err
}

func (v *Verifier) verify(
	ctx context.Context,
	claim types.PaymentClaim,
	recipient common.Address,
	price decimal.Decimal,
) (*types.VerificationResult, error) {
	if recipient == (common.Address{}) {
		return types.Fail(types.KindRecipientNotConfigured, "no payment recipient configured"), nil
	}

	switch {
	case claim.Proof.TxHash != nil:
		hash := *claim.Proof.TxHash
		key := redemption.Key(hash, claim.ServiceID, v.cfg.Scope)

		unlock := v.locks.Lock(key)
		defer unlock()

		return v.verifyTx(ctx, hash, key, claim.ServiceID, recipient, price)
	case claim.Proof.Scan != nil:
		return v.verifyScan(ctx, *claim.Proof.Scan, claim.ServiceID, recipient, price)
	default:
		return types.Fail(types.KindInvalidProof, "no payment proof supplied"), nil
	}
}

// verifyTx runs the transaction-hash path. The caller holds the lock for key.
func (v *Verifier) verifyTx(
	ctx context.Context,
	hash common.Hash,
	key string,
	serviceID string,
	recipient common.Address,
	price decimal.Decimal,
) (*types.VerificationResult, error) {
	redeemed, err := v.store.Redeemed(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		return types.Fail(types.KindAlreadyRedeemed, "transaction %s was already used for %s", hash.Hex(), serviceID), nil
	}

	receipt, err := v.reader.GetReceipt(ctx, hash)
	if res, err := v.chainFailure(err, "transaction %s not found", hash.Hex()); res != nil || err != nil {
		return res, err
	}

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return types.Fail(types.KindTransactionFailed, "transaction %s reverted", hash.Hex()), nil
	}

	block := receipt.BlockNumber.Uint64()
	if res, err := v.checkConfirmations(ctx, block, 0); res != nil || err != nil {
		return res, err
	}

	decimals, err := v.decimals(ctx)
	if res, err := v.chainFailure(err, "token decimals unavailable"); res != nil || err != nil {
		return res, err
	}

	transfers := v.reader.DecodeTransferLogs(receipt, v.cfg.Contract, decimals)
	if len(transfers) == 0 {
		return types.Fail(types.KindNoTransferFound, "transaction %s has no %s transfer", hash.Hex(), v.cfg.Contract.Hex()), nil
	}

	transfer := selectTransfer(transfers, recipient)
	if transfer == nil {
		return types.Fail(types.KindWrongRecipient, "transaction %s pays %s, not %s",
			hash.Hex(), transfers[0].To.Hex(), recipient.Hex()), nil
	}

	if res := v.checkAmount(*transfer, price); res != nil {
		return res, nil
	}

	if res, err := v.checkAge(ctx, block); res != nil || err != nil {
		return res, err
	}

	return v.redeem(ctx, key, serviceID, *transfer, recipient, price)
}

// selectTransfer returns the largest transfer to recipient, or nil.
func selectTransfer(transfers []types.TransferEvent, recipient common.Address) *types.TransferEvent {
	var best *types.TransferEvent
	for i := range transfers {
		t := &transfers[i]
		if t.To != recipient {
			continue
		}
		if best == nil || t.RawAmount.Cmp(best.RawAmount) > 0 {
			best = t
		}
	}
	return best
}

// Threshold is the smallest accepted amount for price.
func (v *Verifier) Threshold(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Sub(v.cfg.Tolerance))
}

func (v *Verifier) checkAmount(t types.TransferEvent, price decimal.Decimal) *types.VerificationResult {
	threshold := v.Threshold(price)
	actual := t.AmountUSD()
	if actual.GreaterThanOrEqual(threshold) {
		return nil
	}

	res := types.Fail(types.KindInsufficientAmount,
		"expected at least %s USDC (price %s, tolerance %s), got %s USDC",
		threshold.String(), price.String(), v.cfg.Tolerance.String(), actual.String())
	res.ExpectedUSD = price.String()
	res.ActualUSD = actual.String()
	res.Transfer = &t
	res.BlockNumber = t.BlockNumber
	return res
}

// checkConfirmations compares block against the chain head. latest may be
// passed in when the caller already knows it.
func (v *Verifier) checkConfirmations(ctx context.Context, block, latest uint64) (*types.VerificationResult, error) {
	if v.cfg.MinConfirmations <= 1 {
		return nil, nil
	}
	if latest == 0 {
		var err error
		latest, err = v.reader.LatestBlock(ctx)
		if res, err := v.chainFailure(err, "latest block unavailable"); res != nil || err != nil {
			return res, err
		}
	}

	var confirmations uint64
	if latest >= block {
		confirmations = latest - block + 1
	}
	if confirmations < v.cfg.MinConfirmations {
		return types.Fail(types.KindInsufficientConfirmations, "block %d has %d of %d confirmations",
			block, confirmations, v.cfg.MinConfirmations), nil
	}
	return nil, nil
}

func (v *Verifier) checkAge(ctx context.Context, block uint64) (*types.VerificationResult, error) {
	if v.cfg.MaxProofAge <= 0 {
		return nil, nil
	}
	minedAt, err := v.reader.BlockTime(ctx, block)
	if res, err := v.chainFailure(err, "block %d not found", block); res != nil || err != nil {
		return res, err
	}
	if age := v.now().Sub(minedAt); age > v.cfg.MaxProofAge {
		return types.Fail(types.KindProofExpired, "transfer mined %s ago, limit %s",
			age.Truncate(time.Second), v.cfg.MaxProofAge), nil
	}
	return nil, nil
}

// chainFailure maps a Chain Reader error onto a retryable result. Errors
// that are not chain errors (cancelled request) are returned as is.
func (v *Verifier) chainFailure(err error, notFound string, args ...any) (*types.VerificationResult, error) {
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, clients.ErrNotFound):
		return types.Fail(types.KindTransactionNotFound, notFound, args...), nil
	case clients.IsUnavailable(err):
		return types.Fail(types.KindChainUnavailable, "chain unavailable: %v", err), nil
	default:
		return nil, err
	}
}

func (v *Verifier) decimals(ctx context.Context) (uint8, error) {
	if v.cfg.Decimals != 0 {
		return v.cfg.Decimals, nil
	}
	return v.reader.TokenDecimals(ctx, v.cfg.Contract)
}

func (v *Verifier) redeem(
	ctx context.Context,
	key string,
	serviceID string,
	t types.TransferEvent,
	recipient common.Address,
	price decimal.Decimal,
) (*types.VerificationResult, error) {
	rec := redemption.Record{
		Key:         key,
		TxHash:      t.TxHash.Hex(),
		ServiceID:   serviceID,
		Payer:       t.From.Hex(),
		AmountRaw:   t.RawAmount.String(),
		BlockNumber: t.BlockNumber,
		RedeemedAt:  v.now().UTC(),
	}

	err := v.store.Redeem(ctx, rec)
	if errors.Is(err, redemption.ErrAlreadyRedeemed) {
		return types.Fail(types.KindAlreadyRedeemed, "transaction %s was already used for %s", t.TxHash.Hex(), serviceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("record redemption: %w", err)
	}

	v.log.Info("payment redeemed", map[string]any{
		"txHash":  rec.TxHash,
		"service": serviceID,
		"payer":   rec.Payer,
		"amount":  t.AmountUSD().String(),
		"block":   t.BlockNumber,
	})

	if err := v.publisher.PublishRedemption(ctx, events.Redemption{
		TxHash:      rec.TxHash,
		ServiceID:   serviceID,
		Network:     string(v.cfg.Network),
		Payer:       rec.Payer,
		Recipient:   recipient.Hex(),
		AmountRaw:   rec.AmountRaw,
		AmountUSD:   t.AmountUSD().String(),
		PriceUSD:    price.String(),
		BlockNumber: t.BlockNumber,
		RedeemedAt:  rec.RedeemedAt,
	}); err != nil {
		v.log.Warn("publish redemption failed", map[string]any{"txHash": rec.TxHash, "error": err.Error()})
	}

	return &types.VerificationResult{
		Verified:    true,
		Transfer:    &t,
		BlockNumber: t.BlockNumber,
		ExpectedUSD: price.String(),
		ActualUSD:   t.AmountUSD().String(),
	}, nil
}
