package verification

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// ScanRange converts a time window into an inclusive block range ending at
// latest, capped at MaxBlocks.
func (v *Verifier) ScanRange(scan types.ScanProof, latest uint64) (from, to uint64) {
	blocks := uint64(math.Ceil(scan.Window.Seconds() * v.cfg.Scan.BlocksPerSecond))
	if blocks == 0 {
		blocks = 1
	}
	if blocks > v.cfg.Scan.MaxBlocks {
		blocks = v.cfg.Scan.MaxBlocks
	}
	if blocks > latest+1 {
		blocks = latest + 1
	}
	return latest + 1 - blocks, latest
}

// verifyScan searches recent blocks for an unredeemed transfer from the
// claimed sender to recipient. It is weaker than the hash path: any transfer
// from the sender in the window is accepted.
func (v *Verifier) verifyScan(
	ctx context.Context,
	scan types.ScanProof,
	serviceID string,
	recipient common.Address,
	price decimal.Decimal,
) (*types.VerificationResult, error) {
	if !v.cfg.Scan.Enabled {
		return types.Fail(types.KindInvalidProof, "sender/window proofs are disabled; supply a transaction hash"), nil
	}
	if scan.Sender == (common.Address{}) {
		return types.Fail(types.KindInvalidProof, "sender address is required"), nil
	}
	if err := utils.ValidateWindow(scan.Window, v.cfg.Scan.MaxWindow); err != nil {
		return types.Fail(types.KindInvalidProof, "%v", err), nil
	}

	latest, err := v.reader.LatestBlock(ctx)
	if res, err := v.chainFailure(err, "latest block unavailable"); res != nil || err != nil {
		return res, err
	}

	decimals, err := v.decimals(ctx)
	if res, err := v.chainFailure(err, "token decimals unavailable"); res != nil || err != nil {
		return res, err
	}

	from, to := v.ScanRange(scan, latest)
	transfers, err := v.reader.FilterTransfers(ctx, clients.TransferQuery{
		Contract:  v.cfg.Contract,
		From:      scan.Sender,
		To:        recipient,
		FromBlock: from,
		ToBlock:   to,
		Decimals:  decimals,
	})
	if res, err := v.chainFailure(err, "no logs in blocks %d-%d", from, to); res != nil || err != nil {
		return res, err
	}

	// newest first so a fresh payment is preferred over an older unredeemed one
	sort.SliceStable(transfers, func(i, j int) bool {
		if transfers[i].BlockNumber != transfers[j].BlockNumber {
			return transfers[i].BlockNumber > transfers[j].BlockNumber
		}
		return transfers[i].LogIndex > transfers[j].LogIndex
	})

	var last *types.VerificationResult
	for _, t := range transfers {
		if t.To != recipient || t.From != scan.Sender {
			continue
		}

		res, err := v.tryScanCandidate(ctx, t, serviceID, recipient, price, latest)
		if err != nil {
			return nil, err
		}
		if res.Verified {
			return res, nil
		}
		last = pickReason(last, res)
	}

	if last != nil {
		return last, nil
	}
	return types.Fail(types.KindNoTransferFound, "no transfer from %s to %s in blocks %d-%d",
		scan.Sender.Hex(), recipient.Hex(), from, to), nil
}

func (v *Verifier) tryScanCandidate(
	ctx context.Context,
	t types.TransferEvent,
	serviceID string,
	recipient common.Address,
	price decimal.Decimal,
	latest uint64,
) (*types.VerificationResult, error) {
	if res := v.checkAmount(t, price); res != nil {
		return res, nil
	}

	key := redemption.Key(t.TxHash, serviceID, v.cfg.Scope)
	unlock := v.locks.Lock(key)
	defer unlock()

	redeemed, err := v.store.Redeemed(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		return types.Fail(types.KindAlreadyRedeemed, "every matching transfer was already used for %s", serviceID), nil
	}

	if res, err := v.checkConfirmations(ctx, t.BlockNumber, latest); res != nil || err != nil {
		return res, err
	}
	if res, err := v.checkAge(ctx, t.BlockNumber); res != nil || err != nil {
		return res, err
	}

	return v.redeem(ctx, key, serviceID, t, recipient, price)
}

// pickReason keeps the most useful failure to report when no candidate
// succeeds. A retryable reason wins, then an amount shortfall.
func pickReason(cur, next *types.VerificationResult) *types.VerificationResult {
	if cur == nil {
		return next
	}
	rank := func(r *types.VerificationResult) int {
		switch {
		case r.Reason.Retryable():
			return 3
		case r.Reason == types.KindInsufficientAmount:
			return 2
		default:
			return 1
		}
	}
	if rank(next) > rank(cur) {
		return next
	}
	return cur
}
