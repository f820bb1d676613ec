// Package redemption records which payment proofs have already bought a
// service call. A proof redeemed once can never be redeemed again for the
// same key, including across restarts for the durable stores.
package redemption

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/paygate/types"
)

// ErrAlreadyRedeemed is returned by Redeem when the key is already present.
var ErrAlreadyRedeemed = errors.New("proof already redeemed")

// Record is one consumed proof.
type Record struct {
	Key         string    `json:"key"`
	TxHash      string    `json:"txHash"`
	ServiceID   string    `json:"serviceId"`
	Payer       string    `json:"payer,omitempty"`
	AmountRaw   string    `json:"amountRaw,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	RedeemedAt  time.Time `json:"redeemedAt"`
}

// Store is the consumed proof set.
type Store interface {
	// Redeemed reports whether key has been consumed.
	Redeemed(ctx context.Context, key string) (bool, error)
	// Redeem inserts rec if rec.Key is absent and returns ErrAlreadyRedeemed
	// otherwise. The check and the insert are atomic.
	Redeem(ctx context.Context, rec Record) error
	// Prune deletes records redeemed before the cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Key derives the store key for a transaction hash. Hex case is normalised
// so the same transaction cannot be replayed by changing letter case.
func Key(txHash common.Hash, serviceID string, scope types.ReplayScope) string {
	h := strings.ToLower(txHash.Hex())
	if scope == types.ScopeGlobal {
		return h
	}
	return h + "|" + serviceID
}
