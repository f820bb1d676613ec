package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Mode is the gateway operating mode. It comes from configuration only;
// clients cannot influence it.
type Mode string

const (
	// ModeTest admits every request and only logs the would-be charge.
	ModeTest Mode = "test"
	// ModeLive enforces payment.
	ModeLive Mode = "live"
)

func (m Mode) String() string {
	return string(m)
}

// ReplayScope controls how a transaction hash is consumed.
type ReplayScope string

const (
	// ScopeService lets one transaction hash be redeemed once per service.
	ScopeService ReplayScope = "service"
	// ScopeGlobal lets one transaction hash be redeemed exactly once.
	ScopeGlobal ReplayScope = "global"
)

// ErrorKind classifies why a payment claim was not accepted.
type ErrorKind string

const (
	KindChainUnavailable          ErrorKind = "chain_unavailable"
	KindTransactionNotFound       ErrorKind = "transaction_not_found"
	KindTransactionFailed         ErrorKind = "transaction_failed"
	KindInsufficientConfirmations ErrorKind = "insufficient_confirmations"
	KindNoTransferFound           ErrorKind = "no_transfer_found"
	KindWrongRecipient            ErrorKind = "wrong_recipient"
	KindInsufficientAmount        ErrorKind = "insufficient_amount"
	KindAlreadyRedeemed           ErrorKind = "already_redeemed"
	KindProofExpired              ErrorKind = "proof_expired"
	KindInvalidProof              ErrorKind = "invalid_proof"
	KindRecipientNotConfigured    ErrorKind = "recipient_not_configured"
)

// Retryable reports whether the same proof may succeed if submitted again later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindChainUnavailable, KindTransactionNotFound, KindInsufficientConfirmations:
		return true
	default:
		return false
	}
}

func (k ErrorKind) String() string {
	return string(k)
}

// Proof is the caller-supplied evidence of payment. Exactly one of TxHash or
// Scan is set.
type Proof struct {
	TxHash *common.Hash
	Scan   *ScanProof
}

// ScanProof asks the verifier to search recent blocks for a transfer from
// Sender. It is weaker than a transaction hash and disabled by default.
type ScanProof struct {
	Sender common.Address
	Window time.Duration
}

// TxProof builds a transaction-hash proof.
func TxProof(hash common.Hash) Proof {
	return Proof{TxHash: &hash}
}

// IsZero reports whether no proof is set.
func (p Proof) IsZero() bool {
	return p.TxHash == nil && p.Scan == nil
}

func (p Proof) String() string {
	switch {
	case p.TxHash != nil:
		return p.TxHash.Hex()
	case p.Scan != nil:
		return fmt.Sprintf("scan(%s,%s)", p.Scan.Sender.Hex(), p.Scan.Window)
	default:
		return "<none>"
	}
}

// PaymentClaim is what a caller submits to prove payment for one service call.
type PaymentClaim struct {
	Proof            Proof
	ServiceID        string
	ClaimedAmountUSD decimal.Decimal
}

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	RawAmount   *big.Int       `json:"rawAmount"`
	Decimals    uint8          `json:"decimals"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    uint           `json:"logIndex"`
}

// AmountUSD scales the raw token amount by the token decimals.
func (t TransferEvent) AmountUSD() decimal.Decimal {
	if t.RawAmount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(t.RawAmount, -int32(t.Decimals))
}

// VerificationResult is the outcome of a single Verify call. It is never
// persisted.
type VerificationResult struct {
	Verified    bool           `json:"verified"`
	Reason      ErrorKind      `json:"reason,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Transfer    *TransferEvent `json:"transfer,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	ExpectedUSD string         `json:"expectedUsd,omitempty"`
	ActualUSD   string         `json:"actualUsd,omitempty"`
}

// Retryable reports whether a failed result may be retried with the same proof.
func (r *VerificationResult) Retryable() bool {
	return r != nil && !r.Verified && r.Reason.Retryable()
}

// Fail builds a rejected result.
func Fail(kind ErrorKind, format string, args ...any) *VerificationResult {
	return &VerificationResult{
		Verified: false,
		Reason:   kind,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// NormalizeHex lower-cases a 0x-prefixed hex string for use as a lookup key.
func NormalizeHex(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// X402Error is an infrastructure or configuration fault, as opposed to a
// rejected payment.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidPayload     = "INVALID_PAYLOAD"
	ErrUnsupportedNetwork = "UNSUPPORTED_NETWORK"
	ErrUnknownService     = "UNKNOWN_SERVICE"
	ErrNetworkError       = "NETWORK_ERROR"
	ErrConfigError        = "CONFIG_ERROR"
	ErrStoreError         = "STORE_ERROR"
	ErrServiceFailed      = "SERVICE_FAILED"
)
