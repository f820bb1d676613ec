package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	txHashPattern  = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	addressPattern = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}

	return dec, nil
}

// ParseTxHash validates an EVM transaction hash - 66 characters (0x + 64 hex)
func ParseTxHash(hash string) (common.Hash, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return common.Hash{}, fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") && !strings.HasPrefix(hash, "0X") {
		return common.Hash{}, fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return common.Hash{}, fmt.Errorf("transaction hash must be 66 characters long, got %d", len(hash))
	}
	if !txHashPattern.MatchString("0x" + hash[2:]) {
		return common.Hash{}, fmt.Errorf("transaction hash must be valid hex")
	}
	return common.HexToHash(hash), nil
}

// ParseAddress validates a 20-byte EVM address. Mixed-case input is accepted
// without enforcing the EIP-55 checksum; comparison is done on the bytes.
func ParseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return common.Address{}, fmt.Errorf("address cannot be empty")
	}
	if !addressPattern.MatchString(address) {
		return common.Address{}, fmt.Errorf("invalid address %q", address)
	}
	return common.HexToAddress(address), nil
}

// ToRawAmount converts a human amount to token base units, truncating any
// precision beyond the token decimals.
func ToRawAmount(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FormatAmountFromBigInt formats a raw token amount as a decimal string
func FormatAmountFromBigInt(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ValidateWindow bounds a scan window to (0, max].
func ValidateWindow(window, max time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if max > 0 && window > max {
		return fmt.Errorf("window %s exceeds maximum %s", window, max)
	}
	return nil
}
