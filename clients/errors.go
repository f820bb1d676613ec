package clients

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/vitwit/paygate/types"
)

// ErrNotFound is returned when the node has no record of the requested object.
var ErrNotFound = errors.New("not found on chain")

// ChainError reports that an RPC call could not be completed. The chain state
// is unknown, so callers should treat it as retryable.
type ChainError struct {
	Kind types.ErrorKind
	Op   string
	Err  error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a ChainError.
func IsUnavailable(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("chain %s: %w", op, err)
	}
	return &ChainError{Kind: types.KindChainUnavailable, Op: op, Err: err}
}

func retryable(err error) bool {
	return !errors.Is(err, ethereum.NotFound) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, errMalformed)
}

var errMalformed = errors.New("malformed contract response")
