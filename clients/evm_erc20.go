package clients

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/paygate/types"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	erc20ABI = mustParseABI(erc20ABIJSON)

	// TransferEventID is keccak256("Transfer(address,address,uint256)").
	TransferEventID = erc20ABI.Events["Transfer"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// ERC20ABI returns the minimal ERC-20 ABI used by the reader.
func ERC20ABI() abi.ABI {
	return erc20ABI
}

// DecodeTransfer decodes a single Transfer log emitted by contract. It
// reports false for logs from other contracts, other events, removed logs
// and logs whose topics or data do not have the Transfer layout.
func DecodeTransfer(log *gethtypes.Log, contract common.Address, decimals uint8) (types.TransferEvent, bool) {
	if log == nil || log.Removed || log.Address != contract {
		return types.TransferEvent{}, false
	}
	if len(log.Topics) != 3 || log.Topics[0] != TransferEventID {
		return types.TransferEvent{}, false
	}
	if len(log.Data) != 32 {
		return types.TransferEvent{}, false
	}

	values, err := erc20ABI.Unpack("Transfer", log.Data)
	if err != nil || len(values) != 1 {
		return types.TransferEvent{}, false
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return types.TransferEvent{}, false
	}

	return types.TransferEvent{
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		RawAmount:   amount,
		Decimals:    decimals,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}, true
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}
