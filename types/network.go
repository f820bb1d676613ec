package types

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Network names a supported EVM chain.
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
)

// NetworkInfo holds the constants of a chain the gateway can settle on.
type NetworkInfo struct {
	Network     Network
	DisplayName string
	ChainID     int64
	USDC        common.Address
	// BlocksPerSecond is used to size the bounded scan window.
	BlocksPerSecond float64
}

var networks = map[Network]NetworkInfo{
	NetworkBase: {
		Network:         NetworkBase,
		DisplayName:     "Base",
		ChainID:         8453,
		USDC:            common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		BlocksPerSecond: 0.5,
	},
	NetworkBaseSepolia: {
		Network:         NetworkBaseSepolia,
		DisplayName:     "Base Sepolia",
		ChainID:         84532,
		USDC:            common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		BlocksPerSecond: 0.5,
	},
	NetworkPolygon: {
		Network:         NetworkPolygon,
		DisplayName:     "Polygon",
		ChainID:         137,
		USDC:            common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
		BlocksPerSecond: 0.5,
	},
	NetworkPolygonAmoy: {
		Network:         NetworkPolygonAmoy,
		DisplayName:     "Polygon Amoy",
		ChainID:         80002,
		USDC:            common.HexToAddress("0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"),
		BlocksPerSecond: 0.5,
	},
}

// LookupNetwork returns the constants for a known network.
func LookupNetwork(n Network) (NetworkInfo, bool) {
	info, ok := networks[n]
	return info, ok
}

// CAIP2 returns the chain identifier in CAIP-2 form, e.g. "eip155:8453".
func (i NetworkInfo) CAIP2() string {
	return "eip155:" + strconv.FormatInt(i.ChainID, 10)
}

func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia || n == NetworkPolygonAmoy
}

func (n Network) String() string {
	return string(n)
}
