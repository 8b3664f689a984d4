// Package config - well-known DAI contract addresses, keyed by chain ID, for
// the public chains where the operator doesn't need to set
// ethereum.dai_contract_address explicitly.
package config

import "github.com/ethereum/go-ethereum/common"

// wellKnownDaiContracts maps chainID -> the canonical DAI ERC-20 address.
var wellKnownDaiContracts = map[int64]common.Address{
	1:        common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), // Ethereum mainnet
	11155111: common.HexToAddress("0x68194a729C2450ad26072b3D33ADaCbcef39D574"), // Sepolia testnet DAI
}

// ResolveDaiContract returns the DAI contract address for the EthereumConfig,
// preferring an explicit override and falling back to the well-known table.
func (c *EthereumConfig) ResolveDaiContract() (common.Address, bool) {
	if c.DaiContractAddress != "" {
		return common.HexToAddress(c.DaiContractAddress), true
	}
	addr, ok := wellKnownDaiContracts[c.ChainID]
	return addr, ok
}
