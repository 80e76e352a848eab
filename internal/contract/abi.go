package contract

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// StakingABI is the ABI of the native-currency staking contract on Holesky
const StakingABI = `[
	{
		"type": "function",
		"name": "stake",
		"stateMutability": "payable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "function",
		"name": "withdraw",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "amount", "type": "uint256"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "stakedBalance",
		"stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "totalStaked",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

// UniswapV3FactoryABI covers the factory methods walletlink calls
const UniswapV3FactoryABI = `[
	{
		"type": "function",
		"name": "createPool",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "tokenA", "type": "address"},
			{"name": "tokenB", "type": "address"},
			{"name": "fee", "type": "uint24"}
		],
		"outputs": [{"name": "pool", "type": "address"}]
	},
	{
		"type": "function",
		"name": "getPool",
		"stateMutability": "view",
		"inputs": [
			{"name": "", "type": "address"},
			{"name": "", "type": "address"},
			{"name": "", "type": "uint24"}
		],
		"outputs": [{"name": "", "type": "address"}]
	},
	{
		"type": "function",
		"name": "feeAmountTickSpacing",
		"stateMutability": "view",
		"inputs": [{"name": "", "type": "uint24"}],
		"outputs": [{"name": "", "type": "int24"}]
	},
	{
		"type": "function",
		"name": "owner",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	},
	{
		"type": "function",
		"name": "parameters",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "factory", "type": "address"},
			{"name": "token0", "type": "address"},
			{"name": "token1", "type": "address"},
			{"name": "fee", "type": "uint24"},
			{"name": "tickSpacing", "type": "int24"}
		]
	}
]`

// ParseABI parses a JSON ABI definition
func ParseABI(definition string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

func mustParseABI(definition string) abi.ABI {
	parsed, err := ParseABI(definition)
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	stakingABI = mustParseABI(StakingABI)
	factoryABI = mustParseABI(UniswapV3FactoryABI)
)

// StakingContractABI returns the parsed staking ABI
func StakingContractABI() abi.ABI { return stakingABI }

// FactoryContractABI returns the parsed Uniswap V3 factory ABI
func FactoryContractABI() abi.ABI { return factoryABI }
