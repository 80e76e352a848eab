package types

// Well-known chain ids
const (
	ChainIDMainnet uint64 = 1
	ChainIDHolesky uint64 = 17000
)

// Holesky is the network the staking contract is deployed on.
var Holesky = NetworkDescriptor{
	ChainID:   ChainIDHolesky,
	ChainName: "Holesky Testnet",
	NativeCurrency: NativeCurrency{
		Name:     "ETH",
		Symbol:   "ETH",
		Decimals: 18,
	},
	RPCURLs:           []string{"https://rpc.holesky.ethpandaops.io"},
	BlockExplorerURLs: []string{"https://holesky.etherscan.io"},
}

// EthereumMainnet hosts the Uniswap V3 factory.
var EthereumMainnet = NetworkDescriptor{
	ChainID:   ChainIDMainnet,
	ChainName: "Ethereum Mainnet",
	NativeCurrency: NativeCurrency{
		Name:     "Ether",
		Symbol:   "ETH",
		Decimals: 18,
	},
	RPCURLs:           []string{"https://ethereum-rpc.publicnode.com"},
	BlockExplorerURLs: []string{"https://etherscan.io"},
}

// DefaultNetworks returns copies of the predefined descriptors.
func DefaultNetworks() []NetworkDescriptor {
	return []NetworkDescriptor{clone(Holesky), clone(EthereumMainnet)}
}

func clone(n NetworkDescriptor) NetworkDescriptor {
	n.RPCURLs = append([]string(nil), n.RPCURLs...)
	n.BlockExplorerURLs = append([]string(nil), n.BlockExplorerURLs...)
	return n
}
