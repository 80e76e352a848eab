package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NativeCurrency describes the native coin of a network
type NativeCurrency struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// NetworkDescriptor is the metadata a wallet needs to add a chain.
// The JSON form is the wallet_addEthereumChain parameter object.
type NetworkDescriptor struct {
	ChainID           uint64         `json:"-" yaml:"chain_id"`
	ChainName         string         `json:"chainName" yaml:"chain_name"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency" yaml:"native_currency"`
	RPCURLs           []string       `json:"rpcUrls" yaml:"rpc_urls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty" yaml:"block_explorer_urls,omitempty"`
}

// MarshalJSON encodes the chain id as a 0x-prefixed hex string.
func (n NetworkDescriptor) MarshalJSON() ([]byte, error) {
	type plain NetworkDescriptor
	return json.Marshal(struct {
		ChainID string `json:"chainId"`
		plain
	}{ChainIDHex(n.ChainID), plain(n)})
}

// UnmarshalJSON accepts the chain id as a hex or decimal string.
func (n *NetworkDescriptor) UnmarshalJSON(data []byte) error {
	type plain NetworkDescriptor
	var aux struct {
		ChainID string `json:"chainId"`
		plain
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := ParseChainID(aux.ChainID)
	if err != nil {
		return err
	}
	*n = NetworkDescriptor(aux.plain)
	n.ChainID = id
	return nil
}

// RPCURL returns the first RPC endpoint, or "" if none is configured.
func (n NetworkDescriptor) RPCURL() string {
	if len(n.RPCURLs) == 0 {
		return ""
	}
	return n.RPCURLs[0]
}

// ExplorerTxURL returns a block explorer link for a transaction hash.
func (n NetworkDescriptor) ExplorerTxURL(hash string) string {
	if len(n.BlockExplorerURLs) == 0 {
		return ""
	}
	return strings.TrimRight(n.BlockExplorerURLs[0], "/") + "/tx/" + hash
}

// Validate checks the fields a wallet requires for wallet_addEthereumChain.
func (n NetworkDescriptor) Validate() error {
	if n.ChainID == 0 {
		return fmt.Errorf("network %q: chain id is required", n.ChainName)
	}
	if n.ChainName == "" {
		return fmt.Errorf("network %d: chain name is required", n.ChainID)
	}
	if n.NativeCurrency.Symbol == "" {
		return fmt.Errorf("network %s: native currency symbol is required", n.ChainName)
	}
	if n.NativeCurrency.Decimals <= 0 {
		return fmt.Errorf("network %s: native currency decimals must be positive", n.ChainName)
	}
	if len(n.RPCURLs) == 0 {
		return fmt.Errorf("network %s: at least one rpc url is required", n.ChainName)
	}
	return nil
}

// ChainIDHex formats a chain id the way EIP-1193 providers expect it.
func ChainIDHex(id uint64) string {
	return "0x" + strconv.FormatUint(id, 16)
}

// ParseChainID parses a 0x-prefixed hex or a decimal chain id.
func ParseChainID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty chain id")
	}
	var (
		id  uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		id, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		id, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	return id, nil
}
