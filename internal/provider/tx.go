package provider

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxRequest is the parameter object of eth_call and eth_sendTransaction
type TxRequest struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// Receipt status values
const (
	ReceiptStatusFailed     = 0
	ReceiptStatusSuccessful = 1
)

// Receipt is the subset of eth_getTransactionReceipt the invoker reads
type Receipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockHash       common.Hash     `json:"blockHash"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	Status          hexutil.Uint64  `json:"status"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress"`
}

// Succeeded reports whether the transaction executed without reverting
func (r *Receipt) Succeeded() bool {
	return r != nil && uint64(r.Status) == ReceiptStatusSuccessful
}

// BlockLatest is the block tag used for reads
const BlockLatest = "latest"

// ChainParam is the parameter object of wallet_switchEthereumChain
type ChainParam struct {
	ChainID string `json:"chainId"`
}
