package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/util"
)

// Backend is the chain access the local wallet needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// DialFunc connects to the RPC endpoint of a network
type DialFunc func(ctx context.Context, rpcURL string) (Backend, error)

// DialEthclient returns a DialFunc that dials ethclient with retries
func DialEthclient(retry *util.RetryConfig) DialFunc {
	return func(ctx context.Context, rpcURL string) (Backend, error) {
		client, result := util.RetryWithValue(ctx, retry, func() (*ethclient.Client, error) {
			return ethclient.DialContext(ctx, rpcURL)
		})
		if result.LastError != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, result.LastError)
		}
		logging.Debug("rpc backend connected",
			logging.Component("wallet"),
			"url", rpcURL,
			"attempts", result.Attempts)
		return client, nil
	}
}

func verifyChainID(ctx context.Context, b Backend, want uint64) error {
	got, err := b.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if !got.IsUint64() || got.Uint64() != want {
		return fmt.Errorf("chain ID mismatch: expected %d, got %s", want, got)
	}
	return nil
}
