package contract

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
)

// FactoryName labels the Uniswap V3 factory in logs and metrics
const FactoryName = "uniswap_v3_factory"

// UniswapV3FactoryAddress is the factory deployment on Ethereum mainnet
var UniswapV3FactoryAddress = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")

const maxUint24 = 1<<24 - 1

// FactoryMessages are the session texts used with the factory
func FactoryMessages() session.Messages {
	return session.Messages{
		Install:         "Please install MetaMask or another Web3 wallet to interact with this dApp.",
		ConnectFailed:   "Failed to connect wallet. Please try again.",
		AddFailed:       "Failed to add Ethereum Mainnet network",
		SwitchRequired:  "Please switch to the Ethereum mainnet to interact with this contract.",
		ChainReadFailed: "Failed to read the wallet's network. Please try again.",
	}
}

// PoolParameters is the factory's transient pool deployment parameters
type PoolParameters struct {
	Factory     common.Address
	Token0      common.Address
	Token1      common.Address
	Fee         *big.Int
	TickSpacing *big.Int
}

// String renders the parameters the way the result field shows them
func (p PoolParameters) String() string {
	return fmt.Sprintf("Parameters:\n  Factory: %s\n  Token0: %s\n  Token1: %s\n  Fee: %s\n  Tick Spacing: %s",
		p.Factory.Hex(), p.Token0.Hex(), p.Token1.Hex(), p.Fee, p.TickSpacing)
}

// UniswapV3Factory passes calls through to the Uniswap V3 factory. No pool
// math is done here.
type UniswapV3Factory struct {
	binding *Binding
	invoker *Invoker
}

// NewUniswapV3Factory binds the factory at address to sess. A zero address
// selects the mainnet deployment.
func NewUniswapV3Factory(sess *session.Manager, address common.Address, opts ...Option) *UniswapV3Factory {
	if address == (common.Address{}) {
		address = UniswapV3FactoryAddress
	}
	b := NewBinding(FactoryName, address, factoryABI, sess, opts...)
	return &UniswapV3Factory{
		binding: b,
		invoker: NewInvoker(b, opts...),
	}
}

// Invoker returns the operation runner
func (f *UniswapV3Factory) Invoker() *Invoker { return f.invoker }

type poolArgs struct {
	tokenA common.Address
	tokenB common.Address
	fee    *big.Int
}

func (f *UniswapV3Factory) poolInputs(tokenA, tokenB, fee, invalid string) (poolArgs, error) {
	inv := f.invoker
	if err := inv.Require(tokenA, "Please enter token A address"); err != nil {
		return poolArgs{}, err
	}
	if err := inv.Require(tokenB, "Please enter token B address"); err != nil {
		return poolArgs{}, err
	}
	if err := inv.Require(fee, "Please enter a fee"); err != nil {
		return poolArgs{}, err
	}

	for _, addr := range []string{tokenA, tokenB} {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return poolArgs{}, inv.Reject(invalid, fmt.Errorf("not an address: %q", addr))
		}
	}
	feeValue, err := parseFee(fee)
	if err != nil {
		return poolArgs{}, inv.Reject(invalid, err)
	}
	return poolArgs{
		tokenA: common.HexToAddress(strings.TrimSpace(tokenA)),
		tokenB: common.HexToAddress(strings.TrimSpace(tokenB)),
		fee:    feeValue,
	}, nil
}

// CreatePool calls createPool(tokenA, tokenB, fee) and awaits inclusion
func (f *UniswapV3Factory) CreatePool(ctx context.Context, tokenA, tokenB, fee string) (common.Hash, error) {
	const failure = "Error creating pool. Please check your inputs and try again."
	args, err := f.poolInputs(tokenA, tokenB, fee, failure)
	if err != nil {
		return common.Hash{}, err
	}

	return f.invoker.RunWrite(ctx, Write{
		Name: "create_pool",
		Submit: func(ctx context.Context) (common.Hash, error) {
			return f.binding.Transact(ctx, nil, "createPool", args.tokenA, args.tokenB, args.fee)
		},
		Success: func(hash common.Hash) string {
			return fmt.Sprintf("Pool created. Transaction hash: %s", hash.Hex())
		},
		Failure: failure,
	})
}

// GetPool looks up the pool for a token pair and fee
func (f *UniswapV3Factory) GetPool(ctx context.Context, tokenA, tokenB, fee string) (common.Address, error) {
	const failure = "Error getting pool. Please check your inputs and try again."
	args, err := f.poolInputs(tokenA, tokenB, fee, failure)
	if err != nil {
		return common.Address{}, err
	}

	var pool common.Address
	err = f.invoker.RunRead(ctx, "get_pool", failure, func(ctx context.Context) (string, error) {
		out, err := f.binding.Call(ctx, "getPool", args.tokenA, args.tokenB, args.fee)
		if err != nil {
			return "", err
		}
		addr, err := single[common.Address](out)
		if err != nil {
			return "", err
		}
		pool = addr
		f.invoker.Board().SetField(status.FieldPoolAddress, addr.Hex())
		return fmt.Sprintf("Pool address: %s", addr.Hex()), nil
	})
	return pool, err
}

// FeeAmountTickSpacing returns the tick spacing enabled for a fee tier
func (f *UniswapV3Factory) FeeAmountTickSpacing(ctx context.Context, fee string) (*big.Int, error) {
	const failure = "Error getting fee amount tick spacing. Please check your input and try again."
	if err := f.invoker.Require(fee, "Please enter a fee"); err != nil {
		return nil, err
	}
	feeValue, err := parseFee(fee)
	if err != nil {
		return nil, f.invoker.Reject(failure, err)
	}

	var spacing *big.Int
	err = f.invoker.RunRead(ctx, "fee_amount_tick_spacing", failure, func(ctx context.Context) (string, error) {
		out, err := f.binding.Call(ctx, "feeAmountTickSpacing", feeValue)
		if err != nil {
			return "", err
		}
		v, err := single[*big.Int](out)
		if err != nil {
			return "", err
		}
		spacing = v
		f.invoker.Board().SetField(status.FieldTickSpacing, v.String())
		return fmt.Sprintf("Tick spacing for fee %s: %s", feeValue, v), nil
	})
	return spacing, err
}

// Owner returns the factory owner
func (f *UniswapV3Factory) Owner(ctx context.Context) (common.Address, error) {
	var owner common.Address
	err := f.invoker.RunRead(ctx, "owner", "Error getting owner. Please try again.", func(ctx context.Context) (string, error) {
		out, err := f.binding.Call(ctx, "owner")
		if err != nil {
			return "", err
		}
		addr, err := single[common.Address](out)
		if err != nil {
			return "", err
		}
		owner = addr
		f.invoker.Board().SetField(status.FieldOwner, addr.Hex())
		return fmt.Sprintf("Contract owner: %s", addr.Hex()), nil
	})
	return owner, err
}

// Parameters returns the factory's transient pool deployment parameters
func (f *UniswapV3Factory) Parameters(ctx context.Context) (PoolParameters, error) {
	var params PoolParameters
	err := f.invoker.RunRead(ctx, "parameters", "Error getting parameters. Please try again.", func(ctx context.Context) (string, error) {
		out, err := f.binding.Call(ctx, "parameters")
		if err != nil {
			return "", err
		}
		if len(out) != 5 {
			return "", fmt.Errorf("unexpected result length %d", len(out))
		}
		p := PoolParameters{}
		var ok [5]bool
		p.Factory, ok[0] = out[0].(common.Address)
		p.Token0, ok[1] = out[1].(common.Address)
		p.Token1, ok[2] = out[2].(common.Address)
		p.Fee, ok[3] = out[3].(*big.Int)
		p.TickSpacing, ok[4] = out[4].(*big.Int)
		for i, good := range ok {
			if !good {
				return "", fmt.Errorf("unexpected type %T for output %d", out[i], i)
			}
		}
		params = p
		return p.String(), nil
	})
	return params, err
}

func parseFee(s string) (*big.Int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid fee %q: %w", s, err)
	}
	if v > maxUint24 {
		return nil, fmt.Errorf("fee %d exceeds uint24", v)
	}
	return new(big.Int).SetUint64(v), nil
}

func single[T any](out []any) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, fmt.Errorf("unexpected result length %d", len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", out[0])
	}
	return v, nil
}
