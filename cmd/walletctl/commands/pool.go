package commands

import (
	"context"

	"github.com/moltbunker/walletlink/internal/contract"
	"github.com/spf13/cobra"
)

// NewPoolCmd creates the Uniswap V3 factory command group
func NewPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Query and create Uniswap V3 pools",
		Long: `Pass-through calls to the Uniswap V3 factory on Ethereum mainnet.

Fees are in hundredths of a bip (500, 3000, 10000).

Examples:
  walletctl pool get <tokenA> <tokenB> 3000
  walletctl pool create <tokenA> <tokenB> 3000
  walletctl pool tick-spacing 3000
  walletctl pool owner
  walletctl pool parameters`,
	}

	cmd.AddCommand(newPoolCreateCmd())
	cmd.AddCommand(newPoolGetCmd())
	cmd.AddCommand(newPoolTickSpacingCmd())
	cmd.AddCommand(newPoolOwnerCmd())
	cmd.AddCommand(newPoolParametersCmd())

	return cmd
}

// factoryCommand runs op on the factory and prints the status text
func factoryCommand(cmd *cobra.Command, spin string, op func(ctx context.Context, f *contract.UniswapV3Factory) error) error {
	return withFactory(cmd.Context(), func(ctx context.Context, env *contractEnv, f *contract.UniswapV3Factory) error {
		err := env.run(spin, func() error {
			return op(ctx, f)
		})
		return printBoard(env.sess.Board(), err)
	})
}

func newPoolCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <tokenA> <tokenB> <fee>",
		Short: "Create a pool for a token pair and fee",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return factoryCommand(cmd, "Creating pool", func(ctx context.Context, f *contract.UniswapV3Factory) error {
				_, err := f.CreatePool(ctx, args[0], args[1], args[2])
				return err
			})
		},
	}
}

func newPoolGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <tokenA> <tokenB> <fee>",
		Short: "Look up the pool for a token pair and fee",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return factoryCommand(cmd, "Looking up pool", func(ctx context.Context, f *contract.UniswapV3Factory) error {
				_, err := f.GetPool(ctx, args[0], args[1], args[2])
				return err
			})
		},
	}
}

func newPoolTickSpacingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick-spacing <fee>",
		Short: "Show the tick spacing enabled for a fee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return factoryCommand(cmd, "Reading tick spacing", func(ctx context.Context, f *contract.UniswapV3Factory) error {
				_, err := f.FeeAmountTickSpacing(ctx, args[0])
				return err
			})
		},
	}
}

func newPoolOwnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner",
		Short: "Show the factory owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return factoryCommand(cmd, "Reading owner", func(ctx context.Context, f *contract.UniswapV3Factory) error {
				_, err := f.Owner(ctx)
				return err
			})
		},
	}
}

func newPoolParametersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parameters",
		Short: "Show the factory's pool deployment parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return factoryCommand(cmd, "Reading parameters", func(ctx context.Context, f *contract.UniswapV3Factory) error {
				_, err := f.Parameters(ctx)
				return err
			})
		},
	}
}
