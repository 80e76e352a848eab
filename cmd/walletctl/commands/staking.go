package commands

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/contract"
	"github.com/spf13/cobra"
)

// NewStakeCmd creates the stake command
func NewStakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stake <amount>",
		Short: "Stake ETH on the staking contract",
		Long: `Send <amount> ETH to the staking contract's stake() function.

The wallet is connected and moved to the staking network first. The
command waits until the transaction is included in a block.

Examples:
  walletctl stake 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := args[0]
			return withStaking(cmd.Context(), func(ctx context.Context, env *contractEnv, s *contract.Staking) error {
				var hash common.Hash
				err := env.run("Staking "+amount+" ETH", func() error {
					var err error
					hash, err = s.Stake(ctx, amount)
					return err
				})
				err = printBoard(env.sess.Board(), err)
				printTxLink(env.network, hash)
				printFields("Staking", env.sess.Board())
				return err
			})
		},
	}
}

// NewWithdrawCmd creates the withdraw command
func NewWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Withdraw staked ETH",
		Long: `Call the staking contract's withdraw(amount) for <amount> ETH.

Examples:
  walletctl withdraw 0.25`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := args[0]
			return withStaking(cmd.Context(), func(ctx context.Context, env *contractEnv, s *contract.Staking) error {
				var hash common.Hash
				err := env.run("Withdrawing "+amount+" ETH", func() error {
					var err error
					hash, err = s.Withdraw(ctx, amount)
					return err
				})
				err = printBoard(env.sess.Board(), err)
				printTxLink(env.network, hash)
				printFields("Staking", env.sess.Board())
				return err
			})
		},
	}
}

// NewBalanceCmd creates the staked balance command
func NewBalanceCmd() *cobra.Command {
	var total bool

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the connected account's staked balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStaking(cmd.Context(), func(ctx context.Context, env *contractEnv, s *contract.Staking) error {
				err := env.run("Reading staked balance", func() error {
					_, err := s.StakedBalance(ctx)
					return err
				})
				if err := printBoard(env.sess.Board(), err); err != nil {
					return err
				}
				if !total {
					return nil
				}

				err = env.run("Reading total staked", func() error {
					_, err := s.TotalStaked(ctx)
					return err
				})
				return printBoard(env.sess.Board(), err)
			})
		},
	}

	cmd.Flags().BoolVar(&total, "total", false, "Also show the contract-wide total stake")

	return cmd
}
