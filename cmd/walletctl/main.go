package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/moltbunker/walletlink/cmd/walletctl/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "walletctl",
	Short:         "Wallet session and contract CLI",
	Long:          "Connect an EIP-1193 wallet, switch networks and run staking and Uniswap V3 factory operations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Add global persistent flags
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.walletlink/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: json or plain")
}

func main() {
	// Register commands
	rootCmd.AddCommand(commands.NewConnectCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewStakeCmd())
	rootCmd.AddCommand(commands.NewWithdrawCmd())
	rootCmd.AddCommand(commands.NewBalanceCmd())
	rootCmd.AddCommand(commands.NewPoolCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())
	rootCmd.AddCommand(commands.NewCompletionCmd())
	rootCmd.AddCommand(commands.NewManCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
