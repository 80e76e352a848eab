package commands

import (
	"fmt"
	"os"

	"github.com/moltbunker/walletlink/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd creates the config command group
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long: `Create and inspect the walletctl configuration file
(default: ~/.walletlink/config.yaml).`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force        bool
		providerKind string
		stakingAddr  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			if providerKind != "" {
				cfg.Provider.Kind = providerKind
			}
			if stakingAddr != "" {
				cfg.Contracts.Staking.Address = stakingAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			Success("Config written to " + path)
			if cfg.Contracts.Staking.Address == "" {
				fmt.Println(Hint("Set contracts.staking.address before using stake, withdraw or balance."))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.Flags().StringVar(&providerKind, "provider", "", "Wallet provider kind (ws, keystore)")
	cmd.Flags().StringVar(&stakingAddr, "staking-address", "", "Staking contract address")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
