package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/pkg/types"
	"gopkg.in/yaml.v3"
)

// Provider kinds
const (
	ProviderWS       = "ws"
	ProviderKeystore = "keystore"
)

// Config represents the complete walletctl configuration
type Config struct {
	Log       LogConfig                 `yaml:"log"`
	Provider  ProviderConfig            `yaml:"provider"`
	Wallet    WalletConfig              `yaml:"wallet"`
	Networks  []types.NetworkDescriptor `yaml:"networks"`
	Contracts ContractsConfig           `yaml:"contracts"`
	Receipts  ReceiptsConfig            `yaml:"receipts"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ProviderConfig selects and configures the wallet provider
type ProviderConfig struct {
	Kind string `yaml:"kind"` // ws or keystore

	// Websocket bridge settings
	Endpoint              string  `yaml:"endpoint"`
	Origin                string  `yaml:"origin"`
	Identity              string  `yaml:"identity"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`
	Burst                 int     `yaml:"burst"`
	HandshakeTimeoutSecs  int     `yaml:"handshake_timeout_secs"`
	DialRetries           int     `yaml:"dial_retries"`
	DialRetryInitialDelay int     `yaml:"dial_retry_initial_delay_ms"`
	SOCKSProxy            string  `yaml:"socks_proxy"` // host:port, empty dials directly
}

// WalletConfig contains local keystore settings
type WalletConfig struct {
	KeystoreDir  string `yaml:"keystore_dir"`
	PasswordFile string `yaml:"password_file"`
	UseKeyring   bool   `yaml:"use_keyring"`
	// AutoApprove skips the interactive confirmation prompts
	AutoApprove        bool    `yaml:"auto_approve"`
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier"`
	MaxGasPriceGwei    uint64  `yaml:"max_gas_price_gwei"`
}

// ContractsConfig contains the contract deployments
type ContractsConfig struct {
	Staking         ContractConfig `yaml:"staking"`
	Factory         ContractConfig `yaml:"factory"`
	SubmissionGuard bool           `yaml:"submission_guard"`
}

// ContractConfig is a contract address and the chain it lives on
type ContractConfig struct {
	Address string `yaml:"address"`
	ChainID uint64 `yaml:"chain_id"`
}

// ReceiptsConfig controls receipt polling
type ReceiptsConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// MetricsConfig contains the prometheus endpoint settings
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".walletlink")

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Provider: ProviderConfig{
			Kind:                  ProviderWS,
			Endpoint:              "ws://localhost:9323/ws",
			Origin:                "http://localhost",
			Identity:              "web3pro-extension",
			RequestsPerSecond:     20,
			Burst:                 10,
			HandshakeTimeoutSecs:  10,
			DialRetries:           3,
			DialRetryInitialDelay: 500,
		},
		Wallet: WalletConfig{
			KeystoreDir:        filepath.Join(dataDir, "keystore"),
			UseKeyring:         true,
			GasLimitMultiplier: 1.2,
			MaxGasPriceGwei:    100,
		},
		Networks: types.DefaultNetworks(),
		Contracts: ContractsConfig{
			Staking: ContractConfig{
				ChainID: types.ChainIDHolesky,
			},
			Factory: ContractConfig{
				Address: "0x1F98431c8aD98523631AE4a59f267346ea31F984",
				ChainID: types.ChainIDMainnet,
			},
		},
		Receipts: ReceiptsConfig{
			PollIntervalMs: 1000,
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Provider.Kind {
	case ProviderWS:
		u, err := url.Parse(c.Provider.Endpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("provider.endpoint must be a ws:// or wss:// URL, got %q", c.Provider.Endpoint)
		}
	case ProviderKeystore:
		if c.Wallet.KeystoreDir == "" {
			return fmt.Errorf("wallet.keystore_dir is required for the keystore provider")
		}
	default:
		return fmt.Errorf("provider.kind must be %q or %q, got %q", ProviderWS, ProviderKeystore, c.Provider.Kind)
	}
	if c.Provider.SOCKSProxy != "" {
		if _, _, err := net.SplitHostPort(c.Provider.SOCKSProxy); err != nil {
			return fmt.Errorf("provider.socks_proxy must be host:port: %w", err)
		}
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second must not be negative")
	}
	if c.Provider.DialRetries < 0 {
		return fmt.Errorf("provider.dial_retries must not be negative")
	}
	if c.Wallet.GasLimitMultiplier != 0 && c.Wallet.GasLimitMultiplier < 1 {
		return fmt.Errorf("wallet.gas_limit_multiplier must be at least 1, got %v", c.Wallet.GasLimitMultiplier)
	}

	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	seen := make(map[uint64]bool, len(c.Networks))
	for i, n := range c.Networks {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("networks[%d]: %w", i, err)
		}
		if seen[n.ChainID] {
			return fmt.Errorf("networks[%d]: duplicate chain id %d", i, n.ChainID)
		}
		seen[n.ChainID] = true
	}

	contracts := []struct {
		name string
		cc   ContractConfig
	}{
		{"staking", c.Contracts.Staking},
		{"factory", c.Contracts.Factory},
	}
	for _, ct := range contracts {
		if err := validateEthAddress("contracts."+ct.name+".address", ct.cc.Address); err != nil {
			return err
		}
		if !seen[ct.cc.ChainID] {
			return fmt.Errorf("contracts.%s.chain_id %d is not a configured network", ct.name, ct.cc.ChainID)
		}
	}

	if c.Receipts.PollIntervalMs <= 0 {
		return fmt.Errorf("receipts.poll_interval_ms must be positive")
	}

	if c.Metrics.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("metrics.listen_addr: %w", err)
		}
	}

	return nil
}

// validateEthAddress validates an optional Ethereum address
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return nil
	}
	if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
		return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address, got %q", name, addr)
	}
	return nil
}

// Network returns the configured network with the given chain id
func (c *Config) Network(chainID uint64) (types.NetworkDescriptor, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return types.NetworkDescriptor{}, false
}

// ContractNetwork returns the network a contract is deployed on
func (c *Config) ContractNetwork(cc ContractConfig) (types.NetworkDescriptor, error) {
	n, ok := c.Network(cc.ChainID)
	if !ok {
		return types.NetworkDescriptor{}, fmt.Errorf("chain id %d is not a configured network", cc.ChainID)
	}
	return n, nil
}

// ContractAddress returns the contract address, zero when unset
func (cc ContractConfig) ContractAddress() common.Address {
	if cc.Address == "" {
		return common.Address{}
	}
	return common.HexToAddress(cc.Address)
}

// PollInterval returns the receipt poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Receipts.PollIntervalMs) * time.Millisecond
}

// HandshakeTimeout returns the bridge handshake timeout
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Provider.HandshakeTimeoutSecs) * time.Second
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Wallet.KeystoreDir = expandPath(c.Wallet.KeystoreDir)
	c.Wallet.PasswordFile = expandPath(c.Wallet.PasswordFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".walletlink", "config.yaml")
}
