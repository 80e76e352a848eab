package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/config"
	"github.com/moltbunker/walletlink/internal/contract"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/metrics"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/internal/util"
	"github.com/moltbunker/walletlink/internal/wallet"
	"github.com/moltbunker/walletlink/pkg/types"
)

// walletEnv is the wallet connection of one CLI invocation. provider is nil
// when no wallet is available, which sessions report as "install a wallet".
type walletEnv struct {
	cfg       *config.Config
	collector *metrics.Collector
	provider  provider.Provider
	// prompts is set when the keystore wallet may ask on the terminal
	prompts bool
	closeFn func() error
}

// openWallet connects the configured provider. chainID is the chain a
// keystore wallet starts on.
func openWallet(ctx context.Context, cfg *config.Config, chainID uint64) (*walletEnv, error) {
	env := &walletEnv{
		cfg:       cfg,
		collector: metrics.NewCollector(),
	}

	var (
		p   provider.Provider
		err error
	)
	switch cfg.Provider.Kind {
	case config.ProviderKeystore:
		p, err = env.openKeystore(chainID)
	default:
		p, err = env.dialBridge(ctx)
	}
	if err != nil {
		return nil, err
	}

	env.provider = metrics.InstrumentProvider(p, env.collector)
	return env, nil
}

func dialRetry(cfg *config.Config) *util.RetryConfig {
	retry := util.DefaultRetryConfig()
	retry.MaxRetries = cfg.Provider.DialRetries
	if cfg.Provider.DialRetryInitialDelay > 0 {
		retry.BaseDelay = time.Duration(cfg.Provider.DialRetryInitialDelay) * time.Millisecond
	}
	return retry
}

func (e *walletEnv) dialBridge(ctx context.Context) (provider.Provider, error) {
	p, err := provider.DialWS(ctx, &provider.WSConfig{
		Endpoint:          e.cfg.Provider.Endpoint,
		Identity:          e.cfg.Provider.Identity,
		Origin:            e.cfg.Provider.Origin,
		RequestsPerSecond: e.cfg.Provider.RequestsPerSecond,
		Burst:             e.cfg.Provider.Burst,
		HandshakeTimeout:  e.cfg.HandshakeTimeout(),
		Retry:             dialRetry(e.cfg),
		SOCKSProxy:        e.cfg.Provider.SOCKSProxy,
	})
	if err != nil {
		if provider.IsUserRejected(err) {
			return nil, err
		}
		logging.Warn("wallet bridge unavailable",
			logging.Component("cli"),
			"endpoint", e.cfg.Provider.Endpoint,
			logging.Err(err))
		return nil, nil
	}
	e.closeFn = p.Close
	return p, nil
}

func (e *walletEnv) openKeystore(chainID uint64) (provider.Provider, error) {
	wm, err := wallet.LoadWalletManager(e.cfg.Wallet.KeystoreDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if wm == nil {
		logging.Warn("no wallet in keystore",
			logging.Component("cli"),
			"dir", e.cfg.Wallet.KeystoreDir)
		return nil, nil
	}

	password, err := walletPassword(wm.Address(), e.cfg)
	if err != nil {
		return nil, err
	}
	if err := wm.Unlock(password); err != nil {
		return nil, fmt.Errorf("failed to unlock wallet (wrong password?): %w", err)
	}

	var approver wallet.Approver = wallet.AutoApprove{}
	if !e.cfg.Wallet.AutoApprove {
		approver = newPromptApprover()
		e.prompts = true
	}

	var maxGasPrice *big.Int
	if gwei := e.cfg.Wallet.MaxGasPriceGwei; gwei > 0 {
		maxGasPrice = new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(1e9))
	}

	lp, err := wallet.NewLocalProvider(wm, &wallet.Config{
		Networks:           e.cfg.Networks,
		ChainID:            chainID,
		Dial:               wallet.DialEthclient(dialRetry(e.cfg)),
		Approver:           approver,
		GasLimitMultiplier: e.cfg.Wallet.GasLimitMultiplier,
		MaxGasPrice:        maxGasPrice,
	})
	if err != nil {
		wm.Lock()
		return nil, fmt.Errorf("failed to open keystore wallet: %w", err)
	}
	e.closeFn = lp.Close

	logging.Debug("keystore wallet unlocked",
		logging.Component("cli"),
		logging.Account(wm.Address().Hex()))
	return lp, nil
}

// walletPassword resolves the keystore password from the password file or
// keyring, falling back to a terminal prompt.
func walletPassword(account common.Address, cfg *config.Config) (string, error) {
	var store *wallet.PasswordStore
	if cfg.Wallet.UseKeyring {
		s, err := wallet.OpenPasswordStore(nil)
		if err != nil {
			logging.Debug("keyring unavailable",
				logging.Component("cli"),
				logging.Err(err))
		} else {
			store = s
		}
	}

	password, err := wallet.ResolvePassword(account, cfg.Wallet.PasswordFile, store)
	if errors.Is(err, wallet.ErrNoPassword) && isInteractive() {
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err = readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get wallet password: %w", err)
	}
	return password, nil
}

// Close releases the provider
func (e *walletEnv) Close() {
	if e.closeFn == nil {
		return
	}
	if err := e.closeFn(); err != nil {
		logging.Debug("provider close failed",
			logging.Component("cli"),
			logging.Err(err))
	}
}

// session creates a session for a contract's network
func (e *walletEnv) session(network types.NetworkDescriptor, msgs session.Messages) *session.Manager {
	return session.New(e.provider, network, status.NewBoard(),
		session.WithMetrics(e.collector),
		session.WithMessages(msgs))
}

// contractOptions applies the receipt and guard settings
func (e *walletEnv) contractOptions() []contract.Option {
	opts := []contract.Option{
		contract.WithPollInterval(e.cfg.PollInterval()),
		contract.WithRecorder(e.collector),
	}
	if e.cfg.Contracts.SubmissionGuard {
		opts = append(opts, contract.WithSubmissionGuard())
	}
	return opts
}

// run shows a spinner around fn unless the wallet may prompt meanwhile
func (e *walletEnv) run(msg string, fn func() error) error {
	if e.prompts || jsonOutput() {
		return fn()
	}
	return WithSpinner(msg, fn)
}
