package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/moltbunker/walletlink/internal/config"
	"github.com/moltbunker/walletlink/internal/contract"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/pkg/types"
)

// contractEnv is an initialized session for one contract's network
type contractEnv struct {
	*walletEnv
	network types.NetworkDescriptor
	sess    *session.Manager
}

func (c *contractEnv) Close() {
	c.sess.Close()
	c.walletEnv.Close()
}

// openContract loads the config, connects the wallet and initializes a
// session for the network cc is deployed on.
func openContract(ctx context.Context, cc func(*config.Config) config.ContractConfig, msgs func(types.NetworkDescriptor) session.Messages) (*contractEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	network, err := cfg.ContractNetwork(cc(cfg))
	if err != nil {
		return nil, err
	}

	env, err := openWallet(ctx, cfg, network.ChainID)
	if err != nil {
		return nil, err
	}

	sess := env.session(network, msgs(network))
	if err := sess.Init(ctx); err != nil {
		sess.Close()
		env.Close()
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return &contractEnv{walletEnv: env, network: network, sess: sess}, nil
}

func stakingConfig(cfg *config.Config) config.ContractConfig { return cfg.Contracts.Staking }

func factoryConfig(cfg *config.Config) config.ContractConfig { return cfg.Contracts.Factory }

func stakingMessages(network types.NetworkDescriptor) session.Messages {
	if network.ChainID == types.ChainIDHolesky {
		return contract.StakingMessages()
	}
	return session.DefaultMessages(network)
}

func factoryMessages(network types.NetworkDescriptor) session.Messages {
	if network.ChainID == types.ChainIDMainnet {
		return contract.FactoryMessages()
	}
	return session.DefaultMessages(network)
}

// withStaking runs fn against the configured staking contract
func withStaking(ctx context.Context, fn func(ctx context.Context, env *contractEnv, s *contract.Staking) error) error {
	env, err := openContract(ctx, stakingConfig, stakingMessages)
	if err != nil {
		return err
	}
	defer env.Close()

	staking, err := contract.NewStaking(env.sess, env.cfg.Contracts.Staking.ContractAddress(), env.contractOptions()...)
	if errors.Is(err, contract.ErrNoAddress) {
		return fmt.Errorf("%w: set contracts.staking.address in %s", err, configPath())
	}
	if err != nil {
		return err
	}
	return fn(ctx, env, staking)
}

// withFactory runs fn against the configured Uniswap V3 factory
func withFactory(ctx context.Context, fn func(ctx context.Context, env *contractEnv, f *contract.UniswapV3Factory) error) error {
	env, err := openContract(ctx, factoryConfig, factoryMessages)
	if err != nil {
		return err
	}
	defer env.Close()

	factory := contract.NewUniswapV3Factory(env.sess, env.cfg.Contracts.Factory.ContractAddress(), env.contractOptions()...)
	return fn(ctx, env, factory)
}
