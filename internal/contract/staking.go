package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/internal/units"
	"github.com/moltbunker/walletlink/pkg/types"
)

// StakingName labels the staking contract in logs and metrics
const StakingName = "staking"

// ErrNoAddress is returned when a contract address is not configured
var ErrNoAddress = errors.New("contract address not configured")

// StakingMessages are the session texts used with the staking contract
func StakingMessages() session.Messages {
	msgs := session.DefaultMessages(types.Holesky)
	msgs.AddFailed = "Failed to add Holesky network to MetaMask"
	return msgs
}

// Staking runs operations against the native-currency staking contract.
type Staking struct {
	binding *Binding
	invoker *Invoker
}

// NewStaking binds the staking contract at address to sess
func NewStaking(sess *session.Manager, address common.Address, opts ...Option) (*Staking, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%s: %w", StakingName, ErrNoAddress)
	}
	b := NewBinding(StakingName, address, stakingABI, sess, opts...)
	return &Staking{
		binding: b,
		invoker: NewInvoker(b, opts...),
	}, nil
}

// Invoker returns the operation runner
func (s *Staking) Invoker() *Invoker { return s.invoker }

// Stake sends amount (decimal ETH) to stake()
func (s *Staking) Stake(ctx context.Context, amount string) (common.Hash, error) {
	if err := s.invoker.Require(amount, "Please enter an amount to stake"); err != nil {
		return common.Hash{}, err
	}
	wei, err := units.ParseEther(amount)
	if err != nil {
		return common.Hash{}, s.invoker.Reject(fmt.Sprintf("Invalid stake amount: %s", amount), err)
	}

	return s.invoker.RunWrite(ctx, Write{
		Name: "stake",
		Submit: func(ctx context.Context) (common.Hash, error) {
			return s.binding.Transact(ctx, wei, "stake")
		},
		Success: func(hash common.Hash) string {
			return fmt.Sprintf("Successfully staked %s ETH. Transaction hash: %s", units.FormatEther(wei), hash.Hex())
		},
		Failure: "Failed to stake. Please try again.",
		After:   s.Refresh,
	})
}

// Withdraw calls withdraw(amount) with amount in decimal ETH
func (s *Staking) Withdraw(ctx context.Context, amount string) (common.Hash, error) {
	if err := s.invoker.Require(amount, "Please enter an amount to withdraw"); err != nil {
		return common.Hash{}, err
	}
	wei, err := units.ParseEther(amount)
	if err != nil {
		return common.Hash{}, s.invoker.Reject(fmt.Sprintf("Invalid withdraw amount: %s", amount), err)
	}

	return s.invoker.RunWrite(ctx, Write{
		Name: "withdraw",
		Submit: func(ctx context.Context) (common.Hash, error) {
			return s.binding.Transact(ctx, nil, "withdraw", wei)
		},
		Success: func(hash common.Hash) string {
			return fmt.Sprintf("Successfully withdrew %s ETH. Transaction hash: %s", units.FormatEther(wei), hash.Hex())
		},
		Failure: "Failed to withdraw. Please try again.",
		After:   s.Refresh,
	})
}

// StakedBalance reads the active account's stake as decimal ETH
func (s *Staking) StakedBalance(ctx context.Context) (string, error) {
	var balance string
	err := s.invoker.RunRead(ctx, "staked_balance", "Failed to fetch staked balance. Please try again.",
		func(ctx context.Context) (string, error) {
			v, err := s.readStakedBalance(ctx)
			if err != nil {
				return "", err
			}
			balance = v
			s.invoker.Board().SetField(status.FieldStakedBalance, v)
			return fmt.Sprintf("Staked balance: %s ETH", v), nil
		})
	return balance, err
}

// TotalStaked reads the contract-wide stake as decimal ETH
func (s *Staking) TotalStaked(ctx context.Context) (string, error) {
	var total string
	err := s.invoker.RunRead(ctx, "total_staked", "Failed to fetch total staked. Please try again.",
		func(ctx context.Context) (string, error) {
			v, err := s.readTotalStaked(ctx)
			if err != nil {
				return "", err
			}
			total = v
			s.invoker.Board().SetField(status.FieldTotalStaked, v)
			return fmt.Sprintf("Total staked: %s ETH", v), nil
		})
	return total, err
}

// Refresh updates the balance fields without touching the status text
func (s *Staking) Refresh(ctx context.Context) error {
	balance, err := s.readStakedBalance(ctx)
	if err != nil {
		return err
	}
	total, err := s.readTotalStaked(ctx)
	if err != nil {
		return err
	}
	board := s.invoker.Board()
	board.SetField(status.FieldStakedBalance, balance)
	board.SetField(status.FieldTotalStaked, total)
	return nil
}

func (s *Staking) readStakedBalance(ctx context.Context) (string, error) {
	signer, err := s.binding.Signer()
	if err != nil {
		return "", err
	}
	out, err := s.binding.Call(ctx, "stakedBalance", signer.Account)
	if err != nil {
		return "", err
	}
	return formatWei(out)
}

func (s *Staking) readTotalStaked(ctx context.Context) (string, error) {
	out, err := s.binding.Call(ctx, "totalStaked")
	if err != nil {
		return "", err
	}
	return formatWei(out)
}

func formatWei(out []any) (string, error) {
	v, err := single[*big.Int](out)
	if err != nil {
		return "", err
	}
	return units.FormatEther(v), nil
}
