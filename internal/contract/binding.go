// Package contract binds fixed contracts to a wallet session and runs their
// operations, writing every result to the session's status board.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/metrics"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/internal/session"
)

const defaultPollInterval = time.Second

// ErrReverted is returned when a mined transaction has status 0
var ErrReverted = errors.New("transaction reverted")

type settings struct {
	pollInterval time.Duration
	guard        bool
	rec          metrics.Recorder
}

// Option configures bindings, invokers and the contracts built on them
type Option func(*settings)

// WithPollInterval sets how often receipts are polled while awaiting inclusion
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSubmissionGuard rejects a write while another write from the same
// invoker has not settled.
func WithSubmissionGuard() Option {
	return func(s *settings) {
		s.guard = true
	}
}

// WithRecorder records settled operations
func WithRecorder(rec metrics.Recorder) Option {
	return func(s *settings) {
		if rec != nil {
			s.rec = rec
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		pollInterval: defaultPollInterval,
		rec:          metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Binding is a fixed contract address and ABI bound to the session signer.
// The signer is re-read whenever the session generation changes.
type Binding struct {
	name         string
	address      common.Address
	abi          abi.ABI
	session      *session.Manager
	pollInterval time.Duration

	mu      sync.Mutex
	signer  session.Signer
	bound   bool
	rebinds int
}

// NewBinding binds address and parsed ABI to a session
func NewBinding(name string, address common.Address, parsed abi.ABI, sess *session.Manager, opts ...Option) *Binding {
	cfg := newSettings(opts)
	return &Binding{
		name:         name,
		address:      address,
		abi:          parsed,
		session:      sess,
		pollInterval: cfg.pollInterval,
	}
}

// Name returns the contract name used in logs and metrics
func (b *Binding) Name() string { return b.name }

// Address returns the contract address
func (b *Binding) Address() common.Address { return b.address }

// Session returns the session the binding is attached to
func (b *Binding) Session() *session.Manager { return b.session }

// Signer returns the signer for the current session generation
func (b *Binding) Signer() (session.Signer, error) {
	s, err := b.session.Signer()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.bound = false
		return session.Signer{}, err
	}
	if !b.bound || s.Generation != b.signer.Generation {
		if b.bound {
			b.rebinds++
			logging.Debug("rebinding contract to new signer",
				logging.Contract(b.name),
				logging.Account(s.Account.Hex()),
				"generation", s.Generation)
		}
		b.signer = s
		b.bound = true
	}
	return b.signer, nil
}

// Rebinds returns how many times the binding picked up a new signer
func (b *Binding) Rebinds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rebinds
}

func (b *Binding) wallet() (provider.Provider, error) {
	p := b.session.Provider()
	if p == nil {
		return nil, provider.ErrNoProvider
	}
	return p, nil
}

// Call runs a read-only method with eth_call and returns the decoded outputs.
func (b *Binding) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	p, err := b.wallet()
	if err != nil {
		return nil, err
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	var from common.Address
	if s, err := b.Signer(); err == nil {
		from = s.Account
	}

	var out hexutil.Bytes
	call := provider.TxRequest{From: from, To: &b.address, Data: data}
	if err := provider.RequestInto(ctx, p, &out, provider.MethodCall, call, provider.BlockLatest); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", b.name, method, err)
	}

	values, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return values, nil
}

// Transact signs and submits a write method with eth_sendTransaction and
// returns the pending transaction hash.
func (b *Binding) Transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error) {
	p, err := b.wallet()
	if err != nil {
		return common.Hash{}, err
	}
	signer, err := b.Signer()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	tx := provider.TxRequest{From: signer.Account, To: &b.address, Data: data}
	if value != nil && value.Sign() > 0 {
		tx.Value = (*hexutil.Big)(value)
	}

	var hash common.Hash
	if err := provider.RequestInto(ctx, p, &hash, provider.MethodSendTransaction, tx); err != nil {
		return common.Hash{}, fmt.Errorf("%s.%s: %w", b.name, method, err)
	}

	logging.Info("transaction submitted",
		logging.Contract(b.name),
		logging.Method(method),
		logging.TxHash(hash.Hex()),
		logging.Account(signer.Account.Hex()))
	return hash, nil
}

// WaitMined polls for the receipt of hash until it is included. It waits as
// long as ctx allows. A reverted receipt is returned with ErrReverted.
func (b *Binding) WaitMined(ctx context.Context, hash common.Hash) (*provider.Receipt, error) {
	p, err := b.wallet()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *provider.Receipt
		if err := provider.RequestInto(ctx, p, &receipt, provider.MethodTransactionReceipt, hash); err != nil {
			return nil, fmt.Errorf("failed to fetch receipt for %s: %w", hash.Hex(), err)
		}
		if receipt != nil {
			if !receipt.Succeeded() {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
