package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/pkg/types"
)

// TxApproval describes a transaction awaiting the user's approval
type TxApproval struct {
	From    common.Address
	To      *common.Address
	Value   *big.Int
	Data    []byte
	Network types.NetworkDescriptor
}

// Approver stands in for the wallet's confirmation dialogs
type Approver interface {
	ApproveConnect(ctx context.Context, account common.Address) (bool, error)
	ApproveSwitch(ctx context.Context, network types.NetworkDescriptor) (bool, error)
	ApproveTransaction(ctx context.Context, tx TxApproval) (bool, error)
}

// AutoApprove approves every request
type AutoApprove struct{}

func (AutoApprove) ApproveConnect(context.Context, common.Address) (bool, error) { return true, nil }

func (AutoApprove) ApproveSwitch(context.Context, types.NetworkDescriptor) (bool, error) {
	return true, nil
}

func (AutoApprove) ApproveTransaction(context.Context, TxApproval) (bool, error) { return true, nil }

// Config holds configuration for the local wallet
type Config struct {
	// Networks the wallet knows without wallet_addEthereumChain
	Networks []types.NetworkDescriptor
	// ChainID is the initially active chain (default: first network)
	ChainID            uint64
	Dial               DialFunc
	Approver           Approver
	GasLimitMultiplier float64 // Multiplier for estimated gas (default: 1.2)
	MaxGasPrice        *big.Int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Networks:           types.DefaultNetworks(),
		Dial:               DialEthclient(nil),
		Approver:           AutoApprove{},
		GasLimitMultiplier: 1.2,
		MaxGasPrice:        big.NewInt(100e9), // 100 gwei max
	}
}

// LocalProvider is a provider.Provider backed by a keystore account. Chain
// reads and transaction broadcast go to the active network's RPC endpoint.
// Events are delivered synchronously on the goroutine whose request caused
// them, with no lock held.
type LocalProvider struct {
	wm        *WalletManager
	dial      DialFunc
	approver  Approver
	gasMult   float64
	maxGasFee *big.Int

	mu         sync.Mutex
	known      map[uint64]types.NetworkDescriptor
	chainID    uint64
	authorized bool
	backends   map[uint64]Backend
	subs       map[string]map[int]provider.EventHandler
	nextSub    int
	closed     bool

	// sendMu serializes nonce selection
	sendMu sync.Mutex
}

var _ provider.Provider = (*LocalProvider)(nil)

// NewLocalProvider creates a local wallet for wm
func NewLocalProvider(wm *WalletManager, config *Config) (*LocalProvider, error) {
	if !wm.IsLoaded() {
		return nil, errors.New("no wallet loaded")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Networks) == 0 {
		return nil, errors.New("at least one network is required")
	}

	p := &LocalProvider{
		wm:        wm,
		dial:      config.Dial,
		approver:  config.Approver,
		gasMult:   config.GasLimitMultiplier,
		maxGasFee: config.MaxGasPrice,
		known:     make(map[uint64]types.NetworkDescriptor),
		backends:  make(map[uint64]Backend),
		subs:      make(map[string]map[int]provider.EventHandler),
	}
	if p.dial == nil {
		p.dial = DialEthclient(nil)
	}
	if p.approver == nil {
		p.approver = AutoApprove{}
	}
	if p.gasMult < 1 {
		p.gasMult = 1
	}
	for _, n := range config.Networks {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		p.known[n.ChainID] = n
	}

	p.chainID = config.ChainID
	if p.chainID == 0 {
		p.chainID = config.Networks[0].ChainID
	}
	if _, ok := p.known[p.chainID]; !ok {
		return nil, fmt.Errorf("initial chain %d is not a configured network", p.chainID)
	}
	return p, nil
}

// Address returns the wallet account
func (p *LocalProvider) Address() common.Address { return p.wm.Address() }

// ChainID returns the active chain
func (p *LocalProvider) ChainID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID
}

// Disconnect revokes the dapp's access to the account
func (p *LocalProvider) Disconnect() {
	p.mu.Lock()
	was := p.authorized
	p.authorized = false
	p.mu.Unlock()
	if was {
		p.emit(provider.EventAccountsChanged, []string{})
	}
}

// Close drops RPC connections and subscribers and locks the wallet
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	backends := p.backends
	p.backends = make(map[uint64]Backend)
	p.subs = make(map[string]map[int]provider.EventHandler)
	p.mu.Unlock()

	for _, b := range backends {
		b.Close()
	}
	p.wm.Lock()
	return nil
}

// Subscribe implements provider.Provider
func (p *LocalProvider) Subscribe(_ context.Context, event string, fn provider.EventHandler) (provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, provider.ErrClosed
	}
	if p.subs[event] == nil {
		p.subs[event] = make(map[int]provider.EventHandler)
	}
	id := p.nextSub
	p.nextSub++
	p.subs[event][id] = fn

	return provider.SubscriptionFunc(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[event], id)
	}), nil
}

func (p *LocalProvider) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("failed to encode event", logging.Component("wallet"), "event", event, logging.Err(err))
		return
	}

	p.mu.Lock()
	handlers := make([]provider.EventHandler, 0, len(p.subs[event]))
	for _, fn := range p.subs[event] {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
}

// Request implements provider.Provider
func (p *LocalProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, provider.ErrClosed
	}

	raw, err := normalizeParams(params)
	if err != nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "%v", err)
	}

	result, err := p.dispatch(ctx, method, raw)
	if err != nil {
		logging.Debug("local wallet request failed",
			logging.Component("wallet"),
			logging.Method(method),
			logging.Err(err))
		return nil, err
	}
	return json.Marshal(result)
}

func (p *LocalProvider) dispatch(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	switch method {
	case provider.MethodAccounts:
		return p.accounts(), nil
	case provider.MethodRequestAccounts:
		return p.requestAccounts(ctx)
	case provider.MethodChainID:
		return types.ChainIDHex(p.ChainID()), nil
	case provider.MethodBlockNumber:
		b, _, err := p.backend(ctx)
		if err != nil {
			return nil, err
		}
		n, err := b.BlockNumber(ctx)
		if err != nil {
			return nil, rpcFailure(err)
		}
		return hexutil.Uint64(n), nil
	case provider.MethodSwitchChain:
		return p.switchChain(ctx, params)
	case provider.MethodAddChain:
		return p.addChain(ctx, params)
	case provider.MethodCall:
		return p.call(ctx, params)
	case provider.MethodSendTransaction:
		return p.sendTransaction(ctx, params)
	case provider.MethodTransactionReceipt:
		return p.receipt(ctx, params)
	}
	return nil, provider.NewError(provider.CodeUnsupportedMethod, "method %s not supported", method)
}

func (p *LocalProvider) accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authorized {
		return []string{}
	}
	return []string{p.wm.Address().Hex()}
}

func (p *LocalProvider) requestAccounts(ctx context.Context) (any, error) {
	p.mu.Lock()
	authorized := p.authorized
	p.mu.Unlock()
	if authorized {
		return p.accounts(), nil
	}

	ok, err := p.approver.ApproveConnect(ctx, p.wm.Address())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, provider.NewError(provider.CodeUserRejected, "User rejected the request.")
	}

	p.mu.Lock()
	p.authorized = true
	p.mu.Unlock()

	accounts := p.accounts()
	p.emit(provider.EventAccountsChanged, accounts)
	return accounts, nil
}

func (p *LocalProvider) switchChain(ctx context.Context, params []json.RawMessage) (any, error) {
	var cp provider.ChainParam
	if err := decodeParam(params, 0, &cp); err != nil {
		return nil, err
	}
	id, err := types.ParseChainID(cp.ChainID)
	if err != nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "%v", err)
	}

	p.mu.Lock()
	network, ok := p.known[id]
	current := p.chainID
	p.mu.Unlock()
	if !ok {
		return nil, provider.NewError(provider.CodeUnrecognizedChain,
			"Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", cp.ChainID)
	}
	if id == current {
		return nil, nil
	}

	approved, err := p.approver.ApproveSwitch(ctx, network)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, provider.NewError(provider.CodeUserRejected, "User rejected the request.")
	}
	p.activate(id)
	return nil, nil
}

func (p *LocalProvider) addChain(ctx context.Context, params []json.RawMessage) (any, error) {
	var desc types.NetworkDescriptor
	if err := decodeParam(params, 0, &desc); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "%v", err)
	}

	approved, err := p.approver.ApproveSwitch(ctx, desc)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, provider.NewError(provider.CodeUserRejected, "User rejected the request.")
	}

	p.mu.Lock()
	p.known[desc.ChainID] = desc
	if old, ok := p.backends[desc.ChainID]; ok {
		old.Close()
		delete(p.backends, desc.ChainID)
	}
	p.mu.Unlock()

	logging.Info("network added",
		logging.Component("wallet"),
		logging.ChainID(desc.ChainID),
		"name", desc.ChainName)
	p.activate(desc.ChainID)
	return nil, nil
}

func (p *LocalProvider) activate(id uint64) {
	p.mu.Lock()
	changed := p.chainID != id
	p.chainID = id
	p.mu.Unlock()
	if changed {
		p.emit(provider.EventChainChanged, types.ChainIDHex(id))
	}
}

// backend returns the RPC backend of the active chain, dialing it on first use
func (p *LocalProvider) backend(ctx context.Context) (Backend, uint64, error) {
	p.mu.Lock()
	id := p.chainID
	network := p.known[id]
	b, ok := p.backends[id]
	p.mu.Unlock()
	if ok {
		return b, id, nil
	}

	url := network.RPCURL()
	if url == "" {
		return nil, 0, provider.NewError(provider.CodeChainDisconnected, "no RPC endpoint for chain %d", id)
	}
	b, err := p.dial(ctx, url)
	if err != nil {
		return nil, 0, provider.NewError(provider.CodeChainDisconnected, "%v", err)
	}
	if err := verifyChainID(ctx, b, id); err != nil {
		b.Close()
		return nil, 0, provider.NewError(provider.CodeChainDisconnected, "%v", err)
	}

	p.mu.Lock()
	if existing, ok := p.backends[id]; ok {
		p.mu.Unlock()
		b.Close()
		return existing, id, nil
	}
	p.backends[id] = b
	p.mu.Unlock()
	return b, id, nil
}

func callMsg(tx provider.TxRequest) ethereum.CallMsg {
	msg := ethereum.CallMsg{From: tx.From, To: tx.To, Data: tx.Data}
	if tx.Value != nil {
		msg.Value = tx.Value.ToInt()
	}
	if tx.Gas != nil {
		msg.Gas = uint64(*tx.Gas)
	}
	return msg
}

func (p *LocalProvider) call(ctx context.Context, params []json.RawMessage) (any, error) {
	var tx provider.TxRequest
	if err := decodeParam(params, 0, &tx); err != nil {
		return nil, err
	}
	b, _, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	out, err := b.CallContract(ctx, callMsg(tx), nil)
	if err != nil {
		return nil, rpcFailure(err)
	}
	return hexutil.Bytes(out), nil
}

func (p *LocalProvider) sendTransaction(ctx context.Context, params []json.RawMessage) (any, error) {
	var req provider.TxRequest
	if err := decodeParam(params, 0, &req); err != nil {
		return nil, err
	}

	p.mu.Lock()
	authorized := p.authorized
	p.mu.Unlock()
	if !authorized || req.From != p.wm.Address() {
		return nil, provider.NewError(provider.CodeUnauthorized, "account %s not authorized", req.From.Hex())
	}

	b, chainID, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	network := p.known[chainID]
	p.mu.Unlock()

	msg := callMsg(req)
	approved, err := p.approver.ApproveTransaction(ctx, TxApproval{
		From:    req.From,
		To:      req.To,
		Value:   msg.Value,
		Data:    req.Data,
		Network: network,
	})
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, provider.NewError(provider.CodeUserRejected, "User denied transaction signature.")
	}
	if !p.wm.Unlocked() {
		return nil, provider.NewError(provider.CodeUnauthorized, "wallet %s is locked", req.From.Hex())
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	tx, err := p.buildTx(ctx, b, chainID, msg)
	if err != nil {
		return nil, err
	}
	signed, err := p.wm.SignTx(tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, provider.NewError(provider.CodeInternal, "%v", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return nil, rpcFailure(err)
	}

	logging.Info("transaction broadcast",
		logging.Component("wallet"),
		logging.TxHash(signed.Hash().Hex()),
		logging.ChainID(chainID),
		"nonce", signed.Nonce(),
		"gas", signed.Gas())
	return signed.Hash(), nil
}

// buildTx fills nonce, gas limit and fees. EIP-1559 chains get a dynamic
// fee transaction, others a legacy one.
func (p *LocalProvider) buildTx(ctx context.Context, b Backend, chainID uint64, msg ethereum.CallMsg) (*gethtypes.Transaction, error) {
	nonce, err := b.PendingNonceAt(ctx, msg.From)
	if err != nil {
		return nil, rpcFailure(fmt.Errorf("failed to get nonce: %w", err))
	}

	gas := msg.Gas
	if gas == 0 {
		estimated, err := b.EstimateGas(ctx, msg)
		if err != nil {
			return nil, rpcFailure(fmt.Errorf("failed to estimate gas: %w", err))
		}
		gas = uint64(float64(estimated) * p.gasMult)
	}

	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}

	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, rpcFailure(fmt.Errorf("failed to get latest header: %w", err))
	}

	if head.BaseFee != nil {
		tip, err := b.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, rpcFailure(fmt.Errorf("failed to get gas tip: %w", err))
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		if p.maxGasFee != nil && feeCap.Cmp(p.maxGasFee) > 0 {
			feeCap = new(big.Int).Set(p.maxGasFee)
		}
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
		return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        msg.To,
			Value:     value,
			Data:      msg.Data,
		}), nil
	}

	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, rpcFailure(fmt.Errorf("failed to get gas price: %w", err))
	}
	if p.maxGasFee != nil && gasPrice.Cmp(p.maxGasFee) > 0 {
		gasPrice = new(big.Int).Set(p.maxGasFee)
	}
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       msg.To,
		Value:    value,
		Data:     msg.Data,
	}), nil
}

func (p *LocalProvider) receipt(ctx context.Context, params []json.RawMessage) (any, error) {
	var hash common.Hash
	if err := decodeParam(params, 0, &hash); err != nil {
		return nil, err
	}
	b, _, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}

	r, err := b.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, rpcFailure(err)
	}

	out := &provider.Receipt{
		TransactionHash: r.TxHash,
		BlockHash:       r.BlockHash,
		BlockNumber:     (*hexutil.Big)(r.BlockNumber),
		Status:          hexutil.Uint64(r.Status),
		GasUsed:         hexutil.Uint64(r.GasUsed),
	}
	if r.ContractAddress != (common.Address{}) {
		addr := r.ContractAddress
		out.ContractAddress = &addr
	}
	return out, nil
}

// rpcFailure wraps a chain error the way a browser wallet reports it
func rpcFailure(err error) error {
	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		return err
	}
	return provider.NewError(provider.CodeInvalidInput, "%v", err)
}

func normalizeParams(params []any) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeParam(params []json.RawMessage, i int, out any) error {
	if i >= len(params) {
		return provider.NewError(provider.CodeInvalidParams, "missing parameter %d", i)
	}
	if err := json.Unmarshal(params[i], out); err != nil {
		return provider.NewError(provider.CodeInvalidParams, "parameter %d: %v", i, err)
	}
	return nil
}
