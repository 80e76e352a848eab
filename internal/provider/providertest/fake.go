// Package providertest provides a programmable in-memory wallet provider
// for tests of code that depends on provider.Provider.
package providertest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/pkg/types"
)

// Call is one recorded request
type Call struct {
	Method string
	Params []json.RawMessage
}

// HandlerFunc overrides the built-in behaviour of a method
type HandlerFunc func(ctx context.Context, params []json.RawMessage) (any, error)

// Fake is an in-memory EIP-1193 wallet. It is safe for concurrent use.
// Event handlers are called synchronously on the goroutine that caused the
// event, with no internal lock held.
type Fake struct {
	mu sync.Mutex

	accounts   []common.Address
	authorized bool
	chainID    uint64
	known      map[uint64]types.NetworkDescriptor
	block      uint64

	rejectConnect bool
	rejectSwitch  bool
	rejectAdd     bool
	failures      map[string]error
	handlers      map[string]HandlerFunc
	holds         map[string]chan struct{}

	contracts    map[common.Address]*ContractSim
	receipts     map[common.Hash]*provider.Receipt
	receiptDelay map[common.Hash]int
	pollsBefore  int
	revertNext   bool
	txCount      uint64

	calls   []Call
	subs    map[string]map[int]provider.EventHandler
	nextSub int
}

var _ provider.Provider = (*Fake)(nil)

// NewFake creates a wallet on chainID holding accounts. No account is
// authorized until eth_requestAccounts succeeds or Authorize is called.
func NewFake(chainID uint64, accounts ...common.Address) *Fake {
	f := &Fake{
		accounts:     accounts,
		chainID:      chainID,
		known:        make(map[uint64]types.NetworkDescriptor),
		block:        1,
		failures:     make(map[string]error),
		handlers:     make(map[string]HandlerFunc),
		holds:        make(map[string]chan struct{}),
		contracts:    make(map[common.Address]*ContractSim),
		receipts:     make(map[common.Hash]*provider.Receipt),
		receiptDelay: make(map[common.Hash]int),
		subs:         make(map[string]map[int]provider.EventHandler),
	}
	f.known[chainID] = types.NetworkDescriptor{ChainID: chainID}
	return f
}

// Authorize marks the wallet's accounts as already authorized for this dapp
func (f *Fake) Authorize() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized = true
	return f
}

// AddKnownChain makes the wallet recognize a chain without prompting to add it
func (f *Fake) AddKnownChain(desc types.NetworkDescriptor) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[desc.ChainID] = desc
	return f
}

// KnownChain returns the descriptor the wallet holds for id
func (f *Fake) KnownChain(id uint64) (types.NetworkDescriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc, ok := f.known[id]
	return desc, ok
}

// RejectConnect makes eth_requestAccounts fail with 4001
func (f *Fake) RejectConnect(reject bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectConnect = reject
	return f
}

// RejectSwitch makes wallet_switchEthereumChain fail with 4001 for known chains
func (f *Fake) RejectSwitch(reject bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSwitch = reject
	return f
}

// RejectAdd makes wallet_addEthereumChain fail with 4001
func (f *Fake) RejectAdd(reject bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAdd = reject
	return f
}

// Fail makes every request for method return err. A nil err clears it.
func (f *Fake) Fail(method string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
	} else {
		f.failures[method] = err
	}
	return f
}

// Handle replaces the built-in behaviour of method
func (f *Fake) Handle(method string, fn HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
	return f
}

// Hold blocks requests for method until the returned release func is called.
func (f *Fake) Hold(method string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[method] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.holds[method] == ch {
				delete(f.holds, method)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Deploy installs a simulated contract at addr
func (f *Fake) Deploy(addr common.Address, sim *ContractSim) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[addr] = sim
	return f
}

// RevertNext makes the next sent transaction be mined with status 0
func (f *Fake) RevertNext() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertNext = true
	return f
}

// SetReceiptDelay makes each new transaction report no receipt for n polls
func (f *Fake) SetReceiptDelay(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollsBefore = n
	return f
}

// ChainID returns the wallet's active chain
func (f *Fake) ChainID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID
}

// Calls returns every recorded request in order
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many requests for method were made
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastCall returns the most recent request for method
func (f *Fake) LastCall(method string) (Call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i], true
		}
	}
	return Call{}, false
}

// ResetCalls forgets recorded requests
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Subscribers returns the number of live handlers for event
func (f *Fake) Subscribers(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[event])
}

// Subscribe implements provider.Provider
func (f *Fake) Subscribe(_ context.Context, event string, fn provider.EventHandler) (provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[event] == nil {
		f.subs[event] = make(map[int]provider.EventHandler)
	}
	id := f.nextSub
	f.nextSub++
	f.subs[event][id] = fn

	return provider.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[event], id)
	}), nil
}

// Emit delivers an event with an arbitrary payload to subscribers
func (f *Fake) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("providertest: marshal %s payload: %v", event, err))
	}

	f.mu.Lock()
	handlers := make([]provider.EventHandler, 0, len(f.subs[event]))
	for _, fn := range f.subs[event] {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
}

// EmitAccountsChanged changes the authorized accounts and notifies subscribers.
// No accounts means the wallet disconnected the dapp.
func (f *Fake) EmitAccountsChanged(accounts ...common.Address) {
	f.mu.Lock()
	f.accounts = accounts
	f.authorized = len(accounts) > 0
	f.mu.Unlock()

	f.Emit(provider.EventAccountsChanged, hexAccounts(accounts))
}

// EmitChainChanged switches the active chain from the wallet side
func (f *Fake) EmitChainChanged(id uint64) {
	f.mu.Lock()
	f.chainID = id
	f.mu.Unlock()
	f.Emit(provider.EventChainChanged, types.ChainIDHex(id))
}

// Request implements provider.Provider
func (f *Fake) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw, err := normalizeParams(params)
	if err != nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "%v", err)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: raw})
	hold := f.holds[method]
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	failure := f.failures[method]
	handler := f.handlers[method]
	f.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	var result any
	if handler != nil {
		result, err = handler(ctx, raw)
	} else {
		result, err = f.dispatch(method, raw)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (f *Fake) dispatch(method string, params []json.RawMessage) (any, error) {
	switch method {
	case provider.MethodAccounts:
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.authorized {
			return []string{}, nil
		}
		return hexAccounts(f.accounts), nil

	case provider.MethodRequestAccounts:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectConnect {
			return nil, provider.NewError(provider.CodeUserRejected, "User rejected the request.")
		}
		f.authorized = true
		return hexAccounts(f.accounts), nil

	case provider.MethodChainID:
		return types.ChainIDHex(f.ChainID()), nil

	case provider.MethodBlockNumber:
		f.mu.Lock()
		defer f.mu.Unlock()
		return hexutil.Uint64(f.block), nil

	case provider.MethodSwitchChain:
		return f.switchChain(params)

	case provider.MethodAddChain:
		return f.addChain(params)

	case provider.MethodCall:
		return f.call(params)

	case provider.MethodSendTransaction:
		return f.sendTransaction(params)

	case provider.MethodTransactionReceipt:
		return f.receipt(params)
	}
	return nil, provider.NewError(provider.CodeUnsupportedMethod, "method %s not supported", method)
}

func (f *Fake) switchChain(params []json.RawMessage) (any, error) {
	var p provider.ChainParam
	if err := decodeParam(params, 0, &p); err != nil {
		return nil, err
	}
	id, err := types.ParseChainID(p.ChainID)
	if err != nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "%v", err)
	}

	f.mu.Lock()
	if _, ok := f.known[id]; !ok {
		f.mu.Unlock()
		return nil, provider.NewError(provider.CodeUnrecognizedChain,
			"Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", p.ChainID)
	}
	if f.rejectSwitch {
		f.mu.Unlock()
		return nil, provider.NewError(provider.CodeUserRejected, "User rejected the request.")
	}
	changed := f.chainID != id
	f.chainID = id
	f.mu.Unlock()

	if changed {
		f.Emit(provider.EventChainChanged, types.ChainIDHex(id))
	}
	return nil, nil
}

func (f *Fake) addChain(params []json.RawMessage) (any, error) {
	var desc types.NetworkDescriptor
	if err := decodeParam(params, 0, &desc); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "%v", err)
	}

	f.mu.Lock()
	if f.rejectAdd {
		f.mu.Unlock()
		return nil, provider.NewError(provider.CodeUserRejected, "User rejected the request.")
	}
	f.known[desc.ChainID] = desc
	changed := f.chainID != desc.ChainID
	f.chainID = desc.ChainID
	f.mu.Unlock()

	if changed {
		f.Emit(provider.EventChainChanged, types.ChainIDHex(desc.ChainID))
	}
	return nil, nil
}

func (f *Fake) contractFor(tx *provider.TxRequest) (*ContractSim, error) {
	if tx.To == nil {
		return nil, provider.NewError(provider.CodeInvalidParams, "missing to address")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sim, ok := f.contracts[*tx.To]
	if !ok {
		return nil, provider.NewError(provider.CodeInvalidInput, "no contract at %s", tx.To.Hex())
	}
	return sim, nil
}

func (f *Fake) call(params []json.RawMessage) (any, error) {
	var tx provider.TxRequest
	if err := decodeParam(params, 0, &tx); err != nil {
		return nil, err
	}
	sim, err := f.contractFor(&tx)
	if err != nil {
		return nil, err
	}
	out, err := sim.Exec(tx.From, tx.Value.ToInt(), tx.Data, true)
	if err != nil {
		return nil, provider.NewError(provider.CodeInvalidInput, "execution reverted: %v", err)
	}
	return hexutil.Bytes(out), nil
}

func (f *Fake) sendTransaction(params []json.RawMessage) (any, error) {
	var tx provider.TxRequest
	if err := decodeParam(params, 0, &tx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	authorized := f.authorized && containsAccount(f.accounts, tx.From)
	f.mu.Unlock()
	if !authorized {
		return nil, provider.NewError(provider.CodeUnauthorized, "account %s not authorized", tx.From.Hex())
	}

	sim, err := f.contractFor(&tx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	revert := f.revertNext
	f.revertNext = false
	f.txCount++
	f.block++
	seq := f.txCount
	block := f.block
	delay := f.pollsBefore
	f.mu.Unlock()

	if !revert {
		if _, err := sim.Exec(tx.From, tx.Value.ToInt(), tx.Data, false); err != nil {
			return nil, provider.NewError(provider.CodeInvalidInput, "execution reverted: %v", err)
		}
	}

	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], seq)
	hash := crypto.Keccak256Hash(tx.From.Bytes(), seed[:])

	status := hexutil.Uint64(provider.ReceiptStatusSuccessful)
	if revert {
		status = provider.ReceiptStatusFailed
	}

	f.mu.Lock()
	f.receipts[hash] = &provider.Receipt{
		TransactionHash: hash,
		BlockHash:       crypto.Keccak256Hash(hash.Bytes()),
		BlockNumber:     (*hexutil.Big)(new(big.Int).SetUint64(block)),
		Status:          status,
		GasUsed:         21000,
	}
	f.receiptDelay[hash] = delay
	f.mu.Unlock()

	return hash, nil
}

func (f *Fake) receipt(params []json.RawMessage) (any, error) {
	var hash common.Hash
	if err := decodeParam(params, 0, &hash); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptDelay[hash] > 0 {
		f.receiptDelay[hash]--
		return nil, nil
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, nil
	}
	return r, nil
}

// normalizeParams round-trips params through JSON so the fake sees exactly
// what a remote wallet would.
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

func hexAccounts(accounts []common.Address) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Hex()
	}
	return out
}

func containsAccount(accounts []common.Address, a common.Address) bool {
	for _, acc := range accounts {
		if acc == a {
			return true
		}
	}
	return false
}
