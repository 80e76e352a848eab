package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/pkg/types"
)

// fakeBackend is an in-memory chain that mines every transaction at once
type fakeBackend struct {
	mu          sync.Mutex
	chainID     uint64
	block       uint64
	baseFee     *big.Int
	tip         *big.Int
	gasPrice    *big.Int
	gasEstimate uint64
	nonce       uint64
	callResult  []byte
	lastCall    ethereum.CallMsg
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
	closed      bool
}

func newFakeBackend(chainID uint64) *fakeBackend {
	return &fakeBackend{
		chainID:     chainID,
		block:       100,
		baseFee:     big.NewInt(10e9),
		tip:         big.NewInt(1e9),
		gasPrice:    big.NewInt(20e9),
		gasEstimate: 50000,
		nonce:       5,
		receipts:    make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(b.chainID), nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &gethtypes.Header{Number: new(big.Int).SetUint64(b.block), BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCall = msg
	return b.callResult, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return b.gasEstimate, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return b.gasPrice, nil }

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return b.tip, nil }

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.nonce++
	b.block++
	b.receipts[tx.Hash()] = &gethtypes.Receipt{
		TxHash:      tx.Hash(),
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     21000,
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *fakeBackend) sentTxs() []*gethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), b.sent...)
}

// scriptedApprover answers with fixed decisions and counts prompts
type scriptedApprover struct {
	mu          sync.Mutex
	connect     bool
	chain       bool
	transaction bool
	prompts     []string
}

func approveAll() *scriptedApprover {
	return &scriptedApprover{connect: true, chain: true, transaction: true}
}

func (a *scriptedApprover) record(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, kind)
}

func (a *scriptedApprover) count(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.prompts {
		if p == kind {
			n++
		}
	}
	return n
}

func (a *scriptedApprover) ApproveConnect(context.Context, common.Address) (bool, error) {
	a.record("connect")
	return a.connect, nil
}

func (a *scriptedApprover) ApproveSwitch(context.Context, types.NetworkDescriptor) (bool, error) {
	a.record("switch")
	return a.chain, nil
}

func (a *scriptedApprover) ApproveTransaction(context.Context, TxApproval) (bool, error) {
	a.record("transaction")
	return a.transaction, nil
}

type localEnv struct {
	wm       *WalletManager
	p        *LocalProvider
	approver *scriptedApprover
	chains   map[uint64]*fakeBackend
}

func newLocalEnv(t *testing.T, approver *scriptedApprover) *localEnv {
	t.Helper()
	wm, err := CreateWalletManager(t.TempDir(), "pw")
	if err != nil {
		t.Fatalf("CreateWalletManager: %v", err)
	}
	if err := wm.Unlock("pw"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	networks := types.DefaultNetworks()
	chains := make(map[uint64]*fakeBackend)
	byURL := make(map[string]*fakeBackend)
	for _, n := range networks {
		b := newFakeBackend(n.ChainID)
		chains[n.ChainID] = b
		byURL[n.RPCURL()] = b
	}

	cfg := DefaultConfig()
	cfg.Networks = networks
	cfg.Approver = approver
	cfg.Dial = func(_ context.Context, url string) (Backend, error) {
		b, ok := byURL[url]
		if !ok {
			return nil, errors.New("unknown rpc url " + url)
		}
		return b, nil
	}

	p, err := NewLocalProvider(wm, cfg)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return &localEnv{wm: wm, p: p, approver: approver, chains: chains}
}

func (e *localEnv) connect(t *testing.T) {
	t.Helper()
	if _, err := e.p.Request(context.Background(), provider.MethodRequestAccounts); err != nil {
		t.Fatalf("eth_requestAccounts: %v", err)
	}
}

func requestAccounts(t *testing.T, p provider.Provider, method string) []common.Address {
	t.Helper()
	var out []common.Address
	if err := provider.RequestInto(context.Background(), p, &out, method); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return out
}

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	if got := provider.Code(err); got != code {
		t.Fatalf("error code = %d (%v), want %d", got, err, code)
	}
}

func TestNewLocalProvider_Validation(t *testing.T) {
	if _, err := NewLocalProvider(nil, nil); err == nil {
		t.Error("expected error without a wallet")
	}

	wm, err := CreateWalletManager(t.TempDir(), "pw")
	if err != nil {
		t.Fatalf("CreateWalletManager: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ChainID = 5
	if _, err := NewLocalProvider(wm, cfg); err == nil {
		t.Error("expected error for unknown initial chain")
	}

	p, err := NewLocalProvider(wm, nil)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	if p.ChainID() != types.ChainIDHolesky {
		t.Errorf("initial chain = %d, want first network", p.ChainID())
	}
}

func TestAccounts_EmptyUntilApproved(t *testing.T) {
	env := newLocalEnv(t, approveAll())

	if got := requestAccounts(t, env.p, provider.MethodAccounts); len(got) != 0 {
		t.Fatalf("eth_accounts before approval = %v", got)
	}

	var events []json.RawMessage
	sub, err := env.p.Subscribe(context.Background(), provider.EventAccountsChanged, func(payload json.RawMessage) {
		events = append(events, payload)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	got := requestAccounts(t, env.p, provider.MethodRequestAccounts)
	if len(got) != 1 || got[0] != env.wm.Address() {
		t.Fatalf("eth_requestAccounts = %v", got)
	}
	if len(events) != 1 {
		t.Fatalf("accountsChanged events = %d, want 1", len(events))
	}

	// Already authorized: no second prompt
	requestAccounts(t, env.p, provider.MethodRequestAccounts)
	if n := env.approver.count("connect"); n != 1 {
		t.Errorf("connect prompts = %d, want 1", n)
	}
	if got := requestAccounts(t, env.p, provider.MethodAccounts); len(got) != 1 {
		t.Errorf("eth_accounts after approval = %v", got)
	}

	env.p.Disconnect()
	if got := requestAccounts(t, env.p, provider.MethodAccounts); len(got) != 0 {
		t.Errorf("eth_accounts after disconnect = %v", got)
	}
	if string(events[len(events)-1]) != "[]" {
		t.Errorf("disconnect event = %s, want []", events[len(events)-1])
	}
}

func TestRequestAccounts_Denied(t *testing.T) {
	env := newLocalEnv(t, &scriptedApprover{})

	_, err := env.p.Request(context.Background(), provider.MethodRequestAccounts)
	wantCode(t, err, provider.CodeUserRejected)
	if !provider.IsUserRejected(err) {
		t.Error("expected user rejection")
	}
}

func TestChainID(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	var id string
	if err := provider.RequestInto(context.Background(), env.p, &id, provider.MethodChainID); err != nil {
		t.Fatalf("eth_chainId: %v", err)
	}
	if id != "0x4268" {
		t.Errorf("chain id = %s, want 0x4268", id)
	}
}

func TestSwitchChain(t *testing.T) {
	ctx := context.Background()
	env := newLocalEnv(t, approveAll())

	var changed []string
	sub, _ := env.p.Subscribe(ctx, provider.EventChainChanged, func(payload json.RawMessage) {
		var id string
		_ = json.Unmarshal(payload, &id)
		changed = append(changed, id)
	})
	defer sub.Unsubscribe()

	// Same chain: no prompt, no event
	if _, err := env.p.Request(ctx, provider.MethodSwitchChain, provider.ChainParam{ChainID: "0x4268"}); err != nil {
		t.Fatalf("switch to current chain: %v", err)
	}
	if env.approver.count("switch") != 0 || len(changed) != 0 {
		t.Error("switching to the active chain should be a no-op")
	}

	if _, err := env.p.Request(ctx, provider.MethodSwitchChain, provider.ChainParam{ChainID: "0x1"}); err != nil {
		t.Fatalf("switch to mainnet: %v", err)
	}
	if env.p.ChainID() != types.ChainIDMainnet {
		t.Errorf("chain = %d, want 1", env.p.ChainID())
	}
	if len(changed) != 1 || changed[0] != "0x1" {
		t.Errorf("chainChanged events = %v", changed)
	}
}

func TestSwitchChain_Unknown(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	_, err := env.p.Request(context.Background(), provider.MethodSwitchChain, provider.ChainParam{ChainID: "0x2105"})
	wantCode(t, err, provider.CodeUnrecognizedChain)
	if !provider.IsUnrecognizedChain(err) {
		t.Error("expected unrecognized chain")
	}
}

func TestSwitchChain_Denied(t *testing.T) {
	env := newLocalEnv(t, &scriptedApprover{connect: true})
	_, err := env.p.Request(context.Background(), provider.MethodSwitchChain, provider.ChainParam{ChainID: "0x1"})
	wantCode(t, err, provider.CodeUserRejected)
	if env.p.ChainID() != types.ChainIDHolesky {
		t.Error("chain changed despite rejection")
	}
}

func TestAddChain(t *testing.T) {
	ctx := context.Background()
	env := newLocalEnv(t, approveAll())

	base := types.NetworkDescriptor{
		ChainID:        8453,
		ChainName:      "Base",
		NativeCurrency: types.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:        []string{"https://mainnet.base.org"},
	}
	if _, err := env.p.Request(ctx, provider.MethodAddChain, base); err != nil {
		t.Fatalf("wallet_addEthereumChain: %v", err)
	}
	if env.p.ChainID() != 8453 {
		t.Errorf("chain after add = %d, want 8453", env.p.ChainID())
	}
	if _, err := env.p.Request(ctx, provider.MethodSwitchChain, provider.ChainParam{ChainID: "0x2105"}); err != nil {
		t.Errorf("switch to added chain: %v", err)
	}

	_, err := env.p.Request(ctx, provider.MethodAddChain, types.NetworkDescriptor{ChainID: 99})
	wantCode(t, err, provider.CodeInvalidParams)
}

func TestSendTransaction_DynamicFee(t *testing.T) {
	ctx := context.Background()
	env := newLocalEnv(t, approveAll())
	env.connect(t)

	to := common.HexToAddress("0x5000000000000000000000000000000000000005")
	value := big.NewInt(1.5e18)
	req := provider.TxRequest{
		From:  env.wm.Address(),
		To:    &to,
		Data:  hexutil.Bytes{0x3a, 0x4b, 0x66, 0xf1},
		Value: (*hexutil.Big)(value),
	}

	var hash common.Hash
	if err := provider.RequestInto(ctx, env.p, &hash, provider.MethodSendTransaction, req); err != nil {
		t.Fatalf("eth_sendTransaction: %v", err)
	}

	sent := env.chains[types.ChainIDHolesky].sentTxs()
	if len(sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(sent))
	}
	tx := sent[0]
	if tx.Hash() != hash {
		t.Errorf("returned hash %s, broadcast %s", hash.Hex(), tx.Hash().Hex())
	}
	if tx.Type() != gethtypes.DynamicFeeTxType {
		t.Errorf("tx type = %d, want dynamic fee", tx.Type())
	}
	if tx.ChainId().Uint64() != types.ChainIDHolesky {
		t.Errorf("chain id = %s", tx.ChainId())
	}
	if tx.Nonce() != 5 {
		t.Errorf("nonce = %d, want 5", tx.Nonce())
	}
	if tx.Gas() != 60000 {
		t.Errorf("gas = %d, want estimate * 1.2", tx.Gas())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(21e9)) != 0 || tx.GasTipCap().Cmp(big.NewInt(1e9)) != 0 {
		t.Errorf("fees = %s/%s", tx.GasFeeCap(), tx.GasTipCap())
	}
	if tx.Value().Cmp(value) != 0 || *tx.To() != to {
		t.Errorf("value/to = %s/%s", tx.Value(), tx.To().Hex())
	}

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if sender != env.wm.Address() {
		t.Errorf("signed by %s, want %s", sender.Hex(), env.wm.Address().Hex())
	}
}

func TestSendTransaction_LegacyCapped(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	env.connect(t)
	chain := env.chains[types.ChainIDHolesky]
	chain.baseFee = nil
	chain.gasPrice = big.NewInt(500e9)

	gas := hexutil.Uint64(30000)
	req := provider.TxRequest{From: env.wm.Address(), To: &common.Address{1}, Gas: &gas}
	if _, err := env.p.Request(context.Background(), provider.MethodSendTransaction, req); err != nil {
		t.Fatalf("eth_sendTransaction: %v", err)
	}

	tx := chain.sentTxs()[0]
	if tx.Type() != gethtypes.LegacyTxType {
		t.Errorf("tx type = %d, want legacy", tx.Type())
	}
	if tx.GasPrice().Cmp(big.NewInt(100e9)) != 0 {
		t.Errorf("gas price = %s, want capped at 100 gwei", tx.GasPrice())
	}
	if tx.Gas() != 30000 {
		t.Errorf("gas = %d, want caller's limit", tx.Gas())
	}
}

func TestSendTransaction_Unauthorized(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	req := provider.TxRequest{From: env.wm.Address(), To: &common.Address{1}}

	_, err := env.p.Request(context.Background(), provider.MethodSendTransaction, req)
	wantCode(t, err, provider.CodeUnauthorized)

	env.connect(t)
	req.From = common.Address{2}
	_, err = env.p.Request(context.Background(), provider.MethodSendTransaction, req)
	wantCode(t, err, provider.CodeUnauthorized)
}

func TestSendTransaction_Rejected(t *testing.T) {
	env := newLocalEnv(t, &scriptedApprover{connect: true})
	env.connect(t)

	req := provider.TxRequest{From: env.wm.Address(), To: &common.Address{1}}
	_, err := env.p.Request(context.Background(), provider.MethodSendTransaction, req)
	wantCode(t, err, provider.CodeUserRejected)
	if n := len(env.chains[types.ChainIDHolesky].sentTxs()); n != 0 {
		t.Errorf("broadcast %d transactions after rejection", n)
	}
}

func TestSendTransaction_Locked(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	env.connect(t)
	env.wm.Lock()

	req := provider.TxRequest{From: env.wm.Address(), To: &common.Address{1}}
	_, err := env.p.Request(context.Background(), provider.MethodSendTransaction, req)
	wantCode(t, err, provider.CodeUnauthorized)
}

func TestReceipt(t *testing.T) {
	ctx := context.Background()
	env := newLocalEnv(t, approveAll())
	env.connect(t)

	var missing *provider.Receipt
	if err := provider.RequestInto(ctx, env.p, &missing, provider.MethodTransactionReceipt, common.Hash{9}); err != nil {
		t.Fatalf("receipt for unknown hash: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected null receipt, got %+v", missing)
	}

	var hash common.Hash
	req := provider.TxRequest{From: env.wm.Address(), To: &common.Address{1}}
	if err := provider.RequestInto(ctx, env.p, &hash, provider.MethodSendTransaction, req); err != nil {
		t.Fatalf("eth_sendTransaction: %v", err)
	}

	var r *provider.Receipt
	if err := provider.RequestInto(ctx, env.p, &r, provider.MethodTransactionReceipt, hash); err != nil {
		t.Fatalf("eth_getTransactionReceipt: %v", err)
	}
	if !r.Succeeded() || r.TransactionHash != hash {
		t.Errorf("receipt = %+v", r)
	}
}

func TestCall(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	chain := env.chains[types.ChainIDHolesky]
	chain.callResult = common.LeftPadBytes([]byte{7}, 32)

	to := common.Address{5}
	var out hexutil.Bytes
	req := provider.TxRequest{To: &to, Data: hexutil.Bytes{1, 2, 3, 4}}
	if err := provider.RequestInto(context.Background(), env.p, &out, provider.MethodCall, req, provider.BlockLatest); err != nil {
		t.Fatalf("eth_call: %v", err)
	}
	if new(big.Int).SetBytes(out).Int64() != 7 {
		t.Errorf("result = %x", []byte(out))
	}
	if *chain.lastCall.To != to || len(chain.lastCall.Data) != 4 {
		t.Errorf("call = %+v", chain.lastCall)
	}
}

func TestBackend_ChainMismatch(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	env.chains[types.ChainIDHolesky].chainID = 1

	_, err := env.p.Request(context.Background(), provider.MethodBlockNumber)
	wantCode(t, err, provider.CodeChainDisconnected)
}

func TestUnsupportedMethod(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	_, err := env.p.Request(context.Background(), "eth_sign")
	wantCode(t, err, provider.CodeUnsupportedMethod)
}

func TestClose(t *testing.T) {
	env := newLocalEnv(t, approveAll())
	if _, err := env.p.Request(context.Background(), provider.MethodBlockNumber); err != nil {
		t.Fatalf("eth_blockNumber: %v", err)
	}

	if err := env.p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !env.chains[types.ChainIDHolesky].closed {
		t.Error("backend not closed")
	}
	if env.wm.Unlocked() {
		t.Error("wallet still unlocked after Close")
	}
	if _, err := env.p.Request(context.Background(), provider.MethodChainID); !errors.Is(err, provider.ErrClosed) {
		t.Errorf("request after Close = %v, want ErrClosed", err)
	}
}

func TestLocalProvider_DrivesSession(t *testing.T) {
	ctx := context.Background()
	env := newLocalEnv(t, approveAll())

	sess := session.New(env.p, types.EthereumMainnet, nil)
	if err := sess.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Account != env.wm.Address() {
		t.Errorf("session account = %s, want %s", snap.Account.Hex(), env.wm.Address().Hex())
	}
	if snap.ChainID != types.ChainIDMainnet || !snap.OnExpectedChain() {
		t.Errorf("session chain = %d, want mainnet", snap.ChainID)
	}
	if env.p.ChainID() != types.ChainIDMainnet {
		t.Errorf("wallet chain = %d, want mainnet", env.p.ChainID())
	}
}
