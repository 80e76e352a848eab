// Package session keeps the wallet session for one target network: which
// account is active, which chain the wallet is on, and whether the wallet is
// on the chain the contracts expect.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/metrics"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/pkg/types"
)

var (
	// ErrNotConnected is returned when no account is active
	ErrNotConnected = errors.New("wallet not connected")
	// ErrWrongChain is returned when the wallet could not be moved to the expected chain
	ErrWrongChain = errors.New("wallet is on the wrong chain")
)

// Session events recorded in metrics
const (
	EventAccountsChanged = "accounts_changed"
	EventChainChanged    = "chain_changed"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
)

// Chain switch results recorded in metrics
const (
	SwitchSwitched = "switched"
	SwitchAdded    = "added"
	SwitchFailed   = "switch_failed"
	SwitchAddFail  = "add_failed"
)

const defaultEventTimeout = 30 * time.Second

// Messages are the status texts the session writes to the board
type Messages struct {
	Install         string
	ConnectFailed   string
	AddFailed       string
	SwitchRequired  string
	ChainReadFailed string
}

// DefaultMessages returns messages naming the given network
func DefaultMessages(network types.NetworkDescriptor) Messages {
	return Messages{
		Install:         "Please install MetaMask to use this dApp",
		ConnectFailed:   "Failed to connect wallet",
		AddFailed:       fmt.Sprintf("Failed to add %s network", network.ChainName),
		SwitchRequired:  fmt.Sprintf("Please switch to %s to interact with this contract.", network.ChainName),
		ChainReadFailed: "Failed to read the wallet's network",
	}
}

// Snapshot is a copy of the session state
type Snapshot struct {
	Account    common.Address      `json:"account"`
	HasAccount bool                `json:"has_account"`
	ChainID    uint64              `json:"chain_id"`
	Expected   uint64              `json:"expected_chain_id"`
	Status     types.SessionStatus `json:"-"`
	Generation uint64              `json:"generation"`
}

// OnExpectedChain reports whether the wallet is on the session's network
func (s Snapshot) OnExpectedChain() bool {
	return s.ChainID != 0 && s.ChainID == s.Expected
}

// Signer is the capability to submit transactions as the active account.
// It is invalidated whenever the account or chain changes.
type Signer struct {
	Account    common.Address
	ChainID    uint64
	Generation uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records session events and chain switches
func WithMetrics(rec metrics.Recorder) Option {
	return func(m *Manager) {
		if rec != nil {
			m.rec = rec
		}
	}
}

// WithMessages overrides the status texts
func WithMessages(msgs Messages) Option {
	return func(m *Manager) {
		m.msgs = msgs
	}
}

// WithEventTimeout bounds the provider calls made while handling events
func WithEventTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.eventTimeout = d
		}
	}
}

// Manager owns the wallet session for one network. Provider calls are never
// made while the internal lock is held, so provider events may arrive at any
// time, including during a call the manager itself is waiting on.
type Manager struct {
	provider     provider.Provider
	network      types.NetworkDescriptor
	board        *status.Board
	rec          metrics.Recorder
	msgs         Messages
	eventTimeout time.Duration

	mu          sync.Mutex
	account     common.Address
	hasAccount  bool
	chainID     uint64
	state       types.SessionStatus
	generation  uint64
	initialized bool
	subs        []provider.Subscription
	observers   map[int]func(Snapshot)
	nextObs     int
}

// New creates a session manager. A nil provider means no wallet is installed.
func New(p provider.Provider, network types.NetworkDescriptor, board *status.Board, opts ...Option) *Manager {
	if board == nil {
		board = status.NewBoard()
	}
	m := &Manager{
		provider:     p,
		network:      network,
		board:        board,
		rec:          metrics.Nop{},
		msgs:         DefaultMessages(network),
		eventTimeout: defaultEventTimeout,
		state:        types.SessionDisconnected,
		observers:    make(map[int]func(Snapshot)),
	}
	if p == nil {
		m.state = types.SessionNoProvider
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Network returns the descriptor of the session's expected chain
func (m *Manager) Network() types.NetworkDescriptor {
	return m.network
}

// Board returns the status board the session writes to
func (m *Manager) Board() *status.Board {
	return m.board
}

// Messages returns the status texts in use
func (m *Manager) Messages() Messages {
	return m.msgs
}

// HasProvider reports whether a wallet is available
func (m *Manager) HasProvider() bool {
	return m.provider != nil
}

// Provider returns the wallet provider, nil when none is installed
func (m *Manager) Provider() provider.Provider {
	return m.provider
}

// Init subscribes to wallet events and adopts an already-authorized account
// without prompting. With no provider it only writes the install message.
func (m *Manager) Init(ctx context.Context) error {
	if m.provider == nil {
		m.board.Set(m.msgs.Install)
		return nil
	}

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	accSub, err := m.provider.Subscribe(ctx, provider.EventAccountsChanged, m.handleAccountsChanged)
	if err != nil {
		m.resetInit()
		return fmt.Errorf("failed to subscribe to %s: %w", provider.EventAccountsChanged, err)
	}
	chainSub, err := m.provider.Subscribe(ctx, provider.EventChainChanged, m.handleChainChanged)
	if err != nil {
		accSub.Unsubscribe()
		m.resetInit()
		return fmt.Errorf("failed to subscribe to %s: %w", provider.EventChainChanged, err)
	}

	m.mu.Lock()
	m.subs = []provider.Subscription{accSub, chainSub}
	m.mu.Unlock()

	if err := m.refreshAccounts(ctx); err != nil {
		logging.Warn("failed to read authorized accounts", logging.Err(err), logging.ChainID(m.network.ChainID))
	}
	if err := m.refreshChain(ctx); err != nil {
		return err
	}

	snap := m.Snapshot()
	logging.Debug("session initialized",
		"has_account", snap.HasAccount,
		logging.ChainID(snap.ChainID),
		"expected_chain_id", snap.Expected)
	return nil
}

func (m *Manager) resetInit() {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
}

// Connect asks the wallet for account access, adopts the first account, then
// makes sure the wallet is on the expected chain.
func (m *Manager) Connect(ctx context.Context) error {
	if m.provider == nil {
		m.board.Set(m.msgs.Install)
		return provider.ErrNoProvider
	}

	m.setState(types.SessionConnecting)

	var accounts []common.Address
	err := provider.RequestInto(ctx, m.provider, &accounts, provider.MethodRequestAccounts)
	if err == nil && len(accounts) == 0 {
		err = ErrNotConnected
	}
	if err != nil {
		m.board.Set(m.msgs.ConnectFailed)
		m.settleState()
		logging.Warn("wallet connection failed", logging.Err(err), logging.Method(provider.MethodRequestAccounts))
		return fmt.Errorf("failed to connect wallet: %w", err)
	}

	m.adoptAccounts(accounts)
	m.rec.RecordSessionEvent(EventConnected)
	logging.Info("wallet connected", logging.Account(accounts[0].Hex()))

	return m.EnsureChain(ctx)
}

// EnsureConnected connects only when no account is active
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.provider == nil {
		m.board.Set(m.msgs.Install)
		return provider.ErrNoProvider
	}
	if m.Snapshot().HasAccount {
		return nil
	}
	return m.Connect(ctx)
}

// EnsureChain moves the wallet to the expected chain. Nothing is requested
// when the wallet is already there. An unknown chain is added with the
// network descriptor.
func (m *Manager) EnsureChain(ctx context.Context) error {
	if m.provider == nil {
		m.board.Set(m.msgs.Install)
		return provider.ErrNoProvider
	}

	m.mu.Lock()
	current := m.chainID
	m.mu.Unlock()

	if current == 0 {
		if err := m.refreshChain(ctx); err != nil {
			return err
		}
		current = m.Snapshot().ChainID
	}
	expected := m.network.ChainID
	if current == expected {
		return nil
	}

	logging.Info("switching chain",
		"from", current,
		"to", expected,
		logging.Method(provider.MethodSwitchChain))

	_, err := m.provider.Request(ctx, provider.MethodSwitchChain,
		provider.ChainParam{ChainID: types.ChainIDHex(expected)})
	switch {
	case err == nil:
		m.rec.RecordChainSwitch(SwitchSwitched)
	case provider.IsUnrecognizedChain(err):
		if _, addErr := m.provider.Request(ctx, provider.MethodAddChain, m.network); addErr != nil {
			m.rec.RecordChainSwitch(SwitchAddFail)
			m.board.Set(m.msgs.AddFailed)
			logging.Warn("failed to add network", "network", m.network.ChainName, logging.Err(addErr))
			return fmt.Errorf("failed to add %s network: %w", m.network.ChainName, addErr)
		}
		m.rec.RecordChainSwitch(SwitchAdded)
	default:
		m.rec.RecordChainSwitch(SwitchFailed)
		m.board.Set(m.msgs.SwitchRequired)
		logging.Warn("failed to switch network", "network", m.network.ChainName, logging.Err(err))
		return fmt.Errorf("%w: %w", ErrWrongChain, err)
	}

	if err := m.refreshChain(ctx); err != nil {
		return err
	}
	if got := m.Snapshot().ChainID; got != expected {
		m.board.Set(m.msgs.SwitchRequired)
		return fmt.Errorf("%w: on chain %d, want %d", ErrWrongChain, got, expected)
	}
	return nil
}

// Snapshot returns a copy of the session state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Signer returns a handle bound to the active account and the current generation
func (m *Manager) Signer() (Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasAccount {
		return Signer{}, ErrNotConnected
	}
	return Signer{
		Account:    m.account,
		ChainID:    m.chainID,
		Generation: m.generation,
	}, nil
}

// Generation increments whenever the account or chain changes
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// OnChange registers fn to be called after every session change. The
// returned func removes it.
func (m *Manager) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Close removes the event subscriptions. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.initialized = false
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (m *Manager) handleAccountsChanged(payload json.RawMessage) {
	var accounts []common.Address
	if err := json.Unmarshal(payload, &accounts); err != nil {
		logging.Warn("ignoring malformed accountsChanged payload", logging.Err(err))
		return
	}

	m.rec.RecordSessionEvent(EventAccountsChanged)
	if len(accounts) == 0 {
		m.rec.RecordSessionEvent(EventDisconnected)
		logging.Info("wallet disconnected")
	} else {
		logging.Info("active account changed", logging.Account(accounts[0].Hex()))
	}
	m.adoptAccounts(accounts)
}

// handleChainChanged re-initializes the session on the new chain: the chain
// is adopted, held signers are invalidated and accounts are read again.
func (m *Manager) handleChainChanged(payload json.RawMessage) {
	var hexID string
	if err := json.Unmarshal(payload, &hexID); err != nil {
		logging.Warn("ignoring malformed chainChanged payload", logging.Err(err))
		return
	}
	id, err := types.ParseChainID(hexID)
	if err != nil {
		logging.Warn("ignoring malformed chainChanged payload", logging.Err(err))
		return
	}

	m.rec.RecordSessionEvent(EventChainChanged)
	logging.Info("chain changed", logging.ChainID(id), "expected_chain_id", m.network.ChainID)

	m.mu.Lock()
	m.chainID = id
	m.generation++
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	ctx, cancel := context.WithTimeout(context.Background(), m.eventTimeout)
	defer cancel()
	if err := m.refreshAccounts(ctx); err != nil {
		logging.Warn("failed to re-read accounts after chain change", logging.Err(err))
	}
}

func (m *Manager) refreshAccounts(ctx context.Context) error {
	var accounts []common.Address
	if err := provider.RequestInto(ctx, m.provider, &accounts, provider.MethodAccounts); err != nil {
		return err
	}
	m.adoptAccounts(accounts)
	return nil
}

// refreshChain re-reads eth_chainId. A failed read is written to the board.
func (m *Manager) refreshChain(ctx context.Context) error {
	var hexID string
	err := provider.RequestInto(ctx, m.provider, &hexID, provider.MethodChainID)
	var id uint64
	if err == nil {
		id, err = types.ParseChainID(hexID)
	}
	if err != nil {
		m.board.Set(m.msgs.ChainReadFailed)
		logging.Warn("failed to read chain id", logging.Err(err))
		return fmt.Errorf("failed to read chain id: %w", err)
	}

	m.mu.Lock()
	changed := m.chainID != id
	m.chainID = id
	if changed {
		m.generation++
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.notify(snap)
	}
	return nil
}

// adoptAccounts makes the first account active. An empty list clears the
// account and with it the signer.
func (m *Manager) adoptAccounts(accounts []common.Address) {
	m.mu.Lock()
	if len(accounts) == 0 {
		m.account = common.Address{}
		m.hasAccount = false
		m.state = types.SessionDisconnected
	} else {
		m.account = accounts[0]
		m.hasAccount = true
		m.state = types.SessionConnected
	}
	m.generation++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) setState(s types.SessionStatus) {
	m.mu.Lock()
	m.state = s
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// settleState leaves Connecting for Connected or Disconnected
func (m *Manager) settleState() {
	m.mu.Lock()
	if m.hasAccount {
		m.state = types.SessionConnected
	} else {
		m.state = types.SessionDisconnected
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Account:    m.account,
		HasAccount: m.hasAccount,
		ChainID:    m.chainID,
		Expected:   m.network.ChainID,
		Status:     m.state,
		Generation: m.generation,
	}
}

func (m *Manager) notify(snap Snapshot) {
	m.mu.Lock()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// String renders the snapshot for the CLI
func (s Snapshot) String() string {
	var b strings.Builder
	if s.HasAccount {
		fmt.Fprintf(&b, "account=%s ", s.Account.Hex())
	} else {
		b.WriteString("account=none ")
	}
	fmt.Fprintf(&b, "chain=%d expected=%d status=%s", s.ChainID, s.Expected, s.Status)
	return b.String()
}
