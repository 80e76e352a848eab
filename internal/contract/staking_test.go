package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/internal/provider/providertest"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/internal/units"
	"github.com/moltbunker/walletlink/pkg/types"
)

var (
	alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	stakingAddr = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

// stakingState is an in-memory staking contract
type stakingState struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	total    *big.Int
}

func newStakingState() *stakingState {
	return &stakingState{balances: make(map[common.Address]*big.Int), total: new(big.Int)}
}

func (s *stakingState) balance(a common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[a]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (s *stakingState) seed(a common.Address, eth string) {
	wei, err := units.ParseEther(eth)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[a] = wei
	s.total.Add(s.total, wei)
}

func (s *stakingState) sim() *providertest.ContractSim {
	return providertest.NewContractSim(StakingContractABI()).
		Handle("stake", func(call providertest.CallContext) ([]any, error) {
			if call.Static {
				return nil, nil
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			b, ok := s.balances[call.From]
			if !ok {
				b = new(big.Int)
				s.balances[call.From] = b
			}
			b.Add(b, call.Value)
			s.total.Add(s.total, call.Value)
			return nil, nil
		}).
		Handle("withdraw", func(call providertest.CallContext) ([]any, error) {
			amount := call.Args[0].(*big.Int)
			s.mu.Lock()
			defer s.mu.Unlock()
			b, ok := s.balances[call.From]
			if !ok || b.Cmp(amount) < 0 {
				return nil, errors.New("insufficient stake")
			}
			if !call.Static {
				b.Sub(b, amount)
				s.total.Sub(s.total, amount)
			}
			return nil, nil
		}).
		Handle("stakedBalance", func(call providertest.CallContext) ([]any, error) {
			return []any{s.balance(call.Args[0].(common.Address))}, nil
		}).
		Handle("totalStaked", func(providertest.CallContext) ([]any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return []any{new(big.Int).Set(s.total)}, nil
		})
}

type stakingEnv struct {
	fake    *providertest.Fake
	state   *stakingState
	sess    *session.Manager
	board   *status.Board
	staking *Staking
}

func newStakingEnv(t *testing.T, fake *providertest.Fake, opts ...Option) *stakingEnv {
	t.Helper()
	state := newStakingState()
	fake.Deploy(stakingAddr, state.sim())

	board := status.NewBoard()
	sess := session.New(fake, types.Holesky, board, session.WithMessages(StakingMessages()))
	if err := sess.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(sess.Close)

	staking, err := NewStaking(sess, stakingAddr, append(opts, WithPollInterval(time.Millisecond))...)
	if err != nil {
		t.Fatalf("NewStaking: %v", err)
	}
	return &stakingEnv{fake: fake, state: state, sess: sess, board: board, staking: staking}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewStaking_RequiresAddress(t *testing.T) {
	sess := session.New(nil, types.Holesky, nil)
	if _, err := NewStaking(sess, common.Address{}); !errors.Is(err, ErrNoAddress) {
		t.Errorf("NewStaking(zero) = %v, want ErrNoAddress", err)
	}
}

func TestStake_ReportsAmountAndHash(t *testing.T) {
	ctx := context.Background()
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())
	env.state.seed(alice, "2")

	before, err := env.staking.StakedBalance(ctx)
	if err != nil {
		t.Fatalf("StakedBalance: %v", err)
	}
	if before != "2.0" {
		t.Fatalf("balance before = %q, want 2.0", before)
	}

	hash, err := env.staking.Stake(ctx, "1.5")
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}

	want := fmt.Sprintf("Successfully staked 1.5 ETH. Transaction hash: %s", hash.Hex())
	if got := env.board.Text(); got != want {
		t.Errorf("board = %q, want %q", got, want)
	}
	if !strings.Contains(env.board.Text(), "1.5") || !strings.Contains(env.board.Text(), hash.Hex()) {
		t.Errorf("board missing amount or hash: %q", env.board.Text())
	}

	// Dependent reads are refreshed after inclusion
	if v, _ := env.board.Field(status.FieldStakedBalance); v != "3.5" {
		t.Errorf("refreshed staked balance = %q, want 3.5", v)
	}
	if v, _ := env.board.Field(status.FieldTotalStaked); v != "3.5" {
		t.Errorf("refreshed total staked = %q, want 3.5", v)
	}

	after, err := env.staking.StakedBalance(ctx)
	if err != nil {
		t.Fatalf("StakedBalance: %v", err)
	}
	if after != "3.5" {
		t.Errorf("balance after = %q, want 3.5", after)
	}
	if env.board.Text() != "Staked balance: 3.5 ETH" {
		t.Errorf("board = %q", env.board.Text())
	}

	if s := env.staking.Invoker().Tracker("stake").State(); s != types.OperationSucceeded {
		t.Errorf("tracker = %s, want succeeded", s)
	}
}

func TestStake_SendsValue(t *testing.T) {
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())
	if _, err := env.staking.Stake(context.Background(), "1.5"); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	want, _ := units.ParseEther("1.5")
	if got := env.state.balance(alice); got.Cmp(want) != 0 {
		t.Errorf("on-chain stake = %s wei, want %s", got, want)
	}
}

func TestStake_EmptyAmount(t *testing.T) {
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())
	env.fake.ResetCalls()

	for _, amount := range []string{"", "   "} {
		_, err := env.staking.Stake(context.Background(), amount)
		if !errors.Is(err, ErrMissingInput) {
			t.Errorf("Stake(%q) = %v, want ErrMissingInput", amount, err)
		}
		if env.board.Text() != "Please enter an amount to stake" {
			t.Errorf("board = %q", env.board.Text())
		}
	}
	if n := len(env.fake.Calls()); n != 0 {
		t.Errorf("provider contacted %d times for empty input", n)
	}
}

func TestStake_InvalidAmount(t *testing.T) {
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())
	env.fake.ResetCalls()

	_, err := env.staking.Stake(context.Background(), "abc")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Stake = %v, want ErrInvalidInput", err)
	}
	if n := len(env.fake.Calls()); n != 0 {
		t.Errorf("provider contacted %d times for invalid input", n)
	}
}

func TestStake_UserRejects(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake)
	fake.Fail(provider.MethodSendTransaction, provider.NewError(provider.CodeUserRejected, "User denied transaction signature."))

	_, err := env.staking.Stake(context.Background(), "1")
	if !provider.IsUserRejected(err) {
		t.Fatalf("Stake = %v, want user rejection", err)
	}
	if env.board.Text() != "Failed to stake. Please try again." {
		t.Errorf("board = %q", env.board.Text())
	}
	tr := env.staking.Invoker().Tracker("stake")
	if tr.State() != types.OperationFailed || !provider.IsUserRejected(tr.Err()) {
		t.Errorf("tracker = %s (%v)", tr.State(), tr.Err())
	}
}

func TestStake_Reverted(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake)
	fake.RevertNext()

	hash, err := env.staking.Stake(context.Background(), "1")
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("Stake = %v, want ErrReverted", err)
	}
	if hash == (common.Hash{}) {
		t.Error("reverted stake should still return the transaction hash")
	}
	if env.board.Text() != "Failed to stake. Please try again." {
		t.Errorf("board = %q", env.board.Text())
	}
	if env.state.balance(alice).Sign() != 0 {
		t.Error("reverted stake changed the balance")
	}
}

func TestStake_AwaitsInclusion(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake)
	fake.SetReceiptDelay(2)
	release := fake.Hold(provider.MethodTransactionReceipt)

	type result struct {
		hash common.Hash
		err  error
	}
	done := make(chan result, 1)
	go func() {
		h, err := env.staking.Stake(context.Background(), "1.5")
		done <- result{h, err}
	}()

	waitFor(t, "receipt poll", func() bool { return fake.CallCount(provider.MethodTransactionReceipt) > 0 })
	if s := env.staking.Invoker().Tracker("stake").State(); s != types.OperationAwaitingInclusion {
		t.Errorf("tracker while pending = %s, want awaiting_inclusion", s)
	}
	if strings.HasPrefix(env.board.Text(), "Successfully") {
		t.Error("success reported before inclusion")
	}
	if _, ok := env.board.Field(status.FieldStakedBalance); ok {
		t.Error("balance refreshed before inclusion")
	}

	release()
	res := <-done
	if res.err != nil {
		t.Fatalf("Stake: %v", res.err)
	}
	if n := fake.CallCount(provider.MethodTransactionReceipt); n != 3 {
		t.Errorf("receipt polls = %d, want 3", n)
	}
	if !strings.Contains(env.board.Text(), res.hash.Hex()) {
		t.Errorf("board = %q", env.board.Text())
	}
}

func TestStake_WaitCanceled(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake)
	fake.SetReceiptDelay(1 << 30)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.staking.Stake(ctx, "1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stake = %v, want deadline exceeded", err)
	}
	if env.board.Text() != "Failed to stake. Please try again." {
		t.Errorf("board = %q", env.board.Text())
	}
}

func TestStake_SwitchesChainFirst(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDMainnet, alice).Authorize().AddKnownChain(types.Holesky)
	env := newStakingEnv(t, fake)

	if _, err := env.staking.Stake(context.Background(), "1"); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	calls := fake.Calls()
	switchAt, sendAt := -1, -1
	for i, c := range calls {
		switch c.Method {
		case provider.MethodSwitchChain:
			switchAt = i
		case provider.MethodSendTransaction:
			sendAt = i
		}
	}
	if switchAt < 0 || sendAt < 0 || switchAt > sendAt {
		t.Errorf("switch at %d, send at %d: chain must be switched before sending", switchAt, sendAt)
	}
}

func TestStake_ChainReadFailsAfterSwitch(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDMainnet, alice).Authorize().AddKnownChain(types.Holesky)
	env := newStakingEnv(t, fake)
	env.board.Set("Successfully staked 1.0 ETH. Transaction hash: 0xprevious")
	fake.Fail(provider.MethodChainID, errors.New("boom"))

	if _, err := env.staking.Stake(context.Background(), "1"); err == nil {
		t.Fatal("expected Stake to fail when the chain id cannot be read")
	}
	if got, want := env.board.Text(), StakingMessages().ChainReadFailed; got != want {
		t.Errorf("status = %q, want %q", got, want)
	}
	if n := fake.CallCount(provider.MethodSendTransaction); n != 0 {
		t.Errorf("transactions sent = %d, want 0", n)
	}
}

func TestStake_NoProvider(t *testing.T) {
	board := status.NewBoard()
	sess := session.New(nil, types.Holesky, board)
	staking, err := NewStaking(sess, stakingAddr)
	if err != nil {
		t.Fatalf("NewStaking: %v", err)
	}

	_, err = staking.Stake(context.Background(), "1")
	if !errors.Is(err, provider.ErrNoProvider) {
		t.Fatalf("Stake = %v, want ErrNoProvider", err)
	}
	if board.Text() != "Please install MetaMask to use this dApp" {
		t.Errorf("board = %q", board.Text())
	}
}

func TestStake_ConnectsWhenNeeded(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice)
	env := newStakingEnv(t, fake)

	if _, err := env.staking.Stake(context.Background(), "1"); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if fake.CallCount(provider.MethodRequestAccounts) != 1 {
		t.Errorf("eth_requestAccounts = %d, want 1", fake.CallCount(provider.MethodRequestAccounts))
	}
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())
	env.state.seed(alice, "2")

	hash, err := env.staking.Withdraw(ctx, "0.5")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	want := fmt.Sprintf("Successfully withdrew 0.5 ETH. Transaction hash: %s", hash.Hex())
	if env.board.Text() != want {
		t.Errorf("board = %q, want %q", env.board.Text(), want)
	}
	if v, _ := env.board.Field(status.FieldStakedBalance); v != "1.5" {
		t.Errorf("staked balance = %q, want 1.5", v)
	}

	if _, err := env.staking.Withdraw(ctx, ""); !errors.Is(err, ErrMissingInput) {
		t.Errorf("Withdraw(\"\") = %v", err)
	}
	if env.board.Text() != "Please enter an amount to withdraw" {
		t.Errorf("board = %q", env.board.Text())
	}
}

func TestWithdraw_Insufficient(t *testing.T) {
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())

	_, err := env.staking.Withdraw(context.Background(), "1")
	if err == nil {
		t.Fatal("expected failure withdrawing without stake")
	}
	if env.board.Text() != "Failed to withdraw. Please try again." {
		t.Errorf("board = %q", env.board.Text())
	}
}

func TestTotalStaked(t *testing.T) {
	env := newStakingEnv(t, providertest.NewFake(types.ChainIDHolesky, alice).Authorize())
	env.state.seed(alice, "1")
	env.state.seed(bob, "2.25")

	total, err := env.staking.TotalStaked(context.Background())
	if err != nil {
		t.Fatalf("TotalStaked: %v", err)
	}
	if total != "3.25" {
		t.Errorf("total = %q, want 3.25", total)
	}
	if env.board.Text() != "Total staked: 3.25 ETH" {
		t.Errorf("board = %q", env.board.Text())
	}
}

func TestAccountsChangedEmpty_ClearsSigner(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake)
	b := env.staking.Invoker().Binding()

	if _, err := b.Signer(); err != nil {
		t.Fatalf("Signer: %v", err)
	}

	fake.EmitAccountsChanged()

	if _, err := b.Signer(); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Signer after disconnect = %v, want ErrNotConnected", err)
	}
	if _, err := b.Transact(context.Background(), nil, "stake"); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Transact after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestBinding_RebindsOnAccountChange(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice, bob).Authorize()
	env := newStakingEnv(t, fake)
	b := env.staking.Invoker().Binding()

	first, _ := b.Signer()
	if first.Account != alice {
		t.Fatalf("first signer = %s", first.Account.Hex())
	}

	fake.EmitAccountsChanged(bob)

	second, err := b.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	if second.Account != bob {
		t.Errorf("signer after change = %s, want %s", second.Account.Hex(), bob.Hex())
	}
	if b.Rebinds() != 1 {
		t.Errorf("rebinds = %d, want 1", b.Rebinds())
	}
}

// Without a submission guard, two rapid submissions of the same write both
// reach the wallet and produce two transactions. This is a known hazard.
func TestDoubleSubmit_WithoutGuardSendsTwoTransactions(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake)
	release := fake.Hold(provider.MethodTransactionReceipt)

	var wg sync.WaitGroup
	hashes := make([]common.Hash, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hashes[i], errs[i] = env.staking.Stake(context.Background(), "1")
		}(i)
	}

	waitFor(t, "two submissions", func() bool { return fake.CallCount(provider.MethodSendTransaction) == 2 })
	release()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Stake #%d: %v", i, err)
		}
	}
	if hashes[0] == hashes[1] {
		t.Error("expected two distinct transactions")
	}
	if got := env.state.balance(alice); got.Cmp(new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))) != 0 {
		t.Errorf("staked = %s wei, want 2 ETH from two transactions", got)
	}
}

func TestDoubleSubmit_GuardRejectsSecond(t *testing.T) {
	fake := providertest.NewFake(types.ChainIDHolesky, alice).Authorize()
	env := newStakingEnv(t, fake, WithSubmissionGuard())
	release := fake.Hold(provider.MethodTransactionReceipt)

	done := make(chan error, 1)
	go func() {
		_, err := env.staking.Stake(context.Background(), "1")
		done <- err
	}()
	waitFor(t, "first submission", func() bool { return fake.CallCount(provider.MethodSendTransaction) == 1 })

	env.board.Set("marker")
	if _, err := env.staking.Stake(context.Background(), "1"); !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("second Stake = %v, want ErrOperationInFlight", err)
	}
	if got := env.board.Text(); got != PendingMessage {
		t.Errorf("status after rejected Stake = %q, want %q", got, PendingMessage)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("first Stake: %v", err)
	}
	if n := fake.CallCount(provider.MethodSendTransaction); n != 1 {
		t.Errorf("transactions sent = %d, want 1", n)
	}
	if env.staking.Invoker().InFlight() != 0 {
		t.Error("in-flight count not released")
	}
}
