package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/metrics"
	"github.com/moltbunker/walletlink/internal/provider"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/pkg/types"
)

var (
	// ErrMissingInput is returned when a required field is empty
	ErrMissingInput = errors.New("missing input")
	// ErrInvalidInput is returned when a field cannot be converted
	ErrInvalidInput = errors.New("invalid input")
	// ErrOperationInFlight is returned by a guarded invoker while a write is pending
	ErrOperationInFlight = errors.New("another write operation is in flight")
)

// PendingMessage is written when a guarded invoker rejects a second write
const PendingMessage = "Another transaction is pending. Please wait."

// Read is a read-only operation. It returns the message written to the board.
type Read func(ctx context.Context) (string, error)

// Write describes one write operation
type Write struct {
	Name string
	// Submit signs and sends the transaction
	Submit func(ctx context.Context) (common.Hash, error)
	// Success renders the board message once the transaction is included
	Success func(hash common.Hash) string
	Failure string
	// After refreshes dependent reads once the transaction is included
	After func(ctx context.Context) error
}

// Invoker runs contract operations: ensure the wallet is connected and on the
// expected chain, run the call, then write the outcome to the board.
// Operations are never retried.
type Invoker struct {
	binding *Binding
	session *session.Manager
	board   *status.Board
	rec     metrics.Recorder
	guard   bool

	mu       sync.Mutex
	trackers map[string]*status.Tracker
	inFlight int
}

// NewInvoker creates an invoker for a binding
func NewInvoker(b *Binding, opts ...Option) *Invoker {
	cfg := newSettings(opts)
	return &Invoker{
		binding:  b,
		session:  b.Session(),
		board:    b.Session().Board(),
		rec:      cfg.rec,
		guard:    cfg.guard,
		trackers: make(map[string]*status.Tracker),
	}
}

// Binding returns the contract binding
func (inv *Invoker) Binding() *Binding { return inv.binding }

// Board returns the status board operations write to
func (inv *Invoker) Board() *status.Board { return inv.board }

// Tracker returns the tracker of the most recent run of the named operation
func (inv *Invoker) Tracker(name string) *status.Tracker {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	t, ok := inv.trackers[name]
	if !ok {
		t = status.NewTracker(name)
		inv.trackers[name] = t
	}
	return t
}

// InFlight returns the number of writes awaiting confirmation or inclusion
func (inv *Invoker) InFlight() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.inFlight
}

// Require writes msg and returns ErrMissingInput when value is blank
func (inv *Invoker) Require(value, msg string) error {
	if strings.TrimSpace(value) == "" {
		inv.board.Set(msg)
		return fmt.Errorf("%w: %s", ErrMissingInput, msg)
	}
	return nil
}

// Reject writes msg and returns err wrapped in ErrInvalidInput
func (inv *Invoker) Reject(msg string, err error) error {
	inv.board.Set(msg)
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

func (inv *Invoker) ready(ctx context.Context) error {
	if err := inv.session.EnsureConnected(ctx); err != nil {
		return err
	}
	return inv.session.EnsureChain(ctx)
}

func (inv *Invoker) begin(name string) *status.Tracker {
	t := status.NewTracker(name)
	inv.mu.Lock()
	inv.trackers[name] = t
	inv.mu.Unlock()
	_ = t.Transition(types.OperationAwaitingConfirmation)
	return t
}

// RunRead ensures readiness, runs fn and writes its message or failure to the board.
func (inv *Invoker) RunRead(ctx context.Context, name, failure string, fn Read) error {
	if err := inv.ready(ctx); err != nil {
		return err
	}

	t := inv.begin(name)
	msg, err := fn(ctx)
	if err != nil {
		_ = t.Fail(err)
		inv.board.Set(failure)
		inv.rec.RecordOperation(inv.binding.Name(), name, metrics.Outcome(err))
		logging.Warn("contract read failed",
			logging.Contract(inv.binding.Name()),
			"operation", name,
			logging.Err(err))
		return fmt.Errorf("%s: %w", name, err)
	}

	_ = t.Transition(types.OperationSucceeded)
	inv.board.Set(msg)
	inv.rec.RecordOperation(inv.binding.Name(), name, metrics.OutcomeOK)
	return nil
}

// RunWrite ensures readiness, submits the transaction, awaits its inclusion
// and only then reports success and refreshes dependent reads.
func (inv *Invoker) RunWrite(ctx context.Context, w Write) (common.Hash, error) {
	if err := inv.ready(ctx); err != nil {
		return common.Hash{}, err
	}

	inv.mu.Lock()
	if inv.guard && inv.inFlight > 0 {
		inv.mu.Unlock()
		inv.board.Set(PendingMessage)
		return common.Hash{}, fmt.Errorf("%s: %w", w.Name, ErrOperationInFlight)
	}
	inv.inFlight++
	inv.mu.Unlock()
	defer func() {
		inv.mu.Lock()
		inv.inFlight--
		inv.mu.Unlock()
	}()

	t := inv.begin(w.Name)

	hash, err := w.Submit(ctx)
	if err != nil {
		return common.Hash{}, inv.failWrite(t, w, hash, err)
	}

	_ = t.Transition(types.OperationAwaitingInclusion)
	if _, err := inv.binding.WaitMined(ctx, hash); err != nil {
		return hash, inv.failWrite(t, w, hash, err)
	}

	_ = t.Transition(types.OperationSucceeded)
	inv.board.Set(w.Success(hash))
	inv.rec.RecordOperation(inv.binding.Name(), w.Name, metrics.OutcomeOK)
	inv.audit(w.Name, hash, "success", "")

	if w.After != nil {
		if err := w.After(ctx); err != nil {
			logging.Warn("failed to refresh after write",
				logging.Contract(inv.binding.Name()),
				"operation", w.Name,
				logging.Err(err))
		}
	}
	return hash, nil
}

func (inv *Invoker) failWrite(t *status.Tracker, w Write, hash common.Hash, err error) error {
	_ = t.Fail(err)
	inv.board.Set(w.Failure)
	inv.rec.RecordOperation(inv.binding.Name(), w.Name, metrics.Outcome(err))

	attrs := []any{
		logging.Contract(inv.binding.Name()),
		"operation", w.Name,
		logging.Err(err),
	}
	if provider.IsUserRejected(err) {
		logging.Info("write rejected by user", attrs...)
	} else {
		logging.Warn("contract write failed", attrs...)
	}
	if hash != (common.Hash{}) {
		inv.audit(w.Name, hash, "failure", err.Error())
	}
	return fmt.Errorf("%s: %w", w.Name, err)
}

func (inv *Invoker) audit(op string, hash common.Hash, result, details string) {
	snap := inv.session.Snapshot()
	logging.Audit(logging.AuditEvent{
		Operation: inv.binding.Name() + "." + op,
		Actor:     snap.Account.Hex(),
		Target:    inv.binding.Address().Hex(),
		ChainID:   snap.ChainID,
		TxHash:    hash.Hex(),
		Result:    result,
		Details:   details,
	})
}
