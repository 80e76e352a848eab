package status

import (
	"errors"
	"fmt"
	"sync"

	"github.com/moltbunker/walletlink/pkg/types"
)

// ErrInvalidTransition is returned for a move the operation lifecycle does not allow
var ErrInvalidTransition = errors.New("invalid operation transition")

// transitions lists the states reachable from each state. Settled operations
// may start again.
var transitions = map[types.OperationStatus][]types.OperationStatus{
	types.OperationIdle: {
		types.OperationAwaitingConfirmation,
	},
	types.OperationAwaitingConfirmation: {
		types.OperationAwaitingInclusion,
		types.OperationSucceeded,
		types.OperationFailed,
	},
	types.OperationAwaitingInclusion: {
		types.OperationSucceeded,
		types.OperationFailed,
	},
	types.OperationSucceeded: {
		types.OperationIdle,
		types.OperationAwaitingConfirmation,
	},
	types.OperationFailed: {
		types.OperationIdle,
		types.OperationAwaitingConfirmation,
	},
}

// Tracker follows one named operation through
// Idle -> AwaitingConfirmation -> AwaitingInclusion -> Succeeded|Failed.
// Reads skip AwaitingInclusion.
type Tracker struct {
	name string

	mu       sync.RWMutex
	state    types.OperationStatus
	lastErr  error
	onChange func(name string, from, to types.OperationStatus)
}

// NewTracker creates an idle tracker
func NewTracker(name string) *Tracker {
	return &Tracker{name: name, state: types.OperationIdle}
}

// OnChange registers a callback invoked after every successful transition
func (t *Tracker) OnChange(fn func(name string, from, to types.OperationStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Name returns the operation name
func (t *Tracker) Name() string {
	return t.name
}

// State returns the current state
func (t *Tracker) State() types.OperationStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the error that failed the last run, if any
func (t *Tracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// Transition moves to the given state
func (t *Tracker) Transition(to types.OperationStatus) error {
	return t.transition(to, nil)
}

// Fail moves to Failed and records err
func (t *Tracker) Fail(err error) error {
	return t.transition(types.OperationFailed, err)
}

func (t *Tracker) transition(to types.OperationStatus, err error) error {
	t.mu.Lock()
	from := t.state
	if !allowed(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.name, from, to)
	}
	t.state = to
	if to == types.OperationAwaitingConfirmation {
		t.lastErr = nil
	}
	if err != nil {
		t.lastErr = err
	}
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(t.name, from, to)
	}
	return nil
}

func allowed(from, to types.OperationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
