// Package status holds the single user-visible result of the last operation
// and the lifecycle of operations in flight.
package status

import (
	"maps"
	"sync"
	"time"
)

// Well-known board fields
const (
	FieldStakedBalance = "staked_balance"
	FieldTotalStaked   = "total_staked"
	FieldPoolAddress   = "pool_address"
	FieldTickSpacing   = "tick_spacing"
	FieldOwner         = "owner"
)

// Snapshot is a copy of the board at one point in time
type Snapshot struct {
	Text      string            `json:"status"`
	Fields    map[string]string `json:"fields,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Board is the single free-text status field plus a few display fields.
// Every write overwrites the previous value; there is no history. Concurrent
// operations overwrite each other.
type Board struct {
	mu        sync.Mutex
	text      string
	fields    map[string]string
	updatedAt time.Time

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{
		fields: make(map[string]string),
		subs:   make(map[int]func(Snapshot)),
	}
}

// Set replaces the status text
func (b *Board) Set(text string) {
	b.mu.Lock()
	b.text = text
	b.updatedAt = time.Now()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.publish(snap)
}

// SetField sets a display field. An empty value removes it.
func (b *Board) SetField(key, value string) {
	b.mu.Lock()
	if value == "" {
		delete(b.fields, key)
	} else {
		b.fields[key] = value
	}
	b.updatedAt = time.Now()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.publish(snap)
}

// Text returns the current status text
func (b *Board) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Field returns a display field
func (b *Board) Field(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.fields[key]
	return v, ok
}

// Snapshot returns a copy of the board
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Subscribe registers fn to be called after every write. The returned func
// removes the subscription.
func (b *Board) Subscribe(fn func(Snapshot)) func() {
	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

func (b *Board) snapshotLocked() Snapshot {
	return Snapshot{
		Text:      b.text,
		Fields:    maps.Clone(b.fields),
		UpdatedAt: b.updatedAt,
	}
}

func (b *Board) publish(snap Snapshot) {
	b.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
