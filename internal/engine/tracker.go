package engine

import (
	"fmt"
	"sync"

	"github.com/quantfx/fx-execution-engine/internal/broker"
)

// allowedTransitions is the forward-only order lifecycle. A status absent
// from the map is terminal: nothing moves out of it.
var allowedTransitions = map[broker.OrderStatus]map[broker.OrderStatus]bool{
	broker.OrderStatusPending: {
		broker.OrderStatusPartiallyFilled: true,
		broker.OrderStatusFilled:          true,
		broker.OrderStatusCancelled:       true,
		broker.OrderStatusRejected:        true,
		broker.OrderStatusExpired:         true,
	},
	broker.OrderStatusPartiallyFilled: {
		broker.OrderStatusFilled:    true,
		broker.OrderStatusCancelled: true,
	},
}

// Tracker is the in-memory system of record for orders the engine has
// submitted and the last known broker position snapshot. Order state only
// moves forward: a stale or replayed broker event can never regress an
// order that already reached a later state.
type Tracker struct {
	mu        sync.RWMutex
	orders    map[string]broker.Order
	appliedTx map[string]map[string]bool // orderID -> transaction ids already applied
	positions map[string]broker.Position

	lockMu          sync.Mutex
	instrumentLocks map[string]*sync.Mutex
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		orders:          make(map[string]broker.Order),
		appliedTx:       make(map[string]map[string]bool),
		positions:       make(map[string]broker.Position),
		instrumentLocks: make(map[string]*sync.Mutex),
	}
}

// Record stores a broker-acknowledged order. Re-recording an existing
// order id goes through the transition rules instead of overwriting, so
// a replayed acknowledgement cannot roll state back.
func (t *Tracker) Record(order broker.Order) error {
	if order.ID == "" {
		return fmt.Errorf("tracker: order has no id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.orders[order.ID]; ok {
		if existing.Status != order.Status && !allowedTransitions[existing.Status][order.Status] {
			return fmt.Errorf("tracker: order %s cannot move %s -> %s",
				order.ID, existing.Status, order.Status)
		}
	}
	t.orders[order.ID] = order
	if order.TransactionID != "" {
		t.markApplied(order.ID, order.TransactionID)
	}
	return nil
}

// Apply advances an order to a new status as reported by the broker
// transaction txID. A transaction that was already applied is a no-op,
// making broker event replays idempotent. An update that would move the
// order backwards is rejected.
func (t *Tracker) Apply(orderID string, status broker.OrderStatus, txID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		return fmt.Errorf("tracker: unknown order %s", orderID)
	}

	if txID != "" && t.appliedTx[orderID][txID] {
		return nil
	}

	if order.Status != status {
		if !allowedTransitions[order.Status][status] {
			return fmt.Errorf("tracker: order %s cannot move %s -> %s",
				orderID, order.Status, status)
		}
		order.Status = status
	}
	if txID != "" {
		order.TransactionID = txID
		t.markApplied(orderID, txID)
	}
	t.orders[orderID] = order
	return nil
}

// markApplied records a consumed transaction id. Caller holds t.mu.
func (t *Tracker) markApplied(orderID, txID string) {
	applied, ok := t.appliedTx[orderID]
	if !ok {
		applied = make(map[string]bool)
		t.appliedTx[orderID] = applied
	}
	applied[txID] = true
}

// Order returns a snapshot of a tracked order.
func (t *Tracker) Order(orderID string) (broker.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[orderID]
	return order, ok
}

// Orders returns snapshots of all tracked orders.
func (t *Tracker) Orders() []broker.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]broker.Order, 0, len(t.orders))
	for _, order := range t.orders {
		out = append(out, order)
	}
	return out
}

// SetPositions replaces the cached position snapshot with a fresh broker
// query result.
func (t *Tracker) SetPositions(positions []broker.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]broker.Position, len(positions))
	for _, pos := range positions {
		t.positions[pos.Instrument] = pos
	}
}

// Position returns the cached position for an instrument. A missing
// entry means flat as of the last refresh.
func (t *Tracker) Position(instrument string) (broker.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[instrument]
	return pos, ok
}

// Positions returns the cached position snapshot.
func (t *Tracker) Positions() []broker.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]broker.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos)
	}
	return out
}

// LockInstrument serialises execution per instrument: signals for the
// same pair run one at a time while different pairs proceed in parallel.
// The returned func releases the lock.
func (t *Tracker) LockInstrument(instrument string) func() {
	t.lockMu.Lock()
	lock, ok := t.instrumentLocks[instrument]
	if !ok {
		lock = &sync.Mutex{}
		t.instrumentLocks[instrument] = lock
	}
	t.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}
