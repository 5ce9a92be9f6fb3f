package broker

import (
	"context"
	"time"

	"github.com/quantfx/fx-execution-engine/pkg/types"
)

// OrderStatus is the canonical order state vocabulary. Adapters map each
// broker's native states into this set; nothing outside the adapters ever
// sees broker-specific status strings.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are possible from the
// status. PARTIALLY_FILLED is the only non-initial, non-terminal state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderKind is the canonical order type.
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindStop   OrderKind = "STOP"
)

// OrderIntent describes an order to be submitted. Units are signed:
// positive buys, negative sells. An intent is never mutated after
// submission; amendments create a new intent. ClientID is the
// caller-assigned correlation id used to reconcile retried submissions.
type OrderIntent struct {
	Instrument string
	Units      float64
	Kind       OrderKind
	Price      float64 // limit/stop trigger, zero for market orders
	StopLoss   float64
	TakeProfit float64
	ClientID   string
}

// Order is the canonical view of a broker-acknowledged order.
type Order struct {
	ID            string
	ClientID      string
	Instrument    string
	Units         float64
	Kind          OrderKind
	Price         float64
	Status        OrderStatus
	StopLoss      float64
	TakeProfit    float64
	FilledUnits   float64
	TransactionID string // broker transaction that produced this view
	CreatedAt     time.Time
}

// Position is a read-through view of broker position state. Long and
// short units are tracked independently; an account can hold both sides
// of the same instrument at once.
type Position struct {
	Instrument   string
	LongUnits    float64
	ShortUnits   float64
	UnrealizedPL float64
	RefreshedAt  time.Time
}

// Flat reports whether the position has no units on either side.
func (p Position) Flat() bool {
	return p.LongUnits == 0 && p.ShortUnits == 0
}

// AccountSummary is the canonical account telemetry snapshot.
type AccountSummary struct {
	ID            string
	Currency      string
	Balance       float64
	NAV           float64
	UnrealizedPL  float64
	MarginUsed    float64
	OpenPositions int
}

// CloseUnits selects how much of a position side to close.
type CloseUnits string

// CloseAll closes every unit on both sides of a position.
const CloseAll CloseUnits = "ALL"

// Broker is the capability contract every adapter implements. All
// methods take a context; broker calls are the engine's only suspension
// points. Implementations return *Error for broker-originated failures
// so callers can classify them without inspecting message text.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error

	AccountSummary(ctx context.Context) (*AccountSummary, error)
	OpenPositions(ctx context.Context) ([]Position, error)

	PlaceOrder(ctx context.Context, intent OrderIntent) (*Order, error)
	OrderStatus(ctx context.Context, orderID string) (*Order, error)
	// FindOrderByClientID resolves an order by its correlation id. It is
	// used to reconcile a retried submission whose acknowledgement was
	// lost. Returns an ORDER_NOT_FOUND error when no such order exists.
	FindOrderByClientID(ctx context.Context, clientID string) (*Order, error)
	ModifyStopTake(ctx context.Context, orderID string, stop, take float64) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (*Order, error)
	ClosePosition(ctx context.Context, instrument string, units CloseUnits) (*Order, error)

	HistoricalCandles(ctx context.Context, instrument string, granularity types.Granularity, rng types.CandleRange) ([]types.OHLCV, error)
}
