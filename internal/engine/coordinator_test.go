package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfx/fx-execution-engine/internal/broker"
	"github.com/quantfx/fx-execution-engine/internal/config"
	"github.com/quantfx/fx-execution-engine/internal/risk"
	"github.com/quantfx/fx-execution-engine/pkg/types"
)

// fakeBroker scripts broker behaviour per test. Unset hooks fall back to
// benign defaults.
type fakeBroker struct {
	mu        sync.Mutex
	summary   broker.AccountSummary
	positions []broker.Position
	candles   []types.OHLCV

	placed   []broker.OrderIntent
	placeFn  func(broker.OrderIntent) (*broker.Order, error)
	closeFn  func(string) (*broker.Order, error)
	findFn   func(string) (*broker.Order, error)
	closed   []string
	navQueue []float64
}

func (f *fakeBroker) Name() string                  { return "fake" }
func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Disconnect() error             { return nil }

func (f *fakeBroker) AccountSummary(context.Context) (*broker.AccountSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := f.summary
	if len(f.navQueue) > 0 {
		summary.NAV = f.navQueue[0]
		f.navQueue = f.navQueue[1:]
	}
	return &summary, nil
}

func (f *fakeBroker) OpenPositions(context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	f.mu.Lock()
	f.placed = append(f.placed, intent)
	f.mu.Unlock()
	if f.placeFn != nil {
		return f.placeFn(intent)
	}
	return &broker.Order{
		ID:         "1001",
		ClientID:   intent.ClientID,
		Instrument: intent.Instrument,
		Units:      intent.Units,
		Kind:       intent.Kind,
		Status:     broker.OrderStatusFilled,
	}, nil
}

func (f *fakeBroker) OrderStatus(_ context.Context, orderID string) (*broker.Order, error) {
	return nil, broker.NewError(broker.CodeOrderNotFound, "no such order")
}

func (f *fakeBroker) FindOrderByClientID(_ context.Context, clientID string) (*broker.Order, error) {
	if f.findFn != nil {
		return f.findFn(clientID)
	}
	return nil, broker.NewError(broker.CodeOrderNotFound, "no such order")
}

func (f *fakeBroker) ModifyStopTake(_ context.Context, orderID string, stop, take float64) (*broker.Order, error) {
	return &broker.Order{ID: orderID, StopLoss: stop, TakeProfit: take, Status: broker.OrderStatusFilled}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) (*broker.Order, error) {
	return &broker.Order{ID: orderID, Status: broker.OrderStatusCancelled}, nil
}

func (f *fakeBroker) ClosePosition(_ context.Context, instrument string, _ broker.CloseUnits) (*broker.Order, error) {
	f.mu.Lock()
	f.closed = append(f.closed, instrument)
	f.mu.Unlock()
	if f.closeFn != nil {
		return f.closeFn(instrument)
	}
	return &broker.Order{
		ID:         "2001",
		Instrument: instrument,
		Units:      -100000,
		Status:     broker.OrderStatusFilled,
	}, nil
}

func (f *fakeBroker) HistoricalCandles(context.Context, string, types.Granularity, types.CandleRange) ([]types.OHLCV, error) {
	return f.candles, nil
}

var _ broker.Broker = (*fakeBroker)(nil)

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.DefaultRiskParameters(),
		Engine: config.EngineConfig{
			PipValuePerLot:    10.0,
			CandleGranularity: "H1",
			CandleCount:       100,
		},
	}
}

func newTestCoordinator(t *testing.T, fake *fakeBroker) *Coordinator {
	t.Helper()
	cfg := testConfig()
	coordinator := NewCoordinator(cfg, fake, risk.NewCalculator(cfg.Risk, nil), NewTracker(), nil)
	coordinator.SetRetryPolicy(RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	})
	return coordinator
}

func buySignal(pair string, entry float64) types.TradingSignal {
	signal, _ := types.NewTradingSignal(types.ActionBuy, pair, time.Now(), entry, 0.8, "trend")
	return signal
}

func TestSubmit_BuyConfirmedEndToEnd(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	require.Equal(t, StateConfirmed, outcome.State)
	require.NotNil(t, outcome.Order)

	// Fixed 50-pip stop risks $500 per lot; 1% of 100k over that is 2 lots.
	assert.Equal(t, 2.0, outcome.Lots)

	require.Len(t, fake.placed, 1)
	intent := fake.placed[0]
	assert.Equal(t, 200000.0, intent.Units)
	assert.Equal(t, broker.OrderKindMarket, intent.Kind)
	assert.NotEmpty(t, intent.ClientID, "every submission carries a correlation id")
	assert.InDelta(t, 1.1000, intent.StopLoss, 1e-9)
	assert.InDelta(t, 1.1150, intent.TakeProfit, 1e-9)

	tracked, ok := coordinator.tracker.Order(outcome.Order.ID)
	require.True(t, ok)
	assert.Equal(t, broker.OrderStatusFilled, tracked.Status)
}

func TestSubmit_SellUnitsAreNegative(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	coordinator := newTestCoordinator(t, fake)

	signal, _ := types.NewTradingSignal(types.ActionSell, "EUR_USD", time.Now(), 1.1050, 0.8, "trend")
	outcome := coordinator.Submit(context.Background(), signal)

	require.Equal(t, StateConfirmed, outcome.State)
	require.Len(t, fake.placed, 1)
	assert.Equal(t, -200000.0, fake.placed[0].Units)
	assert.Greater(t, fake.placed[0].StopLoss, 1.1050, "sell stop sits above entry")
	assert.Less(t, fake.placed[0].TakeProfit, 1.1050)
}

func TestSubmit_HoldIsSkipped(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	coordinator := newTestCoordinator(t, fake)

	signal, _ := types.NewTradingSignal(types.ActionHold, "EUR_USD", time.Now(), 0, 0.5, "trend")
	outcome := coordinator.Submit(context.Background(), signal)

	assert.Equal(t, StateSkipped, outcome.State)
	assert.Empty(t, fake.placed)
	assert.Empty(t, fake.closed)
}

func TestSubmit_EntryPriceFromLatestCandle(t *testing.T) {
	fake := &fakeBroker{
		summary: broker.AccountSummary{Balance: 100000, NAV: 100000},
		candles: []types.OHLCV{
			{Open: 1.1000, High: 1.1060, Low: 1.0990, Close: 1.1050},
		},
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 0))

	require.Equal(t, StateConfirmed, outcome.State)
	require.Len(t, fake.placed, 1)
	assert.InDelta(t, 1.1000, fake.placed[0].StopLoss, 1e-9, "entry taken from last close")
}

func TestSubmit_DeniedInstrumentNotAllowed(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("USD_TRY", 40.0))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, "RISK_DENIED:INSTRUMENT_NOT_ALLOWED", outcome.Reason)
	assert.Empty(t, fake.placed, "denied trade must never reach the broker")
}

func TestSubmit_DeniedDrawdownFromPeakEquity(t *testing.T) {
	fake := &fakeBroker{
		summary:  broker.AccountSummary{Balance: 100000},
		navQueue: []float64{100000, 85000},
	}
	coordinator := newTestCoordinator(t, fake)

	first := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))
	require.Equal(t, StateConfirmed, first.State)

	// NAV dropped 15% from the tracked peak; the 10% limit gates the
	// second trade regardless of its size.
	second := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))
	assert.Equal(t, StateFailed, second.State)
	assert.Equal(t, "RISK_DENIED:DRAWDOWN_EXCEEDED", second.Reason)
	assert.Len(t, fake.placed, 1)
}

func TestRefreshTelemetry_FeedsPeakEquity(t *testing.T) {
	fake := &fakeBroker{
		summary:  broker.AccountSummary{Balance: 100000},
		navQueue: []float64{120000, 104000},
	}
	coordinator := newTestCoordinator(t, fake)

	// A telemetry refresh between signals must contribute to the peak:
	// NAV 104000 is a 13.3% drop from the refreshed 120000 peak even
	// though no signal ever saw that high-water mark.
	require.NoError(t, coordinator.RefreshTelemetry(context.Background()))

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, "RISK_DENIED:DRAWDOWN_EXCEEDED", outcome.Reason)
	assert.Empty(t, fake.placed)
}

func TestSubmit_DeniedConcurrentLimit(t *testing.T) {
	fake := &fakeBroker{
		summary: broker.AccountSummary{Balance: 100000, NAV: 100000, OpenPositions: 5},
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, "RISK_DENIED:CONCURRENT_LIMIT_REACHED", outcome.Reason)
}

func TestSubmit_DeniedInstrumentLimitFromPositionCache(t *testing.T) {
	fake := &fakeBroker{
		summary: broker.AccountSummary{Balance: 100000, NAV: 100000, OpenPositions: 2},
		positions: []broker.Position{
			{Instrument: "EUR_USD", LongUnits: 100000, ShortUnits: 50000},
		},
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, "RISK_DENIED:INSTRUMENT_LIMIT_REACHED", outcome.Reason)
}

func TestSubmit_CloseRoutesToClosePosition(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	coordinator := newTestCoordinator(t, fake)

	signal, _ := types.NewTradingSignal(types.ActionCloseLong, "EUR_USD", time.Now(), 0, 1.0, "trend")
	outcome := coordinator.Submit(context.Background(), signal)

	require.Equal(t, StateConfirmed, outcome.State)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, []string{"EUR_USD"}, fake.closed)
	assert.Empty(t, fake.placed)
}

func TestSubmit_CloseTimeoutVerifiedFlatConfirms(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.closeFn = func(string) (*broker.Order, error) {
		return nil, broker.NewError(broker.CodeTimeout, "deadline exceeded")
	}
	coordinator := newTestCoordinator(t, fake)

	signal, _ := types.NewTradingSignal(types.ActionCloseLong, "EUR_USD", time.Now(), 0, 1.0, "trend")
	outcome := coordinator.Submit(context.Background(), signal)

	// Every close acknowledgement was lost, but the broker reports the
	// instrument flat; the close was applied.
	require.Equal(t, StateConfirmed, outcome.State)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, broker.OrderStatusFilled, outcome.Order.Status)
	assert.Zero(t, outcome.Order.Units)
}

func TestSubmit_CloseTimeoutStillOpenFails(t *testing.T) {
	fake := &fakeBroker{
		summary: broker.AccountSummary{Balance: 100000, NAV: 100000},
		positions: []broker.Position{
			{Instrument: "EUR_USD", LongUnits: 100000},
		},
	}
	fake.closeFn = func(string) (*broker.Order, error) {
		return nil, broker.NewError(broker.CodeTimeout, "deadline exceeded")
	}
	coordinator := newTestCoordinator(t, fake)

	signal, _ := types.NewTradingSignal(types.ActionCloseLong, "EUR_USD", time.Now(), 0, 1.0, "trend")
	outcome := coordinator.Submit(context.Background(), signal)

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ReasonBrokerError, outcome.Reason)
}

func TestSubmit_RetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.placeFn = func(intent broker.OrderIntent) (*broker.Order, error) {
		attempts++
		if attempts < 3 {
			return nil, broker.NewError(broker.CodeServerError, "upstream hiccup")
		}
		return &broker.Order{ID: "77", ClientID: intent.ClientID, Instrument: intent.Instrument,
			Units: intent.Units, Status: broker.OrderStatusFilled}, nil
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateConfirmed, outcome.State)
	assert.Equal(t, 3, attempts)
}

func TestSubmit_RetryExhaustionFails(t *testing.T) {
	attempts := 0
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.placeFn = func(broker.OrderIntent) (*broker.Order, error) {
		attempts++
		return nil, broker.NewError(broker.CodeServerError, "upstream down")
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ReasonBrokerError, outcome.Reason)
	assert.Equal(t, 3, attempts, "exactly three attempts, no more")
}

func TestSubmit_ValidationErrorNotRetried(t *testing.T) {
	attempts := 0
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.placeFn = func(broker.OrderIntent) (*broker.Order, error) {
		attempts++
		return nil, broker.NewError(broker.CodeValidation, "bad units")
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, 1, attempts, "validation failures must not be retried")
}

func TestSubmit_TimeoutReconciledByCorrelationID(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.placeFn = func(broker.OrderIntent) (*broker.Order, error) {
		return nil, broker.NewError(broker.CodeTimeout, "deadline exceeded")
	}
	fake.findFn = func(clientID string) (*broker.Order, error) {
		return &broker.Order{ID: "88", ClientID: clientID, Instrument: "EUR_USD",
			Units: 200000, Status: broker.OrderStatusFilled}, nil
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	// The acknowledgement was lost but the order landed; reconciliation
	// by correlation id recovers it instead of double-submitting.
	require.Equal(t, StateConfirmed, outcome.State)
	require.NotNil(t, outcome.Order)
	assert.Equal(t, "88", outcome.Order.ID)
}

func TestSubmit_TimeoutWithNoOrderFails(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.placeFn = func(broker.OrderIntent) (*broker.Order, error) {
		return nil, broker.NewError(broker.CodeTimeout, "deadline exceeded")
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ReasonBrokerError, outcome.Reason)
}

func TestSubmit_RejectedOrderFails(t *testing.T) {
	fake := &fakeBroker{summary: broker.AccountSummary{Balance: 100000, NAV: 100000}}
	fake.placeFn = func(intent broker.OrderIntent) (*broker.Order, error) {
		return &broker.Order{ID: "99", ClientID: intent.ClientID, Instrument: intent.Instrument,
			Units: intent.Units, Status: broker.OrderStatusRejected}, nil
	}
	coordinator := newTestCoordinator(t, fake)

	outcome := coordinator.Submit(context.Background(), buySignal("EUR_USD", 1.1050))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ReasonBrokerError, outcome.Reason)
	require.NotNil(t, outcome.Order, "rejected order is still reported")
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.Equal(t, 2*time.Second, policy.delay(1))
	assert.Equal(t, 4*time.Second, policy.delay(2))
	assert.Equal(t, 8*time.Second, policy.delay(3))
	assert.Equal(t, 10*time.Second, policy.delay(4), "backoff is capped")
}
