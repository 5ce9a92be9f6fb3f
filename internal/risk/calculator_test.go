package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfx/fx-execution-engine/internal/config"
	"github.com/quantfx/fx-execution-engine/pkg/types"
)

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	params := config.DefaultRiskParameters()
	require.NoError(t, params.Validate())
	return NewCalculator(params, nil)
}

func candles(n int, base float64) []types.OHLCV {
	out := make([]types.OHLCV, n)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		price := base + float64(i)*0.0002
		out[i] = types.OHLCV{
			Open:      price,
			High:      price + 0.0010,
			Low:       price - 0.0010,
			Close:     price + 0.0003,
			Volume:    1000,
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestPipSize(t *testing.T) {
	assert.Equal(t, 0.0001, PipSize("EUR_USD"))
	assert.Equal(t, 0.01, PipSize("USD_JPY"))
	assert.Equal(t, 0.01, PipSize("eur_jpy"))
	assert.Equal(t, 0.0001, PipSize("GBP_USD"))
}

func TestAverageTrueRange_InsufficientHistory(t *testing.T) {
	calc := newTestCalculator(t)

	_, ok := calc.AverageTrueRange(candles(14, 1.10), 14)
	assert.False(t, ok, "period+1 candles are required")

	atr, ok := calc.AverageTrueRange(candles(15, 1.10), 14)
	assert.True(t, ok)
	assert.Greater(t, atr, 0.0)
}

func TestAverageTrueRange_PanicsOnBadPeriod(t *testing.T) {
	calc := newTestCalculator(t)
	assert.Panics(t, func() { calc.AverageTrueRange(candles(20, 1.10), -1) })
}

func TestPositionSize_StandardScenario(t *testing.T) {
	calc := newTestCalculator(t)

	// balance=100000, risk=1% => 1000 at risk; 50 pips at $10/pip/lot => 2 lots.
	result := calc.PositionSize("EUR_USD", 1.1050, 1.1000, 10.0, 0.01, 100000)
	require.True(t, result.Valid())
	assert.InDelta(t, 2.0, result.Lots, 1e-9)
	assert.InDelta(t, 1000.0, result.RiskAmount, 1e-9)
}

func TestPositionSize_RiskAmountExact(t *testing.T) {
	calc := newTestCalculator(t)

	balances := []float64{1000, 25000, 100000, 1234567.89}
	fractions := []float64{0.001, 0.01, 0.05}
	for _, b := range balances {
		for _, r := range fractions {
			result := calc.PositionSize("GBP_USD", 1.2500, 1.2450, 10.0, r, b)
			assert.InDelta(t, b*r, result.RiskAmount, 1e-9)
		}
	}
}

func TestPositionSize_ZeroRiskDistance(t *testing.T) {
	calc := newTestCalculator(t)

	result := calc.PositionSize("USD_JPY", 150.00, 150.00, 10.0, 0.01, 100000)
	assert.False(t, result.Valid())
	assert.Equal(t, SizingZeroRiskDistance, result.Reason)
	assert.Zero(t, result.Lots)
}

func TestPositionSize_NonPositivePipValue(t *testing.T) {
	calc := newTestCalculator(t)

	for _, pipValue := range []float64{0, -10, math.NaN()} {
		result := calc.PositionSize("EUR_USD", 1.1050, 1.1000, pipValue, 0.01, 100000)
		assert.False(t, result.Valid())
		assert.Equal(t, SizingNonPositiveSize, result.Reason)
		assert.Zero(t, result.Lots)
	}
}

func TestPositionSize_JPYPipScale(t *testing.T) {
	calc := newTestCalculator(t)

	// 50 pips on USD_JPY is a 0.50 price distance.
	result := calc.PositionSize("USD_JPY", 150.50, 150.00, 10.0, 0.01, 100000)
	require.True(t, result.Valid())
	assert.InDelta(t, 2.0, result.Lots, 1e-9)
}

func TestPositionSize_RoundedToLotIncrement(t *testing.T) {
	calc := newTestCalculator(t)

	result := calc.PositionSize("EUR_USD", 1.10503, 1.10000, 10.0, 0.01, 100000)
	require.True(t, result.Valid())
	scaled := result.Lots * 1e4
	assert.InDelta(t, math.Round(scaled), scaled, 1e-9, "lots must be rounded to 4 decimal places")
}

func TestStopLossTakeProfit_BuyDirection(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionBuy, Pair: "EUR_USD", EntryPrice: 1.1050}

	stop, target, ok := calc.StopLossTakeProfit(signal, candles(50, 1.10))
	require.True(t, ok)
	assert.Less(t, stop, signal.EntryPrice)
	assert.Greater(t, target, signal.EntryPrice)
}

func TestStopLossTakeProfit_SellDirection(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionSell, Pair: "EUR_USD", EntryPrice: 1.1050}

	stop, target, ok := calc.StopLossTakeProfit(signal, candles(50, 1.10))
	require.True(t, ok)
	assert.Greater(t, stop, signal.EntryPrice)
	assert.Less(t, target, signal.EntryPrice)
}

func TestStopLossTakeProfit_FixedPipFallback(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionBuy, Pair: "EUR_USD", EntryPrice: 1.1050}

	// Too little history for ATR: fall back to the configured pip distances.
	stop, target, ok := calc.StopLossTakeProfit(signal, candles(3, 1.10))
	require.True(t, ok)
	assert.InDelta(t, 1.1050-50*0.0001, stop, 1e-9)
	assert.InDelta(t, 1.1050+100*0.0001, target, 1e-9)
}

func TestStopLossTakeProfit_MissingEntry(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionBuy, Pair: "EUR_USD"}

	_, _, ok := calc.StopLossTakeProfit(signal, candles(50, 1.10))
	assert.False(t, ok)
}

func TestStopLossTakeProfit_NonEntryAction(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionCloseLong, Pair: "EUR_USD", EntryPrice: 1.1050}

	_, _, ok := calc.StopLossTakeProfit(signal, candles(50, 1.10))
	assert.False(t, ok)
}

func TestPreTradeChecks_Order(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionBuy, Pair: "EUR_USD", EntryPrice: 1.1050}
	healthy := AccountState{Balance: 100000, DrawdownPct: 0.02}

	tests := []struct {
		name    string
		lots    float64
		signal  types.TradingSignal
		account AccountState
		reason  DenialReason
	}{
		{"non-positive size", 0, signal, healthy, DenialNonPositiveSize},
		{"instrument not allowed", 1, types.TradingSignal{Action: types.ActionBuy, Pair: "BTC_USD"}, healthy, DenialInstrumentNotAllowed},
		{"drawdown exceeded", 1, signal, AccountState{Balance: 100000, DrawdownPct: 0.12}, DenialDrawdownExceeded},
		{"instrument limit", 1, signal, AccountState{Balance: 100000, OpenForInstrument: 2}, DenialInstrumentLimit},
		{"concurrent limit", 1, signal, AccountState{Balance: 100000, OpenPositions: 5}, DenialConcurrentLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := calc.PreTradeChecks(tt.signal, tt.lots, tt.account)
			assert.False(t, decision.Allowed)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestPreTradeChecks_DrawdownDeniesRegardlessOfSize(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionBuy, Pair: "EUR_USD", EntryPrice: 1.1050}

	for _, lots := range []float64{0.01, 1, 50} {
		decision := calc.PreTradeChecks(signal, lots, AccountState{Balance: 100000, DrawdownPct: 0.12})
		assert.Equal(t, DenialDrawdownExceeded, decision.Reason)
	}
}

func TestPreTradeChecks_Allows(t *testing.T) {
	calc := newTestCalculator(t)
	signal := types.TradingSignal{Action: types.ActionBuy, Pair: "EUR_USD", EntryPrice: 1.1050}

	decision := calc.PreTradeChecks(signal, 1.5, AccountState{
		Balance:           100000,
		DrawdownPct:       0.05,
		OpenPositions:     2,
		OpenForInstrument: 1,
	})
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
}
