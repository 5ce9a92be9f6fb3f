package risk

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/quantfx/fx-execution-engine/internal/config"
	"github.com/quantfx/fx-execution-engine/pkg/types"
)

// UnitsPerLot is the size of one standard lot in units of base currency.
const UnitsPerLot = 100000.0

// lotPrecision is the broker's minimum lot increment, expressed as
// decimal places.
const lotPrecision = 4

// Calculator computes trade sizes, stop/target levels and pre-trade risk
// gates. It is pure computation: no I/O, no retained mutable state.
type Calculator struct {
	params config.RiskParameters
	logger *zap.Logger
}

// NewCalculator builds a Calculator. The parameters must already be
// validated; construction does not re-check bounds.
func NewCalculator(params config.RiskParameters, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{params: params, logger: logger}
}

// PipSize returns the standard pip increment for a pair: 0.01 for
// JPY-quoted pairs, 0.0001 for everything else.
func PipSize(pair string) float64 {
	if strings.Contains(strings.ToUpper(pair), "JPY") {
		return 0.01
	}
	return 0.0001
}

// AverageTrueRange computes an SMA-of-true-range volatility measure over
// the trailing window. It needs period+1 candles; with less history it
// returns ok=false, which callers treat as "fall back to fixed
// parameters", not as a fault. A period below 1 is a programmer error.
func (c *Calculator) AverageTrueRange(history []types.OHLCV, period int) (float64, bool) {
	if period < 1 {
		panic(fmt.Sprintf("risk: ATR period must be >= 1, got %d", period))
	}
	if len(history) < period+1 {
		return 0, false
	}

	sum := 0.0
	for i := len(history) - period; i < len(history); i++ {
		current := history[i]
		previous := history[i-1]

		tr := current.High - current.Low
		tr = math.Max(tr, math.Abs(current.High-previous.Close))
		tr = math.Max(tr, math.Abs(current.Low-previous.Close))
		sum += tr
	}

	return sum / float64(period), true
}

// PositionSize computes the lot size that risks balance×riskFraction
// between entry and stop. The result is rounded to the broker's minimum
// lot increment. Failures (entry == stop, non-positive size) are
// reported in the result, never as an error.
func (c *Calculator) PositionSize(pair string, entry, stop, pipValuePerLot, riskFraction, balance float64) SizingResult {
	riskAmount := balance * riskFraction
	result := SizingResult{Entry: entry, Stop: stop, RiskAmount: riskAmount}

	if pipValuePerLot <= 0 || math.IsNaN(pipValuePerLot) {
		c.logger.Warn("cannot size position with non-positive pip value",
			zap.String("pair", pair), zap.Float64("pip_value_per_lot", pipValuePerLot))
		result.Reason = SizingNonPositiveSize
		return result
	}
	if entry == stop {
		c.logger.Warn("cannot size position with zero risk distance",
			zap.String("pair", pair), zap.Float64("entry", entry))
		result.Reason = SizingZeroRiskDistance
		return result
	}

	riskPerUnit := math.Abs(entry - stop)
	riskPips := riskPerUnit / PipSize(pair)

	lots := riskAmount / (riskPips * pipValuePerLot)
	lots = roundLots(lots)
	if lots <= 0 || math.IsInf(lots, 0) || math.IsNaN(lots) {
		c.logger.Warn("computed lot size is not positive",
			zap.String("pair", pair), zap.Float64("lots", lots))
		result.Reason = SizingNonPositiveSize
		return result
	}

	result.Lots = lots
	return result
}

// StopLossTakeProfit derives stop and target levels for an entry signal.
// When enough history is available the levels are ATR-scaled around the
// entry; otherwise they fall back to the configured fixed pip distances.
// The computed levels are then direction-checked: a BUY stop must sit
// strictly below entry with the target strictly above, and the reverse
// for a SELL. A violation discards both levels.
func (c *Calculator) StopLossTakeProfit(signal types.TradingSignal, history []types.OHLCV) (stop, target float64, ok bool) {
	entry := signal.EntryPrice
	if entry <= 0 {
		c.logger.Warn("signal has no entry price for stop/target calculation",
			zap.String("pair", signal.Pair))
		return 0, 0, false
	}
	if signal.Action != types.ActionBuy && signal.Action != types.ActionSell {
		return 0, 0, false
	}

	pipSize := PipSize(signal.Pair)
	stopDistance := c.params.DefaultStopLossPips * pipSize
	targetDistance := c.params.DefaultTakeProfitPips * pipSize

	if atr, available := c.AverageTrueRange(history, c.params.ATRPeriod); available && atr > 0 {
		stopDistance = atr * c.params.ATRMultiplierStopLoss
		targetDistance = atr * c.params.ATRMultiplierTakeProfit
	} else {
		c.logger.Debug("ATR unavailable, using fixed pip stop/target",
			zap.String("pair", signal.Pair), zap.Int("history", len(history)))
	}

	if signal.Action == types.ActionBuy {
		stop = entry - stopDistance
		target = entry + targetDistance
		if stop >= entry || target <= entry {
			c.logger.Warn("discarding inverted stop/target for BUY",
				zap.String("pair", signal.Pair),
				zap.Float64("stop", stop), zap.Float64("target", target), zap.Float64("entry", entry))
			return 0, 0, false
		}
	} else {
		stop = entry + stopDistance
		target = entry - targetDistance
		if stop <= entry || target >= entry {
			c.logger.Warn("discarding inverted stop/target for SELL",
				zap.String("pair", signal.Pair),
				zap.Float64("stop", stop), zap.Float64("target", target), zap.Float64("entry", entry))
			return 0, 0, false
		}
	}

	return stop, target, true
}

// PreTradeChecks evaluates the risk gates in a fixed order and returns
// the first one that fails. The correlation threshold is advisory only:
// overexposure to correlated pairs is logged but never blocks a trade.
func (c *Calculator) PreTradeChecks(signal types.TradingSignal, proposedLots float64, account AccountState) Decision {
	if proposedLots <= 0 {
		return deny(DenialNonPositiveSize)
	}
	if !c.params.AllowsPair(signal.Pair) {
		return deny(DenialInstrumentNotAllowed)
	}
	if account.DrawdownPct > c.params.MaxDrawdownPct {
		c.logger.Warn("drawdown limit breached, trade denied",
			zap.Float64("drawdown", account.DrawdownPct),
			zap.Float64("limit", c.params.MaxDrawdownPct))
		return deny(DenialDrawdownExceeded)
	}
	if account.OpenForInstrument >= c.params.MaxPositionsPerPair {
		return deny(DenialInstrumentLimit)
	}
	if account.OpenPositions >= c.params.MaxConcurrentPositions {
		return deny(DenialConcurrentLimit)
	}
	return allow()
}

func roundLots(lots float64) float64 {
	scale := math.Pow10(lotPrecision)
	return math.Round(lots*scale) / scale
}
