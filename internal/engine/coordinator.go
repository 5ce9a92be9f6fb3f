package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantfx/fx-execution-engine/internal/broker"
	"github.com/quantfx/fx-execution-engine/internal/config"
	"github.com/quantfx/fx-execution-engine/internal/monitoring"
	"github.com/quantfx/fx-execution-engine/internal/risk"
	"github.com/quantfx/fx-execution-engine/pkg/types"
)

// ExecutionState tracks how far a signal got through the pipeline.
type ExecutionState string

const (
	StateReceived    ExecutionState = "RECEIVED"
	StateSized       ExecutionState = "SIZED"
	StateRiskChecked ExecutionState = "RISK_CHECKED"
	StateSubmitted   ExecutionState = "SUBMITTED"
	StateConfirmed   ExecutionState = "CONFIRMED"
	StateFailed      ExecutionState = "FAILED"
	StateSkipped     ExecutionState = "SKIPPED"
)

// Failure reason vocabulary carried on FAILED outcomes. Risk denials are
// reported as RISK_DENIED:<check> so callers can tell the gates apart.
const (
	ReasonSizingFailed = "SIZING_FAILED"
	ReasonBrokerError  = "BROKER_ERROR"

	riskDeniedPrefix = "RISK_DENIED:"
)

func riskDeniedReason(reason risk.DenialReason) string {
	return riskDeniedPrefix + string(reason)
}

// Outcome is the result of pushing one signal through the pipeline.
type Outcome struct {
	State  ExecutionState
	Reason string
	Lots   float64
	Order  *broker.Order
	Err    error
}

func failed(reason string, err error) Outcome {
	return Outcome{State: StateFailed, Reason: reason, Err: err}
}

// Coordinator drives a trading signal through sizing, risk gating and
// broker submission. Signals for the same instrument are serialised;
// different instruments execute concurrently.
type Coordinator struct {
	cfg     *config.Config
	broker  broker.Broker
	calc    *risk.Calculator
	tracker *Tracker
	policy  RetryPolicy
	logger  *zap.Logger

	peakMu     sync.Mutex
	peakEquity float64
}

// NewCoordinator builds a Coordinator around a connected broker.
func NewCoordinator(cfg *config.Config, brk broker.Broker, calc *risk.Calculator, tracker *Tracker, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		broker:  brk,
		calc:    calc,
		tracker: tracker,
		policy:  DefaultRetryPolicy(),
		logger:  logger,
	}
}

// SetRetryPolicy overrides the default broker retry policy.
func (c *Coordinator) SetRetryPolicy(policy RetryPolicy) {
	c.policy = policy
}

// Submit executes one trading signal end to end and reports the outcome.
// It never returns an error directly: every failure mode is captured in
// the outcome so callers always learn how far the signal got.
func (c *Coordinator) Submit(ctx context.Context, signal types.TradingSignal) Outcome {
	logger := c.logger.With(
		zap.String("pair", signal.Pair),
		zap.String("action", string(signal.Action)),
		zap.String("strategy", signal.StrategyName))
	logger.Info("signal received", zap.Float64("confidence", signal.Confidence))

	if signal.Action == types.ActionHold {
		return Outcome{State: StateSkipped}
	}

	unlock := c.tracker.LockInstrument(signal.Pair)
	defer unlock()

	account, err := c.refreshAccount(ctx)
	if err != nil {
		logger.Error("account refresh failed", zap.Error(err))
		return failed(ReasonBrokerError, err)
	}

	if signal.Action.IsClose() {
		return c.executeClose(ctx, logger, signal)
	}

	return c.executeEntry(ctx, logger, signal, account)
}

// PositionSnapshot returns the cached broker position state.
func (c *Coordinator) PositionSnapshot() []broker.Position {
	return c.tracker.Positions()
}

// OrderSnapshot returns all orders the engine has tracked this session.
func (c *Coordinator) OrderSnapshot() []broker.Order {
	return c.tracker.Orders()
}

// Order returns the tracked view of a single order.
func (c *Coordinator) Order(orderID string) (broker.Order, bool) {
	return c.tracker.Order(orderID)
}

// RefreshTelemetry refreshes account and position state outside of a
// signal submission, keeping gauges and caches warm between signals.
func (c *Coordinator) RefreshTelemetry(ctx context.Context) error {
	_, err := c.refreshAccount(ctx)
	return err
}

// refreshAccount queries account telemetry and open positions in
// parallel, updates the tracker's position cache and the account gauges,
// and folds the result into a risk snapshot.
func (c *Coordinator) refreshAccount(ctx context.Context) (*broker.AccountSummary, error) {
	var (
		summary   *broker.AccountSummary
		positions []broker.Position
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.policy.retry(groupCtx, c.logger, "account_summary", func() error {
			var err error
			summary, err = c.broker.AccountSummary(groupCtx)
			return err
		})
	})
	group.Go(func() error {
		return c.policy.retry(groupCtx, c.logger, "open_positions", func() error {
			var err error
			positions, err = c.broker.OpenPositions(groupCtx)
			return err
		})
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	c.tracker.SetPositions(positions)
	c.observeEquity(summary.NAV)
	monitoring.UpdateAccount(summary.Balance, summary.NAV, summary.OpenPositions)
	return summary, nil
}

// observeEquity folds a fresh NAV sample into the session peak. Every
// refresh contributes, so a peak reached between signals still counts
// against later drawdown checks.
func (c *Coordinator) observeEquity(nav float64) {
	c.peakMu.Lock()
	defer c.peakMu.Unlock()
	if nav > c.peakEquity {
		c.peakEquity = nav
	}
}

// drawdown tracks peak equity across the session and reports the current
// fractional drop from that peak.
func (c *Coordinator) drawdown(nav float64) float64 {
	c.peakMu.Lock()
	defer c.peakMu.Unlock()
	if nav > c.peakEquity {
		c.peakEquity = nav
	}
	if c.peakEquity <= 0 {
		return 0
	}
	return (c.peakEquity - nav) / c.peakEquity
}

func (c *Coordinator) executeClose(ctx context.Context, logger *zap.Logger, signal types.TradingSignal) Outcome {
	var order *broker.Order
	err := c.policy.retry(ctx, logger, "close_position", func() error {
		var closeErr error
		order, closeErr = c.broker.ClosePosition(ctx, signal.Pair, broker.CloseAll)
		return closeErr
	})
	if err != nil {
		// After a timeout the close may have gone through; re-query
		// before deciding the outcome.
		if broker.IsTimeout(err) && c.instrumentFlat(ctx, signal.Pair) {
			logger.Info("position flat after close timeout, treating close as applied")
			order := &broker.Order{
				Instrument: signal.Pair,
				Kind:       broker.OrderKindMarket,
				Status:     broker.OrderStatusFilled,
			}
			monitoring.RecordOrder(signal.Pair, string(StateConfirmed), 0)
			return Outcome{State: StateConfirmed, Order: order}
		}
		logger.Error("position close failed", zap.Error(err))
		monitoring.RecordOrder(signal.Pair, string(StateFailed), 0)
		return failed(ReasonBrokerError, err)
	}

	if order.ID != "" {
		if recordErr := c.tracker.Record(*order); recordErr != nil {
			logger.Warn("could not track close order", zap.Error(recordErr))
		}
	}
	logger.Info("position closed",
		zap.Float64("units", order.Units),
		zap.String("transaction_id", order.TransactionID))
	monitoring.RecordOrder(signal.Pair, string(StateConfirmed), 0)
	return Outcome{State: StateConfirmed, Order: order}
}

// instrumentFlat re-queries broker positions and reports whether the
// instrument holds no units. A query failure counts as not flat.
func (c *Coordinator) instrumentFlat(ctx context.Context, instrument string) bool {
	positions, err := c.broker.OpenPositions(ctx)
	if err != nil {
		return false
	}
	c.tracker.SetPositions(positions)
	for _, pos := range positions {
		if pos.Instrument == instrument && !pos.Flat() {
			return false
		}
	}
	return true
}

func (c *Coordinator) executeEntry(ctx context.Context, logger *zap.Logger, signal types.TradingSignal, account *broker.AccountSummary) Outcome {
	history := c.fetchHistory(ctx, logger, signal.Pair)

	if signal.EntryPrice == 0 && len(history) > 0 {
		signal.EntryPrice = history[len(history)-1].Close
	}

	stop, target, ok := c.calc.StopLossTakeProfit(signal, history)
	if !ok {
		monitoring.RecordOrder(signal.Pair, string(StateFailed), 0)
		return failed(ReasonSizingFailed, fmt.Errorf("no valid stop/target for %s %s", signal.Action, signal.Pair))
	}

	sizing := c.calc.PositionSize(signal.Pair, signal.EntryPrice, stop,
		c.cfg.Engine.PipValuePerLot, c.cfg.Risk.RiskPerTradePct, account.Balance)
	if !sizing.Valid() {
		monitoring.RecordOrder(signal.Pair, string(StateFailed), 0)
		return failed(ReasonSizingFailed, fmt.Errorf("sizing failed for %s: %s", signal.Pair, sizing.Reason))
	}
	logger.Info("position sized",
		zap.Float64("lots", sizing.Lots),
		zap.Float64("risk_amount", sizing.RiskAmount),
		zap.Float64("stop", stop),
		zap.Float64("target", target))

	decision := c.calc.PreTradeChecks(signal, sizing.Lots, c.accountState(signal.Pair, account))
	if !decision.Allowed {
		logger.Warn("trade denied by pre-trade checks", zap.String("reason", string(decision.Reason)))
		monitoring.RecordDenial(string(decision.Reason))
		monitoring.RecordOrder(signal.Pair, string(StateFailed), 0)
		return failed(riskDeniedReason(decision.Reason), nil)
	}

	intent := broker.OrderIntent{
		Instrument: signal.Pair,
		Units:      signedUnits(signal.Action, sizing.Lots),
		Kind:       broker.OrderKindMarket,
		StopLoss:   stop,
		TakeProfit: target,
		ClientID:   uuid.NewString(),
	}

	order, err := c.submitOrder(ctx, logger, intent)
	if err != nil {
		logger.Error("order submission failed", zap.Error(err))
		monitoring.RecordOrder(signal.Pair, string(StateFailed), sizing.Lots)
		return failed(ReasonBrokerError, err)
	}

	if recordErr := c.tracker.Record(*order); recordErr != nil {
		logger.Warn("could not track order", zap.Error(recordErr))
	}

	if order.Status == broker.OrderStatusRejected || order.Status == broker.OrderStatusCancelled {
		logger.Warn("order not accepted", zap.String("status", string(order.Status)))
		monitoring.RecordOrder(signal.Pair, string(StateFailed), sizing.Lots)
		return Outcome{State: StateFailed, Reason: ReasonBrokerError, Lots: sizing.Lots, Order: order}
	}

	logger.Info("order confirmed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Float64("lots", sizing.Lots))
	monitoring.RecordOrder(signal.Pair, string(StateConfirmed), sizing.Lots)
	return Outcome{State: StateConfirmed, Lots: sizing.Lots, Order: order}
}

// fetchHistory pulls the candle window used for ATR. A failure here is
// not fatal: sizing falls back to fixed pip distances without history.
func (c *Coordinator) fetchHistory(ctx context.Context, logger *zap.Logger, pair string) []types.OHLCV {
	var history []types.OHLCV
	err := c.policy.retry(ctx, logger, "historical_candles", func() error {
		var fetchErr error
		history, fetchErr = c.broker.HistoricalCandles(ctx, pair,
			types.Granularity(c.cfg.Engine.CandleGranularity),
			types.CandleRange{Count: c.cfg.Engine.CandleCount})
		return fetchErr
	})
	if err != nil {
		logger.Warn("candle fetch failed, proceeding without history", zap.Error(err))
		return nil
	}
	return history
}

// submitOrder places the order with retries. After a timeout-class
// failure the true outcome is unknown, so the correlation id is used to
// ask the broker whether the order actually landed before the failure is
// reported.
func (c *Coordinator) submitOrder(ctx context.Context, logger *zap.Logger, intent broker.OrderIntent) (*broker.Order, error) {
	var order *broker.Order
	err := c.policy.retry(ctx, logger, "place_order", func() error {
		var placeErr error
		order, placeErr = c.broker.PlaceOrder(ctx, intent)
		return placeErr
	})
	if err == nil {
		return order, nil
	}

	if broker.IsTimeout(err) {
		logger.Warn("submission timed out, reconciling by correlation id",
			zap.String("client_id", intent.ClientID))
		if found, findErr := c.broker.FindOrderByClientID(ctx, intent.ClientID); findErr == nil {
			logger.Info("order found after timeout",
				zap.String("order_id", found.ID),
				zap.String("status", string(found.Status)))
			return found, nil
		} else if !broker.IsOrderNotFound(findErr) {
			logger.Warn("reconciliation lookup failed", zap.Error(findErr))
		}
	}
	return nil, err
}

// accountState folds the refreshed telemetry into the snapshot the risk
// gates evaluate. A non-flat side of the cached position counts toward
// the per-instrument limit.
func (c *Coordinator) accountState(pair string, account *broker.AccountSummary) risk.AccountState {
	openForInstrument := 0
	if pos, ok := c.tracker.Position(pair); ok {
		if pos.LongUnits > 0 {
			openForInstrument++
		}
		if pos.ShortUnits > 0 {
			openForInstrument++
		}
	}
	return risk.AccountState{
		Balance:           account.Balance,
		DrawdownPct:       c.drawdown(account.NAV),
		OpenPositions:     account.OpenPositions,
		OpenForInstrument: openForInstrument,
	}
}

func signedUnits(action types.SignalAction, lots float64) float64 {
	units := lots * risk.UnitsPerLot
	if action == types.ActionSell {
		return -units
	}
	return units
}
