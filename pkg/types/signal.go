package types

import (
	"fmt"
	"time"
)

// SignalAction is the intent carried by a trading signal.
type SignalAction string

const (
	ActionBuy        SignalAction = "BUY"
	ActionSell       SignalAction = "SELL"
	ActionHold       SignalAction = "HOLD"
	ActionCloseLong  SignalAction = "CLOSE_LONG"
	ActionCloseShort SignalAction = "CLOSE_SHORT"
)

// IsEntry reports whether the action opens new exposure.
func (a SignalAction) IsEntry() bool {
	return a == ActionBuy || a == ActionSell
}

// IsClose reports whether the action reduces existing exposure.
func (a SignalAction) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// TradingSignal is a typed trading intent produced by an external signal
// source. It is immutable once created; EntryPrice of zero means the
// source did not suggest an entry.
type TradingSignal struct {
	Action       SignalAction
	Pair         string
	Timestamp    time.Time
	EntryPrice   float64
	Confidence   float64
	StrategyName string
	Details      map[string]any
}

// NewTradingSignal builds a signal and validates its bounded fields.
func NewTradingSignal(action SignalAction, pair string, ts time.Time, entry, confidence float64, strategy string) (TradingSignal, error) {
	switch action {
	case ActionBuy, ActionSell, ActionHold, ActionCloseLong, ActionCloseShort:
	default:
		return TradingSignal{}, fmt.Errorf("unknown signal action %q", action)
	}
	if pair == "" {
		return TradingSignal{}, fmt.Errorf("signal pair is required")
	}
	if confidence < 0 || confidence > 1 {
		return TradingSignal{}, fmt.Errorf("signal confidence %v outside [0,1]", confidence)
	}
	return TradingSignal{
		Action:       action,
		Pair:         pair,
		Timestamp:    ts,
		EntryPrice:   entry,
		Confidence:   confidence,
		StrategyName: strategy,
		Details:      map[string]any{},
	}, nil
}
