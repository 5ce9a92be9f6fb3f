package risk

// SizingFailure explains why a position size could not be computed.
type SizingFailure string

const (
	SizingZeroRiskDistance SizingFailure = "zero risk distance"
	SizingNonPositiveSize  SizingFailure = "non-positive size"
)

// SizingResult carries a computed lot size together with the inputs that
// produced it. Reason is set exactly when sizing failed; a valid result
// always has Lots > 0.
type SizingResult struct {
	Lots       float64
	Entry      float64
	Stop       float64
	RiskAmount float64
	Reason     SizingFailure
}

// Valid reports whether a lot size was computed.
func (r SizingResult) Valid() bool {
	return r.Reason == ""
}

// DenialReason identifies the pre-trade check that blocked a trade.
// Callers decide how to react based on the reason, never on message text.
type DenialReason string

const (
	DenialNonPositiveSize      DenialReason = "NON_POSITIVE_SIZE"
	DenialInstrumentNotAllowed DenialReason = "INSTRUMENT_NOT_ALLOWED"
	DenialDrawdownExceeded     DenialReason = "DRAWDOWN_EXCEEDED"
	DenialInstrumentLimit      DenialReason = "INSTRUMENT_LIMIT_REACHED"
	DenialConcurrentLimit      DenialReason = "CONCURRENT_LIMIT_REACHED"
)

// Decision is the outcome of the pre-trade checks.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenialReason) Decision {
	return Decision{Reason: reason}
}

// AccountState is the snapshot of account telemetry the checks run
// against. It is refreshed from broker queries at the start of each
// decision cycle and never mutated locally.
type AccountState struct {
	Balance           float64
	DrawdownPct       float64
	OpenPositions     int
	OpenForInstrument int
}
