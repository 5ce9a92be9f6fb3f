package types

import "time"

// OHLCV is a single candle of market data.
type OHLCV struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// Granularity identifies a candle timeframe in broker-neutral notation.
type Granularity string

const (
	GranularityM1  Granularity = "M1"
	GranularityM5  Granularity = "M5"
	GranularityM15 Granularity = "M15"
	GranularityM30 Granularity = "M30"
	GranularityH1  Granularity = "H1"
	GranularityH4  Granularity = "H4"
	GranularityD1  Granularity = "D1"
)

// CandleRange selects a window of historical candles. Count takes
// precedence when non-zero; otherwise From/To bound the request.
type CandleRange struct {
	Count int
	From  time.Time
	To    time.Time
}
