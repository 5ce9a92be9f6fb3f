package oanda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfx/fx-execution-engine/internal/broker"
	"github.com/quantfx/fx-execution-engine/pkg/types"
)

type v20Candle struct {
	Time     time.Time `json:"time"`
	Volume   float64   `json:"volume"`
	Complete bool      `json:"complete"`
	Mid      struct {
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
	} `json:"mid"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []v20Candle `json:"candles"`
}

// HistoricalCandles fetches midpoint candles for an instrument.
// Incomplete trailing candles are dropped so indicator windows only see
// settled data.
func (c *Client) HistoricalCandles(ctx context.Context, instrument string, granularity types.Granularity, rng types.CandleRange) ([]types.OHLCV, error) {
	query := url.Values{}
	query.Set("granularity", string(granularity))
	query.Set("price", "M")
	if rng.Count > 0 {
		query.Set("count", strconv.Itoa(rng.Count))
	} else {
		if !rng.From.IsZero() {
			query.Set("from", rng.From.UTC().Format(time.RFC3339))
		}
		if !rng.To.IsZero() {
			query.Set("to", rng.To.UTC().Format(time.RFC3339))
		}
	}

	var resp candlesResponse
	path := fmt.Sprintf("/v3/instruments/%s/candles?%s", instrument, query.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, wrapOp(err, "historical_candles")
	}

	candles := make([]types.OHLCV, 0, len(resp.Candles))
	for _, candle := range resp.Candles {
		if !candle.Complete {
			continue
		}
		candles = append(candles, types.OHLCV{
			Open:      parseFloat(candle.Mid.O),
			High:      parseFloat(candle.Mid.H),
			Low:       parseFloat(candle.Mid.L),
			Close:     parseFloat(candle.Mid.C),
			Volume:    candle.Volume,
			Timestamp: candle.Time,
		})
	}
	return candles, nil
}

var _ broker.Broker = (*Client)(nil)
