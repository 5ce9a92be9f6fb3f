package oanda

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quantfx/fx-execution-engine/internal/broker"
)

type v20PositionSide struct {
	Units        string `json:"units"`
	UnrealizedPL string `json:"unrealizedPL"`
}

type v20Position struct {
	Instrument   string          `json:"instrument"`
	Long         v20PositionSide `json:"long"`
	Short        v20PositionSide `json:"short"`
	UnrealizedPL string          `json:"unrealizedPL"`
}

type openPositionsResponse struct {
	Positions []v20Position `json:"positions"`
}

// OpenPositions lists all open positions mapped into the canonical
// model. Short units come back negative from v20 and are normalised to
// a non-negative magnitude.
func (c *Client) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	var resp openPositionsResponse
	path := fmt.Sprintf("/v3/accounts/%s/openPositions", c.accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, wrapOp(err, "open_positions")
	}

	now := time.Now()
	positions := make([]broker.Position, len(resp.Positions))
	for i, pos := range resp.Positions {
		positions[i] = broker.Position{
			Instrument:   pos.Instrument,
			LongUnits:    parseFloat(pos.Long.Units),
			ShortUnits:   abs(parseFloat(pos.Short.Units)),
			UnrealizedPL: parseFloat(pos.UnrealizedPL),
			RefreshedAt:  now,
		}
	}
	return positions, nil
}

type positionCloseResponse struct {
	LongOrderFillTransaction    *v20Transaction `json:"longOrderFillTransaction"`
	LongOrderCreateTransaction  *v20Transaction `json:"longOrderCreateTransaction"`
	ShortOrderFillTransaction   *v20Transaction `json:"shortOrderFillTransaction"`
	ShortOrderCreateTransaction *v20Transaction `json:"shortOrderCreateTransaction"`
	LastTransactionID           string          `json:"lastTransactionID"`
}

// ClosePosition flattens an instrument's position. Both sides are
// attempted independently: a benign "nothing on that side" failure never
// blocks closing the other side. The overall call fails only when
// neither side produced a result and at least one failure was not
// benign. With nothing open at all, a synthetic zero-unit FILLED order
// is returned, signalling "already flat" as success.
func (c *Client) ClosePosition(ctx context.Context, instrument string, units broker.CloseUnits) (*broker.Order, error) {
	longOrder, longErr := c.closeSide(ctx, instrument, "longUnits", units)
	shortOrder, shortErr := c.closeSide(ctx, instrument, "shortUnits", units)

	if longErr != nil && !broker.IsNothingToClose(longErr) {
		c.logger.Warn("long side close failed", zap.String("instrument", instrument), zap.Error(longErr))
	}
	if shortErr != nil && !broker.IsNothingToClose(shortErr) {
		c.logger.Warn("short side close failed", zap.String("instrument", instrument), zap.Error(shortErr))
	}

	switch {
	case longOrder != nil && shortOrder != nil:
		// Both sides were open; report the aggregate as a single order
		// carrying the combined closed units.
		longOrder.Units += shortOrder.Units
		longOrder.FilledUnits += shortOrder.FilledUnits
		return longOrder, nil
	case longOrder != nil:
		return longOrder, nil
	case shortOrder != nil:
		return shortOrder, nil
	}

	// Neither side produced an order. Fail only on a real error;
	// otherwise the position was already flat.
	if longErr != nil && !broker.IsNothingToClose(longErr) {
		return nil, wrapOp(longErr, "close_position")
	}
	if shortErr != nil && !broker.IsNothingToClose(shortErr) {
		return nil, wrapOp(shortErr, "close_position")
	}

	c.logger.Info("close requested with no open position, already flat",
		zap.String("instrument", instrument))
	return &broker.Order{
		Instrument: instrument,
		Units:      0,
		Kind:       broker.OrderKindMarket,
		Status:     broker.OrderStatusFilled,
	}, nil
}

func (c *Client) closeSide(ctx context.Context, instrument, sideField string, units broker.CloseUnits) (*broker.Order, error) {
	body := map[string]string{sideField: string(units)}

	var resp positionCloseResponse
	path := fmt.Sprintf("/v3/accounts/%s/positions/%s/close", c.accountID, instrument)
	if err := c.do(ctx, http.MethodPut, path, body, &resp); err != nil {
		return nil, err
	}

	tx := resp.LongOrderFillTransaction
	if tx == nil {
		tx = resp.LongOrderCreateTransaction
	}
	if tx == nil {
		tx = resp.ShortOrderFillTransaction
	}
	if tx == nil {
		tx = resp.ShortOrderCreateTransaction
	}
	if tx == nil {
		return nil, broker.NewError(broker.CodeNothingToClose,
			fmt.Sprintf("no %s to close for %s", sideField, instrument))
	}

	status := broker.OrderStatusFilled
	if resp.LongOrderFillTransaction == nil && resp.ShortOrderFillTransaction == nil {
		status = broker.OrderStatusPending
	}

	return &broker.Order{
		ID:            tx.OrderID,
		Instrument:    instrument,
		Units:         parseFloat(tx.Units),
		Kind:          broker.OrderKindMarket,
		Status:        status,
		FilledUnits:   parseFloat(tx.Units),
		TransactionID: tx.ID,
		CreatedAt:     tx.Time,
	}, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
