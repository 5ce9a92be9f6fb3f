package oanda

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quantfx/fx-execution-engine/internal/broker"
)

// v20 order states mapped into the canonical vocabulary. TRIGGERED
// covers stop/limit orders that became market orders.
var orderStateMap = map[string]broker.OrderStatus{
	"PENDING":   broker.OrderStatusPending,
	"FILLED":    broker.OrderStatusFilled,
	"TRIGGERED": broker.OrderStatusFilled,
	"CANCELLED": broker.OrderStatusCancelled,
	"REJECTED":  broker.OrderStatusRejected,
	"EXPIRED":   broker.OrderStatusExpired,
}

func mapOrderState(state string) broker.OrderStatus {
	if mapped, ok := orderStateMap[state]; ok {
		return mapped
	}
	return broker.OrderStatusPending
}

type priceField struct {
	Price string `json:"price"`
}

type clientExtensions struct {
	ID string `json:"id,omitempty"`
}

type orderRequestBody struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	Price            string            `json:"price,omitempty"`
	StopLossOnFill   *priceField       `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceField       `json:"takeProfitOnFill,omitempty"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
}

// v20Transaction is the subset of transaction fields the engine maps
// into the canonical Order.
type v20Transaction struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	OrderID          string            `json:"orderID"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	Price            string            `json:"price"`
	Time             time.Time         `json:"time"`
	Reason           string            `json:"reason"`
	ClientExtensions *clientExtensions `json:"clientExtensions"`
	StopLossOnFill   *priceField       `json:"stopLossOnFill"`
	TakeProfitOnFill *priceField       `json:"takeProfitOnFill"`
}

type orderCreateResponse struct {
	OrderCreateTransaction *v20Transaction `json:"orderCreateTransaction"`
	OrderFillTransaction   *v20Transaction `json:"orderFillTransaction"`
	OrderCancelTransaction *v20Transaction `json:"orderCancelTransaction"`
	OrderRejectTransaction *v20Transaction `json:"orderRejectTransaction"`
	LastTransactionID      string          `json:"lastTransactionID"`
}

// PlaceOrder submits a new order built from the intent. The returned
// canonical Order reflects whichever transaction the broker reported:
// fill, create (pending), cancel or reject.
func (c *Client) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	body := orderRequestBody{
		Type:         string(intent.Kind),
		Instrument:   intent.Instrument,
		Units:        formatUnits(intent.Units),
		TimeInForce:  "GTC",
		PositionFill: "DEFAULT",
	}
	if intent.Kind == broker.OrderKindMarket {
		body.TimeInForce = "FOK"
	} else {
		if intent.Price == 0 {
			return nil, broker.NewError(broker.CodeValidation,
				"price is required for LIMIT/STOP orders").WithOp("place_order")
		}
		body.Price = formatPrice(intent.Price)
	}
	if intent.StopLoss > 0 {
		body.StopLossOnFill = &priceField{Price: formatPrice(intent.StopLoss)}
	}
	if intent.TakeProfit > 0 {
		body.TakeProfitOnFill = &priceField{Price: formatPrice(intent.TakeProfit)}
	}
	if intent.ClientID != "" {
		body.ClientExtensions = &clientExtensions{ID: intent.ClientID}
	}

	var resp orderCreateResponse
	path := fmt.Sprintf("/v3/accounts/%s/orders", c.accountID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"order": body}, &resp); err != nil {
		return nil, wrapOp(err, "place_order")
	}

	order := c.orderFromCreateResponse(&resp, intent)
	c.logger.Info("order submitted",
		zap.String("instrument", intent.Instrument),
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)))
	return order, nil
}

func (c *Client) orderFromCreateResponse(resp *orderCreateResponse, intent broker.OrderIntent) *broker.Order {
	order := &broker.Order{
		ClientID:      intent.ClientID,
		Instrument:    intent.Instrument,
		Units:         intent.Units,
		Kind:          intent.Kind,
		Price:         intent.Price,
		StopLoss:      intent.StopLoss,
		TakeProfit:    intent.TakeProfit,
		Status:        broker.OrderStatusPending,
		TransactionID: resp.LastTransactionID,
	}

	switch {
	case resp.OrderFillTransaction != nil:
		tx := resp.OrderFillTransaction
		order.ID = tx.OrderID
		order.Status = broker.OrderStatusFilled
		order.FilledUnits = parseFloat(tx.Units)
		order.TransactionID = tx.ID
		order.CreatedAt = tx.Time
		if tx.Price != "" {
			order.Price = parseFloat(tx.Price)
		}
	case resp.OrderRejectTransaction != nil:
		tx := resp.OrderRejectTransaction
		order.ID = tx.OrderID
		order.Status = broker.OrderStatusRejected
		order.TransactionID = tx.ID
		order.CreatedAt = tx.Time
	case resp.OrderCancelTransaction != nil:
		tx := resp.OrderCancelTransaction
		order.ID = tx.OrderID
		order.Status = broker.OrderStatusCancelled
		order.TransactionID = tx.ID
		order.CreatedAt = tx.Time
	case resp.OrderCreateTransaction != nil:
		tx := resp.OrderCreateTransaction
		order.ID = tx.ID
		order.Status = broker.OrderStatusPending
		order.TransactionID = tx.ID
		order.CreatedAt = tx.Time
	}

	return order
}

type orderDetails struct {
	ID                   string            `json:"id"`
	Instrument           string            `json:"instrument"`
	Units                string            `json:"units"`
	Type                 string            `json:"type"`
	Price                string            `json:"price"`
	State                string            `json:"state"`
	FilledUnits          string            `json:"filledUnits"`
	FillingTransactionID string            `json:"fillingTransactionID"`
	CreateTime           time.Time         `json:"createTime"`
	ClientExtensions     *clientExtensions `json:"clientExtensions"`
	StopLossOnFill       *priceField       `json:"stopLossOnFill"`
	TakeProfitOnFill     *priceField       `json:"takeProfitOnFill"`
}

type orderDetailsResponse struct {
	Order             orderDetails `json:"order"`
	LastTransactionID string       `json:"lastTransactionID"`
}

// OrderStatus fetches the current canonical view of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	return c.orderBySpecifier(ctx, orderID)
}

// FindOrderByClientID resolves an order by correlation id, using the v20
// "@clientID" order specifier.
func (c *Client) FindOrderByClientID(ctx context.Context, clientID string) (*broker.Order, error) {
	return c.orderBySpecifier(ctx, "@"+clientID)
}

func (c *Client) orderBySpecifier(ctx context.Context, specifier string) (*broker.Order, error) {
	var resp orderDetailsResponse
	path := fmt.Sprintf("/v3/accounts/%s/orders/%s", c.accountID, specifier)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, wrapOp(err, "order_status")
	}
	return orderFromDetails(&resp), nil
}

func orderFromDetails(resp *orderDetailsResponse) *broker.Order {
	d := resp.Order
	order := &broker.Order{
		ID:            d.ID,
		Instrument:    d.Instrument,
		Units:         parseFloat(d.Units),
		Kind:          broker.OrderKind(d.Type),
		Price:         parseFloat(d.Price),
		Status:        mapOrderState(d.State),
		FilledUnits:   parseFloat(d.FilledUnits),
		TransactionID: resp.LastTransactionID,
		CreatedAt:     d.CreateTime,
	}
	if d.FillingTransactionID != "" {
		order.TransactionID = d.FillingTransactionID
	}
	if d.ClientExtensions != nil {
		order.ClientID = d.ClientExtensions.ID
	}
	if d.StopLossOnFill != nil {
		order.StopLoss = parseFloat(d.StopLossOnFill.Price)
	}
	if d.TakeProfitOnFill != nil {
		order.TakeProfit = parseFloat(d.TakeProfitOnFill.Price)
	}
	return order
}

type orderCancelResponse struct {
	OrderCancelTransaction *v20Transaction `json:"orderCancelTransaction"`
	LastTransactionID      string          `json:"lastTransactionID"`
}

// CancelOrder cancels a pending order. A broker report that the order no
// longer exists (already cancelled or filled) is treated as a
// successful, idempotent cancellation: cancellation races with fills are
// expected, so a synthesized CANCELLED result is returned instead of the
// error.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	var resp orderCancelResponse
	path := fmt.Sprintf("/v3/accounts/%s/orders/%s/cancel", c.accountID, orderID)
	err := c.do(ctx, http.MethodPut, path, nil, &resp)
	if err != nil {
		if broker.IsOrderNotFound(err) {
			c.logger.Warn("cancel for missing order treated as already cancelled",
				zap.String("order_id", orderID))
			return &broker.Order{
				ID:     orderID,
				Status: broker.OrderStatusCancelled,
			}, nil
		}
		return nil, wrapOp(err, "cancel_order")
	}

	order := &broker.Order{
		ID:            orderID,
		Status:        broker.OrderStatusCancelled,
		TransactionID: resp.LastTransactionID,
	}
	if tx := resp.OrderCancelTransaction; tx != nil {
		order.TransactionID = tx.ID
		order.CreatedAt = tx.Time
	}
	return order, nil
}

type crcdoBody struct {
	StopLoss   *priceField `json:"stopLoss,omitempty"`
	TakeProfit *priceField `json:"takeProfit,omitempty"`
}

// ModifyStopTake replaces the stop-loss and/or take-profit attached to a
// filled order's trade. A zero level leaves that side untouched.
func (c *Client) ModifyStopTake(ctx context.Context, orderID string, stop, take float64) (*broker.Order, error) {
	if stop == 0 && take == 0 {
		return nil, broker.NewError(broker.CodeValidation,
			"either stop or take must be provided").WithOp("modify_stop_take")
	}

	body := crcdoBody{}
	if stop > 0 {
		body.StopLoss = &priceField{Price: formatPrice(stop)}
	}
	if take > 0 {
		body.TakeProfit = &priceField{Price: formatPrice(take)}
	}

	var resp struct {
		LastTransactionID string `json:"lastTransactionID"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/trades/%s/orders", c.accountID, orderID)
	if err := c.do(ctx, http.MethodPut, path, body, &resp); err != nil {
		return nil, wrapOp(err, "modify_stop_take")
	}

	return &broker.Order{
		ID:            orderID,
		Status:        broker.OrderStatusFilled,
		StopLoss:      stop,
		TakeProfit:    take,
		TransactionID: resp.LastTransactionID,
	}, nil
}
