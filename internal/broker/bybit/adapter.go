package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"go.uber.org/zap"

	"github.com/quantfx/fx-execution-engine/internal/broker"
	"github.com/quantfx/fx-execution-engine/pkg/types"
)

// category is the Bybit product class the adapter trades. FX symbols are
// carried as linear USDT perpetuals.
const category = "linear"

const settleCoin = "USDT"

// Config holds Bybit credentials and environment selection.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool
}

// Adapter implements the broker contract on top of the Bybit v5 API.
type Adapter struct {
	httpClient *bybit_api.Client
	logger     *zap.Logger
	testnet    bool
	demo       bool
}

// NewAdapter builds a Bybit adapter. Demo takes precedence over testnet
// when both are set upstream; config validation normally prevents that.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}

	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	httpClient := bybit_api.NewBybitHttpClient(
		cfg.APIKey,
		cfg.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)

	return &Adapter{
		httpClient: httpClient,
		logger:     logger,
		testnet:    cfg.Testnet,
		demo:       cfg.Demo,
	}
}

func (a *Adapter) Name() string {
	return "bybit"
}

// Connect verifies the credentials with a wallet query.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.AccountSummary(ctx); err != nil {
		return err
	}
	a.logger.Info("connected to bybit",
		zap.Bool("testnet", a.testnet), zap.Bool("demo", a.demo))
	return nil
}

func (a *Adapter) Disconnect() error {
	return nil
}

// call runs one SDK request and unmarshals the result payload into out.
// A non-zero retCode is translated into the canonical error taxonomy.
func (a *Adapter) call(op string, out any, result any, err error) error {
	if err != nil {
		return transportError(err).WithOp(op)
	}
	resp, ok := result.(*bybit_api.ServerResponse)
	if !ok {
		return broker.NewError(broker.CodeServerError, "unexpected response type").WithOp(op)
	}
	if resp.RetCode != 0 {
		return classifyRetCode(resp.RetCode, resp.RetMsg).WithOp(op)
	}
	if out == nil {
		return nil
	}
	raw, marshalErr := json.Marshal(resp.Result)
	if marshalErr != nil {
		return broker.NewError(broker.CodeServerError, "unreadable result payload").WithOp(op)
	}
	if unmarshalErr := json.Unmarshal(raw, out); unmarshalErr != nil {
		return broker.NewError(broker.CodeServerError, "unreadable result payload").WithOp(op)
	}
	return nil
}

func transportError(err error) *broker.Error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline exceeded") {
		return broker.NewError(broker.CodeTimeout, err.Error())
	}
	return broker.NewError(broker.CodeConnectionFailed, err.Error())
}

// Bybit v5 retCode classification. Unknown codes fall back to validation:
// they describe something wrong with the request, not the transport.
func classifyRetCode(code int, msg string) *broker.Error {
	message := fmt.Sprintf("%s (retCode %d)", msg, code)
	switch code {
	case 10006, 10018:
		return broker.NewError(broker.CodeRateLimited, message)
	case 10003, 10004, 10005, 33004:
		return broker.NewError(broker.CodeAuth, message)
	case 10016:
		return broker.NewError(broker.CodeServerError, message)
	case 110001, 20001:
		return broker.NewError(broker.CodeOrderNotFound, message)
	}
	return broker.NewError(broker.CodeValidation, message)
}

type walletBalance struct {
	List []struct {
		TotalEquity        string `json:"totalEquity"`
		TotalWalletBalance string `json:"totalWalletBalance"`
		TotalPerpUPL       string `json:"totalPerpUPL"`
		TotalInitialMargin string `json:"totalInitialMargin"`
		AccountType        string `json:"accountType"`
	} `json:"list"`
}

// AccountSummary maps the unified wallet into the canonical account view.
func (a *Adapter) AccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	params := map[string]interface{}{"accountType": "UNIFIED"}
	var wallet walletBalance
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if callErr := a.call("account_summary", &wallet, result, err); callErr != nil {
		return nil, callErr
	}
	if len(wallet.List) == 0 {
		return nil, broker.NewError(broker.CodeServerError, "empty wallet response").WithOp("account_summary")
	}

	positions, err := a.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	account := wallet.List[0]
	return &broker.AccountSummary{
		ID:            account.AccountType,
		Currency:      settleCoin,
		Balance:       parseFloat(account.TotalWalletBalance),
		NAV:           parseFloat(account.TotalEquity),
		UnrealizedPL:  parseFloat(account.TotalPerpUPL),
		MarginUsed:    parseFloat(account.TotalInitialMargin),
		OpenPositions: len(positions),
	}, nil
}

type positionList struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		UnrealisedPnl string `json:"unrealisedPnl"`
	} `json:"list"`
}

// OpenPositions lists non-flat positions. In hedge mode Bybit reports
// each side as its own entry; both are folded into one canonical
// position per instrument.
func (a *Adapter) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	params := map[string]interface{}{
		"category":   category,
		"settleCoin": settleCoin,
	}
	var list positionList
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	if callErr := a.call("open_positions", &list, result, err); callErr != nil {
		return nil, callErr
	}

	now := time.Now()
	byInstrument := make(map[string]*broker.Position)
	order := make([]string, 0, len(list.List))
	for _, entry := range list.List {
		size := parseFloat(entry.Size)
		if size == 0 {
			continue
		}
		instrument := toInstrument(entry.Symbol)
		pos, ok := byInstrument[instrument]
		if !ok {
			pos = &broker.Position{Instrument: instrument, RefreshedAt: now}
			byInstrument[instrument] = pos
			order = append(order, instrument)
		}
		if entry.Side == "Sell" {
			pos.ShortUnits += size
		} else {
			pos.LongUnits += size
		}
		pos.UnrealizedPL += parseFloat(entry.UnrealisedPnl)
	}

	positions := make([]broker.Position, 0, len(order))
	for _, instrument := range order {
		positions = append(positions, *byInstrument[instrument])
	}
	return positions, nil
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder submits an order. The correlation id travels as
// orderLinkId. Bybit acknowledges with ids only, so the returned order
// is PENDING until a status query refines it.
func (a *Adapter) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	if intent.Kind != broker.OrderKindMarket && intent.Price == 0 {
		return nil, broker.NewError(broker.CodeValidation,
			"price is required for LIMIT/STOP orders").WithOp("place_order")
	}

	side := "Buy"
	if intent.Units < 0 {
		side = "Sell"
	}
	params := map[string]interface{}{
		"category":  category,
		"symbol":    toSymbol(intent.Instrument),
		"side":      side,
		"orderType": toOrderType(intent.Kind),
		"qty":       formatQty(intent.Units),
	}
	if intent.Kind != broker.OrderKindMarket {
		params["price"] = formatPrice(intent.Price)
		params["timeInForce"] = "GTC"
	}
	if intent.StopLoss > 0 {
		params["stopLoss"] = formatPrice(intent.StopLoss)
	}
	if intent.TakeProfit > 0 {
		params["takeProfit"] = formatPrice(intent.TakeProfit)
	}
	if intent.ClientID != "" {
		params["orderLinkId"] = intent.ClientID
	}

	var ack orderAck
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if callErr := a.call("place_order", &ack, result, err); callErr != nil {
		return nil, callErr
	}

	a.logger.Info("order submitted",
		zap.String("instrument", intent.Instrument),
		zap.String("order_id", ack.OrderID))
	return &broker.Order{
		ID:         ack.OrderID,
		ClientID:   intent.ClientID,
		Instrument: intent.Instrument,
		Units:      intent.Units,
		Kind:       intent.Kind,
		Price:      intent.Price,
		Status:     broker.OrderStatusPending,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		CreatedAt:  time.Now(),
	}, nil
}

type orderRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	TakeProfit  string `json:"takeProfit"`
	StopLoss    string `json:"stopLoss"`
	UpdatedTime string `json:"updatedTime"`
	CreatedTime string `json:"createdTime"`
}

type orderRecordList struct {
	List []orderRecord `json:"list"`
}

var orderStatusMap = map[string]broker.OrderStatus{
	"New":             broker.OrderStatusPending,
	"Untriggered":     broker.OrderStatusPending,
	"PartiallyFilled": broker.OrderStatusPartiallyFilled,
	"Filled":          broker.OrderStatusFilled,
	"Cancelled":       broker.OrderStatusCancelled,
	"Rejected":        broker.OrderStatusRejected,
	"Deactivated":     broker.OrderStatusExpired,
}

func mapOrderStatus(status string) broker.OrderStatus {
	if mapped, ok := orderStatusMap[status]; ok {
		return mapped
	}
	return broker.OrderStatusPending
}

// OrderStatus resolves an order by broker id, checking open orders first
// and falling back to history for orders that already settled.
func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	return a.findOrder(ctx, map[string]interface{}{"orderId": orderID})
}

// FindOrderByClientID resolves an order by its correlation id.
func (a *Adapter) FindOrderByClientID(ctx context.Context, clientID string) (*broker.Order, error) {
	return a.findOrder(ctx, map[string]interface{}{"orderLinkId": clientID})
}

func (a *Adapter) findOrder(ctx context.Context, selector map[string]interface{}) (*broker.Order, error) {
	params := map[string]interface{}{
		"category":   category,
		"settleCoin": settleCoin,
	}
	for key, value := range selector {
		params[key] = value
	}

	var open orderRecordList
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if callErr := a.call("order_status", &open, result, err); callErr != nil {
		return nil, callErr
	}
	if len(open.List) > 0 {
		return orderFromRecord(open.List[0]), nil
	}

	var history orderRecordList
	result, err = a.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if callErr := a.call("order_status", &history, result, err); callErr != nil {
		return nil, callErr
	}
	if len(history.List) > 0 {
		return orderFromRecord(history.List[0]), nil
	}

	return nil, broker.NewError(broker.CodeOrderNotFound, "no matching order").WithOp("order_status")
}

func orderFromRecord(record orderRecord) *broker.Order {
	units := parseFloat(record.Qty)
	filled := parseFloat(record.CumExecQty)
	if record.Side == "Sell" {
		units = -units
		filled = -filled
	}
	return &broker.Order{
		ID:          record.OrderID,
		ClientID:    record.OrderLinkID,
		Instrument:  toInstrument(record.Symbol),
		Units:       units,
		Kind:        fromOrderType(record.OrderType),
		Price:       parseFloat(record.Price),
		Status:      mapOrderStatus(record.OrderStatus),
		StopLoss:    parseFloat(record.StopLoss),
		TakeProfit:  parseFloat(record.TakeProfit),
		FilledUnits: filled,
		CreatedAt:   parseMilliTime(record.CreatedTime),
	}
}

// ModifyStopTake amends the stop-loss and/or take-profit attached to an
// order. A zero level leaves that side untouched.
func (a *Adapter) ModifyStopTake(ctx context.Context, orderID string, stop, take float64) (*broker.Order, error) {
	if stop == 0 && take == 0 {
		return nil, broker.NewError(broker.CodeValidation,
			"either stop or take must be provided").WithOp("modify_stop_take")
	}

	existing, err := a.OrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"category": category,
		"symbol":   toSymbol(existing.Instrument),
		"orderId":  orderID,
	}
	if stop > 0 {
		params["stopLoss"] = formatPrice(stop)
	}
	if take > 0 {
		params["takeProfit"] = formatPrice(take)
	}

	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).AmendOrder(ctx)
	if callErr := a.call("modify_stop_take", nil, result, err); callErr != nil {
		return nil, callErr
	}

	if stop > 0 {
		existing.StopLoss = stop
	}
	if take > 0 {
		existing.TakeProfit = take
	}
	return existing, nil
}

// CancelOrder cancels a pending order. An order Bybit no longer knows
// (already cancelled or filled) is reported as a successful, idempotent
// cancellation.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	existing, err := a.OrderStatus(ctx, orderID)
	if err != nil {
		if broker.IsOrderNotFound(err) {
			a.logger.Warn("cancel for missing order treated as already cancelled",
				zap.String("order_id", orderID))
			return &broker.Order{ID: orderID, Status: broker.OrderStatusCancelled}, nil
		}
		return nil, err
	}
	if existing.Status.Terminal() {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusCancelled}, nil
	}

	params := map[string]interface{}{
		"category": category,
		"symbol":   toSymbol(existing.Instrument),
		"orderId":  orderID,
	}
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if callErr := a.call("cancel_order", nil, result, err); callErr != nil {
		if broker.IsOrderNotFound(callErr) {
			return &broker.Order{ID: orderID, Status: broker.OrderStatusCancelled}, nil
		}
		return nil, callErr
	}

	existing.Status = broker.OrderStatusCancelled
	return existing, nil
}

// ClosePosition flattens an instrument with reduce-only market orders,
// one per open side. With nothing open a synthetic zero-unit FILLED
// order is returned, signalling "already flat" as success.
func (a *Adapter) ClosePosition(ctx context.Context, instrument string, _ broker.CloseUnits) (*broker.Order, error) {
	positions, err := a.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	var current *broker.Position
	for i := range positions {
		if positions[i].Instrument == instrument {
			current = &positions[i]
			break
		}
	}
	if current == nil || current.Flat() {
		a.logger.Info("close requested with no open position, already flat",
			zap.String("instrument", instrument))
		return &broker.Order{
			Instrument: instrument,
			Units:      0,
			Kind:       broker.OrderKindMarket,
			Status:     broker.OrderStatusFilled,
		}, nil
	}

	// Both sides are attempted independently: a failure on one side
	// must not stop the other from being flattened.
	var (
		longOrder, shortOrder *broker.Order
		longErr, shortErr     error
	)
	if current.LongUnits > 0 {
		longOrder, longErr = a.reduceSide(ctx, instrument, "Sell", current.LongUnits)
	}
	if current.ShortUnits > 0 {
		shortOrder, shortErr = a.reduceSide(ctx, instrument, "Buy", current.ShortUnits)
	}
	return a.aggregateClose(instrument, *current, longOrder, shortOrder, longErr, shortErr)
}

// aggregateClose folds the per-side close results into a single order.
// The overall call fails only when neither side produced a result and
// at least one failure was not benign.
func (a *Adapter) aggregateClose(instrument string, current broker.Position, longOrder, shortOrder *broker.Order, longErr, shortErr error) (*broker.Order, error) {
	if longErr != nil && !broker.IsNothingToClose(longErr) {
		a.logger.Warn("long side close failed", zap.String("instrument", instrument), zap.Error(longErr))
	}
	if shortErr != nil && !broker.IsNothingToClose(shortErr) {
		a.logger.Warn("short side close failed", zap.String("instrument", instrument), zap.Error(shortErr))
	}

	aggregate := &broker.Order{
		Instrument: instrument,
		Kind:       broker.OrderKindMarket,
		Status:     broker.OrderStatusFilled,
	}
	if longOrder != nil {
		aggregate.ID = longOrder.ID
		aggregate.Units -= current.LongUnits
		aggregate.FilledUnits -= current.LongUnits
	}
	if shortOrder != nil {
		if aggregate.ID == "" {
			aggregate.ID = shortOrder.ID
		}
		aggregate.Units += current.ShortUnits
		aggregate.FilledUnits += current.ShortUnits
	}
	if longOrder != nil || shortOrder != nil {
		return aggregate, nil
	}

	if longErr != nil && !broker.IsNothingToClose(longErr) {
		return nil, longErr
	}
	if shortErr != nil && !broker.IsNothingToClose(shortErr) {
		return nil, shortErr
	}

	aggregate.Units = 0
	aggregate.FilledUnits = 0
	return aggregate, nil
}

func (a *Adapter) reduceSide(ctx context.Context, instrument, side string, size float64) (*broker.Order, error) {
	params := map[string]interface{}{
		"category":   category,
		"symbol":     toSymbol(instrument),
		"side":       side,
		"orderType":  "Market",
		"qty":        strconv.FormatFloat(size, 'f', -1, 64),
		"reduceOnly": true,
	}
	var ack orderAck
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if callErr := a.call("close_position", &ack, result, err); callErr != nil {
		return nil, callErr
	}
	return &broker.Order{ID: ack.OrderID, Instrument: instrument, Status: broker.OrderStatusFilled}, nil
}

var granularityMap = map[types.Granularity]string{
	types.GranularityM1:  "1",
	types.GranularityM5:  "5",
	types.GranularityM15: "15",
	types.GranularityM30: "30",
	types.GranularityH1:  "60",
	types.GranularityH4:  "240",
	types.GranularityD1:  "D",
}

type klineResult struct {
	List [][]string `json:"list"`
}

// HistoricalCandles fetches klines. Bybit returns newest first with the
// live candle at the head; the list is reversed and the unsettled head
// dropped so indicator windows only see settled data.
func (a *Adapter) HistoricalCandles(ctx context.Context, instrument string, granularity types.Granularity, rng types.CandleRange) ([]types.OHLCV, error) {
	interval, ok := granularityMap[granularity]
	if !ok {
		return nil, broker.NewError(broker.CodeValidation,
			fmt.Sprintf("unsupported granularity %q", granularity)).WithOp("historical_candles")
	}

	// A range with no upper bound reaches the present, so its newest
	// row is the still-forming candle. A bounded historical range has
	// no live row to drop.
	dropLive := rng.To.IsZero()

	params := map[string]interface{}{
		"category": category,
		"symbol":   toSymbol(instrument),
		"interval": interval,
	}
	if rng.Count > 0 {
		limit := rng.Count
		if dropLive {
			// One extra row covers the dropped live candle.
			limit++
		}
		params["limit"] = limit
	}
	if !rng.From.IsZero() {
		params["start"] = rng.From.UnixMilli()
	}
	if !rng.To.IsZero() {
		params["end"] = rng.To.UnixMilli()
	}

	var klines klineResult
	result, err := a.httpClient.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if callErr := a.call("historical_candles", &klines, result, err); callErr != nil {
		return nil, callErr
	}
	return candlesFromRows(klines.List, dropLive), nil
}

// candlesFromRows converts Bybit's newest-first kline rows into an
// ascending candle series, dropping the unsettled head row when asked.
func candlesFromRows(rows [][]string, dropLive bool) []types.OHLCV {
	last := 0
	if dropLive && len(rows) > 0 {
		last = 1
	}
	candles := make([]types.OHLCV, 0, len(rows))
	for i := len(rows) - 1; i >= last; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, types.OHLCV{
			Timestamp: parseMilliTime(row[0]),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	return candles
}

// toSymbol converts the canonical EUR_USD form into Bybit's EURUSD.
func toSymbol(instrument string) string {
	return strings.ReplaceAll(instrument, "_", "")
}

// toInstrument converts a Bybit symbol back into the canonical form.
// Quote currencies are three letters, so the underscore goes before the
// final three characters.
func toInstrument(symbol string) string {
	if strings.Contains(symbol, "_") || len(symbol) <= 3 {
		return symbol
	}
	return symbol[:len(symbol)-3] + "_" + symbol[len(symbol)-3:]
}

func toOrderType(kind broker.OrderKind) string {
	if kind == broker.OrderKindMarket {
		return "Market"
	}
	return "Limit"
}

func fromOrderType(orderType string) broker.OrderKind {
	if orderType == "Market" {
		return broker.OrderKindMarket
	}
	return broker.OrderKindLimit
}

func formatQty(units float64) string {
	if units < 0 {
		units = -units
	}
	return strconv.FormatFloat(units, 'f', -1, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 5, 64)
}

func parseFloat(value string) float64 {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseMilliTime(value string) time.Time {
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

var _ broker.Broker = (*Adapter)(nil)
