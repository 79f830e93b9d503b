// Package binanceusdm implements core.IExchange against Binance's
// USDⓈ-M futures REST/WebSocket API. All Binance-specific wire details
// live here; the grid/orchestrator layers only ever see it through
// core.IExchange.
package binanceusdm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"market_maker/internal/core"
	apperrors "market_maker/internal/apperrors"
	pkghttp "market_maker/pkg/http"
	"market_maker/pkg/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	defaultWSBase  = "wss://fstream.binance.com/ws"
)

// Exchange implements core.IExchange for Binance USDⓈ-M futures.
type Exchange struct {
	client    *pkghttp.Client
	wsBase    string
	apiKey    string
	secretKey string
	logger    core.ILogger

	mu         sync.RWMutex
	symbolInfo map[string]core.SymbolInfo

	wsMu      sync.Mutex
	listenKey string
	userWS    *websocket.Client
}

// New constructs a Binance USDⓈ-M futures adapter. baseURL/wsBase empty
// defaults to production endpoints.
func New(apiKey, secretKey, baseURL, wsBase string, logger core.ILogger) *Exchange {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if wsBase == "" {
		wsBase = defaultWSBase
	}
	e := &Exchange{
		apiKey:     apiKey,
		secretKey:  secretKey,
		wsBase:     wsBase,
		logger:     logger.WithField("component", "binanceusdm"),
		symbolInfo: make(map[string]core.SymbolInfo),
	}
	e.client = pkghttp.NewClient(baseURL, 10*time.Second, e)
	return e
}

// SignRequest implements pkghttp.Signer: appends timestamp+recvWindow
// then an HMAC-SHA256 signature over the full query string, exactly the
// Binance REST auth scheme.
func (e *Exchange) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", e.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", "5000")
	}

	mac := hmac.New(sha256.New, []byte(e.secretKey))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
	return nil
}

func (e *Exchange) GetName() string { return "binance" }

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		PricePrec  int32  `json:"pricePrecision"`
		QtyPrec    int32  `json:"quantityPrecision"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			Notional    string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetSymbolInfo fetches (and caches) the price/qty rounding grid for a
// symbol from /fapi/v1/exchangeInfo.
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	e.mu.RLock()
	if info, ok := e.symbolInfo[symbol]; ok {
		e.mu.RUnlock()
		return info, nil
	}
	e.mu.RUnlock()

	body, err := e.client.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return core.SymbolInfo{}, fmt.Errorf("binanceusdm: exchangeInfo: %w", err)
	}
	var resp exchangeInfoResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SymbolInfo{}, fmt.Errorf("binanceusdm: exchangeInfo decode: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var found core.SymbolInfo
	for _, s := range resp.Symbols {
		info := core.SymbolInfo{PricePrecision: s.PricePrec, QtyPrecision: s.QtyPrec}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.PriceStep = parseDecOrZero(f.TickSize)
			case "LOT_SIZE":
				info.QtyStep = parseDecOrZero(f.StepSize)
				info.MinQty = parseDecOrZero(f.MinQty)
			case "MIN_NOTIONAL", "NOTIONAL":
				info.MinNotional = parseDecOrZero(f.Notional)
			}
		}
		e.symbolInfo[s.Symbol] = info
		if s.Symbol == symbol {
			found = info
		}
	}
	if found.QtyPrecision == 0 && found.PricePrecision == 0 && found.QtyStep.IsZero() {
		return core.SymbolInfo{}, apperrors.ErrInvalidSymbol
	}
	return found, nil
}

func parseDecOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
}

// newClientOrderID generates the idempotent client order id attached
// to every submission, so orders survive a response timeout and can be
// correlated across the user-data stream.
func newClientOrderID() string {
	return "x-grid-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// FireLimitSell posts a non-blocking post-only (GTX) limit sell.
func (e *Exchange) FireLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             "SELL",
		"type":             "LIMIT",
		"timeInForce":      "GTX",
		"quantity":         qty.String(),
		"price":            price.String(),
		"newClientOrderId": newClientOrderID(),
	}
	resp, err := e.placeOrder(ctx, params)
	if err != nil {
		if isPostOnlyReject(err) {
			return "", nil
		}
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// LimitBuy posts a post-only reduce-only limit buy.
func (e *Exchange) LimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, *core.FillResult, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             "BUY",
		"type":             "LIMIT",
		"timeInForce":      "GTX",
		"reduceOnly":       "true",
		"quantity":         qty.String(),
		"price":            price.String(),
		"newClientOrderId": newClientOrderID(),
	}
	resp, err := e.placeOrder(ctx, params)
	if err != nil {
		if isPostOnlyReject(err) {
			return "", nil, nil
		}
		if isReduceOnlyReject(err) {
			return "", nil, apperrors.ErrReduceOnlyNoPosition
		}
		return "", nil, err
	}
	orderID := strconv.FormatInt(resp.OrderID, 10)
	if resp.Status == "FILLED" {
		return orderID, fillFromOrderResp(symbol, "BUY", resp, true), nil
	}
	return orderID, nil, nil
}

// IOCBuy posts an immediate-or-cancel reduce-only limit buy.
func (e *Exchange) IOCBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.FillResult, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             "BUY",
		"type":             "LIMIT",
		"timeInForce":      "IOC",
		"reduceOnly":       "true",
		"quantity":         qty.String(),
		"price":            price.String(),
		"newClientOrderId": newClientOrderID(),
	}
	resp, err := e.placeOrder(ctx, params)
	if err != nil {
		if isReduceOnlyReject(err) {
			return nil, apperrors.ErrReduceOnlyNoPosition
		}
		return nil, err
	}
	filled := parseDecOrZero(resp.ExecutedQty)
	if filled.IsZero() {
		return nil, nil
	}
	return fillFromOrderResp(symbol, "BUY", resp, false), nil
}

// MarketBuy posts a reduce-only market buy.
func (e *Exchange) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.FillResult, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             "BUY",
		"type":             "MARKET",
		"reduceOnly":       "true",
		"quantity":         qty.String(),
		"newClientOrderId": newClientOrderID(),
	}
	resp, err := e.placeOrder(ctx, params)
	if err != nil {
		if isReduceOnlyReject(err) {
			return nil, apperrors.ErrReduceOnlyNoPosition
		}
		return nil, err
	}
	filled := parseDecOrZero(resp.ExecutedQty)
	if filled.IsZero() {
		return nil, nil
	}
	return fillFromOrderResp(symbol, "BUY", resp, false), nil
}

func (e *Exchange) placeOrder(ctx context.Context, params map[string]string) (*orderResp, error) {
	path := "/fapi/v1/order?" + encodeParams(params)
	body, err := e.client.Post(ctx, path, nil)
	if err != nil {
		return nil, mapAPIError(err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binanceusdm: order decode: %w", err)
	}
	return &resp, nil
}

func fillFromOrderResp(symbol, side string, resp *orderResp, isMaker bool) *core.FillResult {
	qty := parseDecOrZero(resp.ExecutedQty)
	price := parseDecOrZero(resp.AvgPrice)
	return &core.FillResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		AvgPrice:  price,
		Cost:      qty.Mul(price),
		IsMaker:   isMaker,
		Timestamp: time.Now(),
	}
}

// AmendOrder atomically replaces price/qty via PUT /fapi/v1/order.
func (e *Exchange) AmendOrder(ctx context.Context, orderID, symbol, side string, qty, price decimal.Decimal) (string, error) {
	params := map[string]string{
		"symbol":   symbol,
		"orderId":  orderID,
		"side":     side,
		"quantity": qty.String(),
		"price":    price.String(),
	}
	body, err := e.client.Put(ctx, "/fapi/v1/order", params)
	if err != nil {
		if isUnchangedError(err) {
			return orderID, apperrors.ErrOrderUnchanged
		}
		if isPostOnlyReject(err) {
			return "", apperrors.ErrPostOnlyWouldCross
		}
		return "", mapAPIError(err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binanceusdm: amend decode: %w", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels one order; "order not found" is treated as
// success
func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	_, err := e.client.Delete(ctx, "/fapi/v1/order", params)
	if err != nil {
		if isOrderNotFound(err) {
			return true, nil
		}
		return false, mapAPIError(err)
	}
	return true, nil
}

// CancelAllSymbolOrders cancels every open order for one symbol.
func (e *Exchange) CancelAllSymbolOrders(ctx context.Context, symbol string) (int, error) {
	openOrders, err := e.openOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if _, err := e.client.Delete(ctx, "/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol}); err != nil {
		if isOrderNotFound(err) {
			return 0, nil
		}
		return 0, mapAPIError(err)
	}
	return len(openOrders), nil
}

// CancelAllTrackedOrders cancels open orders across every symbol the
// account currently holds orders for.
func (e *Exchange) CancelAllTrackedOrders(ctx context.Context) (int, error) {
	body, err := e.client.Get(ctx, "/fapi/v1/openOrders", nil)
	if err != nil {
		return 0, mapAPIError(err)
	}
	var raw []struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("binanceusdm: openOrders decode: %w", err)
	}
	bySymbol := make(map[string]int)
	for _, o := range raw {
		bySymbol[o.Symbol]++
	}
	total := 0
	for symbol, n := range bySymbol {
		if _, err := e.CancelAllSymbolOrders(ctx, symbol); err != nil {
			e.logger.Warn("cancel-all-tracked: symbol cancel failed", "symbol", symbol, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (e *Exchange) openOrders(ctx context.Context, symbol string) ([]struct{ OrderID int64 }, error) {
	body, err := e.client.Get(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, mapAPIError(err)
	}
	var raw []struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binanceusdm: openOrders decode: %w", err)
	}
	out := make([]struct{ OrderID int64 }, len(raw))
	for i, r := range raw {
		out[i].OrderID = r.OrderID
	}
	return out, nil
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Notional         string `json:"notional"`
}

// GetPositions fetches every non-flat position from /fapi/v2/positionRisk.
func (e *Exchange) GetPositions(ctx context.Context) (map[string]core.ExchangePosition, error) {
	body, err := e.client.Get(ctx, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, mapAPIError(err)
	}
	var raw []positionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binanceusdm: positionRisk decode: %w", err)
	}
	out := make(map[string]core.ExchangePosition)
	for _, p := range raw {
		amt := parseDecOrZero(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := "LONG"
		if amt.IsNegative() {
			side = "SHORT"
			amt = amt.Neg()
		}
		out[p.Symbol] = core.ExchangePosition{
			Side:          side,
			Contracts:     amt,
			Notional:      parseDecOrZero(p.Notional).Abs(),
			EntryPrice:    parseDecOrZero(p.EntryPrice),
			UnrealizedPnL: parseDecOrZero(p.UnRealizedProfit),
		}
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol; the margin type is not changed.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{"symbol": symbol, "leverage": strconv.Itoa(leverage)}
	path := "/fapi/v1/leverage?" + encodeParams(params)
	_, err := e.client.Post(ctx, path, nil)
	if err != nil {
		return mapAPIError(err)
	}
	return nil
}

type userDataEvent struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		OrderID       int64  `json:"i"`
		Status        string `json:"X"`
		LastFilledQty string `json:"l"`
		LastFillPrice string `json:"L"`
		FilledQty     string `json:"z"`
		Side          string `json:"S"`
		Commission    string `json:"n"`
		IsMaker       bool   `json:"m"`
	} `json:"o"`
}

// StartOrderUpdateStream opens the listen-key user-data WebSocket and
// dispatches ORDER_TRADE_UPDATE events.
func (e *Exchange) StartOrderUpdateStream(ctx context.Context, onUpdate func(orderID string, status core.OrderStatus, fill *core.FillResult)) error {
	key, err := e.getListenKey(ctx)
	if err != nil {
		return err
	}

	handler := func(raw []byte) {
		var ev userDataEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if ev.EventType != "ORDER_TRADE_UPDATE" {
			return
		}
		orderID := strconv.FormatInt(ev.Order.OrderID, 10)
		var fill *core.FillResult
		status := mapOrderStatus(ev.Order.Status)
		if status == core.OrderStatusFilled {
			fill = &core.FillResult{
				OrderID:   orderID,
				Symbol:    ev.Order.Symbol,
				Side:      ev.Order.Side,
				Qty:       parseDecOrZero(ev.Order.FilledQty),
				AvgPrice:  parseDecOrZero(ev.Order.LastFillPrice),
				Fee:       parseDecOrZero(ev.Order.Commission),
				IsMaker:   ev.Order.IsMaker,
				Timestamp: time.Now(),
			}
		}
		if onUpdate != nil {
			onUpdate(orderID, status, fill)
		}
	}

	e.wsMu.Lock()
	e.listenKey = key
	e.userWS = websocket.NewClient(e.wsBase+"/"+key, handler, e.logger)
	e.userWS.Start()
	e.wsMu.Unlock()

	go e.keepAliveListenKey(ctx)
	return nil
}

func (e *Exchange) keepAliveListenKey(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params := map[string]string{}
			if _, err := e.client.Put(ctx, "/fapi/v1/listenKey", params); err != nil {
				e.logger.Warn("listenKey keepalive failed", "error", err)
			}
		}
	}
}

func (e *Exchange) getListenKey(ctx context.Context) (string, error) {
	body, err := e.client.Post(ctx, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", mapAPIError(err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binanceusdm: listenKey decode: %w", err)
	}
	return resp.ListenKey, nil
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "EXPIRED":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusUnknown
	}
}

func encodeParams(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

// mapAPIError translates a pkghttp.APIError's Binance error code into
// the shared apperrors sentinel taxonomy.
func mapAPIError(err error) error {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return apperrors.ErrNetwork
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(apiErr.Body, &body)
	switch body.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2019, -2018:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2012:
		return apperrors.ErrDuplicateOrder
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}
	return fmt.Errorf("binanceusdm: api error %d: %s", body.Code, body.Msg)
}

func isPostOnlyReject(err error) bool {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return false
	}
	return strings.Contains(string(apiErr.Body), "-2021") || strings.Contains(string(apiErr.Body), "would immediately trigger")
}

func isReduceOnlyReject(err error) bool {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return false
	}
	return strings.Contains(string(apiErr.Body), "-2022") || strings.Contains(string(apiErr.Body), "ReduceOnly Order is rejected")
}

func isUnchangedError(err error) bool {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return false
	}
	return strings.Contains(string(apiErr.Body), "-5027")
}

func isOrderNotFound(err error) bool {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return false
	}
	return strings.Contains(string(apiErr.Body), "-2011") || strings.Contains(string(apiErr.Body), "Unknown order")
}

var _ core.IExchange = (*Exchange)(nil)
