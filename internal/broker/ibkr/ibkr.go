// Package ibkr adapts the Interactive Brokers Client Portal Gateway's
// local REST surface to the broker.Broker contract. It is an
// equities-only adapter: crypto methods return ErrUnsupportedAsset,
// since the bot routes crypto symbols to the Alpaca adapter instead.
package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/calendar"
	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/util"
)

// ErrUnsupportedAsset is returned by every IBKR method called with a
// crypto symbol; this adapter only serves the equities watchlist.
var ErrUnsupportedAsset = errors.New("ibkr: crypto symbols are not supported by this adapter")

// APIError represents a non-2xx response from the gateway.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ibkr gateway error %d: %s", e.Status, e.Body)
}

// Adapter talks to a Client Portal Gateway instance running on
// cfg.Broker.Gateway.Host:Port. The gateway itself owns the brokerage
// session (interactive login, 2FA); this adapter assumes that session
// is already established and just issues authenticated REST calls
// against it, mirroring the teacher's TradierAPI's request/response idiom.
type Adapter struct {
	cfg       *config.Config
	client    *http.Client
	baseURL   string
	accountID string
	log       *logrus.Logger
}

// New builds an adapter targeting the gateway described by cfg.
func New(cfg *config.Config, log *logrus.Logger) *Adapter {
	gw := cfg.Broker.Gateway
	return &Adapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: gw.InsecureSkipVerify}, //nolint:gosec // local gateway, self-signed by default
			},
		},
		baseURL:   fmt.Sprintf("https://%s:%d/v1/api", gw.Host, gw.Port),
		accountID: gw.AccountID,
		log:       log,
	}
}

var _ broker.Broker = (*Adapter)(nil)

func (a *Adapter) Connect(ctx context.Context) error {
	var status struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := a.get(ctx, "/iserver/auth/status", &status); err != nil {
		return fmt.Errorf("ibkr connect: %w", err)
	}
	if !status.Authenticated || !status.Connected {
		return fmt.Errorf("ibkr gateway session is not authenticated; complete interactive login first")
	}
	a.log.WithField("account_id", a.accountID).Info("ibkr_connected")
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.log.Info("ibkr_disconnected")
	return nil
}

func (a *Adapter) contractID(ctx context.Context, symbol string) (int, error) {
	var matches []struct {
		ConID int    `json:"conid"`
		Symbol string `json:"symbol"`
	}
	params := url.Values{"symbol": {symbol}, "secType": {"STK"}}
	if err := a.get(ctx, "/iserver/secdef/search?"+params.Encode(), &matches); err != nil {
		return 0, fmt.Errorf("resolve contract for %s: %w", symbol, err)
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("no contract found for symbol %s", symbol)
	}
	return matches[0].ConID, nil
}

func (a *Adapter) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if models.IsCrypto(symbol) {
		return decimal.Zero, ErrUnsupportedAsset
	}
	conID, err := a.contractID(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	var snapshot []struct {
		Last string `json:"31"`
	}
	params := url.Values{"conids": {fmt.Sprint(conID)}, "fields": {"31"}}
	if err := a.get(ctx, "/iserver/marketdata/snapshot?"+params.Encode(), &snapshot); err != nil {
		return decimal.Zero, fmt.Errorf("get snapshot %s: %w", symbol, err)
	}
	if len(snapshot) == 0 || snapshot[0].Last == "" {
		return decimal.Zero, fmt.Errorf("no last price available for %s", symbol)
	}
	return decimal.NewFromString(snapshot[0].Last)
}

type orderRequest struct {
	ConID         int    `json:"conid"`
	OrderType     string `json:"orderType"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	TIF           string `json:"tif"`
	Price         string `json:"price,omitempty"`
	AuxPrice      string `json:"auxPrice,omitempty"`
	TrailingPct   string `json:"trailingAmt,omitempty"`
	CustomOrderID string `json:"cOID"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"order_status"`
}

// PlaceEntry submits a Buy Stop (or Stop-Limit) entry order, DAY TIF,
// per the equities entry policy in spec §4.4.
func (a *Adapter) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*broker.OrderHandle, error) {
	if models.IsCrypto(symbol) {
		return nil, ErrUnsupportedAsset
	}
	conID, err := a.contractID(ctx, symbol)
	if err != nil {
		return nil, err
	}

	stopPct := decimal.NewFromFloat(a.cfg.Entries.BuyStopPctAboveLast)
	stopPrice := util.RoundDownToTick(lastPrice.Mul(decimal.NewFromInt(1).Add(stopPct.Div(decimal.NewFromInt(100)))))

	req := orderRequest{
		ConID:         conID,
		Side:          "BUY",
		Quantity:      qty.String(),
		TIF:           "DAY",
		AuxPrice:      stopPrice.String(),
		CustomOrderID: uuid.NewString(),
	}
	if a.cfg.Entries.Type == "buy_stop_limit" {
		slipPct := decimal.NewFromFloat(a.cfg.Entries.StopLimitMaxSlipPct)
		limit := util.RoundDownToTick(stopPrice.Mul(decimal.NewFromInt(1).Add(slipPct.Div(decimal.NewFromInt(100)))))
		req.OrderType = "STOP_LIMIT"
		req.Price = limit.String()
	} else {
		req.OrderType = "STOP"
	}

	order, err := a.submitOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("place entry %s: %w", symbol, err)
	}

	a.log.WithFields(logrus.Fields{
		"symbol":     symbol,
		"order_id":   order.OrderID,
		"stop_price": stopPrice.String(),
	}).Info("entry_order_placed")

	return &broker.OrderHandle{
		OrderID:   order.OrderID,
		Symbol:    symbol,
		Side:      "BUY",
		OrderType: req.OrderType,
		Status:    order.Status,
		Qty:       qty,
		StopPrice: &stopPrice,
	}, nil
}

// PlaceTrailingStop submits a true IBKR TRAIL order, GTC, the equities
// exit policy in spec §4.4.
func (a *Adapter) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*broker.OrderHandle, error) {
	if models.IsCrypto(symbol) {
		return nil, ErrUnsupportedAsset
	}
	conID, err := a.contractID(ctx, symbol)
	if err != nil {
		return nil, err
	}

	trailPct := decimal.NewFromFloat(a.cfg.Stops.TrailingStopPct)

	req := orderRequest{
		ConID:         conID,
		OrderType:     "TRAIL",
		Side:          "SELL",
		Quantity:      qty.String(),
		TIF:           "GTC",
		TrailingPct:   trailPct.String(),
		CustomOrderID: uuid.NewString(),
	}

	order, err := a.submitOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("place trailing stop %s: %w", symbol, err)
	}

	a.log.WithFields(logrus.Fields{
		"symbol":       symbol,
		"order_id":     order.OrderID,
		"trailing_pct": trailPct.String(),
	}).Info("trailing_stop_placed")

	return &broker.OrderHandle{
		OrderID:     order.OrderID,
		Symbol:      symbol,
		Side:        "SELL",
		OrderType:   "TRAIL",
		Status:      order.Status,
		Qty:         qty,
		TrailingPct: &trailPct,
	}, nil
}

func (a *Adapter) submitOrder(ctx context.Context, req orderRequest) (*orderResponse, error) {
	var replies []orderResponse
	endpoint := fmt.Sprintf("/iserver/account/%s/orders", a.accountID)
	if err := a.post(ctx, endpoint, struct {
		Orders []orderRequest `json:"orders"`
	}{Orders: []orderRequest{req}}, &replies); err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("gateway returned no order confirmation")
	}
	return &replies[0], nil
}

func (a *Adapter) Cancel(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("/iserver/account/%s/order/%s", a.accountID, orderID)
	return a.delete(ctx, endpoint)
}

func (a *Adapter) GetPositions(ctx context.Context) (map[string]broker.PositionInfo, error) {
	var positions []struct {
		ConID       int     `json:"conid"`
		Symbol      string  `json:"contractDesc"`
		Position    float64 `json:"position"`
		AvgCost     float64 `json:"avgCost"`
		MarketValue float64 `json:"mktValue"`
	}
	endpoint := fmt.Sprintf("/portfolio/%s/positions/0", a.accountID)
	if err := a.get(ctx, endpoint, &positions); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make(map[string]broker.PositionInfo, len(positions))
	for _, p := range positions {
		sym := models.NormalizeSymbol(p.Symbol)
		out[sym] = broker.PositionInfo{
			Symbol:      sym,
			Qty:         decimal.NewFromFloat(p.Position),
			AvgCost:     decimal.NewFromFloat(p.AvgCost),
			MarketValue: decimal.NewFromFloat(p.MarketValue),
		}
	}
	return out, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context) ([]broker.OrderHandle, error) {
	var resp struct {
		Orders []struct {
			OrderID   string `json:"orderId"`
			Symbol    string `json:"ticker"`
			Side      string `json:"side"`
			OrderType string `json:"orderType"`
			Status    string `json:"status"`
			Quantity  string `json:"totalSize"`
			Filled    string `json:"filledQuantity"`
		} `json:"orders"`
	}
	if err := a.get(ctx, "/iserver/account/orders", &resp); err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	handles := make([]broker.OrderHandle, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		if !models.IsOpenStatus(o.Status) {
			continue
		}
		qty, _ := decimal.NewFromString(o.Quantity)
		filled, _ := decimal.NewFromString(o.Filled)
		handles = append(handles, broker.OrderHandle{
			OrderID:   o.OrderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			OrderType: o.OrderType,
			Status:    o.Status,
			Qty:       qty,
			FilledQty: filled,
		})
	}
	return handles, nil
}

func (a *Adapter) GetAccountValue(ctx context.Context) (decimal.Decimal, error) {
	summary, err := a.GetAccountSummary(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return summary["net_liquidation"], nil
}

func (a *Adapter) GetAccountSummary(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp map[string]struct {
		Amount float64 `json:"amount"`
	}
	endpoint := fmt.Sprintf("/iserver/account/%s/summary", a.accountID)
	if err := a.get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("get account summary: %w", err)
	}

	out := map[string]decimal.Decimal{}
	if nl, ok := resp["netliquidation"]; ok {
		out["net_liquidation"] = decimal.NewFromFloat(nl.Amount)
	}
	if cash, ok := resp["totalcashvalue"]; ok {
		out["cash"] = decimal.NewFromFloat(cash.Amount)
	}
	return out, nil
}

// PollEvents polls open orders and diffs against what the symbol
// controller/reconciliation loop already track at the store layer; the
// gateway exposes no push stream over this REST surface, so this mirrors
// the original ib_insync polling fallback in spirit rather than its
// native event subscription.
func (a *Adapter) PollEvents(ctx context.Context, sink broker.EventSink) error {
	var resp struct {
		Orders []struct {
			OrderID        string `json:"orderId"`
			Symbol         string `json:"ticker"`
			Side           string `json:"side"`
			OrderType      string `json:"orderType"`
			Status         string `json:"status"`
			Quantity       string `json:"totalSize"`
			FilledQuantity string `json:"filledQuantity"`
			AvgPrice       string `json:"avgPrice"`
		} `json:"orders"`
	}
	if err := a.get(ctx, "/iserver/account/orders?filters=filled,cancelled", &resp); err != nil {
		return fmt.Errorf("poll events: %w", err)
	}

	for _, o := range resp.Orders {
		qty, _ := decimal.NewFromString(o.Quantity)
		filled, _ := decimal.NewFromString(o.FilledQuantity)
		avgPrice, _ := decimal.NewFromString(o.AvgPrice)

		handle := broker.OrderHandle{
			OrderID:     o.OrderID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			OrderType:   o.OrderType,
			Status:      o.Status,
			Qty:         qty,
			FilledQty:   filled,
			FilledPrice: avgPrice,
		}
		sink.OnOrderStatus(handle)
		if filled.IsPositive() {
			sink.OnFill(handle, broker.FillEvent{ExecID: o.OrderID, Qty: filled, Price: avgPrice})
		}
	}
	return nil
}

// MarketCalendar satisfies calendar.Source with a weekday-only approximation:
// the Client Portal Gateway's REST surface exposes no trading-calendar
// endpoint, so unlike the Alpaca adapter this does not account for NYSE
// holidays. Acceptable for the ibkr provider since it is the secondary
// equities adapter; operators relying on exact holiday gating should
// prefer the alpaca provider.
func (a *Adapter) MarketCalendar(ctx context.Context, month, year int) ([]calendar.DaySchedule, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	var days []calendar.DaySchedule
	for d := start; d.Month() == start.Month(); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, calendar.DaySchedule{Date: d, Open: true})
	}
	return days, nil
}

func (a *Adapter) get(ctx context.Context, path string, out interface{}) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *Adapter) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return a.do(ctx, http.MethodPost, path, body, out)
}

func (a *Adapter) delete(ctx context.Context, path string) error {
	return a.do(ctx, http.MethodDelete, path, nil, nil)
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.log.WithError(cerr).Warn("failed to close gateway response body")
		}
	}()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
