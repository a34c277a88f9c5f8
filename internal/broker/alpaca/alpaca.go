// Package alpaca adapts Alpaca's trading and market-data REST APIs to the
// broker.Broker contract, serving both equities and crypto symbols from a
// single client per the variant policy in spec §4.4.
package alpaca

import (
	"context"
	"fmt"
	"sync"
	"time"

	alpacasdk "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/calendar"
	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/util"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// Adapter implements broker.Broker against the Alpaca trading and market
// data APIs. One Adapter serves both the equities and crypto watchlists;
// models.IsCrypto picks the order-construction policy per call.
type Adapter struct {
	cfg    *config.Config
	log    *logrus.Logger
	client *alpacasdk.Client
	md     *marketdata.Client

	mu      sync.Mutex
	tracked map[string]alpacasdk.Order // orderID -> last-seen snapshot, for PollEvents diffing
}

// New builds an adapter from the broker credentials and mode in cfg.
func New(cfg *config.Config, log *logrus.Logger) *Adapter {
	return &Adapter{cfg: cfg, log: log, tracked: make(map[string]alpacasdk.Order)}
}

var _ broker.Broker = (*Adapter)(nil)

func (a *Adapter) baseURL() string {
	if a.cfg.IsPaperTrading() {
		return paperBaseURL
	}
	return liveBaseURL
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.client = alpacasdk.NewClient(alpacasdk.ClientOpts{
		APIKey:    a.cfg.Broker.APIKey,
		APISecret: a.cfg.Broker.APISecret,
		BaseURL:   a.baseURL(),
	})
	a.md = marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    a.cfg.Broker.APIKey,
		APISecret: a.cfg.Broker.APISecret,
	})

	account, err := a.client.GetAccount()
	if err != nil {
		return fmt.Errorf("alpaca connect: %w", err)
	}
	a.log.WithFields(logrus.Fields{
		"account_status": account.Status,
		"paper_trading":  a.cfg.IsPaperTrading(),
	}).Info("alpaca_connected")
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.client = nil
	a.md = nil
	a.log.Info("alpaca_disconnected")
	return nil
}

// GetLastPrice returns the mid of the latest bid/ask, per the original
// client's pricing convention. The SDK reports quotes as float64; this is
// the one ingestion boundary where decimal.NewFromFloat is unavoidable,
// noted in the sizing and tick-rounding design notes.
func (a *Adapter) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if models.IsCrypto(symbol) {
		quote, err := a.md.GetLatestCryptoQuote(symbol, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return decimal.Zero, fmt.Errorf("get latest crypto quote %s: %w", symbol, err)
		}
		return mid(quote.BidPrice, quote.AskPrice), nil
	}

	quote, err := a.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get latest quote %s: %w", symbol, err)
	}
	return mid(quote.BidPrice, quote.AskPrice), nil
}

func mid(bid, ask float64) decimal.Decimal {
	b := decimal.NewFromFloat(bid)
	ak := decimal.NewFromFloat(ask)
	return b.Add(ak).Div(decimal.NewFromInt(2))
}

// PlaceEntry submits the breakout entry order. Equities use a stop or
// stop-limit order at last*(1+buy_stop_pct_above_last/100), DAY TIF.
// Crypto has no stop order type on Alpaca, so it submits a limit order at
// the same breakout price with GTC, since crypto trades around the clock.
func (a *Adapter) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*broker.OrderHandle, error) {
	stopPct := decimal.NewFromFloat(a.cfg.Entries.BuyStopPctAboveLast)
	breakout := util.RoundDownToTick(lastPrice.Mul(decimal.NewFromInt(1).Add(stopPct.Div(decimal.NewFromInt(100)))))

	clientOrderID := uuid.NewString()
	var req alpacasdk.PlaceOrderRequest
	req.Symbol = symbol
	req.Qty = &qty
	req.Side = alpacasdk.Buy
	req.ClientOrderID = clientOrderID

	if models.IsCrypto(symbol) {
		req.Type = alpacasdk.Limit
		req.TimeInForce = alpacasdk.GTC
		req.LimitPrice = &breakout
	} else {
		req.TimeInForce = alpacasdk.Day
		if a.cfg.Entries.Type == "buy_stop_limit" {
			slipPct := decimal.NewFromFloat(a.cfg.Entries.StopLimitMaxSlipPct)
			limit := util.RoundDownToTick(breakout.Mul(decimal.NewFromInt(1).Add(slipPct.Div(decimal.NewFromInt(100)))))
			req.Type = alpacasdk.StopLimit
			req.StopPrice = &breakout
			req.LimitPrice = &limit
		} else {
			req.Type = alpacasdk.Stop
			req.StopPrice = &breakout
		}
	}

	order, err := a.client.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("place entry %s: %w", symbol, err)
	}
	a.track(*order)

	a.log.WithFields(logrus.Fields{
		"symbol":     symbol,
		"order_id":   order.ID,
		"qty":        qty.String(),
		"order_type": string(req.Type),
	}).Info("entry_order_placed")

	return toHandle(*order), nil
}

// PlaceTrailingStop maintains the protective exit for an open position.
// Equities get a true trailing-stop order (percent or trail-limit offset
// variant). Crypto has no trailing-stop order type on Alpaca, so it
// submits a fixed-discount limit sell instead, per spec §4.4's crypto
// exit policy.
func (a *Adapter) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*broker.OrderHandle, error) {
	var req alpacasdk.PlaceOrderRequest
	req.Symbol = symbol
	req.Qty = &qty
	req.Side = alpacasdk.Sell
	req.TimeInForce = alpacasdk.GTC
	req.ClientOrderID = uuid.NewString()

	trailPct := decimal.NewFromFloat(a.cfg.Stops.TrailingStopPct)

	if models.IsCrypto(symbol) {
		discount := decimal.NewFromInt(1).Sub(trailPct.Div(decimal.NewFromInt(100)))
		limit := util.RoundDownToTick(refPrice.Mul(discount))
		req.Type = alpacasdk.Limit
		req.LimitPrice = &limit
	} else if a.cfg.Stops.UseTrailingLimit {
		offsetPct := decimal.NewFromFloat(a.cfg.Stops.TrailLimitOffsetPct)
		offset := util.RoundDownToTick(refPrice.Mul(offsetPct).Div(decimal.NewFromInt(100)))
		req.Type = alpacasdk.TrailingStop
		req.TrailPrice = &offset
	} else {
		req.Type = alpacasdk.TrailingStop
		req.TrailPercent = &trailPct
	}

	order, err := a.client.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("place trailing stop %s: %w", symbol, err)
	}
	a.track(*order)

	a.log.WithFields(logrus.Fields{
		"symbol":       symbol,
		"order_id":     order.ID,
		"trailing_pct": trailPct.String(),
	}).Info("trailing_stop_placed")

	return toHandle(*order), nil
}

func (a *Adapter) Cancel(ctx context.Context, orderID string) error {
	if err := a.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	a.mu.Lock()
	delete(a.tracked, orderID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) GetPositions(ctx context.Context) (map[string]broker.PositionInfo, error) {
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make(map[string]broker.PositionInfo, len(positions))
	for _, p := range positions {
		out[models.NormalizeSymbol(p.Symbol)] = broker.PositionInfo{
			Symbol:      p.Symbol,
			Qty:         p.Qty,
			AvgCost:     p.AvgEntryPrice,
			MarketValue: p.MarketValue,
		}
	}
	return out, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context) ([]broker.OrderHandle, error) {
	status := "open"
	orders, err := a.client.GetOrders(alpacasdk.GetOrdersRequest{Status: status})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	handles := make([]broker.OrderHandle, 0, len(orders))
	for _, o := range orders {
		a.track(o)
		handles = append(handles, *toHandle(o))
	}
	return handles, nil
}

func (a *Adapter) GetAccountValue(ctx context.Context) (decimal.Decimal, error) {
	account, err := a.client.GetAccount()
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account: %w", err)
	}
	return account.Equity, nil
}

func (a *Adapter) GetAccountSummary(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := a.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("get account summary: %w", err)
	}
	return map[string]decimal.Decimal{
		"equity":       account.Equity,
		"cash":         account.Cash,
		"buying_power": account.BuyingPower,
	}, nil
}

// PollEvents lists recently closed orders and diffs them against the last
// snapshot this adapter saw, since Alpaca's REST API has no push stream
// wired here; this mirrors the original client's check_for_events polling.
func (a *Adapter) PollEvents(ctx context.Context, sink broker.EventSink) error {
	closed := "closed"
	orders, err := a.client.GetOrders(alpacasdk.GetOrdersRequest{Status: closed, Limit: 50})
	if err != nil {
		return fmt.Errorf("poll events: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, o := range orders {
		prior, tracked := a.tracked[o.ID]
		if !tracked {
			continue
		}
		if prior.Status != o.Status {
			handle := toHandle(o)
			sink.OnOrderStatus(*handle)

			if o.Status == "filled" || o.Status == "partially_filled" {
				fillQty := o.FilledQty
				var fillPrice decimal.Decimal
				if o.FilledAvgPrice != nil {
					fillPrice = *o.FilledAvgPrice
				}
				sink.OnFill(*handle, broker.FillEvent{
					ExecID: o.ID,
					Qty:    fillQty,
					Price:  fillPrice,
				})
			}
		}

		if models.IsTerminalStatus(o.Status) {
			delete(a.tracked, o.ID)
		} else {
			a.tracked[o.ID] = o
		}
	}
	return nil
}

// MarketCalendar satisfies calendar.Source, answering which days in month/
// year NYSE is open by consulting Alpaca's own trading calendar endpoint
// rather than hand-maintaining a holiday table, mirroring the teacher's
// broker-sourced getMarketCalendar approach.
func (a *Adapter) MarketCalendar(ctx context.Context, month, year int) ([]calendar.DaySchedule, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	days, err := a.client.GetCalendar(alpacasdk.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("get market calendar %d/%d: %w", month, year, err)
	}

	out := make([]calendar.DaySchedule, 0, len(days))
	for _, d := range days {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			a.log.WithError(err).WithField("date", d.Date).Warn("unparseable_calendar_date")
			continue
		}
		out = append(out, calendar.DaySchedule{Date: date, Open: true})
	}
	return out, nil
}

func (a *Adapter) track(o alpacasdk.Order) {
	a.mu.Lock()
	a.tracked[o.ID] = o
	a.mu.Unlock()
}

func toHandle(o alpacasdk.Order) *broker.OrderHandle {
	h := &broker.OrderHandle{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		OrderType: string(o.Type),
		Status:    o.Status,
		FilledQty: o.FilledQty,
	}
	if o.Qty != nil {
		h.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		h.FilledPrice = *o.FilledAvgPrice
	}
	h.StopPrice = o.StopPrice
	h.LimitPrice = o.LimitPrice
	h.TrailingPct = o.TrailPercent
	return h
}
