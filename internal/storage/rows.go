package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shoreline-systems/breakout-bot/internal/models"
)

// The row types below mirror their models.* counterparts field-for-field,
// using sql.Null* and *decimal.Decimal so sqlx can scan NULL-able
// columns that don't apply to every order/fill/event.

type symbolStateRow struct {
	Symbol        string     `db:"symbol"`
	CooldownUntil *time.Time `db:"cooldown_until"`
	LastParentID  string     `db:"last_parent_id"`
	LastTrailID   string     `db:"last_trail_id"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r symbolStateRow) toModel() *models.SymbolState {
	return &models.SymbolState{
		Symbol:        r.Symbol,
		CooldownUntil: r.CooldownUntil,
		LastParentID:  r.LastParentID,
		LastTrailID:   r.LastTrailID,
		UpdatedAt:     r.UpdatedAt,
	}
}

type orderRow struct {
	OrderID     string          `db:"order_id"`
	Symbol      string          `db:"symbol"`
	Side        string          `db:"side"`
	OrderType   string          `db:"order_type"`
	Status      string          `db:"status"`
	Qty         decimal.Decimal `db:"qty"`
	StopPrice   *decimal.Decimal `db:"stop_price"`
	LimitPrice  *decimal.Decimal `db:"limit_price"`
	TrailingPct *decimal.Decimal `db:"trailing_pct"`
	ParentID    string          `db:"parent_id"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r orderRow) toModel() models.OrderRecord {
	return models.OrderRecord{
		OrderID:     r.OrderID,
		Symbol:      r.Symbol,
		Side:        models.Side(r.Side),
		OrderType:   r.OrderType,
		Status:      r.Status,
		Qty:         r.Qty,
		StopPrice:   r.StopPrice,
		LimitPrice:  r.LimitPrice,
		TrailingPct: r.TrailingPct,
		ParentID:    r.ParentID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type fillRow struct {
	ExecID  string          `db:"exec_id"`
	OrderID string          `db:"order_id"`
	Symbol  string          `db:"symbol"`
	Side    string          `db:"side"`
	Qty     decimal.Decimal `db:"qty"`
	Price   decimal.Decimal `db:"price"`
	Ts      time.Time       `db:"ts"`
}

func (r fillRow) toModel() models.FillRecord {
	return models.FillRecord{
		ExecID:  r.ExecID,
		OrderID: r.OrderID,
		Symbol:  r.Symbol,
		Side:    models.Side(r.Side),
		Qty:     r.Qty,
		Price:   r.Price,
		Ts:      r.Ts,
	}
}

type eventRow struct {
	ID        int64          `db:"id"`
	Symbol    sql.NullString `db:"symbol"`
	EventType string         `db:"event_type"`
	Payload   string         `db:"payload"`
	Ts        time.Time      `db:"ts"`
}

func (r eventRow) toModel() (models.EventRecord, error) {
	payload, err := decodePayload(r.Payload)
	if err != nil {
		return models.EventRecord{}, err
	}
	return models.EventRecord{
		ID:        r.ID,
		Symbol:    r.Symbol.String,
		EventType: r.EventType,
		Payload:   payload,
		Ts:        r.Ts,
	}, nil
}

type snapshotRow struct {
	Date          string          `db:"date"`
	AccountValue  decimal.Decimal `db:"account_value"`
	CashValue     decimal.Decimal `db:"cash_value"`
	PositionValue decimal.Decimal `db:"position_value"`
	UnrealizedPnL decimal.Decimal `db:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `db:"realized_pnl"`
	PositionCount int             `db:"position_count"`
	TradeCount    int             `db:"trade_count"`
}

func (r snapshotRow) toModel() (models.PerformanceSnapshot, error) {
	date, err := time.Parse("2006-01-02", r.Date[:10])
	if err != nil {
		return models.PerformanceSnapshot{}, err
	}
	return models.PerformanceSnapshot{
		Date:          date,
		AccountValue:  r.AccountValue,
		CashValue:     r.CashValue,
		PositionValue: r.PositionValue,
		UnrealizedPnL: r.UnrealizedPnL,
		RealizedPnL:   r.RealizedPnL,
		PositionCount: r.PositionCount,
		TradeCount:    r.TradeCount,
	}, nil
}

func encodePayload(payload map[string]interface{}) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
