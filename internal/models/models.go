// Package models defines the durable records and per-symbol status
// vocabulary shared by the store, controller, and reconciliation loop.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

// Sides recognized by the store and broker adapters.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Open order-lifecycle statuses, per spec: an order in one of these is
// still live at the broker and counts toward "active" queries.
var openStatuses = map[string]bool{
	"accepted":         true,
	"new":              true,
	"pending_new":      true,
	"partially_filled": true,
	"submitted":        true,
	"pre-submitted":    true,
}

// IsOpenStatus reports whether status belongs to the broker's open-order set.
func IsOpenStatus(status string) bool {
	return openStatuses[strings.ToLower(status)]
}

// Terminal order-lifecycle statuses.
var terminalStatuses = map[string]bool{
	"filled":    true,
	"cancelled": true,
	"canceled":  true,
	"expired":   true,
	"rejected":  true,
}

// IsTerminalStatus reports whether status is a terminal lifecycle state.
func IsTerminalStatus(status string) bool {
	return terminalStatuses[strings.ToLower(status)]
}

// SymbolState is the one persistent record the controller keeps per symbol.
// Status itself is never stored: it is recomputed every tick from this
// record plus broker truth (see internal/controller).
type SymbolState struct {
	Symbol        string
	CooldownUntil *time.Time
	LastParentID  string
	LastTrailID   string
	UpdatedAt     time.Time
}

// InCooldown reports whether the symbol is suppressed from new entries at t.
func (s *SymbolState) InCooldown(t time.Time) bool {
	return s != nil && s.CooldownUntil != nil && s.CooldownUntil.After(t)
}

// OrderRecord is an append-once row for a broker order the bot submitted.
type OrderRecord struct {
	OrderID      string
	Symbol       string
	Side         Side
	OrderType    string
	Status       string
	Qty          decimal.Decimal
	StopPrice    *decimal.Decimal
	LimitPrice   *decimal.Decimal
	TrailingPct  *decimal.Decimal
	ParentID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FillRecord is an append-once execution report.
type FillRecord struct {
	ExecID  string
	OrderID string
	Symbol  string
	Side    Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Ts      time.Time
}

// EventRecord is an append-only audit trail row.
type EventRecord struct {
	ID        int64
	Symbol    string
	EventType string
	Payload   map[string]interface{}
	Ts        time.Time
}

// PerformanceSnapshot is a daily account-level rollup, at most one per
// calendar day in UTC.
type PerformanceSnapshot struct {
	Date             time.Time
	AccountValue     decimal.Decimal
	CashValue        decimal.Decimal
	PositionValue    decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	PositionCount    int
	TradeCount       int
}

// ClosedTrade is a derived FIFO pairing of a BUY sequence with a later
// SELL sequence for one symbol; it is never persisted on its own.
type ClosedTrade struct {
	Symbol      string
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	EntryTime   time.Time
	ExitTime    time.Time
	Qty         decimal.Decimal
	PnL         decimal.Decimal
	PnLPercent  decimal.Decimal
	Duration    time.Duration
	TradeType   string // always "long"; short selling is out of scope
}

// NormalizeSymbol upper-cases and trims a symbol, the normalization the
// store applies at its boundary per spec §4.1.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// IsCrypto reports whether a normalized symbol is a crypto pair (contains "/").
func IsCrypto(symbol string) bool {
	return strings.Contains(symbol, "/")
}

// NormalizeCryptoSymbol upper-cases a crypto symbol and appends "/USD" if
// the input carries no slash, per the watchlist normalization rule in §6.
func NormalizeCryptoSymbol(symbol string) string {
	symbol = NormalizeSymbol(symbol)
	if !strings.Contains(symbol, "/") {
		symbol += "/USD"
	}
	return symbol
}
