// Package storage is the Event/Order Store: the durable record of symbol
// state, submitted orders, fills, audit events, and daily performance
// snapshots. It is backed by database/sql + sqlx over one of two drivers,
// selected by the DSN's scheme, and never interprets status or position
// beyond what spec-level operations require — derived trading state is
// computed by internal/controller, never stored here.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver, registered under "postgres"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, registered under "sqlite"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/storage/migrations"
)

// Store is the Event/Order Store's handle on the underlying database.
type Store struct {
	db     *sqlx.DB
	driver string // "sqlite" or "postgres"
}

// Open opens (creating if necessary) the database named by dsn and applies
// the schema for its backend. dsn is interpreted as postgres when it
// begins with "postgres://" or "postgresql://"; everything else
// (including a bare file path or an explicit "sqlite://" prefix) is
// treated as a SQLite database file.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, dataSource := resolveDriver(dsn)

	db, err := sqlx.Open(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // single-writer semantics per spec §4.1
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s database: %w", driver, err)
	}
	return s, nil
}

func resolveDriver(dsn string) (driver, dataSource string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func (s *Store) migrate(ctx context.Context) error {
	schema := migrations.SQLite
	if s.driver == "postgres" {
		schema = migrations.Postgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is reachable, for the
// monitoring surface's /health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind adapts a query written with "?" placeholders to the active
// driver's bind syntax ("$1" for postgres).
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// ResetState truncates every table, for an operator starting a paper
// account fresh after wiping broker-side positions and orders. Orders,
// fills, and events are append-once ledgers by design elsewhere in this
// package; this is the one deliberate exception, reserved for an explicit
// operator-initiated reset rather than anything the orchestrator itself
// calls.
func (s *Store) ResetState(ctx context.Context) error {
	tables := []string{"performance_snapshots", "events", "fills", "orders", "symbol_state"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("clearing %s: %w", t, err)
		}
	}
	return nil
}

// GetSymbolState returns the persisted state for symbol, or nil if the
// symbol has never been observed.
func (s *Store) GetSymbolState(ctx context.Context, symbol string) (*models.SymbolState, error) {
	symbol = models.NormalizeSymbol(symbol)
	var row symbolStateRow
	query := s.rebind(`SELECT symbol, cooldown_until, last_parent_id, last_trail_id, updated_at FROM symbol_state WHERE symbol = ?`)
	err := s.db.GetContext(ctx, &row, query, symbol)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading symbol state for %s: %w", symbol, err)
	}
	return row.toModel(), nil
}

// ListSymbolStates returns every symbol the bot has ever observed, for
// the monitoring surface's /status endpoint.
func (s *Store) ListSymbolStates(ctx context.Context) ([]models.SymbolState, error) {
	var rows []symbolStateRow
	query := `SELECT symbol, cooldown_until, last_parent_id, last_trail_id, updated_at FROM symbol_state ORDER BY symbol`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing symbol states: %w", err)
	}
	out := make([]models.SymbolState, len(rows))
	for i, r := range rows {
		out[i] = *r.toModel()
	}
	return out, nil
}

// UpsertSymbolState creates or updates the persisted state for symbol,
// applying patch fields that are non-nil. A non-nil CooldownUntil
// replaces the stored value whether it is earlier or later; a nil patch
// value leaves the stored value untouched.
func (s *Store) UpsertSymbolState(ctx context.Context, symbol string, patch SymbolStatePatch) error {
	symbol = models.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	existing, err := s.GetSymbolState(ctx, symbol)
	if err != nil {
		return err
	}

	row := symbolStateRow{Symbol: symbol, UpdatedAt: now}
	if existing != nil {
		row.LastParentID = existing.LastParentID
		row.LastTrailID = existing.LastTrailID
		if existing.CooldownUntil != nil {
			ts := *existing.CooldownUntil
			row.CooldownUntil = &ts
		}
	}
	if patch.CooldownUntil != nil {
		row.CooldownUntil = patch.CooldownUntil
	}
	if patch.LastParentID != nil {
		row.LastParentID = *patch.LastParentID
	}
	if patch.LastTrailID != nil {
		row.LastTrailID = *patch.LastTrailID
	}

	query := s.rebind(`
		INSERT INTO symbol_state (symbol, cooldown_until, last_parent_id, last_trail_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			cooldown_until = excluded.cooldown_until,
			last_parent_id = excluded.last_parent_id,
			last_trail_id = excluded.last_trail_id,
			updated_at = excluded.updated_at
	`)
	_, err = s.db.ExecContext(ctx, query, row.Symbol, row.CooldownUntil, row.LastParentID, row.LastTrailID, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting symbol state for %s: %w", symbol, err)
	}
	return nil
}

// SymbolStatePatch carries the fields UpsertSymbolState may change; nil
// fields are left untouched.
type SymbolStatePatch struct {
	CooldownUntil *time.Time
	LastParentID  *string
	LastTrailID   *string
}

// AddOrder inserts a new order row. The caller supplies every field; the
// store only stamps timestamps if they're zero.
func (s *Store) AddOrder(ctx context.Context, o models.OrderRecord) (models.OrderRecord, error) {
	o.Symbol = models.NormalizeSymbol(o.Symbol)
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	query := s.rebind(`
		INSERT INTO orders (order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query,
		o.OrderID, o.Symbol, string(o.Side), o.OrderType, o.Status, o.Qty,
		nullableDecimal(o.StopPrice), nullableDecimal(o.LimitPrice), nullableDecimal(o.TrailingPct),
		o.ParentID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return models.OrderRecord{}, fmt.Errorf("inserting order %s: %w", o.OrderID, err)
	}
	return o, nil
}

// UpdateOrderStatus advances an order's status. Unknown order IDs are a
// no-op, per spec §4.1; the store does not otherwise check transitions
// and writes whatever status it is given.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	query := s.rebind(`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`)
	_, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("updating status for order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder returns a single order by ID, or nil if it doesn't exist.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.OrderRecord, error) {
	var row orderRow
	query := s.rebind(`SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders WHERE order_id = ?`)
	err := s.db.GetContext(ctx, &row, query, orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	m := row.toModel()
	return &m, nil
}

// GetActiveOrders returns orders whose status is in the open set,
// optionally restricted to one symbol.
func (s *Store) GetActiveOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error) {
	var rows []orderRow
	var err error
	if symbol != "" {
		query := s.rebind(`SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders WHERE symbol = ? ORDER BY created_at`)
		err = s.db.SelectContext(ctx, &rows, query, models.NormalizeSymbol(symbol))
	} else {
		query := `SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders ORDER BY created_at`
		err = s.db.SelectContext(ctx, &rows, query)
	}
	if err != nil {
		return nil, fmt.Errorf("loading active orders: %w", err)
	}

	active := make([]models.OrderRecord, 0, len(rows))
	for _, r := range rows {
		if models.IsOpenStatus(r.Status) {
			active = append(active, r.toModel())
		}
	}
	return active, nil
}

// ListOrders returns orders across all symbols, newest first, capped at
// limit rows. An empty statusFilter returns every order; otherwise only
// rows whose status case-insensitively matches statusFilter are
// returned. Used by the monitoring surface's /orders endpoint, which
// layers its own "active" meaning (the open-status set) on top via
// GetActiveOrders. limit <= 0 means unbounded: every matching row is
// returned rather than an arbitrary default page size.
func (s *Store) ListOrders(ctx context.Context, statusFilter string, limit int) ([]models.OrderRecord, error) {
	var rows []orderRow
	var err error
	switch {
	case statusFilter != "" && limit > 0:
		query := s.rebind(`SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders WHERE LOWER(status) = LOWER(?) ORDER BY created_at DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, statusFilter, limit)
	case statusFilter != "":
		query := s.rebind(`SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders WHERE LOWER(status) = LOWER(?) ORDER BY created_at DESC`)
		err = s.db.SelectContext(ctx, &rows, query, statusFilter)
	case limit > 0:
		query := s.rebind(`SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders ORDER BY created_at DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, limit)
	default:
		query := s.rebind(`SELECT order_id, symbol, side, order_type, status, qty, stop_price, limit_price, trailing_pct, parent_id, created_at, updated_at FROM orders ORDER BY created_at DESC`)
		err = s.db.SelectContext(ctx, &rows, query)
	}
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	out := make([]models.OrderRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// AddFill inserts an execution report. Idempotent on exec_id: replaying
// the same fill is a no-op and returns the already-stored row.
func (s *Store) AddFill(ctx context.Context, f models.FillRecord) (models.FillRecord, error) {
	f.Symbol = models.NormalizeSymbol(f.Symbol)
	if f.Ts.IsZero() {
		f.Ts = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO fills (exec_id, order_id, symbol, side, qty, price, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exec_id) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query, f.ExecID, f.OrderID, f.Symbol, string(f.Side), f.Qty, f.Price, f.Ts)
	if err != nil {
		return models.FillRecord{}, fmt.Errorf("inserting fill %s: %w", f.ExecID, err)
	}

	var row fillRow
	getQuery := s.rebind(`SELECT exec_id, order_id, symbol, side, qty, price, ts FROM fills WHERE exec_id = ?`)
	if err := s.db.GetContext(ctx, &row, getQuery, f.ExecID); err != nil {
		return models.FillRecord{}, fmt.Errorf("reading back fill %s: %w", f.ExecID, err)
	}
	return row.toModel(), nil
}

// GetFillsForOrder returns every fill recorded against orderID, oldest first.
func (s *Store) GetFillsForOrder(ctx context.Context, orderID string) ([]models.FillRecord, error) {
	var rows []fillRow
	query := s.rebind(`SELECT exec_id, order_id, symbol, side, qty, price, ts FROM fills WHERE order_id = ? ORDER BY ts`)
	if err := s.db.SelectContext(ctx, &rows, query, orderID); err != nil {
		return nil, fmt.Errorf("loading fills for order %s: %w", orderID, err)
	}
	out := make([]models.FillRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetFillsForSymbol returns every fill recorded for symbol, oldest first.
func (s *Store) GetFillsForSymbol(ctx context.Context, symbol string) ([]models.FillRecord, error) {
	var rows []fillRow
	query := s.rebind(`SELECT exec_id, order_id, symbol, side, qty, price, ts FROM fills WHERE symbol = ? ORDER BY ts`)
	if err := s.db.SelectContext(ctx, &rows, query, models.NormalizeSymbol(symbol)); err != nil {
		return nil, fmt.Errorf("loading fills for %s: %w", symbol, err)
	}
	out := make([]models.FillRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetAllFills returns every fill recorded across all symbols, oldest
// first, for the performance analyzer's cross-symbol FIFO pairing.
func (s *Store) GetAllFills(ctx context.Context) ([]models.FillRecord, error) {
	var rows []fillRow
	query := s.rebind(`SELECT exec_id, order_id, symbol, side, qty, price, ts FROM fills ORDER BY ts`)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("loading all fills: %w", err)
	}
	out := make([]models.FillRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// AddEvent appends an audit trail row.
func (s *Store) AddEvent(ctx context.Context, eventType, symbol string, payload map[string]interface{}) error {
	payloadJSON, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	var symbolArg interface{}
	if symbol != "" {
		symbolArg = models.NormalizeSymbol(symbol)
	}
	query := s.rebind(`INSERT INTO events (symbol, event_type, payload, ts) VALUES (?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, symbolArg, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", eventType, err)
	}
	return nil
}

// GetEvents returns events for symbol (or all symbols, if empty),
// newest first, capped at limit rows.
func (s *Store) GetEvents(ctx context.Context, symbol string, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	var err error
	if symbol != "" {
		query := s.rebind(`SELECT id, symbol, event_type, payload, ts FROM events WHERE symbol = ? ORDER BY ts DESC, id DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, models.NormalizeSymbol(symbol), limit)
	} else {
		query := s.rebind(`SELECT id, symbol, event_type, payload, ts FROM events ORDER BY ts DESC, id DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	out := make([]models.EventRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("decoding event %d payload: %w", r.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// AddPerformanceSnapshot inserts or replaces the single daily rollup for
// snap.Date's calendar day (UTC).
func (s *Store) AddPerformanceSnapshot(ctx context.Context, snap models.PerformanceSnapshot) error {
	day := snap.Date.UTC().Format("2006-01-02")
	query := s.rebind(`
		INSERT INTO performance_snapshots (date, account_value, cash_value, position_value, unrealized_pnl, realized_pnl, position_count, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			account_value = excluded.account_value,
			cash_value = excluded.cash_value,
			position_value = excluded.position_value,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			position_count = excluded.position_count,
			trade_count = excluded.trade_count
	`)
	_, err := s.db.ExecContext(ctx, query, day, snap.AccountValue, snap.CashValue, snap.PositionValue, snap.UnrealizedPnL, snap.RealizedPnL, snap.PositionCount, snap.TradeCount)
	if err != nil {
		return fmt.Errorf("upserting performance snapshot for %s: %w", day, err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent daily rollup, or nil if none
// has been recorded yet.
func (s *Store) GetLatestSnapshot(ctx context.Context) (*models.PerformanceSnapshot, error) {
	var row snapshotRow
	query := `SELECT date, account_value, cash_value, position_value, unrealized_pnl, realized_pnl, position_count, trade_count FROM performance_snapshots ORDER BY date DESC LIMIT 1`
	err := s.db.GetContext(ctx, &row, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest performance snapshot: %w", err)
	}
	m, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetSnapshots returns daily rollups between from and to (inclusive),
// oldest first.
func (s *Store) GetSnapshots(ctx context.Context, from, to time.Time) ([]models.PerformanceSnapshot, error) {
	var rows []snapshotRow
	query := s.rebind(`SELECT date, account_value, cash_value, position_value, unrealized_pnl, realized_pnl, position_count, trade_count FROM performance_snapshots WHERE date >= ? AND date <= ? ORDER BY date`)
	err := s.db.SelectContext(ctx, &rows, query, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("loading performance snapshots: %w", err)
	}
	out := make([]models.PerformanceSnapshot, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}
