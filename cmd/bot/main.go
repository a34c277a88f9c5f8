// Package main provides the entry point for the breakout entry trading bot.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
	"github.com/shoreline-systems/breakout-bot/internal/broker/alpaca"
	"github.com/shoreline-systems/breakout-bot/internal/broker/ibkr"
	"github.com/shoreline-systems/breakout-bot/internal/calendar"
	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/controller"
	"github.com/shoreline-systems/breakout-bot/internal/dashboard"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/performance"
	"github.com/shoreline-systems/breakout-bot/internal/reconcile"
	"github.com/shoreline-systems/breakout-bot/internal/retry"
	"github.com/shoreline-systems/breakout-bot/internal/sizing"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

const eodCancelWindow = 15 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log := newLogger(cfg)
	log.WithFields(logrus.Fields{"mode": cfg.Mode, "provider": cfg.Broker.Provider}).Info("bot_starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBot(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("bot_init_failed")
		return 1
	}
	defer b.shutdown()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown_signal_received")
		cancel()
	}()

	if b.dashServer != nil {
		go func() {
			if err := b.dashServer.Start(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("dashboard_server_failed")
			}
		}()
	}

	if err := b.run(ctx); err != nil {
		log.WithError(err).Error("bot_run_failed")
		return 1
	}

	log.Info("bot_stopped")
	return 0
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	if cfg.Mode == "live" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// marketCalendarSource is satisfied by the broker adapters that expose a
// trading calendar (alpaca, ibkr); kept narrow so broker.Broker itself
// never has to carry a method the crypto-only paths don't need.
type marketCalendarSource interface {
	MarketCalendar(ctx context.Context, month, year int) ([]calendar.DaySchedule, error)
}

// bot owns the orchestrator's long-lived collaborators: one controller per
// watched symbol, the broker adapter, the event/order store, the
// reconciliation loop, the performance analyzer, and the optional
// monitoring HTTP surface.
type bot struct {
	cfg   *config.Config
	log   *logrus.Logger
	br    broker.Broker
	cal   *calendar.Calendar // nil when there is no equities watchlist
	store *storage.Store
	perf  *performance.Analyzer
	recon *reconcile.Loop

	controllers map[string]*controller.Controller

	dashServer *dashboard.Server

	lastSnapshotDay string
	eodCancelledDay string
	lastEventCheck  time.Time
	lastKeepalive   time.Time
}

func newBot(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*bot, error) {
	var br broker.Broker
	var calSource marketCalendarSource

	switch cfg.Broker.Provider {
	case "ibkr":
		a := ibkr.New(cfg, log)
		br, calSource = a, a
	default:
		a := alpaca.New(cfg, log)
		br, calSource = a, a
	}
	br = broker.NewCircuitBreakerBroker(br)
	br = retry.NewClient(br, stdlog.New(log.Writer(), "", 0))

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := br.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	var cal *calendar.Calendar
	if len(cfg.Watchlist) > 0 {
		c, err := calendar.New(calSource, "America/New_York", cfg.Hours.AllowPreMarket, cfg.Hours.AllowAfterHours)
		if err != nil {
			return nil, fmt.Errorf("build calendar: %w", err)
		}
		cal = c
	}

	store, err := storage.Open(ctx, cfg.Persistence.DBURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sizer := sizing.New(sizing.Limits{
		MaxSymbolExposureUSD:  decimal.NewFromFloat(cfg.Risk.MaxSymbolExposureUSD),
		MaxTotalExposureUSD:   decimal.NewFromFloat(cfg.Risk.MaxTotalExposureUSD),
		MinCashReservePercent: decimal.NewFromFloat(cfg.Allocation.MinCashReservePercent),
		AllowFractional:       cfg.Allocation.AllowFractional,
	}, log)

	controllers := make(map[string]*controller.Controller, len(cfg.Watchlist)+len(cfg.CryptoWatchlist))
	for _, sym := range cfg.Watchlist {
		controllers[sym] = controller.New(sym, cfg, br, store, sizer, log)
	}
	for _, sym := range cfg.CryptoWatchlist {
		controllers[sym] = controller.New(sym, cfg, br, store, sizer, log)
	}

	lookup := func(symbol string) (*controller.Controller, bool) {
		c, ok := controllers[models.NormalizeSymbol(symbol)]
		return c, ok
	}
	recon := reconcile.New(br, store, lookup, log)
	perf := performance.New(store, log)

	var dashServer *dashboard.Server
	if cfg.Monitor.Enabled {
		dashServer = dashboard.New(dashboard.Config{Port: cfg.Monitor.Port, AuthToken: cfg.Monitor.AuthToken}, store, perf, log)
		log.WithField("port", cfg.Monitor.Port).Info("dashboard_enabled")
	}

	if err := store.AddEvent(ctx, "bot_started", "", map[string]interface{}{"mode": cfg.Mode}); err != nil {
		log.WithError(err).Warn("bot_started_event_failed")
	}

	return &bot{
		cfg:         cfg,
		log:         log,
		br:          br,
		cal:         cal,
		store:       store,
		perf:        perf,
		recon:       recon,
		controllers: controllers,
		dashServer:  dashServer,
	}, nil
}

func (b *bot) shutdown() {
	if b.dashServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.dashServer.Shutdown(shutdownCtx); err != nil {
			b.log.WithError(err).Warn("dashboard_shutdown_failed")
		}
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.AddEvent(disconnectCtx, "bot_stopped", "", nil); err != nil {
		b.log.WithError(err).Warn("bot_stopped_event_failed")
	}
	if err := b.br.Disconnect(disconnectCtx); err != nil {
		b.log.WithError(err).Warn("broker_disconnect_failed")
	}
	if err := b.store.Close(); err != nil {
		b.log.WithError(err).Warn("store_close_failed")
	}
}

// run executes the orchestrator's main loop: each tick gates equities on
// regular trading hours, reads broker truth once, fans out to every
// symbol controller, then drains the end-of-day, snapshot, reconciliation,
// and keepalive side schedules, per spec's pseudo-schedule.
func (b *bot) run(ctx context.Context) error {
	interval := b.cfg.OrdersInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *bot) tick(ctx context.Context) {
	now := time.Now().UTC()

	hasCrypto := false
	for sym := range b.controllers {
		if models.IsCrypto(sym) {
			hasCrypto = true
			break
		}
	}

	inRTH := b.equitiesInSession(ctx, now)
	if !inRTH && !hasCrypto {
		b.maybeKeepalive(ctx, now)
		return
	}

	positions, err := b.br.GetPositions(ctx)
	if err != nil {
		b.log.WithError(err).Warn("get_positions_failed")
		return
	}
	account, err := b.br.GetAccountValue(ctx)
	if err != nil {
		b.log.WithError(err).Warn("get_account_value_failed")
		return
	}
	openOrders, err := b.br.GetOpenOrders(ctx)
	if err != nil {
		b.log.WithError(err).Warn("get_open_orders_failed")
		return
	}

	exposure := make(map[string]decimal.Decimal, len(positions))
	for sym, p := range positions {
		exposure[sym] = p.MarketValue
	}

	for sym, c := range b.controllers {
		if !models.IsCrypto(sym) && !inRTH {
			continue
		}
		if err := c.Tick(ctx, positions, openOrders, account, exposure); err != nil {
			b.log.WithError(err).WithField("symbol", sym).Warn("controller_tick_failed")
		}
	}

	b.maybeCancelAtClose(ctx, now, openOrders)
	b.maybeWriteSnapshot(ctx, now, positions, account)
	b.maybePollEvents(ctx, now)
	b.maybeKeepalive(ctx, now)
}

func (b *bot) equitiesInSession(ctx context.Context, now time.Time) bool {
	if b.cal == nil {
		return false
	}
	open, err := b.cal.IsOpen(ctx, now)
	if err != nil {
		b.log.WithError(err).Warn("calendar_check_failed_assuming_closed")
		return false
	}
	return open
}

// maybeCancelAtClose cancels unfilled equity entries once inside the
// eodCancelWindow (15 minutes) before the close, at most once per trading day.
func (b *bot) maybeCancelAtClose(ctx context.Context, now time.Time, openOrders []broker.OrderHandle) {
	if !b.cfg.Entries.CancelAtClose || b.cal == nil {
		return
	}
	dayKey := now.Format("2006-01-02")
	if b.eodCancelledDay == dayKey {
		return
	}

	secondsLeft, err := b.cal.SecondsUntilClose(ctx, now)
	if err != nil {
		b.log.WithError(err).Warn("seconds_until_close_failed")
		return
	}
	if secondsLeft <= 0 || secondsLeft > eodCancelWindow.Seconds() {
		return
	}

	for sym, c := range b.controllers {
		if models.IsCrypto(sym) {
			continue
		}
		if err := c.CancelUnfilledEntries(ctx, openOrders); err != nil {
			b.log.WithError(err).WithField("symbol", sym).Warn("eod_cancel_failed")
		}
	}
	b.eodCancelledDay = dayKey
	b.log.WithField("day", dayKey).Info("eod_entries_cancelled")
}

// maybeWriteSnapshot persists one PerformanceSnapshot per UTC calendar day.
func (b *bot) maybeWriteSnapshot(ctx context.Context, now time.Time, positions map[string]broker.PositionInfo, account decimal.Decimal) {
	dayKey := now.Format("2006-01-02")
	if b.lastSnapshotDay == dayKey {
		return
	}

	positionValue := decimal.Zero
	unrealizedPnL := decimal.Zero
	for _, p := range positions {
		positionValue = positionValue.Add(p.MarketValue)
		unrealizedPnL = unrealizedPnL.Add(p.MarketValue.Sub(p.AvgCost.Mul(p.Qty)))
	}

	summary, err := b.br.GetAccountSummary(ctx)
	if err != nil {
		b.log.WithError(err).Warn("get_account_summary_failed")
		return
	}

	stats, err := b.perf.Statistics(ctx)
	if err != nil {
		b.log.WithError(err).Warn("performance_statistics_failed")
		return
	}

	snap := models.PerformanceSnapshot{
		Date:          now.Truncate(24 * time.Hour),
		AccountValue:  account,
		CashValue:     summary["cash"],
		PositionValue: positionValue,
		UnrealizedPnL: unrealizedPnL,
		RealizedPnL:   stats.TotalPnL,
		PositionCount: len(positions),
		TradeCount:    stats.TotalTrades,
	}
	if err := b.store.AddPerformanceSnapshot(ctx, snap); err != nil {
		b.log.WithError(err).Warn("write_performance_snapshot_failed")
		return
	}
	b.lastSnapshotDay = dayKey
	b.log.WithField("day", dayKey).Info("performance_snapshot_written")
}

// maybePollEvents drains the reconciliation loop at the configured
// event-check cadence.
func (b *bot) maybePollEvents(ctx context.Context, now time.Time) {
	if now.Sub(b.lastEventCheck) < b.cfg.EventCheckInterval() {
		return
	}
	if err := b.recon.Tick(ctx); err != nil {
		b.log.WithError(err).Warn("reconciliation_tick_failed")
	}
	b.lastEventCheck = now
}

// maybeKeepalive pings the broker connection at the configured cadence.
// The broker.Broker contract has no dedicated keepalive call, so this
// reuses GetAccountValue as the liveness probe, mirroring how a
// lightweight account-balance check doubles as a connectivity check.
func (b *bot) maybeKeepalive(ctx context.Context, now time.Time) {
	if now.Sub(b.lastKeepalive) < b.cfg.KeepaliveInterval() {
		return
	}
	if _, err := b.br.GetAccountValue(ctx); err != nil {
		b.log.WithError(err).Warn("keepalive_failed")
	}
	b.lastKeepalive = now
}
