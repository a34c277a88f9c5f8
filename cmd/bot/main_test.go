package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoreline-systems/breakout-bot/internal/config"
	"github.com/shoreline-systems/breakout-bot/internal/controller"
	"github.com/shoreline-systems/breakout-bot/internal/mock"
	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/performance"
	"github.com/shoreline-systems/breakout-bot/internal/reconcile"
	"github.com/shoreline-systems/breakout-bot/internal/sizing"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

// newTestBot builds a bot around an in-memory mock broker and a temp
// sqlite store, with no equities calendar (cal is nil, as it is for any
// crypto-only deployment), for exercising the orchestrator's side
// schedules without a live broker connection.
func newTestBot(t *testing.T, symbols ...string) *bot {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		cfg = &config.Config{}
	}
	cfg.Normalize()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	br := mock.NewDeterministic(decimal.NewFromInt(100000), 7)
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "bot_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sizer := sizing.New(sizing.Limits{
		MaxSymbolExposureUSD:  decimal.NewFromInt(10000),
		MaxTotalExposureUSD:   decimal.NewFromInt(50000),
		MinCashReservePercent: decimal.NewFromFloat(0.1),
	}, log)

	controllers := make(map[string]*controller.Controller, len(symbols))
	for _, sym := range symbols {
		controllers[sym] = controller.New(sym, cfg, br, store, sizer, log)
	}
	lookup := func(symbol string) (*controller.Controller, bool) {
		c, ok := controllers[models.NormalizeSymbol(symbol)]
		return c, ok
	}

	return &bot{
		cfg:         cfg,
		log:         log,
		br:          br,
		store:       store,
		perf:        performance.New(store, log),
		recon:       reconcile.New(br, store, lookup, log),
		controllers: controllers,
	}
}

func TestTick_CryptoOnlyProceedsWithNilCalendar(t *testing.T) {
	b := newTestBot(t, "BTC/USD")
	// equitiesInSession returns false with a nil calendar; a crypto-only
	// watchlist must still run the tick rather than skip it.
	assert.False(t, b.equitiesInSession(context.Background(), time.Now().UTC()))

	b.tick(context.Background())
	assert.False(t, b.lastSnapshotDay == "", "a crypto-only tick still drains the snapshot side schedule")
}

func TestTick_EquitiesOnlySkipsWhenCalendarNil(t *testing.T) {
	b := newTestBot(t, "AAPL")
	b.tick(context.Background())
	// No crypto symbols and no calendar means the tick returns after the
	// keepalive probe, before the snapshot side schedule runs.
	assert.Empty(t, b.lastSnapshotDay)
	assert.False(t, b.lastKeepalive.IsZero())
}

func TestMaybeWriteSnapshot_OncePerDay(t *testing.T) {
	b := newTestBot(t, "BTC/USD")
	ctx := context.Background()
	now := time.Now().UTC()

	b.maybeWriteSnapshot(ctx, now, nil, decimal.NewFromInt(100000))
	first := b.lastSnapshotDay
	require.NotEmpty(t, first)

	b.maybeWriteSnapshot(ctx, now, nil, decimal.NewFromInt(999999))
	assert.Equal(t, first, b.lastSnapshotDay, "a second call the same day is a no-op")
}

func TestMaybePollEvents_RespectsCadence(t *testing.T) {
	b := newTestBot(t, "BTC/USD")
	b.cfg.Polling.EventCheckSeconds = 60
	ctx := context.Background()
	now := time.Now().UTC()

	b.maybePollEvents(ctx, now)
	first := b.lastEventCheck
	require.False(t, first.IsZero())

	b.maybePollEvents(ctx, now.Add(time.Second))
	assert.Equal(t, first, b.lastEventCheck, "a call inside the cadence window does not re-poll")

	b.maybePollEvents(ctx, now.Add(time.Hour))
	assert.True(t, b.lastEventCheck.After(first), "a call past the cadence window re-polls")
}

func TestMaybeKeepalive_RespectsCadence(t *testing.T) {
	b := newTestBot(t, "AAPL")
	b.cfg.Polling.KeepaliveSeconds = 60
	ctx := context.Background()
	now := time.Now().UTC()

	b.maybeKeepalive(ctx, now)
	first := b.lastKeepalive
	require.False(t, first.IsZero())

	b.maybeKeepalive(ctx, now.Add(time.Second))
	assert.Equal(t, first, b.lastKeepalive)

	b.maybeKeepalive(ctx, now.Add(time.Hour))
	assert.True(t, b.lastKeepalive.After(first))
}
