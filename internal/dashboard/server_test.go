package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/performance"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

func newTestServer(t *testing.T, authToken string) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	perf := performance.New(store, log)

	s := New(Config{Port: 0, AuthToken: authToken}, store, perf, log)
	return s, store
}

func TestHealthIsAlwaysPublic(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProtectedRouteAcceptsValidToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/status?token=secret", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusSplitsCryptoAndEquities(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.UpsertSymbolState(context.Background(), "AAPL", storage.SymbolStatePatch{}))
	require.NoError(t, store.UpsertSymbolState(context.Background(), "BTC/USD", storage.SymbolStatePatch{}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body["equities"], 1)
	assert.Len(t, body["crypto"], 1)
}

func TestOrdersDefaultsToActive(t *testing.T) {
	s, store := newTestServer(t, "")
	_, err := store.AddOrder(context.Background(), models.OrderRecord{
		OrderID: "o-1", Symbol: "AAPL", Side: models.SideBuy, OrderType: "stop", Status: "accepted", Qty: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	_, err = store.AddOrder(context.Background(), models.OrderRecord{
		OrderID: "o-2", Symbol: "AAPL", Side: models.SideBuy, OrderType: "stop", Status: "filled", Qty: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var views []orderView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "o-1", views[0].OrderID)
}

func TestOrdersAllReturnsEverything(t *testing.T) {
	s, store := newTestServer(t, "")
	_, err := store.AddOrder(context.Background(), models.OrderRecord{
		OrderID: "o-1", Symbol: "AAPL", Side: models.SideBuy, OrderType: "stop", Status: "filled", Qty: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders?status=all", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var views []orderView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	require.Len(t, views, 1)
}

func TestOrdersAllWithoutLimitIsUnbounded(t *testing.T) {
	s, store := newTestServer(t, "")
	for i := 0; i < 3; i++ {
		_, err := store.AddOrder(context.Background(), models.OrderRecord{
			OrderID: fmt.Sprintf("o-%d", i), Symbol: "AAPL", Side: models.SideBuy,
			OrderType: "stop", Status: "filled", Qty: decimal.NewFromInt(5),
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/orders?status=all", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var views []orderView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	assert.Len(t, views, 3, "an omitted limit must not silently truncate status=all results")
}

func TestOrdersAllWithExplicitLimitIsCapped(t *testing.T) {
	s, store := newTestServer(t, "")
	for i := 0; i < 3; i++ {
		_, err := store.AddOrder(context.Background(), models.OrderRecord{
			OrderID: fmt.Sprintf("o-%d", i), Symbol: "AAPL", Side: models.SideBuy,
			OrderType: "stop", Status: "filled", Qty: decimal.NewFromInt(5),
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/orders?status=all&limit=1", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var views []orderView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	assert.Len(t, views, 1)
}

func TestTickleLivenessEcho(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/api/tickle", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "alive")
}

func TestResetIsReadOnly(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/reset", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "read-only")
}

func TestCloseAllIsReadOnly(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/admin/close_all", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "read-only")
}

func TestDailyClampsDaysParameter(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/daily?days=500", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestEventsEndpoint(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.AddEvent(context.Background(), "test_event", "AAPL", map[string]interface{}{"k": "v"}))

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var events []models.EventRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "test_event", events[0].EventType)
}

func TestFillsEndpoint(t *testing.T) {
	s, store := newTestServer(t, "")
	_, err := store.AddFill(context.Background(), models.FillRecord{
		ExecID: "e-1", OrderID: "o-1", Symbol: "AAPL", Side: models.SideBuy,
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Ts: time.Now().UTC(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/fills", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var fills []fillView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fills))
	require.Len(t, fills, 1)
	assert.Equal(t, "e-1", fills[0].ExecID)
}

func TestPerformanceEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/performance", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
