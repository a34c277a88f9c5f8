// Package dashboard serves the read-only monitoring HTTP surface: JSON
// endpoints over the store and performance analyzer, with an optional
// bearer-style auth token.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	"github.com/shoreline-systems/breakout-bot/internal/performance"
	"github.com/shoreline-systems/breakout-bot/internal/storage"
)

// Config carries the dashboard's own configuration knobs.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the monitoring HTTP surface. It never mutates broker or
// controller state: every handler only reads the store (and, for
// /reset and /admin/close_all, returns an instruction body instead of
// acting).
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     *storage.Store
	perf      *performance.Analyzer
	log       *logrus.Logger
	port      int
	authToken string
	startedAt time.Time
}

// New builds a Server against store and perf.
func New(cfg Config, store *storage.Store, perf *performance.Analyzer, log *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		perf:      perf,
		log:       log,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		startedAt: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	// Health is always public; everything else is gated when an auth
	// token is configured.
	s.router.Get("/health", s.handleHealth)

	register := func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/orders", s.handleOrders)
		r.Get("/fills", s.handleFills)
		r.Get("/events", s.handleEvents)
		r.Get("/performance", s.handlePerformance)
		r.Get("/daily", s.handleDaily)
		r.Post("/v1/api/tickle", s.handleTickle)
		r.Post("/reset", s.handleReset)
		r.Post("/admin/close_all", s.handleCloseAll)
	}

	if s.authToken != "" {
		s.router.Route("/", func(r chi.Router) {
			r.Use(s.authMiddleware)
			register(r)
		})
	} else {
		register(s.router)
	}
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggedURL := s.redactTokenFromURL(r.URL)
		logEntry := s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"url":    loggedURL.String(),
		})
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		logEntry.WithFields(logrus.Fields{
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("dashboard_request")
	})
}

func (s *Server) redactTokenFromURL(original *url.URL) *url.URL {
	cloned := &url.URL{Scheme: original.Scheme, Host: original.Host, Path: original.Path, RawQuery: original.RawQuery}
	if original.RawQuery != "" {
		values := original.Query()
		for _, k := range []string{"token", "auth_token"} {
			if values.Has(k) {
				values.Set(k, "[REDACTED]")
			}
		}
		cloned.RawQuery = values.Encode()
	}
	return cloned
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		token = r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start blocks serving the dashboard until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithField("port", s.port).Info("dashboard_starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the dashboard's HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("encode_response_failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "ok"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		database = err.Error()
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":    map[bool]string{true: "healthy", false: "unhealthy"}[status == http.StatusOK],
		"timestamp": time.Now().UTC().Unix(),
		"database":  database,
	})
}

type symbolStatusView struct {
	Symbol        string `json:"symbol"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
	LastParentID  string `json:"last_parent_id,omitempty"`
	LastTrailID   string `json:"last_trail_id,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states, err := s.store.ListSymbolStates(ctx)
	if err != nil {
		s.log.WithError(err).Error("list_symbol_states_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var equities, crypto []symbolStatusView
	for _, st := range states {
		view := symbolStatusView{Symbol: st.Symbol, LastParentID: st.LastParentID, LastTrailID: st.LastTrailID}
		if st.CooldownUntil != nil {
			view.CooldownUntil = st.CooldownUntil.Format(time.RFC3339)
		}
		if models.IsCrypto(st.Symbol) {
			crypto = append(crypto, view)
		} else {
			equities = append(equities, view)
		}
	}

	activeOrders, err := s.store.GetActiveOrders(ctx, "")
	if err != nil {
		s.log.WithError(err).Error("get_active_orders_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	fills, err := s.store.GetAllFills(ctx)
	if err != nil {
		s.log.WithError(err).Error("get_all_fills_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	events, err := s.store.GetEvents(ctx, "", 1)
	if err != nil {
		s.log.WithError(err).Error("get_events_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var lastEvent interface{}
	if len(events) > 0 {
		lastEvent = events[0]
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"equities":           equities,
		"crypto":             crypto,
		"active_order_count": len(activeOrders),
		"total_fills":        len(fills),
		"last_event":         lastEvent,
		"bot_start_time":     s.startedAt.Format(time.RFC3339),
	})
}

type orderView struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"order_type"`
	Quantity    string  `json:"quantity"`
	Status      string  `json:"status"`
	StopPrice   *string `json:"stop_price,omitempty"`
	LimitPrice  *string `json:"limit_price,omitempty"`
	TrailingPct *string `json:"trailing_pct,omitempty"`
	ParentID    string  `json:"parent_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toOrderView(o models.OrderRecord) orderView {
	v := orderView{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		OrderType: o.OrderType,
		Quantity:  o.Qty.String(),
		Status:    o.Status,
		ParentID:  o.ParentID,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
	if o.StopPrice != nil {
		str := o.StopPrice.String()
		v.StopPrice = &str
	}
	if o.LimitPrice != nil {
		str := o.LimitPrice.String()
		v.LimitPrice = &str
	}
	if o.TrailingPct != nil {
		str := o.TrailingPct.String()
		v.TrailingPct = &str
	}
	return v
}

const maxListLimit = 200

func clampLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// optionalLimit returns 0 (unbounded) when raw is absent, and otherwise
// clamps the caller-supplied value at maxListLimit. Unlike clampLimit, an
// omitted limit is never defaulted to a page size: only a caller-supplied
// value is capped.
func optionalLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")
	limit := optionalLimit(r.URL.Query().Get("limit"))

	var records []models.OrderRecord
	var err error
	switch {
	case status == "" || strings.EqualFold(status, "active"):
		records, err = s.store.GetActiveOrders(ctx, "")
	case strings.EqualFold(status, "all"):
		records, err = s.store.ListOrders(ctx, "", limit)
	default:
		records, err = s.store.ListOrders(ctx, status, limit)
	}
	if err != nil {
		s.log.WithError(err).Error("list_orders_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	views := make([]orderView, len(records))
	for i, o := range records {
		views[i] = toOrderView(o)
	}
	s.writeJSON(w, http.StatusOK, views)
}

type fillView struct {
	ExecID  string `json:"exec_id"`
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Qty     string `json:"qty"`
	Price   string `json:"price"`
	Ts      string `json:"ts"`
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 20)

	fills, err := s.store.GetAllFills(r.Context())
	if err != nil {
		s.log.WithError(err).Error("get_all_fills_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if len(fills) > limit {
		fills = fills[len(fills)-limit:]
	}
	views := make([]fillView, len(fills))
	for i, f := range fills {
		views[len(fills)-1-i] = fillView{
			ExecID: f.ExecID, OrderID: f.OrderID, Symbol: f.Symbol,
			Side: string(f.Side), Qty: f.Qty.String(), Price: f.Price.String(),
			Ts: f.Ts.Format(time.RFC3339),
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 20)

	events, err := s.store.GetEvents(r.Context(), "", limit)
	if err != nil {
		s.log.WithError(err).Error("get_events_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.perf.Statistics(ctx)
	if err != nil {
		s.log.WithError(err).Error("compute_statistics_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	bySymbol, err := s.perf.BySymbol(ctx)
	if err != nil {
		s.log.WithError(err).Error("compute_by_symbol_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"overall":   stats,
		"by_symbol": bySymbol,
	})
}

const maxDailyDays = 90

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	days := clampLimit(r.URL.Query().Get("days"), 10)
	if days > maxDailyDays {
		days = maxDailyDays
	}
	series, err := s.perf.DailySeries(r.Context(), days)
	if err != nil {
		s.log.WithError(err).Error("compute_daily_series_failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleTickle(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alive": true, "timestamp": time.Now().UTC().Unix()})
}

// handleReset and handleCloseAll are intentionally read-only: this
// surface never mutates broker state. They describe the manual action
// an operator must take instead of performing it.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instruction": "this endpoint is read-only; use cmd/paperreset to clear paper-trading state",
	})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instruction": "this endpoint is read-only; close positions directly at the broker or via an operator script",
	})
}
