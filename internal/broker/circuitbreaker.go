package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the breaker wrapping a Broker's calls.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after half of at least 5 requests in
// a 60-second window fail, and probes again after 30 seconds open.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// CircuitBreakerBroker decorates a Broker with a breaker around every
// network-bound call, so a failing brokerage connection fails fast
// instead of stacking up timeouts across every watched symbol.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerBroker wraps broker with DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= settings.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker[any](st),
	}
}

// State exposes the breaker's current state, for the monitoring surface.
func (cb *CircuitBreakerBroker) State() gobreaker.State {
	return cb.breaker.State()
}

func execute[T any](cb *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := cb.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

var _ Broker = (*CircuitBreakerBroker)(nil)

func (cb *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.Connect(ctx) })
	return err
}

func (cb *CircuitBreakerBroker) Disconnect(ctx context.Context) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.Disconnect(ctx) })
	return err
}

func (cb *CircuitBreakerBroker) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return execute(cb, func() (decimal.Decimal, error) { return cb.broker.GetLastPrice(ctx, symbol) })
}

func (cb *CircuitBreakerBroker) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*OrderHandle, error) {
	return execute(cb, func() (*OrderHandle, error) { return cb.broker.PlaceEntry(ctx, symbol, qty, lastPrice) })
}

func (cb *CircuitBreakerBroker) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*OrderHandle, error) {
	return execute(cb, func() (*OrderHandle, error) { return cb.broker.PlaceTrailingStop(ctx, symbol, qty, refPrice) })
}

func (cb *CircuitBreakerBroker) Cancel(ctx context.Context, orderID string) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.Cancel(ctx, orderID) })
	return err
}

func (cb *CircuitBreakerBroker) GetPositions(ctx context.Context) (map[string]PositionInfo, error) {
	return execute(cb, func() (map[string]PositionInfo, error) { return cb.broker.GetPositions(ctx) })
}

func (cb *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]OrderHandle, error) {
	return execute(cb, func() ([]OrderHandle, error) { return cb.broker.GetOpenOrders(ctx) })
}

func (cb *CircuitBreakerBroker) GetAccountValue(ctx context.Context) (decimal.Decimal, error) {
	return execute(cb, func() (decimal.Decimal, error) { return cb.broker.GetAccountValue(ctx) })
}

func (cb *CircuitBreakerBroker) GetAccountSummary(ctx context.Context) (map[string]decimal.Decimal, error) {
	return execute(cb, func() (map[string]decimal.Decimal, error) { return cb.broker.GetAccountSummary(ctx) })
}

func (cb *CircuitBreakerBroker) PollEvents(ctx context.Context, sink EventSink) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.PollEvents(ctx, sink) })
	return err
}
