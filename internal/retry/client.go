// Package retry wraps broker submit/cancel operations with exponential
// backoff and jitter, retrying only errors classified as transient.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shoreline-systems/breakout-bot/internal/broker"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps a broker with retry logic for its submit/cancel operations.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient creates a new retry client with the given broker and optional config.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Default nil logger to log.Default()
	if logger == nil {
		logger = log.Default()
	}

	// Validate and sanitize config fields
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// Connect, Disconnect, and every read-only accessor pass straight through
// to the wrapped broker: retrying a connection handshake or a quote lookup
// is the wrapped broker's own concern, not this decorator's.
func (c *Client) Connect(ctx context.Context) error    { return c.broker.Connect(ctx) }
func (c *Client) Disconnect(ctx context.Context) error { return c.broker.Disconnect(ctx) }

func (c *Client) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return c.broker.GetLastPrice(ctx, symbol)
}

func (c *Client) GetPositions(ctx context.Context) (map[string]broker.PositionInfo, error) {
	return c.broker.GetPositions(ctx)
}

func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.OrderHandle, error) {
	return c.broker.GetOpenOrders(ctx)
}

func (c *Client) GetAccountValue(ctx context.Context) (decimal.Decimal, error) {
	return c.broker.GetAccountValue(ctx)
}

func (c *Client) GetAccountSummary(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.broker.GetAccountSummary(ctx)
}

func (c *Client) PollEvents(ctx context.Context, sink broker.EventSink) error {
	return c.broker.PollEvents(ctx, sink)
}

// PlaceEntry satisfies broker.Broker by delegating to PlaceEntryWithRetry,
// so a Client can be handed to a controller in place of the broker it wraps.
func (c *Client) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*broker.OrderHandle, error) {
	return c.PlaceEntryWithRetry(ctx, symbol, qty, lastPrice)
}

// PlaceTrailingStop satisfies broker.Broker by delegating to
// PlaceTrailingStopWithRetry.
func (c *Client) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*broker.OrderHandle, error) {
	return c.PlaceTrailingStopWithRetry(ctx, symbol, qty, refPrice)
}

// Cancel satisfies broker.Broker by delegating to CancelWithRetry.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	return c.CancelWithRetry(ctx, orderID)
}

var _ broker.Broker = (*Client)(nil)

// PlaceEntryWithRetry retries the entry submission while the broker keeps
// failing with transient errors.
func (c *Client) PlaceEntryWithRetry(ctx context.Context, symbol string, qty, lastPrice decimal.Decimal) (*broker.OrderHandle, error) {
	return retryOp(ctx, c, fmt.Sprintf("place entry %s", symbol), func(opCtx context.Context) (*broker.OrderHandle, error) {
		return c.broker.PlaceEntry(opCtx, symbol, qty, lastPrice)
	})
}

// PlaceTrailingStopWithRetry retries the protective-stop submission while
// the broker keeps failing with transient errors.
func (c *Client) PlaceTrailingStopWithRetry(ctx context.Context, symbol string, qty, refPrice decimal.Decimal) (*broker.OrderHandle, error) {
	return retryOp(ctx, c, fmt.Sprintf("place trailing stop %s", symbol), func(opCtx context.Context) (*broker.OrderHandle, error) {
		return c.broker.PlaceTrailingStop(opCtx, symbol, qty, refPrice)
	})
}

// CancelWithRetry retries an order cancellation while the broker keeps
// failing with transient errors.
func (c *Client) CancelWithRetry(ctx context.Context, orderID string) error {
	_, err := retryOp(ctx, c, fmt.Sprintf("cancel order %s", orderID), func(opCtx context.Context) (struct{}, error) {
		return struct{}{}, c.broker.Cancel(opCtx, orderID)
	})
	return err
}

func retryOp[T any](ctx context.Context, c *Client, label string, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var zero T
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out after %v: %w", label, c.config.Timeout, opCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", label, ctx.Err())
		}

		c.logger.Printf("%s: attempt %d/%d", label, attempt+1, c.config.MaxRetries+1)

		result, err := fn(opCtx)
		if err == nil {
			c.logger.Printf("%s: succeeded on attempt %d", label, attempt+1)
			return result, nil
		}

		lastErr = err
		c.logger.Printf("%s: attempt %d failed: %v", label, attempt+1, err)

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("%s: transient error, retrying in %v", label, backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-opCtx.Done():
				return zero, fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
			case <-ctx.Done():
				return zero, fmt.Errorf("%s canceled during backoff: %w", label, ctx.Err())
			}
		} else {
			break
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"i/o timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"temporarily unavailable",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"no such host",
		"deadline exceeded",
		"tls handshake",
		"broken pipe",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
