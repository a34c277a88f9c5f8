// Package config loads and validates the bot's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shoreline-systems/breakout-bot/internal/models"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when the corresponding key is unset.
const (
	defaultCooldownMinutes      = 20
	defaultPriceSeconds         = 30
	defaultOrdersSeconds        = 60
	defaultKeepaliveSeconds     = 300
	defaultEventCheckSeconds    = 15
	defaultMinCashReservePct    = 5.0
	defaultBuyStopPctAboveLast  = 5.0
	defaultTrailingStopPct      = 10.0
	defaultStopLimitMaxSlipPct  = 1.0
	defaultTrailLimitOffsetPct  = 0.5
	defaultCalendar             = "XNYS"
	defaultTIF                  = "day"
	defaultLogLevel             = "info"
	defaultIBKRGatewayPort      = 5000
	defaultMonitorPort          = 8090
)

// Config is the root of the bot's configuration document.
type Config struct {
	Mode             string         `yaml:"mode"`
	Watchlist        []string       `yaml:"watchlist"`
	CryptoWatchlist  []string       `yaml:"crypto_watchlist"`
	Allocation       Allocation     `yaml:"allocation"`
	Entries          Entries        `yaml:"entries"`
	Stops            Stops          `yaml:"stops"`
	Hours            Hours          `yaml:"hours"`
	Cooldowns        Cooldowns      `yaml:"cooldowns"`
	Polling          Polling        `yaml:"polling"`
	Risk             Risk           `yaml:"risk"`
	Persistence      Persistence    `yaml:"persistence"`
	Logging          Logging        `yaml:"logging"`
	Alerts           Alerts         `yaml:"alerts"`
	Broker           Broker         `yaml:"broker"`
	Monitor          Monitor        `yaml:"monitor"`
}

// Monitor controls the read-only HTTP monitoring surface.
type Monitor struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Allocation controls per-symbol and total dollar sizing.
type Allocation struct {
	TotalUSDCap           float64            `yaml:"total_usd_cap"`
	PerSymbolUSD          float64            `yaml:"per_symbol_usd"`
	PerSymbolOverride     map[string]float64 `yaml:"per_symbol_override"`
	MinCashReservePercent float64            `yaml:"min_cash_reserve_percent"`
	AllowFractional       bool               `yaml:"allow_fractional"`
}

// Entries controls breakout entry order placement.
type Entries struct {
	Type                 string  `yaml:"type"` // buy_stop | buy_stop_limit
	BuyStopPctAboveLast  float64 `yaml:"buy_stop_pct_above_last"`
	StopLimitMaxSlipPct  float64 `yaml:"stop_limit_max_slip_pct"`
	TIF                  string  `yaml:"tif"`
	CancelAtClose        bool    `yaml:"cancel_at_close"`
	RearmNextSession     bool    `yaml:"rearm_next_session"`
}

// Stops controls protective trailing-stop placement.
type Stops struct {
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`
	UseTrailingLimit    bool    `yaml:"use_trailing_limit"`
	TrailLimitOffsetPct float64 `yaml:"trail_limit_offset_pct"`
	TIF                 string  `yaml:"tif"`
}

// Hours controls the market-calendar gating of equities.
type Hours struct {
	Calendar        string `yaml:"calendar"`
	AllowPreMarket  bool   `yaml:"allow_pre_market"`
	AllowAfterHours bool   `yaml:"allow_after_hours"`
}

// Cooldowns controls the post-stop-out suppression window.
type Cooldowns struct {
	AfterStopoutMinutes int `yaml:"after_stopout_minutes"`
}

// Polling controls the orchestrator's cadences, in seconds.
type Polling struct {
	PriceSeconds      int `yaml:"price_seconds"`
	OrdersSeconds     int `yaml:"orders_seconds"`
	KeepaliveSeconds  int `yaml:"keepalive_seconds"`
	EventCheckSeconds int `yaml:"event_check_seconds"`
}

// Risk controls global and per-symbol exposure caps.
type Risk struct {
	MaxTotalExposureUSD  float64 `yaml:"max_total_exposure_usd"`
	MaxSymbolExposureUSD float64 `yaml:"max_symbol_exposure_usd"`
}

// Persistence controls the event/order store's backing database.
type Persistence struct {
	DBURL string `yaml:"db_url"`
}

// Logging controls the structured logger's verbosity.
type Logging struct {
	Level string `yaml:"level"`
}

// Alerts controls optional outbound notification.
type Alerts struct {
	Webhook string `yaml:"webhook"`
}

// Broker carries the broker adapter's own configuration knobs.
type Broker struct {
	Provider  string `yaml:"provider"` // alpaca | ibkr
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Gateway is consulted only by the ibkr provider, whose adapter talks
	// to a locally running Client Portal Gateway instead of api_key/api_secret.
	Gateway BrokerGateway `yaml:"gateway"`
}

// BrokerGateway is the IBKR adapter's local-gateway connection target.
type BrokerGateway struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	AccountID          string `yaml:"account_id"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // self-signed gateway cert in local dev
}

// secretsDoc is the shape of a sibling secrets.yaml, if present.
type secretsDoc struct {
	Broker struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"broker"`
}

// Load reads, expands, decodes, and normalizes the configuration at
// configPath (default "config.yaml"), overlays secrets from a sibling
// "secrets.yaml" or the BROKER_API_KEY/BROKER_API_SECRET environment
// variables, then validates the result.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is an operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()
	cfg.loadSecrets(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// loadSecrets overlays a sibling secrets.yaml (if present) or environment
// variables onto the broker credentials. The file only fills credentials
// the config document leaves empty; env vars, when set, override both.
func (c *Config) loadSecrets(configPath string) {
	secretsPath := filepath.Join(filepath.Dir(configPath), "secrets.yaml")
	if data, err := os.ReadFile(secretsPath); err == nil { // #nosec G304
		var secrets secretsDoc
		if yaml.Unmarshal(data, &secrets) == nil {
			if c.Broker.APIKey == "" {
				c.Broker.APIKey = secrets.Broker.APIKey
			}
			if c.Broker.APISecret == "" {
				c.Broker.APISecret = secrets.Broker.APISecret
			}
		}
	}

	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
}

// Normalize upper-cases watchlists, normalizes crypto pairs, and fills in
// default cadences and thresholds left unset in the document.
func (c *Config) Normalize() {
	for i, s := range c.Watchlist {
		c.Watchlist[i] = models.NormalizeSymbol(s)
	}
	for i, s := range c.CryptoWatchlist {
		c.CryptoWatchlist[i] = models.NormalizeCryptoSymbol(s)
	}
	if normalized := make(map[string]float64, len(c.Allocation.PerSymbolOverride)); len(c.Allocation.PerSymbolOverride) > 0 {
		for sym, v := range c.Allocation.PerSymbolOverride {
			normalized[models.NormalizeSymbol(sym)] = v
		}
		c.Allocation.PerSymbolOverride = normalized
	}

	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = "paper"
	}
	if c.Allocation.MinCashReservePercent == 0 {
		c.Allocation.MinCashReservePercent = defaultMinCashReservePct
	}
	if strings.TrimSpace(c.Entries.Type) == "" {
		c.Entries.Type = "buy_stop"
	}
	if c.Entries.BuyStopPctAboveLast == 0 {
		c.Entries.BuyStopPctAboveLast = defaultBuyStopPctAboveLast
	}
	if c.Entries.StopLimitMaxSlipPct == 0 {
		c.Entries.StopLimitMaxSlipPct = defaultStopLimitMaxSlipPct
	}
	if strings.TrimSpace(c.Entries.TIF) == "" {
		c.Entries.TIF = defaultTIF
	}
	if c.Stops.TrailingStopPct == 0 {
		c.Stops.TrailingStopPct = defaultTrailingStopPct
	}
	if c.Stops.TrailLimitOffsetPct == 0 {
		c.Stops.TrailLimitOffsetPct = defaultTrailLimitOffsetPct
	}
	if strings.TrimSpace(c.Stops.TIF) == "" {
		c.Stops.TIF = "gtc"
	}
	if strings.TrimSpace(c.Hours.Calendar) == "" {
		c.Hours.Calendar = defaultCalendar
	}
	if c.Cooldowns.AfterStopoutMinutes == 0 {
		c.Cooldowns.AfterStopoutMinutes = defaultCooldownMinutes
	}
	if c.Polling.PriceSeconds == 0 {
		c.Polling.PriceSeconds = defaultPriceSeconds
	}
	if c.Polling.OrdersSeconds == 0 {
		c.Polling.OrdersSeconds = defaultOrdersSeconds
	}
	if c.Polling.KeepaliveSeconds == 0 {
		c.Polling.KeepaliveSeconds = defaultKeepaliveSeconds
	}
	if c.Polling.EventCheckSeconds == 0 {
		c.Polling.EventCheckSeconds = defaultEventCheckSeconds
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
	if strings.TrimSpace(c.Persistence.DBURL) == "" {
		c.Persistence.DBURL = "sqlite://breakout-bot.db"
	}
	if strings.TrimSpace(c.Broker.Provider) == "" {
		c.Broker.Provider = "alpaca"
	}
	if strings.TrimSpace(c.Broker.Gateway.Host) == "" {
		c.Broker.Gateway.Host = "localhost"
	}
	if c.Broker.Gateway.Port == 0 {
		c.Broker.Gateway.Port = defaultIBKRGatewayPort
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = defaultMonitorPort
	}
}

// Validate checks configuration invariants, failing fast at startup per
// spec §7 (config-load failure is fatal).
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	// Open Question (b): the permissive watchlist rule — valid iff the
	// union of both watchlists is nonempty.
	if len(c.Watchlist)+len(c.CryptoWatchlist) == 0 {
		return fmt.Errorf("at least one of watchlist or crypto_watchlist must be non-empty")
	}
	switch strings.ToLower(c.Entries.Type) {
	case "buy_stop", "buy_stop_limit":
	default:
		return fmt.Errorf("entries.type must be 'buy_stop' or 'buy_stop_limit'")
	}
	if c.Entries.BuyStopPctAboveLast <= 0 {
		return fmt.Errorf("entries.buy_stop_pct_above_last must be > 0")
	}
	if c.Stops.TrailingStopPct <= 0 {
		return fmt.Errorf("stops.trailing_stop_pct must be > 0")
	}
	if c.Allocation.PerSymbolUSD <= 0 {
		return fmt.Errorf("allocation.per_symbol_usd must be > 0")
	}
	if c.Allocation.MinCashReservePercent < 0 || c.Allocation.MinCashReservePercent > 100 {
		return fmt.Errorf("allocation.min_cash_reserve_percent must be between 0 and 100")
	}
	if c.Risk.MaxTotalExposureUSD <= 0 {
		return fmt.Errorf("risk.max_total_exposure_usd must be > 0")
	}
	if c.Risk.MaxSymbolExposureUSD <= 0 {
		return fmt.Errorf("risk.max_symbol_exposure_usd must be > 0")
	}
	if c.Cooldowns.AfterStopoutMinutes <= 0 {
		return fmt.Errorf("cooldowns.after_stopout_minutes must be > 0")
	}
	if c.Polling.PriceSeconds <= 0 || c.Polling.OrdersSeconds <= 0 ||
		c.Polling.KeepaliveSeconds <= 0 || c.Polling.EventCheckSeconds <= 0 {
		return fmt.Errorf("polling cadences must all be > 0 seconds")
	}
	if strings.TrimSpace(c.Persistence.DBURL) == "" {
		return fmt.Errorf("persistence.db_url is required")
	}
	switch strings.ToLower(c.Broker.Provider) {
	case "alpaca":
		if strings.TrimSpace(c.Broker.APIKey) == "" {
			return fmt.Errorf("broker.api_key is required (config, secrets.yaml, or BROKER_API_KEY)")
		}
	case "ibkr":
		if strings.TrimSpace(c.Broker.Gateway.Host) == "" {
			return fmt.Errorf("broker.gateway.host is required for the ibkr provider")
		}
	default:
		return fmt.Errorf("broker.provider must be 'alpaca' or 'ibkr'")
	}
	return nil
}

// IsPaperTrading reports whether the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Mode == "paper"
}

// AllocationFor returns the per-symbol dollar allocation for symbol,
// honoring per_symbol_override when present.
func (c *Config) AllocationFor(symbol string) float64 {
	symbol = models.NormalizeSymbol(symbol)
	if v, ok := c.Allocation.PerSymbolOverride[symbol]; ok {
		return v
	}
	return c.Allocation.PerSymbolUSD
}

// PriceInterval, OrdersInterval, KeepaliveInterval, EventCheckInterval
// convert the configured second counts into time.Duration for the
// orchestrator's schedule.
func (c *Config) PriceInterval() time.Duration      { return time.Duration(c.Polling.PriceSeconds) * time.Second }
func (c *Config) OrdersInterval() time.Duration     { return time.Duration(c.Polling.OrdersSeconds) * time.Second }
func (c *Config) KeepaliveInterval() time.Duration  { return time.Duration(c.Polling.KeepaliveSeconds) * time.Second }
func (c *Config) EventCheckInterval() time.Duration { return time.Duration(c.Polling.EventCheckSeconds) * time.Second }

// CooldownDuration returns the configured cooldown window.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldowns.AfterStopoutMinutes) * time.Minute
}
