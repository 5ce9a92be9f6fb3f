package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RiskParameters is the per-account risk configuration. It is loaded once
// at startup and treated as read-only for the lifetime of a trading
// session. Bounds mirror what the account desk signs off on; values
// outside them are rejected at construction, never at trade time.
type RiskParameters struct {
	MaxPositionsPerPair     int      `validate:"gte=1"`
	MaxConcurrentPositions  int      `validate:"gte=1"`
	MaxDrawdownPct          float64  `validate:"gte=0.01,lte=0.5"`
	RiskPerTradePct         float64  `validate:"gte=0.001,lte=0.05"`
	DefaultStopLossPips     float64  `validate:"gte=5"`
	DefaultTakeProfitPips   float64  `validate:"gte=10"`
	ATRPeriod               int      `validate:"gte=5"`
	ATRMultiplierStopLoss   float64  `validate:"gte=0.5"`
	ATRMultiplierTakeProfit float64  `validate:"gte=0.5"`
	CorrelationThreshold    float64  `validate:"gte=0,lte=1"`
	SlippageToleranceBps    int      `validate:"gte=0,lte=50"`
	AllowedPairs            []string `validate:"min=1"`
}

// DefaultRiskParameters returns the stock parameter set used when no
// overrides are configured.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxPositionsPerPair:     2,
		MaxConcurrentPositions:  5,
		MaxDrawdownPct:          0.10,
		RiskPerTradePct:         0.01,
		DefaultStopLossPips:     50,
		DefaultTakeProfitPips:   100,
		ATRPeriod:               14,
		ATRMultiplierStopLoss:   2.0,
		ATRMultiplierTakeProfit: 3.0,
		CorrelationThreshold:    0.7,
		SlippageToleranceBps:    5,
		AllowedPairs:            []string{"EUR_USD", "USD_JPY", "GBP_USD", "AUD_USD", "USD_CAD"},
	}
}

var validate = validator.New()

// Validate enforces the declared bounds. A violation here is a fatal
// configuration error; the engine must not start with it.
func (p RiskParameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("risk parameters out of bounds: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("risk parameters invalid: %w", err)
	}
	return nil
}

// AllowsPair reports whether the instrument is on the configured
// tradeable list.
func (p RiskParameters) AllowsPair(pair string) bool {
	for _, allowed := range p.AllowedPairs {
		if strings.EqualFold(allowed, pair) {
			return true
		}
	}
	return false
}

// OandaConfig holds OANDA v20 credentials and environment selection.
type OandaConfig struct {
	AccessToken string
	AccountID   string
	Environment string // practice or live
}

// BybitConfig holds Bybit credentials and environment selection.
type BybitConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Name    string // oanda or bybit
	Timeout time.Duration
	Oanda   OandaConfig
	Bybit   BybitConfig
}

// EngineConfig tunes the execution coordinator.
type EngineConfig struct {
	PipValuePerLot    float64
	CandleGranularity string
	CandleCount       int
	DecisionInterval  time.Duration
}

// MonitoringConfig holds the ports for the metrics and health endpoints.
type MonitoringConfig struct {
	PrometheusPort int
	HealthPort     int
}

// Config is the full engine configuration.
type Config struct {
	Environment string
	LogLevel    string
	Broker      BrokerConfig
	Engine      EngineConfig
	Monitoring  MonitoringConfig
	Risk        RiskParameters
}

// Load builds a Config from environment variables, falling back to
// defaults for anything unset.
func Load() *Config {
	risk := DefaultRiskParameters()
	risk.MaxPositionsPerPair = getEnvInt("MAX_POSITIONS_PER_PAIR", risk.MaxPositionsPerPair)
	risk.MaxConcurrentPositions = getEnvInt("MAX_CONCURRENT_POSITIONS", risk.MaxConcurrentPositions)
	risk.MaxDrawdownPct = getEnvFloat("MAX_DRAWDOWN_PCT", risk.MaxDrawdownPct)
	risk.RiskPerTradePct = getEnvFloat("RISK_PER_TRADE_PCT", risk.RiskPerTradePct)
	risk.DefaultStopLossPips = getEnvFloat("DEFAULT_SL_PIPS", risk.DefaultStopLossPips)
	risk.DefaultTakeProfitPips = getEnvFloat("DEFAULT_TP_PIPS", risk.DefaultTakeProfitPips)
	risk.ATRPeriod = getEnvInt("ATR_PERIOD", risk.ATRPeriod)
	risk.ATRMultiplierStopLoss = getEnvFloat("ATR_MULTIPLIER_SL", risk.ATRMultiplierStopLoss)
	risk.ATRMultiplierTakeProfit = getEnvFloat("ATR_MULTIPLIER_TP", risk.ATRMultiplierTakeProfit)
	risk.CorrelationThreshold = getEnvFloat("CORRELATION_THRESHOLD", risk.CorrelationThreshold)
	risk.SlippageToleranceBps = getEnvInt("SLIPPAGE_TOLERANCE_BPS", risk.SlippageToleranceBps)
	if pairs := getEnv("ALLOWED_PAIRS", ""); pairs != "" {
		risk.AllowedPairs = splitAndTrim(pairs)
	}

	return &Config{
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		Broker: BrokerConfig{
			Name:    getEnv("BROKER_NAME", "oanda"),
			Timeout: getEnvDuration("BROKER_TIMEOUT", 15*time.Second),
			Oanda: OandaConfig{
				AccessToken: getEnv("OANDA_ACCESS_TOKEN", ""),
				AccountID:   getEnv("OANDA_ACCOUNT_ID", ""),
				Environment: getEnv("OANDA_ENVIRONMENT", "practice"),
			},
			Bybit: BybitConfig{
				APIKey:    getEnv("BYBIT_API_KEY", ""),
				APISecret: getEnv("BYBIT_API_SECRET", ""),
				Testnet:   getEnvBool("BYBIT_TESTNET", true),
				Demo:      getEnvBool("BYBIT_DEMO", false),
			},
		},

		Engine: EngineConfig{
			PipValuePerLot:    getEnvFloat("PIP_VALUE_PER_LOT", 10.0),
			CandleGranularity: getEnv("CANDLE_GRANULARITY", "H1"),
			CandleCount:       getEnvInt("CANDLE_COUNT", 100),
			DecisionInterval:  getEnvDuration("DECISION_INTERVAL", time.Hour),
		},

		Monitoring: MonitoringConfig{
			PrometheusPort: getEnvInt("PROMETHEUS_PORT", 8080),
			HealthPort:     getEnvInt("HEALTH_PORT", 8081),
		},

		Risk: risk,
	}
}

// Validate checks the whole configuration, including broker credentials
// for the selected adapter.
func (c *Config) Validate() error {
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if c.Engine.PipValuePerLot <= 0 {
		return fmt.Errorf("PIP_VALUE_PER_LOT must be positive, got %v", c.Engine.PipValuePerLot)
	}
	switch strings.ToLower(c.Broker.Name) {
	case "oanda":
		if c.Broker.Oanda.AccessToken == "" {
			return fmt.Errorf("OANDA_ACCESS_TOKEN is required")
		}
		if c.Broker.Oanda.AccountID == "" {
			return fmt.Errorf("OANDA_ACCOUNT_ID is required")
		}
		if env := c.Broker.Oanda.Environment; env != "practice" && env != "live" {
			return fmt.Errorf("OANDA_ENVIRONMENT must be practice or live, got %q", env)
		}
	case "bybit":
		if c.Broker.Bybit.APIKey == "" || c.Broker.Bybit.APISecret == "" {
			return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET are required")
		}
		if c.Broker.Bybit.Testnet && c.Broker.Bybit.Demo {
			return fmt.Errorf("bybit testnet and demo mode are mutually exclusive")
		}
	default:
		return fmt.Errorf("unsupported broker %q", c.Broker.Name)
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
