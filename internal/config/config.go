// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/meridianq/perpcore/internal/domain"
)

// Config holds the full application configuration. It is loaded once at
// startup and treated as immutable afterwards; changing a value requires a
// restart.
type Config struct {
	DatabasePath string
	LogLevel     string

	Symbol     string
	Timeframes []domain.Timeframe

	OKX       OKXConfig
	Trading   TradingConfig
	Risk      RiskConfig
	Regime    RegimeConfig
	Portfolio PortfolioConfig
	LLM       LLMConfig
	Intervals IntervalConfig

	BackupDir string // empty disables local snapshot backups
}

// OKXConfig holds venue credentials and order-routing modes.
type OKXConfig struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
	IsDemo        bool
	TDMode        string // cross | isolated
	PosMode       string // long_short | net
	WaitFill      bool
	FillTimeoutS  float64
	FillIntervalS float64
}

// TradingConfig holds the kill switch and related write gates.
type TradingConfig struct {
	Enabled         bool // kill switch: false blocks all live order submission
	APIWriteEnabled bool // external HTTP write surface, respected but served elsewhere
	BackfillDays    int
}

// RiskConfig holds the risk gate thresholds.
type RiskConfig struct {
	MaxNotional    float64
	MaxLeverage    float64
	MinConfidence  float64
	MaxDailyLoss   float64 // percent of equity
	CooldownLosses int     // consecutive losses that trigger the cooldown
	CooldownBars   int     // bars the cooldown lasts
}

// RegimeConfig holds the classifier thresholds.
type RegimeConfig struct {
	ADXThreshold     float64
	BBWidthThreshold float64
	ATRKillPct       float64 // ATR percentile above which HIGH_VOL is declared
}

// PortfolioConfig holds the scheduler knobs.
type PortfolioConfig struct {
	GlobalLeverage float64
	DiffThreshold  float64 // basis points of equity
	MinNotional    float64
	TopK           int
	MinScore       float64
}

// LLMConfig holds the optional decision-engine provider settings. An empty
// Provider disables the LLM path entirely.
type LLMConfig struct {
	Provider string
	APIKey   string
	APIBase  string
	Model    string
	TimeoutS float64
}

// IntervalConfig holds loop cadences in seconds.
type IntervalConfig struct {
	Ingest    int
	Decision  int
	Account   int
	Order     int
	Integrity int
}

// defaultAPIBases maps a provider name to its OpenAI-compatible endpoint.
var defaultAPIBases = map[string]string{
	"deepseek": "https://api.deepseek.com/v1",
	"openai":   "https://api.openai.com/v1",
	"grok":     "https://api.x.ai/v1",
	"gemini":   "https://generativelanguage.googleapis.com/v1beta/openai",
	"ollama":   "http://localhost:11434/v1",
	"vllm":     "http://localhost:8000/v1",
}

var defaultModels = map[string]string{
	"deepseek": "deepseek-chat",
	"openai":   "gpt-4o-mini",
	"grok":     "grok-2-latest",
	"gemini":   "gemini-2.0-flash",
	"ollama":   "llama3.1",
	"vllm":     "qwen2.5",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dbPath := getEnv("DATABASE_URL", "data/perpcore.db")
	// Accept sqlite:// URLs for compatibility with older deployments:
	// sqlite:///tmp/core.db names the absolute path /tmp/core.db.
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	timeframes, err := domain.ParseTimeframes(getEnv("INGEST_TIMEFRAMES", "15m,1h,4h,1d"))
	if err != nil {
		return nil, fmt.Errorf("INGEST_TIMEFRAMES: %w", err)
	}

	cfg := &Config{
		DatabasePath: absPath,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Symbol:       getEnv("OKX_DEFAULT_SYMBOL", "BTC-USDT-SWAP"),
		Timeframes:   timeframes,
		OKX: OKXConfig{
			APIKey:        getEnv("OKX_API_KEY", ""),
			APISecret:     getEnv("OKX_API_SECRET", ""),
			APIPassphrase: getEnv("OKX_API_PASSPHRASE", ""),
			IsDemo:        getEnvAsBool("OKX_IS_DEMO", true),
			TDMode:        getEnv("OKX_TD_MODE", "cross"),
			PosMode:       getEnv("OKX_POS_MODE", "long_short"),
			WaitFill:      getEnvAsBool("OKX_WAIT_FILL", true),
			FillTimeoutS:  getEnvAsFloat("OKX_FILL_TIMEOUT_S", 8.0),
			FillIntervalS: getEnvAsFloat("OKX_FILL_INTERVAL_S", 1.0),
		},
		Trading: TradingConfig{
			Enabled:         getEnvAsBool("TRADING_ENABLED", false),
			APIWriteEnabled: getEnvAsBool("API_WRITE_ENABLED", false),
			BackfillDays:    getEnvAsInt("INGEST_BACKFILL_DAYS", 90),
		},
		Risk: RiskConfig{
			MaxNotional:    getEnvAsFloat("RISK_MAX_NOTIONAL", 20000.0),
			MaxLeverage:    getEnvAsFloat("RISK_MAX_LEVERAGE", 3.0),
			MinConfidence:  getEnvAsFloat("RISK_MIN_CONFIDENCE", 0.6),
			MaxDailyLoss:   getEnvAsFloat("RISK_MAX_DAILY_LOSS_PCT", 5.0),
			CooldownLosses: getEnvAsInt("RISK_COOLDOWN_LOSSES", 3),
			CooldownBars:   getEnvAsInt("RISK_COOLDOWN_BARS", 4),
		},
		Regime: RegimeConfig{
			ADXThreshold:     getEnvAsFloat("REGIME_ADX_THRESHOLD", 25.0),
			BBWidthThreshold: getEnvAsFloat("REGIME_BB_WIDTH_THRESHOLD", 0.04),
			ATRKillPct:       getEnvAsFloat("REGIME_ATR_KILL_PCT", 80.0),
		},
		Portfolio: PortfolioConfig{
			GlobalLeverage: getEnvAsFloat("PORTFOLIO_GLOBAL_LEVERAGE", 1.0),
			DiffThreshold:  getEnvAsFloat("PORTFOLIO_DIFF_THRESHOLD", 10.0),
			MinNotional:    getEnvAsFloat("PORTFOLIO_MIN_NOTIONAL", 10.0),
			TopK:           getEnvAsInt("PORTFOLIO_TOP_K", 3),
			MinScore:       getEnvAsFloat("PORTFOLIO_MIN_SCORE", 0.45),
		},
		LLM:       loadLLMConfig(),
		Intervals: loadIntervalConfig(),
		BackupDir: getEnv("BACKUP_DIR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadLLMConfig() LLMConfig {
	provider := strings.ToLower(getEnv("LLM_PROVIDER", ""))
	return LLMConfig{
		Provider: provider,
		APIKey:   getEnv("LLM_API_KEY", ""),
		APIBase:  getEnv("LLM_API_BASE", defaultAPIBases[provider]),
		Model:    getEnv("LLM_MODEL", defaultModels[provider]),
		TimeoutS: getEnvAsFloat("LLM_TIMEOUT_S", 30.0),
	}
}

func loadIntervalConfig() IntervalConfig {
	return IntervalConfig{
		Ingest:    getEnvAsInt("INGEST_INTERVAL", 300),
		Decision:  getEnvAsInt("DECISION_INTERVAL", 900),
		Account:   getEnvAsInt("ACCOUNT_INTERVAL", 60),
		Order:     getEnvAsInt("ORDER_INTERVAL", 10),
		Integrity: getEnvAsInt("INTEGRITY_INTERVAL", 3600),
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("RISK_MAX_LEVERAGE must be positive, got %v", c.Risk.MaxLeverage)
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return fmt.Errorf("RISK_MIN_CONFIDENCE must be in [0,1], got %v", c.Risk.MinConfidence)
	}
	if c.Portfolio.GlobalLeverage <= 0 {
		return fmt.Errorf("PORTFOLIO_GLOBAL_LEVERAGE must be positive, got %v", c.Portfolio.GlobalLeverage)
	}
	if c.Portfolio.TopK < 1 {
		return fmt.Errorf("PORTFOLIO_TOP_K must be at least 1, got %d", c.Portfolio.TopK)
	}
	if c.LLM.Provider != "" {
		if _, ok := defaultAPIBases[c.LLM.Provider]; !ok && c.LLM.APIBase == "" {
			return fmt.Errorf("unknown LLM provider %q and no LLM_API_BASE set", c.LLM.Provider)
		}
	}
	for _, iv := range []struct {
		name  string
		value int
	}{
		{"INGEST_INTERVAL", c.Intervals.Ingest},
		{"DECISION_INTERVAL", c.Intervals.Decision},
		{"ACCOUNT_INTERVAL", c.Intervals.Account},
		{"ORDER_INTERVAL", c.Intervals.Order},
		{"INTEGRITY_INTERVAL", c.Intervals.Integrity},
	} {
		if iv.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", iv.name, iv.value)
		}
	}
	return nil
}

// LLMEnabled reports whether the LLM decision path is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.Provider != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
