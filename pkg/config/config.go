package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading agent.
type Config struct {
	Port             string
	ControlAPISecret string // when set, the control API requires a bearer token

	// Binance
	Testnet    bool
	APIKey     string
	APISecret  string
	Symbols    []string
	RecvWindow int64 // ms

	// Trading
	TradeNotional    float64 // USDT committed per entry
	Leverage         int
	Timeframe        string // candle interval, e.g. "5m"
	MaxOpenPositions int
	CycleInterval    time.Duration
	ATRStopMult      float64
	ATRTargetMult    float64
	EntryRSIMax      float64 // oscillator gate for entries
	ExitRSIMin       float64 // oscillator gate for exits
	EnableTakeProfit bool    // also place the protective limit target
	FlattenOnExit    bool    // force-flatten all positions on shutdown

	// Rules
	RulesPath string

	// Persistence
	DBPath        string
	TradesLogPath string
	SnapshotPath  string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the agent still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		ControlAPISecret: os.Getenv("CONTROL_API_SECRET"),
		Testnet:          getEnv("TESTNET", "false") == "true",
		APIKey:           os.Getenv("BINANCE_API_KEY"),
		APISecret:        os.Getenv("BINANCE_API_SECRET"),
		Symbols:          splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		RecvWindow:       int64(getEnvInt("RECV_WINDOW", 60000)),
		TradeNotional:    getEnvFloat("TRADE_NOTIONAL", 15.0),
		Leverage:         getEnvInt("LEVERAGE", 1),
		Timeframe:        getEnv("TIMEFRAME", "5m"),
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 5),
		CycleInterval:    getEnvDuration("CYCLE_INTERVAL", 5*time.Minute),
		ATRStopMult:      getEnvFloat("ATR_STOP_MULT", 1.0),
		ATRTargetMult:    getEnvFloat("ATR_TARGET_MULT", 2.0),
		EntryRSIMax:      getEnvFloat("ENTRY_RSI_MAX", 70),
		ExitRSIMin:       getEnvFloat("EXIT_RSI_MIN", 50),
		EnableTakeProfit: getEnv("ENABLE_TAKE_PROFIT", "true") == "true",
		FlattenOnExit:    getEnv("FLATTEN_ON_EXIT", "false") == "true",
		RulesPath:        getEnv("RULES_PATH", "./rules.yaml"),
		DBPath:           getEnv("DB_PATH", "./data/perpbot.db"),
		TradesLogPath:    getEnv("TRADES_LOG_PATH", "./logs/trades.log"),
		SnapshotPath:     getEnv("SNAPSHOT_PATH", "./data/results.json"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
