package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal pipeline.
type Config struct {
	Port string

	// Execution bridge
	BridgeDir       string
	DispatchTimeout time.Duration
	DryRun          bool

	// Pipeline
	Workers      int
	IngestBuffer int
	DedupWindow  time.Duration

	// Validation
	ConfidenceFloor float64
	MinRiskReward   float64
	MaxSignalAge    time.Duration

	// Risk
	ProfilesPath           string
	MinTradableLot         float64
	MarginLevelFloor       float64
	GlobalSignalsPerMinute float64

	// Retry
	RetryBaseInterval time.Duration
	RetryMaxInterval  time.Duration
	RetryMaxAttempts  int

	// Stealth
	StealthEnabled   bool
	StealthStripSLTP bool
	LotJitterPercent float64

	// Database
	DBPath string

	// Auth
	JWTSecret        string
	OperatorID       string
	OperatorPassword string

	// Provider pair aliases, "GOLD=XAUUSD,DOW=US30" style.
	PairAliases map[string]string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/signalos.db")
	}

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		BridgeDir:              getEnv("BRIDGE_DIR", "./bridge"),
		DispatchTimeout:        getEnvDuration("DISPATCH_TIMEOUT", 30*time.Second),
		DryRun:                 getEnv("DRY_RUN", "false") == "true",
		Workers:                getEnvInt("PIPELINE_WORKERS", 4),
		IngestBuffer:           getEnvInt("INGEST_BUFFER", 100),
		DedupWindow:            getEnvDuration("DEDUP_WINDOW", 5*time.Minute),
		ConfidenceFloor:        getEnvFloat("CONFIDENCE_FLOOR", 0.2),
		MinRiskReward:          getEnvFloat("MIN_RISK_REWARD", 1.0),
		MaxSignalAge:           getEnvDuration("MAX_SIGNAL_AGE", 10*time.Minute),
		ProfilesPath:           getEnv("RISK_PROFILES_PATH", ""),
		MinTradableLot:         getEnvFloat("MIN_TRADABLE_LOT", 0.01),
		MarginLevelFloor:       getEnvFloat("MARGIN_LEVEL_FLOOR", 150),
		GlobalSignalsPerMinute: getEnvFloat("GLOBAL_SIGNALS_PER_MINUTE", 30),
		RetryBaseInterval:      getEnvDuration("RETRY_BASE_INTERVAL", 5*time.Second),
		RetryMaxInterval:       getEnvDuration("RETRY_MAX_INTERVAL", 300*time.Second),
		RetryMaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		StealthEnabled:         getEnv("STEALTH_ENABLED", "false") == "true",
		StealthStripSLTP:       getEnv("STEALTH_STRIP_SLTP", "true") == "true",
		LotJitterPercent:       getEnvFloat("STEALTH_LOT_JITTER_PERCENT", 0),
		DBPath:                 dbPath,
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		OperatorID:             getEnv("OPERATOR_ID", "admin"),
		OperatorPassword:       getEnv("OPERATOR_PASSWORD", "change-me"),
		PairAliases:            parseAliases(getEnv("PAIR_ALIASES", "")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseAliases reads "ALIAS=PAIR,ALIAS=PAIR" into a map.
func parseAliases(val string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(val, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out[strings.ToUpper(kv[0])] = strings.ToUpper(kv[1])
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
