// Package config loads the engine configuration from the environment. An
// optional .env file covers local runs; real deployments set the variables
// directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gold-decision-engine/internal/ai"
	"gold-decision-engine/internal/api"
	"gold-decision-engine/internal/bus"
	"gold-decision-engine/internal/engine"
	"gold-decision-engine/internal/logging"
	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/signal"
	"gold-decision-engine/internal/tuner"
	"gold-decision-engine/internal/vault"
)

// Files groups persistence paths and flush cadence.
type Files struct {
	SignalCacheFile  string
	MetricsFile      string
	FlushIntervalSec int64
	FlushForceSec    int64
}

// AIConfig bundles the oracle client and call-bound settings.
type AIConfig struct {
	Client *ai.ClientConfig
	Oracle ai.OracleConfig
}

// Config is the full runtime configuration, grouped by consumer.
type Config struct {
	API        api.Config
	Engine     engine.Config
	Normalizer signal.NormalizerConfig
	Cache      signal.CacheConfig

	QTrendMaxAgeSec  int64
	QTrendTFFallback bool

	Market    market.ProviderConfig
	Heartbeat bus.HeartbeatConfig
	Bus       bus.Config
	Metrics   metrics.Config
	Files     Files
	Tuner     tuner.Config
	AI        AIConfig

	DatabaseURL string
	Vault       vault.Config
	Logging     logging.Config
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	// Missing .env is fine; containers set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		API: api.Config{
			Port:               getEnvIntOrDefault("PORT", 8080),
			WebhookToken:       os.Getenv("WEBHOOK_TOKEN"),
			BodyTokenAuth:      getEnvOrDefault("WEBHOOK_BODY_TOKEN_AUTH", "true") == "true",
			MetricsToken:       os.Getenv("METRICS_TOKEN"),
			RateLimitRPS:       getEnvFloatOrDefault("WEBHOOK_RATE_LIMIT_RPS", 5),
			RateLimitBurst:     getEnvIntOrDefault("WEBHOOK_RATE_LIMIT_BURST", 10),
			CORSAllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
			AdminUsername:      os.Getenv("ADMIN_USERNAME"),
			AdminPasswordHash:  os.Getenv("ADMIN_PASSWORD_HASH"),
			JWTSecret:          os.Getenv("ADMIN_JWT_SECRET"),
			JWTTTLMin:          getEnvIntOrDefault("ADMIN_JWT_TTL_MIN", 60),
		},

		Normalizer: signal.NormalizerConfig{
			SymbolAliases:        parseAliases(getEnvOrDefault("SYMBOL_ALIASES", "XAUUSD=GOLD")),
			DefaultSymbol:        getEnvOrDefault("DEFAULT_SYMBOL", "GOLD"),
			AssumeActionIsQTrend: getEnvOrDefault("ASSUME_ACTION_IS_QTREND", "false") == "true",
		},

		Cache: signal.CacheConfig{
			DedupeWindowSec:      getEnvInt64OrDefault("SIGNAL_DEDUP_WINDOW_SEC", 120),
			SignalLookbackSec:    getEnvInt64OrDefault("SIGNAL_LOOKBACK_SEC", 1200),
			ZoneLookbackSec:      getEnvInt64OrDefault("ZONE_LOOKBACK_SEC", 1200),
			ZoneTouchLookbackSec: getEnvInt64OrDefault("ZONE_TOUCH_LOOKBACK_SEC", 1200),
			FVGLookbackSec:       getEnvInt64OrDefault("FVG_LOOKBACK_SEC", 1200),
			SignalMaxAgeSec:      getEnvInt64OrDefault("SIGNAL_MAX_AGE_SEC", 900),
			BucketSec:            getEnvInt64OrDefault("CACHE_BUCKET_SEC", 0),
		},

		QTrendMaxAgeSec:  getEnvInt64OrDefault("QTREND_MAX_AGE_SEC", 300),
		QTrendTFFallback: getEnvOrDefault("QTREND_TF_FALLBACK", "true") == "true",

		Market: market.DefaultProviderConfig(),

		Heartbeat: bus.HeartbeatConfig{
			Enabled:    getEnvOrDefault("HEARTBEAT_ENABLED", "true") == "true",
			TimeoutSec: getEnvInt64OrDefault("HEARTBEAT_TIMEOUT_SEC", 10),
			StaleMode:  getEnvOrDefault("HEARTBEAT_STALE_MODE", "freeze"),
		},

		Bus: bus.Config{
			Addr:             getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:         os.Getenv("REDIS_PASSWORD"),
			DB:               getEnvIntOrDefault("REDIS_DB", 0),
			PoolSize:         getEnvIntOrDefault("REDIS_POOL_SIZE", 10),
			OrdersChannel:    getEnvOrDefault("ORDERS_CHANNEL", "engine:orders"),
			HeartbeatChannel: getEnvOrDefault("HEARTBEAT_CHANNEL", "engine:heartbeat"),
			MarketChannel:    getEnvOrDefault("MARKET_CHANNEL", "engine:market"),
		},

		Metrics: metrics.Config{
			KeepDays:    getEnvIntOrDefault("METRICS_KEEP_DAYS", 14),
			MaxExamples: getEnvIntOrDefault("METRICS_MAX_EXAMPLES", 80),
		},

		Files: Files{
			SignalCacheFile:  getEnvOrDefault("SIGNAL_CACHE_FILE", "data/signal_cache.json"),
			MetricsFile:      getEnvOrDefault("METRICS_FILE", "data/metrics.json"),
			FlushIntervalSec: getEnvInt64OrDefault("CACHE_FLUSH_INTERVAL_SEC", 5),
			FlushForceSec:    getEnvInt64OrDefault("CACHE_FLUSH_FORCE_SEC", 10),
		},

		DatabaseURL: os.Getenv("DATABASE_URL"),

		Vault: vault.Config{
			Enabled:    getEnvOrDefault("VAULT_ENABLED", "false") == "true",
			Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
			Token:      os.Getenv("VAULT_TOKEN"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/gold-engine"),
			CACert:     os.Getenv("VAULT_CACERT"),
		},

		Logging: logging.Config{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Pretty: getEnvOrDefault("LOG_PRETTY", "false") == "true",
		},
	}

	cfg.Engine = loadEngineConfig()
	cfg.Tuner = loadTunerConfig()
	cfg.AI = loadAIConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEngineConfig overlays the environment onto the engine defaults.
func loadEngineConfig() engine.Config {
	c := engine.DefaultConfig()

	c.EntryWaitSec = getEnvInt64OrDefault("ENTRY_POST_SIGNAL_WAIT_SEC", c.EntryWaitSec)
	c.EntryMaxWaitSec = getEnvInt64OrDefault("ENTRY_MAX_WAIT_SEC", c.EntryMaxWaitSec)
	c.EntryWindowSec = getEnvInt64OrDefault("ENTRY_WINDOW_SEC", c.EntryWindowSec)
	c.MgmtWaitSec = getEnvInt64OrDefault("MGMT_POST_SIGNAL_WAIT_SEC", c.MgmtWaitSec)
	c.MgmtMaxWaitSec = getEnvInt64OrDefault("MGMT_MAX_WAIT_SEC", c.MgmtMaxWaitSec)
	c.MgmtRingSize = getEnvIntOrDefault("MGMT_RING_SIZE", c.MgmtRingSize)
	c.ConfluenceWindowSec = getEnvInt64OrDefault("CONFLUENCE_WINDOW_SEC", c.ConfluenceWindowSec)

	c.MarketGuardEnabled = getEnvOrDefault("MARKET_GUARD_ENABLED", "true") == "true"
	c.SpreadHardCapPoints = getEnvFloatOrDefault("SPREAD_HARD_CAP_POINTS", c.SpreadHardCapPoints)
	c.SpreadMaxATRRatio = getEnvFloatOrDefault("SPREAD_MAX_ATR_RATIO", c.SpreadMaxATRRatio)
	c.SpreadATRSoftMin = getEnvFloatOrDefault("SPREAD_ATR_SOFT_MIN", c.SpreadATRSoftMin)
	c.LRREVHardMin = getEnvFloatOrDefault("LRR_EV_HARD_MIN", c.LRREVHardMin)
	c.LRRSpreadSpikeMult = getEnvFloatOrDefault("LRR_SPREAD_SPIKE_MULT", c.LRRSpreadSpikeMult)
	c.LRRDistHardReject = getEnvFloatOrDefault("LRR_DIST_HARD_REJECT", c.LRRDistHardReject)
	c.LRRVolPanicRatio = getEnvFloatOrDefault("LRR_VOL_PANIC_RATIO", c.LRRVolPanicRatio)
	c.EntryCooldownSec = getEnvInt64OrDefault("ENTRY_COOLDOWN_SEC", c.EntryCooldownSec)
	c.DriftLimitATRMult = getEnvFloatOrDefault("DRIFT_LIMIT_ATR_MULT", c.DriftLimitATRMult)
	c.DriftMinPoints = getEnvFloatOrDefault("DRIFT_MIN_POINTS", c.DriftMinPoints)
	c.DriftMaxPoints = getEnvFloatOrDefault("DRIFT_MAX_POINTS", c.DriftMaxPoints)
	c.DriftHardBlock = getEnvOrDefault("DRIFT_HARD_BLOCK", "true") == "true"
	c.ATRFloorMult = getEnvFloatOrDefault("ATR_FLOOR_MULT", c.ATRFloorMult)
	c.ATRSpikeCapMult = getEnvFloatOrDefault("ATR_SPIKE_CAP_MULT", c.ATRSpikeCapMult)

	c.AIEntryMinScore = getEnvIntOrDefault("AI_ENTRY_MIN_SCORE", c.AIEntryMinScore)
	c.AIEntryMinScoreStrongAligned = getEnvIntOrDefault("AI_ENTRY_MIN_SCORE_STRONG_ALIGNED", c.AIEntryMinScoreStrongAligned)
	c.AddonMinAIScore = getEnvIntOrDefault("ADDON_MIN_AI_SCORE", c.AddonMinAIScore)
	c.AIEntryThrottleSec = getEnvInt64OrDefault("AI_ENTRY_THROTTLE_SEC", c.AIEntryThrottleSec)
	c.AICloseThrottleSec = getEnvInt64OrDefault("AI_CLOSE_THROTTLE_SEC", c.AICloseThrottleSec)
	c.AICloseMinConfidence = getEnvIntOrDefault("AI_CLOSE_MIN_CONFIDENCE", c.AICloseMinConfidence)
	c.MgmtAIFallback = getEnvOrDefault("MGMT_AI_FALLBACK", c.MgmtAIFallback)
	c.MgmtFallbackConfidence = getEnvIntOrDefault("MGMT_FALLBACK_CONFIDENCE", c.MgmtFallbackConfidence)

	c.AddonEnabled = getEnvOrDefault("ADDON_ENABLED", "true") == "true"
	c.AddonMaxPerSession = getEnvIntOrDefault("ADDON_MAX_PER_SESSION", c.AddonMaxPerSession)
	c.DelayedEntryEnabled = getEnvOrDefault("DELAYED_ENTRY_ENABLED", "true") == "true"
	c.DelayedMaxAttempts = getEnvIntOrDefault("DELAYED_ENTRY_MAX_ATTEMPTS", c.DelayedMaxAttempts)
	c.DelayedMinRetrySec = getEnvInt64OrDefault("DELAYED_ENTRY_MIN_RETRY_INTERVAL_SEC", c.DelayedMinRetrySec)
	c.DelayedHardTTLSec = getEnvInt64OrDefault("DELAYED_ENTRY_HARD_TTL_SEC", c.DelayedHardTTLSec)
	c.EntryLockMaxHoldSec = getEnvInt64OrDefault("ENTRY_LOCK_MAX_HOLD_SEC", c.EntryLockMaxHoldSec)
	c.ProcessedTriggerTTLSec = getEnvInt64OrDefault("PROCESSED_TRIGGER_TTL_SEC", c.ProcessedTriggerTTLSec)

	c.MaxDevelopmentSec = getEnvInt64OrDefault("MAX_DEVELOPMENT_SEC", c.MaxDevelopmentSec)
	c.BreakevenBandSpreadMult = getEnvFloatOrDefault("BREAKEVEN_BAND_SPREAD_MULT", c.BreakevenBandSpreadMult)
	c.BreakevenBandATRMult = getEnvFloatOrDefault("BREAKEVEN_BAND_ATR_MULT", c.BreakevenBandATRMult)
	c.ProfitProtectSpreadMult = getEnvFloatOrDefault("PROFIT_PROTECT_SPREAD_MULT", c.ProfitProtectSpreadMult)
	c.ProfitProtectATRMult = getEnvFloatOrDefault("PROFIT_PROTECT_ATR_MULT", c.ProfitProtectATRMult)

	c.PromptOptions = ai.PromptOptions{
		Compact:   getEnvOrDefault("AI_PROMPT_COMPACT", "false") == "true",
		MaxItems:  getEnvIntOrDefault("AI_PROMPT_MAX_ITEMS", 20),
		MaxStrLen: getEnvIntOrDefault("AI_PROMPT_MAX_STRLEN", 600),
	}
	return c
}

func loadTunerConfig() tuner.Config {
	c := tuner.DefaultConfig()
	c.Enabled = getEnvOrDefault("AUTO_TUNE_ENABLED", "false") == "true"
	c.IntervalSec = getEnvIntOrDefault("AUTO_TUNE_INTERVAL_SEC", c.IntervalSec)
	c.Percentile = getEnvFloatOrDefault("AUTO_TUNE_PERCENTILE", c.Percentile)
	c.MinSamples = getEnvIntOrDefault("AUTO_TUNE_MIN_SAMPLES", c.MinSamples)
	c.EnvFile = getEnvOrDefault("ENV_FILE", c.EnvFile)
	return c
}

func loadAIConfig() AIConfig {
	client := ai.DefaultClientConfig()
	client.Provider = ai.Provider(strings.ToLower(getEnvOrDefault("AI_PROVIDER", string(client.Provider))))
	client.APIKey = os.Getenv("OPENAI_API_KEY")
	client.BaseURL = os.Getenv("OPENAI_BASE_URL")
	client.Model = getEnvOrDefault("OPENAI_MODEL", client.Model)
	client.Timeout = time.Duration(getEnvIntOrDefault("API_TIMEOUT_SEC", 20)) * time.Second

	oracle := ai.DefaultOracleConfig()
	oracle.RetryCount = getEnvIntOrDefault("API_RETRY_COUNT", oracle.RetryCount)
	oracle.RetryWaitSec = getEnvIntOrDefault("API_RETRY_WAIT_SEC", oracle.RetryWaitSec)
	oracle.BreakerFailures = uint32(getEnvIntOrDefault("AI_BREAKER_FAILURES", int(oracle.BreakerFailures)))
	oracle.BreakerCooldownSec = getEnvIntOrDefault("AI_BREAKER_COOLDOWN_SEC", oracle.BreakerCooldownSec)

	return AIConfig{Client: client, Oracle: oracle}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.API.Port)
	}
	if c.API.RateLimitRPS < 0 {
		return fmt.Errorf("invalid WEBHOOK_RATE_LIMIT_RPS %v", c.API.RateLimitRPS)
	}
	for key, v := range map[string]int{
		"AI_ENTRY_MIN_SCORE":                c.Engine.AIEntryMinScore,
		"AI_ENTRY_MIN_SCORE_STRONG_ALIGNED": c.Engine.AIEntryMinScoreStrongAligned,
		"ADDON_MIN_AI_SCORE":                c.Engine.AddonMinAIScore,
		"AI_CLOSE_MIN_CONFIDENCE":           c.Engine.AICloseMinConfidence,
		"MGMT_FALLBACK_CONFIDENCE":          c.Engine.MgmtFallbackConfidence,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("invalid %s %d, want 0-100", key, v)
		}
	}
	if fb := c.Engine.MgmtAIFallback; fb != "hold" && fb != "default_close" {
		return fmt.Errorf("invalid MGMT_AI_FALLBACK %q, want hold or default_close", fb)
	}
	if c.Engine.DriftMinPoints > c.Engine.DriftMaxPoints {
		return fmt.Errorf("DRIFT_MIN_POINTS %v exceeds DRIFT_MAX_POINTS %v",
			c.Engine.DriftMinPoints, c.Engine.DriftMaxPoints)
	}
	if mode := c.Heartbeat.StaleMode; mode != "freeze" && mode != "warn" {
		return fmt.Errorf("invalid HEARTBEAT_STALE_MODE %q, want freeze or warn", mode)
	}
	if p := c.Tuner.Percentile; p <= 0 || p >= 1 {
		return fmt.Errorf("invalid AUTO_TUNE_PERCENTILE %v, want (0,1)", p)
	}
	switch c.AI.Client.Provider {
	case ai.ProviderOpenAI, ai.ProviderDeepSeek, ai.ProviderClaude:
	default:
		return fmt.Errorf("unknown AI_PROVIDER %q", c.AI.Client.Provider)
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("VAULT_ENABLED requires VAULT_ADDR")
	}
	return nil
}

// Redacted returns the configuration echo served on /status and /metrics.
// Secrets appear masked, never raw.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"symbol":                            c.Normalizer.DefaultSymbol,
		"provider":                          string(c.AI.Client.Provider),
		"model":                             c.AI.Client.Model,
		"ai_entry_min_score":                c.Engine.AIEntryMinScore,
		"ai_entry_min_score_strong_aligned": c.Engine.AIEntryMinScoreStrongAligned,
		"addon_min_ai_score":                c.Engine.AddonMinAIScore,
		"ai_close_min_confidence":           c.Engine.AICloseMinConfidence,
		"mgmt_ai_fallback":                  c.Engine.MgmtAIFallback,
		"spread_hard_cap_points":            c.Engine.SpreadHardCapPoints,
		"spread_max_atr_ratio":              c.Engine.SpreadMaxATRRatio,
		"drift_limit_atr_mult":              c.Engine.DriftLimitATRMult,
		"market_guard_enabled":              c.Engine.MarketGuardEnabled,
		"addon_enabled":                     c.Engine.AddonEnabled,
		"addon_max_per_session":             c.Engine.AddonMaxPerSession,
		"delayed_entry_enabled":             c.Engine.DelayedEntryEnabled,
		"heartbeat_enabled":                 c.Heartbeat.Enabled,
		"heartbeat_timeout_sec":             c.Heartbeat.TimeoutSec,
		"auto_tune_enabled":                 c.Tuner.Enabled,
		"orders_channel":                    c.Bus.OrdersChannel,
		"heartbeat_channel":                 c.Bus.HeartbeatChannel,
		"market_channel":                    c.Bus.MarketChannel,
		"journal_enabled":                   c.DatabaseURL != "",
		"vault_enabled":                     c.Vault.Enabled,
		"openai_api_key":                    mask(c.AI.Client.APIKey),
		"webhook_token":                     mask(c.API.WebhookToken),
		"metrics_token":                     mask(c.API.MetricsToken),
		"admin_configured":                  c.API.AdminUsername != "" && c.API.AdminPasswordHash != "",
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseAliases parses "XAUUSD=GOLD,XAU=GOLD" into an upper-cased map.
func parseAliases(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		from = strings.ToUpper(strings.TrimSpace(from))
		to = strings.ToUpper(strings.TrimSpace(to))
		if from != "" && to != "" {
			out[from] = to
		}
	}
	return out
}
