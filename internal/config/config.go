// Package config assembles the service configuration from the environment.
package config

import (
	"strings"
	"time"

	"infosentry/pkg/config"
)

// Thresholds are the fixed score cut points for bucketing.
type Thresholds struct {
	Immediate float64
	Boundary  float64
	Batch     float64
}

// Budget holds the daily AI budget caps and pricing.
type Budget struct {
	EmbeddingEnabled bool
	JudgeEnabled     bool
	DailyCapUSD      float64
	EmbeddingCalls   int64
	JudgeCalls       int64
	// Typical tokens consumed per call, used to estimate call counts
	// from token counters.
	EmbeddingTokensPerCall int64
	JudgeTokensPerCall     int64
	EmbeddingPricePer1K    float64
	JudgePricePer1K        float64
}

// Coalesce holds the immediate-push buffering knobs.
type Coalesce struct {
	Window   time.Duration
	MaxItems int64
	TTL      time.Duration
}

// Config is the full service configuration.
type Config struct {
	DatabaseURL string
	RedisURL    string

	Thresholds Thresholds
	Budget     Budget
	Coalesce   Coalesce

	// Batch/digest selection windows.
	BatchLookback  time.Duration
	BatchMaxItems  int
	DigestMaxItems int
	DigestHourUTC  int
	BatchWindows   []string

	// Delivery.
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
	EmailName    string
	// Single-user deployment: all notifications go to one mailbox.
	NotifyRecipient string

	// Embedding cache.
	GoalEmbeddingTTL time.Duration
}

// Load reads the configuration from the environment with production
// defaults. The score thresholds and coalesce bounds are fixed product
// behavior and are not configurable.
func Load() Config {
	return Config{
		DatabaseURL: config.GetEnv("DATABASE_URL", ""),
		RedisURL:    config.GetEnv("REDIS_URL", "redis://localhost:6379"),

		Thresholds: Thresholds{
			Immediate: 0.93,
			Boundary:  0.88,
			Batch:     0.75,
		},

		Budget: Budget{
			EmbeddingEnabled:       config.GetEnvBool("BUDGET_EMBEDDING_ENABLED", true),
			JudgeEnabled:           config.GetEnvBool("BUDGET_JUDGE_ENABLED", true),
			DailyCapUSD:            config.GetEnvFloat("BUDGET_DAILY_CAP_USD", 1.0),
			EmbeddingCalls:         int64(config.GetEnvInt("BUDGET_EMBEDDING_CALLS", 2000)),
			JudgeCalls:             int64(config.GetEnvInt("BUDGET_JUDGE_CALLS", 500)),
			EmbeddingTokensPerCall: 500,
			JudgeTokensPerCall:     200,
			EmbeddingPricePer1K:    config.GetEnvFloat("BUDGET_EMBEDDING_PRICE_PER_1K", 0.00002),
			JudgePricePer1K:        config.GetEnvFloat("BUDGET_JUDGE_PRICE_PER_1K", 0.0006),
		},

		Coalesce: Coalesce{
			Window:   5 * time.Minute,
			MaxItems: 3,
			TTL:      10 * time.Minute,
		},

		BatchLookback:  config.GetEnvDuration("BATCH_LOOKBACK", 24*time.Hour),
		BatchMaxItems:  config.GetEnvInt("BATCH_MAX_ITEMS", 10),
		DigestMaxItems: config.GetEnvInt("DIGEST_MAX_ITEMS", 20),
		DigestHourUTC:  config.GetEnvInt("DIGEST_HOUR_UTC", 8),
		BatchWindows:   splitCSV(config.GetEnv("BATCH_WINDOWS", "09:00,13:00,18:00")),

		SMTPHost:     config.GetEnv("SMTP_HOST", ""),
		SMTPPort:     config.GetEnv("SMTP_PORT", "587"),
		SMTPUser:     config.GetEnv("SMTP_USER", ""),
		SMTPPassword: config.GetEnv("SMTP_PASSWORD", ""),
		EmailFrom:    config.GetEnv("EMAIL_FROM", ""),
		EmailName:    config.GetEnv("EMAIL_FROM_NAME", "InfoSentry"),

		NotifyRecipient: config.GetEnv("NOTIFY_RECIPIENT", ""),

		GoalEmbeddingTTL: config.GetEnvDuration("GOAL_EMBEDDING_TTL", 24*time.Hour),
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
