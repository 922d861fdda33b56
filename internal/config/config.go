package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	APIBaseURL    string
	DatabaseURL   string
	DBPoolMin     int
	DBPoolMax     int
	RedisURL      string
	SMSProvider   string
	TelnyxAPIKey  string
	TelnyxPubKey  string
	TelnyxProfile string

	QuietHoursStart  string
	QuietHoursEnd    string
	DefaultTimezone  string
	MaxPerDay        int
	OptOutKeywords   []string
	OptInKeywords    []string
	OptOutReply      string
	OptInReply       string

	SMSWorkerCount      int
	CampaignWorkerCount int
	SendRateMax         int
	SendRateWindow      time.Duration
	MaxSendAttempts     int
	SendBackoffBase     time.Duration

	APIRateLimitWindow time.Duration
	APIRateLimitMax    int
	CORSOrigins        []string
}

// Load reads configuration from environment variables. A local .env file
// is applied first when present.
func Load() *Config {
	_ = godotenv.Load()
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		APIBaseURL:    getEnv("API_BASE_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DBPoolMin:     getEnvAsInt("DATABASE_POOL_MIN", 2),
		DBPoolMax:     getEnvAsInt("DATABASE_POOL_MAX", 10),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		SMSProvider:   strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", "telnyx"))),
		TelnyxAPIKey:  getEnv("TELNYX_API_KEY", ""),
		TelnyxPubKey:  getEnv("TELNYX_PUBLIC_KEY", ""),
		TelnyxProfile: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),

		QuietHoursStart: getEnv("QUIET_HOURS_START", "21:00"),
		QuietHoursEnd:   getEnv("QUIET_HOURS_END", "08:00"),
		DefaultTimezone: getEnv("DEFAULT_TIMEZONE", "America/Los_Angeles"),
		MaxPerDay:       getEnvAsInt("MAX_MESSAGES_PER_DAY_PER_RECIPIENT", 3),
		OptOutKeywords:  getEnvAsList("OPT_OUT_KEYWORDS", "STOP,UNSUBSCRIBE,CANCEL,END,QUIT"),
		OptInKeywords:   getEnvAsList("OPT_IN_KEYWORDS", "START,YES,SUBSCRIBE,UNSTOP"),
		OptOutReply:     getEnv("OPT_OUT_REPLY", "You have been unsubscribed and will receive no further messages. Reply START to resubscribe."),
		OptInReply:      getEnv("OPT_IN_REPLY", "You are resubscribed to messages. Reply STOP to unsubscribe."),

		SMSWorkerCount:      getEnvAsInt("SMS_WORKER_COUNT", 10),
		CampaignWorkerCount: getEnvAsInt("CAMPAIGN_WORKER_COUNT", 2),
		SendRateMax:         getEnvAsInt("SEND_RATE_MAX", 100),
		SendRateWindow:      getEnvAsDuration("SEND_RATE_WINDOW", time.Second),
		MaxSendAttempts:     getEnvAsInt("SEND_MAX_ATTEMPTS", 3),
		SendBackoffBase:     getEnvAsDuration("SEND_BACKOFF_BASE", 5*time.Second),

		APIRateLimitWindow: getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		APIRateLimitMax:    getEnvAsInt("RATE_LIMIT_MAX", 120),
		CORSOrigins:        getEnvAsList("CORS_ALLOWED_ORIGINS", ""),
	}
}

// Validate reports fatal configuration gaps. Both binaries call this at
// startup and abort on error.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.TelnyxAPIKey == "" {
		missing = append(missing, "TELNYX_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("config: missing required settings: " + strings.Join(missing, ", "))
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated environment variable, trimming
// whitespace and dropping empty entries.
func getEnvAsList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
