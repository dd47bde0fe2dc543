// Package config handles loading and parsing application configuration from
// environment variables: port, allowedOrigins, tokenIssuer, aiProvider,
// and timeouts, rather than anything environment-specific.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig holds every configuration option the core consumes.
type AppConfig struct {
	// --- Core settings ---
	Port          string // network listen port, e.g. ":8080"
	DatabaseURL   string // Postgres DSN consumed by internal/store
	MigrationsDir string

	// --- Authentication ---
	JWTSecret  string // secret backing the default JWTVerifier
	TokenIssuer string // passed to the verifier as the expected issuer claim

	// --- External collaborators ---
	AIProvider string // adapter selector: "openai" or "echo" (test double)
	OpenAIKey  string
	OpenAIModel string
	RedisURL   string // empty disables the distributed bus; local bus is used

	AllowedOrigins []string

	// --- Timeouts (all configurable, defaults given) ---
	HandshakeAuthTimeout   time.Duration
	EventAckTimeout        time.Duration
	TypingExpiry           time.Duration
	PresenceGrace          time.Duration
	RingTimeout            time.Duration
	CallReconnectGrace     time.Duration
	AIStreamWallClockCap   time.Duration
	AIProviderReadIdle     time.Duration
	ActorIdleTimeout       time.Duration
	ShutdownTimeout        time.Duration

	// --- Rate limiting ---
	UserEventRatePerSec         float64
	ConversationEventRatePerSec float64

	// --- Ack dedupe ---
	AckLRUSize int
}

// Load reads environment variables and populates an AppConfig, applying a
// sensible default for anything left unset.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:          getEnv("PORT", ":8080"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		MigrationsDir: getEnv("MIGRATIONS_PATH", "migrations"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		TokenIssuer: getEnv("TOKEN_ISSUER", "realtimecore"),

		AIProvider:  getEnv("AI_PROVIDER", "openai"),
		OpenAIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIModel: getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		RedisURL:    getEnv("REDIS_URL", ""),

		AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),

		HandshakeAuthTimeout: getEnvAsDuration("HANDSHAKE_AUTH_TIMEOUT", 5*time.Second),
		EventAckTimeout:      getEnvAsDuration("EVENT_ACK_TIMEOUT", 5*time.Second),
		TypingExpiry:         getEnvAsDuration("TYPING_EXPIRY", 5*time.Second),
		PresenceGrace:        getEnvAsDuration("PRESENCE_GRACE", 5*time.Second),
		RingTimeout:          getEnvAsDuration("RING_TIMEOUT", 30*time.Second),
		CallReconnectGrace:   getEnvAsDuration("CALL_RECONNECT_GRACE", 10*time.Second),
		AIStreamWallClockCap: getEnvAsDuration("AI_STREAM_WALL_CLOCK_CAP", 120*time.Second),
		AIProviderReadIdle:   getEnvAsDuration("AI_PROVIDER_READ_IDLE", 30*time.Second),
		ActorIdleTimeout:     getEnvAsDuration("ACTOR_IDLE_TIMEOUT", 10*time.Minute),
		ShutdownTimeout:      getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		UserEventRatePerSec:         getEnvAsFloat("USER_EVENT_RATE_PER_SEC", 20),
		ConversationEventRatePerSec: getEnvAsFloat("CONVERSATION_EVENT_RATE_PER_SEC", 50),

		AckLRUSize: getEnvAsInt("ACK_LRU_SIZE", 256),
	}

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateCriticalConfig(cfg *AppConfig) error {
	critical := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"JWT_SECRET":   cfg.JWTSecret,
	}
	var missing []string
	for name, value := range critical {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return duration
	}
	return defaultValue
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
