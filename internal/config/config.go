package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ApplyModeAtomic   = "atomic"
	ApplyModeTwoPhase = "two_phase"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	ServerPort string
	GRPCPort   string

	StoreDriver string
	SQLitePath  string
	AutoMigrate bool

	LogLevel           slog.Level
	CORSAllowedOrigins []string
	HealthToken        string

	MaxSingleDeposit    decimal.Decimal
	MaxSingleWithdrawal decimal.Decimal
	OverdraftLimit      decimal.Decimal

	IdempotencyRetention time.Duration
	IdempotencyLease     time.Duration
	LockTimeout          time.Duration
	ApplyMode            string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	NotifyWebhookURL   string
}

// Load reads the configuration from the environment. Unparseable values
// fall back to their defaults.
func Load() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "account_ledger"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		ServerPort: getEnv("SERVER_PORT", "8080"),
		GRPCPort:   getEnv("GRPC_PORT", ""),

		StoreDriver: oneOf("STORE_DRIVER", DriverPostgres, DriverPostgres, DriverSQLite),
		SQLitePath:  getEnv("SQLITE_PATH", "account_ledger.db"),
		AutoMigrate: getBool("AUTO_MIGRATE", true),

		LogLevel:           getLevel("LOG_LEVEL", slog.LevelInfo),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		HealthToken:        getEnv("HEALTH_TOKEN", ""),

		MaxSingleDeposit:    getDecimal("MAX_SINGLE_DEPOSIT", decimal.NewFromInt(1_000_000)),
		MaxSingleWithdrawal: getDecimal("MAX_SINGLE_WITHDRAWAL", decimal.NewFromInt(200_000)),
		OverdraftLimit:      getDecimal("OVERDRAFT_LIMIT", decimal.NewFromInt(10_000)),

		IdempotencyRetention: getDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),
		IdempotencyLease:     getDuration("IDEMPOTENCY_LEASE", 30*time.Second),
		LockTimeout:          getDuration("LOCK_TIMEOUT", 5*time.Second),
		ApplyMode:            oneOf("APPLY_MODE", ApplyModeAtomic, ApplyModeAtomic, ApplyModeTwoPhase),

		OutboxPollInterval: getDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxAttempts:  getInt("OUTBOX_MAX_ATTEMPTS", 8),
		NotifyWebhookURL:   getEnv("NOTIFY_WEBHOOK_URL", ""),
	}
}

// Validate rejects settings that are individually valid but unsafe together.
// A lease no longer than the lock timeout would let a retry reclaim a key
// while its first request is still waiting for account locks.
func (c *Config) Validate() error {
	if c.IdempotencyLease <= c.LockTimeout {
		return fmt.Errorf("IDEMPOTENCY_LEASE (%s) must be longer than LOCK_TIMEOUT (%s)", c.IdempotencyLease, c.LockTimeout)
	}
	return nil
}

// GetDBConnectionString returns the lib/pq keyword/value DSN.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// GetSQLiteDSN enables foreign keys, WAL and immediate write locks so
// units of work serialize instead of failing with SQLITE_BUSY.
func (c *Config) GetSQLiteDSN() string {
	return "file:" + c.SQLitePath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate"
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func oneOf(key, fallback string, allowed ...string) string {
	v := strings.ToLower(getEnv(key, fallback))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	slog.Warn("Ignoring invalid configuration value", "key", key, "value", v, "default", fallback)
	return fallback
}

func getBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Ignoring invalid configuration value", "key", key, "value", raw, "error", err)
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("Ignoring invalid configuration value", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		slog.Warn("Ignoring invalid configuration value", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || !v.IsPositive() {
		slog.Warn("Ignoring invalid configuration value", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getLevel(key string, fallback slog.Level) slog.Level {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		slog.Warn("Ignoring invalid configuration value", "key", key, "value", raw)
		return fallback
	}
	return level
}

func getList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
