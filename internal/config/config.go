package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Policy holds the business tuning values for schedule resolution, stage
// calculation and rate budgets. These are deployment policy, not code.
type Policy struct {
	// SingleFullTolerance is the paid ratio at which a single-schedule deal
	// counts as fully paid.
	SingleFullTolerance decimal.Decimal
	// InstallmentTolerance is the tolerance applied to the first-half test
	// before the second due date and to the cumulative test after it.
	InstallmentTolerance decimal.Decimal
	// TwoInstallmentMinDays is the minimum number of days until close for a
	// deal to qualify for a two-installment schedule.
	TwoInstallmentMinDays int

	StageAwaitingFirst string
	StageFirstPaid     string
	StageFullyPaid     string

	ReportCurrency string
}

type Config struct {
	DBSource      string
	Port          string
	Env           string
	WebhookSecret string
	CRMBaseURL    string
	CRMAPIToken   string

	LockTTL        time.Duration
	LockMaxRetries int
	LockRetryDelay time.Duration
	LockSweepEvery time.Duration

	WindowLimit int
	DailyLimit  int

	// CurrencyRates configures the static conversion table, e.g.
	// "EUR:4.30,USD:3.95". Empty means only same-currency payments convert.
	CurrencyRates string

	Policy Policy
}

func Load() (*Config, error) {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET environment variable is required")
	}

	cfg := &Config{
		DBSource:      dbSource,
		Port:          getEnv("SERVER_PORT", "8080"),
		Env:           getEnv("ENVIRONMENT", "development"),
		WebhookSecret: webhookSecret,
		CRMBaseURL:    getEnv("CRM_BASE_URL", ""),
		CRMAPIToken:   getEnv("CRM_API_TOKEN", ""),

		LockTTL:        getDuration("LOCK_TTL", 30*time.Second),
		LockMaxRetries: getInt("LOCK_MAX_RETRIES", 3),
		LockRetryDelay: getDuration("LOCK_RETRY_DELAY", time.Second),
		LockSweepEvery: getDuration("LOCK_SWEEP_INTERVAL", time.Minute),

		WindowLimit: getInt("CRM_WINDOW_LIMIT", 100),
		DailyLimit:  getInt("CRM_DAILY_LIMIT", 10000),

		CurrencyRates: getEnv("CURRENCY_RATES", ""),

		Policy: Policy{
			SingleFullTolerance:   getDecimal("SINGLE_FULL_TOLERANCE", "0.95"),
			InstallmentTolerance:  getDecimal("INSTALLMENT_TOLERANCE", "0.90"),
			TwoInstallmentMinDays: getInt("TWO_INSTALLMENT_MIN_DAYS", 30),
			StageAwaitingFirst:    getEnv("STAGE_AWAITING_FIRST", "awaiting_first_payment"),
			StageFirstPaid:        getEnv("STAGE_FIRST_PAID", "first_payment_received"),
			StageFullyPaid:        getEnv("STAGE_FULLY_PAID", "fully_paid"),
			ReportCurrency:        getEnv("REPORT_CURRENCY", "PLN"),
		},
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}
