package config

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func validSQLite() Config {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		DB:   DBConfig{Driver: DriverSQLite},
		Auth: AuthConfig{JWTSecret: "secret"},
		Ledger: LedgerConfig{
			StartingBalance:     decimal.NewFromInt(1000),
			Ceiling:             decimal.NewFromInt(50000),
			MaxPayment:          decimal.NewFromInt(10000),
			TxMaxAttempts:       5,
			PaymentsMaxInFlight: 4,
		},
		Card: CardConfig{Length: 16, ValidityYears: 3},
	}
	c.applyDefaults()
	return c
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_SQLiteNeedsNoPostgres(t *testing.T) {
	c := validSQLite()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SQLitePath != "ledger.db" {
		t.Fatalf("expected default sqlite path, got %q", c.DB.SQLitePath)
	}
	if !strings.HasPrefix(c.StoreDSN(), "file:ledger.db?") {
		t.Fatalf("unexpected dsn %q", c.StoreDSN())
	}
	if c.RedisEnabled() {
		t.Fatalf("redis should be off without REDIS_HOST")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validSQLite()
	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	c.DB = DBConfig{Driver: DriverPostgres, Host: "localhost", User: "postgres", Password: "x", Name: "ledger"}
	c.applyDefaults()
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_ProductionRequiresFingerprintKey(t *testing.T) {
	local := validSQLite()
	if local.Card.FingerprintKey == "" {
		t.Fatalf("expected a local fingerprint key default")
	}

	c := Config{
		App:    AppConfig{Env: "production", Port: 8080},
		DB:     DBConfig{Driver: DriverSQLite},
		Auth:   AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
		Ledger: local.Ledger,
		Card:   CardConfig{Length: 16, ValidityYears: 3},
	}
	c.applyDefaults()
	if c.Card.FingerprintKey != "" {
		t.Fatalf("production must not get a default fingerprint key")
	}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "CARD_FINGERPRINT_KEY") {
		t.Fatalf("expected error for production without CARD_FINGERPRINT_KEY, got %v", err)
	}
}

func TestApplyDefaults_LocalPostgres(t *testing.T) {
	c := validSQLite()
	c.DB = DBConfig{Driver: "", Host: "localhost", User: "postgres", Name: "ledger"}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.Driver != DriverPostgres || c.DB.Port != 5432 || c.DB.SSLMode != "disable" {
		t.Fatalf("unexpected db defaults: %+v", c.DB)
	}
	if c.StoreDSN() != c.PostgresDSN() {
		t.Fatalf("postgres driver should use postgres dsn")
	}
}

func TestValidate_LedgerBounds(t *testing.T) {
	c := validSQLite()
	c.Ledger.StartingBalance = decimal.NewFromInt(60000)
	c.Ledger.MaxPayment = decimal.Zero
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected ledger errors")
	}
	for _, want := range []string{"LEDGER_STARTING_BALANCE", "LEDGER_MAX_PAYMENT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestValidate_CardNumberShape(t *testing.T) {
	c := validSQLite()
	c.Card.Prefix = "4x"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected non-numeric prefix to fail")
	}
	c.Card.Prefix = "4000000000000000"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected prefix as long as the number to fail")
	}
	c.Card.Prefix = "4000"
	c.Card.Length = 20
	if err := c.Validate(); err == nil {
		t.Fatalf("expected length 20 to fail")
	}
}

func TestLoad_ReadsEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LEDGER_STARTING_BALANCE", "250.50")
	t.Setenv("LEDGER_RECONCILE_SCHEDULE", "")
	t.Setenv("REDIS_HOST", "cache")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
	if c.Ledger.StartingBalance.String() != "250.5" {
		t.Fatalf("unexpected starting balance %s", c.Ledger.StartingBalance)
	}
	if c.Ledger.ReconcileSchedule != "" {
		t.Fatalf("explicit empty schedule should disable the reconciler, got %q", c.Ledger.ReconcileSchedule)
	}
	if c.RedisAddr() != "cache:6379" || c.Redis.EventsChannel != "ledger.events" {
		t.Fatalf("unexpected redis config: %+v", c.Redis)
	}
}

func TestLoad_ReportsParseErrors(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "nope")
	t.Setenv("LEDGER_MAX_PAYMENT", "lots")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "LEDGER_MAX_PAYMENT") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}
