package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Ledger LedgerConfig
	Card   CardConfig
}

type AppConfig struct {
	Env  string
	Port int
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBConfig struct {
	// Driver selects the ledger store dialect: postgres or sqlite.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	SQLitePath string
}

// RedisConfig is optional. Without a host, events stay in-process and the per-user
// in-flight payment cap is off.
type RedisConfig struct {
	Host string
	Port int

	EventsChannel string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type LedgerConfig struct {
	StartingBalance decimal.Decimal
	Ceiling         decimal.Decimal
	MaxPayment      decimal.Decimal

	TxMaxAttempts int

	// ReconcileSchedule is a cron expression; empty disables the reconciler.
	ReconcileSchedule string

	PaymentsMaxInFlight int
}

type CardConfig struct {
	Prefix        string
	Length        int
	ValidityYears int

	Brand    string
	BankName string
	LogoURL  string

	// FingerprintKey keys the hash that keeps full card numbers unique without storing them.
	FingerprintKey string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optInt("DB_PORT", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.SQLitePath = strings.TrimSpace(os.Getenv("DB_SQLITE_PATH"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.EventsChannel = strings.TrimSpace(os.Getenv("EVENTS_CHANNEL"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in applyDefaults.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	{
		var err error
		c.Ledger.StartingBalance, err = optDecimal("LEDGER_STARTING_BALANCE", decimal.NewFromInt(1000))
		_, parseErrs = appendParseErr(parseErrs, 0, err)
		c.Ledger.Ceiling, err = optDecimal("LEDGER_BALANCE_CEILING", decimal.NewFromInt(50000))
		_, parseErrs = appendParseErr(parseErrs, 0, err)
		c.Ledger.MaxPayment, err = optDecimal("LEDGER_MAX_PAYMENT", decimal.NewFromInt(10000))
		_, parseErrs = appendParseErr(parseErrs, 0, err)
	}
	{
		n, err := optInt("LEDGER_TX_MAX_ATTEMPTS", 5)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ledger.TxMaxAttempts = n
	}
	if v, ok := os.LookupEnv("LEDGER_RECONCILE_SCHEDULE"); ok {
		c.Ledger.ReconcileSchedule = strings.TrimSpace(v)
	} else {
		c.Ledger.ReconcileSchedule = "@every 1h"
	}
	{
		n, err := optInt("PAYMENTS_MAX_IN_FLIGHT", 4)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ledger.PaymentsMaxInFlight = n
	}

	c.Card.Prefix = strings.TrimSpace(os.Getenv("CARD_PREFIX"))
	{
		n, err := optInt("CARD_LENGTH", 16)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Card.Length = n
	}
	{
		n, err := optInt("CARD_VALIDITY_YEARS", 3)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Card.ValidityYears = n
	}
	c.Card.Brand = strings.TrimSpace(os.Getenv("CARD_BRAND"))
	c.Card.BankName = strings.TrimSpace(os.Getenv("CARD_BANK_NAME"))
	c.Card.LogoURL = strings.TrimSpace(os.Getenv("CARD_LOGO_URL"))
	c.Card.FingerprintKey = os.Getenv("CARD_FINGERPRINT_KEY")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyDefaults fills optional values. Production must set DB_SSLMODE explicitly, so it is
// only defaulted outside production.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = DriverPostgres
	}
	if c.DB.Driver == DriverPostgres {
		if c.DB.Port == 0 {
			c.DB.Port = 5432
		}
		if c.DB.SSLMode == "" && !c.IsProduction() {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.Driver == DriverSQLite && c.DB.SQLitePath == "" {
		c.DB.SQLitePath = "ledger.db"
	}
	if c.Redis.EventsChannel == "" {
		c.Redis.EventsChannel = "ledger.events"
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.Card.Prefix == "" {
		c.Card.Prefix = "400000"
	}
	if c.Card.Brand == "" {
		c.Card.Brand = "VISA"
	}
	if c.Card.FingerprintKey == "" && !c.IsProduction() {
		c.Card.FingerprintKey = "local-card-fingerprint"
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	case DriverSQLite:
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite is not allowed in production"))
		}
		if c.DB.SQLitePath == "" {
			errs = append(errs, errors.New("DB_SQLITE_PATH is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be one of postgres, sqlite, got %q", c.DB.Driver))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if !c.Ledger.Ceiling.IsPositive() {
		errs = append(errs, fmt.Errorf("LEDGER_BALANCE_CEILING must be positive, got %s", c.Ledger.Ceiling))
	}
	if c.Ledger.StartingBalance.IsNegative() || c.Ledger.StartingBalance.GreaterThan(c.Ledger.Ceiling) {
		errs = append(errs, fmt.Errorf("LEDGER_STARTING_BALANCE must be within [0, %s], got %s", c.Ledger.Ceiling, c.Ledger.StartingBalance))
	}
	if !c.Ledger.MaxPayment.IsPositive() {
		errs = append(errs, fmt.Errorf("LEDGER_MAX_PAYMENT must be positive, got %s", c.Ledger.MaxPayment))
	}
	if c.Ledger.TxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_TX_MAX_ATTEMPTS must be > 0, got %d", c.Ledger.TxMaxAttempts))
	}
	if c.Ledger.PaymentsMaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("PAYMENTS_MAX_IN_FLIGHT must be > 0, got %d", c.Ledger.PaymentsMaxInFlight))
	}

	if c.Card.Length < 13 || c.Card.Length > 19 {
		errs = append(errs, fmt.Errorf("CARD_LENGTH must be within 13..19, got %d", c.Card.Length))
	}
	if !isDigits(c.Card.Prefix) {
		errs = append(errs, fmt.Errorf("CARD_PREFIX must be numeric, got %q", c.Card.Prefix))
	} else if len(c.Card.Prefix) >= c.Card.Length {
		errs = append(errs, fmt.Errorf("CARD_PREFIX must be shorter than CARD_LENGTH"))
	}
	if c.Card.ValidityYears <= 0 {
		errs = append(errs, fmt.Errorf("CARD_VALIDITY_YEARS must be > 0, got %d", c.Card.ValidityYears))
	}
	if c.Card.FingerprintKey == "" {
		errs = append(errs, errors.New("CARD_FINGERPRINT_KEY is required"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// StoreDSN returns the data source name for the configured driver.
func (c Config) StoreDSN() string {
	if c.DB.Driver == DriverSQLite {
		return c.SQLiteDSN()
	}
	return c.PostgresDSN()
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// SQLiteDSN opens with an immediate write lock so concurrent writers queue on the busy
// timeout instead of failing at upgrade.
func (c Config) SQLiteDSN() string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", c.DB.SQLitePath)
}

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def, nil
	}
	return mustInt(key)
}

func optDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal, got %q", key, v)
	}
	return d, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
